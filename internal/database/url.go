package database

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/serverinit/serverinit/internal/config"
	"github.com/serverinit/serverinit/internal/migrate"
)

// Driver names registered with database/sql.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
	DriverMySQL    = "mysql"
)

// DriverURL is a logical database URL rewritten for a concrete driver.
type DriverURL struct {
	Driver  string
	DSN     string
	Dialect string

	// Memory is true for a private in-memory SQLite database.
	Memory bool
}

// ParseURL rewrites a sqlite://, postgresql:// or mysql:// URL into a driver
// name and DSN.
func ParseURL(dbURL string) (DriverURL, error) {
	switch config.Scheme(dbURL) {
	case config.SchemeSQLite:
		return parseSQLite(dbURL), nil
	case config.SchemePostgres:
		return DriverURL{Driver: DriverPostgres, DSN: dbURL, Dialect: migrate.DialectPostgres}, nil
	case config.SchemeMySQL:
		dsn, err := mysqlDSN(dbURL)
		if err != nil {
			return DriverURL{}, err
		}
		return DriverURL{Driver: DriverMySQL, DSN: dsn, Dialect: migrate.DialectMySQL}, nil
	default:
		if err := config.ValidateDatabaseURL(dbURL); err != nil {
			return DriverURL{}, err
		}
		return DriverURL{}, fmt.Errorf("%w: empty database URL", config.ErrUnsupportedDatabase)
	}
}

// sqliteFileParams make file databases queue concurrent writers: WAL with a
// busy timeout, and transactions that take the write lock at BEGIN so a
// read-then-write transaction never fails upgrading its lock.
const sqliteFileParams = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"

// parseSQLite maps sqlite:///rel.db to rel.db and sqlite:////abs.db to /abs.db.
// An empty path or :memory: yields a shared-cache in-memory database private
// to this engine, so pooled connections see the same tables.
func parseSQLite(dbURL string) DriverURL {
	p := strings.TrimPrefix(dbURL, config.SchemeSQLite)
	p = strings.TrimPrefix(p, "/")

	if p == "" || p == ":memory:" {
		return DriverURL{
			Driver:  DriverSQLite,
			DSN:     fmt.Sprintf("file:serverinit-%s?mode=memory&cache=shared", uuid.NewString()),
			Dialect: migrate.DialectSQLite,
			Memory:  true,
		}
	}
	sep := "?"
	if strings.Contains(p, "?") {
		sep = "&"
	}
	return DriverURL{Driver: DriverSQLite, DSN: p + sep + sqliteFileParams, Dialect: migrate.DialectSQLite}
}

func mysqlDSN(dbURL string) (string, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return "", fmt.Errorf("%w: invalid mysql URL: %v", config.ErrUnsupportedDatabase, err)
	}

	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = u.Host
	if u.Port() == "" && u.Host != "" {
		cfg.Addr = u.Host + ":3306"
	}
	cfg.DBName = strings.TrimPrefix(u.Path, "/")
	cfg.ParseTime = true
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Passwd, _ = u.User.Password()
	}

	q := u.Query()
	if len(q) > 0 {
		cfg.Params = make(map[string]string, len(q))
		for k := range q {
			cfg.Params[k] = q.Get(k)
		}
	}

	return cfg.FormatDSN(), nil
}
