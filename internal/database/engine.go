// Package database builds the pooled database engine and hands out scoped
// sessions over it.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	"modernc.org/sqlite"

	"github.com/serverinit/serverinit/internal/config"
	"github.com/serverinit/serverinit/internal/logger"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// sqliteConnectHooks run on every new SQLite connection.
var sqliteConnectHooks = []string{"PRAGMA foreign_keys = ON"}

// Options size and tune the connection pool.
type Options struct {
	PoolSize    int
	MaxOverflow int

	// PoolTimeout bounds connection acquisition; zero waits for the caller's context.
	PoolTimeout time.Duration

	// Echo logs every statement run through a session at debug level.
	Echo bool
}

// OptionsFromEnv maps the DB_* tunables onto pool options.
func OptionsFromEnv(env config.Env) Options {
	return Options{
		PoolSize:    env.DBPoolSize,
		MaxOverflow: env.DBMaxOverflow,
		PoolTimeout: env.PoolTimeout(),
		Echo:        bool(env.DBEcho),
	}
}

// MaxOpen is the hard cap on simultaneous connections.
func (o Options) MaxOpen() int {
	return o.PoolSize + o.MaxOverflow
}

// Engine is a pooled connection to one database.
type Engine struct {
	db     *sqlx.DB
	url    DriverURL
	opts   Options
	log    zerolog.Logger
	closed atomic.Bool
}

// Open connects to dbURL and verifies the connection.
func Open(ctx context.Context, dbURL string, opts Options) (*Engine, error) {
	target, err := ParseURL(dbURL)
	if err != nil {
		return nil, err
	}

	var sqlDB *sql.DB
	if target.Driver == DriverSQLite {
		sqlDB = sql.OpenDB(&hookConnector{
			dsn:   target.DSN,
			drv:   &sqlite.Driver{},
			hooks: sqliteConnectHooks,
		})
	} else {
		sqlDB, err = sql.Open(target.Driver, target.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
	}

	if opts.PoolSize < 1 {
		opts.PoolSize = 1
	}
	sqlDB.SetMaxOpenConns(opts.MaxOpen())
	sqlDB.SetMaxIdleConns(opts.PoolSize)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	e := &Engine{
		db:   sqlx.NewDb(sqlDB, target.Driver),
		url:  target,
		opts: opts,
		log:  logger.Component("database"),
	}

	e.log.Info().
		Str("driver", target.Driver).
		Int("pool_size", opts.PoolSize).
		Int("max_overflow", opts.MaxOverflow).
		Dur("pool_timeout", opts.PoolTimeout).
		Bool("echo", opts.Echo).
		Msg("Database engine created")

	return e, nil
}

// FromDB wraps an already opened pool, such as a sqlmock connection.
func FromDB(db *sql.DB, driverName, dialect string, opts Options) *Engine {
	return &Engine{
		db:   sqlx.NewDb(db, driverName),
		url:  DriverURL{Driver: driverName, Dialect: dialect},
		opts: opts,
		log:  logger.Component("database"),
	}
}

// DB exposes the underlying pool.
func (e *Engine) DB() *sqlx.DB {
	return e.db
}

// Dialect is the migration dialect: sqlite, postgres or mysql.
func (e *Engine) Dialect() string {
	return e.url.Dialect
}

// DriverURL returns the rewritten connection target.
func (e *Engine) DriverURL() DriverURL {
	return e.url
}

// Options returns the pool options the engine was built with.
func (e *Engine) Options() Options {
	return e.opts
}

// Ping checks connectivity.
func (e *Engine) Ping(ctx context.Context) error {
	if e.closed.Load() {
		return ErrClosed
	}
	return e.db.PingContext(ctx)
}

// Close releases every pooled connection. It is safe to call more than once.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.db.Close()
}

// Session acquires one pooled connection, runs fn with it and releases the
// connection on every exit path, panics included. Transaction control stays
// with fn.
func (e *Engine) Session(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	conn, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	return fn(ctx, &Session{runner: runner{q: conn, e: e}, conn: conn})
}

// WithTx runs fn in a transaction on a fresh session.
func (e *Engine) WithTx(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	return e.Session(ctx, func(ctx context.Context, s *Session) error {
		return s.WithTx(ctx, fn)
	})
}

func (e *Engine) acquire(ctx context.Context) (*sqlx.Conn, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}

	actx := ctx
	if e.opts.PoolTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, e.opts.PoolTimeout)
		defer cancel()
	}

	conn, err := e.db.Connx(actx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			e.log.Warn().
				Int("max_open", e.opts.MaxOpen()).
				Dur("pool_timeout", e.opts.PoolTimeout).
				Msg("Connection pool exhausted")
			return nil, fmt.Errorf("%w: no connection within %s", ErrPoolExhausted, e.opts.PoolTimeout)
		}
		return nil, fmt.Errorf("failed to acquire connection: %w", err)
	}
	return conn, nil
}
