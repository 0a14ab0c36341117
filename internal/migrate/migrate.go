// Package migrate applies embedded, create-if-absent table definitions.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/serverinit/serverinit/internal/logger"
)

// Dialects understood by the migrator.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
)

// Migrator applies the .sql files found under <dialect>/ in its filesystem.
type Migrator struct {
	db      *sql.DB
	dialect string
	fs      fs.FS
	ctx     context.Context
}

// New creates a new Migrator instance
func New(db *sql.DB, dialect string, fsys fs.FS) *Migrator {
	return &Migrator{
		db:      db,
		dialect: dialect,
		fs:      fsys,
		ctx:     context.Background(),
	}
}

// WithContext returns a new Migrator with the given context
func (m *Migrator) WithContext(ctx context.Context) *Migrator {
	return &Migrator{
		db:      m.db,
		dialect: m.dialect,
		fs:      m.fs,
		ctx:     ctx,
	}
}

// AutoMigrate applies every migration not yet recorded in schema_migrations
// and returns how many were applied.
func (m *Migrator) AutoMigrate() (int, error) {
	if err := m.ensureMigrationsTable(); err != nil {
		return 0, fmt.Errorf("failed to create migrations table: %w", err)
	}

	migrations, err := m.loadMigrations()
	if err != nil {
		return 0, fmt.Errorf("failed to load migrations: %w", err)
	}
	if len(migrations) == 0 {
		return 0, nil
	}

	applied, err := m.getAppliedMigrations()
	if err != nil {
		return 0, fmt.Errorf("failed to get applied migrations: %w", err)
	}

	count := 0
	for _, mig := range migrations {
		if applied[mig.name] {
			continue
		}
		if err := m.applyMigration(mig); err != nil {
			return count, fmt.Errorf("failed to apply migration %s: %w", mig.name, err)
		}
		logger.Get().Info().
			Str("migration", mig.name).
			Str("dialect", m.dialect).
			Msg("Applied migration")
		count++
	}

	return count, nil
}

// Pending returns the names of migrations that have not been applied yet.
func (m *Migrator) Pending() ([]string, error) {
	if err := m.ensureMigrationsTable(); err != nil {
		return nil, fmt.Errorf("failed to create migrations table: %w", err)
	}
	migrations, err := m.loadMigrations()
	if err != nil {
		return nil, err
	}
	applied, err := m.getAppliedMigrations()
	if err != nil {
		return nil, err
	}

	var pending []string
	for _, mig := range migrations {
		if !applied[mig.name] {
			pending = append(pending, mig.name)
		}
	}
	return pending, nil
}

type migration struct {
	name    string
	content string
}

func (m *Migrator) ensureMigrationsTable() error {
	createSQL := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version VARCHAR(255) PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)`

	_, err := m.db.ExecContext(m.ctx, createSQL)
	return err
}

func (m *Migrator) loadMigrations() ([]migration, error) {
	entries, err := fs.ReadDir(m.fs, m.dialect)
	if err != nil {
		return nil, fmt.Errorf("no migrations for dialect %q: %w", m.dialect, err)
	}

	var migrations []migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		filePath := path.Join(m.dialect, entry.Name())
		content, err := fs.ReadFile(m.fs, filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", filePath, err)
		}

		migrations = append(migrations, migration{
			name:    entry.Name(),
			content: string(content),
		})
	}

	// names are zero-padded: 001_xxx.sql, 002_xxx.sql
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].name < migrations[j].name
	})

	return migrations, nil
}

func (m *Migrator) getAppliedMigrations() (map[string]bool, error) {
	rows, err := m.db.QueryContext(m.ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}

	return applied, rows.Err()
}

func (m *Migrator) applyMigration(mig migration) error {
	tx, err := m.db.BeginTx(m.ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(m.ctx, mig.content); err != nil {
		return err
	}

	insertSQL := "INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)"
	if m.dialect == DialectPostgres {
		insertSQL = "INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)"
	}

	if _, err := tx.ExecContext(m.ctx, insertSQL, mig.name, time.Now().Unix()); err != nil {
		return err
	}

	return tx.Commit()
}
