package database

import (
	"context"
	"fmt"
	"io/fs"
	"sync"
	"sync/atomic"

	"github.com/serverinit/serverinit/internal/logger"
	"github.com/serverinit/serverinit/internal/migrate"
	"github.com/serverinit/serverinit/migrations"
)

// Bootstrapper owns the process's single engine. Init is idempotent: the
// first call builds the engine, later calls reuse it. Every call ensures the
// declared tables exist.
type Bootstrapper struct {
	opts   Options
	schema fs.FS

	mu     sync.Mutex
	engine atomic.Pointer[Engine]
}

// NewBootstrapper creates a bootstrapper applying the embedded table
// definitions.
func NewBootstrapper(opts Options) *Bootstrapper {
	return &Bootstrapper{opts: opts, schema: migrations.FS}
}

// WithSchema replaces the table definitions applied by Init.
func (b *Bootstrapper) WithSchema(schema fs.FS) *Bootstrapper {
	b.schema = schema
	return b
}

// Init returns the engine for dbURL, creating it on first use, and ensures
// declared tables exist. Existing tables and rows are never touched.
func (b *Bootstrapper) Init(ctx context.Context, dbURL string) (*Engine, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	engine := b.engine.Load()
	if engine == nil {
		e, err := Open(ctx, dbURL, b.opts)
		if err != nil {
			return nil, err
		}
		engine = e
		b.engine.Store(engine)
	} else if target, err := ParseURL(dbURL); err == nil && target.Driver != engine.url.Driver {
		logger.Get().Warn().
			Str("driver", engine.url.Driver).
			Msg("Database already initialized, ignoring new URL")
	}

	applied, err := migrate.New(engine.db.DB, engine.url.Dialect, b.schema).WithContext(ctx).AutoMigrate()
	if err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Get().Info().
		Str("dialect", engine.url.Dialect).
		Int("applied", applied).
		Msg("Database initialized")

	return engine, nil
}

// Engine returns the initialized engine.
func (b *Bootstrapper) Engine() (*Engine, error) {
	if e := b.engine.Load(); e != nil {
		return e, nil
	}
	return nil, ErrNotInitialized
}

// Close closes the engine, if any. A later Init builds a new one.
func (b *Bootstrapper) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	e := b.engine.Swap(nil)
	if e == nil {
		return nil
	}
	return e.Close()
}
