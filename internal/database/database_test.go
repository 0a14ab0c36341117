package database

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serverinit/serverinit/internal/config"
)

func sqliteURL(t *testing.T) string {
	t.Helper()
	return "sqlite:///" + filepath.ToSlash(filepath.Join(t.TempDir(), "test.db"))
}

func testOptions() Options {
	return Options{PoolSize: 2, MaxOverflow: 1, PoolTimeout: time.Second}
}

func TestParseURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		driver  string
		dialect string
		dsn     string
	}{
		{"sqlite relative", "sqlite:///app.db", DriverSQLite, "sqlite", "app.db?" + sqliteFileParams},
		{"sqlite absolute", "sqlite:////var/lib/app.db", DriverSQLite, "sqlite", "/var/lib/app.db?" + sqliteFileParams},
		{"sqlite with params", "sqlite:///app.db?_pragma=cache_size(-2000)", DriverSQLite, "sqlite", "app.db?_pragma=cache_size(-2000)&" + sqliteFileParams},
		{"postgres", "postgresql://u:p@db:5432/app", DriverPostgres, "postgres", "postgresql://u:p@db:5432/app"},
		{"mysql", "mysql://u:p@db:3306/app", DriverMySQL, "mysql", "u:p@tcp(db:3306)/app?parseTime=true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseURL(tt.url)
			require.NoError(t, err)
			assert.Equal(t, tt.driver, got.Driver)
			assert.Equal(t, tt.dialect, got.Dialect)
			assert.Equal(t, tt.dsn, got.DSN)
			assert.False(t, got.Memory)
		})
	}
}

func TestParseURLMySQLDefaultPortAndParams(t *testing.T) {
	got, err := ParseURL("mysql://root@db/app?charset=utf8mb4")
	require.NoError(t, err)
	assert.Equal(t, "root@tcp(db:3306)/app?parseTime=true&charset=utf8mb4", got.DSN)
}

func TestParseURLMemory(t *testing.T) {
	a, err := ParseURL("sqlite://")
	require.NoError(t, err)
	b, err := ParseURL("sqlite:///:memory:")
	require.NoError(t, err)

	assert.True(t, a.Memory)
	assert.True(t, b.Memory)
	assert.True(t, strings.HasPrefix(a.DSN, "file:serverinit-"))
	assert.NotEqual(t, a.DSN, b.DSN)
}

func TestParseURLUnsupported(t *testing.T) {
	_, err := ParseURL("redis://localhost")
	require.ErrorIs(t, err, config.ErrUnsupportedDatabase)

	_, err = ParseURL("")
	require.ErrorIs(t, err, config.ErrUnsupportedDatabase)
}

func TestOpenEnablesForeignKeys(t *testing.T) {
	ctx := context.Background()
	e, err := Open(ctx, sqliteURL(t), testOptions())
	require.NoError(t, err)
	defer e.Close()

	checkFK := func(ctx context.Context, s *Session) error {
		var enabled int
		if err := s.GetContext(ctx, &enabled, "PRAGMA foreign_keys"); err != nil {
			return err
		}
		assert.Equal(t, 1, enabled)
		return nil
	}

	// nested sessions hold distinct physical connections
	err = e.Session(ctx, func(ctx context.Context, outer *Session) error {
		if err := checkFK(ctx, outer); err != nil {
			return err
		}
		return e.Session(ctx, checkFK)
	})
	require.NoError(t, err)

	_, err = e.DB().Exec("CREATE TABLE parent (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	_, err = e.DB().Exec("CREATE TABLE child (id INTEGER PRIMARY KEY, parent_id INTEGER NOT NULL REFERENCES parent(id))")
	require.NoError(t, err)

	_, err = e.DB().Exec("INSERT INTO child (id, parent_id) VALUES (1, 99)")
	require.Error(t, err, "foreign key violation must be rejected")
}

func TestOptionsFromEnv(t *testing.T) {
	env := config.DefaultEnv()
	env.DBEcho = true

	opts := OptionsFromEnv(env)
	assert.Equal(t, 5, opts.PoolSize)
	assert.Equal(t, 10, opts.MaxOverflow)
	assert.Equal(t, 15, opts.MaxOpen())
	assert.Equal(t, 30*time.Second, opts.PoolTimeout)
	assert.True(t, opts.Echo)
}

func TestSessionPoolExhausted(t *testing.T) {
	ctx := context.Background()
	e, err := Open(ctx, sqliteURL(t), Options{PoolSize: 1, MaxOverflow: 0, PoolTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer e.Close()

	err = e.Session(ctx, func(ctx context.Context, _ *Session) error {
		return e.Session(ctx, func(context.Context, *Session) error {
			t.Fatal("second session must not be acquired")
			return nil
		})
	})
	require.ErrorIs(t, err, ErrPoolExhausted)

	// the held connection was released
	require.NoError(t, e.Session(ctx, func(context.Context, *Session) error { return nil }))
}

func TestPoolExhaustedFromEnv(t *testing.T) {
	t.Setenv("DB_POOL_SIZE", "1")
	t.Setenv("DB_MAX_OVERFLOW", "0")
	t.Setenv("DB_POOL_TIMEOUT", "1")

	env, err := config.LoadEnv()
	require.NoError(t, err)

	ctx := context.Background()
	e, err := Open(ctx, sqliteURL(t), OptionsFromEnv(env))
	require.NoError(t, err)
	defer e.Close()

	held := make(chan struct{})
	release := make(chan struct{})
	holder := make(chan error, 1)
	go func() {
		holder <- e.Session(ctx, func(context.Context, *Session) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	started := time.Now()
	err = e.Session(ctx, func(context.Context, *Session) error {
		t.Error("second session must not be acquired while the first is held")
		return nil
	})
	elapsed := time.Since(started)

	require.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)

	close(release)
	require.NoError(t, <-holder)
}

func TestSessionCallerCancellationIsNotExhaustion(t *testing.T) {
	e, err := Open(context.Background(), sqliteURL(t), Options{PoolSize: 1, PoolTimeout: time.Second})
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = e.Session(ctx, func(context.Context, *Session) error { return nil })
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPoolExhausted)
}

func TestSessionReleasesOnPanic(t *testing.T) {
	ctx := context.Background()
	e, err := Open(ctx, sqliteURL(t), Options{PoolSize: 1, PoolTimeout: 100 * time.Millisecond})
	require.NoError(t, err)
	defer e.Close()

	assert.Panics(t, func() {
		_ = e.Session(ctx, func(context.Context, *Session) error {
			panic("boom")
		})
	})

	require.NoError(t, e.Session(ctx, func(context.Context, *Session) error { return nil }))
}

func TestWithTxCommitAndRollback(t *testing.T) {
	ctx := context.Background()
	e, err := Open(ctx, sqliteURL(t), testOptions())
	require.NoError(t, err)
	defer e.Close()

	_, err = e.DB().Exec("CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)")
	require.NoError(t, err)

	err = e.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind("INSERT INTO kv (k, v) VALUES (?, ?)"), "a", "1")
		return err
	})
	require.NoError(t, err)

	err = e.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "b", "2"); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	assert.Panics(t, func() {
		_ = e.WithTx(ctx, func(ctx context.Context, tx *Tx) error {
			_, _ = tx.ExecContext(ctx, "INSERT INTO kv (k, v) VALUES (?, ?)", "c", "3")
			panic("boom")
		})
	})

	var keys []string
	require.NoError(t, e.DB().Select(&keys, "SELECT k FROM kv ORDER BY k"))
	assert.Equal(t, []string{"a"}, keys)
}

func TestEngineClose(t *testing.T) {
	ctx := context.Background()
	e, err := Open(ctx, sqliteURL(t), testOptions())
	require.NoError(t, err)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	assert.ErrorIs(t, e.Ping(ctx), ErrClosed)
	assert.ErrorIs(t, e.Session(ctx, func(context.Context, *Session) error { return nil }), ErrClosed)
}

func TestRebindPostgres(t *testing.T) {
	r := runner{e: &Engine{url: DriverURL{Driver: DriverPostgres, Dialect: "postgres"}}}
	assert.Equal(t, "SELECT * FROM users WHERE id = $1 AND username = $2",
		r.Rebind("SELECT * FROM users WHERE id = ? AND username = ?"))
}

func TestBootstrapperInitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	url := sqliteURL(t)
	b := NewBootstrapper(testOptions())
	defer b.Close()

	_, err := b.Engine()
	require.ErrorIs(t, err, ErrNotInitialized)

	first, err := b.Init(ctx, url)
	require.NoError(t, err)

	_, err = first.DB().Exec(`INSERT INTO users (username, hashed_password, require_password_change, created_at, updated_at)
		VALUES ('alice', 'x', 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)`)
	require.NoError(t, err)

	second, err := b.Init(ctx, url)
	require.NoError(t, err)
	assert.Same(t, first, second)

	var count int
	require.NoError(t, second.DB().Get(&count, "SELECT COUNT(*) FROM users"))
	assert.Equal(t, 1, count)

	current, err := b.Engine()
	require.NoError(t, err)
	assert.Same(t, first, current)
}

func TestBootstrapperInMemoryTablesSharedAcrossPool(t *testing.T) {
	ctx := context.Background()
	b := NewBootstrapper(testOptions())
	defer b.Close()

	e, err := b.Init(ctx, "sqlite://")
	require.NoError(t, err)

	// hold one connection so the next session opens another
	err = e.Session(ctx, func(ctx context.Context, _ *Session) error {
		return e.Session(ctx, func(ctx context.Context, s *Session) error {
			var count int
			return s.GetContext(ctx, &count, "SELECT COUNT(*) FROM users")
		})
	})
	require.NoError(t, err)
}

func TestBootstrapperCustomSchema(t *testing.T) {
	schema := fstest.MapFS{
		"sqlite/001_notes.sql": {Data: []byte("CREATE TABLE IF NOT EXISTS notes (id INTEGER PRIMARY KEY)")},
	}

	b := NewBootstrapper(testOptions()).WithSchema(schema)
	defer b.Close()

	e, err := b.Init(context.Background(), sqliteURL(t))
	require.NoError(t, err)

	var name string
	require.NoError(t, e.DB().Get(&name, "SELECT name FROM sqlite_master WHERE type='table' AND name='notes'"))
	assert.Equal(t, "notes", name)
}

func TestBootstrapperInitFailsOnBadURL(t *testing.T) {
	b := NewBootstrapper(testOptions())

	_, err := b.Init(context.Background(), "oracle://nope")
	require.ErrorIs(t, err, config.ErrUnsupportedDatabase)

	_, err = b.Engine()
	require.ErrorIs(t, err, ErrNotInitialized)
}

func TestBootstrapperCloseAllowsReinit(t *testing.T) {
	ctx := context.Background()
	url := sqliteURL(t)
	b := NewBootstrapper(testOptions())

	first, err := b.Init(ctx, url)
	require.NoError(t, err)
	require.NoError(t, b.Close())

	second, err := b.Init(ctx, url)
	require.NoError(t, err)
	defer b.Close()

	assert.NotSame(t, first, second)
}
