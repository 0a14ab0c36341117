package store

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serverinit/serverinit/internal/database"
)

func setupEngine(t *testing.T) *database.Engine {
	t.Helper()
	b := database.NewBootstrapper(database.Options{PoolSize: 2, PoolTimeout: time.Second})
	t.Cleanup(func() { b.Close() })

	e, err := b.Init(context.Background(), "sqlite://")
	require.NoError(t, err)
	return e
}

// withUsers runs fn against a UserStore bound to a fresh session.
func withUsers(t *testing.T, e *database.Engine, fn func(ctx context.Context, users *UserStore)) {
	t.Helper()
	err := e.Session(context.Background(), func(ctx context.Context, s *database.Session) error {
		fn(ctx, NewUserStore(s))
		return nil
	})
	require.NoError(t, err)
}

func TestConcurrentCreateOnFileDatabase(t *testing.T) {
	b := database.NewBootstrapper(database.Options{PoolSize: 5, MaxOverflow: 10, PoolTimeout: 30 * time.Second})
	t.Cleanup(func() { b.Close() })

	url := "sqlite:///" + filepath.ToSlash(filepath.Join(t.TempDir(), "database.db"))
	e, err := b.Init(context.Background(), url)
	require.NoError(t, err)

	const writers = 40
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- e.WithTx(context.Background(), func(ctx context.Context, tx *database.Tx) error {
				return NewUserStore(tx).Create(ctx, &User{Username: fmt.Sprintf("user%02d", i), HashedPassword: "h"})
			})
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	withUsers(t, e, func(ctx context.Context, users *UserStore) {
		n, err := users.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(writers), n)
	})
}

func strPtr(s string) *string { return &s }

func TestTimestamps(t *testing.T) {
	var ts Timestamps
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	ts.Touch(t0)
	assert.Equal(t, t0, ts.CreatedAt)
	assert.Equal(t, t0, ts.UpdatedAt)

	ts.Touch(t1)
	assert.Equal(t, t0, ts.CreatedAt, "created_at is set once")
	assert.Equal(t, t1, ts.UpdatedAt)
	assert.False(t, ts.IsDeleted())

	ts.MarkDeleted(t1)
	assert.True(t, ts.IsDeleted())
	assert.Equal(t, t1, *ts.DeletedAt)
}

func TestCreateAndGet(t *testing.T) {
	e := setupEngine(t)

	withUsers(t, e, func(ctx context.Context, users *UserStore) {
		u := &User{Username: "alice", FullName: strPtr("Alice A."), HashedPassword: "h", RequirePasswordChange: true}
		require.NoError(t, users.Create(ctx, u))
		assert.NotZero(t, u.ID)
		assert.False(t, u.CreatedAt.IsZero())
		assert.Equal(t, u.CreatedAt, u.UpdatedAt)

		got, err := users.Get(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Username)
		assert.Equal(t, "Alice A.", *got.FullName)
		assert.Equal(t, "h", got.HashedPassword)
		assert.True(t, got.RequirePasswordChange)
		assert.WithinDuration(t, u.CreatedAt, got.CreatedAt, time.Microsecond)
		assert.Nil(t, got.DeletedAt)
	})
}

func TestCreateDuplicateUsername(t *testing.T) {
	e := setupEngine(t)

	withUsers(t, e, func(ctx context.Context, users *UserStore) {
		require.NoError(t, users.Create(ctx, &User{Username: "bob", HashedPassword: "h"}))
		err := users.Create(ctx, &User{Username: "bob", HashedPassword: "h"})
		require.ErrorIs(t, err, ErrUsernameTaken)
	})
}

func TestGetMissing(t *testing.T) {
	e := setupEngine(t)

	withUsers(t, e, func(ctx context.Context, users *UserStore) {
		_, err := users.Get(ctx, 404)
		require.ErrorIs(t, err, ErrUserNotFound)
	})
}

func TestUpdateRefreshesUpdatedAt(t *testing.T) {
	e := setupEngine(t)

	orig := now
	t.Cleanup(func() { now = orig })
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now = func() time.Time { return t0 }

	withUsers(t, e, func(ctx context.Context, users *UserStore) {
		u := &User{Username: "carol", HashedPassword: "h"}
		require.NoError(t, users.Create(ctx, u))

		now = func() time.Time { return t0.Add(time.Minute) }
		u.FullName = strPtr("Carol C.")
		u.Username = "carol2"
		require.NoError(t, users.Update(ctx, u))

		got, err := users.Get(ctx, u.ID)
		require.NoError(t, err)
		assert.Equal(t, "carol2", got.Username)
		assert.True(t, got.CreatedAt.Equal(t0))
		assert.True(t, got.UpdatedAt.Equal(t0.Add(time.Minute)))
	})
}

func TestUpdateRenameCollision(t *testing.T) {
	e := setupEngine(t)

	withUsers(t, e, func(ctx context.Context, users *UserStore) {
		a := &User{Username: "a", HashedPassword: "h"}
		b := &User{Username: "b", HashedPassword: "h"}
		require.NoError(t, users.Create(ctx, a))
		require.NoError(t, users.Create(ctx, b))

		b.Username = "a"
		require.ErrorIs(t, users.Update(ctx, b), ErrUsernameTaken)

		// keeping one's own name is not a collision
		a.FullName = strPtr("A")
		require.NoError(t, users.Update(ctx, a))
	})
}

func TestSoftDelete(t *testing.T) {
	e := setupEngine(t)

	withUsers(t, e, func(ctx context.Context, users *UserStore) {
		keep := &User{Username: "keep", HashedPassword: "h"}
		gone := &User{Username: "gone", HashedPassword: "h"}
		require.NoError(t, users.Create(ctx, keep))
		require.NoError(t, users.Create(ctx, gone))

		require.NoError(t, users.SoftDelete(ctx, gone.ID))

		got, err := users.Get(ctx, gone.ID)
		require.NoError(t, err, "soft-deleted rows stay readable by id")
		assert.True(t, got.IsDeleted())

		_, err = users.GetByUsername(ctx, "gone")
		require.ErrorIs(t, err, ErrUserNotFound)

		list, err := users.List(ctx, NewListOpts())
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, keep.ID, list[0].ID)

		n, err := users.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		require.ErrorIs(t, users.SoftDelete(ctx, gone.ID), ErrUserNotFound)
		require.ErrorIs(t, users.Update(ctx, got), ErrUserNotFound)

		// the name stays reserved by the deleted row
		require.ErrorIs(t, users.Create(ctx, &User{Username: "gone", HashedPassword: "h"}), ErrUsernameTaken)
	})
}

func TestListPagination(t *testing.T) {
	e := setupEngine(t)

	withUsers(t, e, func(ctx context.Context, users *UserStore) {
		for _, name := range []string{"u1", "u2", "u3"} {
			require.NoError(t, users.Create(ctx, &User{Username: name, HashedPassword: "h"}))
		}

		page, err := users.List(ctx, &ListOpts{Page: 2, PerPage: 2})
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "u3", page[0].Username)

		all, err := users.List(ctx, nil)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})
}

func TestListOptsNormalize(t *testing.T) {
	limit, offset := (&ListOpts{Page: 0, PerPage: 10000}).normalize()
	assert.Equal(t, 500, limit)
	assert.Equal(t, 0, offset)

	limit, offset = (&ListOpts{Page: 3, PerPage: 0}).normalize()
	assert.Equal(t, 50, limit)
	assert.Equal(t, 100, offset)
}

func TestCreatePostgresUsesReturning(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := database.FromDB(db, database.DriverPostgres, "postgres", database.Options{PoolSize: 1})

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM users WHERE username = $1 AND id <> $2`)).
		WithArgs("dave", int64(0)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`INSERT INTO users .* VALUES \(\$1, \$2, \$3, \$4, \$5, \$6\) RETURNING id`).
		WithArgs("dave", nil, "h", true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

	err = e.Session(context.Background(), func(ctx context.Context, s *database.Session) error {
		u := &User{Username: "dave", HashedPassword: "h", RequirePasswordChange: true}
		if err := NewUserStore(s).Create(ctx, u); err != nil {
			return err
		}
		assert.Equal(t, int64(7), u.ID)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSoftDeletePostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	e := database.FromDB(db, database.DriverPostgres, "postgres", database.Options{PoolSize: 1})

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET deleted_at = $1, updated_at = $2 WHERE id = $3 AND deleted_at IS NULL`)).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = e.Session(context.Background(), func(ctx context.Context, s *database.Session) error {
		return NewUserStore(s).SoftDelete(ctx, 3)
	})
	require.ErrorIs(t, err, ErrUserNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, isUniqueViolation(nil))
	assert.False(t, isUniqueViolation(assert.AnError))
}
