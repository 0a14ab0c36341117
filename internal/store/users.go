package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/serverinit/serverinit/internal/database"
	"github.com/serverinit/serverinit/internal/migrate"
)

const userColumns = `id, username, full_name, hashed_password, require_password_change, created_at, updated_at, deleted_at`

// UserStore implements Users over a database.Queryer.
type UserStore struct {
	q database.Queryer
}

// NewUserStore binds a store to q.
func NewUserStore(q database.Queryer) *UserStore {
	return &UserStore{q: q}
}

var _ Users = (*UserStore)(nil)

func (s *UserStore) Create(ctx context.Context, u *User) error {
	taken, err := s.usernameExists(ctx, u.Username, 0)
	if err != nil {
		return err
	}
	if taken {
		return ErrUsernameTaken
	}

	u.Touch(now())
	u.DeletedAt = nil

	query := s.q.Rebind(`INSERT INTO users (username, full_name, hashed_password, require_password_change, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	args := []any{u.Username, u.FullName, u.HashedPassword, u.RequirePasswordChange, u.CreatedAt, u.UpdatedAt}

	if s.q.Dialect() == migrate.DialectPostgres {
		if err := s.q.GetContext(ctx, &u.ID, query+" RETURNING id", args...); err != nil {
			return s.writeError(err)
		}
		return nil
	}

	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return s.writeError(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read inserted id: %w", err)
	}
	u.ID = id
	return nil
}

func (s *UserStore) Get(ctx context.Context, id int64) (*User, error) {
	return s.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
}

func (s *UserStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	return s.getOne(ctx, `SELECT `+userColumns+` FROM users WHERE username = ? AND deleted_at IS NULL`, username)
}

func (s *UserStore) List(ctx context.Context, opts *ListOpts) ([]User, error) {
	limit, offset := opts.normalize()

	users := []User{}
	query := s.q.Rebind(`SELECT ` + userColumns + ` FROM users WHERE deleted_at IS NULL ORDER BY id LIMIT ? OFFSET ?`)
	if err := s.q.SelectContext(ctx, &users, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

func (s *UserStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.q.GetContext(ctx, &n, `SELECT COUNT(*) FROM users WHERE deleted_at IS NULL`); err != nil {
		return 0, fmt.Errorf("failed to count users: %w", err)
	}
	return n, nil
}

func (s *UserStore) Update(ctx context.Context, u *User) error {
	taken, err := s.usernameExists(ctx, u.Username, u.ID)
	if err != nil {
		return err
	}
	if taken {
		return ErrUsernameTaken
	}

	u.Touch(now())

	query := s.q.Rebind(`UPDATE users
		SET username = ?, full_name = ?, hashed_password = ?, require_password_change = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`)
	res, err := s.q.ExecContext(ctx, query,
		u.Username, u.FullName, u.HashedPassword, u.RequirePasswordChange, u.UpdatedAt, u.ID)
	if err != nil {
		return s.writeError(err)
	}
	return requireRow(res)
}

func (s *UserStore) SoftDelete(ctx context.Context, id int64) error {
	var ts Timestamps
	ts.MarkDeleted(now())

	query := s.q.Rebind(`UPDATE users SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`)
	res, err := s.q.ExecContext(ctx, query, ts.DeletedAt, ts.UpdatedAt, id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return requireRow(res)
}

func (s *UserStore) getOne(ctx context.Context, query string, arg any) (*User, error) {
	u := &User{}
	if err := s.q.GetContext(ctx, u, s.q.Rebind(query), arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// usernameExists checks every row, soft-deleted included, since the unique
// constraint covers them too.
func (s *UserStore) usernameExists(ctx context.Context, username string, exceptID int64) (bool, error) {
	var n int
	query := s.q.Rebind(`SELECT COUNT(*) FROM users WHERE username = ? AND id <> ?`)
	if err := s.q.GetContext(ctx, &n, query, username, exceptID); err != nil {
		return false, fmt.Errorf("failed to check username: %w", err)
	}
	return n > 0, nil
}

func (s *UserStore) writeError(err error) error {
	if isUniqueViolation(err) {
		return ErrUsernameTaken
	}
	return fmt.Errorf("failed to write user: %w", err)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}
