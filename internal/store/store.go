// Package store persists user accounts over any of the supported SQL
// dialects.
//
// A store is bound to one database.Queryer, normally a session or
// transaction borrowed from the engine:
//
//	err := engine.Session(ctx, func(ctx context.Context, s *database.Session) error {
//		users := store.NewUserStore(s)
//		u := &store.User{Username: "alice", HashedPassword: hash}
//		return users.Create(ctx, u)
//	})
//
// Rows are never removed: deleting a user stamps DeletedAt, after which the
// row is still readable by ID but hidden from listings and lookups by name.
package store

import (
	"context"
	"time"
)

// Users is the interface for user persistence.
type Users interface {
	// Create inserts u, assigning ID and timestamps.
	// Returns ErrUsernameTaken if the username is in use, deleted rows included.
	Create(ctx context.Context, u *User) error

	// Get returns the user with the given ID, soft-deleted or not.
	Get(ctx context.Context, id int64) (*User, error)

	// GetByUsername returns the active user with the given username.
	GetByUsername(ctx context.Context, username string) (*User, error)

	// List returns active users ordered by ID.
	List(ctx context.Context, opts *ListOpts) ([]User, error)

	// Count returns the number of active users.
	Count(ctx context.Context) (int64, error)

	// Update writes the mutable fields of an active user and refreshes UpdatedAt.
	Update(ctx context.Context, u *User) error

	// SoftDelete stamps DeletedAt on an active user.
	SoftDelete(ctx context.Context, id int64) error
}

// Timestamps is the creation, modification and soft-deletion field-set
// embedded by persisted records.
type Timestamps struct {
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
	DeletedAt *time.Time `db:"deleted_at" json:"deleted_at,omitempty"`
}

// Touch sets CreatedAt on first use and always refreshes UpdatedAt.
func (t *Timestamps) Touch(now time.Time) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
}

// MarkDeleted records a soft delete.
func (t *Timestamps) MarkDeleted(now time.Time) {
	t.DeletedAt = &now
	t.UpdatedAt = now
}

// IsDeleted reports whether the record was soft-deleted.
func (t *Timestamps) IsDeleted() bool {
	return t.DeletedAt != nil
}

// User represents an account in the users table
type User struct {
	ID                    int64   `db:"id"`
	Username              string  `db:"username"`
	FullName              *string `db:"full_name"`
	HashedPassword        string  `db:"hashed_password"`
	RequirePasswordChange bool    `db:"require_password_change"`
	Timestamps
}

// ListOpts specifies pagination for List
type ListOpts struct {
	Page    int // 1-indexed page (default: 1)
	PerPage int // Page size (default: 50, max: 500)
}

// NewListOpts creates ListOpts with default values
func NewListOpts() *ListOpts {
	return &ListOpts{
		Page:    1,
		PerPage: 50,
	}
}

func (o *ListOpts) normalize() (limit, offset int) {
	if o == nil {
		o = NewListOpts()
	}
	page, perPage := o.Page, o.PerPage
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 50
	}
	if perPage > 500 {
		perPage = 500
	}
	return perPage, (page - 1) * perPage
}

// now is the store clock, truncated to what every dialect can round-trip.
var now = func() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
