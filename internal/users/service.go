package users

import (
	"context"
	"errors"

	"github.com/serverinit/serverinit/internal/auth"
	"github.com/serverinit/serverinit/internal/database"
	"github.com/serverinit/serverinit/internal/logger"
	"github.com/serverinit/serverinit/internal/store"
)

// Service runs account operations, each in its own session.
type Service struct {
	engine *database.Engine
}

// NewService creates a service over engine.
func NewService(engine *database.Engine) *Service {
	return &Service{engine: engine}
}

// Create validates req, hashes the password and stores the user.
func (s *Service) Create(ctx context.Context, req UserCreate) (*store.User, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	u := &store.User{
		Username:              req.Username,
		FullName:              req.FullName,
		HashedPassword:        hash,
		RequirePasswordChange: true,
	}
	if req.RequirePasswordChange != nil {
		u.RequirePasswordChange = *req.RequirePasswordChange
	}

	err = s.engine.WithTx(ctx, func(ctx context.Context, tx *database.Tx) error {
		return store.NewUserStore(tx).Create(ctx, u)
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info().Int64("user_id", u.ID).Str("username", u.Username).Msg("User created")
	return u, nil
}

// Get returns a user by ID, soft-deleted included.
func (s *Service) Get(ctx context.Context, id int64) (*store.User, error) {
	var u *store.User
	err := s.engine.Session(ctx, func(ctx context.Context, sess *database.Session) error {
		var err error
		u, err = store.NewUserStore(sess).Get(ctx, id)
		return err
	})
	return u, err
}

// List returns a page of active users and the active total.
func (s *Service) List(ctx context.Context, opts *store.ListOpts) (*UserList, error) {
	if opts == nil {
		opts = store.NewListOpts()
	}

	list := &UserList{Page: opts.Page, PerPage: opts.PerPage}
	err := s.engine.Session(ctx, func(ctx context.Context, sess *database.Session) error {
		st := store.NewUserStore(sess)

		found, err := st.List(ctx, opts)
		if err != nil {
			return err
		}
		if list.Total, err = st.Count(ctx); err != nil {
			return err
		}

		list.Items = make([]UserPublic, 0, len(found))
		for i := range found {
			list.Items = append(list.Items, NewUserPublic(&found[i]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

// Update applies the non-nil fields of req to an active user.
func (s *Service) Update(ctx context.Context, id int64, req UserUpdate) (*store.User, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	var hash string
	if req.Password != nil {
		h, err := auth.HashPassword(*req.Password)
		if err != nil {
			return nil, err
		}
		hash = h
	}

	var u *store.User
	err := s.engine.WithTx(ctx, func(ctx context.Context, tx *database.Tx) error {
		st := store.NewUserStore(tx)

		var err error
		if u, err = st.Get(ctx, id); err != nil {
			return err
		}
		if u.IsDeleted() {
			return store.ErrUserNotFound
		}

		if req.Username != nil {
			u.Username = *req.Username
		}
		if req.FullName != nil {
			u.FullName = req.FullName
		}
		if req.RequirePasswordChange != nil {
			u.RequirePasswordChange = *req.RequirePasswordChange
		}
		if hash != "" {
			u.HashedPassword = hash
		}
		return st.Update(ctx, u)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// ChangePassword verifies the current password, then stores the new one
// and clears the forced-change flag.
func (s *Service) ChangePassword(ctx context.Context, id int64, req UpdatePassword) error {
	if err := req.Validate(); err != nil {
		return err
	}

	hash, err := auth.HashPassword(req.NewPassword)
	if err != nil {
		return err
	}

	return s.engine.WithTx(ctx, func(ctx context.Context, tx *database.Tx) error {
		st := store.NewUserStore(tx)

		u, err := st.Get(ctx, id)
		if err != nil {
			return err
		}
		if u.IsDeleted() {
			return store.ErrUserNotFound
		}
		if err := auth.CheckPassword(u.HashedPassword, req.CurrentPassword); err != nil {
			if errors.Is(err, auth.ErrPasswordMismatch) {
				return invalid("current_password", "Current password is incorrect")
			}
			return err
		}

		u.HashedPassword = hash
		u.RequirePasswordChange = false
		return st.Update(ctx, u)
	})
}

// Delete soft-deletes an active user.
func (s *Service) Delete(ctx context.Context, id int64) error {
	return s.engine.WithTx(ctx, func(ctx context.Context, tx *database.Tx) error {
		return store.NewUserStore(tx).SoftDelete(ctx, id)
	})
}

// Authenticate returns the active user matching username and password.
func (s *Service) Authenticate(ctx context.Context, username, password string) (*store.User, error) {
	var u *store.User
	err := s.engine.Session(ctx, func(ctx context.Context, sess *database.Session) error {
		var err error
		u, err = store.NewUserStore(sess).GetByUsername(ctx, username)
		return err
	})
	if errors.Is(err, store.ErrUserNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	if err := auth.CheckPassword(u.HashedPassword, password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	return u, nil
}
