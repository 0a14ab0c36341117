// Package users implements account management on top of the user store.
package users

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/serverinit/serverinit/internal/auth"
	"github.com/serverinit/serverinit/internal/store"
)

// ErrValidation is matched by every ValidationError.
var ErrValidation = errors.New("validation failed")

// ErrInvalidCredentials occurs when a username/password pair does not match an active user
var ErrInvalidCredentials = errors.New("invalid username or password")

// ValidationError describes a rejected field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// passwordRules are checked in order; the first failure is reported.
var passwordRules = []struct {
	pattern *regexp.Regexp
	message string
}{
	{regexp.MustCompile(`[A-Z]`), "Password must contain at least one uppercase letter"},
	{regexp.MustCompile(`[a-z]`), "Password must contain at least one lowercase letter"},
	{regexp.MustCompile(`[0-9]`), "Password must contain at least one digit"},
	{regexp.MustCompile(`[!@#$%^&*_+]`), "Password must contain at least one special character"},
}

// ValidatePassword enforces the password policy.
func ValidatePassword(field, password string) error {
	if len(password) > auth.MaxPasswordBytes {
		return invalid(field, fmt.Sprintf("Password must be at most %d bytes", auth.MaxPasswordBytes))
	}
	for _, rule := range passwordRules {
		if !rule.pattern.MatchString(password) {
			return invalid(field, rule.message)
		}
	}
	return nil
}

func validateUsername(username string) error {
	if strings.TrimSpace(username) == "" {
		return invalid("username", "Username must not be empty")
	}
	if len(username) > 255 {
		return invalid("username", "Username must be at most 255 characters")
	}
	return nil
}

// UserCreate is an account creation request.
type UserCreate struct {
	Username              string  `json:"username"`
	FullName              *string `json:"full_name,omitempty"`
	RequirePasswordChange *bool   `json:"require_password_change,omitempty"`
	Password              string  `json:"password"`
}

// Validate checks the username and password policy.
func (r *UserCreate) Validate() error {
	if err := validateUsername(r.Username); err != nil {
		return err
	}
	return ValidatePassword("password", r.Password)
}

// UserUpdate changes profile fields; nil fields are left as they are.
type UserUpdate struct {
	Username              *string `json:"username,omitempty"`
	FullName              *string `json:"full_name,omitempty"`
	RequirePasswordChange *bool   `json:"require_password_change,omitempty"`
	Password              *string `json:"password,omitempty"`
}

// Validate checks whichever fields are present.
func (r *UserUpdate) Validate() error {
	if r.Username != nil {
		if err := validateUsername(*r.Username); err != nil {
			return err
		}
	}
	if r.Password != nil {
		return ValidatePassword("password", *r.Password)
	}
	return nil
}

// UpdatePassword is a self-service password change.
type UpdatePassword struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

// Validate applies the policy to the new password.
func (r *UpdatePassword) Validate() error {
	if r.CurrentPassword == "" {
		return invalid("current_password", "Current password is required")
	}
	return ValidatePassword("new_password", r.NewPassword)
}

// UserPublic is the externally visible view of a user.
type UserPublic struct {
	ID                    int64     `json:"id"`
	Username              string    `json:"username"`
	FullName              *string   `json:"full_name,omitempty"`
	RequirePasswordChange bool      `json:"require_password_change"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// NewUserPublic hides the password hash and deletion marker.
func NewUserPublic(u *store.User) UserPublic {
	return UserPublic{
		ID:                    u.ID,
		Username:              u.Username,
		FullName:              u.FullName,
		RequirePasswordChange: u.RequirePasswordChange,
		CreatedAt:             u.CreatedAt,
		UpdatedAt:             u.UpdatedAt,
	}
}

// UserList is a page of users.
type UserList struct {
	Items   []UserPublic `json:"items"`
	Total   int64        `json:"total"`
	Page    int          `json:"page"`
	PerPage int          `json:"perPage"`
}
