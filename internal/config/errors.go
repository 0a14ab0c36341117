package config

import "errors"

var (
	// ErrUnsupportedDatabase occurs when the database URL scheme is not sqlite, postgresql or mysql
	ErrUnsupportedDatabase = errors.New("unsupported database")

	// ErrUnsupportedOS occurs when no default data directory exists for the platform
	ErrUnsupportedOS = errors.New("unsupported OS")

	// ErrResourceInit occurs when the data directory or secret file cannot be prepared
	ErrResourceInit = errors.New("resource initialization failed")

	// ErrInvalidEnv occurs when an environment tunable cannot be parsed
	ErrInvalidEnv = errors.New("invalid environment")
)
