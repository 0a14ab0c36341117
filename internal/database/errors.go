package database

import "errors"

var (
	// ErrPoolExhausted occurs when no pooled connection frees up within the acquisition timeout
	ErrPoolExhausted = errors.New("database connection pool exhausted")

	// ErrNotInitialized occurs when the engine is requested before Init
	ErrNotInitialized = errors.New("database not initialized")

	// ErrClosed occurs when operating on a closed engine
	ErrClosed = errors.New("database engine is closed")
)
