package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// EchoFlag is enabled only by the literal value "true", case-insensitively.
type EchoFlag bool

// Decode implements envdecode.Decoder.
func (f *EchoFlag) Decode(value string) error {
	*f = EchoFlag(strings.ToLower(strings.TrimSpace(value)) == "true")
	return nil
}

// Env holds process tunables read from the environment.
type Env struct {
	DBEcho              EchoFlag `env:"DB_ECHO"`
	DBPoolSize          int      `env:"DB_POOL_SIZE,default=5"`
	DBMaxOverflow       int      `env:"DB_MAX_OVERFLOW,default=10"`
	DBPoolTimeout       int      `env:"DB_POOL_TIMEOUT,default=30"`
	ProxyTimeoutSeconds int      `env:"PROXY_TIMEOUT_SECONDS,default=1800"`
	TCPConnectorLimit   int      `env:"TCP_CONNECTOR_LIMIT,default=1000"`
	LoginRateLimit      int      `env:"LOGIN_RATE_LIMIT,default=5"`
}

// DefaultEnv returns the tunables used when nothing is set.
func DefaultEnv() Env {
	return Env{
		DBPoolSize:          5,
		DBMaxOverflow:       10,
		DBPoolTimeout:       30,
		ProxyTimeoutSeconds: 1800,
		TCPConnectorLimit:   1000,
		LoginRateLimit:      5,
	}
}

// LoadEnv decodes the tunables. Absent variables keep their defaults;
// unparseable values are configuration errors.
func LoadEnv() (Env, error) {
	env := DefaultEnv()
	if err := envdecode.StrictDecode(&env); err != nil {
		return Env{}, fmt.Errorf("%w: %v", ErrInvalidEnv, err)
	}
	if err := env.Validate(); err != nil {
		return Env{}, err
	}
	return env, nil
}

// Validate rejects tunables the database pool or HTTP client cannot use.
func (e Env) Validate() error {
	switch {
	case e.DBPoolSize < 1:
		return fmt.Errorf("%w: DB_POOL_SIZE must be positive", ErrInvalidEnv)
	case e.DBMaxOverflow < 0:
		return fmt.Errorf("%w: DB_MAX_OVERFLOW must not be negative", ErrInvalidEnv)
	case e.DBPoolTimeout < 0:
		return fmt.Errorf("%w: DB_POOL_TIMEOUT must not be negative", ErrInvalidEnv)
	case e.ProxyTimeoutSeconds < 0:
		return fmt.Errorf("%w: PROXY_TIMEOUT_SECONDS must not be negative", ErrInvalidEnv)
	case e.TCPConnectorLimit < 0:
		return fmt.Errorf("%w: TCP_CONNECTOR_LIMIT must not be negative", ErrInvalidEnv)
	}
	return nil
}

// PoolTimeout is the connection acquisition timeout.
func (e Env) PoolTimeout() time.Duration {
	return time.Duration(e.DBPoolTimeout) * time.Second
}

// ProxyTimeout bounds outbound HTTP calls made through the shared client.
func (e Env) ProxyTimeout() time.Duration {
	return time.Duration(e.ProxyTimeoutSeconds) * time.Second
}
