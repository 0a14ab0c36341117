// Package config resolves the server configuration: data directory, signing
// secret, database URL, CORS policy and environment tunables.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/serverinit/serverinit/internal/logger"
)

// AppName names the default data directory.
const AppName = "server-init"

const (
	// SecretFileName is the signing secret file inside the data directory.
	SecretFileName = "jwt_secret_key"

	// DatabaseFileName is the default SQLite database file inside the data directory.
	DatabaseFileName = "database.db"

	DefaultHost = "0.0.0.0"
)

// Supported database URL schemes.
const (
	SchemeSQLite   = "sqlite://"
	SchemePostgres = "postgresql://"
	SchemeMySQL    = "mysql://"
)

// platform lookups, replaced in tests
var (
	goos   = runtime.GOOS
	getenv = os.Getenv
)

// CORSPolicy is the cross-origin policy attached to the application.
type CORSPolicy struct {
	Enabled          bool
	AllowOrigins     []string
	AllowCredentials bool
	AllowMethods     []string
	AllowHeaders     []string
}

// DefaultCORSPolicy allows every origin for GET and POST.
func DefaultCORSPolicy() CORSPolicy {
	return CORSPolicy{
		Enabled:          true,
		AllowOrigins:     []string{"*"},
		AllowCredentials: true,
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
	}
}

// Config is the resolved configuration. It is read-only after New returns.
type Config struct {
	Host               string
	Port               int
	DataDir            string
	DatabaseURL        string
	JWTSecretKey       string
	Debug              bool
	DisableOpenAPIDocs bool
	CORS               CORSPolicy
	SystemReserved     map[string]int
	Env                Env
}

// Options are caller overrides. Zero values mean "use the default".
type Options struct {
	Host               string
	Port               int
	DataDir            string
	DatabaseURL        string
	JWTSecretKey       string
	Debug              bool
	DisableOpenAPIDocs bool
	DisableCORS        bool
	AllowOrigins       []string
	AllowMethods       []string
	AllowHeaders       []string
	AllowCredentials   *bool
	SystemReserved     map[string]int

	// Env overrides the tunables; nil reads them from the environment.
	Env *Env
}

// New resolves a configuration from opts. It creates the data directory and,
// when no secret is supplied, reads or provisions the secret file.
func New(opts Options) (*Config, error) {
	if err := ValidateDatabaseURL(opts.DatabaseURL); err != nil {
		return nil, err
	}

	env := DefaultEnv()
	if opts.Env != nil {
		env = *opts.Env
	} else {
		loaded, err := LoadEnv()
		if err != nil {
			return nil, err
		}
		env = loaded
	}

	dataDir := opts.DataDir
	if dataDir == "" {
		d, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}
		dataDir = d
	}
	if err := EnsureDataDir(dataDir); err != nil {
		return nil, err
	}

	secret := opts.JWTSecretKey
	if secret == "" {
		s, err := LoadOrCreateSecret(dataDir)
		if err != nil {
			return nil, err
		}
		secret = s
	}

	dbURL := opts.DatabaseURL
	if dbURL == "" {
		dbURL = SchemeSQLite + "/" + filepath.ToSlash(filepath.Join(dataDir, DatabaseFileName))
	}

	reserved := opts.SystemReserved
	if reserved == nil {
		reserved = map[string]int{"ram": 2, "vram": 1}
	}

	cfg := &Config{
		Host:               opts.Host,
		Port:               opts.Port,
		DataDir:            dataDir,
		DatabaseURL:        dbURL,
		JWTSecretKey:       secret,
		Debug:              opts.Debug,
		DisableOpenAPIDocs: opts.DisableOpenAPIDocs,
		CORS:               resolveCORS(opts),
		SystemReserved:     reserved,
		Env:                env,
	}
	if cfg.Host == "" {
		cfg.Host = DefaultHost
	}

	logger.Get().Debug().
		Str("data_dir", cfg.DataDir).
		Str("database", Scheme(cfg.DatabaseURL)).
		Bool("cors", cfg.CORS.Enabled).
		Msg("Configuration resolved")

	return cfg, nil
}

func resolveCORS(opts Options) CORSPolicy {
	policy := DefaultCORSPolicy()
	policy.Enabled = !opts.DisableCORS
	if len(opts.AllowOrigins) > 0 {
		policy.AllowOrigins = opts.AllowOrigins
	}
	if len(opts.AllowMethods) > 0 {
		policy.AllowMethods = opts.AllowMethods
	}
	if len(opts.AllowHeaders) > 0 {
		policy.AllowHeaders = opts.AllowHeaders
	}
	if opts.AllowCredentials != nil {
		policy.AllowCredentials = *opts.AllowCredentials
	}
	return policy
}

// ValidateDatabaseURL accepts an empty URL (the default is derived later) or
// one with a supported scheme. It performs no I/O.
func ValidateDatabaseURL(dbURL string) error {
	if dbURL == "" {
		return nil
	}
	if Scheme(dbURL) == "" {
		return fmt.Errorf("%w: %q (expected sqlite://, postgresql:// or mysql://)", ErrUnsupportedDatabase, redact(dbURL))
	}
	return nil
}

// Scheme returns the supported scheme prefix of dbURL, or "" if there is none.
func Scheme(dbURL string) string {
	for _, s := range []string{SchemeSQLite, SchemePostgres, SchemeMySQL} {
		if strings.HasPrefix(dbURL, s) {
			return s
		}
	}
	return ""
}

// redact strips credentials so URLs can appear in errors.
func redact(dbURL string) string {
	at := strings.LastIndex(dbURL, "@")
	sep := strings.Index(dbURL, "://")
	if at < 0 || sep < 0 || at < sep {
		return dbURL
	}
	return dbURL[:sep+3] + "***" + dbURL[at:]
}

// DefaultDataDir returns the platform data directory.
func DefaultDataDir() (string, error) {
	switch goos {
	case "windows":
		appData := getenv("APPDATA")
		if appData == "" {
			return "", fmt.Errorf("%w: APPDATA is not set", ErrResourceInit)
		}
		return filepath.Join(appData, AppName), nil
	case "linux", "darwin", "freebsd", "openbsd", "netbsd", "dragonfly", "solaris", "illumos", "aix":
		dir, err := filepath.Abs(filepath.Join(".", "data", "var", "lib", AppName))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrResourceInit, err)
		}
		return dir, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedOS, goos)
	}
}

// EnsureDataDir creates dir if it does not exist.
func EnsureDataDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create data directory %s: %v", ErrResourceInit, dir, err)
	}
	return nil
}

// LoadOrCreateSecret returns the secret stored in dataDir, generating and
// persisting one on first use.
func LoadOrCreateSecret(dataDir string) (string, error) {
	path := filepath.Join(dataDir, SecretFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return secret, nil
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: read secret: %v", ErrResourceInit, err)
	}

	if err := EnsureDataDir(dataDir); err != nil {
		return "", err
	}

	secret, err := GenerateSecret()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrResourceInit, err)
	}
	if err := os.WriteFile(path, []byte(secret), 0o600); err != nil {
		return "", fmt.Errorf("%w: write secret: %v", ErrResourceInit, err)
	}

	logger.Get().Info().Str("path", path).Msg("Generated signing secret")
	return secret, nil
}

// GenerateSecret returns 32 random bytes, hex encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}
