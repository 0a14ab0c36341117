// Package main provides the server-init HTTP backend entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/serverinit/serverinit/internal/config"
	"github.com/serverinit/serverinit/internal/logger"
	"github.com/serverinit/serverinit/internal/server"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const envPrefix = "SERVERINIT_"

const helpText = `server-init - web backend bootstrap

USAGE:
    serverinit start [OPTIONS]
    serverinit [COMMAND]

COMMANDS:
    start                     Resolve configuration, initialize the database and serve
    version [--full]          Show version information
    help                      Show this help message

START OPTIONS:
    -host <host>              Bind host (default: 0.0.0.0)
                              Env: SERVERINIT_HOST
    -port <port>              Bind port (default: 80)
                              Env: SERVERINIT_PORT
    -data-dir <path>          Data directory for the secret and the SQLite database
                              Env: SERVERINIT_DATA_DIR
    -database-url <url>       sqlite://, postgresql:// or mysql:// URL
                              Default: sqlite database inside the data directory
                              Env: SERVERINIT_DATABASE_URL
    -jwt-secret-key <key>     Token signing secret; generated and persisted when empty
                              Env: SERVERINIT_JWT_SECRET_KEY
    -debug                    Debug mode, forces debug logging
                              Env: SERVERINIT_DEBUG
    -disable-openapi-docs     Do not serve /docs, /redoc and /openapi.json
                              Env: SERVERINIT_DISABLE_OPENAPI_DOCS
    -disable-cors             Do not attach the CORS middleware
                              Env: SERVERINIT_DISABLE_CORS
    -allow-origins <list>     Comma-separated CORS origins (default: *)
                              Env: SERVERINIT_ALLOW_ORIGINS
    -allow-methods <list>     Comma-separated CORS methods (default: GET,POST)
                              Env: SERVERINIT_ALLOW_METHODS
    -allow-headers <list>     Comma-separated CORS headers (default: Authorization,Content-Type)
                              Env: SERVERINIT_ALLOW_HEADERS
    -allow-credentials        Allow credentialed CORS requests (default: true)
                              Env: SERVERINIT_ALLOW_CREDENTIALS
    -log-level <level>        Log level: debug, info, warn, error (default: info)
                              Env: SERVERINIT_LOG_LEVEL
    -log-format <format>      Log format: json, console (default: console)
                              Env: SERVERINIT_LOG_FORMAT

ENVIRONMENT:
    DB_ECHO, DB_POOL_SIZE, DB_MAX_OVERFLOW, DB_POOL_TIMEOUT,
    PROXY_TIMEOUT_SECONDS, TCP_CONNECTOR_LIMIT, LOGIN_RATE_LIMIT
    A .env file in the working directory is loaded first when present.
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// run dispatches the subcommand and returns the process exit code.
func run(args []string, stdout io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stdout, helpText)
		return 0
	}

	switch args[0] {
	case "version", "--version", "-v":
		full := len(args) > 1 && (args[1] == "--full" || args[1] == "-f")
		printVersion(stdout, full)
		return 0
	case "start":
		if err := start(args[1:]); err != nil {
			logger.Get().Error().Err(err).Msg("Server failed")
			return 1
		}
		return 0
	default:
		fmt.Fprint(stdout, helpText)
		return 0
	}
}

func printVersion(w io.Writer, full bool) {
	if !full {
		fmt.Fprintln(w, version)
		return
	}
	fmt.Fprintf(w, "%s\n", config.AppName)
	fmt.Fprintf(w, "Version:  %s\n", version)
	fmt.Fprintf(w, "Commit:   %s\n", commit)
	fmt.Fprintf(w, "Built:    %s\n", date)
}

type startFlags struct {
	opts      config.Options
	logLevel  string
	logFormat string
}

func parseStartFlags(args []string) (*startFlags, error) {
	set := flag.NewFlagSet("start", flag.ContinueOnError)
	set.SetOutput(io.Discard)

	f := &startFlags{}
	o := &f.opts
	set.StringVar(&o.Host, "host", getEnv(envPrefix+"HOST", ""), "")
	set.IntVar(&o.Port, "port", getEnvInt(envPrefix+"PORT", 0), "")
	set.StringVar(&o.DataDir, "data-dir", getEnv(envPrefix+"DATA_DIR", ""), "")
	set.StringVar(&o.DatabaseURL, "database-url", getEnv(envPrefix+"DATABASE_URL", ""), "")
	set.StringVar(&o.JWTSecretKey, "jwt-secret-key", getEnv(envPrefix+"JWT_SECRET_KEY", ""), "")
	set.BoolVar(&o.Debug, "debug", getEnvBool(envPrefix+"DEBUG", false), "")
	set.BoolVar(&o.DisableOpenAPIDocs, "disable-openapi-docs", getEnvBool(envPrefix+"DISABLE_OPENAPI_DOCS", false), "")
	set.BoolVar(&o.DisableCORS, "disable-cors", getEnvBool(envPrefix+"DISABLE_CORS", false), "")
	origins := set.String("allow-origins", getEnv(envPrefix+"ALLOW_ORIGINS", ""), "")
	methods := set.String("allow-methods", getEnv(envPrefix+"ALLOW_METHODS", ""), "")
	headers := set.String("allow-headers", getEnv(envPrefix+"ALLOW_HEADERS", ""), "")
	credentials := set.Bool("allow-credentials", getEnvBool(envPrefix+"ALLOW_CREDENTIALS", true), "")
	set.StringVar(&f.logLevel, "log-level", getEnv(envPrefix+"LOG_LEVEL", "info"), "")
	set.StringVar(&f.logFormat, "log-format", getEnv(envPrefix+"LOG_FORMAT", "console"), "")

	if err := set.Parse(args); err != nil {
		return nil, err
	}

	o.AllowOrigins = splitList(*origins)
	o.AllowMethods = splitList(*methods)
	o.AllowHeaders = splitList(*headers)
	o.AllowCredentials = credentials
	if o.Debug {
		f.logLevel = "debug"
	}
	return f, nil
}

func start(args []string) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	f, err := parseStartFlags(args)
	if err != nil {
		return err
	}
	logger.Initialize(f.logLevel, f.logFormat)

	cfg, err := config.New(f.opts)
	if err != nil {
		return err
	}

	logger.Get().Info().
		Str("data_dir", cfg.DataDir).
		Str("database", config.Scheme(cfg.DatabaseURL)).
		Bool("debug", cfg.Debug).
		Msg("Configuration resolved")

	return server.New(cfg, server.WithVersion(version)).Start(context.Background())
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
