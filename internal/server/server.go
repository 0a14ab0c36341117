// Package server drives startup: signal handling, migrations, the data
// directory, the database, seed data, application assembly and serving.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"golang.org/x/sync/errgroup"

	"github.com/serverinit/serverinit/internal/api"
	"github.com/serverinit/serverinit/internal/auth"
	"github.com/serverinit/serverinit/internal/config"
	"github.com/serverinit/serverinit/internal/database"
	"github.com/serverinit/serverinit/internal/logger"
)

// Fallback bind address when the configuration leaves it unset.
const (
	DefaultHost = config.DefaultHost
	DefaultPort = 80
)

// ErrAlreadyStarted occurs when Start is called twice
var ErrAlreadyStarted = errors.New("server already started")

// Server is the lifecycle controller. It runs a single pass through the
// startup states; there are no retries.
type Server struct {
	cfg *config.Config
	log zerolog.Logger

	migrations      Hook
	seeders         []Seeder
	subProcesses    []*exec.Cmd
	tasks           []Task
	listener        net.Listener
	shutdownTimeout time.Duration
	version         string
	registry        *prometheus.Registry
	observer        func(State)

	bootstrapper *database.Bootstrapper

	started atomic.Bool
	state   atomic.Int32

	mu   sync.Mutex
	app  *api.App
	addr string
}

// New creates a controller for cfg.
func New(cfg *config.Config, opts ...Option) *Server {
	s := &Server{
		cfg:             cfg,
		log:             logger.Component("server"),
		shutdownTimeout: DefaultShutdownTimeout,
		bootstrapper:    database.NewBootstrapper(database.OptionsFromEnv(cfg.Env)),
	}
	s.migrations = s.runMigrations
	s.seeders = []Seeder{s.ensureFirstUser}

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Server) State() State {
	return State(s.state.Load())
}

// SubProcesses returns the child processes registered with WithSubProcesses.
func (s *Server) SubProcesses() []*exec.Cmd {
	return s.subProcesses
}

// App returns the assembled application, or nil before APP_ASSEMBLED.
func (s *Server) App() *api.App {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.app
}

// Addr returns the address being served, or "" before SERVING.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *Server) setState(st State) {
	s.state.Store(int32(st))
	s.log.Debug().Str("state", st.String()).Msg("Lifecycle transition")
	if s.observer != nil {
		s.observer(st)
	}
}

// Start runs the startup sequence and serves until ctx is cancelled or a
// signal arrives. It returns nil on a graceful stop and the first failure
// otherwise.
func (s *Server) Start(ctx context.Context) (err error) {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	defer func() {
		if err != nil {
			s.log.Error().Err(err).Msg("Server crashed")
			s.setState(StateCrashed)
			return
		}
		s.log.Info().Msg("Server stopped")
		s.setState(StateStopped)
	}()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()
	s.setState(StateSignalHandlersInstalled)

	if err := s.migrations(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	s.setState(StateMigrationsRun)

	if s.cfg.DataDir == "" {
		return fmt.Errorf("%w: data directory not configured", config.ErrResourceInit)
	}
	if err := config.EnsureDataDir(s.cfg.DataDir); err != nil {
		return err
	}
	s.setState(StateDataDirReady)

	engine, err := s.bootstrapper.Init(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer s.bootstrapper.Close()
	s.setState(StateDBInitialized)

	if err := s.applySeedData(ctx, engine); err != nil {
		return err
	}
	s.setState(StateSeedDataApplied)

	host, port := s.resolveAddr()

	manager, err := auth.NewJWTManager(s.cfg.JWTSecretKey, auth.DefaultTokenTTL)
	if err != nil {
		return err
	}

	app := api.New(s.cfg, api.Deps{Engine: engine, Version: s.version, Registry: s.registry})
	app.SetState(api.StateServerConfig, s.cfg)
	app.SetState(api.StateJWTManager, manager)
	s.mu.Lock()
	s.app = app
	s.mu.Unlock()
	s.setState(StateAppAssembled)

	if s.cfg.CORS.Enabled {
		app.UseCORS(s.cfg.CORS)
		s.log.Debug().Strs("origins", s.cfg.CORS.AllowOrigins).Msg("CORS attached")
	}
	s.setState(StateCORSAttached)

	ln := s.listener
	if ln == nil {
		if ln, err = net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port))); err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	s.setState(StateServing)
	g.Go(func() error { return s.serve(gctx, app, ln) })
	for _, task := range s.tasks {
		task := task
		g.Go(func() error {
			err := task(gctx)
			// A task that exits with the cancellation of a requested stop is a clean exit.
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// serve runs the HTTP server inside the application lifespan. Cancelling
// ctx drains in-flight requests within the shutdown timeout.
func (s *Server) serve(ctx context.Context, app *api.App, ln net.Listener) (err error) {
	if err := app.Startup(ctx); err != nil {
		return err
	}
	defer func() {
		if serr := app.Shutdown(context.Background()); serr != nil && err == nil {
			err = serr
		}
	}()

	srv := &fasthttp.Server{
		Handler:            app.Handler(),
		Name:               config.AppName + "/" + s.version,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		IdleTimeout:        120 * time.Second,
		MaxRequestBodySize: 4 * 1024 * 1024, // 4 MB
		TCPKeepalive:       true,
		TCPKeepalivePeriod: 30 * time.Second,
		Logger:             &fasthttpLogger{log: s.log},
	}

	serverErrors := make(chan error, 1)
	go func() {
		s.log.Info().
			Str("address", ln.Addr().String()).
			Str("version", s.version).
			Msg("Server starting")
		serverErrors <- srv.Serve(ln)
	}()

	select {
	case err := <-serverErrors:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil

	case <-ctx.Done():
		s.log.Info().Msg("Shutdown requested")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := srv.ShutdownWithContext(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("Graceful shutdown failed")
		}
		// Serve may not have registered ln yet when shutdown ran.
		_ = ln.Close()
		<-serverErrors
		return nil
	}
}

// resolveAddr picks the bind address: explicit configuration wins, the
// fallback is 0.0.0.0:80.
func (s *Server) resolveAddr() (string, int) {
	host, port := s.cfg.Host, s.cfg.Port
	if host == "" {
		host = DefaultHost
	}
	if port == 0 {
		port = DefaultPort
	}
	if port == DefaultPort && s.listener == nil {
		s.log.Warn().Int("port", port).Msg("Binding a privileged port; set an explicit port for unprivileged runs")
	}
	s.log.Info().Str("host", host).Int("port", port).Msg("Resolved bind address")
	return host, port
}

// applySeedData runs every seeder in order inside one session. The first
// failure aborts startup.
func (s *Server) applySeedData(ctx context.Context, engine *database.Engine) error {
	return engine.Session(ctx, func(ctx context.Context, sess *database.Session) error {
		for i, seed := range s.seeders {
			if err := seed(ctx, sess); err != nil {
				return fmt.Errorf("seed data step %d: %w", i, err)
			}
		}
		return nil
	})
}

func (s *Server) runMigrations(ctx context.Context) error {
	s.log.Info().Msg("No pending migrations")
	return nil
}

func (s *Server) ensureFirstUser(ctx context.Context, _ *database.Session) error {
	s.log.Info().Msg("First user provisioning skipped")
	return nil
}

// fasthttpLogger routes fasthttp's internal messages through zerolog.
type fasthttpLogger struct {
	log zerolog.Logger
}

func (l *fasthttpLogger) Printf(format string, args ...interface{}) {
	l.log.Warn().Msgf(format, args...)
}
