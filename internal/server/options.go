package server

import (
	"context"
	"net"
	"os/exec"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/serverinit/serverinit/internal/database"
)

// DefaultShutdownTimeout bounds the drain of in-flight requests.
const DefaultShutdownTimeout = 10 * time.Second

// Hook is a startup step that needs no database session.
type Hook func(ctx context.Context) error

// Seeder writes initial data through the startup session.
type Seeder func(ctx context.Context, sess *database.Session) error

// Task runs next to the HTTP server until ctx is cancelled. A task that
// returns an error stops the server.
type Task func(ctx context.Context) error

// Option configures a Server.
type Option func(*Server)

// WithMigrations replaces the migration hook. It runs on every start and
// must be idempotent.
func WithMigrations(hook Hook) Option {
	return func(s *Server) { s.migrations = hook }
}

// WithSeeders replaces the seed-data initializers. They run in order.
func WithSeeders(seeders ...Seeder) Option {
	return func(s *Server) { s.seeders = seeders }
}

// WithSubProcesses records child processes owned by the caller.
func WithSubProcesses(cmds ...*exec.Cmd) Option {
	return func(s *Server) { s.subProcesses = cmds }
}

// WithTasks adds background tasks to the joint wait.
func WithTasks(tasks ...Task) Option {
	return func(s *Server) { s.tasks = append(s.tasks, tasks...) }
}

// WithListener serves on ln instead of listening on the resolved address.
func WithListener(ln net.Listener) Option {
	return func(s *Server) { s.listener = ln }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// WithVersion sets the version reported by the application.
func WithVersion(version string) Option {
	return func(s *Server) { s.version = version }
}

// WithRegistry sets the prometheus registry the application reports to.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithStateObserver is called on every state transition, in order.
func WithStateObserver(fn func(State)) Option {
	return func(s *Server) { s.observer = fn }
}
