// Package api assembles the HTTP application: routes, middleware, error
// translation and the outbound client lifespan.
package api

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fasthttp/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"

	"github.com/serverinit/serverinit/internal/auth"
	"github.com/serverinit/serverinit/internal/config"
	"github.com/serverinit/serverinit/internal/database"
	"github.com/serverinit/serverinit/internal/logger"
	"github.com/serverinit/serverinit/internal/users"
)

// Keys used with SetState/State.
const (
	StateServerConfig = "server_config"
	StateJWTManager   = "jwt_manager"
)

// ErrLifespan occurs when Startup and Shutdown are not called in pairs
var ErrLifespan = errors.New("application lifespan misuse")

// Middleware wraps a request handler.
type Middleware func(fasthttp.RequestHandler) fasthttp.RequestHandler

// Deps are the collaborators the application is built on.
type Deps struct {
	Engine  *database.Engine
	Version string

	// Registry receives the HTTP and pool metrics. Nil creates a private one.
	Registry *prometheus.Registry
}

// App is the assembled application.
type App struct {
	cfg     *config.Config
	engine  *database.Engine
	version string

	router  *router.Router
	users   *users.Service
	metrics *Metrics
	limiter *RateLimiter

	middleware []Middleware

	mu     sync.RWMutex
	state  map[string]interface{}
	client *fasthttp.Client
}

// New builds the application for cfg. Routes, docs and router-level error
// handlers are registered here; CORS is attached separately with UseCORS.
func New(cfg *config.Config, deps Deps) *App {
	a := &App{
		cfg:     cfg,
		engine:  deps.Engine,
		version: deps.Version,
		router:  router.New(),
		users:   users.NewService(deps.Engine),
		limiter: NewRateLimiter(cfg.Env.LoginRateLimit),
		state:   make(map[string]interface{}),
	}
	if a.version == "" {
		a.version = "dev"
	}
	a.router.SaveMatchedRoutePath = true

	reg := deps.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	a.metrics = NewMetrics(reg, deps.Engine)

	a.Use(RequestTime)
	a.Use(Logging)
	a.Use(a.metrics.Instrument)

	a.RegisterHandlers()
	a.registerRoutes()
	if !cfg.DisableOpenAPIDocs {
		a.registerDocs()
	}
	return a
}

// Use appends mw to the chain. Earlier middleware wraps later middleware.
func (a *App) Use(mw Middleware) {
	a.middleware = append(a.middleware, mw)
}

// UseCORS attaches the cross-origin policy.
func (a *App) UseCORS(policy config.CORSPolicy) {
	a.Use(NewCORS(policy).Handler)
}

// Handler returns the router wrapped in the middleware chain.
func (a *App) Handler() fasthttp.RequestHandler {
	h := a.router.Handler
	for i := len(a.middleware) - 1; i >= 0; i-- {
		h = a.middleware[i](h)
	}
	return h
}

// Router exposes the route tree for additional registrations.
func (a *App) Router() *router.Router {
	return a.router
}

// Config returns the configuration the app was built with.
func (a *App) Config() *config.Config {
	return a.cfg
}

// SetState stores a value shared by all handlers.
func (a *App) SetState(key string, value interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state[key] = value
}

// State returns a shared value, or nil.
func (a *App) State(key string) interface{} {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state[key]
}

func (a *App) jwtManager() (*auth.JWTManager, error) {
	m, ok := a.State(StateJWTManager).(*auth.JWTManager)
	if !ok || m == nil {
		return nil, errors.New("jwt manager not configured")
	}
	return m, nil
}

// Startup creates the shared outbound HTTP client.
func (a *App) Startup(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return fmt.Errorf("%w: already started", ErrLifespan)
	}

	env := a.cfg.Env
	a.client = &fasthttp.Client{
		Name:            config.AppName,
		MaxConnsPerHost: env.TCPConnectorLimit,
		ReadTimeout:     env.ProxyTimeout(),
		WriteTimeout:    env.ProxyTimeout(),
	}

	logger.FromContext(ctx).Debug().
		Int("max_conns_per_host", env.TCPConnectorLimit).
		Dur("timeout", env.ProxyTimeout()).
		Msg("Outbound HTTP client ready")
	return nil
}

// Shutdown closes the outbound client's idle connections and releases it.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		return fmt.Errorf("%w: not started", ErrLifespan)
	}
	a.client.CloseIdleConnections()
	a.client = nil

	logger.FromContext(ctx).Debug().Msg("Outbound HTTP client closed")
	return nil
}

// HTTPClient returns the outbound client, or nil outside the lifespan.
func (a *App) HTTPClient() *fasthttp.Client {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.client
}
