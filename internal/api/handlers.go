package api

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/serverinit/serverinit/internal/store"
	"github.com/serverinit/serverinit/internal/users"
)

// APIPrefix is the prefix of every versioned route.
const APIPrefix = "/v1"

const healthTimeout = 2 * time.Second

// LoginRequest is the body of POST /v1/auth/login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse carries an issued access token.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (a *App) registerRoutes() {
	r := a.router
	r.GET("/health", a.handleHealth)
	r.GET("/version", a.handleVersion)
	r.GET("/metrics", a.metrics.Handler())

	v1 := r.Group(APIPrefix)
	v1.POST("/auth/login", a.limiter.Handler(a.handleLogin))

	v1.POST("/users", a.handleCreateUser)
	v1.GET("/users", a.RequireAuth(a.handleListUsers))
	v1.GET("/users/{id}", a.RequireAuth(a.handleGetUser))
	v1.PUT("/users/{id}", a.RequireAuth(a.handleUpdateUser))
	v1.DELETE("/users/{id}", a.RequireAuth(a.handleDeleteUser))

	v1.GET("/me", a.RequireAuth(a.handleMe))
	v1.POST("/me/password", a.RequireAuth(a.handleChangePassword))
}

func (a *App) handleHealth(ctx *fasthttp.RequestCtx) {
	pingCtx, cancel := context.WithTimeout(requestContext(ctx), healthTimeout)
	defer cancel()

	if err := a.engine.Ping(pingCtx); err != nil {
		writeError(ctx, fasthttp.StatusServiceUnavailable, &APIError{
			Code:    CodeUnavailable,
			Message: "Database unavailable",
			Details: map[string]interface{}{"error": err.Error()},
		})
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleVersion(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, map[string]string{"version": a.version})
}

func (a *App) handleLogin(ctx *fasthttp.RequestCtx) {
	var req LoginRequest
	if err := readJSON(ctx, &req); err != nil {
		WriteError(ctx, err)
		return
	}

	manager, err := a.jwtManager()
	if err != nil {
		WriteError(ctx, err)
		return
	}

	reqCtx := requestContext(ctx)
	u, err := a.users.Authenticate(reqCtx, req.Username, req.Password)
	if err != nil {
		WriteError(ctx, err)
		return
	}

	token, err := manager.Generate(u.ID, u.Username)
	if err != nil {
		WriteError(ctx, err)
		return
	}

	writeJSON(ctx, fasthttp.StatusOK, TokenResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(manager.TTL().Seconds()),
	})
}

func (a *App) handleCreateUser(ctx *fasthttp.RequestCtx) {
	var req users.UserCreate
	if err := readJSON(ctx, &req); err != nil {
		WriteError(ctx, err)
		return
	}

	u, err := a.users.Create(requestContext(ctx), req)
	if err != nil {
		WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, users.NewUserPublic(u))
}

func (a *App) handleListUsers(ctx *fasthttp.RequestCtx) {
	opts := store.NewListOpts()
	args := ctx.QueryArgs()

	var err error
	if args.Has("page") {
		if opts.Page, err = positiveArg(args, "page", 0); err != nil {
			WriteError(ctx, err)
			return
		}
	}
	if args.Has("perPage") {
		if opts.PerPage, err = positiveArg(args, "perPage", 500); err != nil {
			WriteError(ctx, err)
			return
		}
	}

	list, err := a.users.List(requestContext(ctx), opts)
	if err != nil {
		WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, list)
}

func (a *App) handleGetUser(ctx *fasthttp.RequestCtx) {
	id, err := pathID(ctx)
	if err != nil {
		WriteError(ctx, err)
		return
	}

	u, err := a.users.Get(requestContext(ctx), id)
	if err != nil {
		WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, users.NewUserPublic(u))
}

func (a *App) handleUpdateUser(ctx *fasthttp.RequestCtx) {
	id, err := pathID(ctx)
	if err != nil {
		WriteError(ctx, err)
		return
	}

	var req users.UserUpdate
	if err := readJSON(ctx, &req); err != nil {
		WriteError(ctx, err)
		return
	}

	u, err := a.users.Update(requestContext(ctx), id, req)
	if err != nil {
		WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, users.NewUserPublic(u))
}

func (a *App) handleDeleteUser(ctx *fasthttp.RequestCtx) {
	id, err := pathID(ctx)
	if err != nil {
		WriteError(ctx, err)
		return
	}

	if err := a.users.Delete(requestContext(ctx), id); err != nil {
		WriteError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (a *App) handleMe(ctx *fasthttp.RequestCtx) {
	u, err := a.currentUser(ctx)
	if err != nil {
		WriteError(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, users.NewUserPublic(u))
}

func (a *App) handleChangePassword(ctx *fasthttp.RequestCtx) {
	u, err := a.currentUser(ctx)
	if err != nil {
		WriteError(ctx, err)
		return
	}

	var req users.UpdatePassword
	if err := readJSON(ctx, &req); err != nil {
		WriteError(ctx, err)
		return
	}

	if err := a.users.ChangePassword(requestContext(ctx), u.ID, req); err != nil {
		WriteError(ctx, err)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// currentUser resolves the token subject to an active user. Tokens of
// deleted users are rejected as not found.
func (a *App) currentUser(ctx *fasthttp.RequestCtx) (*store.User, error) {
	claims := claimsFrom(ctx)
	if claims == nil {
		return nil, fmt.Errorf("missing claims on authenticated route")
	}
	id, err := claims.UserID()
	if err != nil {
		return nil, err
	}

	u, err := a.users.Get(requestContext(ctx), id)
	if err != nil {
		return nil, err
	}
	if u.IsDeleted() {
		return nil, store.ErrUserNotFound
	}
	return u, nil
}

func pathID(ctx *fasthttp.RequestCtx) (int64, error) {
	raw, _ := ctx.UserValue("id").(string)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		return 0, &users.ValidationError{Field: "id", Message: "User id must be a positive integer"}
	}
	return id, nil
}

// positiveArg parses a query argument as an integer in [1, limit]; limit 0 means unbounded.
func positiveArg(args *fasthttp.Args, name string, limit int) (int, error) {
	n, err := args.GetUint(name)
	if err != nil || n < 1 || (limit > 0 && n > limit) {
		msg := fmt.Sprintf("%s must be a positive integer", name)
		if limit > 0 {
			msg = fmt.Sprintf("%s must be between 1 and %d", name, limit)
		}
		return 0, &users.ValidationError{Field: name, Message: msg}
	}
	return n, nil
}
