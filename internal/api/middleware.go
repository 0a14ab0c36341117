package api

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	"github.com/serverinit/serverinit/internal/auth"
	"github.com/serverinit/serverinit/internal/logger"
)

// User value keys set by the middleware chain.
const (
	userValueStartTime = "start_time"
	userValueContext   = "ctx"
	userValueClaims    = "claims"
)

// RequestIDHeader carries the request id on responses.
const RequestIDHeader = "X-Request-ID"

// RequestTime records when the request was received, in UTC.
func RequestTime(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		ctx.SetUserValue(userValueStartTime, time.Now().UTC())
		next(ctx)
	}
}

// RequestStartTime returns the time stamped by RequestTime.
func RequestStartTime(ctx *fasthttp.RequestCtx) (time.Time, bool) {
	t, ok := ctx.UserValue(userValueStartTime).(time.Time)
	return t, ok
}

// Logging assigns a request id, attaches a request-scoped logger and logs
// each request with timing information.
func Logging(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()

		requestID := string(ctx.Request.Header.Peek(RequestIDHeader))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		reqCtx := logger.WithRequestID(context.Background(), requestID)
		ctx.SetUserValue(userValueContext, reqCtx)
		ctx.Response.Header.Set(RequestIDHeader, requestID)

		next(ctx)

		log := logger.FromContext(reqCtx)
		statusCode := ctx.Response.StatusCode()
		event := log.WithLevel(zerolog.InfoLevel)
		if statusCode >= 500 {
			event = log.Error()
		}

		event.
			Str("method", string(ctx.Method())).
			Str("path", string(ctx.Path())).
			Int("status", statusCode).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	}
}

// requestContext returns the context attached by Logging.
func requestContext(ctx *fasthttp.RequestCtx) context.Context {
	if reqCtx, ok := ctx.UserValue(userValueContext).(context.Context); ok {
		return reqCtx
	}
	return context.Background()
}

// RequireAuth rejects requests without a valid bearer token and stores the
// verified claims for the handler.
func (a *App) RequireAuth(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		manager, err := a.jwtManager()
		if err != nil {
			WriteError(ctx, err)
			return
		}

		authHeader := string(ctx.Request.Header.Peek("Authorization"))
		if authHeader == "" {
			writeError(ctx, fasthttp.StatusUnauthorized, &APIError{
				Code:    CodeUnauthorized,
				Message: "Authorization header required",
			})
			return
		}

		scheme, token, found := strings.Cut(authHeader, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
			writeError(ctx, fasthttp.StatusUnauthorized, &APIError{
				Code:    CodeUnauthorized,
				Message: "Authorization header must use Bearer scheme",
			})
			return
		}

		claims, err := manager.Verify(token)
		if err != nil {
			WriteError(ctx, err)
			return
		}

		ctx.SetUserValue(userValueClaims, claims)
		next(ctx)
	}
}

func claimsFrom(ctx *fasthttp.RequestCtx) *auth.Claims {
	c, _ := ctx.UserValue(userValueClaims).(*auth.Claims)
	return c
}
