package api

import (
	"errors"
	"fmt"

	"github.com/valyala/fasthttp"

	"github.com/serverinit/serverinit/internal/auth"
	"github.com/serverinit/serverinit/internal/database"
	"github.com/serverinit/serverinit/internal/logger"
	"github.com/serverinit/serverinit/internal/store"
	"github.com/serverinit/serverinit/internal/users"
)

// Error codes carried in the error envelope.
const (
	CodeBadRequest       = "BAD_REQUEST"
	CodeValidation       = "VALIDATION_ERROR"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeNotFound         = "NOT_FOUND"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeConflict         = "CONFLICT"
	CodeRateLimited      = "RATE_LIMITED"
	CodeUnavailable      = "SERVICE_UNAVAILABLE"
	CodeInternal         = "INTERNAL_ERROR"
)

// APIError is the body of every error response
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse wraps an APIError for JSON serialization
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// translate maps a domain error onto a status code and envelope.
func translate(err error) (int, *APIError) {
	var verr *users.ValidationError
	switch {
	case errors.As(err, &verr):
		return fasthttp.StatusUnprocessableEntity, &APIError{
			Code:    CodeValidation,
			Message: verr.Message,
			Details: map[string]interface{}{"field": verr.Field},
		}
	case errors.Is(err, errBadRequest):
		return fasthttp.StatusBadRequest, &APIError{Code: CodeBadRequest, Message: err.Error()}
	case errors.Is(err, store.ErrUserNotFound):
		return fasthttp.StatusNotFound, &APIError{Code: CodeNotFound, Message: "User not found"}
	case errors.Is(err, store.ErrUsernameTaken):
		return fasthttp.StatusConflict, &APIError{Code: CodeConflict, Message: "Username already exists"}
	case errors.Is(err, users.ErrInvalidCredentials):
		return fasthttp.StatusUnauthorized, &APIError{Code: CodeUnauthorized, Message: "Invalid username or password"}
	case errors.Is(err, auth.ErrInvalidToken):
		return fasthttp.StatusUnauthorized, &APIError{Code: CodeUnauthorized, Message: "Invalid or expired token"}
	case errors.Is(err, database.ErrPoolExhausted):
		return fasthttp.StatusServiceUnavailable, &APIError{Code: CodeUnavailable, Message: "Database is busy, retry later"}
	default:
		return fasthttp.StatusInternalServerError, &APIError{Code: CodeInternal, Message: "Internal server error"}
	}
}

// WriteError writes err as a JSON error envelope. Unexpected errors are
// logged and reported without detail.
func WriteError(ctx *fasthttp.RequestCtx, err error) {
	status, apiErr := translate(err)
	if status >= fasthttp.StatusInternalServerError {
		logger.FromContext(requestContext(ctx)).Error().
			Err(err).
			Str("path", string(ctx.Path())).
			Msg("Request failed")
	}
	writeError(ctx, status, apiErr)
}

func writeError(ctx *fasthttp.RequestCtx, status int, apiErr *APIError) {
	writeJSON(ctx, status, ErrorResponse{Error: apiErr})
}

// RegisterHandlers installs the router-level error handlers: unknown
// routes, wrong methods and recovered panics all answer with the envelope.
func (a *App) RegisterHandlers() {
	a.router.NotFound = func(ctx *fasthttp.RequestCtx) {
		writeError(ctx, fasthttp.StatusNotFound, &APIError{Code: CodeNotFound, Message: "Endpoint not found"})
	}
	a.router.MethodNotAllowed = func(ctx *fasthttp.RequestCtx) {
		writeError(ctx, fasthttp.StatusMethodNotAllowed, &APIError{Code: CodeMethodNotAllowed, Message: "Method not allowed"})
	}
	a.router.PanicHandler = func(ctx *fasthttp.RequestCtx, rcv interface{}) {
		logger.FromContext(requestContext(ctx)).Error().
			Str("panic", fmt.Sprint(rcv)).
			Str("method", string(ctx.Method())).
			Str("path", string(ctx.Path())).
			Msg("Recovered from panic")
		ctx.Response.Reset()
		writeError(ctx, fasthttp.StatusInternalServerError, &APIError{Code: CodeInternal, Message: "Internal server error"})
	}
}
