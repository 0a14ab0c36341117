package api

import (
	"strconv"
	"sync"
	"time"

	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"github.com/serverinit/serverinit/internal/logger"
)

// maxLimiters bounds the per-client table; it is reset when exceeded.
const maxLimiters = 10000

// RateLimiter limits requests per client IP.
type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// NewRateLimiter allows perSecond requests per second per client, with an
// equal burst. Zero disables limiting.
func NewRateLimiter(perSecond int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(perSecond),
		burst:    perSecond,
	}
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[key]
	if !exists {
		if len(rl.limiters) >= maxLimiters {
			rl.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}
	return limiter
}

// Allow reports whether key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	if rl.burst <= 0 {
		return true
	}
	return rl.getLimiter(key).Allow()
}

// Handler returns the rate limiting middleware handler
func (rl *RateLimiter) Handler(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		key := ctx.RemoteIP().String()
		if !rl.Allow(key) {
			logger.FromContext(requestContext(ctx)).Warn().
				Str("client", key).
				Str("path", string(ctx.Path())).
				Msg("Rate limit exceeded")

			retry := time.Duration(float64(time.Second) / float64(rl.rate))
			ctx.Response.Header.Set("Retry-After", strconv.Itoa(int(retry.Seconds()+0.999)))
			writeError(ctx, fasthttp.StatusTooManyRequests, &APIError{
				Code:    CodeRateLimited,
				Message: "Too many requests",
			})
			return
		}
		next(ctx)
	}
}
