package api

import (
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/serverinit/serverinit/internal/config"
)

// CORS applies a cross-origin policy.
type CORS struct {
	policy   config.CORSPolicy
	allowAll bool
	methods  string
	headers  string
}

// NewCORS creates the middleware for policy
func NewCORS(policy config.CORSPolicy) *CORS {
	c := &CORS{
		policy:  policy,
		methods: strings.Join(policy.AllowMethods, ", "),
		headers: strings.Join(policy.AllowHeaders, ", "),
	}
	for _, origin := range policy.AllowOrigins {
		if origin == "*" {
			c.allowAll = true
			break
		}
	}
	return c
}

// Handler returns the CORS middleware handler. Preflight requests from an
// allowed origin are answered directly with 204.
func (c *CORS) Handler(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		origin := string(ctx.Request.Header.Peek("Origin"))
		if origin == "" || !c.isOriginAllowed(origin) {
			next(ctx)
			return
		}

		h := &ctx.Response.Header
		// A credentialed response may not use the wildcard, so the origin is echoed.
		if c.allowAll && !c.policy.AllowCredentials {
			h.Set("Access-Control-Allow-Origin", "*")
		} else {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
		}
		if c.policy.AllowCredentials {
			h.Set("Access-Control-Allow-Credentials", "true")
		}
		h.Set("Access-Control-Expose-Headers", RequestIDHeader)

		preflight := ctx.IsOptions() && len(ctx.Request.Header.Peek("Access-Control-Request-Method")) > 0
		if !preflight {
			next(ctx)
			return
		}

		h.Set("Access-Control-Allow-Methods", c.methods)
		h.Set("Access-Control-Allow-Headers", c.headers)
		h.Set("Access-Control-Max-Age", "600")
		ctx.SetStatusCode(fasthttp.StatusNoContent)
	}
}

func (c *CORS) isOriginAllowed(origin string) bool {
	if c.allowAll {
		return true
	}
	for _, allowed := range c.policy.AllowOrigins {
		if allowed == origin {
			return true
		}
	}
	return false
}
