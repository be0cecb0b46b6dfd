// Package shield is the HTTP middleware in front of the newsagg API:
// security headers, body limits, request tracing and per-IP rate limits
// read from the rate_limits table.
//
//	rl := shield.NewRateLimiter(db, "/health")
//	for _, mw := range shield.APIStack(rl) {
//	    r.Use(mw)
//	}
package shield

import "net/http"

type contextKey string

// LoggerKey holds the per-request *slog.Logger.
const LoggerKey contextKey = "shield_logger"

// maxBodyBytes bounds POST bodies. The API only takes small JSON payloads.
const maxBodyBytes = 64 << 10

// APIStack returns HeadToGet, SecurityHeaders, MaxBody, TraceID and, when
// rl is not nil, the rate limiter, in that order.
func APIStack(rl *RateLimiter) []func(http.Handler) http.Handler {
	stack := []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders,
		MaxBody(maxBodyBytes),
		TraceID,
	}
	if rl != nil {
		stack = append(stack, rl.Middleware)
	}
	return stack
}
