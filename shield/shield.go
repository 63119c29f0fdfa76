// Package shield provides the HTTP middleware wrapped around the pagerescue
// debug API: security headers, body limits, request IDs, per-client rate
// limiting and HEAD handling.
//
// Usage:
//
//	r := chi.NewRouter()
//	for _, mw := range shield.Stack(shield.DefaultOptions(), logger) {
//	    r.Use(mw)
//	}
package shield

import (
	"context"
	"log/slog"
	"net/http"
)

type contextKey string

// LoggerKey is the context key for the per-request structured logger.
const LoggerKey contextKey = "shield_logger"

// Options configures Stack.
type Options struct {
	Headers     HeaderConfig
	MaxBody     int64
	RatePerSec  float64
	RateBurst   int
	ExcludeRate []string
}

// DefaultOptions suits a local diagnostics endpoint.
func DefaultOptions() Options {
	return Options{
		Headers:     APIHeaders(),
		MaxBody:     16 * 1024,
		RatePerSec:  5,
		RateBurst:   20,
		ExcludeRate: []string{"/status"},
	}
}

// Stack returns the middleware chain in application order:
// HeadToGet → SecurityHeaders → MaxBody → RequestID → RateLimiter.
func Stack(opts Options, logger *slog.Logger) []func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	rl := NewRateLimiter(opts.RatePerSec, opts.RateBurst, logger, opts.ExcludeRate...)
	return []func(http.Handler) http.Handler{
		HeadToGet,
		SecurityHeaders(opts.Headers),
		MaxBody(opts.MaxBody),
		RequestID(logger),
		rl.Middleware,
	}
}

// HeadToGet converts HEAD requests to GET so routes registered with Get
// answer 200 instead of 405.
func HeadToGet(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			r.Method = http.MethodGet
		}
		next.ServeHTTP(w, r)
	})
}

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(LoggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
