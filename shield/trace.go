package shield

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/hazyhaar/pagerescue/idgen"
)

var newRequestID = idgen.Prefixed("req_", idgen.NanoID(12))

// RequestID tags each request with an ID, echoed in X-Request-ID, and stores
// a per-request logger under LoggerKey.
func RequestID(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = newRequestID()
			}
			w.Header().Set("X-Request-ID", id)

			l := logger.With(
				"request_id", id,
				"method", r.Method,
				"path", r.URL.Path,
			)
			l.Debug("shield: request")
			ctx := context.WithValue(r.Context(), LoggerKey, l)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
