package shield

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// idleAfter is how long a client bucket may sit unused before gc drops it.
const idleAfter = 5 * time.Minute

type client struct {
	lim  *rate.Limiter
	seen time.Time
}

// RateLimiter applies a token bucket per client IP.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	logger  *slog.Logger
	exclude []string

	mu      sync.Mutex
	clients map[string]*client
	now     func() time.Time
}

// NewRateLimiter allows perSec requests per second per IP with the given
// burst. perSec <= 0 disables limiting. Paths under excludePrefixes are never
// limited.
func NewRateLimiter(perSec float64, burst int, logger *slog.Logger, excludePrefixes ...string) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if burst < 1 {
		burst = 1
	}
	lim := rate.Inf
	if perSec > 0 {
		lim = rate.Limit(perSec)
	}
	return &RateLimiter{
		limit:   lim,
		burst:   burst,
		logger:  logger,
		exclude: excludePrefixes,
		clients: make(map[string]*client),
		now:     time.Now,
	}
}

func (rl *RateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	c, ok := rl.clients[ip]
	if !ok {
		c = &client{lim: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[ip] = c
		rl.gcLocked(now)
	}
	c.seen = now
	return c.lim.AllowN(now, 1)
}

func (rl *RateLimiter) gcLocked(now time.Time) {
	for ip, c := range rl.clients {
		if now.Sub(c.seen) > idleAfter {
			delete(rl.clients, ip)
		}
	}
}

// Middleware answers 429 with a JSON error once a client runs out of tokens.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range rl.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		ip := ExtractIP(r)
		if rl.allow(ip) {
			next.ServeHTTP(w, r)
			return
		}

		rl.logger.Warn("shield: rate limited", "ip", ip, "path", r.URL.Path)
		w.Header().Set("Retry-After", "1")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
