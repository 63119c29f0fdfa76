// Package distress decides when a page's own rendering work is degrading
// interactivity. Three detectors feed a single verdict: a sliding frame-rate
// window, a 3D context churn bucket and an oversized canvas check. The
// verdict is sticky; once raised it is never lowered.
package distress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hazyhaar/pagerescue/config"
	"github.com/hazyhaar/pagerescue/platform"
)

// Reasons reported to the distress callback.
const (
	ReasonLowFPS         = "low-fps"
	ReasonContextChurn   = "context-churn"
	ReasonOversizeCanvas = "oversized-canvas"
)

// Handler is called once when distress is first detected on an allowed host.
type Handler func(ctx context.Context, reason string)

type sample struct {
	at  time.Duration
	fps float64
}

// Monitor runs the detectors for one page.
type Monitor struct {
	cfg     config.Config
	host    string
	handler Handler
	logger  *slog.Logger

	mu        sync.Mutex
	contexts  *rate.Limiter
	samples   []sample
	first     time.Duration
	prev      time.Duration
	ticks     int
	triggered bool
	reason    string
	skipped   map[string]bool
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// New creates a Monitor for a page served from host. handler may be nil.
func New(cfg config.Config, host string, handler Handler, opts ...Option) *Monitor {
	burst := max(cfg.ContextBurst, 1)
	m := &Monitor{
		cfg:      cfg,
		host:     host,
		handler:  handler,
		logger:   slog.Default(),
		contexts: rate.NewLimiter(rate.Every(cfg.ContextWindow/time.Duration(burst)), burst),
		skipped:  make(map[string]bool),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// FrameTick records a native animation frame at page time ts. The
// instantaneous rate is derived from the delta to the previous frame; once a
// full window has been observed, a windowed average below the threshold
// raises distress.
func (m *Monitor) FrameTick(ctx context.Context, ts time.Duration) {
	m.mu.Lock()
	m.ticks++
	if m.ticks == 1 {
		m.first, m.prev = ts, ts
		m.mu.Unlock()
		return
	}
	delta := ts - m.prev
	if delta <= 0 {
		m.mu.Unlock()
		return
	}
	m.prev = ts
	m.samples = append(m.samples, sample{at: ts, fps: float64(time.Second) / float64(delta)})

	cutoff := ts - m.cfg.FPSWindow
	drop := 0
	for drop < len(m.samples) && m.samples[drop].at < cutoff {
		drop++
	}
	m.samples = m.samples[drop:]

	full := ts-m.first >= m.cfg.FPSWindow
	avg := m.averageLocked()
	m.mu.Unlock()

	if full && avg < m.cfg.ProtectorFPSThreshold {
		m.raise(ctx, ReasonLowFPS, "avg_fps", avg)
	}
}

// FPS returns the current windowed average frame rate, or 0 before the first
// sample.
func (m *Monitor) FPS() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.averageLocked()
}

func (m *Monitor) averageLocked() float64 {
	if len(m.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range m.samples {
		sum += s.fps
	}
	return sum / float64(len(m.samples))
}

// ContextCreated records a canvas context request. Creating more 3D contexts
// than the configured burst within the window raises distress.
func (m *Monitor) ContextCreated(ctx context.Context, kind string) {
	if !platform.IsWebGL(kind) {
		return
	}
	if m.contexts.Allow() {
		return
	}
	m.raise(ctx, ReasonContextChurn, "kind", kind)
}

// CanvasInserted records a new canvas of w×h pixels in a vw×vh viewport.
func (m *Monitor) CanvasInserted(ctx context.Context, w, h, vw, vh int) {
	if vw <= 0 || vh <= 0 {
		return
	}
	if int64(w)*int64(h) > 2*int64(vw)*int64(vh) {
		m.raise(ctx, ReasonOversizeCanvas, "width", w, "height", h)
	}
}

// Triggered reports whether distress has been raised, and why.
func (m *Monitor) Triggered() (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.triggered, m.reason
}

func (m *Monitor) raise(ctx context.Context, reason string, attrs ...any) {
	m.mu.Lock()
	if m.triggered {
		m.mu.Unlock()
		return
	}
	if !m.cfg.HostAllowed(m.host) {
		first := !m.skipped[reason]
		m.skipped[reason] = true
		m.mu.Unlock()
		if first {
			m.logger.Info("distress: host not allow-listed, auto protection skipped",
				append([]any{"host", m.host, "reason", reason}, attrs...)...)
		}
		return
	}
	m.triggered = true
	m.reason = reason
	m.mu.Unlock()

	m.logger.Warn("distress: detected", append([]any{"host", m.host, "reason", reason}, attrs...)...)
	if m.handler != nil {
		m.handler(ctx, reason)
	}
}
