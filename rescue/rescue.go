// Package rescue detects horizontally overflowing layouts and switches the
// page into a constrained, responsive rescue mode. Applications are gated by
// a cooldown so pages whose layout oscillates are not rewritten repeatedly.
package rescue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/pagerescue/config"
	"github.com/hazyhaar/pagerescue/stylelayer"
)

const (
	// RootClass is added to <html> while rescue mode is on.
	RootClass = "rr-rescue"
	// BlockClass marks the widest block-level elements.
	BlockClass = "rr-rescue-block"
	// ViewportContent is the conventional responsive viewport directive.
	ViewportContent = "width=device-width, initial-scale=1"
)

// Layout is the page surface the trigger inspects and adjusts.
type Layout interface {
	stylelayer.Injector
	// Widths returns the document body's scroll width and the viewport width.
	Widths(ctx context.Context) (body, viewport int, err error)
	// EnsureViewportMeta creates or rewrites <meta name="viewport">.
	EnsureViewportMeta(ctx context.Context, content string) error
	// AddRootClass adds a class to the document element.
	AddRootClass(ctx context.Context, class string) error
	// MarkWidest tags up to mark of the widest block elements among the
	// first scan candidates and returns how many were tagged.
	MarkWidest(ctx context.Context, scan, mark int, class string) (int, error)
}

// Recorder receives rescue counters.
type Recorder interface {
	RecordSimple(name string, value float64, unit string)
}

// Layer is the constrained-layout style sheet enabled by RootClass.
func Layer() *stylelayer.Layer {
	return stylelayer.New("rr-rescue-style").
		Rule("html."+RootClass+", html."+RootClass+" body",
			"max-width: 100vw", "overflow-x: hidden").
		Rule("html."+RootClass+" ."+BlockClass,
			"max-width: 100%", "margin-left: auto", "margin-right: auto", "box-sizing: border-box").
		Rule("html."+RootClass+" img, html."+RootClass+" video, html."+RootClass+" table",
			"max-width: 100%", "height: auto")
}

// Trigger runs the periodic overflow check.
type Trigger struct {
	layout Layout
	cfg    config.Config
	logger *slog.Logger
	rec    Recorder
	now    func() time.Time

	mu      sync.Mutex
	last    time.Time
	applied int
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Trigger) { t.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(t *Trigger) { t.rec = r }
}

// New creates a Trigger.
func New(layout Layout, cfg config.Config, opts ...Option) *Trigger {
	t := &Trigger{layout: layout, cfg: cfg, logger: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Run checks every RescueCheckInterval until ctx is cancelled.
func (t *Trigger) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.RescueCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.Check(ctx); err != nil {
				t.logger.Debug("rescue: check failed", "error", err)
			}
		}
	}
}

// Check compares body and viewport widths and applies rescue mode when the
// overflow exceeds the configured factor and the cooldown has elapsed. It
// reports whether rescue mode was applied.
func (t *Trigger) Check(ctx context.Context) (bool, error) {
	body, viewport, err := t.layout.Widths(ctx)
	if err != nil {
		return false, err
	}
	if viewport <= 0 || float64(body) <= float64(viewport)*t.cfg.RescueOverflowFactor {
		return false, nil
	}

	t.mu.Lock()
	now := t.now()
	if !t.last.IsZero() && now.Sub(t.last) < t.cfg.RescueCooldown {
		t.mu.Unlock()
		return false, nil
	}
	t.last = now
	t.applied++
	t.mu.Unlock()

	if err := t.layout.EnsureViewportMeta(ctx, ViewportContent); err != nil {
		return false, err
	}
	if err := t.layout.AddRootClass(ctx, RootClass); err != nil {
		return false, err
	}
	if err := Layer().Apply(ctx, t.layout); err != nil {
		return false, err
	}
	marked, err := t.layout.MarkWidest(ctx, t.cfg.RescueScanLimit, t.cfg.RescueMarkLimit, BlockClass)
	if err != nil {
		return false, err
	}

	if t.rec != nil {
		t.rec.RecordSimple("rescue_applied", 1, "count")
	}
	t.logger.Info("rescue: responsive rescue applied",
		"body_width", body, "viewport_width", viewport, "marked", marked)
	return true, nil
}

// Applied returns how many times rescue mode was applied.
func (t *Trigger) Applied() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applied
}
