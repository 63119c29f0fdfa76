// Package guard wires the pagerescue components together for one page and
// routes page signals to them.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hazyhaar/pagerescue/config"
	"github.com/hazyhaar/pagerescue/conntier"
	"github.com/hazyhaar/pagerescue/distress"
	"github.com/hazyhaar/pagerescue/imgrecover"
	"github.com/hazyhaar/pagerescue/observability"
	"github.com/hazyhaar/pagerescue/offline"
	"github.com/hazyhaar/pagerescue/platform"
	"github.com/hazyhaar/pagerescue/progress"
	"github.com/hazyhaar/pagerescue/protector"
	"github.com/hazyhaar/pagerescue/rescue"
	"github.com/hazyhaar/pagerescue/resfetch"
	"github.com/hazyhaar/pagerescue/resstore"
)

// Page is everything the engine needs from a live page.
type Page interface {
	imgrecover.Document
	rescue.Layout
	protector.Page
	offline.Page
	conntier.Source
	// ShowProgress updates the loading indicator.
	ShowProgress(ctx context.Context, percent float64, visible bool) error
	// Online reports the browser's current network state.
	Online(ctx context.Context) (bool, error)
}

// Recorder receives counters from every component.
type Recorder interface {
	RecordSimple(name string, value float64, unit string)
}

type nopRecorder struct{}

func (nopRecorder) RecordSimple(string, float64, string) {}

// Engine runs recovery and protection for one page.
type Engine struct {
	page   Page
	store  *resstore.Store
	cfg    config.Config
	tier   conntier.Tier
	url    string
	logger *slog.Logger

	sw       *platform.Switchboard
	fetcher  *resfetch.Fetcher
	images   *imgrecover.Controller
	tracker  *progress.Tracker
	trigger  *rescue.Trigger
	monitor  *distress.Monitor
	protect  *protector.Protector
	keeper   *offline.Keeper
	metrics  *observability.Metrics
	events   *observability.EventLog
	recorder Recorder

	mu       sync.Mutex
	hideSet  bool
	online   bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	closeErr error
	closed   sync.Once
}

// Option configures an Engine.
type Option func(*engineOptions)

type engineOptions struct {
	logger   *slog.Logger
	services platform.Services
	client   *http.Client
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *engineOptions) { o.logger = l }
}

// WithServices sets the native platform services behind the switchboard.
func WithServices(s platform.Services) Option {
	return func(o *engineOptions) { o.services = s }
}

// WithHTTPClient sets the client used by the resilient fetcher.
func WithHTTPClient(c *http.Client) Option {
	return func(o *engineOptions) { o.client = c }
}

// New builds an engine for page. The connection tier is classified once
// here; it is not re-evaluated for the lifetime of the engine.
func New(ctx context.Context, page Page, store *resstore.Store, cfg config.Config, opts ...Option) (*Engine, error) {
	o := engineOptions{logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	if o.services == nil {
		o.services = platform.NewLoop(platform.DefaultFrameInterval)
	}

	pageURL, err := page.URL(ctx)
	if err != nil {
		return nil, fmt.Errorf("guard: page url: %w", err)
	}
	host := ""
	if u, err := url.Parse(pageURL); err == nil {
		host = u.Hostname()
	}
	logger := o.logger.With("page", pageURL)

	tuned, tier := conntier.Autotune(ctx, page, cfg, logger)
	if o.client == nil {
		o.client = &http.Client{Timeout: tuned.FetchTimeout}
	}

	e := &Engine{
		page:     page,
		store:    store,
		cfg:      tuned,
		tier:     tier,
		url:      pageURL,
		logger:   logger,
		online:   true,
		recorder: nopRecorder{},
	}

	if db, err := store.DB(ctx); err == nil {
		if err := observability.Init(db); err != nil {
			logger.Warn("guard: observability schema", "error", err)
		} else {
			e.metrics = observability.NewMetrics(db,
				observability.WithLabels(map[string]string{"host": host}),
				observability.WithMetricsLogger(logger))
			e.events = observability.NewEventLog(db, observability.WithEventLogger(logger))
			e.recorder = e.metrics
		}
	}

	e.sw = platform.NewSwitchboard(o.services)
	e.fetcher = resfetch.New(store,
		resfetch.WithClient(o.client),
		resfetch.WithBackoff(tuned.RetryBaseDelay, tuned.RetryJitter),
		resfetch.WithLogger(logger))
	e.images = imgrecover.New(page, e.fetcher, tuned,
		imgrecover.WithLogger(logger), imgrecover.WithRecorder(e.recorder))
	e.tracker = progress.NewTracker(tuned.UIHideDelay)
	e.trigger = rescue.New(page, tuned,
		rescue.WithLogger(logger), rescue.WithRecorder(e.recorder))
	e.protect = protector.New(page, e.sw, tuned,
		protector.WithLogger(logger), protector.WithRecorder(e.recorder))
	e.monitor = distress.New(tuned, host, e.onDistress, distress.WithLogger(logger))
	e.keeper = offline.New(page, store,
		offline.WithLogger(logger), offline.WithRecorder(e.recorder))

	return e, nil
}

// Start prunes expired metrics, replays the snapshot when the page is
// already offline, scans the document for already-broken images and starts
// the periodic monitors. They stop on Close or when ctx ends.
func (e *Engine) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()

	e.pruneMetrics(ctx)

	online, err := e.page.Online(ctx)
	if err != nil {
		e.logger.Warn("guard: network state unknown, assuming online", "error", err)
	} else if !online {
		if err := e.goOffline(ctx); err != nil {
			e.logger.Warn("guard: offline replay", "error", err)
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.trigger.Run(runCtx)
	}()

	if err := e.images.Scan(runCtx); err != nil {
		return fmt.Errorf("guard: initial scan: %w", err)
	}
	e.logger.Info("guard: started", "tier", e.tier)
	return nil
}

// HandleEvent routes a page signal to the component that owns it.
func (e *Engine) HandleEvent(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventImageError:
		e.images.OnError(ctx, ev.Image)
	case EventImageLoad:
		e.images.OnLoad(ev.Image.Handle)
	case EventImageDetached:
		e.images.OnDetached(ev.Image.Handle)
	case EventMutation:
		e.images.OnMutation(ctx)
	case EventFrame:
		e.monitor.FrameTick(ctx, ev.FrameTime())
	case EventContext:
		e.monitor.ContextCreated(ctx, ev.Kind)
	case EventCanvas:
		e.monitor.CanvasInserted(ctx, ev.Width, ev.Height, ev.ViewportWidth, ev.ViewportHeight)
	case EventProgress:
		return e.updateProgress(ctx, ev)
	case EventLoad:
		if e.isOnline() {
			if err := e.keeper.Capture(ctx); err != nil {
				e.logger.Warn("guard: snapshot capture failed", "error", err)
			}
		} else {
			e.logger.Debug("guard: offline, keeping previous snapshot")
		}
		ev.Progress.ReadyState = "complete"
		return e.updateProgress(ctx, ev)
	case EventOffline:
		return e.goOffline(ctx)
	case EventOnline:
		e.goOnline(ctx)
	default:
		return fmt.Errorf("guard: unknown event %q", ev.Type)
	}
	return nil
}

func (e *Engine) updateProgress(ctx context.Context, ev Event) error {
	v := e.tracker.Update(ev.Progress)
	if err := e.page.ShowProgress(ctx, v, true); err != nil {
		return fmt.Errorf("guard: progress: %w", err)
	}
	if v < 100 {
		return nil
	}

	e.mu.Lock()
	first := !e.hideSet
	e.hideSet = true
	e.mu.Unlock()
	if first {
		e.sw.SetTimer(e.cfg.UIHideDelay, false, func() {
			if err := e.page.ShowProgress(context.WithoutCancel(ctx), 100, e.tracker.Visible()); err != nil {
				e.logger.Debug("guard: hide progress", "error", err)
			}
		})
	}
	return nil
}

func (e *Engine) isOnline() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

func (e *Engine) goOffline(ctx context.Context) error {
	e.mu.Lock()
	e.online = false
	e.mu.Unlock()

	replayed, err := e.keeper.Replay(ctx)
	e.logEvent(ctx, "offline", "went-offline", map[string]any{"replayed": replayed})
	return err
}

func (e *Engine) goOnline(ctx context.Context) {
	e.mu.Lock()
	e.online = true
	e.mu.Unlock()

	n := e.images.RecoverAll(ctx)
	e.logger.Info("guard: back online", "requeued", n)
	e.logEvent(ctx, "imgrecover", "back-online", map[string]any{"requeued": n})
}

func (e *Engine) onDistress(ctx context.Context, reason string) {
	if err := e.protect.AutoEnable(ctx, reason); err != nil {
		e.logger.Warn("guard: auto protection", "reason", reason, "error", err)
	}
	e.logEvent(ctx, "protector", "auto-enabled", map[string]any{"reason": reason})
}

// pruneMetrics drops datapoints older than the configured retention.
func (e *Engine) pruneMetrics(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	n, err := e.metrics.Cleanup(ctx, e.cfg.MetricsRetention)
	if err != nil {
		e.logger.Warn("guard: metrics cleanup", "error", err)
		return
	}
	if n > 0 {
		e.logger.Debug("guard: expired metrics removed", "count", n)
	}
}

func (e *Engine) logEvent(ctx context.Context, component, action string, details map[string]any) {
	if e.events == nil {
		return
	}
	e.events.Log(ctx, observability.PageEvent{
		PageURL:   e.url,
		Component: component,
		Action:    action,
		Details:   details,
	})
}

// Recover re-enqueues every pending image and returns how many were queued.
func (e *Engine) Recover(ctx context.Context) int {
	return e.images.RecoverAll(ctx)
}

// ToggleProtector flips protection manually.
func (e *Engine) ToggleProtector(ctx context.Context) (bool, error) {
	on, err := e.protect.Toggle(ctx)
	action := "disabled"
	if on {
		action = "enabled"
	}
	e.logEvent(ctx, "protector", action, map[string]any{"manual": true})
	return on, err
}

// Config returns the tuned configuration in use.
func (e *Engine) Config() config.Config { return e.cfg.Clone() }

// Services returns the page's platform switchboard.
func (e *Engine) Services() platform.Services { return e.sw }

// Wait blocks until queued recovery work has drained.
func (e *Engine) Wait() { e.images.Wait() }

// Close stops the periodic monitors, waits for them, and flushes metrics.
func (e *Engine) Close() error {
	e.closed.Do(func() {
		e.mu.Lock()
		cancel := e.cancel
		e.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		e.wg.Wait()
		e.images.Wait()
		if e.metrics != nil {
			e.closeErr = e.metrics.Close()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			e.pruneMetrics(ctx)
			cancel()
		}
		e.logger.Info("guard: closed")
	})
	return e.closeErr
}
