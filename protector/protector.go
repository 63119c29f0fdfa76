// Package protector applies and removes the adaptive performance protection
// set: frame-rate cap, timer floor, conservative 3D context attributes, media
// pause and a freezing style layer.
//
// The 3D context override is one-way. Contexts already handed out keep their
// forced attributes, so removing protection leaves it installed.
package protector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/pagerescue/config"
	"github.com/hazyhaar/pagerescue/platform"
	"github.com/hazyhaar/pagerescue/stylelayer"
)

// Patches records which interceptions are installed.
type Patches struct {
	RAF           bool `json:"raf"`
	Timers        bool `json:"timers"`
	CanvasContext bool `json:"canvas_context"`
}

// Limits parameterise the page-side patches.
type Limits struct {
	FPS        float64       `json:"fps"`
	TimerFloor time.Duration `json:"timer_floor"`
}

// State is the protector status.
type State struct {
	Enabled     bool    `json:"enabled"`
	AutoEnabled bool    `json:"auto_enabled"`
	Reason      string  `json:"reason,omitempty"`
	Patches     Patches `json:"patches"`
}

// Page is the page surface protection is mirrored onto.
type Page interface {
	stylelayer.Injector
	// SyncPatches installs or removes the page-side interceptions so they
	// match p.
	SyncPatches(ctx context.Context, p Patches, l Limits) error
	// PauseMedia pauses and mutes playing audio and video, returning how
	// many elements were paused.
	PauseMedia(ctx context.Context) (int, error)
}

// Recorder receives protector counters.
type Recorder interface {
	RecordSimple(name string, value float64, unit string)
}

// FreezeLayer pauses animations and transitions and bounds canvases.
func FreezeLayer() *stylelayer.Layer {
	return stylelayer.New("rr-protector-freeze").
		Rule("*, *::before, *::after",
			"animation-play-state: paused", "transition: none", "scroll-behavior: auto").
		Rule("canvas",
			"image-rendering: pixelated", "max-width: 100vw", "max-height: 100vh")
}

// Protector owns the protection state for one page.
type Protector struct {
	page   Page
	sw     *platform.Switchboard
	base   platform.Services
	cfg    config.Config
	logger *slog.Logger
	rec    Recorder

	mu    sync.Mutex
	state State
}

// Option configures a Protector.
type Option func(*Protector)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Protector) { p.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Protector) { p.rec = r }
}

// New creates a Protector. The implementation currently installed in sw is
// the unprotected base every protected chain is built on.
func New(page Page, sw *platform.Switchboard, cfg config.Config, opts ...Option) *Protector {
	p := &Protector{
		page:   page,
		sw:     sw,
		base:   sw.Current(),
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// State returns a copy of the current state.
func (p *Protector) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Enable turns protection on. Enabling an active protector is a no-op.
func (p *Protector) Enable(ctx context.Context, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.enableLocked(ctx, reason)
}

// AutoEnable turns protection on in response to distress. AutoEnabled stays
// set for the lifetime of the protector.
func (p *Protector) AutoEnable(ctx context.Context, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state.AutoEnabled = true
	return p.enableLocked(ctx, reason)
}

// Disable removes the frame cap, the timer floor and the freeze layer.
func (p *Protector) Disable(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.state.Enabled {
		return nil
	}
	p.state.Enabled = false
	p.state.Reason = ""
	p.state.Patches.RAF = false
	p.state.Patches.Timers = false
	p.sw.Swap(platform.ForceContext(p.base, platform.Conservative))

	err := errors.Join(
		p.page.SyncPatches(ctx, p.state.Patches, p.limits()),
		FreezeLayer().Remove(ctx, p.page),
	)
	if p.rec != nil {
		p.rec.RecordSimple("protector_enabled", 0, "bool")
	}
	p.logger.Info("protector: disabled")
	if err != nil {
		return fmt.Errorf("protector: disable: %w", err)
	}
	return nil
}

// Toggle flips protection, returning the new enabled flag.
func (p *Protector) Toggle(ctx context.Context) (bool, error) {
	p.mu.Lock()
	enabled := p.state.Enabled
	p.mu.Unlock()
	if enabled {
		return false, p.Disable(ctx)
	}
	return true, p.Enable(ctx, "manual")
}

func (p *Protector) enableLocked(ctx context.Context, reason string) error {
	if p.state.Enabled {
		return nil
	}
	p.state.Enabled = true
	p.state.Reason = reason
	p.state.Patches = Patches{RAF: true, Timers: true, CanvasContext: true}

	// Frames are throttled beneath the timer floor so the frame cap is not
	// itself floored.
	chain := platform.ForceContext(p.base, platform.Conservative)
	chain = platform.Throttle(chain, p.cfg.ProtectorLimitFPS)
	chain = platform.TimerFloor(chain, p.cfg.TimerFloor)
	p.sw.Swap(chain)

	var errs []error
	errs = append(errs, p.page.SyncPatches(ctx, p.state.Patches, p.limits()))
	paused, err := p.page.PauseMedia(ctx)
	errs = append(errs, err, FreezeLayer().Apply(ctx, p.page))

	if p.rec != nil {
		p.rec.RecordSimple("protector_enabled", 1, "bool")
	}
	p.logger.Info("protector: enabled",
		"reason", reason, "auto", p.state.AutoEnabled,
		"limit_fps", p.cfg.ProtectorLimitFPS, "media_paused", paused)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("protector: enable: %w", err)
	}
	return nil
}

func (p *Protector) limits() Limits {
	return Limits{FPS: p.cfg.ProtectorLimitFPS, TimerFloor: p.cfg.TimerFloor}
}
