// Package platform is the capability wrapper for the scheduling primitives a
// page depends on: animation frames, timers and graphics contexts.
//
// Code depends on the Services interface. The protector changes behaviour by
// swapping the implementation held by a Switchboard; nothing is patched in
// place, and the previous implementation stays intact underneath the
// decorators.
package platform

import (
	"strings"
	"sync"
	"time"
)

// Cancel stops a scheduled frame or timer. Calling it more than once is safe.
type Cancel func()

// ContextAttributes mirror the attribute dictionary of a canvas 3D context.
type ContextAttributes struct {
	Antialias                    bool   `json:"antialias"`
	PreserveDrawingBuffer        bool   `json:"preserveDrawingBuffer"`
	PowerPreference              string `json:"powerPreference,omitempty"`
	FailIfMajorPerformanceCaveat bool   `json:"failIfMajorPerformanceCaveat"`
}

// Conservative are the attributes forced onto 3D contexts while protected.
var Conservative = ContextAttributes{
	Antialias:                    false,
	PreserveDrawingBuffer:        false,
	PowerPreference:              "low-power",
	FailIfMajorPerformanceCaveat: true,
}

// GraphicsContext is a handle to a created rendering context.
type GraphicsContext struct {
	ID    uint64            `json:"id"`
	Kind  string            `json:"kind"`
	Attrs ContextAttributes `json:"attrs"`
}

// Services are the scheduling primitives.
type Services interface {
	// ScheduleFrame calls fn once with the frame timestamp.
	ScheduleFrame(fn func(ts time.Time)) Cancel
	// SetTimer calls fn after d, and every d afterwards when repeat is set.
	SetTimer(d time.Duration, repeat bool, fn func()) Cancel
	// CreateGraphicsContext creates a context of the given kind ("2d",
	// "webgl", "webgl2", "experimental-webgl").
	CreateGraphicsContext(kind string, attrs ContextAttributes) (GraphicsContext, error)
}

// IsWebGL reports whether kind names a 3D context.
func IsWebGL(kind string) bool {
	switch strings.ToLower(kind) {
	case "webgl", "webgl2", "experimental-webgl":
		return true
	}
	return false
}

// Switchboard delegates to a swappable Services implementation.
type Switchboard struct {
	mu  sync.RWMutex
	cur Services
}

// NewSwitchboard creates a Switchboard delegating to s.
func NewSwitchboard(s Services) *Switchboard {
	return &Switchboard{cur: s}
}

// Swap installs s and returns the previous implementation.
func (sw *Switchboard) Swap(s Services) Services {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	prev := sw.cur
	sw.cur = s
	return prev
}

// Current returns the installed implementation.
func (sw *Switchboard) Current() Services {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	return sw.cur
}

func (sw *Switchboard) ScheduleFrame(fn func(ts time.Time)) Cancel {
	return sw.Current().ScheduleFrame(fn)
}

func (sw *Switchboard) SetTimer(d time.Duration, repeat bool, fn func()) Cancel {
	return sw.Current().SetTimer(d, repeat, fn)
}

func (sw *Switchboard) CreateGraphicsContext(kind string, attrs ContextAttributes) (GraphicsContext, error) {
	return sw.Current().CreateGraphicsContext(kind, attrs)
}
