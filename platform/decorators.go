package platform

import (
	"sync"
	"time"
)

// Throttle caps frame delivery at fps. Frame requests become timers whose
// delay is measured from the last frame actually served, so a page asking
// for frames back to back receives them at most fps times per second.
func Throttle(inner Services, fps float64) Services {
	if fps <= 0 {
		return inner
	}
	return &throttled{
		Services: inner,
		interval: time.Duration(float64(time.Second) / fps),
		now:      time.Now,
	}
}

type throttled struct {
	Services
	interval time.Duration
	now      func() time.Time

	mu   sync.Mutex
	last time.Time
}

func (t *throttled) ScheduleFrame(fn func(ts time.Time)) Cancel {
	t.mu.Lock()
	var wait time.Duration
	if !t.last.IsZero() {
		now := t.now()
		if due := t.last.Add(t.interval); due.After(now) {
			wait = due.Sub(now)
		}
	}
	t.mu.Unlock()

	return t.Services.SetTimer(wait, false, func() {
		t.mu.Lock()
		ts := t.now()
		t.last = ts
		t.mu.Unlock()
		fn(ts)
	})
}

// TimerFloor raises every timer delay to at least floor.
func TimerFloor(inner Services, floor time.Duration) Services {
	return &floored{Services: inner, floor: floor}
}

type floored struct {
	Services
	floor time.Duration
}

func (f *floored) SetTimer(d time.Duration, repeat bool, fn func()) Cancel {
	return f.Services.SetTimer(max(d, f.floor), repeat, fn)
}

// ForceContext overrides the attributes of every 3D context request with
// attrs. 2D requests pass through unchanged.
func ForceContext(inner Services, attrs ContextAttributes) Services {
	return &forced{Services: inner, attrs: attrs}
}

type forced struct {
	Services
	attrs ContextAttributes
}

func (f *forced) CreateGraphicsContext(kind string, attrs ContextAttributes) (GraphicsContext, error) {
	if IsWebGL(kind) {
		attrs = f.attrs
	}
	return f.Services.CreateGraphicsContext(kind, attrs)
}
