// Package progress estimates page-load completion for the loading
// indicator.
package progress

import (
	"sync"
	"time"
)

// Signals are the inputs of one estimate.
type Signals struct {
	ReadyState    string `json:"ready_state"` // loading | interactive | complete
	ImagesTotal   int    `json:"images_total"`
	ImagesSettled int    `json:"images_settled"` // loaded or failed
}

// Estimate returns a completion percentage in [0, 100].
func Estimate(s Signals) float64 {
	ratio := 1.0
	if s.ImagesTotal > 0 {
		ratio = float64(min(max(s.ImagesSettled, 0), s.ImagesTotal)) / float64(s.ImagesTotal)
	}
	switch s.ReadyState {
	case "complete":
		return 100
	case "interactive":
		return 60 + 35*ratio
	case "loading":
		return 5 + 50*ratio
	}
	return 0
}

// Tracker smooths estimates for display: the value never goes backwards,
// and the indicator hides once 100% has been held for the hide delay.
type Tracker struct {
	hideDelay time.Duration
	now       func() time.Time

	mu     sync.Mutex
	value  float64
	doneAt time.Time
}

// NewTracker creates a Tracker.
func NewTracker(hideDelay time.Duration) *Tracker {
	return &Tracker{hideDelay: hideDelay, now: time.Now}
}

// Update folds a new observation in and returns the displayed value.
func (t *Tracker) Update(s Signals) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if v := Estimate(s); v > t.value {
		t.value = v
	}
	if t.value >= 100 && t.doneAt.IsZero() {
		t.doneAt = t.now()
	}
	return t.value
}

// Value returns the displayed value.
func (t *Tracker) Value() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value
}

// Visible reports whether the indicator should still be shown.
func (t *Tracker) Visible() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.doneAt.IsZero() || t.now().Sub(t.doneAt) < t.hideDelay
}
