package platform

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultFrameInterval is the native frame cadence (60 Hz).
const DefaultFrameInterval = time.Second / 60

// Loop implements Services natively with runtime timers.
type Loop struct {
	frame  time.Duration
	nextID atomic.Uint64
}

// NewLoop creates a Loop producing frames every frame interval.
func NewLoop(frame time.Duration) *Loop {
	if frame <= 0 {
		frame = DefaultFrameInterval
	}
	return &Loop{frame: frame}
}

func (l *Loop) ScheduleFrame(fn func(ts time.Time)) Cancel {
	t := time.AfterFunc(l.frame, func() { fn(time.Now()) })
	return func() { t.Stop() }
}

func (l *Loop) SetTimer(d time.Duration, repeat bool, fn func()) Cancel {
	if !repeat {
		t := time.AfterFunc(d, fn)
		return func() { t.Stop() }
	}
	if d <= 0 {
		d = time.Millisecond
	}
	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }
}

func (l *Loop) CreateGraphicsContext(kind string, attrs ContextAttributes) (GraphicsContext, error) {
	return GraphicsContext{ID: l.nextID.Add(1), Kind: kind, Attrs: attrs}, nil
}
