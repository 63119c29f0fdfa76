package rescue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/pagerescue/config"
)

type fakeLayout struct {
	mu       sync.Mutex
	body     int
	viewport int
	meta     string
	classes  map[string]bool
	styles   map[string]string
	markArgs [3]any
}

func newFakeLayout(body, viewport int) *fakeLayout {
	return &fakeLayout{body: body, viewport: viewport, classes: map[string]bool{}, styles: map[string]string{}}
}

func (l *fakeLayout) Widths(context.Context) (int, int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.body, l.viewport, nil
}

func (l *fakeLayout) EnsureViewportMeta(_ context.Context, content string) error {
	l.meta = content
	return nil
}

func (l *fakeLayout) AddRootClass(_ context.Context, class string) error {
	l.classes[class] = true
	return nil
}

func (l *fakeLayout) MarkWidest(_ context.Context, scan, mark int, class string) (int, error) {
	l.markArgs = [3]any{scan, mark, class}
	return mark, nil
}

func (l *fakeLayout) InjectStyle(_ context.Context, id, css string) error {
	l.styles[id] = css
	return nil
}

func (l *fakeLayout) RemoveStyle(_ context.Context, id string) error {
	delete(l.styles, id)
	return nil
}

func TestCheck_AppliesOnOverflow(t *testing.T) {
	layout := newFakeLayout(1600, 400)
	cfg := config.Default()
	tr := New(layout, cfg)

	applied, err := tr.Check(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !applied {
		t.Fatal("rescue not applied on 4x overflow")
	}
	if layout.meta != ViewportContent {
		t.Errorf("viewport meta: got %q", layout.meta)
	}
	if !layout.classes[RootClass] {
		t.Error("root class missing")
	}
	if _, ok := layout.styles["rr-rescue-style"]; !ok {
		t.Error("rescue style layer missing")
	}
	if layout.markArgs != [3]any{cfg.RescueScanLimit, cfg.RescueMarkLimit, BlockClass} {
		t.Errorf("MarkWidest args: %v", layout.markArgs)
	}
}

func TestCheck_WithinFactorIgnored(t *testing.T) {
	layout := newFakeLayout(440, 400) // 1.1x, below the 1.15 default
	tr := New(layout, config.Default())

	applied, err := tr.Check(context.Background())
	if err != nil || applied {
		t.Fatalf("applied=%v err=%v, want no rescue", applied, err)
	}
}

func TestCheck_Cooldown(t *testing.T) {
	layout := newFakeLayout(2000, 500)
	cfg := config.Default()
	cfg.RescueCooldown = 10 * time.Second
	tr := New(layout, cfg)

	now := time.Unix(0, 0)
	tr.now = func() time.Time { return now }

	if ok, _ := tr.Check(context.Background()); !ok {
		t.Fatal("first check should apply")
	}
	now = now.Add(3 * time.Second)
	if ok, _ := tr.Check(context.Background()); ok {
		t.Fatal("applied again inside cooldown")
	}
	now = now.Add(8 * time.Second)
	if ok, _ := tr.Check(context.Background()); !ok {
		t.Fatal("not applied after cooldown")
	}
	if tr.Applied() != 2 {
		t.Errorf("Applied: got %d, want 2", tr.Applied())
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	layout := newFakeLayout(2000, 500)
	cfg := config.Default()
	cfg.RescueCheckInterval = 5 * time.Millisecond
	tr := New(layout, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for tr.Applied() == 0 {
		select {
		case <-deadline:
			t.Fatal("Run never applied rescue")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
