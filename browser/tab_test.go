package browser

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/pagerescue/guard"
)

func TestBridgeEmbedded(t *testing.T) {
	if !strings.Contains(bridgeJS, BindingName) {
		t.Fatal("bridge does not report through the binding")
	}
	for _, fn := range []string{"images", "image", "setSrc", "widths", "ensureViewportMeta",
		"addRootClass", "markWidest", "injectStyle", "removeStyle", "syncPatches",
		"pauseMedia", "replaceBody", "showBanner", "signals", "showProgress"} {
		if !strings.Contains(bridgeJS, fn+": (") && !strings.Contains(bridgeJS, fn+": ()") {
			t.Errorf("bridge API %s missing", fn)
		}
	}
}

type collector struct {
	mu  sync.Mutex
	evs []guard.Event
}

func (c *collector) HandleEvent(_ context.Context, ev guard.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evs = append(c.evs, ev)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.evs)
}

func newTestTab(buffer int) *Tab {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tab{logger: slog.Default(), events: make(chan guard.Event, buffer), ctx: ctx, cancel: cancel}
}

func TestEnqueueAndListen(t *testing.T) {
	tab := newTestTab(16)
	payload := `[
		{"type":"image-error","image":{"handle":"img-1","src":"https://x/a.png","complete":true,"broken":true}},
		{"type":"frame","ts":1234.5},
		{"type":"canvas","width":4000,"height":3000,"viewport_width":800,"viewport_height":600},
		{"type":"progress","progress":{"ready_state":"interactive","images_total":4,"images_settled":1}}
	]`
	if err := tab.enqueue(payload); err != nil {
		t.Fatal(err)
	}

	var c collector
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tab.Listen(ctx, &c)
		close(done)
	}()
	deadline := time.Now().Add(time.Second)
	for c.len() < 4 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if c.len() != 4 {
		t.Fatalf("events: got %d", c.len())
	}
	if c.evs[0].Image.Handle != "img-1" || !c.evs[0].Image.Broken {
		t.Errorf("image event: %+v", c.evs[0])
	}
	if c.evs[1].FrameTime() != 1234500*time.Microsecond {
		t.Errorf("frame time: %v", c.evs[1].FrameTime())
	}
	if c.evs[2].ViewportWidth != 800 {
		t.Errorf("canvas event: %+v", c.evs[2])
	}
	if c.evs[3].Progress.ImagesTotal != 4 || c.evs[3].Progress.ReadyState != "interactive" {
		t.Errorf("progress event: %+v", c.evs[3])
	}
}

func TestEnqueue_DropsWhenFull(t *testing.T) {
	tab := newTestTab(1)
	if err := tab.enqueue(`[{"type":"mutation"},{"type":"mutation"}]`); err != nil {
		t.Fatal(err)
	}
	if len(tab.events) != 1 {
		t.Errorf("buffered: got %d, want 1", len(tab.events))
	}
	if err := tab.enqueue(`not json`); err == nil {
		t.Error("malformed payload accepted")
	}
}
