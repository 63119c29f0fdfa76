package browser

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"github.com/hazyhaar/pagerescue/conntier"
	"github.com/hazyhaar/pagerescue/guard"
	"github.com/hazyhaar/pagerescue/imgrecover"
	"github.com/hazyhaar/pagerescue/protector"
)

//go:embed bridge.js
var bridgeJS string

// BindingName is the Runtime binding the bridge reports through.
const BindingName = "__pagerescue_binding"

// Handler consumes page events.
type Handler interface {
	HandleEvent(ctx context.Context, ev guard.Event) error
}

// Tab is one page with the bridge installed.
type Tab struct {
	Page   *rod.Page
	logger *slog.Logger

	events chan guard.Event
	ctx    context.Context
	cancel context.CancelFunc
}

// Open creates a tab, installs the bridge for every document it loads and
// navigates to pageURL. Events raised before Listen is called are buffered.
func Open(ctx context.Context, mgr *Manager, pageURL string, logger *slog.Logger) (*Tab, error) {
	if logger == nil {
		logger = slog.Default()
	}
	page, err := mgr.NewPage()
	if err != nil {
		return nil, fmt.Errorf("browser: create tab: %w", err)
	}

	tctx, cancel := context.WithCancel(ctx)
	t := &Tab{
		Page:   page,
		logger: logger,
		events: make(chan guard.Event, 4096),
		ctx:    tctx,
		cancel: cancel,
	}

	if err := (proto.RuntimeAddBinding{Name: BindingName}).Call(page); err != nil {
		t.Close()
		return nil, fmt.Errorf("browser: add binding: %w", err)
	}
	if _, err := page.EvalOnNewDocument(bridgeJS); err != nil {
		t.Close()
		return nil, fmt.Errorf("browser: install bridge: %w", err)
	}
	go t.listenBinding()

	navCtx, navCancel := context.WithTimeout(ctx, 30*time.Second)
	defer navCancel()
	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		t.Close()
		return nil, fmt.Errorf("browser: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitDOMStable(300*time.Millisecond, 0.1); err != nil {
		logger.Warn("browser: page did not settle", "url", pageURL, "error", err)
	}
	return t, nil
}

// listenBinding decodes bridge batches into the event buffer.
func (t *Tab) listenBinding() {
	t.Page.Context(t.ctx).EachEvent(func(e *proto.RuntimeBindingCalled) {
		if e.Name != BindingName {
			return
		}
		if err := t.enqueue(e.Payload); err != nil {
			t.logger.Warn("browser: parse bridge payload", "error", err)
		}
	})()
}

// enqueue decodes one bridge batch. Events beyond the buffer are dropped.
func (t *Tab) enqueue(payload string) error {
	var batch []guard.Event
	if err := json.Unmarshal([]byte(payload), &batch); err != nil {
		return err
	}
	for _, ev := range batch {
		select {
		case t.events <- ev:
		default:
			t.logger.Warn("browser: event buffer full, dropping", "type", ev.Type)
		}
	}
	return nil
}

// Listen delivers events to h until the tab is closed or ctx ends.
func (t *Tab) Listen(ctx context.Context, h Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.ctx.Done():
			return
		case ev := <-t.events:
			if err := h.HandleEvent(ctx, ev); err != nil {
				t.logger.Debug("browser: event handling failed", "type", ev.Type, "error", err)
			}
		}
	}
}

// Close stops event delivery and closes the tab.
func (t *Tab) Close() error {
	t.cancel()
	return t.Page.Close()
}

// call invokes a bridge API function with args and decodes the result into
// out when out is non-nil.
func (t *Tab) call(ctx context.Context, fn string, out any, args ...any) error {
	js := fmt.Sprintf(`(...a) => window.__pagerescue.%s(...a)`, fn)
	res, err := t.Page.Context(ctx).Eval(js, args...)
	if err != nil {
		return fmt.Errorf("browser: %s: %w", fn, err)
	}
	if out == nil {
		return nil
	}
	if err := res.Value.Unmarshal(out); err != nil {
		return fmt.Errorf("browser: %s result: %w", fn, err)
	}
	return nil
}

func (t *Tab) Images(ctx context.Context) ([]imgrecover.ImageRef, error) {
	var refs []imgrecover.ImageRef
	err := t.call(ctx, "images", &refs)
	return refs, err
}

func (t *Tab) Image(ctx context.Context, h imgrecover.Handle) (imgrecover.ImageRef, bool, error) {
	var out struct {
		Attached bool                `json:"attached"`
		Ref      imgrecover.ImageRef `json:"ref"`
	}
	if err := t.call(ctx, "image", &out, string(h)); err != nil {
		return imgrecover.ImageRef{}, false, err
	}
	return out.Ref, out.Attached, nil
}

func (t *Tab) SetSrc(ctx context.Context, h imgrecover.Handle, src string) error {
	var ok bool
	if err := t.call(ctx, "setSrc", &ok, string(h), src); err != nil {
		return err
	}
	if !ok {
		return errors.New("browser: setSrc: element gone")
	}
	return nil
}

func (t *Tab) Widths(ctx context.Context) (int, int, error) {
	var w [2]int
	err := t.call(ctx, "widths", &w)
	return w[0], w[1], err
}

func (t *Tab) EnsureViewportMeta(ctx context.Context, content string) error {
	return t.call(ctx, "ensureViewportMeta", nil, content)
}

func (t *Tab) AddRootClass(ctx context.Context, class string) error {
	return t.call(ctx, "addRootClass", nil, class)
}

func (t *Tab) MarkWidest(ctx context.Context, scan, mark int, class string) (int, error) {
	var n int
	err := t.call(ctx, "markWidest", &n, scan, mark, class)
	return n, err
}

func (t *Tab) InjectStyle(ctx context.Context, id, css string) error {
	return t.call(ctx, "injectStyle", nil, id, css)
}

func (t *Tab) RemoveStyle(ctx context.Context, id string) error {
	return t.call(ctx, "removeStyle", nil, id)
}

func (t *Tab) SyncPatches(ctx context.Context, p protector.Patches, l protector.Limits) error {
	limits := map[string]float64{
		"fps":      l.FPS,
		"floor_ms": float64(l.TimerFloor) / float64(time.Millisecond),
	}
	return t.call(ctx, "syncPatches", nil, p, limits)
}

func (t *Tab) PauseMedia(ctx context.Context) (int, error) {
	var n int
	err := t.call(ctx, "pauseMedia", &n)
	return n, err
}

func (t *Tab) URL(ctx context.Context) (string, error) {
	res, err := t.Page.Context(ctx).Eval(`() => location.href`)
	if err != nil {
		return "", fmt.Errorf("browser: url: %w", err)
	}
	return res.Value.Str(), nil
}

func (t *Tab) Online(ctx context.Context) (bool, error) {
	res, err := t.Page.Context(ctx).Eval(`() => navigator.onLine`)
	if err != nil {
		return true, fmt.Errorf("browser: online: %w", err)
	}
	return res.Value.Bool(), nil
}

func (t *Tab) HTML(ctx context.Context) (string, error) {
	res, err := t.Page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return "", fmt.Errorf("browser: get DOM: %w", err)
	}
	return res.Value.Str(), nil
}

func (t *Tab) ReplaceBody(ctx context.Context, html string) error {
	return t.call(ctx, "replaceBody", nil, html)
}

func (t *Tab) ShowBanner(ctx context.Context, id, text string) error {
	return t.call(ctx, "showBanner", nil, id, text)
}

func (t *Tab) ConnectionSignals(ctx context.Context) (conntier.Signals, error) {
	var s *conntier.Signals
	if err := t.call(ctx, "signals", &s); err != nil {
		return conntier.Signals{}, err
	}
	if s == nil {
		return conntier.Signals{}, errors.New("browser: network information unavailable")
	}
	return *s, nil
}

func (t *Tab) ShowProgress(ctx context.Context, percent float64, visible bool) error {
	return t.call(ctx, "showProgress", nil, percent, visible)
}

var _ guard.Page = (*Tab)(nil)
