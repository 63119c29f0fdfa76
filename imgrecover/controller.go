// Package imgrecover recovers broken page images.
//
// Each image has a side-table record (original src, retry count, status)
// owned by the Controller and keyed by the element's Handle. Load errors move
// an image to pending and enqueue it; a single worker drains the FIFO queue,
// waits the item's backoff delay, and tries the resilient fetcher on the
// original URL. Image payloads are substituted as data: URLs, SVG text is
// inlined, and anything else earns one cache-busted reload through the
// browser's own loader. Images whose retry budget runs out are dead and never
// queued again, even if the same element re-enters the document.
package imgrecover

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/pagerescue/config"
	"github.com/hazyhaar/pagerescue/resfetch"
	"github.com/hazyhaar/pagerescue/resstore"
)

// BustParam is the query parameter appended for the cache-busted reload.
const BustParam = "__rr"

// Fetcher is the resilient fetch primitive.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, maxRetries int) (resfetch.Result, error)
}

// Recorder receives recovery counters.
type Recorder interface {
	RecordSimple(name string, value float64, unit string)
}

type item struct {
	h     Handle
	delay time.Duration
}

// Controller owns the image side-table and the retry queue.
type Controller struct {
	doc    Document
	fetch  Fetcher
	cfg    config.Config
	logger *slog.Logger
	rec    Recorder

	mu      sync.Mutex
	table   map[Handle]*State
	tomb    map[Handle]struct{} // dead handles outlive their table entry
	queue   []item
	running bool
	scan    *time.Timer
	gen     uint64

	wg sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Controller) { c.rec = r }
}

// New creates a Controller.
func New(doc Document, fetch Fetcher, cfg config.Config, opts ...Option) *Controller {
	c := &Controller{
		doc:    doc,
		fetch:  fetch,
		cfg:    cfg,
		logger: slog.Default(),
		table:  make(map[Handle]*State),
		tomb:   make(map[Handle]struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Initialize registers ref in the side-table. Calling it again for the same
// handle is a no-op, so OriginalSrc is captured exactly once.
func (c *Controller) Initialize(ref ImageRef) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initLocked(ref)
}

func (c *Controller) initLocked(ref ImageRef) bool {
	if _, dead := c.tomb[ref.Handle]; dead {
		return false
	}
	if _, ok := c.table[ref.Handle]; ok {
		return false
	}
	c.table[ref.Handle] = &State{OriginalSrc: ref.Src, Status: Fresh, gen: c.gen}
	return true
}

// OnError handles a load error on ref and schedules a recovery attempt.
// Errors reported while the image already waits in the queue or is being
// processed are ignored; only a failed native reload counts as a retry.
func (c *Controller) OnError(ctx context.Context, ref ImageRef) {
	c.mu.Lock()
	c.initLocked(ref)
	st, ok := c.table[ref.Handle]
	if !ok || st.Status == Dead || st.Status == Recovered || st.queued {
		c.mu.Unlock()
		return
	}

	if !recoverable(st.OriginalSrc) {
		c.markDeadLocked(ref.Handle, st, "not a network resource")
		c.mu.Unlock()
		return
	}

	if st.Status == Pending {
		st.RetryCount++
	}
	if st.RetryCount >= c.cfg.MaxImageRetries {
		st.RetryCount = c.cfg.MaxImageRetries
		c.markDeadLocked(ref.Handle, st, "retries exhausted")
		c.mu.Unlock()
		return
	}

	st.Status = Pending
	st.queued = true
	delay := resfetch.Backoff(c.cfg.RetryBaseDelay, st.RetryCount, c.cfg.RetryJitter)
	c.queue = append(c.queue, item{h: ref.Handle, delay: delay})
	src, retry := st.OriginalSrc, st.RetryCount
	c.mu.Unlock()

	c.logger.Debug("imgrecover: queued", "src", src, "retry", retry, "delay", delay)
	c.kick(ctx)
}

// OnLoad records a successful native load.
func (c *Controller) OnLoad(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.table[h]; ok && st.Status == Pending {
		st.Status = Recovered
		c.record("image_recovered", 1)
	}
}

// OnDetached drops the side-table entry of an element that left the
// document. Dead handles stay tombstoned.
func (c *Controller) OnDetached(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.table, h)
}

// OnMutation schedules a debounced rescan of the document's images. Bursts
// within the debounce window coalesce into one scan.
func (c *Controller) OnMutation(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scan != nil && c.scan.Stop() {
		c.scan.Reset(c.cfg.MutationDebounce)
		return
	}
	c.wg.Add(1)
	var t *time.Timer
	t = time.AfterFunc(c.cfg.MutationDebounce, func() {
		defer c.wg.Done()
		c.mu.Lock()
		if c.scan == t {
			c.scan = nil
		}
		c.mu.Unlock()
		if err := c.Scan(ctx); err != nil {
			c.logger.Warn("imgrecover: scan failed", "error", err)
		}
	})
	c.scan = t
}

// Scan initialises every image in the document, enqueues already-broken ones
// with a small random delay, and prunes entries for detached elements.
// Entries created while the document was being read are never pruned.
func (c *Controller) Scan(ctx context.Context) error {
	c.mu.Lock()
	cutoff := c.gen
	c.gen++
	c.mu.Unlock()

	refs, err := c.doc.Images(ctx)
	if err != nil {
		return err
	}

	seen := make(map[Handle]bool, len(refs))
	queued := 0
	c.mu.Lock()
	for _, ref := range refs {
		seen[ref.Handle] = true
		c.initLocked(ref)
		st, ok := c.table[ref.Handle]
		if !ok || st.Status != Fresh || !ref.Complete || !ref.Broken || !recoverable(st.OriginalSrc) {
			continue
		}
		st.Status = Pending
		st.queued = true
		c.queue = append(c.queue, item{h: ref.Handle, delay: c.initialDelay()})
		queued++
	}
	for h, st := range c.table {
		if !seen[h] && st.gen <= cutoff {
			delete(c.table, h)
		}
	}
	c.mu.Unlock()

	if queued > 0 {
		c.logger.Info("imgrecover: broken images found", "count", queued)
		c.kick(ctx)
	}
	return nil
}

// RecoverAll re-enqueues every pending image not already queued. It is used
// when the network comes back and by the debug surface.
func (c *Controller) RecoverAll(ctx context.Context) int {
	c.mu.Lock()
	n := 0
	for h, st := range c.table {
		if st.Status != Pending || st.queued {
			continue
		}
		st.queued = true
		c.queue = append(c.queue, item{h: h, delay: c.initialDelay()})
		n++
	}
	c.mu.Unlock()
	if n > 0 {
		c.kick(ctx)
	}
	return n
}

func (c *Controller) initialDelay() time.Duration {
	if c.cfg.InitialDelayMax <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(c.cfg.InitialDelayMax)))
}

func (c *Controller) kick(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.ProcessQueue(ctx)
	}()
}

// Wait blocks until every started worker and pending scan has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// ProcessQueue drains the retry queue. Only one invocation does work at a
// time; concurrent calls return immediately.
func (c *Controller) ProcessQueue(ctx context.Context) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if len(c.queue) == 0 || ctx.Err() != nil {
			c.running = false
			c.mu.Unlock()
			return
		}
		it := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if c.process(ctx, it) {
			sleep(ctx, c.cfg.QueueGap)
		}
	}
}

// process runs one recovery attempt. It reports whether the item was
// processed rather than skipped.
func (c *Controller) process(ctx context.Context, it item) bool {
	c.mu.Lock()
	st, ok := c.table[it.h]
	if !ok || st.Status != Pending {
		if ok {
			st.queued = false
		}
		c.mu.Unlock()
		return false
	}
	src := st.OriginalSrc
	budget := c.cfg.MaxImageRetries - st.RetryCount
	c.mu.Unlock()

	ref, attached, err := c.doc.Image(ctx, it.h)
	if err != nil {
		c.logger.Debug("imgrecover: lookup failed", "src", src, "error", err)
		c.release(it.h)
		return false
	}
	if !attached {
		c.OnDetached(it.h)
		return false
	}
	if ref.Complete && !ref.Broken {
		c.release(it.h)
		c.OnLoad(it.h)
		return false
	}

	if err := sleep(ctx, it.delay); err != nil {
		c.release(it.h)
		return false
	}

	res, ferr := c.fetch.Fetch(ctx, src, budget)
	attempts := res.Failed
	if ferr == nil && !res.FromCache {
		attempts++
	}
	if attempts > 0 {
		c.record("fetch_attempts", float64(attempts))
	}
	if ctx.Err() != nil {
		c.release(it.h)
		return true
	}

	c.mu.Lock()
	st, ok = c.table[it.h]
	if !ok || st.Status != Pending {
		c.mu.Unlock()
		return true
	}
	st.queued = false
	st.RetryCount = min(st.RetryCount+res.Failed, c.cfg.MaxImageRetries)

	var next string
	substitute := true
	switch {
	case ferr == nil && res.Kind == resstore.KindImage:
		next = string(res.Data)
	case ferr == nil && res.Kind == resstore.KindText && isSVG(src):
		next = "data:image/svg+xml;charset=utf-8," + url.PathEscape(string(res.Data))
	case ferr != nil:
		c.markDeadLocked(it.h, st, "unreachable")
		c.mu.Unlock()
		return true
	case !st.CacheBusted:
		st.CacheBusted = true
		next = bust(src)
		substitute = false
	default:
		c.markDeadLocked(it.h, st, "no usable payload")
		c.mu.Unlock()
		return true
	}
	c.mu.Unlock()

	if err := c.doc.SetSrc(ctx, it.h, next); err != nil {
		c.logger.Debug("imgrecover: set src failed", "src", src, "error", err)
		c.OnDetached(it.h)
		return true
	}
	if !substitute {
		c.logger.Debug("imgrecover: cache-busted reload", "src", src, "kind", res.Kind)
		return true
	}

	c.mu.Lock()
	if st.Status == Pending {
		st.Status = Recovered
		c.record("image_recovered", 1)
	}
	retries := st.RetryCount
	c.mu.Unlock()
	c.logger.Info("imgrecover: image recovered", "src", src, "retries", retries, "from_cache", res.FromCache)
	return true
}

// release marks h as no longer queued.
func (c *Controller) release(h Handle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok := c.table[h]; ok {
		st.queued = false
	}
}

func (c *Controller) markDeadLocked(h Handle, st *State, reason string) {
	st.Status = Dead
	st.queued = false
	c.tomb[h] = struct{}{}
	c.record("image_dead", 1)
	c.logger.Info("imgrecover: image dead", "src", st.OriginalSrc, "retries", st.RetryCount, "reason", reason)
}

func (c *Controller) record(name string, v float64) {
	if c.rec != nil {
		c.rec.RecordSimple(name, v, "count")
	}
}

// State returns a copy of the side-table record for h.
func (c *Controller) State(h Handle) (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.table[h]
	if !ok {
		if _, dead := c.tomb[h]; dead {
			return State{Status: Dead}, true
		}
		return State{}, false
	}
	return *st, true
}

// Stats summarises the side-table and queue.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Queued: len(c.queue), Tombstone: len(c.tomb)}
	for _, st := range c.table {
		switch st.Status {
		case Fresh:
			s.Fresh++
		case Pending:
			s.Pending++
		case Recovered:
			s.Recovered++
		case Dead:
			s.Dead++
		}
	}
	return s
}

func recoverable(src string) bool {
	return strings.HasPrefix(src, "http://") || strings.HasPrefix(src, "https://")
}

func isSVG(src string) bool {
	u, err := url.Parse(src)
	if err != nil {
		return false
	}
	return strings.EqualFold(path.Ext(u.Path), ".svg")
}

func bust(src string) string {
	u, err := url.Parse(src)
	if err != nil {
		return src
	}
	q := u.Query()
	q.Set(BustParam, uuid.NewString())
	u.RawQuery = q.Encode()
	return u.String()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
