// Package resfetch implements fetch-with-retry-and-cache for page resources.
//
// A cached entry is returned immediately and never revalidated. On a miss the
// resource is fetched with exponential backoff (base * 1.7^attempt plus
// bounded jitter), classified as image, JSON or text, persisted and returned.
// When every attempt fails a cache entry written meanwhile is served before
// giving up with a RecoveryError.
//
// Every successful response is cached, text and JSON included. The store's
// byte budget is what bounds growth.
package resfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/hazyhaar/pagerescue/resstore"
)

const maxBodySize = 25 << 20

// Cache is the subset of the resource store the fetcher uses.
type Cache interface {
	Get(ctx context.Context, key string) (resstore.Entry, error)
	Put(ctx context.Context, e resstore.Entry) error
}

// Result is a recovered resource.
type Result struct {
	Kind        resstore.Kind
	ContentType string
	Data        []byte // data: URL for images, raw body otherwise
	FromCache   bool
	Failed      int // failed network attempts before the result
}

// Fetcher performs cache-aware resilient fetches. Safe for concurrent use.
type Fetcher struct {
	cache  Cache
	client *http.Client
	base   time.Duration
	jitter time.Duration
	ua     string
	logger *slog.Logger

	storeWarn sync.Once
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithClient sets the HTTP client used for network attempts.
func WithClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithBackoff sets the base delay and the jitter bound.
func WithBackoff(base, jitter time.Duration) Option {
	return func(f *Fetcher) { f.base, f.jitter = base, jitter }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(f *Fetcher) { f.ua = ua }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// New creates a Fetcher. cache may be nil for network-only operation.
func New(cache Cache, opts ...Option) *Fetcher {
	f := &Fetcher{
		cache:  cache,
		client: &http.Client{Timeout: 20 * time.Second},
		base:   600 * time.Millisecond,
		jitter: 200 * time.Millisecond,
		ua:     "Mozilla/5.0 (compatible; PageRescue/1.0)",
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Backoff returns the wait before retry number attempt (0-based):
// base * 1.7^attempt plus a uniform jitter in [0, jitter).
func Backoff(base time.Duration, attempt int, jitter time.Duration) time.Duration {
	d := float64(base) * math.Pow(1.7, float64(attempt))
	if jitter > 0 {
		d += float64(rand.Int64N(int64(jitter)))
	}
	return time.Duration(d)
}

// Fetch returns the resource at rawURL, trying the cache first and then up
// to maxRetries network attempts.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxRetries int) (Result, error) {
	if res, ok := f.cached(ctx, rawURL); ok {
		return res, nil
	}

	res, failed, lastErr := f.network(ctx, rawURL, maxRetries)
	if lastErr == nil {
		f.store(ctx, rawURL, res)
		return res, nil
	}

	// A concurrent writer may have filled the entry while we were retrying.
	if stale, ok := f.cached(ctx, rawURL); ok {
		stale.Failed = failed
		f.logger.Info("resfetch: serving cache after network failure", "url", rawURL, "attempts", failed)
		return stale, nil
	}

	return Result{Failed: failed}, &RecoveryError{
		URL:      rawURL,
		Attempts: failed,
		Reason:   "unreachable",
		Last:     lastErr,
	}
}

func (f *Fetcher) cached(ctx context.Context, key string) (Result, bool) {
	if f.cache == nil {
		return Result{}, false
	}
	e, err := f.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, resstore.ErrNotFound) {
			f.warnStore(err)
		}
		return Result{}, false
	}
	return Result{Kind: e.Kind, ContentType: e.ContentType, Data: e.Data, FromCache: true}, true
}

func (f *Fetcher) store(ctx context.Context, key string, res Result) {
	if f.cache == nil {
		return
	}
	err := f.cache.Put(ctx, resstore.Entry{
		Key:         key,
		Kind:        res.Kind,
		ContentType: res.ContentType,
		Data:        res.Data,
	})
	if err != nil {
		f.warnStore(err)
	}
}

// warnStore logs the first store failure only; the fetcher keeps working
// network-only.
func (f *Fetcher) warnStore(err error) {
	f.storeWarn.Do(func() {
		f.logger.Warn("resfetch: store unavailable, continuing network only", "error", err)
	})
}

// network runs the retrying HTTP GET. It returns the number of failed
// attempts and the last failure when no attempt succeeded.
func (f *Fetcher) network(ctx context.Context, rawURL string, maxRetries int) (Result, int, error) {
	if maxRetries <= 0 {
		return Result{}, 0, errors.New("no retry budget left")
	}

	var (
		failed  int
		lastErr error
	)
	rc := &retryablehttp.Client{
		HTTPClient:   f.client,
		Logger:       f.logger,
		RetryMax:     maxRetries - 1,
		RetryWaitMin: f.base,
		RetryWaitMax: f.base,
		Backoff: func(_, _ time.Duration, attempt int, _ *http.Response) time.Duration {
			return Backoff(f.base, attempt, f.jitter)
		},
		CheckRetry: func(ctx context.Context, resp *http.Response, err error) (bool, error) {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			if err == nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return false, nil
			}
			failed++
			te := &TransientNetworkError{URL: rawURL, Attempt: failed, Err: err}
			if resp != nil {
				te.Status = resp.StatusCode
			}
			lastErr = te
			f.logger.Debug("resfetch: attempt failed", "url", rawURL, "attempt", failed, "error", te)
			return true, nil
		},
		ErrorHandler: retryablehttp.PassthroughErrorHandler,
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Result{}, 0, fmt.Errorf("resfetch: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.ua)

	resp, err := rc.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return Result{}, failed, lastErr
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, failed, lastErr
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		failed++
		return Result{}, failed, &TransientNetworkError{URL: rawURL, Attempt: failed, Err: err}
	}

	kind, ct := classify(rawURL, resp.Header.Get("Content-Type"), body)
	res := Result{Kind: kind, ContentType: ct, Data: body, Failed: failed}
	if kind == resstore.KindImage {
		res.Data = []byte(DataURL(ct, body))
	}
	f.logger.Debug("resfetch: fetched",
		"url", rawURL, "kind", kind, "size", len(body), "failed_attempts", failed)
	return res, failed, nil
}
