// Package offline captures the main content region of a loaded page and
// replays it when the network goes away.
package offline

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/pagerescue/resstore"
)

// RegionSelectors are tried in order; the first match is the main region.
var RegionSelectors = []string{"main", "[role=main]", "#content", "article", "body"}

// BannerID is the element id of the offline banner.
const BannerID = "rr-offline-banner"

// BannerText is shown when no usable snapshot exists.
const BannerText = "You are offline. Content may be incomplete."

// Page is the page surface used for capture and replay.
type Page interface {
	URL(ctx context.Context) (string, error)
	// HTML returns the serialised document.
	HTML(ctx context.Context) (string, error)
	// ReplaceBody sets the body's inner HTML.
	ReplaceBody(ctx context.Context, html string) error
	// ShowBanner shows a fixed notice without touching page content.
	ShowBanner(ctx context.Context, id, text string) error
}

// Store persists the single page snapshot.
type Store interface {
	PutSnapshot(ctx context.Context, s resstore.PageSnapshot) error
	GetSnapshot(ctx context.Context) (resstore.PageSnapshot, error)
}

// Recorder receives offline counters.
type Recorder interface {
	RecordSimple(name string, value float64, unit string)
}

// Keeper captures and replays snapshots for one page.
type Keeper struct {
	page   Page
	store  Store
	policy *bluemonday.Policy
	logger *slog.Logger
	rec    Recorder
	now    func() time.Time
}

// Option configures a Keeper.
type Option func(*Keeper)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Keeper) { k.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(k *Keeper) { k.rec = r }
}

// WithPolicy replaces the sanitising policy applied on replay.
func WithPolicy(p *bluemonday.Policy) Option {
	return func(k *Keeper) { k.policy = p }
}

// New creates a Keeper.
func New(page Page, store Store, opts ...Option) *Keeper {
	k := &Keeper{
		page:   page,
		store:  store,
		policy: ReplayPolicy(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(k)
	}
	return k
}

// ReplayPolicy keeps the page's structure, classes and images, including
// inline data: images, and drops scripts and event handler attributes.
func ReplayPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(
		"main", "article", "section", "header", "footer", "nav", "aside",
		"div", "span", "p", "h1", "h2", "h3", "h4", "h5", "h6",
		"figure", "figcaption", "picture", "source", "blockquote", "pre", "code",
		"em", "strong", "b", "i", "u", "small", "sub", "sup", "mark", "time",
		"br", "hr", "abbr", "cite", "q", "dl", "dt", "dd",
	)
	p.AllowLists()
	p.AllowTables()
	p.AllowAttrs("class", "id", "style", "title", "role", "lang", "dir").Globally()
	p.AllowAttrs("href").OnElements("a")
	p.AllowAttrs("srcset", "sizes", "media", "type").OnElements("source", "img")
	p.AllowAttrs("datetime").OnElements("time")
	p.AllowStandardURLs()
	p.AllowRelativeURLs(true)
	p.AllowImages()
	p.AllowDataURIImages()
	return p
}

// ExtractRegion returns the outer HTML of the main content region of doc.
func ExtractRegion(doc string) (string, error) {
	d, err := goquery.NewDocumentFromReader(strings.NewReader(doc))
	if err != nil {
		return "", fmt.Errorf("offline: parse document: %w", err)
	}
	for _, sel := range RegionSelectors {
		s := d.Find(sel).First()
		if s.Length() == 0 {
			continue
		}
		out, err := goquery.OuterHtml(s)
		if err != nil {
			return "", fmt.Errorf("offline: render %s: %w", sel, err)
		}
		return out, nil
	}
	return "", errors.New("offline: no content region")
}

// Capture stores the current page's main region, replacing any previous
// snapshot.
func (k *Keeper) Capture(ctx context.Context) error {
	url, err := k.page.URL(ctx)
	if err != nil {
		return fmt.Errorf("offline: capture url: %w", err)
	}
	doc, err := k.page.HTML(ctx)
	if err != nil {
		return fmt.Errorf("offline: capture html: %w", err)
	}
	region, err := ExtractRegion(doc)
	if err != nil {
		return err
	}
	snap := resstore.PageSnapshot{URL: url, CapturedAt: k.now(), HTML: region}
	if err := k.store.PutSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("offline: store snapshot: %w", err)
	}
	if k.rec != nil {
		k.rec.RecordSimple("snapshot_captured", float64(len(region)), "bytes")
	}
	k.logger.Debug("offline: snapshot captured", "url", url, "bytes", len(region))
	return nil
}

// Replay applies the stored snapshot when it belongs to the current page and
// reports whether it did. Otherwise only the offline banner is shown.
func (k *Keeper) Replay(ctx context.Context) (bool, error) {
	url, err := k.page.URL(ctx)
	if err != nil {
		return false, fmt.Errorf("offline: replay url: %w", err)
	}

	snap, err := k.store.GetSnapshot(ctx)
	switch {
	case errors.Is(err, resstore.ErrNotFound):
		k.logger.Info("offline: no snapshot", "url", url)
		return false, k.banner(ctx)
	case err != nil:
		k.logger.Warn("offline: snapshot unavailable", "url", url, "error", err)
		return false, k.banner(ctx)
	case snap.URL != url:
		k.logger.Info("offline: snapshot is for another page", "url", url, "snapshot_url", snap.URL)
		return false, k.banner(ctx)
	}

	body := BannerHTML(snap.CapturedAt) + k.policy.Sanitize(snap.HTML)
	if err := k.page.ReplaceBody(ctx, body); err != nil {
		return false, fmt.Errorf("offline: replace body: %w", err)
	}
	k.logger.Info("offline: snapshot replayed", "url", url, "captured_at", snap.CapturedAt)
	return true, nil
}

func (k *Keeper) banner(ctx context.Context) error {
	if err := k.page.ShowBanner(ctx, BannerID, BannerText); err != nil {
		return fmt.Errorf("offline: banner: %w", err)
	}
	return nil
}

// BannerHTML is the notice prepended to a replayed snapshot.
func BannerHTML(capturedAt time.Time) string {
	msg := "You are offline. Showing the copy saved " + capturedAt.Format("2006-01-02 15:04") + "."
	return `<div id="` + BannerID + `" role="status">` + html.EscapeString(msg) + `</div>`
}
