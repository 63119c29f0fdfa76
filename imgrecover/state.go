package imgrecover

import "context"

// Handle is a stable per-element identity assigned by the page bridge.
type Handle string

// ImageRef describes an <img> element as seen by the Document.
type ImageRef struct {
	Handle   Handle `json:"handle"`
	Src      string `json:"src"`
	Complete bool   `json:"complete"` // the element finished loading or failing
	Broken   bool   `json:"broken"`   // complete with no decoded pixels
}

// Document is the page surface the controller reads and writes.
type Document interface {
	// Images lists every <img> currently attached to the document.
	Images(ctx context.Context) ([]ImageRef, error)
	// Image returns the element for h. attached is false once it left the DOM.
	Image(ctx context.Context, h Handle) (ref ImageRef, attached bool, err error)
	// SetSrc replaces the element's src attribute.
	SetSrc(ctx context.Context, h Handle, src string) error
}

// Status is the recovery state of one image.
type Status string

const (
	Fresh     Status = "fresh"
	Pending   Status = "pending"
	Recovered Status = "recovered"
	Dead      Status = "dead"
)

// State is the side-table record for one image.
type State struct {
	OriginalSrc string `json:"original_src"`
	RetryCount  int    `json:"retry_count"`
	Status      Status `json:"status"`
	CacheBusted bool   `json:"cache_busted"`

	queued bool   // an item for this image is queued or being processed
	gen    uint64 // scan generation at which the entry was created
}

// Stats counts side-table entries per status.
type Stats struct {
	Fresh     int `json:"fresh"`
	Pending   int `json:"pending"`
	Recovered int `json:"recovered"`
	Dead      int `json:"dead"`
	Queued    int `json:"queued"`
	Tombstone int `json:"tombstones"`
}
