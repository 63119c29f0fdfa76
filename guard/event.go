package guard

import (
	"time"

	"github.com/hazyhaar/pagerescue/imgrecover"
	"github.com/hazyhaar/pagerescue/progress"
)

// EventType names a page signal forwarded by the bridge.
type EventType string

const (
	EventImageError    EventType = "image-error"
	EventImageLoad     EventType = "image-load"
	EventImageDetached EventType = "image-detached"
	EventMutation      EventType = "mutation"
	EventFrame         EventType = "frame"
	EventContext       EventType = "context"
	EventCanvas        EventType = "canvas"
	EventProgress      EventType = "progress"
	EventLoad          EventType = "load"
	EventOnline        EventType = "online"
	EventOffline       EventType = "offline"
)

// Event is one page signal. Only the fields relevant to Type are set.
type Event struct {
	Type EventType `json:"type"`

	// image-error, image-load, image-detached
	Image imgrecover.ImageRef `json:"image"`

	// frame: page clock in milliseconds
	TS float64 `json:"ts,omitempty"`

	// context: requested context kind
	Kind string `json:"kind,omitempty"`

	// canvas
	Width          int `json:"width,omitempty"`
	Height         int `json:"height,omitempty"`
	ViewportWidth  int `json:"viewport_width,omitempty"`
	ViewportHeight int `json:"viewport_height,omitempty"`

	// progress, load
	Progress progress.Signals `json:"progress"`
}

// FrameTime converts TS into a duration on the page clock.
func (e Event) FrameTime() time.Duration {
	return time.Duration(e.TS * float64(time.Millisecond))
}
