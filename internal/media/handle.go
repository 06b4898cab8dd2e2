// Package media manages the per-segment playable handles of a replay session.
package media

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/agleyzer/clipreplay/internal/segment"
)

// Handle wraps one playable media resource bound to a single segment.
// Positions are expressed in the decoder's own timebase, seconds.
type Handle interface {
	// Show makes the handle the displayed surface.
	Show()

	// Hide removes the handle from display without stopping it.
	Hide()

	// Visible reports the display state.
	Visible() bool

	// Seek moves the playback position, relative to the segment start.
	Seek(seconds float64)

	// Position returns the current playback position in seconds.
	Position() float64

	// Play starts native playback and returns once playback has begun.
	Play(ctx context.Context) error

	// Pause stops native playback at the current position.
	Pause()

	// SetRate changes the native playback rate.
	SetRate(rate float64)

	// Close releases the underlying media resource.
	Close() error
}

// LoadedEvent reports that a handle's media is ready to play.
type LoadedEvent struct {
	Index     int
	SegmentID string
	Duration  time.Duration
}

// BufferEvent reports a handle entering or leaving a buffering stall.
type BufferEvent struct {
	Index     int
	SegmentID string
	Buffering bool
}

// Listener receives native events from a handle. Nil fields are ignored.
type Listener struct {
	OnEnded  func()
	OnLoaded func(LoadedEvent)
	OnBuffer func(BufferEvent)
}

func (l Listener) ended() {
	if l.OnEnded != nil {
		l.OnEnded()
	}
}

func (l Listener) loaded(ev LoadedEvent) {
	if l.OnLoaded != nil {
		l.OnLoaded(ev)
	}
}

// HandleSpec describes a handle to be created.
type HandleSpec struct {
	Index    int
	Segment  segment.Segment
	URL      string
	Listener Listener
}

// Factory creates handles and mounts them on the player surface.
type Factory interface {
	NewHandle(spec HandleSpec) (Handle, error)
}

// FactoryFunc adapts a function to the Factory interface.
type FactoryFunc func(spec HandleSpec) (Handle, error)

// NewHandle calls f(spec).
func (f FactoryFunc) NewHandle(spec HandleSpec) (Handle, error) {
	return f(spec)
}

// URLFunc maps a segment id to a fetchable media URL.
type URLFunc func(id string) string

// TemplateURL returns a URLFunc that substitutes the escaped segment id for
// every "{id}" in pattern. A pattern without a placeholder gets the id appended.
func TemplateURL(pattern string) URLFunc {
	return func(id string) string {
		escaped := url.PathEscape(id)
		if !strings.Contains(pattern, "{id}") {
			return pattern + escaped
		}
		return strings.ReplaceAll(pattern, "{id}", escaped)
	}
}
