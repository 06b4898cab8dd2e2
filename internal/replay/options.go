package replay

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agleyzer/clipreplay/internal/media"
	"github.com/agleyzer/clipreplay/internal/segment"
)

// PlaybackConfig holds the tunable playback parameters.
type PlaybackConfig struct {
	// SkipInactive is reserved. Gaps are always played out in real time.
	SkipInactive bool

	// Speed is the playback speed multiplier. Default: 1.0.
	Speed float64
}

// PlaybackUpdate is a partial PlaybackConfig. Nil fields are left unchanged.
type PlaybackUpdate struct {
	Speed        *float64
	SkipInactive *bool
}

// Options configures a Controller.
type Options struct {
	// Segments is required. They are sorted and validated into a catalog.
	Segments []segment.Segment

	// Factory is required. It creates the media handle for each segment.
	Factory media.Factory

	// Start is the absolute time of session offset zero.
	// Default: the first segment's timestamp.
	Start time.Time

	// Total is the authored duration of the session. It may extend past the
	// last segment, leaving a trailing gap that still plays out.
	// Default: the end of the last segment.
	Total time.Duration

	// URL maps a segment id to its media URL. Default: the id itself.
	URL media.URLFunc

	// OnFinished is called once the clock reaches Total while playing.
	OnFinished func()

	// OnLoaded is called when a handle reports its media is ready.
	OnLoaded func(media.LoadedEvent)

	// OnBuffer is called when a handle starts or stops buffering.
	OnBuffer func(media.BufferEvent)

	// OnStateChange is called after every state transition.
	OnStateChange func(from, to State)

	Playback PlaybackConfig

	// Window is the handle preload radius. Default: 3.
	Window int

	// MaxHandles bounds the live handle count. Zero disables eviction.
	MaxHandles int

	// TickInterval is how often the clock is advanced. Default: 16ms.
	TickInterval time.Duration

	// Now returns the wall-clock time. Default: time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.Start.IsZero() && len(o.Segments) > 0 {
		first := o.Segments[0].Timestamp
		for _, s := range o.Segments[1:] {
			if s.Timestamp.Before(first) {
				first = s.Timestamp
			}
		}
		o.Start = first
	}
	if o.Playback.Speed == 0 {
		o.Playback.Speed = 1.0
	}
	if o.Window == 0 {
		o.Window = media.DefaultWindow
	}
	if o.TickInterval == 0 {
		o.TickInterval = 16 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

func (o *Options) validate() error {
	if len(o.Segments) == 0 {
		return errors.New("at least one segment is required")
	}
	if o.Factory == nil {
		return errors.New("media factory is required")
	}
	if o.Total < 0 {
		return fmt.Errorf("total duration must not be negative, got %s", o.Total)
	}
	if o.Playback.Speed < 0 {
		return fmt.Errorf("speed must be positive, got %v", o.Playback.Speed)
	}
	if o.TickInterval < 0 {
		return fmt.Errorf("tick interval must not be negative, got %s", o.TickInterval)
	}
	return nil
}
