// Package replay plays a set of timestamped media segments back on a single
// continuous timeline.
//
// A session covers a fixed duration. Segments may leave gaps on that
// timeline; during a gap the last frame stays on screen while the session
// clock keeps running, and the next segment starts when the clock reaches
// it. Segments near the current one are preloaded so that transitions are
// immediate.
//
// # Basic Usage
//
//	c, err := replay.New(replay.Options{
//	    Segments: segments,
//	    Factory:  myFactory,
//	    Total:    90 * time.Second,
//	})
//	if err != nil {
//	    return err
//	}
//	c.Start(ctx)
//	defer c.Stop()
//
//	// Start playing 6.5 seconds into the session
//	if err := c.Play(ctx, 6500*time.Millisecond); err != nil {
//	    return err
//	}
//
// # Media
//
// The Factory creates one Handle per segment. Handles report the end of
// their media through the Listener passed in HandleSpec. SimulatedFactory
// provides handles backed by timers, for headless replay and tests.
package replay

import (
	"github.com/agleyzer/clipreplay/internal/media"
	internal "github.com/agleyzer/clipreplay/internal/replay"
	"github.com/agleyzer/clipreplay/internal/segment"
)

type (
	// Controller runs one replay session. All methods are safe for
	// concurrent use.
	Controller = internal.Controller

	// Options configures a Controller.
	Options = internal.Options

	// PlaybackConfig holds the adjustable playback settings.
	PlaybackConfig = internal.PlaybackConfig

	// PlaybackUpdate changes a subset of PlaybackConfig. Nil fields are
	// left unchanged.
	PlaybackUpdate = internal.PlaybackUpdate

	// State is the controller's playback state.
	State = internal.State

	// Snapshot is a point-in-time view of a Controller.
	Snapshot = internal.Snapshot

	// Segment is one recorded clip placed on the absolute timeline.
	Segment = segment.Segment

	// Handle is a loaded media element for a single segment.
	Handle = media.Handle

	// HandleSpec describes the handle a Factory should create.
	HandleSpec = media.HandleSpec

	// Factory creates media handles.
	Factory = media.Factory

	// FactoryFunc adapts a function to Factory.
	FactoryFunc = media.FactoryFunc

	// Listener receives media events from a handle.
	Listener = media.Listener

	// LoadedEvent reports that a handle's media is ready.
	LoadedEvent = media.LoadedEvent

	// BufferEvent reports a handle entering or leaving a buffering state.
	BufferEvent = media.BufferEvent

	// URLFunc maps a segment id to its media URL.
	URLFunc = media.URLFunc

	// SimulatedFactory creates timer-driven handles that need no decoder.
	SimulatedFactory = media.SimulatedFactory
)

const (
	StateIdle     = internal.StateIdle
	StatePlaying  = internal.StatePlaying
	StatePaused   = internal.StatePaused
	StateFinished = internal.StateFinished
)

var (
	// ErrStopped is returned by requests made after Stop.
	ErrStopped = internal.ErrStopped

	// ErrEmptyID rejects a segment without an id.
	ErrEmptyID = segment.ErrEmptyID

	// ErrOverlap rejects segments that overlap on the timeline.
	ErrOverlap = segment.ErrOverlap
)

// New validates opts and creates a stopped Controller.
func New(opts Options) (*Controller, error) {
	return internal.New(opts)
}

// TemplateURL returns a URLFunc that substitutes {id} in pattern.
func TemplateURL(pattern string) URLFunc {
	return media.TemplateURL(pattern)
}
