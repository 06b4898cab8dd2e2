package replay

import (
	"fmt"
	"time"
)

// State is the playback state of a Controller.
type State int

const (
	StateIdle     State = iota // before the first Play
	StatePlaying               // clock running, media shown or held through a gap
	StatePaused                // clock frozen on a seeked frame
	StateFinished              // clock reached the authored duration
)

var stateNames = [...]string{"idle", "playing", "paused", "finished"}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for i, name := range stateNames {
		if name == string(text) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}

// Snapshot is a point-in-time view of a Controller, safe to serialise.
type Snapshot struct {
	SessionID     string  `json:"session_id"`
	State         State   `json:"state"`
	CurrentTimeMs int64   `json:"current_time_ms"`
	TotalMs       int64   `json:"total_ms"`
	CurrentIndex  int     `json:"current_index"`
	SegmentID     string  `json:"segment_id,omitempty"`
	Speed         float64 `json:"speed"`
	Handles       int     `json:"handles"`
}

// CurrentTime returns the snapshot's clock time as a duration.
func (s Snapshot) CurrentTime() time.Duration {
	return time.Duration(s.CurrentTimeMs) * time.Millisecond
}

// events consumed by Controller.dispatch

type playEvent struct {
	offset time.Duration
	done   chan<- error
}

type pauseEvent struct {
	offset time.Duration
	done   chan<- error
}

type configEvent struct {
	update PlaybackUpdate
	done   chan<- error
}

type tickEvent struct{}

// segmentEndedEvent is the native "ended" event of the handle at index.
type segmentEndedEvent struct {
	index int
}

// playbackStartedEvent reports the outcome of an asynchronous handle start.
type playbackStartedEvent struct {
	token uint64
	index int
	err   error
}

// gapElapsedEvent fires when the clock reaches the start of the segment
// that follows a gap.
type gapElapsedEvent struct {
	token uint64
	next  int
}

type clockEndedEvent struct{}
