package media

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SimulatedFactory creates wall-clock driven handles that behave like a
// decoder without decoding anything. The server uses it when no real player
// surface is attached.
type SimulatedFactory struct {
	// LoadDelay is the time between creation and the loaded event.
	LoadDelay time.Duration

	// Now returns the current time. Default: time.Now.
	Now func() time.Time
}

// NewHandle implements Factory.
func (f SimulatedFactory) NewHandle(spec HandleSpec) (Handle, error) {
	if spec.Segment.Duration <= 0 {
		return nil, fmt.Errorf("segment %q has no media duration", spec.Segment.ID)
	}

	now := f.Now
	if now == nil {
		now = time.Now
	}

	h := &Simulated{
		spec: spec,
		rate: 1.0,
		now:  now,
	}

	loaded := LoadedEvent{
		Index:     spec.Index,
		SegmentID: spec.Segment.ID,
		Duration:  spec.Segment.Duration,
	}
	if f.LoadDelay > 0 {
		h.loadTimer = time.AfterFunc(f.LoadDelay, func() { spec.Listener.loaded(loaded) })
	} else {
		go spec.Listener.loaded(loaded)
	}

	return h, nil
}

// Simulated is a Handle whose position advances with the wall clock while
// playing and which reports ended when it reaches the segment duration.
type Simulated struct {
	mu        sync.Mutex
	spec      HandleSpec
	now       func() time.Time
	visible   bool
	playing   bool
	closed    bool
	position  float64
	anchor    time.Time
	rate      float64
	endTimer  *time.Timer
	loadTimer *time.Timer
}

// URL returns the media URL the handle was created for.
func (s *Simulated) URL() string {
	return s.spec.URL
}

func (s *Simulated) Show() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible = true
}

func (s *Simulated) Hide() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.visible = false
}

func (s *Simulated) Visible() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visible
}

func (s *Simulated) Seek(seconds float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.position = s.clamp(seconds)
	s.anchor = s.now()
	if s.playing {
		s.scheduleLocked()
	}
}

func (s *Simulated) Position() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.positionLocked()
}

// Play starts advancing the position. It returns immediately since there is
// nothing to buffer.
func (s *Simulated) Play(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("handle for segment %q is closed", s.spec.Segment.ID)
	}
	if s.playing {
		return nil
	}
	s.playing = true
	s.anchor = s.now()
	s.scheduleLocked()
	return nil
}

func (s *Simulated) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.playing {
		return
	}
	s.position = s.positionLocked()
	s.playing = false
	s.stopTimerLocked()
}

func (s *Simulated) SetRate(rate float64) {
	if rate <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.position = s.positionLocked()
	s.anchor = s.now()
	s.rate = rate
	if s.playing {
		s.scheduleLocked()
	}
}

// Playing reports whether the handle is advancing.
func (s *Simulated) Playing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playing
}

func (s *Simulated) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.playing = false
	s.stopTimerLocked()
	if s.loadTimer != nil {
		s.loadTimer.Stop()
	}
	return nil
}

func (s *Simulated) duration() float64 {
	return s.spec.Segment.Duration.Seconds()
}

func (s *Simulated) clamp(seconds float64) float64 {
	if seconds < 0 {
		return 0
	}
	if d := s.duration(); seconds > d {
		return d
	}
	return seconds
}

func (s *Simulated) positionLocked() float64 {
	if !s.playing {
		return s.position
	}
	elapsed := s.now().Sub(s.anchor).Seconds()
	return s.clamp(s.position + elapsed*s.rate)
}

// scheduleLocked arms the ended timer for the remaining media time.
func (s *Simulated) scheduleLocked() {
	s.stopTimerLocked()

	remaining := (s.duration() - s.position) / s.rate
	wait := time.Duration(remaining * float64(time.Second))
	if wait < 0 {
		wait = 0
	}

	var timer *time.Timer
	timer = time.AfterFunc(wait, func() {
		s.mu.Lock()
		if s.endTimer != timer || !s.playing {
			s.mu.Unlock()
			return
		}
		s.position = s.duration()
		s.playing = false
		s.endTimer = nil
		listener := s.spec.Listener
		s.mu.Unlock()

		listener.ended()
	})
	s.endTimer = timer
}

func (s *Simulated) stopTimerLocked() {
	if s.endTimer != nil {
		s.endTimer.Stop()
		s.endTimer = nil
	}
}
