package server

import (
	"time"

	"github.com/agleyzer/clipreplay/internal/replay"
)

// Backend receives playback commands. Commands are submitted without
// waiting for the resulting playback to begin.
type Backend interface {
	Play(offset time.Duration) error
	Pause(offset time.Duration) error
	SetSpeed(speed float64) error
	Snapshot() replay.Snapshot
}

// Local returns a Backend that drives c directly.
func Local(c *replay.Controller) Backend {
	return localBackend{c: c}
}

type localBackend struct {
	c *replay.Controller
}

func (l localBackend) Play(offset time.Duration) error {
	return immediate(l.c.PlayAsync(offset))
}

func (l localBackend) Pause(offset time.Duration) error {
	return immediate(l.c.PauseAsync(offset))
}

func (l localBackend) SetSpeed(speed float64) error {
	return immediate(l.c.SetConfigAsync(replay.PlaybackUpdate{Speed: &speed}))
}

func (l localBackend) Snapshot() replay.Snapshot {
	return l.c.Snapshot()
}

// immediate returns a result only if it is already available, such as a
// request rejected by a stopped controller.
func immediate(done <-chan error) error {
	select {
	case err := <-done:
		return err
	default:
		return nil
	}
}
