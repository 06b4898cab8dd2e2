// Package cluster replicates playback commands over Raft so that every node
// in a cluster drives its own replay session in lockstep.
package cluster

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/agleyzer/clipreplay/internal/replay"
)

func init() {
	// Register types for gob encoding/decoding
	gob.Register(PlayCommand{})
	gob.Register(PauseCommand{})
	gob.Register(SetSpeedCommand{})
}

// Player is the local replay session a node drives. *replay.Controller
// implements it.
type Player interface {
	PlayAsync(offset time.Duration) <-chan error
	PauseAsync(offset time.Duration) <-chan error
	SetConfigAsync(update replay.PlaybackUpdate) <-chan error
	Snapshot() replay.Snapshot
}

// ClusterState is the last agreed playback command.
type ClusterState struct {
	// State is the commanded state: idle until the first command, then
	// playing or paused.
	State replay.State
	// Offset is the timeline offset of the last play or pause.
	Offset time.Duration
	// Speed is the commanded playback rate.
	Speed float64
	// IssuedAt is the wall time at which a playing session stood at
	// Offset. Zero when unknown.
	IssuedAt time.Time
	// Seq counts applied commands.
	Seq uint64
}

// position returns where the commanded session stands at t. A playing
// session has advanced from Offset by the time elapsed since IssuedAt.
func (s ClusterState) position(t time.Time) time.Duration {
	if s.State != replay.StatePlaying || s.IssuedAt.IsZero() {
		return s.Offset
	}
	elapsed := t.Sub(s.IssuedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return s.Offset + time.Duration(float64(elapsed)*s.Speed)
}

// CommandType identifies the type of Raft command.
type CommandType uint8

const (
	// CommandPlay starts playback at an offset.
	CommandPlay CommandType = 1
	// CommandPause freezes playback at an offset.
	CommandPause CommandType = 2
	// CommandSetSpeed changes the playback rate.
	CommandSetSpeed CommandType = 3
)

// Command represents a Raft log command.
type Command struct {
	Type CommandType
	Data any
}

// PlayCommand starts playback at Offset as of IssuedAt.
type PlayCommand struct {
	Offset   time.Duration
	IssuedAt time.Time
}

// PauseCommand pauses playback at Offset.
type PauseCommand struct {
	Offset time.Duration
}

// SetSpeedCommand sets the playback rate from IssuedAt on.
type SetSpeedCommand struct {
	Speed    float64
	IssuedAt time.Time
}

// PlaybackFSM implements raft.FSM. Applied commands update the shared state
// and are forwarded to the local player.
type PlaybackFSM struct {
	mu     sync.RWMutex
	state  ClusterState
	player Player
	now    func() time.Time
	logger *slog.Logger
}

// NewPlaybackFSM creates a new PlaybackFSM driving player.
func NewPlaybackFSM(player Player, logger *slog.Logger) *PlaybackFSM {
	return &PlaybackFSM{
		state:  ClusterState{State: replay.StateIdle, Speed: 1},
		player: player,
		now:    time.Now,
		logger: logger,
	}
}

// Apply applies a Raft log entry to the FSM.
func (f *PlaybackFSM) Apply(log *raft.Log) any {
	var cmd Command
	if err := gob.NewDecoder(bytes.NewReader(log.Data)).Decode(&cmd); err != nil {
		f.logger.Error("failed to decode command", "error", err)
		return fmt.Errorf("decode command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Type {
	case CommandPlay:
		return f.applyPlay(cmd.Data)
	case CommandPause:
		return f.applyPause(cmd.Data)
	case CommandSetSpeed:
		return f.applySetSpeed(cmd.Data)
	default:
		f.logger.Error("unknown command type", "type", cmd.Type)
		return fmt.Errorf("unknown command type: %d", cmd.Type)
	}
}

func (f *PlaybackFSM) applyPlay(data any) any {
	play, ok := data.(PlayCommand)
	if !ok {
		return fmt.Errorf("invalid play command data")
	}

	f.state.State = replay.StatePlaying
	f.state.Offset = play.Offset
	f.state.IssuedAt = play.IssuedAt
	f.state.Seq++

	// entries replayed on a late node are behind by the time since issue
	offset := f.currentOffset()
	f.logger.Debug("applied play", "offset", play.Offset, "start", offset, "seq", f.state.Seq)

	f.forward(f.player.PlayAsync(offset))
	return nil
}

func (f *PlaybackFSM) applyPause(data any) any {
	pause, ok := data.(PauseCommand)
	if !ok {
		return fmt.Errorf("invalid pause command data")
	}

	f.state.State = replay.StatePaused
	f.state.Offset = pause.Offset
	f.state.IssuedAt = time.Time{}
	f.state.Seq++
	f.logger.Debug("applied pause", "offset", pause.Offset, "seq", f.state.Seq)

	f.forward(f.player.PauseAsync(pause.Offset))
	return nil
}

func (f *PlaybackFSM) applySetSpeed(data any) any {
	cmd, ok := data.(SetSpeedCommand)
	if !ok {
		return fmt.Errorf("invalid set speed command data")
	}
	if cmd.Speed <= 0 {
		return fmt.Errorf("invalid speed %v", cmd.Speed)
	}

	if f.state.State == replay.StatePlaying && !f.state.IssuedAt.IsZero() && !cmd.IssuedAt.IsZero() {
		// rebase so elapsed time before the change keeps the old rate
		f.state.Offset = f.state.position(cmd.IssuedAt)
		f.state.IssuedAt = cmd.IssuedAt
	}
	f.state.Speed = cmd.Speed
	f.state.Seq++
	f.logger.Debug("applied speed", "speed", cmd.Speed, "seq", f.state.Seq)

	f.forward(f.player.SetConfigAsync(replay.PlaybackUpdate{Speed: &cmd.Speed}))
	return nil
}

// currentOffset is the commanded position now, clamped to the session
// duration. Callers hold f.mu.
func (f *PlaybackFSM) currentOffset() time.Duration {
	offset := f.state.position(f.now())
	if total := time.Duration(f.player.Snapshot().TotalMs) * time.Millisecond; total > 0 && offset > total {
		offset = total
	}
	return offset
}

// forward logs a player rejection that is already known. The FSM never
// waits for playback to begin.
func (f *PlaybackFSM) forward(done <-chan error) {
	select {
	case err := <-done:
		if err != nil {
			f.logger.Warn("player rejected command", "error", err)
		}
	default:
	}
}

// Snapshot returns an FSMSnapshot for creating a point-in-time snapshot.
func (f *PlaybackFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	return &fsmSnapshot{state: f.state}, nil
}

// Restore replaces the FSM state from a snapshot and moves the local player
// to the restored command.
func (f *PlaybackFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var state ClusterState
	if err := gob.NewDecoder(snapshot).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state

	if state.Speed > 0 {
		speed := state.Speed
		f.forward(f.player.SetConfigAsync(replay.PlaybackUpdate{Speed: &speed}))
	}
	switch state.State {
	case replay.StatePlaying:
		f.forward(f.player.PlayAsync(f.currentOffset()))
	case replay.StatePaused:
		f.forward(f.player.PauseAsync(state.Offset))
	}

	f.logger.Info("restored FSM state from snapshot", "state", state.State, "offset", state.Offset, "seq", state.Seq)
	return nil
}

// GetState returns a copy of the current FSM state.
func (f *PlaybackFSM) GetState() ClusterState {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// fsmSnapshot implements raft.FSMSnapshot.
type fsmSnapshot struct {
	state ClusterState
}

// Persist writes the snapshot to the given sink.
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(s.state); err != nil {
		sink.Cancel()
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if _, err := sink.Write(buf.Bytes()); err != nil {
		sink.Cancel()
		return fmt.Errorf("write snapshot: %w", err)
	}

	return sink.Close()
}

// Release releases any resources held by the snapshot.
func (s *fsmSnapshot) Release() {}

// EncodeCommand encodes a command for Raft submission.
func EncodeCommand(cmd Command) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cmd); err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return buf.Bytes(), nil
}
