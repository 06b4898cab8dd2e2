package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/agleyzer/clipreplay/internal/replay"
)

var (
	// ErrNotStarted is returned for commands submitted before Start.
	ErrNotStarted = errors.New("cluster not started")
	// ErrShutdown is returned for commands submitted after Shutdown.
	ErrShutdown = errors.New("cluster is shut down")
)

// Manager runs a Raft node whose log carries playback commands. It
// implements the same Play/Pause/SetSpeed/Snapshot surface as a local
// session, so the HTTP server can drive the whole cluster through it.
type Manager struct {
	config    Config
	raft      *raft.Raft
	fsm       *PlaybackFSM
	player    Player
	transport *raft.NetworkTransport
	logger    *slog.Logger
	mu        sync.RWMutex
	shutdown  bool
}

// NewManager creates a new cluster manager driving player.
func NewManager(config Config, player Player, logger *slog.Logger) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if player == nil {
		return nil, fmt.Errorf("player is required")
	}

	logger = logger.With("raft_id", config.RaftID)
	return &Manager{
		config: config,
		fsm:    NewPlaybackFSM(player, logger),
		player: player,
		logger: logger,
	}, nil
}

// Start initializes and starts the Raft node.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.raft != nil {
		return fmt.Errorf("cluster already started")
	}

	raftConfig := raft.DefaultConfig()
	// Use bind address as LocalID for consistency with bootstrap configuration
	raftConfig.LocalID = raft.ServerID(m.config.BindAddr)
	raftConfig.HeartbeatTimeout = m.config.HeartbeatTimeout
	raftConfig.ElectionTimeout = m.config.ElectionTimeout
	raftConfig.LeaderLeaseTimeout = m.config.HeartbeatTimeout
	raftConfig.SnapshotInterval = m.config.SnapshotInterval
	raftConfig.SnapshotThreshold = m.config.SnapshotThreshold
	raftConfig.Logger = newRaftLogger(m.logger, m.config.Verbose)

	// Playback commands are only meaningful while the process runs, so the
	// log lives in memory.
	logStore := raft.NewInmemStore()
	stableStore := raft.NewInmemStore()
	snapshotStore := raft.NewInmemSnapshotStore()

	addr, err := net.ResolveTCPAddr("tcp", m.config.BindAddr)
	if err != nil {
		return fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(m.config.BindAddr, addr, 3, 10*time.Second, nil)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	m.transport = transport

	r, err := raft.NewRaft(raftConfig, m.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		transport.Close()
		return fmt.Errorf("create raft: %w", err)
	}
	m.raft = r

	configuration := raft.Configuration{
		Servers: make([]raft.Server, 0, len(m.config.Peers)),
	}
	for _, peer := range m.config.Peers {
		configuration.Servers = append(configuration.Servers, raft.Server{
			ID:       raft.ServerID(peer),
			Address:  raft.ServerAddress(peer),
			Suffrage: raft.Voter,
		})
	}

	future := m.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil && err != raft.ErrCantBootstrap {
		// the node may be joining an existing cluster
		m.logger.Error("failed to bootstrap cluster", "error", err)
	}

	m.logger.Info("cluster started",
		"bind", m.config.BindAddr,
		"peers", len(m.config.Peers))

	return nil
}

// Play replicates a play command at offset.
func (m *Manager) Play(offset time.Duration) error {
	return m.submit(Command{Type: CommandPlay, Data: PlayCommand{Offset: offset, IssuedAt: time.Now()}})
}

// Pause replicates a pause command at offset.
func (m *Manager) Pause(offset time.Duration) error {
	return m.submit(Command{Type: CommandPause, Data: PauseCommand{Offset: offset}})
}

// SetSpeed replicates a playback rate change.
func (m *Manager) SetSpeed(speed float64) error {
	if speed <= 0 {
		return fmt.Errorf("invalid speed %v", speed)
	}
	return m.submit(Command{Type: CommandSetSpeed, Data: SetSpeedCommand{Speed: speed, IssuedAt: time.Now()}})
}

// Snapshot returns the local session's view.
func (m *Manager) Snapshot() replay.Snapshot {
	return m.player.Snapshot()
}

// submit appends cmd to the Raft log and waits for it to commit. Only the
// leader accepts commands; followers return raft.ErrNotLeader.
func (m *Manager) submit(cmd Command) error {
	m.mu.RLock()
	if m.shutdown {
		m.mu.RUnlock()
		return ErrShutdown
	}
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return ErrNotStarted
	}

	data, err := EncodeCommand(cmd)
	if err != nil {
		return err
	}

	future := r.Apply(data, m.config.ApplyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("apply command: %w", err)
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return fmt.Errorf("apply command: %w", err)
	}

	return nil
}

// GetState returns the last agreed command state.
func (m *Manager) GetState() ClusterState {
	return m.fsm.GetState()
}

// IsLeader returns true if this node is the Raft leader.
func (m *Manager) IsLeader() bool {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return false
	}

	return r.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader.
func (m *Manager) LeaderAddr() string {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return ""
	}

	leaderAddr, _ := r.LeaderWithID()
	return string(leaderAddr)
}

// State returns the current Raft state.
func (m *Manager) State() string {
	m.mu.RLock()
	r := m.raft
	m.mu.RUnlock()

	if r == nil {
		return "NotStarted"
	}
	return r.State().String()
}

// Peers returns the list of peer addresses.
func (m *Manager) Peers() []string {
	return m.config.Peers
}

// NodeID returns this node's Raft ID.
func (m *Manager) NodeID() string {
	return m.config.RaftID
}

// Shutdown gracefully shuts down the Raft node.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return nil
	}

	m.shutdown = true

	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			m.logger.Error("failed to shutdown raft", "error", err)
			return fmt.Errorf("shutdown raft: %w", err)
		}
	}

	if m.transport != nil {
		if err := m.transport.Close(); err != nil {
			m.logger.Error("failed to close transport", "error", err)
			return fmt.Errorf("close transport: %w", err)
		}
	}

	m.logger.Info("cluster shut down")
	return nil
}

// WaitForLeader blocks until a leader is elected or context is canceled.
func (m *Manager) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if m.LeaderAddr() != "" {
				return nil
			}
		}
	}
}
