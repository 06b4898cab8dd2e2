package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/agleyzer/clipreplay/internal/metrics"
	"github.com/agleyzer/clipreplay/internal/replay"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var (
	errNegativeOffset = errors.New("offset must not be negative")
	errInvalidSpeed   = errors.New("speed must be positive")
	errUnknownAction  = errors.New("unknown action")
)

// wsCommand is a control message from a client.
type wsCommand struct {
	Action   string  `json:"action"`
	OffsetMs *int64  `json:"offset_ms,omitempty"`
	Speed    float64 `json:"speed,omitempty"`
}

// wsMessage is pushed to clients.
type wsMessage struct {
	Type  string           `json:"type"`
	Data  *replay.Snapshot `json:"data,omitempty"`
	Error string           `json:"error,omitempty"`
}

type wsSession struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	limiter *rate.Limiter
}

func (ws *wsSession) send(msg wsMessage) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return ws.conn.WriteJSON(msg)
}

// handleWebSocket accepts play, pause, seek and speed commands and pushes
// the session state after every command and on a fixed interval.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	metrics.WSClients.Inc()
	defer metrics.WSClients.Dec()

	session := &wsSession{
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(s.commandRate), s.commandBurst),
	}
	s.logger.Debug("websocket client connected", "remote", r.RemoteAddr)

	done := make(chan struct{})
	defer close(done)
	go s.pushState(session, done)

	if err := s.sendState(session); err != nil {
		return
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		if !session.limiter.Allow() {
			session.send(wsMessage{Type: "error", Error: "rate limited"})
			continue
		}

		var cmd wsCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			session.send(wsMessage{Type: "error", Error: "invalid JSON"})
			continue
		}

		if err := s.applyCommand(cmd); err != nil {
			session.send(wsMessage{Type: "error", Error: err.Error()})
			continue
		}
		if err := s.sendState(session); err != nil {
			break
		}
	}

	s.logger.Debug("websocket client disconnected", "remote", r.RemoteAddr)
}

func (s *Server) applyCommand(cmd wsCommand) error {
	snap := s.backend.Snapshot()
	offset := snap.CurrentTime()
	if cmd.OffsetMs != nil {
		if *cmd.OffsetMs < 0 {
			return errNegativeOffset
		}
		offset = time.Duration(*cmd.OffsetMs) * time.Millisecond
	}

	s.logger.Debug("websocket command", "action", cmd.Action, "offset", offset, "speed", cmd.Speed)

	switch cmd.Action {
	case "play":
		return s.backend.Play(offset)
	case "pause":
		return s.backend.Pause(offset)
	case "seek":
		// seek keeps the current play/pause state
		if snap.State == replay.StatePlaying {
			return s.backend.Play(offset)
		}
		return s.backend.Pause(offset)
	case "speed":
		if cmd.Speed <= 0 {
			return errInvalidSpeed
		}
		return s.backend.SetSpeed(cmd.Speed)
	default:
		return errUnknownAction
	}
}

func (s *Server) sendState(session *wsSession) error {
	snap := s.backend.Snapshot()
	return session.send(wsMessage{Type: "state", Data: &snap})
}

func (s *Server) pushState(session *wsSession, done <-chan struct{}) {
	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.sendState(session); err != nil {
				return
			}
		}
	}
}
