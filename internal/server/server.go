// Package server exposes a replay session over HTTP and websockets.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agleyzer/clipreplay/internal/media"
	"github.com/agleyzer/clipreplay/internal/metrics"
	"github.com/agleyzer/clipreplay/internal/playlist"
)

// Server serves playback control, session state and the stitched playlist.
type Server struct {
	backend    Backend
	playlist   *playlist.Generator
	port       int
	logger     *slog.Logger
	httpServer *http.Server

	// websocket tuning
	pushInterval time.Duration
	commandRate  float64
	commandBurst int
}

// New creates a new HTTP server
func New(backend Backend, gen *playlist.Generator, port int, logger *slog.Logger) *Server {
	return &Server{
		backend:      backend,
		playlist:     gen,
		port:         port,
		logger:       logger,
		pushInterval: time.Second,
		commandRate:  20,
		commandBurst: 10,
	}
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /playlist.m3u8", s.handlePlaylist)
	mux.HandleFunc("GET /live.m3u8", s.handleLivePlaylist)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /state", s.handleState)
	mux.HandleFunc("GET /timeline", s.handleTimeline)
	mux.HandleFunc("POST /play", s.handlePlay)
	mux.HandleFunc("POST /pause", s.handlePause)
	mux.HandleFunc("POST /speed", s.handleSpeed)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.Handle("GET /metrics", promhttp.Handler())

	return s.loggingMiddleware(mux)
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Handler(),
	}

	// Start server in a goroutine
	go func() {
		s.logger.Info("starting HTTP server", "port", s.port)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	// Wait for context cancellation
	<-ctx.Done()

	// Graceful shutdown
	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.httpServer.Shutdown(shutdownCtx)
}

// handlePlaylist serves the whole session as a VOD playlist
func (s *Server) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	writePlaylist(w, s.playlist.Generate())
}

// handleLivePlaylist serves the preload window around the current segment
func (s *Server) handleLivePlaylist(w http.ResponseWriter, r *http.Request) {
	center := s.backend.Snapshot().CurrentIndex
	if center < 0 {
		center = 0
	}

	content, err := s.playlist.GenerateWindow(center, media.DefaultWindow)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writePlaylist(w, content)
}

func writePlaylist(w http.ResponseWriter, content string) {
	// Set HLS-specific headers
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(content))
}

// handleHealth serves health check information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"session": s.backend.Snapshot(),
		"stats":   s.playlist.GetStats(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Snapshot())
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	type gapJSON struct {
		After   int   `json:"after"`
		StartMs int64 `json:"start_ms"`
		EndMs   int64 `json:"end_ms"`
	}

	gaps := make([]gapJSON, 0)
	for _, g := range s.playlist.Gaps() {
		gaps = append(gaps, gapJSON{After: g.After, StartMs: g.Start.Milliseconds(), EndMs: g.End.Milliseconds()})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_ms": s.backend.Snapshot().TotalMs,
		"gaps":     gaps,
	})
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	offset, err := s.offsetParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.backend.Play(offset); err != nil {
		s.logger.Error("play command failed", "offset", offset, "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"action": "play", "offset_ms": offset.Milliseconds()})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	offset, err := s.offsetParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.backend.Pause(offset); err != nil {
		s.logger.Error("pause command failed", "offset", offset, "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"action": "pause", "offset_ms": offset.Milliseconds()})
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	speed, err := strconv.ParseFloat(r.URL.Query().Get("value"), 64)
	if err != nil || speed <= 0 {
		writeError(w, http.StatusBadRequest, "value must be a positive number")
		return
	}
	if err := s.backend.SetSpeed(speed); err != nil {
		s.logger.Error("speed command failed", "speed", speed, "error", err)
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"action": "speed", "speed": speed})
}

// offsetParam reads ?offset= as a Go duration ("6.5s") or as milliseconds.
// A missing offset means the current session time.
func (s *Server) offsetParam(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("offset")
	if raw == "" {
		return s.backend.Snapshot().CurrentTime(), nil
	}
	return parseOffset(raw)
}

func parseOffset(raw string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if ms < 0 {
			return 0, errNegativeOffset
		}
		return time.Duration(ms) * time.Millisecond, nil
	}

	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q", raw)
	}
	if d < 0 {
		return 0, errNegativeOffset
	}
	return d, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// loggingMiddleware logs HTTP requests and records request metrics
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap the response writer to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)
		route := normalizeRoute(r.URL.Path)
		metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(wrapped.statusCode)).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration.Seconds())

		s.logger.Info("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", wrapped.statusCode,
			"duration", duration,
		)
	})
}

// knownRoutes are the paths served by Handler.
var knownRoutes = map[string]bool{
	"/playlist.m3u8": true,
	"/live.m3u8":     true,
	"/health":        true,
	"/state":         true,
	"/timeline":      true,
	"/play":          true,
	"/pause":         true,
	"/speed":         true,
	"/ws":            true,
	"/metrics":       true,
}

// normalizeRoute maps a request path to a bounded metrics label.
func normalizeRoute(path string) string {
	if knownRoutes[path] {
		return path
	}
	return "other"
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
