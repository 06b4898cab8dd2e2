// Package integration runs the clipreplay binary end to end.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/grafov/m3u8"
)

// TestHarness serves source playlists and manages clipreplay processes.
type TestHarness struct {
	t          *testing.T
	httpServer *http.Server
	httpPort   int
	tempDir    string
	binary     string
	instances  []*Instance
}

// Instance is one running clipreplay process.
type Instance struct {
	ID       string
	HTTPPort int
	Cmd      *exec.Cmd
	Cancel   context.CancelFunc
}

// State mirrors the JSON served by /state.
type State struct {
	SessionID     string  `json:"session_id"`
	State         string  `json:"state"`
	CurrentTimeMs int64   `json:"current_time_ms"`
	TotalMs       int64   `json:"total_ms"`
	CurrentIndex  int     `json:"current_index"`
	SegmentID     string  `json:"segment_id"`
	Speed         float64 `json:"speed"`
	Handles       int     `json:"handles"`
}

// NewTestHarness creates a new test harness. The test is skipped when the
// clipreplay binary has not been built.
func NewTestHarness(t *testing.T) *TestHarness {
	t.Helper()

	h := &TestHarness{
		t:        t,
		httpPort: findAvailablePort(t),
		tempDir:  t.TempDir(),
	}
	h.binary = h.findBinary()
	return h
}

// StartHTTPServer serves every file written with AddFile.
func (h *TestHarness) StartHTTPServer() {
	h.t.Helper()

	mux := http.NewServeMux()
	mux.Handle("/", http.FileServer(http.Dir(h.tempDir)))

	h.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", h.httpPort),
		Handler: mux,
	}

	go func() {
		if err := h.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.t.Logf("HTTP server error: %v", err)
		}
	}()

	waitForServer(h.t, fmt.Sprintf("http://localhost:%d", h.httpPort), 5*time.Second)
	h.t.Logf("HTTP server started on port %d", h.httpPort)
}

// AddFile writes content into the served directory and returns its local
// path and its URL.
func (h *TestHarness) AddFile(name, content string) (string, string) {
	h.t.Helper()

	path := filepath.Join(h.tempDir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		h.t.Fatalf("failed to write %s: %v", name, err)
	}
	return path, fmt.Sprintf("http://localhost:%d/%s", h.httpPort, name)
}

// Start runs clipreplay against source with extra flags and waits until it
// answers health checks.
func (h *TestHarness) Start(id, source string, args ...string) *Instance {
	h.t.Helper()

	port := findAvailablePort(h.t)
	ctx, cancel := context.WithCancel(context.Background())

	full := append([]string{"--port", strconv.Itoa(port)}, args...)
	full = append(full, source)
	cmd := exec.CommandContext(ctx, h.binary, full...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		cancel()
		h.t.Fatalf("failed to start clipreplay %s: %v", id, err)
	}

	inst := &Instance{ID: id, HTTPPort: port, Cmd: cmd, Cancel: cancel}
	h.instances = append(h.instances, inst)
	return inst
}

// WaitReady blocks until every instance answers /health.
func (h *TestHarness) WaitReady(timeout time.Duration) {
	h.t.Helper()
	for _, inst := range h.instances {
		waitForServer(h.t, inst.URL("/health"), timeout)
	}
}

// URL returns the address of path on the instance.
func (i *Instance) URL(path string) string {
	return fmt.Sprintf("http://localhost:%d%s", i.HTTPPort, path)
}

// Get fetches path from the instance and returns the body.
func (h *TestHarness) Get(inst *Instance, path string) string {
	h.t.Helper()

	resp, err := http.Get(inst.URL(path))
	if err != nil {
		h.t.Fatalf("failed to fetch %s: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		h.t.Fatalf("unexpected status code for %s: %d", path, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(body)
}

// Post sends a command and returns the status code.
func (h *TestHarness) Post(inst *Instance, path string) int {
	h.t.Helper()

	resp, err := http.Post(inst.URL(path), "application/json", nil)
	if err != nil {
		h.t.Fatalf("failed to post %s: %v", path, err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

// FetchState decodes the instance's /state.
func (h *TestHarness) FetchState(inst *Instance) State {
	h.t.Helper()

	var s State
	if err := json.Unmarshal([]byte(h.Get(inst, "/state")), &s); err != nil {
		h.t.Fatalf("failed to decode state: %v", err)
	}
	return s
}

// FetchPlaylist decodes the instance's stitched VOD playlist.
func (h *TestHarness) FetchPlaylist(inst *Instance) *m3u8.MediaPlaylist {
	h.t.Helper()

	content := h.Get(inst, "/playlist.m3u8")
	p, listType, err := m3u8.DecodeFrom(strings.NewReader(content), true)
	if err != nil || listType != m3u8.MEDIA {
		h.t.Fatalf("served playlist is not a media playlist: %v\n%s", err, content)
	}
	return p.(*m3u8.MediaPlaylist)
}

// WaitForCondition polls until a condition is met or timeout occurs.
func (h *TestHarness) WaitForCondition(condition func() bool, timeout time.Duration, description string) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for !condition() {
		if time.Now().After(deadline) {
			h.t.Fatalf("timeout waiting for condition: %s", description)
		}
		<-ticker.C
	}
}

// Cleanup stops all running processes and the source server.
func (h *TestHarness) Cleanup() {
	h.t.Helper()

	for _, inst := range h.instances {
		inst.Cancel()
		if inst.Cmd.Process != nil {
			inst.Cmd.Process.Kill()
			inst.Cmd.Wait()
		}
	}

	if h.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.httpServer.Shutdown(ctx)
	}
}

// findBinary locates the clipreplay binary.
func (h *TestHarness) findBinary() string {
	h.t.Helper()

	candidates := []string{
		"../../clipreplay", // From test/integration
		"./clipreplay",     // From project root
		"../clipreplay",    // From test directory
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			absPath, _ := filepath.Abs(path)
			h.t.Logf("Found clipreplay binary at: %s", absPath)
			return absPath
		}
	}

	h.t.Skip("clipreplay binary not found. Run 'go build -o clipreplay ./cmd/clipreplay' first")
	return ""
}

// waitForServer waits for a server to become available.
func waitForServer(t *testing.T, url string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}

	t.Fatalf("server at %s did not become available within %v", url, timeout)
}

// findAvailablePort finds an available TCP port.
func findAvailablePort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	defer listener.Close()

	return listener.Addr().(*net.TCPAddr).Port
}

// createTestPlaylist renders a VOD playlist whose segments carry program
// date times, so that gaps between them survive parsing.
func createTestPlaylist(start time.Time, segments []testSegment) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXT-X-PLAYLIST-TYPE:VOD\n")
	for i, s := range segments {
		fmt.Fprintf(&b, "#EXT-X-PROGRAM-DATE-TIME:%s\n", start.Add(s.offset).Format("2006-01-02T15:04:05.000Z07:00"))
		fmt.Fprintf(&b, "#EXTINF:%.3f,\nsegment%03d.ts\n", s.duration.Seconds(), i)
	}
	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

type testSegment struct {
	offset   time.Duration
	duration time.Duration
}
