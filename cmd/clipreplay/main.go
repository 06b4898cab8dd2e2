// The clipreplay command replays a segmented recording on a single timeline
// and exposes playback control over HTTP and websockets.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/agleyzer/clipreplay/internal/cluster"
	"github.com/agleyzer/clipreplay/internal/media"
	"github.com/agleyzer/clipreplay/internal/metrics"
	"github.com/agleyzer/clipreplay/internal/parser"
	"github.com/agleyzer/clipreplay/internal/playlist"
	"github.com/agleyzer/clipreplay/internal/replay"
	"github.com/agleyzer/clipreplay/internal/segment"
	"github.com/agleyzer/clipreplay/internal/server"
)

const (
	version = "1.0.0"
)

// options are the parsed command-line settings.
type options struct {
	source      string
	port        int
	total       time.Duration
	speed       float64
	window      int
	maxHandles  int
	urlTemplate string
	autoplay    bool
	verbose     bool
	raftID      string
	raftBind    string
	peers       []string
}

func main() {
	var (
		port        = flag.Int("port", 8080, "HTTP server port")
		verbose     = flag.Bool("verbose", false, "Enable verbose logging")
		showVersion = flag.Bool("version", false, "Show version and exit")
		total       = flag.Duration("total", 0, "Authored session duration (e.g., '90s'). Defaults to the end of the last segment")
		speed       = flag.Float64("speed", 1.0, "Initial playback rate")
		window      = flag.Int("window", media.DefaultWindow, "Number of segments preloaded on each side of the current one")
		maxHandles  = flag.Int("max-handles", 0, "Maximum live media handles (0 disables eviction)")
		urlTemplate = flag.String("url-template", "", "Segment URL template with an {id} placeholder. Segment ids are used as URLs if not set")
		autoplay    = flag.Bool("autoplay", false, "Start playback from offset zero once ready")
		raftID      = flag.String("raft-id", "", "Raft node ID (enables cluster mode together with --raft-bind)")
		raftBind    = flag.String("raft-bind", "", "Raft bind address (host:port)")
		peers       = flag.String("peers", "", "Comma-separated Raft peer addresses, including this node")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "ClipReplay - segmented recording replay v%s\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <playlist-url|manifest.json>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Arguments:\n")
		fmt.Fprintf(os.Stderr, "  <playlist-url>    URL of an HLS playlist (media or master)\n")
		fmt.Fprintf(os.Stderr, "  <manifest.json>   Path to a JSON segment manifest\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s https://example.com/recording.m3u8\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --total 2m --autoplay session.json\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --raft-id n1 --raft-bind 127.0.0.1:7001 --peers 127.0.0.1:7001,127.0.0.1:7002 session.json\n", os.Args[0])
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("ClipReplay v%s\n", version)
		os.Exit(0)
	}

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "Error: playlist URL or manifest path is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	opts := options{
		source:      flag.Arg(0),
		port:        *port,
		total:       *total,
		speed:       *speed,
		window:      *window,
		maxHandles:  *maxHandles,
		urlTemplate: *urlTemplate,
		autoplay:    *autoplay,
		verbose:     *verbose,
		raftID:      *raftID,
		raftBind:    *raftBind,
		peers:       splitPeers(*peers),
	}
	if err := opts.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if opts.verbose {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	logger.Info("ClipReplay starting", "version", version)

	metrics.Register(prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, opts, logger); err != nil {
		logger.Error("application error", "error", err)
		os.Exit(1)
	}

	logger.Info("ClipReplay stopped")
}

func (o options) validate() error {
	if o.port < 1 || o.port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if o.speed <= 0 {
		return fmt.Errorf("speed must be positive, got %v", o.speed)
	}
	if o.window < 1 {
		return fmt.Errorf("window must be at least 1")
	}
	if o.maxHandles < 0 {
		return fmt.Errorf("max-handles must not be negative")
	}
	if o.maxHandles > 0 && o.maxHandles < 2*o.window+2 {
		return fmt.Errorf("max-handles must be 0 or at least %d for window %d", 2*o.window+2, o.window)
	}
	if o.total < 0 {
		return fmt.Errorf("total must not be negative")
	}
	if o.clustered() && (o.raftID == "" || o.raftBind == "") {
		return fmt.Errorf("--raft-id and --raft-bind must be set together")
	}
	return nil
}

func (o options) clustered() bool {
	return o.raftID != "" || o.raftBind != ""
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	manifest, err := loadManifest(ctx, opts.source, logger)
	if err != nil {
		return err
	}

	total := manifest.Total
	if opts.total > 0 {
		total = opts.total
	}
	if total == 0 {
		total = manifest.End().Sub(manifest.Start)
	}

	segments := segmentsWithin(manifest.Segments, manifest.Start, total)
	if len(segments) < len(manifest.Segments) {
		logger.Info("dropped segments past the session end",
			"originalSegments", len(manifest.Segments),
			"includedSegments", len(segments),
			"total", total,
		)
	}

	url := func(id string) string { return id }
	if opts.urlTemplate != "" {
		url = media.TemplateURL(opts.urlTemplate)
	}

	controller, err := replay.New(replay.Options{
		Segments:   segments,
		Factory:    media.SimulatedFactory{},
		Start:      manifest.Start,
		Total:      total,
		URL:        url,
		Playback:   replay.PlaybackConfig{Speed: opts.speed},
		Window:     opts.window,
		MaxHandles: opts.maxHandles,
		OnFinished: func() { logger.Info("playback finished") },
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create replay session: %w", err)
	}

	gen, err := playlist.New(controller.Catalog(), manifest.Start, controller.Total(), url, logger)
	if err != nil {
		return fmt.Errorf("failed to create playlist generator: %w", err)
	}

	controller.Start(ctx)
	defer controller.Stop()

	backend, leader, shutdown, err := newBackend(ctx, opts, controller, logger)
	if err != nil {
		return err
	}
	defer shutdown()

	if opts.autoplay && leader {
		if err := backend.Play(0); err != nil {
			return fmt.Errorf("autoplay: %w", err)
		}
	}

	srv := server.New(backend, gen, opts.port, logger)

	logger.Info("replay session ready",
		"session", controller.ID(),
		"segments", controller.Catalog().Len(),
		"total", controller.Total(),
		"control", fmt.Sprintf("http://localhost:%d/state", opts.port),
		"playlist", fmt.Sprintf("http://localhost:%d/playlist.m3u8", opts.port),
	)

	// Start server (blocks until shutdown)
	return srv.Start(ctx)
}

// newBackend returns the command backend for the session: the controller
// itself, or a Raft node replicating commands to it. leader reports
// whether this process may issue the autoplay command.
func newBackend(ctx context.Context, opts options, controller *replay.Controller, logger *slog.Logger) (server.Backend, bool, func(), error) {
	if !opts.clustered() {
		return server.Local(controller), true, func() {}, nil
	}

	peers := opts.peers
	if len(peers) == 0 {
		peers = []string{opts.raftBind}
	}

	manager, err := cluster.NewManager(cluster.Config{
		RaftID:   opts.raftID,
		BindAddr: opts.raftBind,
		Peers:    peers,
		Verbose:  opts.verbose,
	}, controller, logger)
	if err != nil {
		return nil, false, nil, fmt.Errorf("failed to create cluster manager: %w", err)
	}
	if err := manager.Start(ctx); err != nil {
		return nil, false, nil, fmt.Errorf("failed to start cluster: %w", err)
	}

	shutdown := func() {
		if err := manager.Shutdown(); err != nil {
			logger.Error("cluster shutdown failed", "error", err)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := manager.WaitForLeader(waitCtx); err != nil {
		shutdown()
		return nil, false, nil, fmt.Errorf("waiting for cluster leader: %w", err)
	}
	logger.Info("cluster ready", "leader", manager.LeaderAddr(), "is_leader", manager.IsLeader())

	return manager, manager.IsLeader(), shutdown, nil
}

// loadManifest reads a JSON manifest from disk, or fetches an HLS playlist
// when source is a URL.
func loadManifest(ctx context.Context, source string, logger *slog.Logger) (*parser.Manifest, error) {
	if isURL(source) {
		logger.Info("fetching source playlist", "url", source)
		m, err := parser.ParsePlaylist(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("failed to parse playlist: %w", err)
		}
		logger.Info("parsed playlist", "segments", len(m.Segments), "start", m.Start)
		return m, nil
	}

	logger.Info("loading manifest", "path", source)
	m, err := parser.LoadManifest(source)
	if err != nil {
		return nil, fmt.Errorf("failed to load manifest: %w", err)
	}
	logger.Info("loaded manifest", "segments", len(m.Segments), "start", m.Start)
	return m, nil
}

func isURL(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

func splitPeers(raw string) []string {
	var peers []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

// segmentsWithin drops segments that start at or after the session end,
// since the clock can never reach them. At least one segment is kept.
func segmentsWithin(segments []segment.Segment, start time.Time, total time.Duration) []segment.Segment {
	if len(segments) == 0 || total <= 0 {
		return segments
	}

	end := start.Add(total)
	earliest := segments[0]
	var result []segment.Segment
	for _, seg := range segments {
		if seg.Timestamp.Before(end) {
			result = append(result, seg)
		}
		if seg.Timestamp.Before(earliest.Timestamp) {
			earliest = seg
		}
	}
	if len(result) == 0 {
		return []segment.Segment{earliest}
	}
	return result
}
