// Package replay plays a catalog of discontiguous recorded segments as one
// continuous timeline.
//
// A Controller owns a virtual clock and a pool of media handles. The clock
// keeps advancing through gaps between segments and through a trailing gap
// up to the authored duration; handles are shown, seeked and started in
// step with it. Every state change happens on a single owner goroutine,
// started by Start, which consumes events from the public API, from native
// handle events and from clock notifications through one dispatch method.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agleyzer/clipreplay/internal/clock"
	"github.com/agleyzer/clipreplay/internal/media"
	"github.com/agleyzer/clipreplay/internal/metrics"
	"github.com/agleyzer/clipreplay/internal/segment"
)

// ErrStopped is returned by requests made after the controller stopped.
var ErrStopped = errors.New("replay controller stopped")

// endTolerance is how far before its end a handle may report ended and
// still be treated as having played through.
const endTolerance = 50 * time.Millisecond

// Controller is the playback state machine of one replay session.
type Controller struct {
	opts    Options
	id      string
	catalog *segment.Catalog
	clock   *clock.Clock
	pool    *media.Pool
	logger  *slog.Logger

	events    chan any
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once

	// mu guards the fields read outside the loop goroutine.
	// Only the loop writes them.
	mu         sync.RWMutex
	state      State
	current    int
	hasCurrent bool
	speed      float64

	// loop-owned
	token   uint64
	pending chan<- error
}

// New builds a controller, its clock and its handle pool. Handles for the
// first preload window are created immediately. Call Start to run it.
func New(opts Options) (*Controller, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid replay options: %w", err)
	}
	opts.setDefaults()

	catalog, err := segment.NewCatalog(opts.Segments)
	if err != nil {
		return nil, fmt.Errorf("build segment catalog: %w", err)
	}
	if opts.Total == 0 {
		opts.Total = catalog.Last().Sub(opts.Start)
	}

	c := &Controller{
		opts:    opts,
		id:      uuid.NewString(),
		catalog: catalog,
		events:  make(chan any, 64),
		done:    make(chan struct{}),
		ctx:     context.Background(),
		state:   StateIdle,
		speed:   opts.Playback.Speed,
	}
	c.logger = opts.Logger.With("session", c.id)

	c.clock = clock.New(clock.Options{
		Total: opts.Total,
		Speed: opts.Playback.Speed,
		Now:   opts.Now,
	})
	c.clock.OnEnd(func() { c.dispatch(clockEndedEvent{}) })

	pool, err := media.NewPool(media.PoolOptions{
		Catalog:    catalog,
		Factory:    opts.Factory,
		URL:        opts.URL,
		Window:     opts.Window,
		MaxHandles: opts.MaxHandles,
		Listener:   c.listenerFor,
		Logger:     c.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create handle pool: %w", err)
	}
	c.pool = pool

	if opts.Playback.SkipInactive {
		c.logger.Warn("skipping inactive periods is not supported, gaps play in real time")
	}

	c.logger.Info("replay session created",
		"segments", catalog.Len(),
		"start", opts.Start,
		"total", opts.Total,
		"speed", opts.Playback.Speed,
	)
	return c, nil
}

// ID returns the session id.
func (c *Controller) ID() string {
	return c.id
}

// Catalog returns the segment catalog the controller plays.
func (c *Controller) Catalog() *segment.Catalog {
	return c.catalog
}

// Total returns the authored session duration.
func (c *Controller) Total() time.Duration {
	return c.opts.Total
}

// Start runs the controller loop until ctx is cancelled or Stop is called.
func (c *Controller) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.ctx, c.cancel = context.WithCancel(ctx)
		go c.run(c.ctx)
	})
}

// Stop ends the controller loop and releases every media handle.
// Requests still queued fail with ErrStopped.
func (c *Controller) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		started := true
		c.startOnce.Do(func() {
			started = false
			close(c.done)
		})
		if started {
			c.cancel()
			<-c.done
		} else {
			c.drain()
		}
		err = c.pool.Close()
		c.logger.Info("replay session stopped")
	})
	return err
}

// Play seeks to offset and starts playback. It returns once the segment at
// offset (or, inside a gap, the next segment) has begun playing, or nil
// early when a newer Play or Pause supersedes it.
func (c *Controller) Play(ctx context.Context, offset time.Duration) error {
	return wait(ctx, c.PlayAsync(offset))
}

// PlayAsync is Play without waiting. The returned channel receives exactly
// one value.
func (c *Controller) PlayAsync(offset time.Duration) <-chan error {
	done := make(chan error, 1)
	if err := c.send(playEvent{offset: offset, done: done}); err != nil {
		done <- err
	}
	return done
}

// Pause freezes playback on the frame at offset.
func (c *Controller) Pause(ctx context.Context, offset time.Duration) error {
	return wait(ctx, c.PauseAsync(offset))
}

// PauseAsync is Pause without waiting.
func (c *Controller) PauseAsync(offset time.Duration) <-chan error {
	done := make(chan error, 1)
	if err := c.send(pauseEvent{offset: offset, done: done}); err != nil {
		done <- err
	}
	return done
}

// SetConfig applies a partial playback configuration.
func (c *Controller) SetConfig(ctx context.Context, update PlaybackUpdate) error {
	return wait(ctx, c.SetConfigAsync(update))
}

// SetConfigAsync is SetConfig without waiting.
func (c *Controller) SetConfigAsync(update PlaybackUpdate) <-chan error {
	done := make(chan error, 1)
	if err := c.send(configEvent{update: update, done: done}); err != nil {
		done <- err
	}
	return done
}

// CurrentTime returns the session clock, clamped to [0, Total].
func (c *Controller) CurrentTime() time.Duration {
	return c.clock.Time()
}

// State returns the current playback state.
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// CurrentIndex returns the catalog index of the shown segment. It reports
// false before the first Play or Pause.
func (c *Controller) CurrentIndex() (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current, c.hasCurrent
}

// IsPlaying reports whether the controller is in StatePlaying.
func (c *Controller) IsPlaying() bool {
	return c.State() == StatePlaying
}

// Speed returns the playback speed multiplier.
func (c *Controller) Speed() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.speed
}

// Position returns the playback position of the handle at index.
func (c *Controller) Position(index int) (time.Duration, bool) {
	return c.pool.Position(index)
}

// HandleIndices returns the indices of every live media handle.
func (c *Controller) HandleIndices() []int {
	return c.pool.Indices()
}

// Snapshot returns a consistent view of the session for serialisation.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	snap := Snapshot{
		SessionID:    c.id,
		State:        c.state,
		CurrentIndex: -1,
		Speed:        c.speed,
	}
	if c.hasCurrent {
		snap.CurrentIndex = c.current
	}
	c.mu.RUnlock()

	snap.CurrentTimeMs = c.clock.Time().Milliseconds()
	snap.TotalMs = c.opts.Total.Milliseconds()
	snap.Handles = c.pool.Len()
	if seg, ok := c.catalog.At(snap.CurrentIndex); ok {
		snap.SegmentID = seg.ID
	}
	return snap
}

func wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// send queues ev for the loop.
func (c *Controller) send(ev any) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}

	select {
	case c.events <- ev:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

func (c *Controller) listenerFor(index int, seg segment.Segment) media.Listener {
	return media.Listener{
		OnEnded: func() {
			_ = c.send(segmentEndedEvent{index: index})
		},
		OnLoaded: func(ev media.LoadedEvent) {
			c.logger.Debug("segment media loaded", "index", index, "segment", seg.ID, "duration", ev.Duration)
			if c.opts.OnLoaded != nil {
				c.opts.OnLoaded(ev)
			}
		},
		OnBuffer: func(ev media.BufferEvent) {
			c.logger.Debug("segment buffering", "index", index, "segment", seg.ID, "buffering", ev.Buffering)
			if c.opts.OnBuffer != nil {
				c.opts.OnBuffer(ev)
			}
		},
	}
}

func (c *Controller) run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	c.logger.Debug("replay loop started", "tick", c.opts.TickInterval)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case ev := <-c.events:
			c.dispatch(ev)
		case <-ticker.C:
			c.dispatch(tickEvent{})
		}
	}
}

// shutdown fails every outstanding request. Runs on the loop goroutine.
func (c *Controller) shutdown() {
	c.resolvePending(ErrStopped)
	c.drain()
	close(c.done)
	c.drain()
}

func (c *Controller) drain() {
	for {
		select {
		case ev := <-c.events:
			switch ev := ev.(type) {
			case playEvent:
				ev.done <- ErrStopped
			case pauseEvent:
				ev.done <- ErrStopped
			case configEvent:
				ev.done <- ErrStopped
			}
		default:
			return
		}
	}
}

// dispatch applies one event. It is the only entry point for state changes
// and must run on the loop goroutine.
func (c *Controller) dispatch(ev any) {
	switch ev := ev.(type) {
	case playEvent:
		c.handlePlay(ev)
	case pauseEvent:
		c.handlePause(ev)
	case configEvent:
		ev.done <- c.handleConfig(ev.update)
	case tickEvent:
		c.clock.Tick()
	case segmentEndedEvent:
		c.handleSegmentEnded(ev)
	case playbackStartedEvent:
		c.handlePlaybackStarted(ev)
	case gapElapsedEvent:
		c.handleGapElapsed(ev)
	case clockEndedEvent:
		c.handleClockEnded()
	default:
		c.logger.Warn("unknown replay event", "type", fmt.Sprintf("%T", ev))
	}
}

func (c *Controller) handlePlay(ev playEvent) {
	c.supersede()

	c.clock.Start(ev.offset)
	ts := c.opts.Start.Add(ev.offset)
	loc := c.catalog.Locate(ts)

	c.logger.Debug("play requested",
		"offset", ev.offset,
		"exact", loc.HasExact,
		"previous", loc.Previous,
		"in_gap", loc.InGap(),
	)

	if loc.HasExact {
		seg, _ := c.catalog.At(loc.Exact)
		c.transitionTo(StatePlaying)
		c.startSegment(loc.Exact, ts.Sub(seg.Timestamp), ev.done)
		return
	}

	next := loc.Next()
	if c.catalog.InRange(next) {
		// leading gap shows the first frame of segment 0
		hold, at := next, time.Duration(0)
		if loc.HasPrevious {
			prev, _ := c.catalog.At(loc.Previous)
			hold, at = loc.Previous, prev.Duration
		}
		c.hold(hold, at)
		c.transitionTo(StatePlaying)
		c.pending = ev.done
		c.waitForGap(next)
		return
	}

	// past the last segment: pin its final frame and let the clock run out
	last := c.catalog.Len() - 1
	seg, _ := c.catalog.At(last)
	c.hold(last, seg.Duration)
	c.transitionTo(StatePlaying)
	ev.done <- nil
}

func (c *Controller) handlePause(ev pauseEvent) {
	c.supersede()

	c.clock.Stop(ev.offset)
	ts := c.opts.Start.Add(ev.offset)
	loc := c.catalog.Locate(ts)

	switch {
	case loc.HasExact:
		seg, _ := c.catalog.At(loc.Exact)
		c.hold(loc.Exact, ts.Sub(seg.Timestamp))
	case loc.HasPrevious:
		// mid-gap holds the previous segment's last frame
		seg, _ := c.catalog.At(loc.Previous)
		c.hold(loc.Previous, seg.Duration)
	default:
		c.hold(0, 0)
	}

	c.transitionTo(StatePaused)
	c.logger.Debug("paused", "offset", ev.offset, "index", c.current)
	ev.done <- nil
}

func (c *Controller) handleConfig(update PlaybackUpdate) error {
	if update.SkipInactive != nil && *update.SkipInactive {
		c.logger.Warn("skipping inactive periods is not supported, ignoring")
	}
	if update.Speed == nil {
		return nil
	}

	speed := *update.Speed
	if speed <= 0 {
		return fmt.Errorf("speed must be positive, got %v", speed)
	}

	c.clock.SetSpeed(speed)
	c.mu.Lock()
	c.speed = speed
	c.mu.Unlock()
	if idx, ok := c.pool.Visible(); ok {
		c.pool.SetRate(idx, speed)
	}

	c.logger.Info("playback speed changed", "speed", speed)
	return nil
}

func (c *Controller) handleSegmentEnded(ev segmentEndedEvent) {
	if c.state != StatePlaying || !c.hasCurrent || ev.index != c.current {
		c.discard("segment ended", ev.index)
		return
	}
	seg, _ := c.catalog.At(ev.index)
	if pos, ok := c.pool.Position(ev.index); ok && pos < seg.Duration-endTolerance {
		// ended before a later seek on the same handle
		c.discard("segment ended", ev.index)
		return
	}

	c.token++
	// an ended segment has begun playing, even if its start event is
	// still queued behind this one
	c.resolvePending(nil)

	next := ev.index + 1
	if nextSeg, ok := c.catalog.At(next); ok {
		if nextSeg.Timestamp.Sub(c.opts.Start) > c.clock.Time() {
			c.hold(ev.index, seg.Duration)
			c.waitForGap(next)
			return
		}
		c.advance(next)
		return
	}

	if c.clock.Time() >= c.opts.Total {
		c.finish()
		return
	}
	// trailing gap, the clock end finishes the session
	c.hold(ev.index, seg.Duration)
}

func (c *Controller) handlePlaybackStarted(ev playbackStartedEvent) {
	if ev.token != c.token {
		c.discard("playback start", ev.index)
		if c.state != StatePlaying || !c.hasCurrent || ev.index != c.current {
			c.pool.Pause(ev.index)
		}
		return
	}

	if ev.err != nil {
		metrics.HandleFailuresTotal.Inc()
		c.logger.Error("failed to start segment playback", "index", ev.index, "error", ev.err)
		c.resolvePending(fmt.Errorf("start segment %d: %w", ev.index, ev.err))
		return
	}

	c.logger.Debug("segment playback started", "index", ev.index)
	c.resolvePending(nil)
}

func (c *Controller) handleGapElapsed(ev gapElapsedEvent) {
	if ev.token != c.token || c.state != StatePlaying {
		c.discard("gap elapsed", ev.next)
		return
	}
	c.token++
	c.advance(ev.next)
}

func (c *Controller) handleClockEnded() {
	if c.state != StatePlaying {
		return
	}
	c.finish()
}

// supersede invalidates every in-flight continuation and releases the
// caller of a pending Play.
func (c *Controller) supersede() {
	c.token++
	c.resolvePending(nil)
	c.clock.ClearNotifications()
	if idx, ok := c.pool.Visible(); ok {
		c.pool.Pause(idx)
	}
}

func (c *Controller) resolvePending(err error) {
	if c.pending != nil {
		c.pending <- err
		c.pending = nil
	}
}

func (c *Controller) discard(what string, index int) {
	metrics.StaleContinuationsTotal.Inc()
	c.logger.Debug("discarded stale continuation", "event", what, "index", index)
}

// advance moves visible playback to index at its first frame.
func (c *Controller) advance(index int) {
	metrics.SegmentTransitionsTotal.Inc()
	c.logger.Debug("advancing to segment", "index", index)
	c.startSegment(index, 0, nil)
}

// startSegment shows the handle at index seeked to offset and starts it on
// a separate goroutine. done, if set, is resolved when playback begins.
func (c *Controller) startSegment(index int, offset time.Duration, done chan<- error) {
	if done != nil {
		c.pending = done
	}

	if c.pool.GetOrCreate(index) == nil {
		c.setCurrent(index)
		c.resolvePending(fmt.Errorf("no media handle for segment %d", index))
		return
	}
	c.pool.SetPosition(index, offset)
	c.pool.SetRate(index, c.speed)
	c.pool.Show(index)
	c.setCurrent(index)

	token := c.token
	ctx := c.ctx
	go func() {
		err := c.pool.StartPlayback(ctx, index)
		_ = c.send(playbackStartedEvent{token: token, index: index, err: err})
	}()
}

// hold shows the handle at index paused at offset.
func (c *Controller) hold(index int, offset time.Duration) {
	c.setCurrent(index)
	if c.pool.GetOrCreate(index) == nil {
		return
	}
	c.pool.Pause(index)
	c.pool.SetPosition(index, offset)
	c.pool.Show(index)
}

// waitForGap schedules the move to next once the clock reaches its start.
func (c *Controller) waitForGap(next int) {
	seg, _ := c.catalog.At(next)
	at := seg.Timestamp.Sub(c.opts.Start)
	token := c.token

	c.logger.Debug("holding frame through gap", "next", next, "resume_at", at)
	c.clock.AddNotificationAtTime(at, func() {
		c.dispatch(gapElapsedEvent{token: token, next: next})
	})
}

func (c *Controller) finish() {
	c.token++
	c.resolvePending(nil)
	c.clock.ClearNotifications()
	c.clock.Stop(c.clock.Time())
	if idx, ok := c.pool.Visible(); ok {
		c.pool.Pause(idx)
	}

	c.transitionTo(StateFinished)
	if c.opts.OnFinished != nil {
		go c.opts.OnFinished()
	}
}

func (c *Controller) setCurrent(index int) {
	c.mu.Lock()
	c.current = index
	c.hasCurrent = true
	c.mu.Unlock()
}

func (c *Controller) transitionTo(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()

	if from == to {
		return
	}
	metrics.StateTransitionsTotal.WithLabelValues(from.String(), to.String()).Inc()
	c.logger.Info("playback state transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Duration("at", c.clock.Time()),
	)
	if c.opts.OnStateChange != nil {
		go c.opts.OnStateChange(from, to)
	}
}
