package replay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agleyzer/clipreplay/internal/media"
	"github.com/agleyzer/clipreplay/internal/segment"
)

const (
	waitFor = 2 * time.Second
	pollAt  = time.Millisecond
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeNow struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeNow) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeNow) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

type fakeHandle struct {
	mu       sync.Mutex
	spec     media.HandleSpec
	visible  bool
	playing  bool
	plays    int
	position float64
	rate     float64
	gate     chan struct{}
	playErr  error
}

func (h *fakeHandle) Show() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.visible = true
}

func (h *fakeHandle) Hide() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.visible = false
}

func (h *fakeHandle) Visible() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.visible
}

func (h *fakeHandle) Seek(seconds float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.position = seconds
}

func (h *fakeHandle) Position() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.position
}

func (h *fakeHandle) Play(ctx context.Context) error {
	if h.gate != nil {
		select {
		case <-h.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.playErr != nil {
		return h.playErr
	}
	h.playing = true
	h.plays++
	return nil
}

func (h *fakeHandle) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.playing = false
}

func (h *fakeHandle) SetRate(rate float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rate = rate
}

func (h *fakeHandle) Close() error { return nil }

func (h *fakeHandle) isPlaying() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.playing
}

func (h *fakeHandle) playCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.plays
}

func (h *fakeHandle) currentRate() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rate
}

// end plays the handle to its last frame and fires the native ended event.
func (h *fakeHandle) end() {
	h.mu.Lock()
	h.position = h.spec.Segment.Duration.Seconds()
	h.playing = false
	h.mu.Unlock()
	h.spec.Listener.OnEnded()
}

type fakeFactory struct {
	mu      sync.Mutex
	handles map[int]*fakeHandle
	gates   map[int]chan struct{}
	playErr map[int]error
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		handles: make(map[int]*fakeHandle),
		gates:   make(map[int]chan struct{}),
		playErr: make(map[int]error),
	}
}

func (f *fakeFactory) NewHandle(spec media.HandleSpec) (media.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := &fakeHandle{
		spec:    spec,
		rate:    1,
		gate:    f.gates[spec.Index],
		playErr: f.playErr[spec.Index],
	}
	f.handles[spec.Index] = h
	return h, nil
}

func (f *fakeFactory) handle(i int) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[i]
}

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func seg(id string, startMs, durMs int64) segment.Segment {
	return segment.Segment{
		ID:        id,
		Timestamp: base.Add(time.Duration(startMs) * time.Millisecond),
		Duration:  time.Duration(durMs) * time.Millisecond,
	}
}

// scenarioSegments leaves gaps at 15001-20000 and 25000-30000.
func scenarioSegments() []segment.Segment {
	return []segment.Segment{
		seg("s0", 0, 5000),
		seg("s1", 5000, 5000),
		seg("s2", 10001, 5000),
		seg("s3", 20000, 5000),
		seg("s4", 30000, 5000),
		seg("s5", 35002, 5000),
	}
}

type harness struct {
	c       *Controller
	now     *fakeNow
	factory *fakeFactory
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	h := &harness{
		now:     &fakeNow{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
		factory: newFakeFactory(),
	}
	if opts.Segments == nil {
		opts.Segments = scenarioSegments()
	}
	if opts.Factory == nil {
		opts.Factory = h.factory
	}
	opts.Start = base
	opts.TickInterval = time.Millisecond
	opts.Now = h.now.Now
	opts.Logger = createTestLogger()

	c, err := New(opts)
	require.NoError(t, err)
	c.Start(context.Background())
	t.Cleanup(func() { _ = c.Stop() })

	h.c = c
	return h
}

func (h *harness) requireIndex(t *testing.T, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		idx, ok := h.c.CurrentIndex()
		return ok && idx == want
	}, waitFor, pollAt, "current index never became %d", want)
}

func (h *harness) requireState(t *testing.T, want State) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.c.State() == want
	}, waitFor, pollAt, "state never became %s", want)
}

func ms(n int64) time.Duration {
	return time.Duration(n) * time.Millisecond
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"no segments", Options{Factory: newFakeFactory()}},
		{"no factory", Options{Segments: scenarioSegments()}},
		{"negative total", Options{Segments: scenarioSegments(), Factory: newFakeFactory(), Total: -time.Second}},
		{"negative speed", Options{Segments: scenarioSegments(), Factory: newFakeFactory(), Playback: PlaybackConfig{Speed: -1}}},
		{"overlap", Options{
			Segments: []segment.Segment{seg("a", 0, 5000), seg("b", 4000, 5000)},
			Factory:  newFakeFactory(),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Logger = createTestLogger()
			_, err := New(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Options{
		Segments: scenarioSegments(),
		Factory:  newFakeFactory(),
		Logger:   createTestLogger(),
	})
	require.NoError(t, err)
	defer c.Stop()

	assert.Equal(t, ms(40002), c.Total(), "total defaults to the end of the last segment")
	assert.Equal(t, StateIdle, c.State())
	assert.Equal(t, 1.0, c.Speed())
	assert.NotEmpty(t, c.ID())

	_, ok := c.CurrentIndex()
	assert.False(t, ok, "no current index before the first play")
}

func TestController_PreloadsFirstWindow(t *testing.T) {
	h := newHarness(t, Options{Total: ms(40000)})

	assert.Equal(t, []int{0, 1, 2}, h.c.HandleIndices())
}

func TestController_PlayInsideSegment(t *testing.T) {
	h := newHarness(t, Options{Total: ms(40000)})

	require.NoError(t, h.c.Play(context.Background(), ms(6500)))

	idx, ok := h.c.CurrentIndex()
	require.True(t, ok)
	assert.Equal(t, 1, idx)

	pos, ok := h.c.Position(1)
	require.True(t, ok)
	assert.Equal(t, ms(1500), pos)

	assert.True(t, h.c.IsPlaying())
	assert.True(t, h.factory.handle(1).Visible())
	assert.True(t, h.factory.handle(1).isPlaying())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, h.c.HandleIndices())
}

func TestController_PlayInGapWaitsForNextSegment(t *testing.T) {
	h := newHarness(t, Options{Total: ms(40000)})

	done := h.c.PlayAsync(ms(18100))

	// previous segment pinned on its last frame while the gap plays out
	h.requireIndex(t, 2)
	h.requireState(t, StatePlaying)
	pos, _ := h.c.Position(2)
	assert.Equal(t, 5*time.Second, pos)
	assert.True(t, h.factory.handle(2).Visible())
	assert.False(t, h.factory.handle(2).isPlaying())

	h.now.Advance(ms(1899))
	time.Sleep(20 * time.Millisecond)
	idx, _ := h.c.CurrentIndex()
	assert.Equal(t, 2, idx, "moved to the next segment before the gap elapsed")
	select {
	case err := <-done:
		t.Fatalf("Play returned before the gap elapsed: %v", err)
	default:
	}

	h.now.Advance(ms(1))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Play did not return after the gap elapsed")
	}

	idx, _ = h.c.CurrentIndex()
	assert.Equal(t, 3, idx)
	pos, _ = h.c.Position(3)
	assert.Equal(t, time.Duration(0), pos)
	assert.GreaterOrEqual(t, h.c.CurrentTime(), ms(20000))
	assert.True(t, h.factory.handle(3).Visible())
	assert.False(t, h.factory.handle(2).Visible())
}

func TestController_PlayBeyondLastSegment(t *testing.T) {
	finished := make(chan struct{}, 1)
	h := newHarness(t, Options{
		Total:      ms(40000),
		OnFinished: func() { finished <- struct{}{} },
	})

	require.NoError(t, h.c.Play(context.Background(), ms(50000)))

	idx, _ := h.c.CurrentIndex()
	assert.Equal(t, 5, idx)
	pos, _ := h.c.Position(5)
	assert.Equal(t, 5*time.Second, pos)
	assert.Equal(t, ms(40000), h.c.CurrentTime())

	h.requireState(t, StateFinished)
	select {
	case <-finished:
	case <-time.After(waitFor):
		t.Fatal("OnFinished not called")
	}
}

func TestController_HandlesGrowMonotonically(t *testing.T) {
	h := newHarness(t, Options{Total: ms(40000)})

	require.NoError(t, h.c.Play(context.Background(), ms(38000)))
	require.NoError(t, h.c.Play(context.Background(), ms(1000)))

	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, h.c.HandleIndices())
}

func TestController_TrailingGapPlaysOutToTotal(t *testing.T) {
	finished := make(chan struct{}, 1)
	h := newHarness(t, Options{
		Segments: []segment.Segment{
			seg("a", 0, 10000),
			seg("b", 10000, 10000),
			seg("c", 20000, 10000),
			seg("d", 30000, 10000),
		},
		Total:      ms(50000),
		OnFinished: func() { finished <- struct{}{} },
	})

	require.NoError(t, h.c.Play(context.Background(), ms(35000)))
	h.now.Advance(5 * time.Second)
	h.factory.handle(3).end()

	// last segment done, the clock keeps going through the trailing gap
	time.Sleep(20 * time.Millisecond)
	assert.True(t, h.c.IsPlaying())
	h.now.Advance(5 * time.Second)
	assert.Equal(t, ms(45000), h.c.CurrentTime())
	idx, _ := h.c.CurrentIndex()
	assert.Equal(t, 3, idx)

	h.now.Advance(20 * time.Second)
	h.requireState(t, StateFinished)
	assert.False(t, h.c.IsPlaying())
	assert.Equal(t, ms(50000), h.c.CurrentTime())

	select {
	case <-finished:
	case <-time.After(waitFor):
		t.Fatal("OnFinished not called")
	}

	// frozen once finished
	h.now.Advance(time.Minute)
	assert.Equal(t, ms(50000), h.c.CurrentTime())
}

func TestController_EndedBeforeStartResolvesPlay(t *testing.T) {
	factory := newFakeFactory()
	gate := make(chan struct{})
	factory.gates[0] = gate
	h := newHarness(t, Options{
		Segments: []segment.Segment{seg("a", 0, 2000)},
		Total:    ms(10000),
		Factory:  factory,
	})
	h.factory = factory

	done := h.c.PlayAsync(ms(1990))
	h.requireIndex(t, 0)

	// the handle reaches its end before its start is reported
	factory.handle(0).end()
	close(gate)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Play still blocked after the segment started and ended")
	}

	// the trailing gap still plays out
	assert.True(t, h.c.IsPlaying())
	h.now.Advance(10 * time.Second)
	h.requireState(t, StateFinished)
}

func TestController_AdvancesAcrossContiguousSegments(t *testing.T) {
	h := newHarness(t, Options{Total: ms(40000)})

	require.NoError(t, h.c.Play(context.Background(), 0))
	h.now.Advance(5 * time.Second)
	h.factory.handle(0).end()

	h.requireIndex(t, 1)
	require.Eventually(t, func() bool {
		return h.factory.handle(1).isPlaying()
	}, waitFor, pollAt)
	pos, _ := h.c.Position(1)
	assert.Equal(t, time.Duration(0), pos)
	assert.False(t, h.factory.handle(0).Visible())
}

func TestController_EndedBeforeGapHoldsFrame(t *testing.T) {
	h := newHarness(t, Options{Total: ms(40000)})

	require.NoError(t, h.c.Play(context.Background(), ms(12000)))
	h.now.Advance(3001 * time.Millisecond)
	h.factory.handle(2).end()

	// segment 3 starts at 20000, the clock is at 15001
	time.Sleep(20 * time.Millisecond)
	idx, _ := h.c.CurrentIndex()
	assert.Equal(t, 2, idx)
	assert.True(t, h.factory.handle(2).Visible())

	h.now.Advance(4999 * time.Millisecond)
	h.requireIndex(t, 3)
	require.Eventually(t, func() bool {
		return h.factory.handle(3).isPlaying()
	}, waitFor, pollAt)
}

func TestController_LastSegmentEndedAtTotalFinishes(t *testing.T) {
	h := newHarness(t, Options{
		Segments: []segment.Segment{seg("a", 0, 2000), seg("b", 2000, 2000)},
	})

	require.NoError(t, h.c.Play(context.Background(), ms(3000)))
	h.now.Advance(time.Second)
	h.factory.handle(1).end()

	h.requireState(t, StateFinished)
	assert.Equal(t, ms(4000), h.c.CurrentTime())
}

func TestController_PauseInsideSegment(t *testing.T) {
	h := newHarness(t, Options{Total: ms(40000)})

	require.NoError(t, h.c.Play(context.Background(), ms(6500)))
	require.NoError(t, h.c.Pause(context.Background(), ms(7250)))

	assert.Equal(t, StatePaused, h.c.State())
	assert.False(t, h.c.IsPlaying())
	assert.False(t, h.factory.handle(1).isPlaying())
	pos, _ := h.c.Position(1)
	assert.Equal(t, ms(2250), pos)

	h.now.Advance(10 * time.Second)
	assert.Equal(t, ms(7250), h.c.CurrentTime())
}

func TestController_PauseMidGapHoldsPreviousFrame(t *testing.T) {
	h := newHarness(t, Options{Total: ms(40000)})

	require.NoError(t, h.c.Play(context.Background(), ms(1000)))
	require.NoError(t, h.c.Pause(context.Background(), ms(17000)))

	idx, _ := h.c.CurrentIndex()
	assert.Equal(t, 2, idx)
	pos, _ := h.c.Position(2)
	assert.Equal(t, 5*time.Second, pos)
	assert.True(t, h.factory.handle(2).Visible())
	assert.False(t, h.factory.handle(0).Visible())
	assert.Equal(t, ms(17000), h.c.CurrentTime())

	// no deferred move to segment 3 while paused
	h.now.Advance(10 * time.Second)
	time.Sleep(20 * time.Millisecond)
	idx, _ = h.c.CurrentIndex()
	assert.Equal(t, 2, idx)
}

func TestController_PauseSupersedesPendingPlay(t *testing.T) {
	h := newHarness(t, Options{Total: ms(40000)})

	done := h.c.PlayAsync(ms(18100))
	h.requireIndex(t, 2)

	require.NoError(t, h.c.Pause(context.Background(), ms(18100)))

	select {
	case err := <-done:
		assert.NoError(t, err, "superseded play resolves without error")
	case <-time.After(waitFor):
		t.Fatal("superseded Play never returned")
	}

	h.now.Advance(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	idx, _ := h.c.CurrentIndex()
	assert.Equal(t, 2, idx, "stale gap notification moved playback")
	assert.Equal(t, StatePaused, h.c.State())
}

func TestController_StaleStartIsDiscarded(t *testing.T) {
	factory := newFakeFactory()
	gate := make(chan struct{})
	factory.gates[1] = gate
	h := newHarness(t, Options{Total: ms(40000), Factory: factory})
	h.factory = factory

	done := h.c.PlayAsync(ms(6500))
	h.requireIndex(t, 1)

	require.NoError(t, h.c.Pause(context.Background(), ms(2000)))
	require.NoError(t, <-done)

	close(gate)

	// the late start is undone since segment 1 is no longer current
	require.Eventually(t, func() bool {
		hd := factory.handle(1)
		return hd.playCount() == 1 && !hd.isPlaying()
	}, waitFor, pollAt)

	idx, _ := h.c.CurrentIndex()
	assert.Equal(t, 0, idx)
	assert.Equal(t, StatePaused, h.c.State())
}

func TestController_StaleEndedIsDiscarded(t *testing.T) {
	h := newHarness(t, Options{Total: ms(40000)})

	require.NoError(t, h.c.Play(context.Background(), ms(1000)))
	require.NoError(t, h.c.Play(context.Background(), ms(6000)))

	// segment 0 is no longer current
	h.factory.handle(0).end()
	time.Sleep(20 * time.Millisecond)

	idx, _ := h.c.CurrentIndex()
	assert.Equal(t, 1, idx)
	assert.True(t, h.c.IsPlaying())
}

func TestController_PlayAfterPauseResumes(t *testing.T) {
	h := newHarness(t, Options{Total: ms(40000)})

	require.NoError(t, h.c.Pause(context.Background(), ms(21000)))
	require.NoError(t, h.c.Play(context.Background(), ms(21000)))

	assert.True(t, h.c.IsPlaying())
	assert.True(t, h.factory.handle(3).isPlaying())

	h.now.Advance(time.Second)
	assert.Equal(t, ms(22000), h.c.CurrentTime())
}

func TestController_SetSpeed(t *testing.T) {
	h := newHarness(t, Options{Total: ms(40000)})

	require.NoError(t, h.c.Play(context.Background(), ms(1000)))

	speed := 2.0
	require.NoError(t, h.c.SetConfig(context.Background(), PlaybackUpdate{Speed: &speed}))

	assert.Equal(t, 2.0, h.c.Speed())
	assert.Equal(t, 2.0, h.factory.handle(0).currentRate())
	assert.Equal(t, StatePlaying, h.c.State())

	h.now.Advance(time.Second)
	assert.Equal(t, ms(3000), h.c.CurrentTime())

	// new segments start at the configured rate
	require.NoError(t, h.c.Play(context.Background(), ms(21000)))
	assert.Equal(t, 2.0, h.factory.handle(3).currentRate())

	bad := 0.0
	assert.Error(t, h.c.SetConfig(context.Background(), PlaybackUpdate{Speed: &bad}))
	assert.Equal(t, 2.0, h.c.Speed())
}

func TestController_PlayStartFailure(t *testing.T) {
	factory := newFakeFactory()
	decodeErr := errors.New("decode failed")
	factory.playErr[1] = decodeErr

	h :=newHarness(t, Options{Total: ms(40000), Factory: factory})
	err := h.c.Play(context.Background(), ms(6000))

	require.Error(t, err)
	assert.ErrorIs(t, err, decodeErr)
}

func TestController_StateChangeCallback(t *testing.T) {
	type change struct{ from, to State }
	changes := make(chan change, 8)
	h := newHarness(t, Options{
		Total:         ms(40000),
		OnStateChange: func(from, to State) { changes <- change{from, to} },
	})

	require.NoError(t, h.c.Play(context.Background(), ms(1000)))

	select {
	case got := <-changes:
		assert.Equal(t, change{StateIdle, StatePlaying}, got)
	case <-time.After(waitFor):
		t.Fatal("no state change reported")
	}
}

func TestController_Snapshot(t *testing.T) {
	h := newHarness(t, Options{Total: ms(40000)})

	snap := h.c.Snapshot()
	assert.Equal(t, -1, snap.CurrentIndex)
	assert.Equal(t, StateIdle, snap.State)

	require.NoError(t, h.c.Pause(context.Background(), ms(6500)))
	snap = h.c.Snapshot()

	assert.Equal(t, h.c.ID(), snap.SessionID)
	assert.Equal(t, StatePaused, snap.State)
	assert.Equal(t, int64(6500), snap.CurrentTimeMs)
	assert.Equal(t, int64(40000), snap.TotalMs)
	assert.Equal(t, 1, snap.CurrentIndex)
	assert.Equal(t, "s1", snap.SegmentID)
	assert.Equal(t, 5, snap.Handles)
}

func TestController_StoppedRejectsRequests(t *testing.T) {
	h := newHarness(t, Options{Total: ms(40000)})
	require.NoError(t, h.c.Stop())

	err := h.c.Play(context.Background(), 0)
	assert.ErrorIs(t, err, ErrStopped)
	assert.Empty(t, h.c.HandleIndices())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "playing", StatePlaying.String())
	assert.Equal(t, "unknown(9)", State(9).String())

	text, err := StateFinished.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "finished", string(text))
}
