package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/agleyzer/clipreplay/internal/segment"
)

type fakeHandle struct {
	mu       sync.Mutex
	spec     HandleSpec
	visible  bool
	playing  bool
	closed   int
	position float64
	rate     float64
}

func (h *fakeHandle) Show() { h.mu.Lock(); h.visible = true; h.mu.Unlock() }
func (h *fakeHandle) Hide() { h.mu.Lock(); h.visible = false; h.mu.Unlock() }
func (h *fakeHandle) Pause() { h.mu.Lock(); h.playing = false; h.mu.Unlock() }
func (h *fakeHandle) Visible() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.visible
}
func (h *fakeHandle) Seek(seconds float64) { h.mu.Lock(); h.position = seconds; h.mu.Unlock() }
func (h *fakeHandle) Position() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.position
}
func (h *fakeHandle) Play(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.playing = true
	return nil
}
func (h *fakeHandle) SetRate(rate float64) { h.mu.Lock(); h.rate = rate; h.mu.Unlock() }
func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return nil
}

type fakeFactory struct {
	mu      sync.Mutex
	created map[int]*fakeHandle
	fail    map[int]bool
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{created: make(map[int]*fakeHandle), fail: make(map[int]bool)}
}

func (f *fakeFactory) NewHandle(spec HandleSpec) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[spec.Index] {
		return nil, errors.New("decoder unavailable")
	}
	h := &fakeHandle{spec: spec, rate: 1}
	f.created[spec.Index] = h
	return h, nil
}

func (f *fakeFactory) handle(i int) *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created[i]
}

func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func createTestCatalog(t *testing.T, n int) *segment.Catalog {
	t.Helper()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	segs := make([]segment.Segment, n)
	for i := range segs {
		segs[i] = segment.Segment{
			ID:        fmt.Sprintf("seg%02d", i),
			Timestamp: base.Add(time.Duration(i) * 10 * time.Second),
			Duration:  5 * time.Second,
		}
	}
	cat, err := segment.NewCatalog(segs)
	if err != nil {
		t.Fatalf("NewCatalog() error = %v", err)
	}
	return cat
}

func createTestPool(t *testing.T, n int, opts PoolOptions) (*Pool, *fakeFactory) {
	t.Helper()
	factory := newFakeFactory()
	opts.Catalog = createTestCatalog(t, n)
	opts.Factory = factory
	opts.Logger = createTestLogger()
	p, err := NewPool(opts)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	return p, factory
}

func TestNewPool_Preloads(t *testing.T) {
	p, _ := createTestPool(t, 20, PoolOptions{})

	want := []int{0, 1, 2}
	if got := p.Indices(); !reflect.DeepEqual(got, want) {
		t.Errorf("Indices() = %v, want %v", got, want)
	}
	if p.Window() != DefaultWindow {
		t.Errorf("Window() = %d, want %d", p.Window(), DefaultWindow)
	}
}

func TestNewPool_PreloadShortCatalog(t *testing.T) {
	p, _ := createTestPool(t, 2, PoolOptions{})

	if got := p.Indices(); !reflect.DeepEqual(got, []int{0, 1}) {
		t.Errorf("Indices() = %v, want [0 1]", got)
	}
}

func TestNewPool_Validation(t *testing.T) {
	cat := createTestCatalog(t, 4)
	factory := newFakeFactory()

	tests := []struct {
		name string
		opts PoolOptions
	}{
		{"no catalog", PoolOptions{Factory: factory}},
		{"no factory", PoolOptions{Catalog: cat}},
		{"negative window", PoolOptions{Catalog: cat, Factory: factory, Window: -1}},
		{"negative max", PoolOptions{Catalog: cat, Factory: factory, MaxHandles: -1}},
		{"max below window", PoolOptions{Catalog: cat, Factory: factory, MaxHandles: 7}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPool(tt.opts); err == nil {
				t.Error("NewPool() expected error, got nil")
			}
		})
	}
}

func TestPool_GetOrCreateEnsuresWindow(t *testing.T) {
	p, factory := createTestPool(t, 20, PoolOptions{})

	h := p.GetOrCreate(10)
	if h == nil {
		t.Fatal("GetOrCreate(10) = nil")
	}
	if h != Handle(factory.handle(10)) {
		t.Error("GetOrCreate returned a different handle than the factory created")
	}

	for i := 7; i <= 13; i++ {
		if !p.Has(i) {
			t.Errorf("handle %d missing after GetOrCreate(10)", i)
		}
	}
	if p.Has(6) || p.Has(14) {
		t.Error("handles created outside the window")
	}

	// the preloaded handles are never discarded without a bound
	for i := 0; i < 3; i++ {
		if !p.Has(i) {
			t.Errorf("preloaded handle %d was discarded", i)
		}
	}
}

func TestPool_GetOrCreateReusesHandles(t *testing.T) {
	p, _ := createTestPool(t, 10, PoolOptions{})

	first := p.GetOrCreate(4)
	before := p.Len()
	second := p.GetOrCreate(4)

	if first != second {
		t.Error("GetOrCreate created a second handle for the same index")
	}
	if p.Len() != before {
		t.Errorf("Len() = %d after repeat request, want %d", p.Len(), before)
	}
}

func TestPool_GetOrCreateOutOfRange(t *testing.T) {
	p, _ := createTestPool(t, 5, PoolOptions{})

	for _, i := range []int{-1, 5, 100} {
		if h := p.GetOrCreate(i); h != nil {
			t.Errorf("GetOrCreate(%d) = %v, want nil", i, h)
		}
	}
	if p.Len() != 3 {
		t.Errorf("Len() = %d, want 3", p.Len())
	}
}

func TestPool_GetOrCreateFactoryFailure(t *testing.T) {
	factory := newFakeFactory()
	factory.fail[6] = true

	p, err := NewPool(PoolOptions{
		Catalog: createTestCatalog(t, 10),
		Factory: factory,
		Logger:  createTestLogger(),
	})
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}

	if h := p.GetOrCreate(6); h != nil {
		t.Errorf("GetOrCreate(6) = %v, want nil on factory failure", h)
	}
	// neighbours are still created
	if !p.Has(5) || !p.Has(7) {
		t.Error("window neighbours missing after a failed handle")
	}
}

func TestPool_ShowSingleVisible(t *testing.T) {
	p, factory := createTestPool(t, 10, PoolOptions{})

	p.Show(0)
	p.Show(1)

	if factory.handle(0).Visible() {
		t.Error("handle 0 still visible after showing handle 1")
	}
	if !factory.handle(1).Visible() {
		t.Error("handle 1 not visible")
	}
	if idx, ok := p.Visible(); !ok || idx != 1 {
		t.Errorf("Visible() = %d, %v, want 1, true", idx, ok)
	}

	p.Hide(1)
	if _, ok := p.Visible(); ok {
		t.Error("Visible() reports a handle after Hide")
	}

	if p.Show(9) {
		t.Error("Show on a missing handle returned true")
	}
}

func TestPool_SetPositionSeconds(t *testing.T) {
	p, factory := createTestPool(t, 10, PoolOptions{})

	p.SetPosition(1, 1500*time.Millisecond)

	if got := factory.handle(1).Position(); got != 1.5 {
		t.Errorf("handle position = %v, want 1.5", got)
	}
	if got, ok := p.Position(1); !ok || got != 1500*time.Millisecond {
		t.Errorf("Position(1) = %s, %v, want 1.5s, true", got, ok)
	}
	if _, ok := p.Position(8); ok {
		t.Error("Position on a missing handle reported ok")
	}
}

func TestPool_PlaybackControls(t *testing.T) {
	p, factory := createTestPool(t, 10, PoolOptions{})

	if err := p.StartPlayback(context.Background(), 2); err != nil {
		t.Fatalf("StartPlayback() error = %v", err)
	}
	h := factory.handle(2)
	if !h.playing {
		t.Error("handle not playing after StartPlayback")
	}

	p.SetRate(2, 4)
	p.Pause(2)
	if h.playing || h.rate != 4 {
		t.Errorf("playing = %v, rate = %v, want false, 4", h.playing, h.rate)
	}

	if err := p.StartPlayback(context.Background(), 9); err == nil {
		t.Error("StartPlayback on a missing handle expected error")
	}
}

func TestPool_EvictsLeastRecentlyUsed(t *testing.T) {
	p, factory := createTestPool(t, 30, PoolOptions{Window: 1, MaxHandles: 4})

	p.GetOrCreate(1)  // 0 1 2
	p.GetOrCreate(10) // 9 10 11 pushes out the oldest

	if p.Len() > 4 {
		t.Errorf("Len() = %d, want at most 4", p.Len())
	}
	for _, i := range []int{9, 10, 11} {
		if !p.Has(i) {
			t.Errorf("handle %d missing, window must survive eviction", i)
		}
	}

	evicted := 0
	for _, i := range []int{0, 1, 2} {
		if !p.Has(i) {
			evicted++
			if c := factory.handle(i).closed; c != 1 {
				t.Errorf("evicted handle %d closed %d times, want 1", i, c)
			}
		}
	}
	if evicted != 2 {
		t.Errorf("evicted %d handles, want 2", evicted)
	}
}

func TestPool_CloseReleasesOnce(t *testing.T) {
	p, factory := createTestPool(t, 10, PoolOptions{MaxHandles: 8})

	p.GetOrCreate(2)
	p.Show(2)
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	for i := 0; i <= 5; i++ {
		if c := factory.handle(i).closed; c != 1 {
			t.Errorf("handle %d closed %d times, want 1", i, c)
		}
	}
	if p.Len() != 0 {
		t.Errorf("Len() = %d after Close, want 0", p.Len())
	}
	if _, ok := p.Visible(); ok {
		t.Error("Visible() reports a handle after Close")
	}
}

func TestTemplateURL(t *testing.T) {
	tests := []struct {
		pattern string
		id      string
		want    string
	}{
		{"https://cdn.example.com/clips/{id}.mp4", "cam1-0001", "https://cdn.example.com/clips/cam1-0001.mp4"},
		{"https://cdn.example.com/clips/", "a b", "https://cdn.example.com/clips/a%20b"},
		{"/{id}/{id}", "x", "/x/x"},
	}

	for _, tt := range tests {
		if got := TemplateURL(tt.pattern)(tt.id); got != tt.want {
			t.Errorf("TemplateURL(%q)(%q) = %q, want %q", tt.pattern, tt.id, got, tt.want)
		}
	}
}

func TestSimulated_EndsAtDuration(t *testing.T) {
	ended := make(chan struct{}, 1)
	loaded := make(chan LoadedEvent, 1)

	h, err := SimulatedFactory{}.NewHandle(HandleSpec{
		Index:   3,
		Segment: segment.Segment{ID: "short", Duration: 40 * time.Millisecond},
		Listener: Listener{
			OnEnded:  func() { ended <- struct{}{} },
			OnLoaded: func(ev LoadedEvent) { loaded <- ev },
		},
	})
	if err != nil {
		t.Fatalf("NewHandle() error = %v", err)
	}
	defer h.Close()

	select {
	case ev := <-loaded:
		if ev.Index != 3 || ev.SegmentID != "short" {
			t.Errorf("loaded event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no loaded event")
	}

	h.Seek(0.02)
	if err := h.Play(context.Background()); err != nil {
		t.Fatalf("Play() error = %v", err)
	}

	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("no ended event")
	}
	if got := h.Position(); got != 0.04 {
		t.Errorf("Position() after end = %v, want 0.04", got)
	}
}

func TestSimulated_PauseCancelsEnd(t *testing.T) {
	ended := make(chan struct{}, 1)
	h, err := SimulatedFactory{}.NewHandle(HandleSpec{
		Segment:  segment.Segment{ID: "s", Duration: 30 * time.Millisecond},
		Listener: Listener{OnEnded: func() { ended <- struct{}{} }},
	})
	if err != nil {
		t.Fatalf("NewHandle() error = %v", err)
	}
	defer h.Close()

	if err := h.Play(context.Background()); err != nil {
		t.Fatalf("Play() error = %v", err)
	}
	h.Pause()

	select {
	case <-ended:
		t.Error("paused handle reported ended")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSimulated_RejectsEmptyMedia(t *testing.T) {
	_, err := SimulatedFactory{}.NewHandle(HandleSpec{Segment: segment.Segment{ID: "empty"}})
	if err == nil {
		t.Error("NewHandle() expected error for zero duration")
	}
}
