package media

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/agleyzer/clipreplay/internal/metrics"
	"github.com/agleyzer/clipreplay/internal/segment"
)

// DefaultWindow is the number of neighbouring segments preloaded on each side.
const DefaultWindow = 3

// PoolOptions configures a Pool.
type PoolOptions struct {
	// Catalog is required. Handles are keyed by catalog index.
	Catalog *segment.Catalog

	// Factory is required. It creates the platform handle for a segment.
	Factory Factory

	// URL maps a segment id to its media URL. Default: the id itself.
	URL URLFunc

	// Window is the preload radius around a requested index. Default: 3.
	Window int

	// MaxHandles bounds the number of live handles, evicting the least
	// recently used. Zero keeps every handle for the life of the pool.
	MaxHandles int

	// Listener returns the event listener for the handle at index.
	Listener func(index int, seg segment.Segment) Listener

	Logger *slog.Logger
}

// Pool lazily creates and owns at most one handle per segment index.
// At most one handle is visible at any time.
type Pool struct {
	mu       sync.Mutex
	catalog  *segment.Catalog
	factory  Factory
	url      URLFunc
	window   int
	listener func(int, segment.Segment) Listener
	handles  map[int]Handle
	recent   *lru.Cache
	visible  int
	logger   *slog.Logger
}

// NewPool creates a pool and preloads the handles for [0, Window).
func NewPool(opts PoolOptions) (*Pool, error) {
	if opts.Catalog == nil {
		return nil, fmt.Errorf("pool requires a catalog")
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("pool requires a handle factory")
	}
	if opts.Window < 0 {
		return nil, fmt.Errorf("preload window must not be negative")
	}
	if opts.Window == 0 {
		opts.Window = DefaultWindow
	}
	if opts.MaxHandles < 0 {
		return nil, fmt.Errorf("max handles must not be negative")
	}
	if opts.MaxHandles > 0 && opts.MaxHandles < 2*opts.Window+2 {
		return nil, fmt.Errorf("max handles %d cannot hold a preload window of %d (need at least %d)",
			opts.MaxHandles, opts.Window, 2*opts.Window+2)
	}
	if opts.URL == nil {
		opts.URL = func(id string) string { return id }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := &Pool{
		catalog:  opts.Catalog,
		factory:  opts.Factory,
		url:      opts.URL,
		window:   opts.Window,
		listener: opts.Listener,
		handles:  make(map[int]Handle),
		visible:  -1,
		logger:   opts.Logger,
	}

	if opts.MaxHandles > 0 {
		recent, err := lru.NewWithEvict(opts.MaxHandles, p.onEvict)
		if err != nil {
			return nil, fmt.Errorf("create handle cache: %w", err)
		}
		p.recent = recent
	}

	p.mu.Lock()
	for i := 0; i < p.window && i < p.catalog.Len(); i++ {
		p.ensureLocked(i)
	}
	p.mu.Unlock()

	return p, nil
}

// Window returns the preload radius.
func (p *Pool) Window() int {
	return p.window
}

// GetOrCreate returns the handle for index, creating it and every missing
// handle within the preload window. It returns nil for an out-of-range index
// or when the factory fails.
func (p *Pool) GetOrCreate(index int) Handle {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.catalog.InRange(index) {
		p.logger.Debug("handle requested out of range", "index", index, "segments", p.catalog.Len())
		return nil
	}

	for i := index - p.window; i <= index+p.window; i++ {
		if i != index && p.catalog.InRange(i) {
			p.ensureLocked(i)
		}
	}
	// requested index last so it is the most recently used
	return p.ensureLocked(index)
}

// Show displays the handle at index, hiding any other visible handle first.
func (p *Pool) Show(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	h := p.handles[index]
	if h == nil {
		p.logger.Debug("show on missing handle", "index", index)
		return false
	}

	if p.visible >= 0 && p.visible != index {
		if prev := p.handles[p.visible]; prev != nil {
			prev.Hide()
		}
	}
	h.Show()
	p.visible = index
	p.touchLocked(index)
	return true
}

// Hide removes the handle at index from display.
func (p *Pool) Hide(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if h := p.handles[index]; h != nil {
		h.Hide()
	}
	if p.visible == index {
		p.visible = -1
	}
}

// Visible returns the index of the displayed handle.
func (p *Pool) Visible() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.visible, p.visible >= 0
}

// SetPosition seeks the handle at index to offset from its segment start.
func (p *Pool) SetPosition(index int, offset time.Duration) {
	if h := p.get(index); h != nil {
		h.Seek(offset.Seconds())
	}
}

// Position returns the playback position of the handle at index.
func (p *Pool) Position(index int) (time.Duration, bool) {
	h := p.get(index)
	if h == nil {
		return 0, false
	}
	return time.Duration(h.Position() * float64(time.Second)), true
}

// StartPlayback begins native playback of the handle at index and blocks
// until the handle reports that playback has begun.
func (p *Pool) StartPlayback(ctx context.Context, index int) error {
	h := p.get(index)
	if h == nil {
		return fmt.Errorf("no handle for segment %d", index)
	}
	return h.Play(ctx)
}

// Pause pauses the handle at index.
func (p *Pool) Pause(index int) {
	if h := p.get(index); h != nil {
		h.Pause()
	}
}

// SetRate changes the playback rate of the handle at index.
func (p *Pool) SetRate(index int, rate float64) {
	if h := p.get(index); h != nil {
		h.SetRate(rate)
	}
}

// Has reports whether a handle exists for index.
func (p *Pool) Has(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.handles[index]
	return ok
}

// Indices returns the sorted indices of all live handles.
func (p *Pool) Indices() []int {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]int, 0, len(p.handles))
	for i := range p.handles {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Len returns the number of live handles.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.handles)
}

// Close releases every handle.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	handles := p.handles
	p.handles = make(map[int]Handle)
	p.visible = -1
	if p.recent != nil {
		p.recent.Purge()
	}

	var firstErr error
	for i, h := range handles {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close handle %d: %w", i, err)
		}
	}
	return firstErr
}

func (p *Pool) get(index int) Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[index]
}

// ensureLocked returns the handle for index, creating it if needed.
// Caller must hold p.mu.
func (p *Pool) ensureLocked(index int) Handle {
	if h, ok := p.handles[index]; ok {
		p.touchLocked(index)
		return h
	}

	seg, _ := p.catalog.At(index)
	spec := HandleSpec{
		Index:   index,
		Segment: seg,
		URL:     p.url(seg.ID),
	}
	if p.listener != nil {
		spec.Listener = p.listener(index, seg)
	}

	h, err := p.factory.NewHandle(spec)
	if err != nil {
		metrics.HandleFailuresTotal.Inc()
		p.logger.Error("failed to create media handle",
			"index", index,
			"segment", seg.ID,
			"url", spec.URL,
			"error", err,
		)
		return nil
	}

	p.handles[index] = h
	metrics.HandlesCreatedTotal.Inc()
	p.logger.Debug("created media handle", "index", index, "segment", seg.ID)

	if p.recent != nil {
		p.recent.Add(index, h)
	}
	return h
}

// touchLocked marks index as recently used. Caller must hold p.mu.
func (p *Pool) touchLocked(index int) {
	if p.recent != nil {
		p.recent.Get(index)
	}
}

// onEvict tears down a handle dropped by the recency cache.
// It runs inside recent.Add, so p.mu is already held.
func (p *Pool) onEvict(key, value interface{}) {
	index := key.(int)
	h, ok := p.handles[index]
	if !ok {
		return
	}

	if p.visible == index {
		p.visible = -1
	}
	delete(p.handles, index)
	if err := h.Close(); err != nil {
		p.logger.Warn("failed to close evicted handle", "index", index, "error", err)
	}
	metrics.HandlesEvictedTotal.Inc()
	p.logger.Debug("evicted media handle", "index", index)
}
