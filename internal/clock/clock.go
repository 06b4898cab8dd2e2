// Package clock implements the virtual playhead of a replay session.
//
// The clock knows nothing about segments or media. It measures elapsed
// session time from a wall-clock anchor, scaled by the playback speed and
// clamped to the session's total duration, and fires one-shot notifications
// when that time passes a target. It advances only when its owner calls Tick,
// so every callback runs on the owner's goroutine.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Options configures a Clock.
type Options struct {
	// Total is the authored duration of the session. Time never exceeds it.
	Total time.Duration

	// Speed is the initial playback speed multiplier. Default: 1.0.
	Speed float64

	// Now returns the current wall-clock time. Default: time.Now.
	Now func() time.Time
}

type notification struct {
	target time.Duration
	seq    uint64
	fn     func()
}

// Clock is the virtual elapsed-time counter for one session.
type Clock struct {
	mu      sync.Mutex
	total   time.Duration
	speed   float64
	now     func() time.Time
	running bool
	origin  time.Duration
	anchor  time.Time
	pending []notification
	seq     uint64
	onEnd   func()
}

// New creates a stopped clock at time zero.
func New(opts Options) *Clock {
	if opts.Speed <= 0 {
		opts.Speed = 1.0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Total < 0 {
		opts.Total = 0
	}

	return &Clock{
		total: opts.Total,
		speed: opts.Speed,
		now:   opts.Now,
	}
}

// Start re-anchors the clock so that Time returns offset immediately and
// increases in real time from there.
func (c *Clock) Start(offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.origin = c.clamp(offset)
	c.anchor = c.now()
	c.running = true
}

// Stop freezes the clock at offset.
func (c *Clock) Stop(offset time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.origin = c.clamp(offset)
	c.running = false
}

// Time returns the current session time, clamped to [0, Total].
func (c *Clock) Time() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeLocked()
}

// Running reports whether the clock is advancing.
func (c *Clock) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Total returns the authored duration.
func (c *Clock) Total() time.Duration {
	return c.total
}

// Speed returns the current speed multiplier.
func (c *Clock) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// SetSpeed changes the rate at which the clock advances without moving it.
// Non-positive values are ignored.
func (c *Clock) SetSpeed(speed float64) {
	if speed <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		c.origin = c.timeLocked()
		c.anchor = c.now()
	}
	c.speed = speed
}

// AddNotificationAtTime schedules fn to run once, on the first Tick at which
// Time is at or past target.
func (c *Clock) AddNotificationAtTime(target time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	c.pending = append(c.pending, notification{target: target, seq: c.seq, fn: fn})
}

// ClearNotifications drops every pending notification.
func (c *Clock) ClearNotifications() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
}

// PendingNotifications returns the number of notifications not yet fired.
func (c *Clock) PendingNotifications() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// OnEnd sets the callback fired when a running clock reaches Total.
func (c *Clock) OnEnd(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEnd = fn
}

// Tick advances the clock. Due notifications fire in target order, then the
// end callback fires if the clock just reached Total. Callbacks run without
// the clock's lock held and may call back into the clock.
func (c *Clock) Tick() {
	c.mu.Lock()
	now := c.timeLocked()

	var due []notification
	remaining := c.pending[:0]
	for _, n := range c.pending {
		if n.target <= now {
			due = append(due, n)
		} else {
			remaining = append(remaining, n)
		}
	}
	c.pending = remaining

	ended := c.running && now >= c.total
	if ended {
		c.running = false
		c.origin = c.total
	}
	onEnd := c.onEnd
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].target == due[j].target {
			return due[i].seq < due[j].seq
		}
		return due[i].target < due[j].target
	})
	for _, n := range due {
		n.fn()
	}

	if ended && onEnd != nil {
		onEnd()
	}
}

// timeLocked returns the current session time. Caller must hold c.mu.
func (c *Clock) timeLocked() time.Duration {
	if !c.running {
		return c.origin
	}
	elapsed := c.now().Sub(c.anchor)
	return c.clamp(c.origin + time.Duration(float64(elapsed)*c.speed))
}

func (c *Clock) clamp(d time.Duration) time.Duration {
	if d < 0 {
		return 0
	}
	if d > c.total {
		return c.total
	}
	return d
}
