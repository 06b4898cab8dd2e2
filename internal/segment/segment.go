// Package segment defines recorded video segments and the immutable catalog used to locate them.
package segment

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	// ErrEmptyID is returned when a segment has no identifier.
	ErrEmptyID = errors.New("segment id is empty")

	// ErrOverlap is returned when two segments cover the same instant.
	ErrOverlap = errors.New("segments overlap")
)

// Segment represents a single independently recorded video clip.
type Segment struct {
	// ID identifies the clip in the backing store; it is expanded into a media URL
	ID string

	// Timestamp is the absolute wall-clock start of the clip
	Timestamp time.Time

	// Duration is the length of the clip
	Duration time.Duration
}

// End returns the absolute end of the segment.
func (s Segment) End() time.Time {
	return s.Timestamp.Add(s.Duration)
}

// Contains reports whether ts falls within [Timestamp, End].
func (s Segment) Contains(ts time.Time) bool {
	return !ts.Before(s.Timestamp) && !ts.After(s.End())
}

// Catalog is an immutable, timestamp-sorted list of segments.
// Segments may leave gaps between each other but never overlap.
type Catalog struct {
	segments []Segment
}

// NewCatalog validates segs and returns them as a sorted catalog.
// The input slice is copied and never modified.
func NewCatalog(segs []Segment) (*Catalog, error) {
	if len(segs) == 0 {
		return nil, fmt.Errorf("cannot create catalog with zero segments")
	}

	sorted := make([]Segment, len(segs))
	copy(sorted, segs)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	for i, seg := range sorted {
		if seg.ID == "" {
			return nil, fmt.Errorf("segment %d: %w", i, ErrEmptyID)
		}
		if seg.Duration < 0 {
			return nil, fmt.Errorf("segment %q has negative duration %s", seg.ID, seg.Duration)
		}
		if i > 0 && seg.Timestamp.Before(sorted[i-1].End()) {
			return nil, fmt.Errorf("segment %q starts before %q ends: %w", seg.ID, sorted[i-1].ID, ErrOverlap)
		}
	}

	return &Catalog{segments: sorted}, nil
}

// Len returns the number of segments.
func (c *Catalog) Len() int {
	return len(c.segments)
}

// At returns the segment at index i.
func (c *Catalog) At(i int) (Segment, bool) {
	if i < 0 || i >= len(c.segments) {
		return Segment{}, false
	}
	return c.segments[i], true
}

// InRange reports whether i is a valid segment index.
func (c *Catalog) InRange(i int) bool {
	return i >= 0 && i < len(c.segments)
}

// Segments returns a copy of all segments in timestamp order.
func (c *Catalog) Segments() []Segment {
	out := make([]Segment, len(c.segments))
	copy(out, c.segments)
	return out
}

// First returns the start of the earliest segment.
func (c *Catalog) First() time.Time {
	return c.segments[0].Timestamp
}

// Last returns the end of the latest segment.
func (c *Catalog) Last() time.Time {
	return c.segments[len(c.segments)-1].End()
}

// MediaDuration returns the sum of all segment durations, excluding gaps.
func (c *Catalog) MediaDuration() time.Duration {
	var total time.Duration
	for _, seg := range c.segments {
		total += seg.Duration
	}
	return total
}
