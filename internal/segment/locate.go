package segment

import (
	"sort"
	"time"
)

// Location is the result of resolving an absolute timestamp against a catalog.
//
// When HasExact is set, the timestamp is covered by segment Exact. Otherwise the
// timestamp lies in a gap and Previous (if HasPrevious) is the closest segment
// that starts before it.
type Location struct {
	Exact       int
	HasExact    bool
	Previous    int
	HasPrevious bool
}

// InGap reports whether the location is not covered by any segment.
func (l Location) InGap() bool {
	return !l.HasExact
}

// Next returns the index of the first segment after a gap.
// It is 0 for a gap before the first segment and may be out of range
// for a gap after the last one.
func (l Location) Next() int {
	if l.HasExact {
		return l.Exact + 1
	}
	if !l.HasPrevious {
		return 0
	}
	return l.Previous + 1
}

// Locate finds the segment covering ts, or the nearest one before it.
func (c *Catalog) Locate(ts time.Time) Location {
	// rightmost segment with Timestamp <= ts
	i := sort.Search(len(c.segments), func(i int) bool {
		return c.segments[i].Timestamp.After(ts)
	}) - 1

	if i < 0 {
		return Location{}
	}

	if c.segments[i].Contains(ts) {
		return Location{Exact: i, HasExact: true}
	}

	return Location{Previous: i, HasPrevious: true}
}
