// Package playlist renders a replay session as HLS media playlists.
package playlist

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/agleyzer/clipreplay/internal/media"
	"github.com/agleyzer/clipreplay/internal/segment"
)

// Gap is an interval of the session not covered by any segment, as offsets
// from the session start.
type Gap struct {
	// After is the index of the segment before the gap, -1 for a leading gap.
	After int           `json:"after"`
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

// Duration returns the length of the gap.
func (g Gap) Duration() time.Duration {
	return g.End - g.Start
}

// Generator renders the stitched timeline of one session.
type Generator struct {
	catalog        *segment.Catalog
	start          time.Time
	total          time.Duration
	url            media.URLFunc
	targetDuration int
	logger         *slog.Logger
}

// New creates a generator for catalog laid out from start. total is the
// authored duration and may extend past the last segment.
func New(catalog *segment.Catalog, start time.Time, total time.Duration, url media.URLFunc, logger *slog.Logger) (*Generator, error) {
	if catalog == nil || catalog.Len() == 0 {
		return nil, fmt.Errorf("cannot create playlist with zero segments")
	}
	if total < 0 {
		return nil, fmt.Errorf("total duration must not be negative")
	}
	if url == nil {
		url = func(id string) string { return id }
	}

	var longest time.Duration
	for _, seg := range catalog.Segments() {
		if seg.Duration > longest {
			longest = seg.Duration
		}
	}

	return &Generator{
		catalog:        catalog,
		start:          start,
		total:          total,
		url:            url,
		targetDuration: int(math.Ceil(longest.Seconds())),
		logger:         logger,
	}, nil
}

// TargetDuration returns the EXT-X-TARGETDURATION value in seconds.
func (g *Generator) TargetDuration() int {
	return g.targetDuration
}

// Generate renders the whole session as a VOD playlist. Every gap is marked
// with EXT-X-DISCONTINUITY and the segment after it carries its absolute
// start in EXT-X-PROGRAM-DATE-TIME.
func (g *Generator) Generate() string {
	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", g.targetDuration))
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:0\n")
	b.WriteString("#EXT-X-PLAYLIST-TYPE:VOD\n")

	g.writeSegments(&b, 0, g.catalog.Len())

	b.WriteString("#EXT-X-ENDLIST\n")
	return b.String()
}

// GenerateWindow renders the segments within radius of center as a live
// playlist, so a downstream player can follow the current position.
func (g *Generator) GenerateWindow(center, radius int) (string, error) {
	if !g.catalog.InRange(center) {
		return "", fmt.Errorf("segment index %d out of range (0-%d)", center, g.catalog.Len()-1)
	}
	if radius < 0 {
		return "", fmt.Errorf("window radius must not be negative")
	}

	from := max(center-radius, 0)
	to := min(center+radius+1, g.catalog.Len())

	var b strings.Builder

	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString(fmt.Sprintf("#EXT-X-TARGETDURATION:%d\n", g.targetDuration))
	b.WriteString(fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d\n", from))
	b.WriteString(fmt.Sprintf("#EXT-X-DISCONTINUITY-SEQUENCE:%d\n", g.discontinuitiesBefore(from)))

	g.writeSegments(&b, from, to)

	// no ENDLIST, the window moves with playback
	g.logger.Debug("generated window playlist", "center", center, "from", from, "to", to)
	return b.String(), nil
}

// Gaps returns every uncovered interval of the session in order, including
// a leading gap before the first segment and a trailing gap up to total.
func (g *Generator) Gaps() []Gap {
	var gaps []Gap
	cursor := time.Duration(0)
	after := -1

	for i, seg := range g.catalog.Segments() {
		startAt := seg.Timestamp.Sub(g.start)
		if startAt > cursor {
			gaps = append(gaps, Gap{After: after, Start: cursor, End: startAt})
		}
		if end := seg.End().Sub(g.start); end > cursor {
			cursor = end
		}
		after = i
	}

	if g.total > cursor {
		gaps = append(gaps, Gap{After: after, Start: cursor, End: g.total})
	}
	return gaps
}

// GetStats returns summary statistics about the timeline.
func (g *Generator) GetStats() map[string]interface{} {
	gaps := g.Gaps()
	var gapTotal time.Duration
	for _, gap := range gaps {
		gapTotal += gap.Duration()
	}

	return map[string]interface{}{
		"total_segments":    g.catalog.Len(),
		"target_duration":   g.targetDuration,
		"media_duration_ms": g.catalog.MediaDuration().Milliseconds(),
		"total_ms":          g.total.Milliseconds(),
		"gaps":              len(gaps),
		"gap_duration_ms":   gapTotal.Milliseconds(),
	}
}

// writeSegments writes segments [from, to).
func (g *Generator) writeSegments(b *strings.Builder, from, to int) {
	for i := from; i < to; i++ {
		seg, _ := g.catalog.At(i)

		if i > from && g.gapBefore(i) {
			b.WriteString("#EXT-X-DISCONTINUITY\n")
		}
		if i == from || g.gapBefore(i) {
			b.WriteString(fmt.Sprintf("#EXT-X-PROGRAM-DATE-TIME:%s\n", seg.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00")))
		}

		b.WriteString(fmt.Sprintf("#EXTINF:%.3f,\n", seg.Duration.Seconds()))
		b.WriteString(g.url(seg.ID))
		b.WriteString("\n")
	}
}

// gapBefore reports whether segment i does not start where i-1 ends.
func (g *Generator) gapBefore(i int) bool {
	if i == 0 {
		return false
	}
	prev, _ := g.catalog.At(i - 1)
	seg, _ := g.catalog.At(i)
	return seg.Timestamp.After(prev.End())
}

func (g *Generator) discontinuitiesBefore(index int) int {
	n := 0
	for i := 1; i <= index; i++ {
		if g.gapBefore(i) {
			n++
		}
	}
	return n
}
