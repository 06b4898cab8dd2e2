package parser

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/agleyzer/clipreplay/internal/segment"
)

// manifestFile is the JSON layout of a recorded session. Timestamps are
// Unix milliseconds.
type manifestFile struct {
	StartMs  *int64 `json:"start_ms,omitempty"`
	TotalMs  int64  `json:"total_ms,omitempty"`
	Segments []struct {
		ID          string `json:"id"`
		TimestampMs int64  `json:"timestamp_ms"`
		DurationMs  int64  `json:"duration_ms"`
	} `json:"segments"`
}

// LoadManifest reads a JSON session manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	return DecodeManifest(f)
}

// DecodeManifest reads a JSON session manifest from r. Without start_ms the
// session starts at the earliest segment.
func DecodeManifest(r io.Reader) (*Manifest, error) {
	var file manifestFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}

	if len(file.Segments) == 0 {
		return nil, fmt.Errorf("manifest contains no segments")
	}
	if file.TotalMs < 0 {
		return nil, fmt.Errorf("manifest total_ms must not be negative")
	}

	m := &Manifest{Total: time.Duration(file.TotalMs) * time.Millisecond}
	for i, s := range file.Segments {
		if s.DurationMs < 0 {
			return nil, fmt.Errorf("segment %d (%q) has negative duration", i, s.ID)
		}
		m.Segments = append(m.Segments, segment.Segment{
			ID:        s.ID,
			Timestamp: time.UnixMilli(s.TimestampMs).UTC(),
			Duration:  time.Duration(s.DurationMs) * time.Millisecond,
		})
	}

	if file.StartMs != nil {
		m.Start = time.UnixMilli(*file.StartMs).UTC()
	} else {
		m.Start = m.Segments[0].Timestamp
		for _, s := range m.Segments[1:] {
			if s.Timestamp.Before(m.Start) {
				m.Start = s.Timestamp
			}
		}
	}
	return m, nil
}
