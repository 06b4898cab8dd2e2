// Package parser loads segment catalogs from HLS playlists and JSON manifests.
package parser

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/grafov/m3u8"

	"github.com/agleyzer/clipreplay/internal/segment"
)

// Manifest is a loaded session layout.
type Manifest struct {
	// Start is the absolute time of session offset zero.
	Start time.Time

	// Total is the authored session duration. Zero means the end of the
	// last segment.
	Total time.Duration

	// Segments in playlist or manifest order.
	Segments []segment.Segment
}

// End returns the absolute end of the latest segment.
func (m *Manifest) End() time.Time {
	var end time.Time
	for _, s := range m.Segments {
		if s.End().After(end) {
			end = s.End()
		}
	}
	return end
}

// ParsePlaylist fetches an HLS playlist and lays its segments out on a
// timeline. Master playlists resolve to their highest bandwidth variant.
func ParsePlaylist(ctx context.Context, playlistURL string) (*Manifest, error) {
	body, err := fetch(ctx, playlistURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist: %w", err)
	}
	defer body.Close()

	playlist, listType, err := m3u8.DecodeFrom(body, true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist: %w", err)
	}

	if listType == m3u8.MASTER {
		master, ok := playlist.(*m3u8.MasterPlaylist)
		if !ok {
			return nil, fmt.Errorf("unexpected playlist type")
		}
		variantURL, err := selectVariant(master, playlistURL)
		if err != nil {
			return nil, err
		}
		return ParsePlaylist(ctx, variantURL)
	}

	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type")
	}
	return fromMediaPlaylist(media, playlistURL)
}

// ParseMediaPlaylist parses a media playlist read from r. Relative segment
// URIs are resolved against baseURL.
func ParseMediaPlaylist(r io.Reader, baseURL string) (*Manifest, error) {
	playlist, listType, err := m3u8.DecodeFrom(r, true)
	if err != nil {
		return nil, fmt.Errorf("failed to parse playlist: %w", err)
	}
	if listType != m3u8.MEDIA {
		return nil, fmt.Errorf("expected media playlist, got master playlist")
	}

	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok {
		return nil, fmt.Errorf("unexpected playlist type")
	}
	return fromMediaPlaylist(media, baseURL)
}

// fromMediaPlaylist uses EXT-X-PROGRAM-DATE-TIME as the absolute start of a
// segment. Segments without one follow the previous segment back to back.
func fromMediaPlaylist(media *m3u8.MediaPlaylist, baseURL string) (*Manifest, error) {
	var (
		segments []segment.Segment
		cursor   time.Time
	)

	for _, seg := range media.Segments {
		if seg == nil {
			break
		}

		segmentURL, err := resolveURL(baseURL, seg.URI)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve segment URL: %w", err)
		}

		start := cursor
		if !seg.ProgramDateTime.IsZero() {
			start = seg.ProgramDateTime.UTC()
		}
		dur := time.Duration(seg.Duration * float64(time.Second))

		segments = append(segments, segment.Segment{
			ID:        segmentURL,
			Timestamp: start,
			Duration:  dur,
		})
		cursor = start.Add(dur)
	}

	if len(segments) == 0 {
		return nil, fmt.Errorf("playlist contains no segments")
	}

	m := &Manifest{Start: segments[0].Timestamp, Segments: segments}
	for _, s := range segments[1:] {
		if s.Timestamp.Before(m.Start) {
			m.Start = s.Timestamp
		}
	}
	m.Total = m.End().Sub(m.Start)
	return m, nil
}

// selectVariant returns the absolute URL of the highest bandwidth variant.
func selectVariant(master *m3u8.MasterPlaylist, masterURL string) (string, error) {
	var best *m3u8.Variant
	for _, v := range master.Variants {
		if v == nil {
			continue
		}
		if best == nil || v.Bandwidth > best.Bandwidth {
			best = v
		}
	}
	if best == nil {
		return "", fmt.Errorf("master playlist contains no variants")
	}

	variantURL, err := resolveURL(masterURL, best.URI)
	if err != nil {
		return "", fmt.Errorf("failed to resolve variant URL: %w", err)
	}
	return variantURL, nil
}

func fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// resolveURL resolves a possibly relative URL against a base URL.
func resolveURL(baseURL, relativeURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	rel, err := url.Parse(relativeURL)
	if err != nil {
		return "", fmt.Errorf("invalid relative URL: %w", err)
	}

	return base.ResolveReference(rel).String(), nil
}
