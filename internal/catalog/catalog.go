// Package catalog provides the HTTP client for the streaming service
// catalog: playlists, recommendations, and the stream renditions
// available for each track.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/spotix/engine/internal/track"
)

const requestTimeout = 30 * time.Second

// Rendition is one encoded variant of a track's audio.
type Rendition struct {
	Format  string `json:"format"`  // e.g. "mp3", "aac"
	Bitrate int    `json:"bitrate"` // kbit/s
	Size    int64  `json:"size"`    // total bytes, 0 if unknown
}

// Entry is a catalog track with the renditions it can be streamed in.
type Entry struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Artist     string      `json:"artist"`
	Album      string      `json:"album"`
	DurationMs int64       `json:"duration_ms"`
	Renditions []Rendition `json:"renditions"`
}

// BestRendition returns the highest-bitrate MP3 rendition. Falls back
// to the first available rendition when there is no MP3.
func (e *Entry) BestRendition() (Rendition, bool) {
	best := -1
	for i, r := range e.Renditions {
		if r.Format != "mp3" {
			continue
		}
		if best < 0 || r.Bitrate > e.Renditions[best].Bitrate {
			best = i
		}
	}
	if best >= 0 {
		return e.Renditions[best], true
	}
	if len(e.Renditions) > 0 {
		return e.Renditions[0], true
	}
	return Rendition{}, false
}

// RenditionsByPreference returns all renditions sorted by preference:
// MP3 by descending bitrate first, then other formats in catalog order.
func (e *Entry) RenditionsByPreference() []Rendition {
	var mp3, other []Rendition
	for _, r := range e.Renditions {
		if r.Format == "mp3" {
			at := len(mp3)
			for at > 0 && mp3[at-1].Bitrate < r.Bitrate {
				at--
			}
			mp3 = append(mp3[:at], append([]Rendition{r}, mp3[at:]...)...)
		} else {
			other = append(other, r)
		}
	}
	return append(mp3, other...)
}

// Resolve turns the entry into a playable track using its best
// rendition. Returns false when no rendition is usable.
func (e *Entry) Resolve() (track.Track, bool) {
	r, ok := e.BestRendition()
	if !ok {
		return track.Track{}, false
	}
	return track.Track{
		ID:       e.ID,
		Title:    e.Title,
		Artist:   e.Artist,
		Album:    e.Album,
		Duration: e.DurationMs,
		Bitrate:  r.Bitrate,
		Format:   r.Format,
		Size:     r.Size,
	}, true
}

// ResolveEntries resolves a list of entries, dropping the unplayable
// ones.
func ResolveEntries(entries []Entry) []track.Track {
	tracks := make([]track.Track, 0, len(entries))
	for i := range entries {
		if t, ok := entries[i].Resolve(); ok {
			tracks = append(tracks, t)
		}
	}
	return tracks
}

// Client is the HTTP client for the catalog API.
type Client struct {
	client *resty.Client
}

// NewClient creates a catalog client with sensible defaults.
func NewClient(baseURL, authToken string) *Client {
	return &Client{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(requestTimeout).
			SetAuthToken(authToken),
	}
}

// Playlist fetches the tracks of a playlist.
func (c *Client) Playlist(ctx context.Context, playlistID string) ([]Entry, error) {
	resp, err := c.client.R().SetContext(ctx).Get(fmt.Sprintf("/playlists/%s.json", playlistID))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist %s: %w", playlistID, err)
	}

	if !resp.IsSuccess() {
		return nil, fmt.Errorf("api returned status %d: %s", resp.StatusCode(), resp.Status())
	}

	var response struct {
		ID     string  `json:"id"`
		Tracks []Entry `json:"tracks"`
	}
	if err := json.Unmarshal(resp.Body(), &response); err != nil {
		return nil, fmt.Errorf("failed to parse playlist response: %w", err)
	}

	return response.Tracks, nil
}

// Recommendations fetches up to limit recommended tracks.
func (c *Client) Recommendations(ctx context.Context, limit int) ([]Entry, error) {
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("limit", fmt.Sprintf("%d", limit)).
		Get("/recommendations.json")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch recommendations: %w", err)
	}

	if !resp.IsSuccess() {
		return nil, fmt.Errorf("api returned status %d: %s", resp.StatusCode(), resp.Status())
	}

	var response struct {
		Tracks []Entry `json:"tracks"`
	}
	if err := json.Unmarshal(resp.Body(), &response); err != nil {
		return nil, fmt.Errorf("failed to parse recommendations response: %w", err)
	}

	return response.Tracks, nil
}

// NextTracks returns playable recommended tracks, which lets the client
// feed the playback queue directly.
func (c *Client) NextTracks(ctx context.Context, limit int) ([]track.Track, error) {
	entries, err := c.Recommendations(ctx, limit)
	if err != nil {
		return nil, err
	}
	return ResolveEntries(entries), nil
}
