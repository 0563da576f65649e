// Package session provides the authenticated gateway to the music
// service: chunk and metadata fetches performed with a session token
// obtained from an external session provider.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/spotix/engine/internal/track"
)

const requestTimeout = 30 * time.Second

// Gateway is the fetch capability consumed by the engine. Implementations
// must be safe for concurrent use.
type Gateway interface {
	// Fetch retrieves one byte range of a track's audio data.
	Fetch(ctx context.Context, trackID string, rng track.ByteRange) ([]byte, error)
	// Metadata resolves a track descriptor.
	Metadata(ctx context.Context, trackID string) (*track.Track, error)
}

// TokenProvider supplies and refreshes the opaque session token. The
// authentication handshake itself lives outside the engine.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	// Refresh obtains a new token after the current one expired.
	Refresh(ctx context.Context) (string, error)
}

// HTTPGateway talks to the service's content endpoints over HTTP.
type HTTPGateway struct {
	client *resty.Client
	tokens TokenProvider

	mu    sync.RWMutex
	token string
}

// NewHTTPGateway creates a gateway for the given base URL. The token
// provider is consulted lazily on first use.
func NewHTTPGateway(baseURL string, tokens TokenProvider) *HTTPGateway {
	return &HTTPGateway{
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(requestTimeout),
		tokens: tokens,
	}
}

func (g *HTTPGateway) sessionToken(ctx context.Context) (string, error) {
	g.mu.RLock()
	tok := g.token
	g.mu.RUnlock()
	if tok != "" {
		return tok, nil
	}

	tok, err := g.tokens.Token(ctx)
	if err != nil {
		return "", &NetworkError{Kind: AuthExpired, Op: "token", Err: err}
	}
	g.mu.Lock()
	g.token = tok
	g.mu.Unlock()
	return tok, nil
}

// RefreshToken asks the external session provider for a fresh token.
// Called by the retry layer after an AuthExpired failure.
func (g *HTTPGateway) RefreshToken(ctx context.Context) error {
	tok, err := g.tokens.Refresh(ctx)
	if err != nil {
		return &NetworkError{Kind: AuthExpired, Op: "refresh", Err: err}
	}
	g.mu.Lock()
	g.token = tok
	g.mu.Unlock()
	log.Debug().Msg("Session token refreshed")
	return nil
}

// Fetch retrieves rng bytes of the track's audio via an HTTP range request.
func (g *HTTPGateway) Fetch(ctx context.Context, trackID string, rng track.ByteRange) ([]byte, error) {
	tok, err := g.sessionToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetAuthToken(tok).
		SetHeader("Range", fmt.Sprintf("bytes=%d-%d", rng.Offset, rng.End()-1)).
		Get(fmt.Sprintf("/audio/%s", trackID))
	if err != nil {
		return nil, &NetworkError{Kind: Transient, Op: "fetch", Err: err}
	}

	if resp.StatusCode() != http.StatusOK && resp.StatusCode() != http.StatusPartialContent {
		return nil, classifyStatus("fetch", resp.StatusCode(), resp.Status())
	}

	body := resp.Body()
	data := make([]byte, len(body))
	copy(data, body)
	return data, nil
}

// Metadata resolves the track descriptor from the service.
func (g *HTTPGateway) Metadata(ctx context.Context, trackID string) (*track.Track, error) {
	tok, err := g.sessionToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetAuthToken(tok).
		Get(fmt.Sprintf("/tracks/%s.json", trackID))
	if err != nil {
		return nil, &NetworkError{Kind: Transient, Op: "metadata", Err: err}
	}

	if !resp.IsSuccess() {
		return nil, classifyStatus("metadata", resp.StatusCode(), resp.Status())
	}

	var t track.Track
	if err := json.Unmarshal(resp.Body(), &t); err != nil {
		return nil, &NetworkError{Kind: Permanent, Op: "metadata", Err: fmt.Errorf("failed to parse track response: %w", err)}
	}
	return &t, nil
}

func classifyStatus(op string, code int, status string) *NetworkError {
	err := fmt.Errorf("service returned status %d: %s", code, status)
	switch {
	case code == http.StatusUnauthorized:
		return &NetworkError{Kind: AuthExpired, Op: op, Err: err}
	case code == http.StatusNotFound,
		code == http.StatusBadRequest,
		code == http.StatusForbidden,
		code == http.StatusGone,
		code == http.StatusRequestedRangeNotSatisfiable:
		return &NetworkError{Kind: Permanent, Op: op, Err: err}
	default:
		// 429, 5xx and everything else is worth retrying.
		return &NetworkError{Kind: Transient, Op: op, Err: err}
	}
}
