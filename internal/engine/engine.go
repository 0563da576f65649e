// Package engine assembles the playback components: gateway, retry
// layer, content cache, catalog, and the playback state machine.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spotix/engine/internal/audio"
	"github.com/spotix/engine/internal/cache"
	"github.com/spotix/engine/internal/catalog"
	"github.com/spotix/engine/internal/config"
	"github.com/spotix/engine/internal/fetch"
	"github.com/spotix/engine/internal/player"
	"github.com/spotix/engine/internal/session"
	"github.com/spotix/engine/internal/track"
)

// DefaultAutosaveInterval is how often the playback session is
// persisted while the engine runs.
const DefaultAutosaveInterval = 30 * time.Second

// Engine owns the wired component graph and its lifecycle.
type Engine struct {
	cfg     *config.Config
	gateway *session.HTTPGateway
	fetcher *fetch.Fetcher
	cache   *cache.Cache
	catalog *catalog.Client
	player  *player.Player

	statePath string

	mu           sync.Mutex
	saveTicker   *time.Ticker
	stopAutosave chan struct{}
}

// New wires an engine from configuration. The sink is injected so tests
// can run without an audio device.
func New(cfg *config.Config, tokens session.TokenProvider, sink audio.Sink) (*Engine, error) {
	gw := session.NewHTTPGateway(cfg.ServiceURL, tokens)
	fetcher := fetch.New(gw, cfg.Retry.Policy(), cfg.FetchWorkers)

	cacheDir, err := config.GetCacheDir()
	if err != nil {
		return nil, fmt.Errorf("failed to locate cache directory: %w", err)
	}
	contentCache, err := cache.Open(cacheDir, cfg.CacheLimitBytes(), func(ctx context.Context, key track.ChunkKey) ([]byte, error) {
		return fetcher.Fetch(ctx, key)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open content cache: %w", err)
	}

	statePath, err := config.GetStatePath()
	if err != nil {
		log.Warn().Err(err).Msg("Playback state will not be persisted")
		statePath = ""
	}

	token, err := tokens.Token(context.Background())
	if err != nil {
		log.Warn().Err(err).Msg("Starting catalog client without auth token")
	}
	catalogClient := catalog.NewClient(cfg.ServiceURL, token)

	p, err := player.New(player.Options{
		Chunks:      contentCache,
		Sink:        sink,
		Recommender: catalogClient,
		MinBuffer:   cfg.MinBuffer(),
		Volume:      cfg.Volume,
		Equalizer:   cfg.Equalizer,
		Crossfade:   cfg.Crossfade,
		StatePath:   statePath,
	})
	if err != nil {
		contentCache.Close()
		return nil, err
	}

	return &Engine{
		cfg:       cfg,
		gateway:   gw,
		fetcher:   fetcher,
		cache:     contentCache,
		catalog:   catalogClient,
		player:    p,
		statePath: statePath,
	}, nil
}

// Player returns the playback state machine.
func (e *Engine) Player() *player.Player { return e.player }

// Cache returns the content cache for inspection and maintenance.
func (e *Engine) Cache() *cache.Cache { return e.cache }

// Catalog returns the catalog client.
func (e *Engine) Catalog() *catalog.Client { return e.catalog }

// Run restores the previous session, starts periodic autosave, and
// drives the state machine until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	if e.statePath != "" {
		saved, err := player.LoadState(e.statePath)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to restore playback state")
		} else if saved != nil {
			e.player.Restore(saved)
			log.Info().Str("track", saved.TrackID).Int64("position_ms", saved.PositionMs).Msg("Restored playback session")
		}
	}

	e.startAutosave(DefaultAutosaveInterval)
	defer e.stopAutosaveTicker()

	e.player.Run(ctx)
}

// PlayTrack resolves a catalog entry by ID and starts it.
func (e *Engine) PlayTrack(ctx context.Context, trackID string) error {
	t, err := e.gateway.Metadata(ctx, trackID)
	if err != nil {
		return err
	}
	e.player.Load(*t)
	return nil
}

// PlayPlaylist loads a playlist into the queue and starts playback.
func (e *Engine) PlayPlaylist(ctx context.Context, playlistID string) error {
	entries, err := e.catalog.Playlist(ctx, playlistID)
	if err != nil {
		return err
	}
	tracks := catalog.ResolveEntries(entries)
	if len(tracks) == 0 {
		return fmt.Errorf("playlist %s has no playable tracks", playlistID)
	}
	e.player.LoadQueue(tracks, 0)
	return nil
}

// startAutosave periodically persists the session so a crash loses at
// most one interval of progress.
func (e *Engine) startAutosave(interval time.Duration) {
	if e.statePath == "" {
		return
	}
	e.stopAutosaveTicker()

	e.mu.Lock()
	e.saveTicker = time.NewTicker(interval)
	e.stopAutosave = make(chan struct{})
	ticker := e.saveTicker
	stopCh := e.stopAutosave
	e.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				e.saveSession()
			case <-stopCh:
				ticker.Stop()
				return
			}
		}
	}()

	log.Debug().Dur("interval", interval).Msg("Started periodic state autosave")
}

func (e *Engine) stopAutosaveTicker() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopAutosave != nil {
		close(e.stopAutosave)
		e.stopAutosave = nil
	}
}

func (e *Engine) saveSession() {
	s := e.player.Snapshot()
	saved := &player.SavedState{
		PositionMs: s.PositionMs,
		Queue:      s.Queue,
		Volume:     s.Volume,
		Equalizer:  s.Equalizer,
		Crossfade:  s.Crossfade,
	}
	if s.Track != nil {
		saved.TrackID = s.Track.ID
	}
	if err := player.SaveState(e.statePath, saved); err != nil {
		log.Warn().Err(err).Msg("Autosave failed")
	}
}

// Shutdown stops the state machine and releases the cache.
func (e *Engine) Shutdown() {
	e.player.Shutdown()
	e.stopAutosaveTicker()
	if err := e.cache.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close content cache")
	}
}
