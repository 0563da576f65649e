// Package cache provides the size-bounded content cache for fetched
// audio chunks. Entries are deduplicated by chunk key, evicted least
// recently used first, and survive restarts through an on-disk index
// plus a blob area.
package cache

import (
	"container/list"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spotix/engine/internal/track"
)

// FetchFunc retrieves a chunk that is not resident. Supplied by the
// retry layer.
type FetchFunc func(ctx context.Context, key track.ChunkKey) ([]byte, error)

// ErrorKind classifies cache failures.
type ErrorKind int

const (
	IOFailure ErrorKind = iota
	Corruption
)

// Error is a cache-level failure. IOFailure is recoverable: callers fall
// back to uncached streaming for the affected chunk.
type Error struct {
	Kind ErrorKind
	Key  track.ChunkKey
	Err  error
}

func (e *Error) Error() string {
	kind := "io failure"
	if e.Kind == Corruption {
		kind = "corruption"
	}
	return fmt.Sprintf("cache %s for %s: %v", kind, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type entry struct {
	key        track.ChunkKey
	size       int64
	lastAccess time.Time
	elem       *list.Element
}

type flight struct {
	done chan struct{}
	data []byte
	err  error
}

// Cache is the deduplicating chunk store. The entry table and in-flight
// map are guarded by a single mutex held only for short sections — never
// across a network call.
type Cache struct {
	fetch FetchFunc
	dir   string
	index *index

	mu       sync.Mutex
	entries  map[string]*entry
	lru      *list.List // front = most recently used
	used     int64
	limit    int64
	inflight map[string]*flight
}

// Open creates or reopens a cache rooted at dir with the given byte
// limit (0 = unlimited). The persisted index is replayed; entries whose
// blobs are missing or mismatched are dropped and their space reclaimed.
func Open(dir string, limit int64, fetch FetchFunc) (*Cache, error) {
	blobDir := filepath.Join(dir, "audio")
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	idx, err := openIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to open cache index: %w", err)
	}

	c := &Cache{
		fetch:    fetch,
		dir:      dir,
		index:    idx,
		entries:  make(map[string]*entry),
		lru:      list.New(),
		limit:    limit,
		inflight: make(map[string]*flight),
	}
	c.restore()

	c.mu.Lock()
	evicted := c.enforceLimitLocked()
	c.mu.Unlock()
	if len(evicted) > 0 {
		c.dropBlobs(evicted)
		log.Debug().Int("evicted", len(evicted)).Msg("Cache trimmed to limit on open")
	}
	return c, nil
}

// restore replays the persisted index into the in-memory table in
// last-access order so the LRU list comes back correct.
func (c *Cache) restore() {
	for _, rec := range c.index.load() {
		path := c.blobPath(rec.Key)
		info, err := os.Stat(path)
		if err != nil || info.Size() != rec.Size {
			// Corrupted or missing blob: drop the record, treat the blob
			// as free space.
			log.Debug().Str("chunk", rec.Key.String()).Msg("Dropping stale cache index entry")
			c.index.remove(rec.Key)
			os.Remove(path)
			continue
		}
		e := &entry{key: rec.Key, size: rec.Size, lastAccess: rec.LastAccess}
		e.elem = c.lru.PushFront(e)
		c.entries[rec.Key.String()] = e
		c.used += rec.Size
	}
	log.Debug().Int("entries", len(c.entries)).Int64("bytes", c.used).Msg("Cache index restored")
}

func (c *Cache) blobPath(key track.ChunkKey) string {
	return filepath.Join(c.dir, "audio", hashKey(key))
}

func hashKey(key track.ChunkKey) string {
	sum := md5.Sum([]byte(key.String()))
	return hex.EncodeToString(sum[:])
}

// GetOrFetch returns the chunk for key, serving it from the cache when
// resident and fetching it otherwise. Concurrent callers for the same
// key share a single underlying fetch.
func (c *Cache) GetOrFetch(ctx context.Context, key track.ChunkKey) (*track.AudioChunk, error) {
	k := key.String()

	c.mu.Lock()
	if e, ok := c.entries[k]; ok {
		e.lastAccess = time.Now()
		c.lru.MoveToFront(e.elem)
		size := e.size
		last := e.lastAccess
		c.mu.Unlock()
		c.index.touch(key, last)

		data, err := os.ReadFile(c.blobPath(key))
		if err == nil && int64(len(data)) == size {
			return &track.AudioChunk{Key: key, Data: data, Valid: true}, nil
		}
		// Blob unreadable: degrade to a direct fetch for this chunk
		// instead of failing playback.
		log.Warn().Err(err).Str("chunk", k).Msg("Cache blob unreadable, streaming directly")
		c.remove(key)
		return c.fetchDirect(ctx, key)
	}

	if fl, ok := c.inflight[k]; ok {
		c.mu.Unlock()
		select {
		case <-fl.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if fl.err != nil {
			return nil, fl.err
		}
		return &track.AudioChunk{Key: key, Data: fl.data, Valid: true}, nil
	}

	fl := &flight{done: make(chan struct{})}
	c.inflight[k] = fl
	c.mu.Unlock()

	data, err := c.fetch(ctx, key)

	c.mu.Lock()
	delete(c.inflight, k)
	c.mu.Unlock()

	fl.data = data
	fl.err = err
	close(fl.done)

	if err != nil {
		return nil, err
	}

	c.insert(key, data)
	return &track.AudioChunk{Key: key, Data: data, Valid: true}, nil
}

// fetchDirect bypasses the cache entirely. Used when the blob area
// fails; the fetch result is handed to the caller without being stored.
func (c *Cache) fetchDirect(ctx context.Context, key track.ChunkKey) (*track.AudioChunk, error) {
	data, err := c.fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	return &track.AudioChunk{Key: key, Data: data, Valid: true}, nil
}

// insert stores a fetched chunk, evicting LRU entries first when the
// budget would be exceeded. Chunks larger than the whole budget are not
// cached at all.
func (c *Cache) insert(key track.ChunkKey, data []byte) {
	size := int64(len(data))

	c.mu.Lock()
	limit := c.limit
	c.mu.Unlock()
	if limit > 0 && size > limit {
		log.Debug().Str("chunk", key.String()).Int64("size", size).Msg("Chunk exceeds cache limit, not caching")
		return
	}

	if err := os.WriteFile(c.blobPath(key), data, 0644); err != nil {
		log.Warn().Err(err).Str("chunk", key.String()).Msg("Failed to write cache blob")
		return
	}

	now := time.Now()
	c.mu.Lock()
	if old, ok := c.entries[key.String()]; ok {
		// Raced with another insert of the same key; keep the fresh one.
		c.used -= old.size
		c.lru.Remove(old.elem)
	}
	e := &entry{key: key, size: size, lastAccess: now}
	e.elem = c.lru.PushFront(e)
	c.entries[key.String()] = e
	c.used += size
	evicted := c.enforceLimitLocked()
	c.mu.Unlock()

	c.index.put(key, size, now)
	if len(evicted) > 0 {
		c.dropBlobs(evicted)
		log.Debug().Int("evicted", len(evicted)).Msg("Evicted cache entries to restore budget")
	}
}

// enforceLimitLocked unlinks least recently used entries in a batch
// until resident size fits the limit and returns them for blob removal.
// Caller holds the lock; disk cleanup happens after release.
func (c *Cache) enforceLimitLocked() []*entry {
	if c.limit <= 0 {
		return nil
	}
	var victims []*entry
	for c.used > c.limit {
		back := c.lru.Back()
		if back == nil {
			break
		}
		e := back.Value.(*entry)
		c.lru.Remove(back)
		delete(c.entries, e.key.String())
		c.used -= e.size
		victims = append(victims, e)
	}
	return victims
}

func (c *Cache) dropBlobs(victims []*entry) {
	for _, e := range victims {
		os.Remove(c.blobPath(e.key))
		c.index.remove(e.key)
	}
}

// remove drops a single entry. Callers must not hold the lock.
func (c *Cache) remove(key track.ChunkKey) {
	c.mu.Lock()
	if e, ok := c.entries[key.String()]; ok {
		c.lru.Remove(e.elem)
		delete(c.entries, key.String())
		c.used -= e.size
	}
	c.mu.Unlock()
	os.Remove(c.blobPath(key))
	c.index.remove(key)
}

// Usage reports resident bytes and the configured limit.
func (c *Cache) Usage() (used, limit int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used, c.limit
}

// SetLimit changes the byte budget. Shrinking below current usage
// triggers immediate eviction.
func (c *Cache) SetLimit(limit int64) {
	c.mu.Lock()
	c.limit = limit
	evicted := c.enforceLimitLocked()
	c.mu.Unlock()
	if len(evicted) > 0 {
		c.dropBlobs(evicted)
		log.Debug().Int("evicted", len(evicted)).Int64("limit", limit).Msg("Cache limit shrunk")
	}
}

// Clear removes every entry and blob, recreating the layout.
func (c *Cache) Clear() error {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.lru = list.New()
	c.used = 0
	c.mu.Unlock()

	if err := c.index.clear(); err != nil {
		return &Error{Kind: IOFailure, Err: err}
	}
	blobDir := filepath.Join(c.dir, "audio")
	if err := os.RemoveAll(blobDir); err != nil {
		return &Error{Kind: IOFailure, Err: err}
	}
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return &Error{Kind: IOFailure, Err: err}
	}
	log.Info().Str("dir", c.dir).Msg("Cache cleared")
	return nil
}

// Close flushes and closes the persistent index.
func (c *Cache) Close() error {
	return c.index.close()
}
