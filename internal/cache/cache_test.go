package cache

import (
	"bytes"
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spotix/engine/internal/track"
)

func chunkKey(trackID string, offset, length int64) track.ChunkKey {
	return track.ChunkKey{TrackID: trackID, Range: track.ByteRange{Offset: offset, Length: length}}
}

// countingFetch returns length bytes per request and counts fetches per
// key.
type countingFetch struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCountingFetch() *countingFetch {
	return &countingFetch{counts: make(map[string]int)}
}

func (f *countingFetch) fn(_ context.Context, key track.ChunkKey) ([]byte, error) {
	f.mu.Lock()
	f.counts[key.String()]++
	f.mu.Unlock()
	return bytes.Repeat([]byte{0xAB}, int(key.Range.Length)), nil
}

func (f *countingFetch) count(key track.ChunkKey) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[key.String()]
}

func TestGetOrFetchCachesChunk(t *testing.T) {
	fetch := newCountingFetch()
	c, err := Open(t.TempDir(), 0, fetch.fn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	key := chunkKey("t1", 0, 100)

	chunk, err := c.GetOrFetch(context.Background(), key)
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if !chunk.Valid || len(chunk.Data) != 100 {
		t.Errorf("GetOrFetch() returned chunk valid=%v len=%d, want valid 100 bytes", chunk.Valid, len(chunk.Data))
	}

	if _, err := c.GetOrFetch(context.Background(), key); err != nil {
		t.Fatalf("GetOrFetch() second call error = %v", err)
	}

	if got := fetch.count(key); got != 1 {
		t.Errorf("Fetch count = %d, want 1 (second call should hit the cache)", got)
	}

	used, _ := c.Usage()
	if used != 100 {
		t.Errorf("Usage() = %d, want 100", used)
	}
}

func TestEvictionDropsLeastRecentlyUsed(t *testing.T) {
	fetch := newCountingFetch()
	c, err := Open(t.TempDir(), 250, fetch.fn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	keyA := chunkKey("t1", 0, 100)
	keyB := chunkKey("t1", 100, 100)
	keyC := chunkKey("t1", 200, 100)

	for _, k := range []track.ChunkKey{keyA, keyB} {
		if _, err := c.GetOrFetch(ctx, k); err != nil {
			t.Fatalf("GetOrFetch(%s) error = %v", k, err)
		}
	}

	// Touch A so B becomes the eviction candidate.
	if _, err := c.GetOrFetch(ctx, keyA); err != nil {
		t.Fatalf("GetOrFetch(A) error = %v", err)
	}

	if _, err := c.GetOrFetch(ctx, keyC); err != nil {
		t.Fatalf("GetOrFetch(C) error = %v", err)
	}

	used, limit := c.Usage()
	if used > limit {
		t.Errorf("Usage() = %d, exceeds limit %d", used, limit)
	}

	// A survived, B was evicted.
	if _, err := c.GetOrFetch(ctx, keyA); err != nil {
		t.Fatalf("GetOrFetch(A) error = %v", err)
	}
	if got := fetch.count(keyA); got != 1 {
		t.Errorf("Fetch count for A = %d, want 1", got)
	}

	if _, err := c.GetOrFetch(ctx, keyB); err != nil {
		t.Fatalf("GetOrFetch(B) error = %v", err)
	}
	if got := fetch.count(keyB); got != 2 {
		t.Errorf("Fetch count for B = %d, want 2 (should have been evicted)", got)
	}
}

func TestConcurrentRequestsShareOneFetch(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})

	c, err := Open(t.TempDir(), 0, func(ctx context.Context, key track.ChunkKey) ([]byte, error) {
		calls.Add(1)
		<-release
		return bytes.Repeat([]byte{0x01}, int(key.Range.Length)), nil
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	key := chunkKey("t1", 0, 64)
	const waiters = 5

	var wg sync.WaitGroup
	errs := make([]error, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetOrFetch(context.Background(), key)
		}(i)
	}

	// Let every waiter reach the in-flight wait before the fetch returns.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("waiter %d error = %v", i, err)
		}
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("Fetch calls = %d, want 1", got)
	}
}

func TestFailedFetchSharedWithWaiters(t *testing.T) {
	wantErr := errors.New("link down")
	release := make(chan struct{})

	c, err := Open(t.TempDir(), 0, func(context.Context, track.ChunkKey) ([]byte, error) {
		<-release
		return nil, wantErr
	})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	key := chunkKey("t1", 0, 64)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetOrFetch(context.Background(), key)
		}(i)
	}

	close(release)
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, wantErr) {
			t.Errorf("waiter %d error = %v, want %v", i, err, wantErr)
		}
	}

	used, _ := c.Usage()
	if used != 0 {
		t.Errorf("Usage() = %d after failed fetch, want 0", used)
	}
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	fetch := newCountingFetch()

	c, err := Open(dir, 0, fetch.fn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	key := chunkKey("t1", 0, 100)
	want, err := c.GetOrFetch(context.Background(), key)
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	// Reopen with a fetch that must not be called.
	c2, err := Open(dir, 0, func(context.Context, track.ChunkKey) ([]byte, error) {
		t.Error("fetch called for a persisted chunk")
		return nil, errors.New("unexpected fetch")
	})
	if err != nil {
		t.Fatalf("Open() after restart error = %v", err)
	}
	defer c2.Close()

	got, err := c2.GetOrFetch(context.Background(), key)
	if err != nil {
		t.Fatalf("GetOrFetch() after restart error = %v", err)
	}
	if !bytes.Equal(got.Data, want.Data) {
		t.Error("Persisted chunk data does not match original")
	}
}

func TestStaleIndexEntryDroppedOnOpen(t *testing.T) {
	dir := t.TempDir()
	fetch := newCountingFetch()

	c, err := Open(dir, 0, fetch.fn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	key := chunkKey("t1", 0, 100)
	if _, err := c.GetOrFetch(context.Background(), key); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	blob := c.blobPath(key)
	c.Close()

	// Truncate the blob so its size no longer matches the index.
	if err := os.WriteFile(blob, []byte("short"), 0644); err != nil {
		t.Fatalf("Failed to truncate blob: %v", err)
	}

	c2, err := Open(dir, 0, fetch.fn)
	if err != nil {
		t.Fatalf("Open() after corruption error = %v", err)
	}
	defer c2.Close()

	used, _ := c2.Usage()
	if used != 0 {
		t.Errorf("Usage() = %d after dropping stale entry, want 0", used)
	}

	if _, err := c2.GetOrFetch(context.Background(), key); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if got := fetch.count(key); got != 2 {
		t.Errorf("Fetch count = %d, want 2 (stale entry must be refetched)", got)
	}
}

func TestUnreadableBlobFallsBackToDirectFetch(t *testing.T) {
	fetch := newCountingFetch()
	c, err := Open(t.TempDir(), 0, fetch.fn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	key := chunkKey("t1", 0, 100)
	if _, err := c.GetOrFetch(context.Background(), key); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}

	if err := os.Remove(c.blobPath(key)); err != nil {
		t.Fatalf("Failed to remove blob: %v", err)
	}

	chunk, err := c.GetOrFetch(context.Background(), key)
	if err != nil {
		t.Fatalf("GetOrFetch() with missing blob error = %v", err)
	}
	if len(chunk.Data) != 100 {
		t.Errorf("Chunk length = %d, want 100", len(chunk.Data))
	}
	if got := fetch.count(key); got != 2 {
		t.Errorf("Fetch count = %d, want 2 (unreadable blob streams directly)", got)
	}
}

func TestOversizeChunkServedButNotCached(t *testing.T) {
	fetch := newCountingFetch()
	c, err := Open(t.TempDir(), 50, fetch.fn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	key := chunkKey("t1", 0, 100)
	chunk, err := c.GetOrFetch(context.Background(), key)
	if err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}
	if len(chunk.Data) != 100 {
		t.Errorf("Chunk length = %d, want 100", len(chunk.Data))
	}

	used, _ := c.Usage()
	if used != 0 {
		t.Errorf("Usage() = %d, want 0 (oversize chunk must not be cached)", used)
	}
}

func TestSetLimitShrinkEvictsImmediately(t *testing.T) {
	fetch := newCountingFetch()
	c, err := Open(t.TempDir(), 0, fetch.fn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	for i := int64(0); i < 4; i++ {
		if _, err := c.GetOrFetch(ctx, chunkKey("t1", i*100, 100)); err != nil {
			t.Fatalf("GetOrFetch() error = %v", err)
		}
	}

	c.SetLimit(150)
	used, limit := c.Usage()
	if used > limit {
		t.Errorf("Usage() = %d after shrink, exceeds limit %d", used, limit)
	}
}

func TestClear(t *testing.T) {
	fetch := newCountingFetch()
	c, err := Open(t.TempDir(), 0, fetch.fn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer c.Close()

	key := chunkKey("t1", 0, 100)
	if _, err := c.GetOrFetch(context.Background(), key); err != nil {
		t.Fatalf("GetOrFetch() error = %v", err)
	}

	if err := c.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}

	used, _ := c.Usage()
	if used != 0 {
		t.Errorf("Usage() = %d after Clear, want 0", used)
	}

	if _, err := c.GetOrFetch(context.Background(), key); err != nil {
		t.Fatalf("GetOrFetch() after Clear error = %v", err)
	}
	if got := fetch.count(key); got != 2 {
		t.Errorf("Fetch count = %d, want 2 (cleared chunk must be refetched)", got)
	}
}
