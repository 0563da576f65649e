package player

import (
	"context"
	"testing"
	"time"

	"github.com/gopxl/beep/v2"

	"github.com/spotix/engine/internal/audio"
	"github.com/spotix/engine/internal/track"
)

// blockedChunks hangs every fetch until its context is cancelled.
type blockedChunks struct{}

func (blockedChunks) GetOrFetch(ctx context.Context, _ track.ChunkKey) (*track.AudioChunk, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWaitForDrainHoldsUnplayedAudio(t *testing.T) {
	ring := audio.NewRing(1024)
	if err := ring.Push(context.Background(), audio.PCMFrame{Samples: make([][2]float64, 100)}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	done := make(chan bool, 1)
	go func() { done <- waitForDrain(context.Background(), ring, nil) }()

	select {
	case <-done:
		t.Fatal("waitForDrain returned while the ring still held samples")
	case <-time.After(30 * time.Millisecond):
	}

	dst := make([][2]float64, 100)
	ring.Pull(dst)

	select {
	case ok := <-done:
		if !ok {
			t.Error("waitForDrain = false, want true once the ring empties")
		}
	case <-time.After(time.Second):
		t.Fatal("waitForDrain did not return after the ring emptied")
	}
}

func TestWaitForDrainStopsOnCancel(t *testing.T) {
	ring := audio.NewRing(1024)
	if err := ring.Push(context.Background(), audio.PCMFrame{Samples: make([][2]float64, 100)}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() { done <- waitForDrain(ctx, ring, nil) }()
	cancel()

	select {
	case ok := <-done:
		if ok {
			t.Error("waitForDrain = true after cancellation, want false")
		}
	case <-time.After(time.Second):
		t.Fatal("waitForDrain did not honor cancellation")
	}
}

func TestPlaybackPositionLagsByRingDepth(t *testing.T) {
	rate := beep.SampleRate(1000)
	ring := audio.NewRing(1024)
	if err := ring.Push(context.Background(), audio.PCMFrame{Samples: make([][2]float64, 250), Rate: rate}); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	trk := testTracks(1)[0]
	p := &pipeline{
		ring: ring,
		cur:  &source{track: &trk, samples: 1000},
	}

	// One second pushed, a quarter still queued: the audible clock
	// reads 750ms.
	if got := p.playbackPos(rate); got != 750*time.Millisecond {
		t.Errorf("playbackPos() = %v, want 750ms", got)
	}

	// Right after a seek the ring may hold more than has been counted
	// since the anchor; never report earlier than the anchor itself.
	p.cur = &source{track: &trk, startPos: 10 * time.Second, samples: 100}
	if got := p.playbackPos(rate); got != 10*time.Second {
		t.Errorf("playbackPos() = %v, want the 10s anchor", got)
	}
}

func TestStopReturnsWhileAwaitingHeader(t *testing.T) {
	trk := testTracks(1)[0]
	src, err := openSource(context.Background(), blockedChunks{}, &trk, 0, 0)
	if err != nil {
		t.Fatalf("openSource() error = %v", err)
	}

	pipe := newPipeline(context.Background(), src, audio.NewRing(64), audio.EqualizerSettings{}, audio.CrossfadeConfig{}, 50*time.Millisecond)

	done := make(chan struct{})
	go func() {
		pipe.stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stop() did not return while the pump waited for the stream header")
	}
}
