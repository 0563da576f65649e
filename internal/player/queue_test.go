package player

import (
	"testing"

	"github.com/spotix/engine/internal/track"
)

func queueTracks(ids ...string) []track.Track {
	tracks := make([]track.Track, len(ids))
	for i, id := range ids {
		tracks[i] = track.Track{ID: id}
	}
	return tracks
}

func TestQueueSequentialAdvance(t *testing.T) {
	q := newQueue()
	q.replace(queueTracks("a", "b", "c"), 0)

	cur, ok := q.current()
	if !ok || cur.ID != "a" {
		t.Fatalf("current() = %v, want a", cur)
	}

	next, ok := q.following()
	if !ok || next.ID != "b" {
		t.Fatalf("following() = %v, want b", next)
	}

	q.skipToNext()
	cur, _ = q.current()
	if cur.ID != "b" {
		t.Errorf("current() after skip = %q, want b", cur.ID)
	}

	q.skipToNext()
	q.skipToNext()
	if _, ok := q.current(); ok {
		t.Error("current() should be empty past the end")
	}
	if !q.empty() {
		t.Error("empty() = false past the end")
	}
}

func TestQueueSkipToPreviousStopsAtStart(t *testing.T) {
	q := newQueue()
	q.replace(queueTracks("a", "b"), 1)

	q.skipToPrevious()
	cur, _ := q.current()
	if cur.ID != "a" {
		t.Errorf("current() = %q, want a", cur.ID)
	}

	q.skipToPrevious()
	cur, _ = q.current()
	if cur.ID != "a" {
		t.Errorf("current() = %q after skipping past start, want a", cur.ID)
	}
}

func TestQueueAddNext(t *testing.T) {
	q := newQueue()
	q.replace(queueTracks("a", "c"), 0)
	q.addNext(track.Track{ID: "b"})

	next, _ := q.following()
	if next.ID != "b" {
		t.Errorf("following() = %q after addNext, want b", next.ID)
	}
	if got := len(q.remaining()); got != 3 {
		t.Errorf("remaining() length = %d, want 3", got)
	}
}

func TestQueueAddAppendsToEnd(t *testing.T) {
	q := newQueue()
	q.replace(queueTracks("a"), 0)
	q.add(track.Track{ID: "z"})

	rem := q.remaining()
	if len(rem) != 2 || rem[1].ID != "z" {
		t.Errorf("remaining() = %v, want [a z]", rem)
	}
}

func TestQueueRemainingIsACopy(t *testing.T) {
	q := newQueue()
	q.replace(queueTracks("a", "b"), 0)

	rem := q.remaining()
	rem[0].ID = "mutated"

	cur, _ := q.current()
	if cur.ID != "a" {
		t.Error("remaining() must not alias queue storage")
	}
}

func TestQueueReplaceClampsPosition(t *testing.T) {
	q := newQueue()
	q.replace(queueTracks("a", "b"), -3)

	cur, ok := q.current()
	if !ok || cur.ID != "a" {
		t.Errorf("current() = %v with negative position, want a", cur)
	}

	q.clear()
	if !q.empty() {
		t.Error("empty() = false after clear")
	}
}
