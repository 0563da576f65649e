package player

import "github.com/spotix/engine/internal/track"

// queue is the sequential autoplay queue. Only the state machine
// goroutine touches it, so it needs no locking.
type queue struct {
	items []track.Track
	pos   int
}

func newQueue() *queue {
	return &queue{}
}

// current returns the track at the playback position.
func (q *queue) current() (*track.Track, bool) {
	if q.pos < 0 || q.pos >= len(q.items) {
		return nil, false
	}
	return &q.items[q.pos], true
}

// following returns the track after the playback position.
func (q *queue) following() (*track.Track, bool) {
	if q.pos+1 < 0 || q.pos+1 >= len(q.items) {
		return nil, false
	}
	return &q.items[q.pos+1], true
}

func (q *queue) skipToNext() {
	if q.pos < len(q.items) {
		q.pos++
	}
}

func (q *queue) skipToPrevious() {
	if q.pos > 0 {
		q.pos--
	}
}

// add appends to the end of the queue.
func (q *queue) add(t track.Track) {
	q.items = append(q.items, t)
}

// addNext inserts right after the current position.
func (q *queue) addNext(t track.Track) {
	at := q.pos + 1
	if at > len(q.items) {
		at = len(q.items)
	}
	q.items = append(q.items[:at], append([]track.Track{t}, q.items[at:]...)...)
}

// replace swaps the whole queue and jumps to position.
func (q *queue) replace(items []track.Track, position int) {
	q.items = make([]track.Track, len(items))
	copy(q.items, items)
	if position < 0 {
		position = 0
	}
	q.pos = position
}

func (q *queue) clear() {
	q.items = nil
	q.pos = 0
}

// remaining returns a copy of the tracks from the current position on.
func (q *queue) remaining() []track.Track {
	if q.pos >= len(q.items) {
		return nil
	}
	out := make([]track.Track, len(q.items)-q.pos)
	copy(out, q.items[q.pos:])
	return out
}

func (q *queue) empty() bool {
	return q.pos >= len(q.items)
}
