package player

import (
	"sync"
	"time"

	"github.com/spotix/engine/internal/track"
)

// EventType enumerates the engine's externally visible events.
type EventType int

const (
	EventLoading EventType = iota
	EventBuffering
	EventPlaying
	EventPaused
	EventResumed
	EventSeeked
	EventTrackEnded
	EventTrackSkipped
	EventCrossfading
	EventUnderrun
	EventError
	EventStopped
)

func (t EventType) String() string {
	switch t {
	case EventLoading:
		return "loading"
	case EventBuffering:
		return "buffering"
	case EventPlaying:
		return "playing"
	case EventPaused:
		return "paused"
	case EventResumed:
		return "resumed"
	case EventSeeked:
		return "seeked"
	case EventTrackEnded:
		return "track-ended"
	case EventTrackSkipped:
		return "track-skipped"
	case EventCrossfading:
		return "crossfading"
	case EventUnderrun:
		return "underrun"
	case EventError:
		return "error"
	case EventStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Event is one typed notification from the engine. The engine never
// holds references to subscribers beyond their channel.
type Event struct {
	Type     EventType
	Track    *track.Track
	Position time.Duration
	Err      error
}

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber that falls behind loses events rather than stalling the
// state machine.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener. The returned cancel func removes the
// subscription; subscribers own their lifetime and unsubscribe
// independently of the engine.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers e to every subscriber with room in its buffer.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
