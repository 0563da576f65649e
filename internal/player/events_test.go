package player

import (
	"testing"

	"github.com/spotix/engine/internal/track"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus()

	ch1, cancel1 := bus.Subscribe(4)
	ch2, cancel2 := bus.Subscribe(4)
	defer cancel1()
	defer cancel2()

	bus.Publish(Event{Type: EventPlaying, Track: &track.Track{ID: "t1"}})

	for i, ch := range []<-chan Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.Type != EventPlaying || ev.Track.ID != "t1" {
				t.Errorf("subscriber %d got %+v", i, ev)
			}
		default:
			t.Errorf("subscriber %d received nothing", i)
		}
	}
}

func TestBusPublishNeverBlocks(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(1)
	defer cancel()

	// The subscriber never drains; the second publish must drop, not
	// hang.
	bus.Publish(Event{Type: EventPlaying})
	bus.Publish(Event{Type: EventPaused})
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)

	cancel()
	if _, ok := <-ch; ok {
		t.Error("Channel should be closed after unsubscribe")
	}

	// A second cancel is a no-op.
	cancel()
	bus.Publish(Event{Type: EventStopped})
}

func TestEventTypeString(t *testing.T) {
	tests := []struct {
		typ  EventType
		want string
	}{
		{EventLoading, "loading"},
		{EventBuffering, "buffering"},
		{EventPlaying, "playing"},
		{EventPaused, "paused"},
		{EventResumed, "resumed"},
		{EventSeeked, "seeked"},
		{EventTrackEnded, "track-ended"},
		{EventTrackSkipped, "track-skipped"},
		{EventCrossfading, "crossfading"},
		{EventUnderrun, "underrun"},
		{EventError, "error"},
		{EventStopped, "stopped"},
		{EventType(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("EventType(%d).String() = %q, want %q", tt.typ, got, tt.want)
		}
	}
}
