package audio

import (
	"context"
	"sync/atomic"
)

// DefaultRingSize is the ring capacity in samples (~3 s at 44.1 kHz).
const DefaultRingSize = 128 * 1024

// Ring is the bounded sample buffer between the DSP pipeline and the
// output sink. The producer side may block; the consumer side never
// does — an empty ring yields silence and counts an underrun, keeping
// the real-time audio callback free of network and disk stalls.
type Ring struct {
	samples    chan [2]float64
	underruns  atomic.Int64
	onUnderrun func()
}

// NewRing creates a ring holding up to capacity samples.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultRingSize
	}
	return &Ring{samples: make(chan [2]float64, capacity)}
}

// SetUnderrunFunc installs a non-fatal underrun notification. Called
// from the audio callback, so it must not block.
func (r *Ring) SetUnderrunFunc(fn func()) {
	r.onUnderrun = fn
}

// Push appends one frame's samples, blocking when the ring is full until
// the sink drains or ctx is cancelled.
func (r *Ring) Push(ctx context.Context, frame PCMFrame) error {
	for _, s := range frame.Samples {
		select {
		case r.samples <- s:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Pull fills dst with buffered samples without ever blocking. Positions
// past the available data are zeroed. Returns the number of real samples
// written; a short read on a non-empty request counts as an underrun.
func (r *Ring) Pull(dst [][2]float64) int {
	n := 0
	for i := range dst {
		select {
		case s := <-r.samples:
			dst[i] = s
			n++
		default:
			dst[i] = [2]float64{}
		}
	}
	if n < len(dst) {
		r.underruns.Add(1)
		if r.onUnderrun != nil {
			r.onUnderrun()
		}
	}
	return n
}

// Len returns the number of buffered samples.
func (r *Ring) Len() int {
	return len(r.samples)
}

// Cap returns the ring capacity in samples.
func (r *Ring) Cap() int {
	return cap(r.samples)
}

// FillPercent reports the buffer level as 0-100.
func (r *Ring) FillPercent() int {
	if cap(r.samples) == 0 {
		return 0
	}
	return len(r.samples) * 100 / cap(r.samples)
}

// Underruns returns the number of empty pulls observed so far.
func (r *Ring) Underruns() int64 {
	return r.underruns.Load()
}

// Drain discards all buffered samples. Used on seek and track switch.
func (r *Ring) Drain() {
	for {
		select {
		case <-r.samples:
		default:
			return
		}
	}
}
