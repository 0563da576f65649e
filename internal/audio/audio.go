// Package audio contains the streaming decoder and the real-time DSP
// chain: equalizer, crossfade mixer, and the ring buffer drained by the
// output sink.
package audio

import (
	"time"

	"github.com/gopxl/beep/v2"
)

const (
	DefaultSampleRate = beep.SampleRate(44100)
	NumChannels       = 2

	// FrameDuration is the fixed length of one PCM frame.
	FrameDuration = 20 * time.Millisecond
)

// FrameSamples returns the number of samples per channel in one frame at
// the given rate.
func FrameSamples(rate beep.SampleRate) int {
	return rate.N(FrameDuration)
}

// PCMFrame is a fixed-duration block of decoded samples. Frames flow
// through the DSP chain by replacement: each stage returns a new frame
// rather than mutating its input in place.
type PCMFrame struct {
	// Samples holds interleaved stereo pairs, beep's native layout.
	Samples [][2]float64
	Rate    beep.SampleRate
}

// Clone returns a deep copy of the frame.
func (f PCMFrame) Clone() PCMFrame {
	out := PCMFrame{Samples: make([][2]float64, len(f.Samples)), Rate: f.Rate}
	copy(out.Samples, f.Samples)
	return out
}

// Duration returns the frame's play time.
func (f PCMFrame) Duration() time.Duration {
	if f.Rate == 0 {
		return 0
	}
	return f.Rate.D(len(f.Samples))
}
