package audio

import (
	"math"
	"time"

	"github.com/gopxl/beep/v2"
)

// Curve selects the crossfade blend shape.
type Curve string

const (
	// CurveLinear keeps the two envelopes summing to 1 at every instant.
	CurveLinear Curve = "linear"
	// CurveEqualPower keeps the squared envelopes summing to 1,
	// preserving perceived loudness through the blend.
	CurveEqualPower Curve = "equal-power"
)

// CrossfadeConfig is the session-wide crossfade configuration.
type CrossfadeConfig struct {
	DurationMs int   `json:"duration_ms" yaml:"duration_ms"`
	Curve      Curve `json:"curve" yaml:"curve"`
}

// Duration returns the configured overlap window.
func (c CrossfadeConfig) Duration() time.Duration {
	if c.DurationMs < 0 {
		return 0
	}
	return time.Duration(c.DurationMs) * time.Millisecond
}

// Enabled reports whether crossfading is on at all.
func (c CrossfadeConfig) Enabled() bool {
	return c.DurationMs > 0
}

// Envelopes returns the fade-out and fade-in gains at progress t in
// [0, 1] for the given curve.
func Envelopes(curve Curve, t float64) (out, in float64) {
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	switch curve {
	case CurveEqualPower:
		return math.Cos(t * math.Pi / 2), math.Sin(t * math.Pi / 2)
	default:
		return 1 - t, t
	}
}

// Mixer blends an outgoing and an incoming stream sample-for-sample over
// a configured number of samples. Outside an active fade it is a
// pass-through.
type Mixer struct {
	curve        Curve
	totalSamples int
	fadeTotal    int
	pos          int
	active       bool
}

// NewMixer creates a mixer for the given config at the given rate. A
// zero-duration config yields a mixer that never activates.
func NewMixer(cfg CrossfadeConfig, rate beep.SampleRate) *Mixer {
	return &Mixer{
		curve:        cfg.Curve,
		totalSamples: rate.N(cfg.Duration()),
	}
}

// Begin arms the fade. limitSamples clamps the overlap so it never
// exceeds the remaining duration of the outgoing track; zero means no
// clamp. No-op when the configured duration is zero.
func (m *Mixer) Begin(limitSamples int) {
	if m.totalSamples <= 0 {
		return
	}
	m.fadeTotal = m.totalSamples
	if limitSamples > 0 && limitSamples < m.fadeTotal {
		m.fadeTotal = limitSamples
	}
	m.active = true
	m.pos = 0
}

// Active reports whether a fade is in progress.
func (m *Mixer) Active() bool {
	return m.active
}

// Done reports whether the fade has run to completion.
func (m *Mixer) Done() bool {
	return m.fadeTotal > 0 && m.pos >= m.fadeTotal
}

// Mix blends one outgoing frame with one incoming frame, advancing the
// fade position. The frames must be the same length; the result is a new
// frame.
func (m *Mixer) Mix(outgoing, incoming PCMFrame) PCMFrame {
	if !m.active {
		return outgoing
	}
	n := len(outgoing.Samples)
	mixed := PCMFrame{Samples: make([][2]float64, n), Rate: outgoing.Rate}
	for i := 0; i < n; i++ {
		t := float64(m.pos+i) / float64(m.fadeTotal)
		outGain, inGain := Envelopes(m.curve, t)
		var in [2]float64
		if i < len(incoming.Samples) {
			in = incoming.Samples[i]
		}
		mixed.Samples[i][0] = outgoing.Samples[i][0]*outGain + in[0]*inGain
		mixed.Samples[i][1] = outgoing.Samples[i][1]*outGain + in[1]*inGain
	}
	m.pos += n
	if m.Done() {
		m.active = false
	}
	return mixed
}
