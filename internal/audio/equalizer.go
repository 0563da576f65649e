package audio

import (
	"fmt"
	"math"

	"github.com/gopxl/beep/v2"
)

// BandCount is the fixed number of equalizer bands.
const BandCount = 10

// BandFreqs are the fixed center frequencies of the ten bands, in Hz.
var BandFreqs = [BandCount]float64{31, 62, 125, 250, 500, 1000, 2000, 4000, 8000, 16000}

const (
	MinGainDB = -12.0
	MaxGainDB = 12.0

	// Gains below this magnitude count as flat; an all-flat vector
	// bypasses the filters entirely so identity is exact.
	gainEpsilonDB = 0.01
)

// EqualizerSettings is the user-facing tone shaping configuration:
// exactly ten band gains in dB plus the name of the active preset
// ("custom" when hand-tuned).
type EqualizerSettings struct {
	Preset string             `json:"preset" yaml:"preset"`
	Gains  [BandCount]float64 `json:"gains" yaml:"gains"`
}

// Clamp bounds every gain to the legal range.
func (s *EqualizerSettings) Clamp() {
	for i, g := range s.Gains {
		if g < MinGainDB {
			s.Gains[i] = MinGainDB
		} else if g > MaxGainDB {
			s.Gains[i] = MaxGainDB
		}
	}
}

// IsFlat reports whether every gain is effectively zero.
func (s EqualizerSettings) IsFlat() bool {
	for _, g := range s.Gains {
		if math.Abs(g) > gainEpsilonDB {
			return false
		}
	}
	return true
}

// Presets holds the built-in equalizer curves.
var Presets = map[string][BandCount]float64{
	"flat":      {0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
	"rock":      {5, 4, 3, 1, -1, -1, 1, 3, 4, 5},
	"pop":       {-1, 1, 3, 4, 3, 1, 0, -1, -1, -2},
	"jazz":      {3, 2, 1, 2, -1, -1, 0, 1, 2, 3},
	"classical": {4, 3, 2, 0, 0, 0, -2, -2, 0, 2},
	"bass":      {7, 6, 5, 3, 1, 0, 0, 0, 0, 0},
}

// PresetSettings returns the settings for a named preset. An unknown
// name yields an error and never mutates anything.
func PresetSettings(name string) (EqualizerSettings, error) {
	gains, ok := Presets[name]
	if !ok {
		return EqualizerSettings{}, fmt.Errorf("unknown equalizer preset: %q", name)
	}
	return EqualizerSettings{Preset: name, Gains: gains}, nil
}

// Equalizer applies ten peaking biquad filters per channel. Filter state
// is carried across frames, so one Equalizer serves one decode stream.
type Equalizer struct {
	filters [NumChannels][BandCount]biquad
	active  bool
}

// NewEqualizer builds the filter bank for the given settings and sample
// rate. A flat gain vector produces a pass-through equalizer.
func NewEqualizer(settings EqualizerSettings, rate beep.SampleRate) *Equalizer {
	eq := &Equalizer{active: !settings.IsFlat()}
	if !eq.active {
		return eq
	}
	for ch := 0; ch < NumChannels; ch++ {
		for band := 0; band < BandCount; band++ {
			eq.filters[ch][band] = newPeaking(float64(rate), BandFreqs[band], 1.0, settings.Gains[band])
		}
	}
	return eq
}

// Apply shapes one frame, returning a new frame. With flat settings the
// input frame is returned untouched, bit-for-bit.
func (eq *Equalizer) Apply(frame PCMFrame) PCMFrame {
	if !eq.active {
		return frame
	}
	out := frame.Clone()
	for i := range out.Samples {
		for ch := 0; ch < NumChannels; ch++ {
			v := out.Samples[i][ch]
			for band := 0; band < BandCount; band++ {
				v = eq.filters[ch][band].process(v)
			}
			out.Samples[i][ch] = v
		}
	}
	return out
}

// biquad is a direct form II transposed second-order section.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	z1, z2     float64
}

// newPeaking designs a peaking filter at freq with the given Q and gain
// in dB. Frequencies are clamped below Nyquist to keep the filter stable
// at low sample rates.
func newPeaking(sampleRate, freq, q, gainDB float64) biquad {
	nyquist := sampleRate * 0.5
	if freq > nyquist*0.98 {
		freq = nyquist * 0.98
	}
	if freq < 10 {
		freq = 10
	}
	if q < 0.1 {
		q = 0.1
	}

	a := math.Pow(10, gainDB/40)
	omega := 2 * math.Pi * freq / sampleRate
	sin, cos := math.Sincos(omega)
	alpha := sin / (2 * q)

	b0 := 1 + alpha*a
	b1 := -2 * cos
	b2 := 1 - alpha*a
	a0 := 1 + alpha/a
	a1 := -2 * cos
	a2 := 1 - alpha/a

	return biquad{
		b0: b0 / a0,
		b1: b1 / a0,
		b2: b2 / a0,
		a1: a1 / a0,
		a2: a2 / a0,
	}
}

func (f *biquad) process(input float64) float64 {
	output := f.b0*input + f.z1
	f.z1 = f.b1*input - f.a1*output + f.z2
	f.z2 = f.b2*input - f.a2*output
	return output
}
