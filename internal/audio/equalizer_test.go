package audio

import (
	"math"
	"testing"
)

func sineFrame(freq float64, rate int, n int, amp float64) PCMFrame {
	frame := PCMFrame{Samples: make([][2]float64, n), Rate: DefaultSampleRate}
	for i := 0; i < n; i++ {
		v := amp * math.Sin(2*math.Pi*freq*float64(i)/float64(rate))
		frame.Samples[i] = [2]float64{v, v}
	}
	return frame
}

func rms(samples [][2]float64) float64 {
	var sum float64
	for _, s := range samples {
		sum += s[0] * s[0]
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func TestEqualizerFlatIsIdentity(t *testing.T) {
	eq := NewEqualizer(EqualizerSettings{Preset: "flat"}, DefaultSampleRate)
	in := sineFrame(440, 44100, 1024, 0.5)

	out := eq.Apply(in)

	for i := range in.Samples {
		if out.Samples[i] != in.Samples[i] {
			t.Fatalf("Sample %d changed with flat gains: got %v, want %v", i, out.Samples[i], in.Samples[i])
		}
	}
}

func TestEqualizerNearZeroGainsCountAsFlat(t *testing.T) {
	settings := EqualizerSettings{Gains: [BandCount]float64{0.001, -0.002, 0, 0, 0, 0, 0, 0, 0, 0.005}}
	if !settings.IsFlat() {
		t.Error("Gains below the epsilon should count as flat")
	}

	settings.Gains[3] = 0.5
	if settings.IsFlat() {
		t.Error("A half-dB gain is not flat")
	}
}

func TestEqualizerBassBoostRaisesLowFrequency(t *testing.T) {
	settings, err := PresetSettings("bass")
	if err != nil {
		t.Fatalf("PresetSettings(bass) error = %v", err)
	}
	eq := NewEqualizer(settings, DefaultSampleRate)

	in := sineFrame(62, 44100, 44100, 0.1)
	out := eq.Apply(in)

	// Skip the filter transient at the start.
	inRMS := rms(in.Samples[4410:])
	outRMS := rms(out.Samples[4410:])
	if outRMS <= inRMS {
		t.Errorf("62 Hz RMS after bass boost = %f, want > %f", outRMS, inRMS)
	}
}

func TestEqualizerCutLowersFrequency(t *testing.T) {
	settings := EqualizerSettings{Preset: "custom"}
	settings.Gains[5] = -12 // 1 kHz

	eq := NewEqualizer(settings, DefaultSampleRate)
	in := sineFrame(1000, 44100, 44100, 0.1)
	out := eq.Apply(in)

	inRMS := rms(in.Samples[4410:])
	outRMS := rms(out.Samples[4410:])
	if outRMS >= inRMS {
		t.Errorf("1 kHz RMS after -12 dB cut = %f, want < %f", outRMS, inRMS)
	}
}

func TestEqualizerStableAtExtremes(t *testing.T) {
	settings := EqualizerSettings{Preset: "custom"}
	for i := range settings.Gains {
		settings.Gains[i] = MaxGainDB
	}

	eq := NewEqualizer(settings, DefaultSampleRate)
	in := sineFrame(440, 44100, 44100, 1.0)
	out := eq.Apply(in)

	for i, s := range out.Samples {
		for ch := 0; ch < NumChannels; ch++ {
			if math.IsNaN(s[ch]) || math.IsInf(s[ch], 0) {
				t.Fatalf("Sample %d channel %d is not finite", i, ch)
			}
			if math.Abs(s[ch]) > 100 {
				t.Fatalf("Sample %d channel %d = %f, filter unstable", i, ch, s[ch])
			}
		}
	}
}

func TestEqualizerStateCarriesAcrossFrames(t *testing.T) {
	settings, _ := PresetSettings("rock")

	continuous := NewEqualizer(settings, DefaultSampleRate)
	chunked := NewEqualizer(settings, DefaultSampleRate)

	in := sineFrame(440, 44100, 2048, 0.5)
	whole := continuous.Apply(in)

	first := chunked.Apply(PCMFrame{Samples: in.Samples[:1024], Rate: in.Rate})
	second := chunked.Apply(PCMFrame{Samples: in.Samples[1024:], Rate: in.Rate})

	for i := range first.Samples {
		if math.Abs(first.Samples[i][0]-whole.Samples[i][0]) > 1e-12 {
			t.Fatalf("Chunked output diverges at sample %d", i)
		}
	}
	for i := range second.Samples {
		if math.Abs(second.Samples[i][0]-whole.Samples[1024+i][0]) > 1e-12 {
			t.Fatalf("Chunked output diverges at sample %d (second frame)", 1024+i)
		}
	}
}

func TestClampBoundsGains(t *testing.T) {
	settings := EqualizerSettings{Gains: [BandCount]float64{-40, 40, 0, 5, -5, 12, -12, 13, -13, 0}}
	settings.Clamp()

	want := [BandCount]float64{-12, 12, 0, 5, -5, 12, -12, 12, -12, 0}
	if settings.Gains != want {
		t.Errorf("Clamp() = %v, want %v", settings.Gains, want)
	}
}

func TestPresetSettings(t *testing.T) {
	for name := range Presets {
		settings, err := PresetSettings(name)
		if err != nil {
			t.Errorf("PresetSettings(%q) error = %v", name, err)
		}
		if settings.Preset != name {
			t.Errorf("PresetSettings(%q).Preset = %q", name, settings.Preset)
		}
	}

	if _, err := PresetSettings("does-not-exist"); err == nil {
		t.Error("PresetSettings() with unknown name should return an error")
	}
}

func TestFrameSamples(t *testing.T) {
	if got := FrameSamples(DefaultSampleRate); got != 882 {
		t.Errorf("FrameSamples(44100) = %d, want 882 (20 ms)", got)
	}
}

func TestFrameCloneIsDeep(t *testing.T) {
	in := sineFrame(440, 44100, 16, 0.5)
	clone := in.Clone()
	clone.Samples[0][0] = 99

	if in.Samples[0][0] == 99 {
		t.Error("Clone() shares backing storage with the original")
	}
	if clone.Duration() != in.Duration() {
		t.Errorf("Clone duration = %v, want %v", clone.Duration(), in.Duration())
	}
}
