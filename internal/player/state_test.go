package player

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spotix/engine/internal/audio"
	"github.com/spotix/engine/internal/track"
)

func TestSaveLoadStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playback.yml")

	want := &SavedState{
		TrackID:    "trk-7",
		PositionMs: 123456,
		Queue: []track.Track{
			{ID: "trk-7", Title: "Seven", Format: "mp3", Bitrate: 320, Duration: 200000},
			{ID: "trk-8", Title: "Eight", Format: "mp3", Bitrate: 128, Duration: 90000},
		},
		Volume: 65,
		Equalizer: audio.EqualizerSettings{
			Preset: "rock",
			Gains:  [audio.BandCount]float64{5, 4, 3, 1, -1, -1, 1, 3, 4, 5},
		},
		Crossfade: audio.CrossfadeConfig{DurationMs: 4000, Curve: audio.CurveEqualPower},
	}

	if err := SaveState(path, want); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	got, err := LoadState(path)
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if got == nil {
		t.Fatal("LoadState() = nil, want saved state")
	}

	if got.TrackID != want.TrackID {
		t.Errorf("TrackID = %q, want %q", got.TrackID, want.TrackID)
	}
	if got.PositionMs != want.PositionMs {
		t.Errorf("PositionMs = %d, want %d", got.PositionMs, want.PositionMs)
	}
	if len(got.Queue) != 2 || got.Queue[1].ID != "trk-8" {
		t.Errorf("Queue = %v, want two tracks ending at trk-8", got.Queue)
	}
	if got.Equalizer != want.Equalizer {
		t.Errorf("Equalizer = %+v, want %+v", got.Equalizer, want.Equalizer)
	}
	if got.Crossfade != want.Crossfade {
		t.Errorf("Crossfade = %+v, want %+v", got.Crossfade, want.Crossfade)
	}
}

func TestLoadStateMissingFile(t *testing.T) {
	got, err := LoadState(filepath.Join(t.TempDir(), "nope.yml"))
	if err != nil {
		t.Fatalf("LoadState() error = %v, missing file should not fail", err)
	}
	if got != nil {
		t.Errorf("LoadState() = %+v, want nil for missing file", got)
	}
}

func TestLoadStateCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playback.yml")
	if err := os.WriteFile(path, []byte("{{{ not yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadState(path); err == nil {
		t.Error("LoadState() should fail on unparseable state")
	}
}

func TestLoadStateClampsValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "playback.yml")

	s := &SavedState{
		Volume:    300,
		Equalizer: audio.EqualizerSettings{Gains: [audio.BandCount]float64{50, -50, 0, 0, 0, 0, 0, 0, 0, 0}},
	}
	if err := SaveState(path, s); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}

	got, err := LoadState(path)
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if got.Volume != 100 {
		t.Errorf("Volume = %d, want clamped 100", got.Volume)
	}
	if got.Equalizer.Gains[0] != audio.MaxGainDB || got.Equalizer.Gains[1] != audio.MinGainDB {
		t.Errorf("Gains = %v, want clamped to ±%v", got.Equalizer.Gains, audio.MaxGainDB)
	}
}
