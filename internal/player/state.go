package player

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/spotix/engine/internal/audio"
	"github.com/spotix/engine/internal/config"
	"github.com/spotix/engine/internal/track"
)

// State is the playback state machine's current mode.
type State int

const (
	StateIdle State = iota
	StateLoading
	StateBuffering
	StatePlaying
	StatePaused
	StateSeeking
	StateCrossfading
	StateError
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateLoading:
		return "LOADING"
	case StateBuffering:
		return "BUFFERING"
	case StatePlaying:
		return "PLAYING"
	case StatePaused:
		return "PAUSED"
	case StateSeeking:
		return "SEEKING"
	case StateCrossfading:
		return "CROSSFADING"
	case StateError:
		return "ERROR"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Session is a read-only snapshot of the playback session, safe to hand
// to observers.
type Session struct {
	State      State
	Track      *track.Track
	PositionMs int64
	Queue      []track.Track
	Volume     int
	Equalizer  audio.EqualizerSettings
	Crossfade  audio.CrossfadeConfig
	LastError  string
}

// SavedState is the persisted form of the playback session, written on
// graceful shutdown and rehydrated on startup into a paused session.
type SavedState struct {
	TrackID    string                  `yaml:"track_id"`
	PositionMs int64                   `yaml:"position_ms"`
	Queue      []track.Track           `yaml:"queue"`
	Volume     int                     `yaml:"volume"`
	Equalizer  audio.EqualizerSettings `yaml:"equalizer"`
	Crossfade  audio.CrossfadeConfig   `yaml:"crossfade"`
}

// SaveState writes the state file atomically.
func SaveState(path string, s *SavedState) error {
	if err := config.AtomicWriteYAML(path, s); err != nil {
		return fmt.Errorf("failed to save playback state: %w", err)
	}
	return nil
}

// LoadState reads a previously saved state. A missing file is not an
// error; it returns (nil, nil).
func LoadState(path string) (*SavedState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read playback state: %w", err)
	}

	var s SavedState
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse playback state: %w", err)
	}
	s.Volume = config.ClampVolume(s.Volume)
	s.Equalizer.Clamp()
	return &s, nil
}
