package audio

import (
	"fmt"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/effects"
	"github.com/gopxl/beep/v2/speaker"
	"github.com/rs/zerolog/log"
)

// SpeakerBufferSize is the hardware-side buffer handed to the speaker.
const SpeakerBufferSize = 250 * time.Millisecond

// ErrDeviceUnavailable wraps a failed audio device initialization. It is
// fatal: the engine halts playback rather than retrying, since the cause
// lies outside its control.
type ErrDeviceUnavailable struct {
	Err error
}

func (e *ErrDeviceUnavailable) Error() string {
	return fmt.Sprintf("audio device unavailable: %v", e.Err)
}

func (e *ErrDeviceUnavailable) Unwrap() error { return e.Err }

// Sink renders finished PCM frames on a real-time clock. The sink pulls;
// the engine only fills the ring the sink drains from.
type Sink interface {
	// Start begins pulling samples from the ring at the given rate.
	Start(rate beep.SampleRate, ring *Ring) error
	SampleRate() beep.SampleRate
	ChannelCount() int
	// SetPaused stops or resumes the pull clock.
	SetPaused(paused bool)
	// SetVolume adjusts output gain; volume is an exponent with base 2,
	// silent mutes entirely.
	SetVolume(volume float64, silent bool)
	// Clear drops any sink-side buffered audio.
	Clear()
	Close() error
}

// SpeakerSink plays through the system's default output device.
type SpeakerSink struct {
	rate   beep.SampleRate
	inited bool
	ctrl   *beep.Ctrl
	volume *effects.Volume
}

// NewSpeakerSink returns an unstarted speaker sink.
func NewSpeakerSink() *SpeakerSink {
	return &SpeakerSink{rate: DefaultSampleRate}
}

// ringStreamer adapts a Ring to beep's pull model. Pull never blocks, so
// the speaker callback stays real-time safe.
type ringStreamer struct {
	ring *Ring
}

func (rs *ringStreamer) Stream(samples [][2]float64) (int, bool) {
	rs.ring.Pull(samples)
	return len(samples), true
}

func (rs *ringStreamer) Err() error { return nil }

func (s *SpeakerSink) Start(rate beep.SampleRate, ring *Ring) error {
	if !s.inited || rate != s.rate {
		if err := speaker.Init(rate, rate.N(SpeakerBufferSize)); err != nil {
			return &ErrDeviceUnavailable{Err: err}
		}
		s.rate = rate
		s.inited = true
		log.Debug().Int("rate", int(rate)).Msg("Speaker initialized")
	}

	speaker.Clear()
	s.volume = &effects.Volume{
		Streamer: &ringStreamer{ring: ring},
		Base:     2,
	}
	s.ctrl = &beep.Ctrl{Streamer: s.volume}
	speaker.Play(s.ctrl)
	return nil
}

func (s *SpeakerSink) SampleRate() beep.SampleRate {
	return s.rate
}

func (s *SpeakerSink) ChannelCount() int {
	return NumChannels
}

func (s *SpeakerSink) SetPaused(paused bool) {
	if s.ctrl == nil {
		return
	}
	speaker.Lock()
	s.ctrl.Paused = paused
	speaker.Unlock()
}

func (s *SpeakerSink) SetVolume(volume float64, silent bool) {
	if s.volume == nil {
		return
	}
	speaker.Lock()
	s.volume.Volume = volume
	s.volume.Silent = silent
	speaker.Unlock()
}

func (s *SpeakerSink) Clear() {
	if s.inited {
		speaker.Clear()
	}
}

func (s *SpeakerSink) Close() error {
	if s.inited {
		speaker.Clear()
	}
	return nil
}
