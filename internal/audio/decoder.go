package audio

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/gopxl/beep/v2/mp3"
	"github.com/rs/zerolog/log"

	"github.com/spotix/engine/internal/track"
)

// Sentinel results of NextFrame.
var (
	// ErrNeedsMoreData means the session has no decoded frame ready;
	// feed more chunks or try again shortly.
	ErrNeedsMoreData = errors.New("decoder needs more data")
	// ErrEndOfStream means the session has decoded all fed input after
	// FinishInput.
	ErrEndOfStream = errors.New("end of stream")
	// ErrOutOfOrder means a chunk was fed out of byte-range order.
	ErrOutOfOrder = errors.New("chunk fed out of order")
)

// DecodeErrorKind classifies fatal decode failures.
type DecodeErrorKind int

const (
	Corrupt DecodeErrorKind = iota
	UnsupportedFormat
)

// DecodeError is fatal for its track; the session cannot be reused.
type DecodeError struct {
	Kind    DecodeErrorKind
	TrackID string
	Err     error
}

func (e *DecodeError) Error() string {
	kind := "corrupt stream"
	if e.Kind == UnsupportedFormat {
		kind = "unsupported format"
	}
	return fmt.Sprintf("decode failed for track %s: %s: %v", e.TrackID, kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

const frameChannelSize = 64

// DecodeSession turns compressed chunks into PCM frames for one track.
// Chunks must be fed strictly in byte-range order; output is a lazy,
// forward-only frame sequence. Seeking requires a new session anchored
// at the chunk containing the target offset.
type DecodeSession struct {
	trackID string
	pr      *io.PipeReader
	pw      *io.PipeWriter
	frames  chan PCMFrame
	quit    chan struct{}

	discard     time.Duration // decoded audio to drop before the seek target
	closeOnce   sync.Once
	finishOnce  sync.Once
	formatReady chan struct{}

	mu         sync.Mutex
	nextOffset int64
	format     beep.Format
	err        error
}

// NewDecodeSession opens a decode session for t anchored at startOffset.
// discard is the span of decoded audio to throw away before the first
// emitted frame, used to land a seek on its exact target sample.
func NewDecodeSession(t *track.Track, startOffset int64, discard time.Duration) (*DecodeSession, error) {
	if f := strings.ToLower(t.Format); f != "" && f != "mp3" {
		return nil, &DecodeError{
			Kind:    UnsupportedFormat,
			TrackID: t.ID,
			Err:     fmt.Errorf("format %q not supported", t.Format),
		}
	}

	pr, pw := io.Pipe()
	s := &DecodeSession{
		trackID:     t.ID,
		pr:          pr,
		pw:          pw,
		frames:      make(chan PCMFrame, frameChannelSize),
		quit:        make(chan struct{}),
		discard:     discard,
		formatReady: make(chan struct{}),
		nextOffset:  startOffset,
	}
	go s.run()
	return s, nil
}

// Feed appends one chunk of compressed input. Chunks must arrive in
// byte-range order with no gaps. Blocks when the decoder is saturated;
// unblocked by Close.
func (s *DecodeSession) Feed(chunk *track.AudioChunk) error {
	s.mu.Lock()
	if chunk.Key.Range.Offset != s.nextOffset {
		expected := s.nextOffset
		s.mu.Unlock()
		return fmt.Errorf("%w: got offset %d, expected %d", ErrOutOfOrder, chunk.Key.Range.Offset, expected)
	}
	s.nextOffset = chunk.Key.Range.End()
	s.mu.Unlock()

	if _, err := s.pw.Write(chunk.Data); err != nil {
		if decodeErr := s.Err(); decodeErr != nil {
			return decodeErr
		}
		return err
	}
	return nil
}

// FinishInput signals that no more chunks will be fed; the decoder
// drains to the end of the stream.
func (s *DecodeSession) FinishInput() {
	s.finishOnce.Do(func() {
		s.pw.Close()
	})
}

// NextFrame returns the next decoded frame. It never blocks: with
// nothing buffered it returns ErrNeedsMoreData, after the final frame
// ErrEndOfStream, and a fatal failure as *DecodeError.
func (s *DecodeSession) NextFrame() (PCMFrame, error) {
	select {
	case frame, ok := <-s.frames:
		if !ok {
			if err := s.Err(); err != nil {
				return PCMFrame{}, err
			}
			return PCMFrame{}, ErrEndOfStream
		}
		return frame, nil
	default:
		if err := s.Err(); err != nil {
			return PCMFrame{}, err
		}
		return PCMFrame{}, ErrNeedsMoreData
	}
}

// Format returns the stream's decoded format, blocking until the header
// has been parsed or the session dies.
func (s *DecodeSession) Format() (beep.Format, error) {
	select {
	case <-s.formatReady:
	case <-s.quit:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return beep.Format{}, s.err
	}
	return s.format, nil
}

// TryFormat is the non-blocking variant of Format. ok is false until the
// header has been parsed, or when the session died before parsing it.
func (s *DecodeSession) TryFormat() (beep.Format, bool) {
	select {
	case <-s.formatReady:
	default:
		return beep.Format{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return beep.Format{}, false
	}
	return s.format, true
}

// Err returns the fatal decode error, if any.
func (s *DecodeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// NextOffset returns the byte offset the next fed chunk must start at.
func (s *DecodeSession) NextOffset() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextOffset
}

// Close tears the session down. Pending Feed calls unblock with an
// error; the decode goroutine exits at its next frame boundary.
func (s *DecodeSession) Close() {
	s.closeOnce.Do(func() {
		close(s.quit)
		s.pr.CloseWithError(io.ErrClosedPipe)
		s.pw.CloseWithError(io.ErrClosedPipe)
	})
}

func (s *DecodeSession) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

// run is the decode goroutine: parse the header, then stream fixed-size
// frames into the channel until input ends or the session is closed.
func (s *DecodeSession) run() {
	defer close(s.frames)

	streamer, format, err := mp3.Decode(s.pr)
	if err != nil {
		if !s.closing() {
			s.setErr(&DecodeError{Kind: UnsupportedFormat, TrackID: s.trackID, Err: err})
			log.Debug().Err(err).Str("track", s.trackID).Msg("Failed to open decoder")
		}
		return
	}
	defer streamer.Close()

	s.mu.Lock()
	s.format = format
	s.mu.Unlock()
	close(s.formatReady)

	frameLen := FrameSamples(format.SampleRate)
	buf := make([][2]float64, frameLen)
	discardLeft := format.SampleRate.N(s.discard)

	for {
		n, ok := streamer.Stream(buf)
		if n > 0 {
			samples := buf[:n]
			if discardLeft > 0 {
				drop := discardLeft
				if drop > len(samples) {
					drop = len(samples)
				}
				samples = samples[drop:]
				discardLeft -= drop
			}
			if len(samples) > 0 {
				frame := PCMFrame{Samples: make([][2]float64, len(samples)), Rate: format.SampleRate}
				copy(frame.Samples, samples)
				select {
				case s.frames <- frame:
				case <-s.quit:
					return
				}
			}
		}
		if !ok {
			if err := streamer.Err(); err != nil && !s.closing() {
				s.setErr(&DecodeError{Kind: Corrupt, TrackID: s.trackID, Err: err})
				log.Debug().Err(err).Str("track", s.trackID).Msg("Decode error mid-stream")
			}
			return
		}
	}
}

func (s *DecodeSession) closing() bool {
	select {
	case <-s.quit:
		return true
	default:
		return false
	}
}
