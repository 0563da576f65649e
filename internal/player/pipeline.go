package player

import (
	"context"
	"errors"
	"time"

	"github.com/gopxl/beep/v2"
	"github.com/rs/zerolog/log"

	"github.com/spotix/engine/internal/audio"
	"github.com/spotix/engine/internal/session"
	"github.com/spotix/engine/internal/track"
)

// ChunkSource serves audio chunks, normally the content cache.
type ChunkSource interface {
	GetOrFetch(ctx context.Context, key track.ChunkKey) (*track.AudioChunk, error)
}

type internalKind int

const (
	ipFirstFrame internalKind = iota
	ipBuffered
	ipPosition
	ipTrackEnded
	ipDecodeError
	ipFetchError
	ipCrossfadeDone
)

// internalEvent flows from pipeline goroutines back into the state
// machine's single event loop.
type internalEvent struct {
	kind     internalKind
	track    *track.Track
	position time.Duration
	rate     beep.SampleRate
	err      error
}

// source is one track's decode session plus the loader goroutine that
// feeds it chunks in byte-range order.
type source struct {
	track    *track.Track
	sess     *audio.DecodeSession
	eq       *audio.Equalizer
	startPos time.Duration
	samples  int64
	cancel   context.CancelFunc
	fetchErr chan error
}

// openSource starts a decode session for t anchored at startPos and a
// loader feeding it from chunks. Seek latency is bounded by one chunk:
// the session opens at the chunk containing the target byte and
// discards decoded audio up to the exact target.
func openSource(ctx context.Context, chunks ChunkSource, t *track.Track, startPos time.Duration, chunkSize int64) (*source, error) {
	startMs := startPos.Milliseconds()
	byteOffset := t.ByteOffsetForPosition(startMs)
	firstKey := t.ChunkKeyAt(byteOffset, chunkSize)

	// Audio between the chunk boundary and the target is decoded then
	// thrown away so the seek lands on its exact sample.
	var discard time.Duration
	if t.Bitrate > 0 {
		chunkStartMs := firstKey.Range.Offset * 8 / int64(t.Bitrate)
		if startMs > chunkStartMs {
			discard = time.Duration(startMs-chunkStartMs) * time.Millisecond
		}
	}

	sess, err := audio.NewDecodeSession(t, firstKey.Range.Offset, discard)
	if err != nil {
		return nil, err
	}

	loaderCtx, cancel := context.WithCancel(ctx)
	s := &source{
		track:    t,
		sess:     sess,
		startPos: startPos,
		cancel:   cancel,
		fetchErr: make(chan error, 1),
	}
	go s.load(loaderCtx, chunks, firstKey, chunkSize)
	return s, nil
}

// load fetches chunks in order and feeds the decode session. Stops at
// the end of the track, on cancellation, or on a permanent fetch error.
func (s *source) load(ctx context.Context, chunks ChunkSource, first track.ChunkKey, chunkSize int64) {
	t := s.track
	offset := first.Range.Offset

	for {
		if ctx.Err() != nil {
			return
		}
		key := t.ChunkKeyAt(offset, chunkSize)
		if key.Range.Length <= 0 {
			s.sess.FinishInput()
			return
		}

		chunk, err := chunks.GetOrFetch(ctx, key)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// A permanent range failure past the first chunk means we
			// ran off the end of a track with unknown size.
			if t.Size <= 0 && offset > first.Range.Offset && session.Classify(err) == session.Permanent {
				s.sess.FinishInput()
				return
			}
			select {
			case s.fetchErr <- err:
			default:
			}
			return
		}

		if err := s.sess.Feed(chunk); err != nil {
			// Session closed underneath us; nothing to report.
			log.Debug().Err(err).Str("track", t.ID).Msg("Chunk feed stopped")
			return
		}

		offset = key.Range.End()
		if t.Size > 0 && offset >= t.Size {
			s.sess.FinishInput()
			return
		}
	}
}

// pos returns the position this source has been decoded and pushed up
// to. The audible position lags it by whatever still sits in the ring.
func (s *source) pos(rate beep.SampleRate) time.Duration {
	return s.startPos + rate.D(int(s.samples))
}

func (s *source) close() {
	s.cancel()
	s.sess.Close()
}

type pipeCommandKind int

const (
	pipeStartCrossfade pipeCommandKind = iota
	pipeUpdateEqualizer
)

type pipeCommand struct {
	kind pipeCommandKind
	next *source
	eq   audio.EqualizerSettings
}

const (
	positionReportEvery = 250 * time.Millisecond
	starvedPollDelay    = 5 * time.Millisecond
)

// pipeline pumps one track (two during a crossfade) through the DSP
// chain into the ring buffer. It owns its sources; the state machine
// talks to it only through commands and internal events.
type pipeline struct {
	ring      *audio.Ring
	minBuffer time.Duration
	eqSet     audio.EqualizerSettings
	fadeCfg   audio.CrossfadeConfig

	events chan internalEvent
	cmds   chan pipeCommand

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	cur  *source
	next *source
}

// newPipeline starts the pump. Each pipeline owns its event channel, so
// events from a replaced pipeline can never reach the state machine.
func newPipeline(parent context.Context, cur *source, ring *audio.Ring, eqSet audio.EqualizerSettings, fadeCfg audio.CrossfadeConfig, minBuffer time.Duration) *pipeline {
	ctx, cancel := context.WithCancel(parent)
	p := &pipeline{
		ring:      ring,
		minBuffer: minBuffer,
		eqSet:     eqSet,
		fadeCfg:   fadeCfg,
		events:    make(chan internalEvent, 16),
		cmds:      make(chan pipeCommand, 4),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		cur:       cur,
	}
	go p.run()
	return p
}

// startCrossfade hands the preloaded next source to the pump.
func (p *pipeline) startCrossfade(next *source) {
	select {
	case p.cmds <- pipeCommand{kind: pipeStartCrossfade, next: next}:
	case <-p.ctx.Done():
		next.close()
	}
}

// updateEqualizer swaps the gain vector mid-stream.
func (p *pipeline) updateEqualizer(eq audio.EqualizerSettings) {
	select {
	case p.cmds <- pipeCommand{kind: pipeUpdateEqualizer, eq: eq}:
	case <-p.ctx.Done():
	}
}

// stop cancels the pump and waits for it to exit. Cancellation takes
// effect at a frame boundary, never mid-frame. The pump owns the
// sources and closes them on its way out; touching them here would race
// with crossfade promotion.
func (p *pipeline) stop() {
	p.cancel()
	<-p.done
}

func (p *pipeline) emit(ev internalEvent) {
	select {
	case p.events <- ev:
	case <-p.ctx.Done():
	}
}

func (p *pipeline) run() {
	defer close(p.done)
	defer func() {
		p.cur.close()
		if p.next != nil {
			p.next.close()
		}
	}()

	rate, ok := p.awaitFormat()
	if !ok {
		return
	}

	p.cur.eq = audio.NewEqualizer(p.eqSet, rate)
	mixer := audio.NewMixer(p.fadeCfg, rate)

	minSamples := rate.N(p.minBuffer)
	reportEvery := rate.N(positionReportEvery)
	sinceReport := 0
	firstFrame := false
	buffered := false

	for {
		select {
		case <-p.ctx.Done():
			return
		case cmd := <-p.cmds:
			switch cmd.kind {
			case pipeStartCrossfade:
				p.beginCrossfade(cmd.next, mixer, rate)
			case pipeUpdateEqualizer:
				p.eqSet = cmd.eq
				p.cur.eq = audio.NewEqualizer(cmd.eq, rate)
			}
			continue
		default:
		}

		frame, err := p.cur.sess.NextFrame()
		switch {
		case err == nil:
			if !firstFrame {
				firstFrame = true
				p.emit(internalEvent{kind: ipFirstFrame, track: p.cur.track, rate: rate})
			}

			frame = p.cur.eq.Apply(frame)
			if mixer.Active() && p.next != nil {
				frame = p.mixNext(mixer, frame, rate)
			}

			if pushErr := p.ring.Push(p.ctx, frame); pushErr != nil {
				return
			}
			p.cur.samples += int64(len(frame.Samples))

			if mixer.Done() && p.next != nil {
				p.promoteNext(rate)
			}

			if !buffered && p.ring.Len() >= minSamples {
				buffered = true
				p.emit(internalEvent{kind: ipBuffered, track: p.cur.track, rate: rate})
			}
			sinceReport += len(frame.Samples)
			if sinceReport >= reportEvery {
				sinceReport = 0
				p.emit(internalEvent{kind: ipPosition, track: p.cur.track, position: p.playbackPos(rate), rate: rate})
			}

		case errors.Is(err, audio.ErrNeedsMoreData):
			select {
			case ferr := <-p.cur.fetchErr:
				p.emit(internalEvent{kind: ipFetchError, track: p.cur.track, err: ferr})
				return
			case <-p.ctx.Done():
				return
			case <-time.After(starvedPollDelay):
			}

		case errors.Is(err, audio.ErrEndOfStream):
			if !buffered {
				p.emit(internalEvent{kind: ipBuffered, track: p.cur.track, rate: rate})
			}
			// The decoder is done but the ring still holds the tail of
			// the track. Ending now would let the next track's setup
			// clear unplayed audio.
			if !waitForDrain(p.ctx, p.ring, func() {
				p.emit(internalEvent{kind: ipPosition, track: p.cur.track, position: p.playbackPos(rate), rate: rate})
			}) {
				return
			}
			p.emit(internalEvent{kind: ipTrackEnded, track: p.cur.track, position: p.cur.pos(rate)})
			return

		default:
			p.emit(internalEvent{kind: ipDecodeError, track: p.cur.track, err: err})
			return
		}
	}
}

// playbackPos is the audible position: what has been pushed minus what
// still sits unplayed in the ring.
func (p *pipeline) playbackPos(rate beep.SampleRate) time.Duration {
	pos := p.cur.pos(rate) - rate.D(p.ring.Len())
	if pos < p.cur.startPos {
		pos = p.cur.startPos
	}
	return pos
}

// waitForDrain blocks until the sink has consumed everything in the
// ring, invoking onTick periodically so position reporting keeps moving
// while the tail plays out. Returns false when ctx is cancelled first.
func waitForDrain(ctx context.Context, ring *audio.Ring, onTick func()) bool {
	ticker := time.NewTicker(positionReportEvery)
	defer ticker.Stop()
	for ring.Len() > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if onTick != nil {
				onTick()
			}
		case <-time.After(starvedPollDelay):
		}
	}
	return true
}

// awaitFormat waits for the decode header, watching for early fetch
// failures so a dead loader cannot wedge the pump.
func (p *pipeline) awaitFormat() (beep.SampleRate, bool) {
	type result struct {
		format beep.Format
		err    error
	}
	ch := make(chan result, 1)
	go func() {
		f, err := p.cur.sess.Format()
		ch <- result{format: f, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			p.emit(internalEvent{kind: ipDecodeError, track: p.cur.track, err: r.err})
			return 0, false
		}
		return r.format.SampleRate, true
	case ferr := <-p.cur.fetchErr:
		p.emit(internalEvent{kind: ipFetchError, track: p.cur.track, err: ferr})
		return 0, false
	case <-p.ctx.Done():
		return 0, false
	}
}

// beginCrossfade arms the mixer, clamping the overlap so it never
// exceeds the outgoing track's remaining duration. A next track whose
// sample rate differs (or is not yet known) cannot be mixed without
// resampling, so the blend is skipped and the track starts through the
// normal transition path instead.
func (p *pipeline) beginCrossfade(next *source, mixer *audio.Mixer, rate beep.SampleRate) {
	if f, ok := next.sess.TryFormat(); !ok || f.SampleRate != rate {
		next.close()
		log.Debug().Str("track", next.track.ID).Msg("Crossfade skipped, sample rate unknown or mismatched")
		return
	}

	limit := 0
	if p.cur.track.Duration > 0 {
		remaining := p.cur.track.DurationTime() - p.cur.pos(rate)
		if remaining > 0 {
			limit = rate.N(remaining)
		}
	}
	p.next = next
	p.next.eq = audio.NewEqualizer(p.eqSet, rate)
	mixer.Begin(limit)
	log.Debug().Str("from", p.cur.track.ID).Str("to", next.track.ID).Msg("Crossfade started")
}

// mixNext blends in the incoming stream. A starved incoming decoder
// contributes silence rather than stalling the outgoing stream.
func (p *pipeline) mixNext(mixer *audio.Mixer, outgoing audio.PCMFrame, rate beep.SampleRate) audio.PCMFrame {
	in, err := p.next.sess.NextFrame()
	if err != nil {
		in = audio.PCMFrame{Samples: make([][2]float64, len(outgoing.Samples)), Rate: rate}
	} else {
		in = p.next.eq.Apply(in)
		p.next.samples += int64(len(in.Samples))
	}
	return mixer.Mix(outgoing, in)
}

// promoteNext makes the faded-in track current once the blend is done.
func (p *pipeline) promoteNext(rate beep.SampleRate) {
	old := p.cur
	p.cur = p.next
	p.next = nil
	old.close()
	p.emit(internalEvent{
		kind:     ipCrossfadeDone,
		track:    p.cur.track,
		position: p.playbackPos(rate),
		rate:     rate,
	})
}
