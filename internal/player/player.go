// Package player implements the playback state machine. A single
// goroutine owns all mutable state; the public API and the pipeline
// goroutines talk to it exclusively through channels.
package player

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/spotix/engine/internal/audio"
	"github.com/spotix/engine/internal/config"
	"github.com/spotix/engine/internal/track"
)

const (
	// MinVolumeDB is the quietest non-silent volume in the exponential
	// scale used by the output stage.
	MinVolumeDB = -10.0
	// VolumeCurveExponent shapes the percent-to-level curve so the low
	// end of the dial is usable.
	VolumeCurveExponent = 0.5

	// preloadLead is how far before the end of the current track the
	// next track's fetch begins.
	preloadLead = 30 * time.Second
	// previousRestartThreshold decides whether Previous restarts the
	// current track or jumps back a track.
	previousRestartThreshold = 3 * time.Second
	// maxConsecutiveFailures halts autoplay after this many tracks in a
	// row fail to load or decode.
	maxConsecutiveFailures = 3

	recommendBatch = 5
)

// Recommender supplies tracks when the queue runs dry. Autoplay stops
// when it is nil or returns nothing.
type Recommender interface {
	NextTracks(ctx context.Context, limit int) ([]track.Track, error)
}

// Options wires the player's collaborators.
type Options struct {
	Chunks      ChunkSource
	Sink        audio.Sink
	Recommender Recommender

	MinBuffer    time.Duration
	ChunkSize    int64
	RingCapacity int

	Volume    int
	Equalizer audio.EqualizerSettings
	Crossfade audio.CrossfadeConfig

	// StatePath, when set, is where the session is persisted on
	// shutdown.
	StatePath string
}

type cmdKind int

const (
	cmdLoad cmdKind = iota
	cmdLoadQueue
	cmdAddToQueue
	cmdPlay
	cmdPause
	cmdToggle
	cmdStop
	cmdNext
	cmdPrevious
	cmdSeek
	cmdSetVolume
	cmdSetEqualizer
	cmdSnapshot
	cmdShutdown
)

type command struct {
	kind     cmdKind
	track    track.Track
	tracks   []track.Track
	index    int
	position time.Duration
	volume   int
	eq       audio.EqualizerSettings
	reply    chan Session
}

type recResult struct {
	tracks []track.Track
	err    error
}

// Player is the playback engine facade. All methods are safe for
// concurrent use; they enqueue commands for the state machine loop.
type Player struct {
	opts Options
	bus  *Bus

	cmds       chan command
	recs       chan recResult
	underrunCh chan struct{}
	finished   chan struct{}

	// Everything below is owned by the run loop.
	runCtx      context.Context
	state       State
	cur         *track.Track
	positionMs  int64
	queue       *queue
	volume      int
	eq          audio.EqualizerSettings
	fade        audio.CrossfadeConfig
	lastErr     string
	failures    int
	seeking     bool
	startPaused bool
	awaitingRec bool
	ring        *audio.Ring
	pipe        *pipeline
	preload     *source
	sinkLive    bool
}

// New builds a player. Run must be started before any command has an
// effect.
func New(opts Options) (*Player, error) {
	if opts.Chunks == nil {
		return nil, errors.New("player: chunk source is required")
	}
	if opts.Sink == nil {
		return nil, errors.New("player: audio sink is required")
	}
	if opts.MinBuffer <= 0 {
		opts.MinBuffer = config.DefaultMinBufferMs * time.Millisecond
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = track.DefaultChunkSize
	}
	opts.Equalizer.Clamp()

	return &Player{
		opts:       opts,
		bus:        NewBus(),
		cmds:       make(chan command, 64),
		recs:       make(chan recResult, 1),
		underrunCh: make(chan struct{}, 1),
		finished:   make(chan struct{}),
		state:      StateIdle,
		queue:      newQueue(),
		volume:     config.ClampVolume(opts.Volume),
		eq:         opts.Equalizer,
		fade:       opts.Crossfade,
	}, nil
}

// Events returns a subscription to the player's event stream.
func (p *Player) Events(buffer int) (<-chan Event, func()) {
	return p.bus.Subscribe(buffer)
}

// Restore rehydrates a previously saved session into a paused player.
// Must be called before Run.
func (p *Player) Restore(saved *SavedState) {
	if saved == nil {
		return
	}
	pos := 0
	for i, t := range saved.Queue {
		if t.ID == saved.TrackID {
			pos = i
			break
		}
	}
	p.queue.replace(saved.Queue, pos)
	if t, ok := p.queue.current(); ok {
		p.cur = t
		p.positionMs = saved.PositionMs
		p.state = StatePaused
	}
	p.volume = config.ClampVolume(saved.Volume)
	p.eq = saved.Equalizer
	p.eq.Clamp()
	p.fade = saved.Crossfade
}

// Load replaces the queue with a single track and starts it.
func (p *Player) Load(t track.Track) { p.send(command{kind: cmdLoad, track: t}) }

// LoadQueue replaces the queue and starts from index.
func (p *Player) LoadQueue(tracks []track.Track, index int) {
	p.send(command{kind: cmdLoadQueue, tracks: tracks, index: index})
}

// AddToQueue appends a track without disturbing playback.
func (p *Player) AddToQueue(t track.Track) { p.send(command{kind: cmdAddToQueue, track: t}) }

func (p *Player) Play()        { p.send(command{kind: cmdPlay}) }
func (p *Player) Pause()       { p.send(command{kind: cmdPause}) }
func (p *Player) TogglePause() { p.send(command{kind: cmdToggle}) }
func (p *Player) Stop()        { p.send(command{kind: cmdStop}) }
func (p *Player) Next()        { p.send(command{kind: cmdNext}) }
func (p *Player) Previous()    { p.send(command{kind: cmdPrevious}) }

// Seek jumps to an absolute position in the current track.
func (p *Player) Seek(position time.Duration) {
	p.send(command{kind: cmdSeek, position: position})
}

func (p *Player) SetVolume(percent int) {
	p.send(command{kind: cmdSetVolume, volume: percent})
}

// SetEqualizer applies a gain vector. Gains are clamped to the valid
// range.
func (p *Player) SetEqualizer(settings audio.EqualizerSettings) {
	settings.Clamp()
	p.send(command{kind: cmdSetEqualizer, eq: settings})
}

// SetEqualizerPreset applies a named preset. Unknown names leave the
// current gains untouched.
func (p *Player) SetEqualizerPreset(name string) error {
	settings, err := audio.PresetSettings(name)
	if err != nil {
		return err
	}
	p.send(command{kind: cmdSetEqualizer, eq: settings})
	return nil
}

// Snapshot returns a point-in-time copy of the session.
func (p *Player) Snapshot() Session {
	reply := make(chan Session, 1)
	select {
	case p.cmds <- command{kind: cmdSnapshot, reply: reply}:
		select {
		case s := <-reply:
			return s
		case <-p.finished:
		}
	case <-p.finished:
	}
	return p.sessionAfterShutdown()
}

// Shutdown persists the session and stops the run loop.
func (p *Player) Shutdown() {
	p.send(command{kind: cmdShutdown})
	<-p.finished
}

func (p *Player) send(cmd command) {
	select {
	case p.cmds <- cmd:
	case <-p.finished:
	}
}

func (p *Player) sessionAfterShutdown() Session {
	return Session{State: StateStopped}
}

// Run executes the state machine until ctx is cancelled or Shutdown is
// called. It must be called exactly once.
func (p *Player) Run(ctx context.Context) {
	p.runCtx = ctx
	defer close(p.finished)
	defer p.teardown()

	for {
		var pipeEvents <-chan internalEvent
		if p.pipe != nil {
			pipeEvents = p.pipe.events
		}

		select {
		case <-ctx.Done():
			p.persist()
			return
		case cmd := <-p.cmds:
			if cmd.kind == cmdShutdown {
				p.persist()
				return
			}
			p.handleCommand(cmd)
		case ev := <-pipeEvents:
			p.handlePipelineEvent(ev)
		case r := <-p.recs:
			p.handleRecommendations(r)
		case <-p.underrunCh:
			p.bus.Publish(Event{Type: EventUnderrun, Track: p.cur, Position: p.position()})
		}
	}
}

func (p *Player) teardown() {
	p.stopPipeline()
	p.dropPreload()
	if err := p.opts.Sink.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close audio sink")
	}
	p.setState(StateStopped)
	p.bus.Publish(Event{Type: EventStopped, Track: p.cur})
}

func (p *Player) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdLoad:
		p.queue.replace([]track.Track{cmd.track}, 0)
		p.failures = 0
		p.startCurrent(0)

	case cmdLoadQueue:
		if len(cmd.tracks) == 0 {
			return
		}
		p.queue.replace(cmd.tracks, cmd.index)
		p.failures = 0
		p.startCurrent(0)

	case cmdAddToQueue:
		p.queue.add(cmd.track)
		log.Debug().Str("track", cmd.track.ID).Msg("Track queued")

	case cmdPlay:
		p.play()

	case cmdPause:
		p.pause()

	case cmdToggle:
		if p.state == StatePaused {
			p.play()
		} else {
			p.pause()
		}

	case cmdStop:
		p.stopPlayback()

	case cmdNext:
		p.skipNext()

	case cmdPrevious:
		p.skipPrevious()

	case cmdSeek:
		p.seek(cmd.position)

	case cmdSetVolume:
		p.volume = config.ClampVolume(cmd.volume)
		p.applyVolume()

	case cmdSetEqualizer:
		p.eq = cmd.eq
		if p.pipe != nil {
			p.pipe.updateEqualizer(cmd.eq)
		}
		log.Debug().Str("preset", cmd.eq.Preset).Msg("Equalizer updated")

	case cmdSnapshot:
		cmd.reply <- p.snapshot()
	}
}

func (p *Player) handlePipelineEvent(ev internalEvent) {
	switch ev.kind {
	case ipFirstFrame:
		if p.state == StateLoading {
			p.setState(StateBuffering)
			p.bus.Publish(Event{Type: EventBuffering, Track: ev.track})
		}

	case ipBuffered:
		p.onBuffered(ev)

	case ipPosition:
		p.positionMs = ev.position.Milliseconds()
		p.maybePreload(ev)
		p.maybeCrossfade(ev)

	case ipTrackEnded:
		p.positionMs = ev.position.Milliseconds()
		p.bus.Publish(Event{Type: EventTrackEnded, Track: ev.track, Position: ev.position})
		p.advance()

	case ipCrossfadeDone:
		p.cur = ev.track
		p.positionMs = ev.position.Milliseconds()
		p.queue.skipToNext()
		p.failures = 0
		p.setState(StatePlaying)
		p.bus.Publish(Event{Type: EventPlaying, Track: p.cur, Position: ev.position})

	case ipDecodeError, ipFetchError:
		p.onTrackError(ev.track, ev.err)
	}
}

// onBuffered fires when the ring holds enough audio to start. The sink
// is only attached here, so a track that never buffers never touches
// the device.
func (p *Player) onBuffered(ev internalEvent) {
	if err := p.opts.Sink.Start(ev.rate, p.ring); err != nil {
		p.fatal(err)
		return
	}
	p.sinkLive = true
	p.applyVolume()
	p.failures = 0

	if p.seeking {
		p.seeking = false
		p.bus.Publish(Event{Type: EventSeeked, Track: p.cur, Position: p.position()})
	}
	if p.startPaused {
		p.startPaused = false
		p.opts.Sink.SetPaused(true)
		p.setState(StatePaused)
		p.bus.Publish(Event{Type: EventPaused, Track: p.cur, Position: p.position()})
		return
	}
	p.opts.Sink.SetPaused(false)
	p.setState(StatePlaying)
	p.bus.Publish(Event{Type: EventPlaying, Track: p.cur, Position: p.position()})
}

// maybePreload opens the next track's source shortly before the current
// one ends so its first chunks are cached by the time they are needed.
func (p *Player) maybePreload(ev internalEvent) {
	if p.preload != nil || p.state != StatePlaying {
		return
	}
	next, ok := p.queue.following()
	if !ok {
		return
	}
	remaining := p.remaining(ev)
	if remaining <= 0 || remaining > preloadLead {
		return
	}
	src, err := openSource(p.runCtx, p.opts.Chunks, next, 0, p.opts.ChunkSize)
	if err != nil {
		log.Warn().Err(err).Str("track", next.ID).Msg("Preload failed")
		return
	}
	p.preload = src
	log.Debug().Str("track", next.ID).Msg("Preloading next track")
}

// maybeCrossfade arms the mixer once the remaining duration drops to
// the configured overlap.
func (p *Player) maybeCrossfade(ev internalEvent) {
	if p.state != StatePlaying || !p.fade.Enabled() || p.preload == nil {
		return
	}
	next, ok := p.queue.following()
	if !ok || p.preload.track.ID != next.ID {
		return
	}
	remaining := p.remaining(ev)
	if remaining <= 0 || remaining > p.fade.Duration() {
		return
	}
	src := p.preload
	p.preload = nil
	p.pipe.startCrossfade(src)
	p.setState(StateCrossfading)
	p.bus.Publish(Event{Type: EventCrossfading, Track: p.cur, Position: ev.position})
}

func (p *Player) remaining(ev internalEvent) time.Duration {
	if p.cur == nil || p.cur.Duration <= 0 {
		return 0
	}
	return p.cur.DurationTime() - ev.position
}

// advance moves to the next queued track after a natural end, reusing
// the preloaded source when it matches.
func (p *Player) advance() {
	p.queue.skipToNext()
	next, ok := p.queue.current()
	if ok && p.preload != nil && p.preload.track.ID == next.ID {
		src := p.preload
		p.preload = nil
		p.startWithSource(next, src, 0)
		return
	}
	p.dropPreload()
	if ok {
		p.startCurrent(0)
		return
	}
	p.requestRecommendations()
}

// onTrackError skips past a track that cannot be played, stopping
// entirely after too many consecutive failures.
func (p *Player) onTrackError(t *track.Track, err error) {
	p.lastErr = err.Error()
	p.failures++
	log.Error().Err(err).Str("track", t.ID).Int("consecutive", p.failures).Msg("Track failed")

	p.setState(StateError)
	p.bus.Publish(Event{Type: EventError, Track: t, Err: err})

	p.stopPipeline()
	if p.failures >= maxConsecutiveFailures {
		// The halting track is not skipped past, so no skip event.
		p.dropPreload()
		p.setState(StateStopped)
		p.bus.Publish(Event{Type: EventStopped, Track: t, Err: err})
		return
	}
	p.bus.Publish(Event{Type: EventTrackSkipped, Track: t, Err: err})
	p.advance()
}

// fatal handles unrecoverable errors such as a missing audio device.
func (p *Player) fatal(err error) {
	p.lastErr = err.Error()
	log.Error().Err(err).Msg("Playback halted")
	p.bus.Publish(Event{Type: EventError, Track: p.cur, Err: err})
	p.stopPipeline()
	p.dropPreload()
	p.setState(StateStopped)
	p.bus.Publish(Event{Type: EventStopped, Track: p.cur, Err: err})
}

func (p *Player) handleRecommendations(r recResult) {
	p.awaitingRec = false
	if r.err != nil {
		log.Warn().Err(r.err).Msg("Recommendation fetch failed")
	}
	if r.err != nil || len(r.tracks) == 0 {
		p.stopPlayback()
		return
	}
	for _, t := range r.tracks {
		p.queue.add(t)
	}
	p.startCurrent(0)
}

// requestRecommendations refills the queue asynchronously so the state
// machine never blocks on the network.
func (p *Player) requestRecommendations() {
	if p.opts.Recommender == nil {
		p.stopPlayback()
		return
	}
	if p.awaitingRec {
		return
	}
	p.awaitingRec = true
	p.setState(StateLoading)
	go func() {
		tracks, err := p.opts.Recommender.NextTracks(p.runCtx, recommendBatch)
		select {
		case p.recs <- recResult{tracks: tracks, err: err}:
		case <-p.runCtx.Done():
		}
	}()
}

func (p *Player) play() {
	switch p.state {
	case StatePaused:
		if p.pipe == nil {
			// Restored session: the pipeline was never built.
			t, ok := p.queue.current()
			if !ok {
				return
			}
			p.cur = t
			p.startTrackAt(time.Duration(p.positionMs) * time.Millisecond)
			return
		}
		p.opts.Sink.SetPaused(false)
		p.setState(StatePlaying)
		p.bus.Publish(Event{Type: EventResumed, Track: p.cur, Position: p.position()})
	case StateIdle, StateStopped:
		if _, ok := p.queue.current(); ok {
			p.startCurrent(0)
		}
	}
}

func (p *Player) pause() {
	switch p.state {
	case StatePlaying, StateBuffering, StateCrossfading:
		if p.sinkLive {
			p.opts.Sink.SetPaused(true)
		}
		p.setState(StatePaused)
		p.bus.Publish(Event{Type: EventPaused, Track: p.cur, Position: p.position()})
	}
}

func (p *Player) stopPlayback() {
	p.stopPipeline()
	p.dropPreload()
	p.positionMs = 0
	p.setState(StateStopped)
	p.bus.Publish(Event{Type: EventStopped, Track: p.cur})
}

func (p *Player) skipNext() {
	skipped := p.cur
	p.dropPreload()
	p.queue.skipToNext()
	if skipped != nil {
		p.bus.Publish(Event{Type: EventTrackSkipped, Track: skipped})
	}
	if _, ok := p.queue.current(); ok {
		p.startCurrent(0)
		return
	}
	p.stopPipeline()
	p.requestRecommendations()
}

// skipPrevious restarts the current track when playback is past the
// restart threshold, otherwise jumps to the previous track.
func (p *Player) skipPrevious() {
	if p.position() > previousRestartThreshold {
		p.startCurrent(0)
		return
	}
	p.dropPreload()
	p.queue.skipToPrevious()
	p.startCurrent(0)
}

func (p *Player) seek(position time.Duration) {
	if p.cur == nil || (p.pipe == nil && p.state != StatePaused) {
		return
	}
	if position < 0 {
		position = 0
	}
	if p.cur.Duration > 0 && position > p.cur.DurationTime() {
		position = p.cur.DurationTime()
	}

	p.startPaused = p.state == StatePaused
	p.seeking = true
	p.setState(StateSeeking)
	p.positionMs = position.Milliseconds()
	p.startTrackAt(position)
}

// startCurrent starts the track at the queue position from the top.
func (p *Player) startCurrent(at time.Duration) {
	t, ok := p.queue.current()
	if !ok {
		p.stopPipeline()
		p.requestRecommendations()
		return
	}
	p.cur = t
	p.startTrackAt(at)
}

func (p *Player) startTrackAt(at time.Duration) {
	p.stopPipeline()
	if !p.seeking {
		p.setState(StateLoading)
		p.bus.Publish(Event{Type: EventLoading, Track: p.cur, Position: at})
	}
	src, err := openSource(p.runCtx, p.opts.Chunks, p.cur, at, p.opts.ChunkSize)
	if err != nil {
		p.onTrackError(p.cur, err)
		return
	}
	p.attachPipeline(src)
}

// startWithSource starts playback from an already-open source, e.g. a
// preloaded next track.
func (p *Player) startWithSource(t *track.Track, src *source, at time.Duration) {
	p.stopPipeline()
	p.cur = t
	p.positionMs = at.Milliseconds()
	p.setState(StateLoading)
	p.bus.Publish(Event{Type: EventLoading, Track: t, Position: at})
	p.attachPipeline(src)
}

func (p *Player) attachPipeline(src *source) {
	p.positionMs = src.startPos.Milliseconds()
	p.ring = audio.NewRing(p.opts.RingCapacity)
	p.ring.SetUnderrunFunc(func() {
		select {
		case p.underrunCh <- struct{}{}:
		default:
		}
	})
	if p.sinkLive {
		p.opts.Sink.Clear()
		p.sinkLive = false
	}
	p.pipe = newPipeline(p.runCtx, src, p.ring, p.eq, p.fade, p.opts.MinBuffer)
}

func (p *Player) stopPipeline() {
	if p.pipe == nil {
		return
	}
	p.pipe.stop()
	p.pipe = nil
	if p.sinkLive {
		p.opts.Sink.Clear()
		p.sinkLive = false
	}
}

func (p *Player) dropPreload() {
	if p.preload != nil {
		p.preload.close()
		p.preload = nil
	}
}

func (p *Player) applyVolume() {
	if !p.sinkLive {
		return
	}
	p.opts.Sink.SetVolume(percentToExponent(float64(p.volume)), p.volume == 0)
}

func (p *Player) setState(s State) {
	if p.state == s {
		return
	}
	log.Debug().Str("from", p.state.String()).Str("to", s.String()).Msg("State transition")
	p.state = s
}

func (p *Player) position() time.Duration {
	return time.Duration(p.positionMs) * time.Millisecond
}

func (p *Player) snapshot() Session {
	return Session{
		State:      p.state,
		Track:      p.cur,
		PositionMs: p.positionMs,
		Queue:      p.queue.remaining(),
		Volume:     p.volume,
		Equalizer:  p.eq,
		Crossfade:  p.fade,
		LastError:  p.lastErr,
	}
}

// persist writes the session to the state file for the next startup.
func (p *Player) persist() {
	if p.opts.StatePath == "" {
		return
	}
	saved := &SavedState{
		PositionMs: p.positionMs,
		Queue:      p.queue.remaining(),
		Volume:     p.volume,
		Equalizer:  p.eq,
		Crossfade:  p.fade,
	}
	if p.cur != nil {
		saved.TrackID = p.cur.ID
	}
	if err := SaveState(p.opts.StatePath, saved); err != nil {
		log.Warn().Err(err).Msg("Failed to persist playback state")
	}
}

// percentToExponent maps a 0-100 volume percent to the exponential
// level the output stage expects.
func percentToExponent(p float64) float64 {
	if p <= 0 {
		return MinVolumeDB
	}
	if p >= 100 {
		return 0
	}

	normalized := p / 100.0
	adjusted := math.Pow(normalized, VolumeCurveExponent)
	return (1.0 - adjusted) * MinVolumeDB
}
