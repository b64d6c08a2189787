package rtkernel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	intaudio "github.com/cbegin/rtkernel-go/internal/audio"
)

// PlaybackEvent is delivered on the channel returned by Watch.
type PlaybackEvent struct {
	Kind  int // EventLoopCompleted or EventPlaybackEnded
	Plays int // completed passes when the event was raised
}

const (
	EventLoopCompleted int = iota
	EventPlaybackEnded
)

const defaultPollInterval = 10 * time.Millisecond

// backend is the audio output the player drives.
type backend interface {
	Play()
	Pause()
	SetVolume(v float64)
	Stop() error
}

type backendFactory func(sampleRate int, src intaudio.SampleSource) (backend, error)

func ebitenBackend(sampleRate int, src intaudio.SampleSource) (backend, error) {
	pl, err := intaudio.NewPlayer(sampleRate, src)
	if err != nil {
		return nil, err
	}
	return pl, nil
}

type PlayerOption func(*playerConfig)

type playerConfig struct {
	track        *Track
	gainAddr     uint32
	hasGain      bool
	pollInterval time.Duration
	logger       *slog.Logger
	newBackend   backendFactory
}

// WithTrack makes the player start this track on Play and report its loop
// and end events.
func WithTrack(t *Track) PlayerOption {
	return func(cfg *playerConfig) { cfg.track = t }
}

// WithGainParameter maps master volume onto a gain parameter of the last
// unit in the chain. Without it the volume scales the audio stream.
func WithGainParameter(addr uint32) PlayerOption {
	return func(cfg *playerConfig) {
		cfg.gainAddr = addr
		cfg.hasGain = true
	}
}

func WithPollInterval(d time.Duration) PlayerOption {
	return func(cfg *playerConfig) {
		if d > 0 {
			cfg.pollInterval = d
		}
	}
}

func WithPlayerLogger(l *slog.Logger) PlayerOption {
	return func(cfg *playerConfig) {
		if l != nil {
			cfg.logger = l
		}
	}
}

// Player streams a chain to the audio device.
type Player struct {
	mu       sync.Mutex
	chain    *Chain
	cfg      playerConfig
	source   *playerSource
	audio    backend
	baseGain float32
	volume   float64
	done     chan struct{}
	cancel   context.CancelFunc
	monitor  chan struct{}
	log      *slog.Logger

	eventCh   chan PlaybackEvent
	eventChMu sync.Mutex
}

// playerSource reports the end of playback to the stream so the device
// drains and stops.
type playerSource struct {
	chain    *Chain
	finished atomic.Bool
}

func (s *playerSource) Process(dst []float32) { s.chain.Process(dst) }
func (s *playerSource) Finished() bool        { return s.finished.Load() }

func NewPlayer(chain *Chain, opts ...PlayerOption) (*Player, error) {
	if chain == nil {
		return nil, ErrEmptyChain
	}
	cfg := playerConfig{
		pollInterval: defaultPollInterval,
		logger:       slog.Default(),
		newBackend:   ebitenBackend,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	p := &Player{
		chain:  chain,
		cfg:    cfg,
		volume: 1,
		log:    cfg.logger.With("component", "player"),
	}
	if cfg.hasGain {
		g, err := chain.Last().Parameter(cfg.gainAddr)
		if err != nil {
			return nil, err
		}
		p.baseGain = g
	}
	return p, nil
}

// Play starts the track from the top, if one is set, and opens the audio
// stream. A playback already running is replaced.
func (p *Player) Play() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.stopLocked(); err != nil {
		p.log.Warn("stop previous playback", "error", err)
	}
	// release any Wait on the previous playback
	if p.done != nil {
		close(p.done)
	}
	p.done = make(chan struct{})
	p.source = &playerSource{chain: p.chain}

	out, err := p.cfg.newBackend(int(p.chain.SampleRate()), p.source)
	if err != nil {
		return err
	}
	p.audio = out
	p.applyVolumeLocked()
	if t := p.cfg.track; t != nil {
		t.PlayFromStart()
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.monitor = make(chan struct{})
		go p.watch(ctx, t, p.source, p.done, p.monitor)
	}
	p.audio.Play()
	p.log.Debug("playback started", "sample_rate", p.chain.SampleRate())
	return nil
}

// watch polls the track playhead and turns transport changes into events.
func (p *Player) watch(ctx context.Context, t *Track, src *playerSource, playDone, done chan struct{}) {
	defer close(done)
	tick := time.NewTicker(p.cfg.pollInterval)
	defer tick.Stop()
	plays := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		ph := t.Playhead()
		// the pass that ends playback is reported as the end, not a loop
		for ; plays < ph.Plays; plays++ {
			if ph.Playing || plays+1 < ph.Plays {
				p.sendEvent(PlaybackEvent{Kind: EventLoopCompleted, Plays: plays + 1})
			}
		}
		if !ph.Playing {
			src.finished.Store(true)
			p.sendEvent(PlaybackEvent{Kind: EventPlaybackEnded, Plays: ph.Plays})
			p.signalDone(playDone)
			return
		}
	}
}

func (p *Player) sendEvent(ev PlaybackEvent) {
	p.eventChMu.Lock()
	ch := p.eventCh
	p.eventChMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	default:
		// receiver is behind; drop
	}
}

// signalDone releases waiters on done unless that playback was already
// replaced or stopped.
func (p *Player) signalDone(done chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.done == done {
		p.done = nil
		close(done)
	}
}

func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audio != nil {
		p.audio.Pause()
	}
}

func (p *Player) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audio != nil {
		p.audio.Play()
	}
}

// stopLocked ends the monitor and closes the stream. The monitor takes p.mu
// in signalDone, so it is cancelled without waiting while the lock is held
// and joined after.
func (p *Player) stopLocked() (chan struct{}, error) {
	if p.cancel != nil {
		p.cancel()
		p.cancel = nil
	}
	monitor := p.monitor
	p.monitor = nil
	var err error
	if p.audio != nil {
		err = p.audio.Stop()
		p.audio = nil
	}
	return monitor, err
}

// Stop halts the track and the audio stream and raises EventPlaybackEnded.
func (p *Player) Stop() error {
	p.mu.Lock()
	if p.audio == nil {
		p.mu.Unlock()
		return nil
	}
	if t := p.cfg.track; t != nil {
		t.Stop()
	}
	monitor, err := p.stopLocked()
	done := p.done
	p.done = nil
	p.mu.Unlock()

	if monitor != nil {
		<-monitor
	}
	p.sendEvent(PlaybackEvent{Kind: EventPlaybackEnded})
	if done != nil {
		close(done)
	}
	return err
}

// Wait blocks until the current playback ends or is stopped. While a track
// loops without bound it blocks until Stop; use Watch to follow loops.
func (p *Player) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Watch returns a channel receiving playback events. It is buffered (cap 8)
// and events are dropped while it is full. Only the most recent channel
// receives events; call Watch before Play.
func (p *Player) Watch() <-chan PlaybackEvent {
	ch := make(chan PlaybackEvent, 8)
	p.eventChMu.Lock()
	p.eventCh = ch
	p.eventChMu.Unlock()
	return ch
}

// SetMasterVolume sets the output level; 1 is the chain's own level.
func (p *Player) SetMasterVolume(volume float64) {
	if volume < 0 {
		volume = 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.volume = volume
	p.applyVolumeLocked()
}

func (p *Player) applyVolumeLocked() {
	if p.cfg.hasGain {
		if err := p.chain.Last().SetParameter(p.cfg.gainAddr, p.baseGain*float32(p.volume), false); err != nil {
			p.log.Warn("set master volume", "error", err)
		}
		return
	}
	if p.audio != nil {
		p.audio.SetVolume(p.volume)
	}
}

func (p *Player) MasterVolume() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volume
}

// Err returns the first render error seen by the stream.
func (p *Player) Err() error { return p.chain.Err() }
