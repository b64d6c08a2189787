package rtkernel

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gomidi "gitlab.com/gomidi/midi/v2"

	"github.com/cbegin/rtkernel-go/internal/kernel"
	"github.com/cbegin/rtkernel-go/internal/sequencer"
)

// lengthPad keeps the last note-off inside the loop when the length grows
// to fit the notes.
const lengthPad = 0.01

const defaultCloseTimeout = 50 * time.Millisecond

type TrackOption func(*Track)

func WithTrackSettings(s sequencer.Settings) TrackOption {
	return func(t *Track) { t.settings = s }
}

func WithTrackLogger(l *slog.Logger) TrackOption {
	return func(t *Track) {
		if l != nil {
			t.log = l
		}
	}
}

// WithCloseTimeout bounds how long Close waits for the render side to
// silence the track's notes.
func WithCloseTimeout(d time.Duration) TrackOption {
	return func(t *Track) { t.closeTimeout = d }
}

// Track sequences notes into one unit. Every edit republishes the whole
// sequence to the render side.
type Track struct {
	mu           sync.Mutex
	unit         *kernel.Unit
	engine       *sequencer.Engine
	token        kernel.ObserverToken
	notes        sequencer.NoteSequence
	settings     sequencer.Settings
	closeTimeout time.Duration
	closed       bool
	log          *slog.Logger
}

// NewTrack attaches a sequencer to u, which must already be allocated.
func NewTrack(u *kernel.Unit, opts ...TrackOption) (*Track, error) {
	if !u.Allocated() {
		return nil, fmt.Errorf("track for %s: %w", u.Name(), ErrNotAllocated)
	}
	t := &Track{
		unit:         u,
		settings:     sequencer.DefaultSettings(),
		closeTimeout: defaultCloseTimeout,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.log = t.log.With("component", "track", "unit", u.Name())
	t.engine = sequencer.New(t.log)
	if err := t.publishLocked(); err != nil {
		t.engine.Release()
		return nil, err
	}
	t.token = u.AddRenderObserver(t.engine.RenderObserver())
	return t, nil
}

func (t *Track) schedule(offset int, data []byte) {
	t.unit.ScheduleMIDIEvent(offset, data)
}

func (t *Track) publishLocked() error {
	if t.closed {
		return ErrTrackClosed
	}
	if total := t.notes.TotalDuration(); total >= t.settings.Length {
		t.settings.Length = total + lengthPad
	}
	return t.engine.UpdateSequence(t.notes.BeatTimeOrdered(), t.settings, t.unit.SampleRate(), t.schedule)
}

// edit applies fn to the track state and republishes. A rejected publish
// restores the previous settings.
func (t *Track) edit(fn func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.settings
	fn()
	if err := t.publishLocked(); err != nil {
		t.settings = prev
		return err
	}
	return nil
}

func (t *Track) Unit() *kernel.Unit { return t.unit }

func (t *Track) Settings() sequencer.Settings {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.settings
}

func (t *Track) SetLength(beats float64) error {
	return t.edit(func() { t.settings.Length = beats })
}

func (t *Track) SetTempo(bpm float64) error {
	return t.edit(func() { t.settings.Tempo = bpm })
}

func (t *Track) SetLoopEnabled(on bool) error {
	return t.edit(func() { t.settings.LoopEnabled = on })
}

func (t *Track) SetLoopCount(n int) error {
	return t.edit(func() { t.settings.LoopCount = n })
}

func (t *Track) SetMaximumPlayCount(n int) error {
	return t.edit(func() { t.settings.MaximumPlayCount = n })
}

// Add appends a note at position beats lasting duration beats.
func (t *Track) Add(note, velocity, channel uint8, position, duration float64) error {
	return t.edit(func() { t.notes.Add(note, velocity, channel, position, duration) })
}

// AddEvent appends a raw channel message at position beats.
func (t *Track) AddEvent(msg gomidi.Message, position float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.notes.AddEvent(msg, position); err != nil {
		return err
	}
	return t.publishLocked()
}

func (t *Track) RemoveNote(position float64) error {
	return t.edit(func() { t.notes.RemoveNote(position) })
}

func (t *Track) RemoveAllInstancesOf(note uint8) error {
	return t.edit(func() { t.notes.RemoveAllInstancesOf(note) })
}

func (t *Track) Clear() error {
	return t.edit(func() { t.notes.Clear() })
}

// Events returns the published events in beat order.
func (t *Track) Events() []sequencer.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.notes.BeatTimeOrdered()
}

func (t *Track) Play() { t.engine.SetPlaying(true) }

func (t *Track) PlayFromStart() {
	t.engine.SeekTo(0)
	t.engine.SetPlaying(true)
}

// PlayAfterDelay starts playback so the first beat sounds after beats.
func (t *Track) PlayAfterDelay(beats float64) {
	t.engine.SeekTo(-beats)
	t.engine.SetPlaying(true)
}

func (t *Track) Stop()             { t.engine.SetPlaying(false) }
func (t *Track) Rewind()           { t.engine.SeekTo(0) }
func (t *Track) Seek(beat float64) { t.engine.SeekTo(beat) }
func (t *Track) StopPlayingNotes() { t.engine.StopPlayingNotes() }
func (t *Track) IsPlaying() bool   { return t.engine.IsPlaying() }
func (t *Track) Position() float64 { return t.engine.Position() }

func (t *Track) Playhead() sequencer.Playhead { return t.engine.Playhead() }

// Close releases the sequencer and detaches it from the unit. It waits up
// to the close timeout for a render cycle to send the final note-offs.
func (t *Track) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTrackClosed
	}
	t.closed = true
	t.mu.Unlock()

	t.engine.Release()
	deadline := time.Now().Add(t.closeTimeout)
	for !t.engine.Retired() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !t.unit.RemoveRenderObserver(t.token) {
		return errors.New("track observer already removed")
	}
	t.log.Debug("track closed", "retired", t.engine.Retired())
	return nil
}

// Sequencer groups tracks that share transport and timing.
type Sequencer struct {
	mu     sync.Mutex
	tracks []*Track
}

func NewSequencer(tracks ...*Track) *Sequencer {
	return &Sequencer{tracks: tracks}
}

func (s *Sequencer) AddTrack(t *Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *Sequencer) Tracks() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Track(nil), s.tracks...)
}

func (s *Sequencer) each(fn func(*Track)) {
	for _, t := range s.Tracks() {
		fn(t)
	}
}

func (s *Sequencer) eachErr(fn func(*Track) error) error {
	var errs []error
	for _, t := range s.Tracks() {
		if err := fn(t); err != nil {
			errs = append(errs, fmt.Errorf("track %s: %w", t.unit.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (s *Sequencer) SetTempo(bpm float64) error {
	return s.eachErr(func(t *Track) error { return t.SetTempo(bpm) })
}

func (s *Sequencer) SetLength(beats float64) error {
	return s.eachErr(func(t *Track) error { return t.SetLength(beats) })
}

func (s *Sequencer) SetLoopEnabled(on bool) error {
	return s.eachErr(func(t *Track) error { return t.SetLoopEnabled(on) })
}

func (s *Sequencer) SetLoopCount(n int) error {
	return s.eachErr(func(t *Track) error { return t.SetLoopCount(n) })
}

func (s *Sequencer) Play()             { s.each((*Track).Play) }
func (s *Sequencer) PlayFromStart()    { s.each((*Track).PlayFromStart) }
func (s *Sequencer) Stop()             { s.each((*Track).Stop) }
func (s *Sequencer) Rewind()           { s.each((*Track).Rewind) }
func (s *Sequencer) Seek(beat float64) { s.each(func(t *Track) { t.Seek(beat) }) }

// IsPlaying reports whether any track is playing.
func (s *Sequencer) IsPlaying() bool {
	for _, t := range s.Tracks() {
		if t.IsPlaying() {
			return true
		}
	}
	return false
}

func (s *Sequencer) Close() error {
	return s.eachErr((*Track).Close)
}
