// Package sequencer drives MIDI events into a processing unit from its render
// observer. A control goroutine publishes immutable sequence snapshots; the
// observer reads them without locks and turns beat positions into sample
// offsets inside the current render cycle.
package sequencer

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cbegin/rtkernel-go/internal/kernel"
)

var (
	ErrInvalidSequence = errors.New("sequencer: invalid sequence")
	ErrNoSequence      = errors.New("sequencer: no sequence published")
	ErrReleased        = errors.New("sequencer: engine released")
)

// Event is a channel MIDI message positioned in beats.
type Event struct {
	Status byte
	Data1  byte
	Data2  byte
	Beat   float64
}

// Kind returns the message type without the channel nibble.
func (e Event) Kind() byte { return e.Status & 0xF0 }

// Channel returns the MIDI channel, 0-15.
func (e Event) Channel() byte { return e.Status & 0x0F }

// IsNoteOff reports whether e silences a note. Note-on with velocity 0
// counts as note-off.
func (e Event) IsNoteOff() bool {
	return e.Kind() == 0x80 || (e.Kind() == 0x90 && e.Data2 == 0)
}

// Len returns the wire length of the message.
func (e Event) Len() int {
	switch e.Kind() {
	case 0xC0, 0xD0:
		return 2
	default:
		return 3
	}
}

// Settings controls the playback of a published sequence.
type Settings struct {
	// MaximumPlayCount caps the number of passes; 0 is unbounded.
	MaximumPlayCount int
	Length           float64
	Tempo            float64
	LoopEnabled      bool
	// LoopCount stops playback after that many passes; 0 loops forever.
	LoopCount int
}

// DefaultSettings is one 4/4 measure at 120 BPM, looping.
func DefaultSettings() Settings {
	return Settings{Length: 4, Tempo: 120, LoopEnabled: true}
}

func (s Settings) validate() error {
	if !positive(s.Length) {
		return fmt.Errorf("%w: length %v", ErrInvalidSequence, s.Length)
	}
	if !positive(s.Tempo) {
		return fmt.Errorf("%w: tempo %v", ErrInvalidSequence, s.Tempo)
	}
	if s.MaximumPlayCount < 0 || s.LoopCount < 0 {
		return fmt.Errorf("%w: negative play count", ErrInvalidSequence)
	}
	return nil
}

func (s Settings) finished(passes int64) bool {
	switch {
	case !s.LoopEnabled:
		return true
	case s.LoopCount > 0 && passes >= int64(s.LoopCount):
		return true
	case s.MaximumPlayCount > 0 && passes >= int64(s.MaximumPlayCount):
		return true
	}
	return false
}

// ScheduleFunc receives each due message with its frame offset inside the
// current render cycle. It runs on the render path; data is only valid for
// the duration of the call.
type ScheduleFunc func(offset int, data []byte)

// Playhead is a point-in-time view of the engine's transport.
type Playhead struct {
	Position    float64
	Playing     bool
	Plays       int
	NotesPlayed int
}

type snapshot struct {
	events     []Event
	settings   Settings
	sampleRate float64
	schedule   ScheduleFunc
	// releases marks the notes this sequence sends a note-off for.
	releases   [16][128]bool
}

// Engine holds the active sequence and the playhead. Control methods may be
// called from any goroutine. The function returned by RenderObserver must
// only be invoked from one render goroutine at a time.
type Engine struct {
	log *slog.Logger
	mu  sync.Mutex

	snap     atomic.Pointer[snapshot]
	position atomic.Uint64
	playing  atomic.Bool
	sweep    atomic.Bool
	released atomic.Bool
	refs     atomic.Int32
	plays    atomic.Int64
	notes    atomic.Int64

	// render side
	last     *snapshot
	sounding [16][128]bool
	scratch  [3]byte
}

// New returns an engine with one reference held by the caller.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{log: logger.With("component", "sequencer")}
	e.refs.Store(1)
	return e
}

// UpdateSequence validates events and publishes them with settings as the
// new active sequence. A rejected update leaves the previous one in effect.
func (e *Engine) UpdateSequence(events []Event, settings Settings, sampleRate float64, schedule ScheduleFunc) error {
	if e.released.Load() {
		return ErrReleased
	}
	if !positive(sampleRate) {
		return fmt.Errorf("%w: sample rate %v", ErrInvalidSequence, sampleRate)
	}
	if schedule == nil {
		return fmt.Errorf("%w: nil schedule callback", ErrInvalidSequence)
	}
	if err := settings.validate(); err != nil {
		return err
	}
	for i, ev := range events {
		if err := validateEvent(ev); err != nil {
			return fmt.Errorf("event %d: %w", i, err)
		}
	}
	s := &snapshot{
		events:     OrderByBeat(events),
		settings:   settings,
		sampleRate: sampleRate,
		schedule:   schedule,
	}
	for _, ev := range s.events {
		if ev.IsNoteOff() {
			s.releases[ev.Channel()][ev.Data1] = true
		}
	}
	e.mu.Lock()
	e.snap.Store(s)
	e.mu.Unlock()
	e.log.Debug("sequence published", "events", len(s.events), "length", settings.Length, "tempo", settings.Tempo, "loop", settings.LoopEnabled)
	return nil
}

// SetTempo republishes the active sequence with a new tempo.
func (e *Engine) SetTempo(bpm float64) error {
	if !positive(bpm) {
		return fmt.Errorf("%w: tempo %v", ErrInvalidSequence, bpm)
	}
	if e.released.Load() {
		return ErrReleased
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.snap.Load()
	if cur == nil {
		return ErrNoSequence
	}
	next := *cur
	next.settings.Tempo = bpm
	e.snap.Store(&next)
	return nil
}

// Settings returns the settings of the active sequence.
func (e *Engine) Settings() (Settings, bool) {
	s := e.snap.Load()
	if s == nil {
		return Settings{}, false
	}
	return s.settings, true
}

// SetPlaying starts or stops the transport. Starting from stopped resets the
// pass counter; stopping silences every sounding note on the next cycle.
func (e *Engine) SetPlaying(on bool) {
	if on {
		if !e.playing.Swap(true) {
			e.plays.Store(0)
		}
		return
	}
	e.playing.Store(false)
	e.sweep.Store(true)
}

func (e *Engine) IsPlaying() bool { return e.playing.Load() }

// SeekTo moves the playhead to beat. Negative beats delay the start.
func (e *Engine) SeekTo(beat float64) {
	if math.IsNaN(beat) || math.IsInf(beat, 0) {
		return
	}
	e.position.Store(math.Float64bits(beat))
	e.sweep.Store(true)
}

func (e *Engine) Position() float64 {
	return math.Float64frombits(e.position.Load())
}

func (e *Engine) Playhead() Playhead {
	return Playhead{
		Position:    e.Position(),
		Playing:     e.playing.Load(),
		Plays:       int(e.plays.Load()),
		NotesPlayed: int(e.notes.Load()),
	}
}

// StopPlayingNotes sends note-off for every sounding note on the next cycle.
func (e *Engine) StopPlayingNotes() { e.sweep.Store(true) }

// Retain adds a reference.
func (e *Engine) Retain() { e.refs.Add(1) }

// Release drops a reference. When the last one goes the engine stops, the
// observer silences sounding notes and then drops the sequence. The snapshot
// memory is reclaimed once no render cycle holds it.
func (e *Engine) Release() {
	n := e.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		e.refs.Store(0)
		return
	}
	e.released.Store(true)
	e.playing.Store(false)
	e.sweep.Store(true)
	e.log.Debug("engine released")
}

// Released reports whether the last reference has been dropped.
func (e *Engine) Released() bool { return e.released.Load() }

// Retired reports whether the engine is released and the observer has let
// go of the sequence.
func (e *Engine) Retired() bool { return e.released.Load() && e.snap.Load() == nil }

// RenderObserver returns the function to register on the target unit.
func (e *Engine) RenderObserver() kernel.RenderObserver { return e.observe }

func (e *Engine) observe(action kernel.RenderAction, _ kernel.Timestamp, frameCount int) {
	if action != kernel.PreRender || frameCount <= 0 {
		return
	}
	s := e.snap.Load()
	if s == nil {
		return
	}
	if s != e.last {
		if e.last != nil {
			e.stopOrphans(s)
		}
		e.last = s
	}
	if e.sweep.Swap(false) {
		e.stopAll(s.schedule, 0)
	}
	if e.released.Load() {
		e.snap.CompareAndSwap(s, nil)
		e.last = nil
		return
	}
	if !e.playing.Load() {
		return
	}

	startBits := e.position.Load()
	pos := math.Float64frombits(startBits)
	length := s.settings.Length
	perSample := s.settings.Tempo / 60 / s.sampleRate
	origin := pos
	end := pos + float64(frameCount)*perSample

	if s.settings.LoopEnabled && pos >= length {
		shift := math.Floor(pos/length) * length
		pos -= shift
		origin -= shift
		end -= shift
	}

	for {
		e.emit(s, pos, min(end, length), origin, perSample, frameCount)
		if end < length {
			pos = end
			break
		}
		e.flushTail(s, offsetOf(length, origin, perSample, frameCount))
		passes := e.plays.Add(1)
		if s.settings.finished(passes) {
			e.stopAll(s.schedule, offsetOf(length, origin, perSample, frameCount))
			e.playing.Store(false)
			pos = 0
			break
		}
		pos = 0
		end -= length
		origin -= length
	}
	// a seek that raced this cycle wins
	e.position.CompareAndSwap(startBits, math.Float64bits(pos))
}

func (e *Engine) emit(s *snapshot, from, to, origin, perSample float64, frameCount int) {
	if to <= from {
		return
	}
	evs := s.events
	i := sort.Search(len(evs), func(i int) bool { return evs[i].Beat >= from })
	for ; i < len(evs) && evs[i].Beat < to; i++ {
		e.send(s.schedule, offsetOf(evs[i].Beat, origin, perSample, frameCount), evs[i])
	}
}

// flushTail sends the note-offs placed at or past the sequence length for
// notes still sounding when the playhead reaches the end. Other events past
// the length never play.
func (e *Engine) flushTail(s *snapshot, offset int) {
	evs := s.events
	i := sort.Search(len(evs), func(i int) bool { return evs[i].Beat >= s.settings.Length })
	for ; i < len(evs); i++ {
		if ev := evs[i]; ev.IsNoteOff() && e.sounding[ev.Channel()][ev.Data1&0x7F] {
			e.send(s.schedule, offset, ev)
		}
	}
}

// stopOrphans silences the sounding notes that a newly published sequence
// has no note-off for.
func (e *Engine) stopOrphans(s *snapshot) { e.silence(s.schedule, 0, &s.releases) }

func (e *Engine) send(schedule ScheduleFunc, offset int, ev Event) {
	ch, note := ev.Channel(), ev.Data1&0x7F
	switch {
	case ev.IsNoteOff():
		e.sounding[ch][note] = false
	case ev.Kind() == 0x90:
		e.sounding[ch][note] = true
		e.notes.Add(1)
	}
	e.scratch = [3]byte{ev.Status, ev.Data1, ev.Data2}
	schedule(offset, e.scratch[:ev.Len()])
}

func (e *Engine) stopAll(schedule ScheduleFunc, offset int) { e.silence(schedule, offset, nil) }

// silence sends note-off for every sounding note not marked in keep.
func (e *Engine) silence(schedule ScheduleFunc, offset int, keep *[16][128]bool) {
	for ch := range e.sounding {
		for note, on := range e.sounding[ch] {
			if !on || (keep != nil && keep[ch][note]) {
				continue
			}
			e.sounding[ch][note] = false
			e.scratch = [3]byte{0x80 | byte(ch), byte(note), 0}
			schedule(offset, e.scratch[:])
		}
	}
}

func offsetOf(beat, origin, perSample float64, frameCount int) int {
	off := int((beat - origin) / perSample)
	if off < 0 {
		return 0
	}
	if off >= frameCount {
		return frameCount - 1
	}
	return off
}

func validateEvent(ev Event) error {
	if math.IsNaN(ev.Beat) || math.IsInf(ev.Beat, 0) || ev.Beat < 0 {
		return fmt.Errorf("%w: beat %v", ErrInvalidSequence, ev.Beat)
	}
	if ev.Status < 0x80 || ev.Status >= 0xF0 {
		return fmt.Errorf("%w: status %#02x", ErrInvalidSequence, ev.Status)
	}
	if ev.Data1 > 0x7F || ev.Data2 > 0x7F {
		return fmt.Errorf("%w: data byte out of range", ErrInvalidSequence)
	}
	return nil
}

func positive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0)
}
