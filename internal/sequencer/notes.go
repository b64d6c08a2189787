package sequencer

import (
	"cmp"
	"fmt"
	"slices"

	gomidi "gitlab.com/gomidi/midi/v2"
)

// Note pairs a note-on with its note-off.
type Note struct {
	On  Event
	Off Event
}

// NoteSequence is the editable form of a sequence. It is not safe for
// concurrent use; publish it through Engine.UpdateSequence.
type NoteSequence struct {
	Notes  []Note
	Events []Event
}

// Add appends a note lasting duration beats from position.
func (s *NoteSequence) Add(note, velocity, channel uint8, position, duration float64) {
	on := gomidi.NoteOn(channel&0x0F, note&0x7F, velocity&0x7F)
	off := gomidi.NoteOff(channel&0x0F, note&0x7F)
	s.Notes = append(s.Notes, Note{
		On:  eventOf(on, position),
		Off: eventOf(off, position+max(duration, 0)),
	})
}

// AddEvent appends an arbitrary channel message at position.
func (s *NoteSequence) AddEvent(msg gomidi.Message, position float64) error {
	b := []byte(msg)
	if len(b) < 2 || len(b) > 3 {
		return fmt.Errorf("%w: message length %d", ErrInvalidSequence, len(b))
	}
	ev := eventOf(msg, position)
	if err := validateEvent(ev); err != nil {
		return err
	}
	s.Events = append(s.Events, ev)
	return nil
}

// RemoveNote deletes every note starting at position.
func (s *NoteSequence) RemoveNote(position float64) {
	s.Notes = slices.DeleteFunc(s.Notes, func(n Note) bool { return n.On.Beat == position })
}

// RemoveAllInstancesOf deletes every note with the given note number.
func (s *NoteSequence) RemoveAllInstancesOf(note uint8) {
	s.Notes = slices.DeleteFunc(s.Notes, func(n Note) bool { return n.On.Data1 == note })
}

func (s *NoteSequence) Clear() {
	s.Notes = nil
	s.Events = nil
}

// TotalDuration returns the beat of the last event in the sequence.
func (s *NoteSequence) TotalDuration() float64 {
	var d float64
	for _, n := range s.Notes {
		d = max(d, n.On.Beat, n.Off.Beat)
	}
	for _, ev := range s.Events {
		d = max(d, ev.Beat)
	}
	return d
}

// BeatTimeOrdered flattens notes and events into playback order.
func (s *NoteSequence) BeatTimeOrdered() []Event {
	out := make([]Event, 0, 2*len(s.Notes)+len(s.Events))
	for _, n := range s.Notes {
		out = append(out, n.On, n.Off)
	}
	out = append(out, s.Events...)
	return OrderByBeat(out)
}

// OrderByBeat returns a sorted copy of events. At equal beats note-offs come
// first so a retriggered note is not cut by its own release.
func OrderByBeat(events []Event) []Event {
	out := slices.Clone(events)
	slices.SortStableFunc(out, func(a, b Event) int {
		if c := cmp.Compare(a.Beat, b.Beat); c != 0 {
			return c
		}
		switch {
		case a.IsNoteOff() && !b.IsNoteOff():
			return -1
		case !a.IsNoteOff() && b.IsNoteOff():
			return 1
		}
		return 0
	})
	return out
}

func eventOf(msg gomidi.Message, beat float64) Event {
	b := []byte(msg)
	ev := Event{Beat: beat}
	if len(b) > 0 {
		ev.Status = b[0]
	}
	if len(b) > 1 {
		ev.Data1 = b[1]
	}
	if len(b) > 2 {
		ev.Data2 = b[2]
	}
	return ev
}
