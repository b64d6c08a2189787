package kernel

import "time"

// EventKind tags a RenderEvent.
type EventKind uint8

const (
	EventParameter EventKind = iota + 1
	EventParameterRamp
	EventMIDI
)

// ParameterEvent sets or ramps one parameter.
type ParameterEvent struct {
	Address    uint32
	Value      float32
	RampFrames int // EventParameterRamp only; 0 uses the ramper's duration
}

// MIDIEvent is a MIDI message of up to three bytes. Longer messages keep
// their Length but only the first three bytes.
type MIDIEvent struct {
	Cable  uint8
	Length int
	Data   [3]byte
}

// RenderEvent is one entry of a render call's event list. Offset is the
// frame within the cycle at which the event takes effect.
type RenderEvent struct {
	Kind      EventKind
	Offset    int
	Parameter ParameterEvent
	MIDI      MIDIEvent
}

// ParameterChange returns an event that jumps addr to v.
func ParameterChange(offset int, addr uint32, v float32) RenderEvent {
	return RenderEvent{Kind: EventParameter, Offset: offset, Parameter: ParameterEvent{Address: addr, Value: v}}
}

// ParameterRamp returns an event that ramps addr to v over frames.
func ParameterRamp(offset int, addr uint32, v float32, frames int) RenderEvent {
	return RenderEvent{Kind: EventParameterRamp, Offset: offset, Parameter: ParameterEvent{Address: addr, Value: v, RampFrames: frames}}
}

// MIDIMessage returns an event carrying data.
func MIDIMessage(offset int, data []byte) RenderEvent {
	return RenderEvent{Kind: EventMIDI, Offset: offset, MIDI: newMIDIEvent(data)}
}

func newMIDIEvent(data []byte) MIDIEvent {
	ev := MIDIEvent{Length: len(data)}
	copy(ev.Data[:], data)
	return ev
}

// DispatchMIDI routes channel-voice note messages to h. Only three-byte
// messages are considered; note-on with velocity 0 is a note-off.
// Everything else is ignored.
func DispatchMIDI(h NoteHandler, ev MIDIEvent) {
	if h == nil || ev.Length != 3 {
		return
	}
	note, velocity := ev.Data[1], ev.Data[2]
	if note > 127 || velocity > 127 {
		return
	}
	switch ev.Data[0] & 0xF0 {
	case 0x80:
		h.NoteOff(note, velocity)
	case 0x90:
		if velocity == 0 {
			h.NoteOff(note, velocity)
			return
		}
		h.NoteOn(note, velocity)
	}
}

// RenderAction tells an observer which side of the render call it runs on.
type RenderAction uint8

const (
	PreRender RenderAction = iota + 1
	PostRender
)

// Timestamp identifies a render cycle.
type Timestamp struct {
	SampleTime int64
	HostTime   time.Duration
}

// RenderObserver runs on the render goroutine before and after every cycle.
// It must not block or allocate.
type RenderObserver func(action RenderAction, ts Timestamp, frameCount int)

// ObserverToken identifies a registered observer.
type ObserverToken int
