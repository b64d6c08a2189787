// Package kernel is the real-time processing unit base: the contract every
// DSP kernel implements and the event-sliced render loop that drives it.
package kernel

import (
	"iter"
	"math/rand/v2"

	"github.com/cbegin/rtkernel-go/internal/ramp"
)

// MaxParameters is the number of parameter slots every kernel owns.
const MaxParameters = 128

// FrameRange is the half-open interval [Start, Start+Count) of a buffer.
type FrameRange struct {
	Start int
	Count int
}

// End returns the first frame past the range.
func (r FrameRange) End() int { return r.Start + r.Count }

// All yields every frame index in the range.
func (r FrameRange) All() iter.Seq[int] {
	return func(yield func(int) bool) {
		for i := r.Start; i < r.End(); i++ {
			if !yield(i) {
				return
			}
		}
	}
}

// Buffers holds one sample slice per channel of a bus. The slices belong to
// the host and are only valid for the render call they were set for.
type Buffers [][]float32

// Kernel is implemented by every concrete DSP kernel. Process renders exactly
// the frames in r into the output buffer. Embedding Base provides
// KernelBase.
type Kernel interface {
	Process(r FrameRange)
	KernelBase() *Base
}

// NoteHandler receives note-on and note-off from the default MIDI dispatch.
type NoteHandler interface {
	NoteOn(note, velocity uint8)
	NoteOff(note, velocity uint8)
}

// MIDIHandler replaces the default MIDI dispatch. Implementations may call
// DispatchMIDI to fall back to it.
type MIDIHandler interface {
	HandleMIDIEvent(ev MIDIEvent)
}

// Resetter clears kernel state such as voices and delay lines.
type Resetter interface {
	Reset()
}

// Initializer runs when render resources are allocated.
type Initializer interface {
	Init(channels int, sampleRate float64) error
}

// Deinitializer runs when render resources are released.
type Deinitializer interface {
	Deinit()
}

// WavetableSetter accepts a complete single-cycle table for an index.
type WavetableSetter interface {
	SetWavetable(table []float32, index int)
}

// WaveformBuilder builds tables one value at a time.
type WaveformBuilder interface {
	SetupIndividualWaveform(waveform, size int)
	SetIndividualWaveformValue(waveform, index int, value float32)
}

// Base carries the state shared by all kernels: parameter ramps, bus
// buffers and format. Concrete kernels embed it.
type Base struct {
	inputBuses int
	inPlace    bool
	channels   int
	sampleRate float64
	inputs     [2]Buffers
	output     Buffers
	params     [MaxParameters]ramp.Ramper
	rangeStart int
	rng        *rand.Rand
}

// NewBase returns a Base with inputBuses input buses (0 for generators, at
// most 2). canProcessInPlace marks kernels that tolerate the output aliasing
// input 0.
func NewBase(inputBuses int, canProcessInPlace bool) Base {
	if inputBuses < 0 {
		inputBuses = 0
	}
	if inputBuses > 2 {
		inputBuses = 2
	}
	return Base{inputBuses: inputBuses, inPlace: canProcessInPlace}
}

// KernelBase returns b.
func (b *Base) KernelBase() *Base { return b }

// InputBusCount returns 0 for generators, else 1 or 2.
func (b *Base) InputBusCount() int { return b.inputBuses }

// CanProcessInPlace reports whether the output may alias input 0.
func (b *Base) CanProcessInPlace() bool { return b.inPlace }

// Channels is the channel count of the current allocation.
func (b *Base) Channels() int { return b.channels }

// SampleRate is the sample rate of the current allocation, or 0.
func (b *Base) SampleRate() float64 { return b.sampleRate }

// Input returns the buffers registered for an input bus, or nil.
func (b *Base) Input(bus int) Buffers {
	if bus < 0 || bus >= b.inputBuses {
		return nil
	}
	return b.inputs[bus]
}

// Output returns the output buffers.
func (b *Base) Output() Buffers { return b.output }

// InitParam sets a parameter without ramping. Kernels call it from their
// constructor to install defaults.
func (b *Base) InitParam(addr uint32, v float32) {
	if addr < MaxParameters {
		b.params[addr].SetTarget(v, true)
	}
}

// Param returns the current value of a parameter. Out-of-range addresses
// read as 0.
func (b *Base) Param(addr uint32) float32 {
	if addr >= MaxParameters {
		return 0
	}
	return b.params[addr].Value()
}

// ParamAt returns the ramped value of a parameter at an absolute buffer
// frame inside the range currently being processed.
func (b *Base) ParamAt(addr uint32, frame int) float32 {
	if addr >= MaxParameters {
		return 0
	}
	return b.params[addr].ValueAt(frame - b.rangeStart)
}

// Rand returns the kernel's pseudo-random source, seeded from SetSeed.
func (b *Base) Rand() *rand.Rand {
	if b.rng == nil {
		b.rng = newRand()
	}
	return b.rng
}

// ZeroOutput clears r in every output channel.
func (b *Base) ZeroOutput(r FrameRange) {
	for _, ch := range b.output {
		clear(ch[r.Start:r.End()])
	}
}

func (b *Base) stepRamps(frames int) {
	for i := range b.params {
		b.params[i].Step(frames)
	}
}
