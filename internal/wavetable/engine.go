// Package wavetable is a polyphonic kernel that plays single-cycle tables.
// Tables are built on the control side and published to the render side
// through atomic pointers.
package wavetable

import (
	"encoding/hex"
	"math"
	"sync"
	"sync/atomic"

	"github.com/cbegin/rtkernel-go/internal/kernel"
)

const twoPi = math.Pi * 2

const (
	MaxSlots  = 16
	maxVoices = 16
)

// Parameter addresses.
const (
	ParamGain uint32 = iota
	ParamSlot
	ParamCutoff
)

var ParamNames = map[string]uint32{
	"gain":   ParamGain,
	"slot":   ParamSlot,
	"cutoff": ParamCutoff,
}

// Params controls the wavetable kernel.
type Params struct {
	Polyphony   int
	AttackSec   float64
	DecaySec    float64
	SustainLvl  float64
	ReleaseSec  float64
	VelocityAmp float64

	Gain   float32
	Slot   float32
	Cutoff float32 // lowpass cutoff in Hz, 0 disables the filter
}

// DefaultParams returns sensible defaults for wavetable synthesis.
func DefaultParams() Params {
	return Params{
		Polyphony:   maxVoices,
		AttackSec:   0.005,
		DecaySec:    0.12,
		SustainLvl:  0.75,
		ReleaseSec:  0.2,
		VelocityAmp: 0.8,
		Gain:        0.42,
		Cutoff:      12000,
	}
}

type envState int

const (
	envAttack envState = iota
	envDecay
	envSustain
	envRelease
	envOff
)

type voice struct {
	active   bool
	note     uint8
	velocity float64
	freq     float64
	phase    float64 // position in the table [0, len)
	env      float64
	envState envState
	slot     int
}

type staged struct {
	table []float32
}

// Kernel renders wavetable voices. A MIDI program change selects the slot
// used by subsequent notes; until one arrives the Slot parameter does.
type Kernel struct {
	kernel.Base
	params Params

	tables [MaxSlots]atomic.Pointer[[]float32]

	stageMu sync.Mutex
	staging [MaxSlots]staged

	sampleRate float64
	voices     []voice
	program    int
	lpf        float64
	alpha      float64
	lastCutoff float32
}

// New returns an unallocated kernel with a sine table in slot 0.
func New(p Params) *Kernel {
	p.Polyphony = min(max(p.Polyphony, 1), maxVoices)
	k := &Kernel{Base: kernel.NewBase(0, false), params: p, program: -1}
	k.InitParam(ParamGain, p.Gain)
	k.InitParam(ParamSlot, p.Slot)
	k.InitParam(ParamCutoff, p.Cutoff)
	sine := make([]float32, 64)
	for i := range sine {
		sine[i] = float32(math.Sin(twoPi * float64(i) / float64(len(sine))))
	}
	k.tables[0].Store(&sine)
	return k
}

func (k *Kernel) Init(_ int, sampleRate float64) error {
	k.sampleRate = sampleRate
	k.voices = make([]voice, k.params.Polyphony)
	k.lastCutoff = -1
	return nil
}

func (k *Kernel) Deinit() { k.voices = nil }

func (k *Kernel) Reset() {
	clear(k.voices)
	k.program = -1
	k.lpf = 0
}

// SetWavetable copies table into a slot. Out-of-range slots are clamped and
// empty tables ignored.
func (k *Kernel) SetWavetable(table []float32, index int) {
	if len(table) == 0 {
		return
	}
	cp := append([]float32(nil), table...)
	k.tables[clampSlot(index)].Store(&cp)
}

// SetupIndividualWaveform starts building a table of size values for a
// slot. The table becomes audible once its last value has been written.
func (k *Kernel) SetupIndividualWaveform(waveform, size int) {
	if size <= 0 {
		return
	}
	k.stageMu.Lock()
	defer k.stageMu.Unlock()
	k.staging[clampSlot(waveform)] = staged{table: make([]float32, size)}
}

func (k *Kernel) SetIndividualWaveformValue(waveform, index int, value float32) {
	slot := clampSlot(waveform)
	k.stageMu.Lock()
	defer k.stageMu.Unlock()
	s := &k.staging[slot]
	if index < 0 || index >= len(s.table) {
		return
	}
	s.table[index] = value
	if index == len(s.table)-1 {
		done := s.table
		k.tables[slot].Store(&done)
		*s = staged{}
	}
}

// Table returns the table currently published for slot.
func (k *Kernel) Table(slot int) []float32 {
	if p := k.tables[clampSlot(slot)].Load(); p != nil {
		return *p
	}
	return nil
}

// HandleMIDIEvent selects the slot on program change and passes everything
// else to the default note dispatch.
func (k *Kernel) HandleMIDIEvent(ev kernel.MIDIEvent) {
	if ev.Length >= 2 && ev.Data[0]&0xF0 == 0xC0 {
		k.program = clampSlot(int(ev.Data[1]))
		return
	}
	kernel.DispatchMIDI(k, ev)
}

func (k *Kernel) ActiveVoiceCount() int {
	n := 0
	for i := range k.voices {
		if k.voices[i].active {
			n++
		}
	}
	return n
}

func (k *Kernel) NoteOn(note, velocity uint8) {
	if len(k.voices) == 0 {
		return
	}
	slot := k.program
	if slot < 0 {
		slot = clampSlot(int(math.Round(float64(k.Param(ParamSlot)))))
	}
	k.voices[k.stealVoice()] = voice{
		active:   true,
		note:     note,
		velocity: clamp(float64(velocity)/127, 0, 1),
		freq:     440 * math.Pow(2, (float64(note)-69)/12),
		envState: envAttack,
		slot:     slot,
	}
}

func (k *Kernel) NoteOff(note, _ uint8) {
	for i := range k.voices {
		v := &k.voices[i]
		if v.active && v.note == note && v.envState != envRelease {
			v.envState = envRelease
		}
	}
}

func (k *Kernel) Process(r kernel.FrameRange) {
	out := k.Output()
	var tables [MaxSlots][]float32
	for i := range tables {
		if p := k.tables[i].Load(); p != nil {
			tables[i] = *p
		}
	}
	for i := range r.All() {
		gain := float64(k.ParamAt(ParamGain, i))
		k.updateFilter(k.ParamAt(ParamCutoff, i))

		var sum float64
		for vi := range k.voices {
			v := &k.voices[vi]
			if !v.active {
				continue
			}
			env := k.advanceEnv(v)
			table := tables[v.slot]
			if !v.active || len(table) == 0 {
				continue
			}
			n := float64(len(table))
			i0 := int(v.phase) % len(table)
			i1 := (i0 + 1) % len(table)
			frac := v.phase - math.Floor(v.phase)
			sig := float64(table[i0])*(1-frac) + float64(table[i1])*frac
			sum += sig * env * (0.2 + v.velocity*k.params.VelocityAmp)

			v.phase += v.freq * n / k.sampleRate
			v.phase = math.Mod(v.phase, n)
		}
		sum *= gain
		if k.alpha > 0 {
			k.lpf += k.alpha * (sum - k.lpf)
			sum = k.lpf
		}
		s := float32(clamp(sum, -1, 1))
		for ch := range out {
			out[ch][i] = s
		}
	}
}

func (k *Kernel) updateFilter(cutoff float32) {
	if cutoff == k.lastCutoff {
		return
	}
	k.lastCutoff = cutoff
	c := float64(cutoff)
	if c <= 0 || c >= k.sampleRate/2 {
		k.alpha = 0
		return
	}
	rc := 1.0 / (twoPi * c)
	dt := 1.0 / k.sampleRate
	k.alpha = dt / (rc + dt)
}

// ParseWAVB converts hex pairs of signed 8-bit values into a table
// normalized to [-1, 1].
func ParseWAVB(h string) ([]float32, error) {
	data, err := hex.DecodeString(h)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(data))
	for i, b := range data {
		out[i] = float32(int8(b)) / 127
	}
	return out, nil
}

func (k *Kernel) stealVoice() int {
	for i := range k.voices {
		if !k.voices[i].active {
			return i
		}
	}
	quiet := 0
	for i := 1; i < len(k.voices); i++ {
		if k.voices[i].env < k.voices[quiet].env {
			quiet = i
		}
	}
	return quiet
}

func (k *Kernel) advanceEnv(v *voice) float64 {
	p := &k.params
	switch v.envState {
	case envAttack:
		v.env += step(1, p.AttackSec, k.sampleRate)
		if v.env >= 1 {
			v.env = 1
			v.envState = envDecay
		}
	case envDecay:
		v.env -= step(1-p.SustainLvl, p.DecaySec, k.sampleRate)
		if v.env <= p.SustainLvl {
			v.env = p.SustainLvl
			v.envState = envSustain
		}
	case envRelease:
		v.env -= step(max(p.SustainLvl, 0.1), p.ReleaseSec, k.sampleRate)
		if v.env <= 0.0001 {
			v.env = 0
			v.envState = envOff
			v.active = false
		}
	case envOff:
		v.active = false
		v.env = 0
	}
	return v.env
}

func step(span, sec, sampleRate float64) float64 {
	if sec <= 0 || span <= 0 {
		return 1
	}
	return span / (sec * sampleRate)
}

func clampSlot(i int) int {
	return min(max(i, 0), MaxSlots-1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
