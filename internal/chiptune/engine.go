// Package chiptune is a polyphonic kernel with band-limited pulse, triangle
// and LFSR noise voices. The waveform of a note is picked from the program
// of its MIDI channel.
package chiptune

import (
	"math"

	"github.com/cbegin/rtkernel-go/internal/kernel"
	"github.com/cbegin/rtkernel-go/internal/lfo"
)

const twoPi = math.Pi * 2

// DrumChannel always plays noise, whatever its program.
const DrumChannel = 9

// Parameter addresses.
const (
	ParamGain uint32 = iota
	ParamDuty
	ParamCutoff
	ParamTremoloDepth
	ParamTremoloRate
)

var ParamNames = map[string]uint32{
	"gain":         ParamGain,
	"duty":         ParamDuty,
	"cutoff":       ParamCutoff,
	"tremoloDepth": ParamTremoloDepth,
	"tremoloRate":  ParamTremoloRate,
}

type Params struct {
	Voices      int
	AttackSec   float64
	DecaySec    float64
	SustainLvl  float64
	ReleaseSec  float64
	StepLevels  int // envelope quantization, <= 1 disables it
	VelocityAmp float64
	RandomPhase bool
	Tremolo     lfo.Waveform

	Gain         float32
	Duty         float32 // pulse duty of programs 0-31; 32-63 use half of it
	Cutoff       float32 // lowpass cutoff in Hz, 0 disables the filter
	TremoloDepth float32
	TremoloRate  float32
}

func DefaultParams() Params {
	return Params{
		Voices:      12,
		AttackSec:   0.005,
		DecaySec:    0.15,
		SustainLvl:  0.65,
		ReleaseSec:  0.20,
		StepLevels:  16,
		VelocityAmp: 0.85,
		Tremolo:     lfo.WaveTriangle,
		Gain:        0.28,
		Duty:        0.25,
		Cutoff:      12000,
		TremoloRate: 5,
	}
}

// Wave is the oscillator shape of a voice.
type Wave int

const (
	WavePulse Wave = iota
	WaveNarrowPulse
	WaveTriangle
	WaveNoise
)

// WaveForProgram maps a program number to a shape: 0-31 pulse, 32-63
// narrow pulse, 64-95 triangle and 96-127 noise.
func WaveForProgram(program int) Wave {
	switch {
	case program >= 96:
		return WaveNoise
	case program >= 64:
		return WaveTriangle
	case program >= 32:
		return WaveNarrowPulse
	}
	return WavePulse
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
	channel  uint8
	age      int
	wave     Wave
	freq     float64
	phase    float64
	velocity float64
	env      float64
	envState envState
	lfsr     uint16
}

type Kernel struct {
	kernel.Base
	params Params

	sampleRate float64
	voices     []voice
	programs   [16]uint8
	channel    uint8 // channel of the event being dispatched

	tremolo    lfo.LFO
	dcIn       float64
	dcOut      float64
	lpf        float64
	alpha      float64
	lastCutoff float32
}

// New returns an unallocated kernel.
func New(p Params) *Kernel {
	if p.Voices <= 0 {
		p.Voices = 12
	}
	k := &Kernel{Base: kernel.NewBase(0, false), params: p}
	k.InitParam(ParamGain, p.Gain)
	k.InitParam(ParamDuty, p.Duty)
	k.InitParam(ParamCutoff, p.Cutoff)
	k.InitParam(ParamTremoloDepth, p.TremoloDepth)
	k.InitParam(ParamTremoloRate, p.TremoloRate)
	return k
}

func (k *Kernel) Init(_ int, sampleRate float64) error {
	k.sampleRate = sampleRate
	k.voices = make([]voice, k.params.Voices)
	for i := range k.voices {
		k.voices[i].lfsr = uint16(0xACE1 + i*97)
	}
	k.tremolo = lfo.New(k.params.Tremolo, k.Rand())
	k.lastCutoff = -1
	return nil
}

func (k *Kernel) Deinit() { k.voices = nil }

// Reset silences all voices and returns every channel to program 0.
func (k *Kernel) Reset() {
	for i := range k.voices {
		k.voices[i] = voice{lfsr: uint16(0xACE1 + i*97)}
	}
	k.programs = [16]uint8{}
	k.tremolo.Reset()
	k.dcIn, k.dcOut, k.lpf = 0, 0, 0
}

func (k *Kernel) HandleMIDIEvent(ev kernel.MIDIEvent) {
	ch := ev.Data[0] & 0x0F
	if ev.Length >= 2 && ev.Data[0]&0xF0 == 0xC0 {
		k.programs[ch] = ev.Data[1] & 0x7F
		return
	}
	k.channel = ch
	kernel.DispatchMIDI(k, ev)
}

func (k *Kernel) NoteOn(note, velocity uint8) {
	if len(k.voices) == 0 {
		return
	}
	wave := WaveForProgram(int(k.programs[k.channel]))
	if k.channel == DrumChannel {
		wave = WaveNoise
	}
	v := &k.voices[k.stealVoice()]
	lfsr := v.lfsr
	if lfsr == 0 {
		lfsr = 0xACE1
	}
	*v = voice{
		active:   true,
		note:     note,
		channel:  k.channel,
		wave:     wave,
		freq:     440 * math.Pow(2, (float64(note)-69)/12),
		velocity: clamp(float64(velocity)/127, 0, 1),
		envState: envAttack,
		lfsr:     lfsr,
	}
	if k.params.RandomPhase {
		v.phase = k.Rand().Float64()
	}
}

func (k *Kernel) NoteOff(note, _ uint8) {
	for i := range k.voices {
		v := &k.voices[i]
		if v.active && v.note == note && v.channel == k.channel && v.envState != envRelease {
			v.envState = envRelease
		}
	}
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

func (k *Kernel) Process(r kernel.FrameRange) {
	out := k.Output()
	for i := range r.All() {
		gain := float64(k.ParamAt(ParamGain, i))
		duty := clamp(float64(k.ParamAt(ParamDuty, i)), 0.01, 0.99)
		depth := float64(k.ParamAt(ParamTremoloDepth, i))
		trem := 1 + depth*k.tremolo.Next(float64(k.ParamAt(ParamTremoloRate, i)), k.sampleRate)
		k.updateFilter(k.ParamAt(ParamCutoff, i))

		var sum float64
		for vi := range k.voices {
			v := &k.voices[vi]
			if !v.active {
				continue
			}
			v.age++
			env := k.advanceEnv(v)
			if !v.active {
				continue
			}
			level := quantize(env*(0.15+v.velocity*k.params.VelocityAmp), k.params.StepLevels)
			sum += k.renderWave(v, duty) * level
		}
		sum = k.dcBlock(sum*gain) * trem
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

func (k *Kernel) dcBlock(x float64) float64 {
	const r = 0.995
	y := x - k.dcIn + r*k.dcOut
	k.dcIn = x
	k.dcOut = y
	return y
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

// polyBLEP smooths a unit step at phase 0; t is the phase in [0, 1) and dt
// the per-sample increment.
func polyBLEP(t, dt float64) float64 {
	if t < dt {
		t /= dt
		return t + t - t*t - 1
	}
	if t > 1-dt {
		t = (t - 1) / dt
		return t*t + t + t + 1
	}
	return 0
}

func pulse(phase, dt, duty float64) float64 {
	out := -1.0
	if phase < duty {
		out = 1
	}
	out += polyBLEP(phase, dt)
	out -= polyBLEP(math.Mod(phase-duty+1, 1), dt)
	return out
}

func (k *Kernel) renderWave(v *voice, duty float64) float64 {
	dt := v.freq / k.sampleRate
	v.phase += dt
	if v.phase >= 1 {
		v.phase -= math.Floor(v.phase)
	}
	switch v.wave {
	case WavePulse:
		return pulse(v.phase, dt, duty)
	case WaveNarrowPulse:
		return pulse(v.phase, dt, duty/2)
	case WaveTriangle:
		return 2*math.Abs(2*v.phase-1) - 1
	case WaveNoise:
		if v.phase < dt {
			bit := (v.lfsr ^ (v.lfsr >> 1)) & 1
			v.lfsr = (v.lfsr >> 1) | (bit << 15)
		}
		if v.lfsr&1 == 1 {
			return 1
		}
		return -1
	}
	return 0
}

// stealVoice prefers a free slot, then the oldest releasing voice, then the
// oldest voice.
func (k *Kernel) stealVoice() int {
	oldestRelease, oldest := -1, 0
	for i := range k.voices {
		v := &k.voices[i]
		if !v.active {
			return i
		}
		if v.envState == envRelease && (oldestRelease < 0 || v.age > k.voices[oldestRelease].age) {
			oldestRelease = i
		}
		if v.age > k.voices[oldest].age {
			oldest = i
		}
	}
	if oldestRelease >= 0 {
		return oldestRelease
	}
	return oldest
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

func quantize(v float64, steps int) float64 {
	if steps <= 1 {
		return v
	}
	n := math.Round(v*float64(steps-1)) / float64(steps-1)
	return clamp(n, 0, 1)
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
