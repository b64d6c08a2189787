// Package fm is a polyphonic FM synthesizer kernel with one to four operators
// per voice.
package fm

import (
	"math"

	"github.com/cbegin/rtkernel-go/internal/kernel"
	"github.com/cbegin/rtkernel-go/internal/lfo"
)

const twoPi = math.Pi * 2

// Parameter addresses.
const (
	ParamGain uint32 = iota
	ParamModIndex
	ParamCutoff // lowpass cutoff in Hz, 0 disables the filter
	ParamVibratoDepth
	ParamVibratoRate
	ParamPan // -1 left to 1 right
)

// ParamNames maps registry names to addresses.
var ParamNames = map[string]uint32{
	"gain":         ParamGain,
	"modIndex":     ParamModIndex,
	"cutoff":       ParamCutoff,
	"vibratoDepth": ParamVibratoDepth,
	"vibratoRate":  ParamVibratoRate,
	"pan":          ParamPan,
}

// Params holds the voice settings fixed at construction and the initial
// values of the ramped parameters.
type Params struct {
	Polyphony   int
	Operators   int // 1 to 4
	Algorithm   int
	Feedback    float64
	Waveform    int // carrier shape 0-7
	CarrierMul  float64
	ModMul      float64
	AttackSec   float64
	DecaySec    float64
	SustainLvl  float64
	ReleaseSec  float64
	VelocityAmp float64
	Vibrato     lfo.Waveform

	Gain         float32
	ModIndex     float32
	Cutoff       float32
	VibratoDepth float32 // semitones
	VibratoRate  float32 // Hz
	Pan          float32
}

func DefaultParams() Params {
	return Params{
		Polyphony:   32,
		Operators:   2,
		CarrierMul:  1.0,
		ModMul:      2.0,
		AttackSec:   0.005,
		DecaySec:    0.12,
		SustainLvl:  0.75,
		ReleaseSec:  0.2,
		VelocityAmp: 0.8,
		Vibrato:     lfo.WaveSine,
		Gain:        0.45,
		ModIndex:    1.6,
		Cutoff:      12000,
		VibratoRate: 5,
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

type operator struct {
	phase    float64
	env      float64
	envState envState
	mul      float64
	level    float64
	prevOut  float64
}

type voice struct {
	active   bool
	note     uint8
	released bool
	velocity float64
	freq     float64
	ops      [4]operator
}

// Kernel renders FM voices. NoteOn and NoteOff arrive from the unit's MIDI
// dispatch on the render goroutine.
type Kernel struct {
	kernel.Base
	params Params

	sampleRate float64
	voices     []voice
	vibrato    lfo.LFO
	noise      uint32

	lpfL, lpfR float64
	alpha      float64
	lastCutoff float32
}

// New returns an unallocated FM kernel.
func New(p Params) *Kernel {
	p.Polyphony = max(p.Polyphony, 1)
	p.Operators = min(max(p.Operators, 1), 4)
	p.Feedback = clamp(p.Feedback, 0, 1)
	k := &Kernel{Base: kernel.NewBase(0, false), params: p, noise: 0x7FFF}
	k.InitParam(ParamGain, p.Gain)
	k.InitParam(ParamModIndex, p.ModIndex)
	k.InitParam(ParamCutoff, p.Cutoff)
	k.InitParam(ParamVibratoDepth, p.VibratoDepth)
	k.InitParam(ParamVibratoRate, p.VibratoRate)
	k.InitParam(ParamPan, p.Pan)
	return k
}

func (k *Kernel) Init(_ int, sampleRate float64) error {
	k.sampleRate = sampleRate
	k.voices = make([]voice, k.params.Polyphony)
	k.vibrato = lfo.New(k.params.Vibrato, k.Rand())
	k.lastCutoff = -1
	return nil
}

func (k *Kernel) Deinit() { k.voices = nil }

func (k *Kernel) Reset() {
	clear(k.voices)
	k.vibrato.Reset()
	k.lpfL, k.lpfR = 0, 0
}

// ActiveVoiceCount returns the number of voices still sounding, including
// release tails.
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
	v := &k.voices[k.stealVoice()]
	*v = voice{
		active:   true,
		note:     note,
		velocity: clamp(float64(velocity)/127, 0, 1),
		freq:     midiToFreq(note),
	}
	muls := [4]float64{k.params.CarrierMul, k.params.ModMul, 3, 4}
	for oi := 0; oi < k.params.Operators; oi++ {
		level := 0.5
		if oi == 0 {
			level = 1
		}
		v.ops[oi] = operator{envState: envAttack, mul: muls[oi], level: level}
	}
}

func (k *Kernel) NoteOff(note, _ uint8) {
	for i := range k.voices {
		v := &k.voices[i]
		if !v.active || v.released || v.note != note {
			continue
		}
		v.released = true
		for oi := 0; oi < k.params.Operators; oi++ {
			v.ops[oi].envState = envRelease
		}
	}
}

func (k *Kernel) Process(r kernel.FrameRange) {
	out := k.Output()
	for i := range r.All() {
		gain := float64(k.ParamAt(ParamGain, i))
		idx := float64(k.ParamAt(ParamModIndex, i))
		depth := float64(k.ParamAt(ParamVibratoDepth, i))
		rate := float64(k.ParamAt(ParamVibratoRate, i))
		pan := clamp(float64(k.ParamAt(ParamPan, i)), -1, 1)
		k.updateFilter(k.ParamAt(ParamCutoff, i))

		freqMul := 1.0
		if vib := k.vibrato.Next(rate, k.sampleRate) * depth; vib != 0 {
			freqMul = math.Pow(2, vib/12)
		}
		var mono float64
		for vi := range k.voices {
			v := &k.voices[vi]
			if !v.active {
				continue
			}
			if !k.advanceEnvelopes(v) {
				v.active = false
				continue
			}
			mono += k.renderVoice(v, idx) * (0.2 + v.velocity*k.params.VelocityAmp)
			for oi := 0; oi < k.params.Operators; oi++ {
				op := &v.ops[oi]
				op.phase += twoPi * v.freq * freqMul * op.mul / k.sampleRate
				if op.phase > twoPi {
					op.phase -= twoPi
				}
			}
		}
		mono *= gain
		angle := (pan + 1) / 2 * (math.Pi / 2)
		l, rr := mono*math.Cos(angle), mono*math.Sin(angle)
		if k.alpha > 0 {
			k.lpfL += k.alpha * (l - k.lpfL)
			k.lpfR += k.alpha * (rr - k.lpfR)
			l, rr = k.lpfL, k.lpfR
		}
		writeFrame(out, i, float32(clamp(l, -1, 1)), float32(clamp(rr, -1, 1)))
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

// advanceEnvelopes steps every operator envelope and reports whether any is
// still sounding.
func (k *Kernel) advanceEnvelopes(v *voice) bool {
	alive := false
	for oi := 0; oi < k.params.Operators; oi++ {
		k.advanceEnv(&v.ops[oi])
		if v.ops[oi].envState != envOff {
			alive = true
		}
	}
	return alive
}

func (k *Kernel) advanceEnv(op *operator) {
	p := &k.params
	switch op.envState {
	case envAttack:
		op.env += rateStep(1, p.AttackSec, k.sampleRate)
		if op.env >= 1 {
			op.env = 1
			op.envState = envDecay
		}
	case envDecay:
		op.env -= rateStep(1-p.SustainLvl, p.DecaySec, k.sampleRate)
		if op.env <= p.SustainLvl {
			op.env = p.SustainLvl
			op.envState = envSustain
		}
	case envRelease:
		op.env -= rateStep(max(p.SustainLvl, 0.1), p.ReleaseSec, k.sampleRate)
		if op.env <= 0.0001 {
			op.env = 0
			op.envState = envOff
		}
	case envOff:
		op.env = 0
	}
}

func rateStep(span, sec, sampleRate float64) float64 {
	if sec <= 0 || span <= 0 {
		return 1
	}
	return span / (sec * sampleRate)
}

// renderVoice runs the operator graph selected by the algorithm. Operator 0
// is always a carrier; idx scales modulator output.
func (k *Kernel) renderVoice(v *voice, idx float64) float64 {
	ops := &v.ops
	wf := k.params.Waveform
	amp := func(oi int) float64 { return ops[oi].env * ops[oi].level }
	carrier := func(oi int, in float64) float64 { return k.waveform(ops[oi].phase+in, wf) * amp(oi) }
	mod := func(oi int, in float64) float64 { return math.Sin(ops[oi].phase+in) * amp(oi) * idx }
	// self feedback on the top operator of a cascade
	fbMod := func(oi int) float64 {
		fb := ops[oi].prevOut * k.params.Feedback * math.Pi
		s := math.Sin(ops[oi].phase+fb) * amp(oi)
		ops[oi].prevOut = s
		return s * idx
	}

	switch k.params.Operators {
	case 1:
		fb := ops[0].prevOut * k.params.Feedback * math.Pi
		s := carrier(0, fb)
		ops[0].prevOut = s
		return s
	case 2:
		if k.params.Algorithm == 1 {
			return (carrier(0, 0) + carrier(1, 0)) / math.Sqrt2
		}
		return carrier(0, fbMod(1))
	case 3:
		switch k.params.Algorithm {
		case 1:
			return carrier(0, mod(1, fbMod(2)))
		case 2:
			return carrier(0, mod(1, 0)+mod(2, 0))
		case 3:
			return (carrier(0, 0) + carrier(1, 0) + carrier(2, 0)) / math.Sqrt(3)
		}
		return carrier(0, mod(1, mod(2, 0)))
	}
	switch k.params.Algorithm {
	case 1:
		return carrier(0, mod(1, mod(2, mod(3, 0))))
	case 2:
		return carrier(0, mod(1, mod(2, 0)+mod(3, 0)))
	case 3:
		return (carrier(0, mod(3, 0)) + carrier(1, mod(2, 0))) / math.Sqrt2
	case 4:
		return (carrier(0, 0) + carrier(1, mod(2, mod(3, 0)))) / math.Sqrt2
	case 5:
		return (carrier(0, 0) + carrier(1, 0) + carrier(2, 0) + carrier(3, 0)) / 2
	}
	return carrier(0, mod(1, mod(2, fbMod(3))))
}

func (k *Kernel) stealVoice() int {
	for i := range k.voices {
		if !k.voices[i].active {
			return i
		}
	}
	quiet := 0
	for i := 1; i < len(k.voices); i++ {
		if k.voices[i].ops[0].env < k.voices[quiet].ops[0].env {
			quiet = i
		}
	}
	return quiet
}

func (k *Kernel) waveform(phase float64, wf int) float64 {
	p := math.Mod(phase, twoPi)
	if p < 0 {
		p += twoPi
	}
	switch wf {
	case 1: // saw
		return 1 - 2*p/twoPi
	case 2: // triangle
		return 2*math.Abs(2*p/twoPi-1) - 1
	case 3: // square
		return pulse(p, math.Pi)
	case 4:
		return pulse(p, math.Pi/2)
	case 5:
		return pulse(p, math.Pi/4)
	case 6: // half-rectified sine
		return max(math.Sin(p), 0)
	case 7: // noise
		k.noise = (k.noise >> 1) ^ (-(k.noise & 1) & 0xB400)
		return float64(k.noise)/float64(0x7FFF)*2 - 1
	}
	return math.Sin(p)
}

func pulse(p, width float64) float64 {
	if p < width {
		return 1
	}
	return -1
}

// writeFrame stores a stereo frame, folding to mono for single-channel
// output and repeating the pair across extra channels.
func writeFrame(out kernel.Buffers, i int, l, r float32) {
	if len(out) == 1 {
		out[0][i] = (l + r) / 2
		return
	}
	for ch := range out {
		if ch%2 == 0 {
			out[ch][i] = l
		} else {
			out[ch][i] = r
		}
	}
}

func midiToFreq(note uint8) float64 {
	return 440 * math.Pow(2, (float64(note)-69)/12)
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
