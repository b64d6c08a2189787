package effects

import (
	"math"

	"github.com/cbegin/rtkernel-go/internal/kernel"
)

// Delay parameter addresses.
const (
	DelayTime     uint32 = iota // milliseconds
	DelayFeedback               // 0..0.95
	DelayCross                  // cross-channel feedback 0..1
	DelayMix                    // wet/dry 0..1
)

var DelayParamNames = map[string]uint32{
	"time":     DelayTime,
	"feedback": DelayFeedback,
	"cross":    DelayCross,
	"mix":      DelayMix,
}

// MaxDelayMs bounds the delay line allocated at Init.
const MaxDelayMs = 2000

// Delay is a stereo delay with feedback and cross-channel mixing. The delay
// time ramps per sample with a fractional read tap.
type Delay struct {
	kernel.Base
	bufL, bufR []float32
	pos        int
	sampleRate float64
}

func NewDelay(timeMs, feedback, cross, mix float32) *Delay {
	d := &Delay{Base: kernel.NewBase(1, true)}
	d.InitParam(DelayTime, timeMs)
	d.InitParam(DelayFeedback, feedback)
	d.InitParam(DelayCross, cross)
	d.InitParam(DelayMix, mix)
	return d
}

func (d *Delay) Init(_ int, sampleRate float64) error {
	n := int(MaxDelayMs*sampleRate/1000) + 2
	d.sampleRate = sampleRate
	d.bufL = make([]float32, n)
	d.bufR = make([]float32, n)
	d.pos = 0
	return nil
}

func (d *Delay) Deinit() { d.bufL, d.bufR = nil, nil }

func (d *Delay) Reset() {
	clear(d.bufL)
	clear(d.bufR)
	d.pos = 0
}

func (d *Delay) Process(r kernel.FrameRange) {
	in, out := d.Input(0), d.Output()
	n := len(d.bufL)
	for i := range r.All() {
		l, rr := stereoIn(in, i)
		delay := float64(d.ParamAt(DelayTime, i)) * d.sampleRate / 1000
		delay = min(max(delay, 1), float64(n-2))
		fb := clamp(d.ParamAt(DelayFeedback, i), 0, 0.95)
		cross := clamp(d.ParamAt(DelayCross, i), 0, 1)
		wet := clamp(d.ParamAt(DelayMix, i), 0, 1)

		delL := tap(d.bufL, d.pos, delay)
		delR := tap(d.bufR, d.pos, delay)
		d.bufL[d.pos] = l + delL*fb*(1-cross) + delR*fb*cross
		d.bufR[d.pos] = rr + delR*fb*(1-cross) + delL*fb*cross
		d.pos++
		if d.pos >= n {
			d.pos = 0
		}
		writeStereo(out, i, l*(1-wet)+delL*wet, rr*(1-wet)+delR*wet)
	}
}

// tap reads buf delay samples behind the write position, interpolating
// between neighbours.
func tap(buf []float32, pos int, delay float64) float32 {
	n := len(buf)
	whole := math.Floor(delay)
	frac := float32(delay - whole)
	i0 := pos - int(whole)
	if i0 < 0 {
		i0 += n
	}
	i1 := i0 - 1
	if i1 < 0 {
		i1 += n
	}
	return buf[i0]*(1-frac) + buf[i1]*frac
}
