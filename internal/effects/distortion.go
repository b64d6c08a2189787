package effects

import (
	"math"

	"github.com/cbegin/rtkernel-go/internal/kernel"
)

// Distortion parameter addresses.
const (
	DistortionPreGain uint32 = iota
	DistortionPostGain
	DistortionCutoff // Hz, 0 disables the lowpass
)

var DistortionParamNames = map[string]uint32{
	"preGain":  DistortionPreGain,
	"postGain": DistortionPostGain,
	"cutoff":   DistortionCutoff,
}

// Distortion is tanh waveshaping with pre/post gain and a lowpass.
type Distortion struct {
	kernel.Base
	sampleRate float64
	lpfL, lpfR float32
}

func NewDistortion(preGain, postGain, cutoff float32) *Distortion {
	d := &Distortion{Base: kernel.NewBase(1, true)}
	d.InitParam(DistortionPreGain, preGain)
	d.InitParam(DistortionPostGain, postGain)
	d.InitParam(DistortionCutoff, cutoff)
	return d
}

func (d *Distortion) Init(_ int, sampleRate float64) error {
	d.sampleRate = sampleRate
	return nil
}

func (d *Distortion) Reset() { d.lpfL, d.lpfR = 0, 0 }

func (d *Distortion) Process(r kernel.FrameRange) {
	in, out := d.Input(0), d.Output()
	// the filter coefficient follows the cutoff once per sub-range
	alpha := lowpassAlpha(float64(d.Param(DistortionCutoff)), d.sampleRate)
	for i := range r.All() {
		l, rr := stereoIn(in, i)
		pre := d.ParamAt(DistortionPreGain, i)
		post := d.ParamAt(DistortionPostGain, i)
		l = float32(math.Tanh(float64(l*pre))) * post
		rr = float32(math.Tanh(float64(rr*pre))) * post
		if alpha > 0 {
			d.lpfL += alpha * (l - d.lpfL)
			d.lpfR += alpha * (rr - d.lpfR)
			l, rr = d.lpfL, d.lpfR
		}
		writeStereo(out, i, l, rr)
	}
}

func lowpassAlpha(cutoff, sampleRate float64) float32 {
	if cutoff <= 0 || cutoff >= sampleRate/2 {
		return 0
	}
	rc := 1.0 / (2.0 * math.Pi * cutoff)
	dt := 1.0 / sampleRate
	return float32(dt / (rc + dt))
}
