package effects

import (
	"math"

	"github.com/cbegin/rtkernel-go/internal/kernel"
)

// Compressor parameter addresses.
const (
	CompressorThreshold uint32 = iota // dB
	CompressorRatio
	CompressorAttack  // ms
	CompressorRelease // ms
	CompressorMakeup  // dB
)

var CompressorParamNames = map[string]uint32{
	"threshold": CompressorThreshold,
	"ratio":     CompressorRatio,
	"attack":    CompressorAttack,
	"release":   CompressorRelease,
	"makeup":    CompressorMakeup,
}

// Compressor is a per-channel peak compressor. Its coefficients are derived
// once per processed sub-range.
type Compressor struct {
	kernel.Base
	sampleRate float64
	envL, envR float32
}

func NewCompressor(thresholdDB, ratio, attackMs, releaseMs, makeupDB float32) *Compressor {
	c := &Compressor{Base: kernel.NewBase(1, true)}
	c.InitParam(CompressorThreshold, thresholdDB)
	c.InitParam(CompressorRatio, ratio)
	c.InitParam(CompressorAttack, attackMs)
	c.InitParam(CompressorRelease, releaseMs)
	c.InitParam(CompressorMakeup, makeupDB)
	return c
}

func (c *Compressor) Init(_ int, sampleRate float64) error {
	c.sampleRate = sampleRate
	return nil
}

func (c *Compressor) Reset() { c.envL, c.envR = 0, 0 }

type compCoeffs struct {
	threshold, ratio, attack, release, makeup float32
}

func (c *Compressor) coeffs() compCoeffs {
	coef := func(ms float32) float32 {
		if ms <= 0 {
			return 1
		}
		return float32(1 - math.Exp(-1/(float64(ms)*c.sampleRate/1000)))
	}
	return compCoeffs{
		threshold: dbToGain(c.Param(CompressorThreshold)),
		ratio:     max(c.Param(CompressorRatio), 1),
		attack:    coef(c.Param(CompressorAttack)),
		release:   coef(c.Param(CompressorRelease)),
		makeup:    dbToGain(c.Param(CompressorMakeup)),
	}
}

func (c *Compressor) Process(r kernel.FrameRange) {
	in, out := c.Input(0), c.Output()
	k := c.coeffs()
	for i := range r.All() {
		l, rr := stereoIn(in, i)
		c.envL = follow(c.envL, l, k)
		c.envR = follow(c.envR, rr, k)
		writeStereo(out, i, l*k.gain(c.envL)*k.makeup, rr*k.gain(c.envR)*k.makeup)
	}
}

func follow(env, x float32, k compCoeffs) float32 {
	a := float32(math.Abs(float64(x)))
	if a > env {
		return env + k.attack*(a-env)
	}
	return env + k.release*(a-env)
}

func (k compCoeffs) gain(env float32) float32 {
	if env <= k.threshold || k.threshold <= 0 {
		return 1
	}
	over := env / k.threshold
	return float32(math.Pow(float64(over), float64(1/k.ratio-1)))
}

func dbToGain(db float32) float32 {
	return float32(math.Pow(10, float64(db)/20))
}
