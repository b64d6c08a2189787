package lfo

import (
	"math"
	"math/rand/v2"
)

// Waveform selects the LFO shape.
type Waveform int

const (
	WaveSine Waveform = iota
	WaveTriangle
	WaveSaw
	WaveSquare
	// WaveRandom holds a random value for each cycle (sample and hold).
	WaveRandom
)

func (w Waveform) String() string {
	switch w {
	case WaveSine:
		return "sine"
	case WaveTriangle:
		return "triangle"
	case WaveSaw:
		return "saw"
	case WaveSquare:
		return "square"
	case WaveRandom:
		return "random"
	}
	return "unknown"
}

// LFO is a low-frequency oscillator producing one value per sample in
// [-1, 1]. Depth is applied by the caller so it can follow a ramped
// parameter. An LFO is owned by one kernel and is not safe for concurrent
// use.
type LFO struct {
	waveform Waveform
	phase    float64 // [0, 1)
	held     float64
	rng      *rand.Rand
}

// New returns an LFO. rng feeds WaveRandom; with a nil rng the random
// shape stays at zero.
func New(w Waveform, rng *rand.Rand) LFO {
	l := LFO{rng: rng}
	l.SetWaveform(w)
	l.Reset()
	return l
}

// SetWaveform changes the shape. Unknown shapes fall back to triangle.
func (l *LFO) SetWaveform(w Waveform) {
	if w < WaveSine || w > WaveRandom {
		w = WaveTriangle
	}
	l.waveform = w
}

func (l *LFO) Waveform() Waveform { return l.waveform }

// Next returns the value at the current phase and advances by one sample.
// A non-positive rate or sample rate freezes the oscillator at 0.
func (l *LFO) Next(rateHz, sampleRate float64) float64 {
	if rateHz <= 0 || sampleRate <= 0 {
		return 0
	}
	var v float64
	switch l.waveform {
	case WaveSine:
		v = math.Sin(2 * math.Pi * l.phase)
	case WaveSaw:
		v = 1 - 2*l.phase
	case WaveSquare:
		if l.phase < 0.5 {
			v = 1
		} else {
			v = -1
		}
	case WaveRandom:
		v = l.held
	default:
		if l.phase < 0.5 {
			v = 4*l.phase - 1
		} else {
			v = 3 - 4*l.phase
		}
	}

	l.phase += rateHz / sampleRate
	if l.phase >= 1 {
		l.phase -= math.Floor(l.phase)
		if l.waveform == WaveRandom {
			l.draw()
		}
	}
	return v
}

// Reset returns to phase 0 and, for the random shape, draws a new value.
func (l *LFO) Reset() {
	l.phase = 0
	l.held = 0
	l.draw()
}

func (l *LFO) draw() {
	if l.rng != nil {
		l.held = l.rng.Float64()*2 - 1
	}
}
