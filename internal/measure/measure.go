// Package measure reports how much of each render cycle's time budget a
// unit spends rendering.
package measure

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/cbegin/rtkernel-go/internal/kernel"
)

// Clock returns a monotonic reading. It is called twice per render cycle and
// must not block or allocate.
type Clock func() time.Duration

// Option configures a Measurer.
type Option func(*Measurer)

// WithClock replaces the monotonic clock, mainly for tests.
func WithClock(c Clock) Option {
	return func(m *Measurer) {
		if c != nil {
			m.now = c
		}
	}
}

// Measurer is a render observer that records the elapsed time between the
// pre-render and post-render notifications of each cycle.
type Measurer struct {
	now        Clock
	sampleRate func() float64

	start time.Duration // render side

	usage  atomic.Uint64
	peak   atomic.Uint64
	cycles atomic.Uint64

	unit  *kernel.Unit
	token kernel.ObserverToken
}

// New returns a measurer for a unit running at sampleRate. Register
// Observer on the unit yourself, or use Attach.
func New(sampleRate float64, opts ...Option) *Measurer {
	return newMeasurer(func() float64 { return sampleRate }, opts)
}

// Attach measures u, taking the sample rate from its current allocation.
func Attach(u *kernel.Unit, opts ...Option) *Measurer {
	m := newMeasurer(u.SampleRate, opts)
	m.unit = u
	m.token = u.AddRenderObserver(m.Observer())
	return m
}

func newMeasurer(rate func() float64, opts []Option) *Measurer {
	epoch := time.Now()
	m := &Measurer{
		now:        func() time.Duration { return time.Since(epoch) },
		sampleRate: rate,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Detach unregisters a measurer created by Attach.
func (m *Measurer) Detach() {
	if m.unit != nil {
		m.unit.RemoveRenderObserver(m.token)
		m.unit = nil
	}
}

// Observer returns the render observer feeding m.
func (m *Measurer) Observer() kernel.RenderObserver { return m.observe }

func (m *Measurer) observe(action kernel.RenderAction, _ kernel.Timestamp, frameCount int) {
	switch action {
	case kernel.PreRender:
		m.start = m.now()
	case kernel.PostRender:
		rate := m.sampleRate()
		if frameCount <= 0 || rate <= 0 {
			return
		}
		elapsed := m.now() - m.start
		budget := float64(frameCount) / rate
		u := elapsed.Seconds() / budget
		m.usage.Store(math.Float64bits(u))
		if u > math.Float64frombits(m.peak.Load()) {
			m.peak.Store(math.Float64bits(u))
		}
		m.cycles.Add(1)
	}
}

// Usage is the render time of the last cycle as a fraction of the cycle's
// duration. Values above 1 mean the unit could not keep up.
func (m *Measurer) Usage() float64 { return math.Float64frombits(m.usage.Load()) }

// Peak is the highest usage seen since the last ResetPeak.
func (m *Measurer) Peak() float64 { return math.Float64frombits(m.peak.Load()) }

func (m *Measurer) ResetPeak() { m.peak.Store(0) }

// Cycles counts measured render cycles.
func (m *Measurer) Cycles() uint64 { return m.cycles.Load() }
