package kernel

import (
	"cmp"
	"fmt"
	"math"
	"slices"
	"sync/atomic"

	"github.com/cbegin/rtkernel-go/internal/ramp"
)

// AutomationPoint is one segment of a parameter curve: at Start seconds
// after the automation start the parameter ramps to Value over Ramp
// seconds. A zero Ramp jumps.
type AutomationPoint struct {
	Value float32
	Start float64
	Ramp  float64
}

// Automation plays a parameter curve into a unit from its render
// observer. Points are turned into parameter events in the cycle whose
// sample time range contains them; points already in the past when a cycle
// starts apply at offset 0 of that cycle.
type Automation struct {
	unit   *Unit
	addr   uint32
	points []AutomationPoint
	start  int64
	token  ObserverToken

	next    atomic.Int64 // points scheduled so far, advanced by the observer
	stopped atomic.Bool
}

// Automate starts playing points into parameter addr of u from the host
// sample time startSample. Points are copied and ordered by Start.
func Automate(u *Unit, addr uint32, points []AutomationPoint, startSample int64) (*Automation, error) {
	if addr >= MaxParameters {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAddress, addr)
	}
	for i, p := range points {
		if !finiteNonNegative(p.Start) || !finiteNonNegative(p.Ramp) || math.IsNaN(float64(p.Value)) {
			return nil, fmt.Errorf("%w: automation point %d %+v", ErrInvalidCurve, i, p)
		}
	}
	a := &Automation{
		unit:   u,
		addr:   addr,
		points: slices.Clone(points),
		start:  startSample,
	}
	slices.SortStableFunc(a.points, func(x, y AutomationPoint) int { return cmp.Compare(x.Start, y.Start) })
	a.token = u.AddRenderObserver(a.observe)
	return a, nil
}

// RampParameter moves addr to from over the unit's default ramp time, then
// ramps it to to over duration seconds.
func RampParameter(u *Unit, addr uint32, from, to float32, duration float64, startSample int64) (*Automation, error) {
	return Automate(u, addr, []AutomationPoint{
		{Value: from, Start: 0, Ramp: ramp.RampTime},
		{Value: to, Start: ramp.RampTime, Ramp: duration},
	}, startSample)
}

// Stop detaches the automation. Ramps already started run to their target.
func (a *Automation) Stop() {
	if !a.stopped.Swap(true) {
		a.unit.RemoveRenderObserver(a.token)
	}
}

// Done reports whether the automation was stopped or every point has been
// scheduled.
func (a *Automation) Done() bool {
	return a.stopped.Load() || int(a.next.Load()) >= len(a.points)
}

func (a *Automation) observe(action RenderAction, ts Timestamp, frameCount int) {
	if action != PreRender || a.stopped.Load() {
		return
	}
	sr := a.unit.SampleRate()
	if sr <= 0 {
		return
	}
	end := ts.SampleTime + int64(frameCount)
	for next := int(a.next.Load()); next < len(a.points); next++ {
		p := a.points[next]
		at := a.start + int64(math.Round(p.Start*sr))
		if at >= end {
			return
		}
		offset := int(max(at-ts.SampleTime, 0))
		var ev RenderEvent
		if frames := int(math.Round(p.Ramp * sr)); frames > 0 {
			ev = ParameterRamp(offset, a.addr, p.Value, frames)
		} else {
			ev = ParameterChange(offset, a.addr, p.Value)
		}
		if !a.unit.ScheduleEvent(ev) {
			return // queue full, retry next cycle
		}
		a.next.Store(int64(next + 1))
	}
}

func finiteNonNegative(v float64) bool {
	return v >= 0 && !math.IsInf(v, 0)
}
