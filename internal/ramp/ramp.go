// Package ramp smooths parameter changes with bounded linear ramps.
package ramp

// DefaultDuration is the ramp length in frames used until an owner sets one.
const DefaultDuration = 512

// RampTime is the ramp length in seconds a unit applies once its sample
// rate is known.
const RampTime = 0.02

// Ramper interpolates one parameter from its current value towards a target.
// The zero value holds 0 and is not ramping.
type Ramper struct {
	start    float32
	target   float32
	value    float32
	duration int // frames used by SetTarget; 0 means DefaultDuration
	length   int // frames of the ramp in progress
	elapsed  int
	block    int // elapsed at the start of the last Step
}

// SetDuration sets the ramp length used by subsequent SetTarget calls.
func (r *Ramper) SetDuration(frames int) {
	if frames < 1 {
		frames = 1
	}
	r.duration = frames
}

// Duration returns the ramp length used by SetTarget.
func (r *Ramper) Duration() int {
	if r.duration == 0 {
		return DefaultDuration
	}
	return r.duration
}

// SetTarget moves towards v. With immediate set, the value jumps to v.
func (r *Ramper) SetTarget(v float32, immediate bool) {
	if immediate {
		r.jump(v)
		return
	}
	r.StartRamp(v, r.Duration())
}

// StartRamp ramps from the current value to v over the given number of
// frames. A ramp still in progress is abandoned where it stands.
func (r *Ramper) StartRamp(v float32, frames int) {
	if frames <= 0 {
		r.jump(v)
		return
	}
	r.start = r.value
	r.target = v
	r.length = frames
	r.elapsed = 0
	r.block = 0
}

func (r *Ramper) jump(v float32) {
	r.start, r.target, r.value = v, v, v
	r.length, r.elapsed, r.block = 0, 0, 0
}

// Step advances the ramp by frames.
func (r *Ramper) Step(frames int) {
	r.block = r.elapsed
	if frames <= 0 || r.elapsed >= r.length {
		return
	}
	r.elapsed += frames
	if r.elapsed >= r.length {
		r.elapsed = r.length
		r.value = r.target
		return
	}
	r.value = r.at(r.elapsed)
}

// Value returns the value at the ramp's current position.
func (r *Ramper) Value() float32 { return r.value }

// ValueAt returns the value i frames into the block covered by the last Step.
func (r *Ramper) ValueAt(i int) float32 {
	if r.length == 0 {
		return r.value
	}
	if i < 0 {
		i = 0
	}
	return r.at(r.block + i)
}

// Target returns the value the ramp is heading to.
func (r *Ramper) Target() float32 { return r.target }

// Ramping reports whether a ramp is in progress.
func (r *Ramper) Ramping() bool { return r.elapsed < r.length }

func (r *Ramper) at(elapsed int) float32 {
	if elapsed >= r.length {
		return r.target
	}
	t := float32(elapsed) / float32(r.length)
	v := r.start + (r.target-r.start)*t
	// float rounding must not carry the value past either end
	lo, hi := r.start, r.target
	if lo > hi {
		lo, hi = hi, lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
