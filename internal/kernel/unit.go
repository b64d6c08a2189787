package kernel

import (
	"cmp"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cbegin/rtkernel-go/internal/debugdsp"
	"github.com/cbegin/rtkernel-go/internal/ramp"
)

const (
	DefaultMaxFrames = 1024
	DefaultMaxEvents = 256
)

// mailbox word layout: low 32 bits value, then immediate and pending flags
const (
	mailImmediate = uint64(1) << 32
	mailPending   = uint64(1) << 33
)

// UnitOption configures a Unit.
type UnitOption func(*Unit)

// WithName names the unit in logs and metrics.
func WithName(name string) UnitOption {
	return func(u *Unit) { u.name = name }
}

// WithLogger sets the logger used for control-side messages.
func WithLogger(l *slog.Logger) UnitOption {
	return func(u *Unit) {
		if l != nil {
			u.log = l
		}
	}
}

// WithMaxFrames sets the largest frame count a render call may request.
func WithMaxFrames(n int) UnitOption {
	return func(u *Unit) {
		if n > 0 {
			u.maxFrames = n
		}
	}
}

// WithMaxEvents bounds the MIDI events that can be scheduled per cycle.
func WithMaxEvents(n int) UnitOption {
	return func(u *Unit) {
		if n > 0 {
			u.maxEvents = n
		}
	}
}

// WithDebugSlot feeds every rendered output sample into a debugdsp slot
// while debug digests are active.
func WithDebugSlot(slot int) UnitOption {
	return func(u *Unit) { u.debugSlot = slot }
}

type observerEntry struct {
	token ObserverToken
	fn    RenderObserver
}

// Unit is the host-facing handle of a kernel. It owns the render loop,
// bypass and started flags, control-side parameter mailboxes, scheduled
// MIDI and render observers.
//
// AllocateRenderResources, DeallocateRenderResources, SetBuffer, Reset and
// the wavetable calls must not run concurrently with Render. Everything
// else may be called from any goroutine.
type Unit struct {
	name      string
	log       *slog.Logger
	k         Kernel
	b         *Base
	maxFrames int
	maxEvents int
	debugSlot int

	notes     NoteHandler
	midi      MIDIHandler
	resetter  Resetter
	init      Initializer
	deinit    Deinitializer
	tables    WavetableSetter
	waveforms WaveformBuilder

	allocated atomic.Bool
	bypassed  atomic.Bool
	started   atomic.Bool

	mail      [MaxParameters]atomic.Uint64
	targets   [MaxParameters]atomic.Uint32
	mailDirty atomic.Bool

	scheduled *Queue[RenderEvent]
	merged    []RenderEvent

	obsMu     sync.Mutex
	nextToken ObserverToken
	observers atomic.Pointer[[]observerEntry]
}

// NewUnit wraps k. The unit starts in the started, not bypassed state and
// must be allocated before it renders.
func NewUnit(k Kernel, opts ...UnitOption) *Unit {
	u := &Unit{
		name:      "kernel",
		log:       slog.Default(),
		k:         k,
		b:         k.KernelBase(),
		maxFrames: DefaultMaxFrames,
		maxEvents: DefaultMaxEvents,
		debugSlot: -1,
	}
	for _, opt := range opts {
		opt(u)
	}
	u.log = u.log.With("component", "kernel", "unit", u.name)
	u.notes, _ = k.(NoteHandler)
	u.midi, _ = k.(MIDIHandler)
	u.resetter, _ = k.(Resetter)
	u.init, _ = k.(Initializer)
	u.deinit, _ = k.(Deinitializer)
	u.tables, _ = k.(WavetableSetter)
	u.waveforms, _ = k.(WaveformBuilder)
	u.scheduled = NewQueue[RenderEvent](u.maxEvents)
	u.merged = make([]RenderEvent, 0, 2*u.maxEvents)
	for i := range u.targets {
		u.targets[i].Store(math.Float32bits(u.b.params[i].Target()))
	}
	u.started.Store(true)
	return u
}

// Name returns the name given with WithName.
func (u *Unit) Name() string { return u.name }

// Kernel returns the wrapped kernel.
func (u *Unit) Kernel() Kernel { return u.k }

// MaxFrames is the largest frame count Render accepts.
func (u *Unit) MaxFrames() int { return u.maxFrames }

// Allocated reports whether render resources are in place.
func (u *Unit) Allocated() bool { return u.allocated.Load() }

// SampleRate returns the rate the unit was allocated with, or 0.
func (u *Unit) SampleRate() float64 { return u.b.sampleRate }

// InputBusCount returns the number of input buses. The output bus index
// equals this count.
func (u *Unit) InputBusCount() int { return u.b.inputBuses }

// AllocateRenderResources prepares the kernel for rendering. On failure the
// unit stays unallocated and Render refuses to run.
func (u *Unit) AllocateRenderResources(channels int, sampleRate float64) error {
	if channels <= 0 || sampleRate <= 0 || math.IsNaN(sampleRate) || math.IsInf(sampleRate, 0) {
		return fmt.Errorf("%w: channels=%d sampleRate=%v", ErrInvalidFormat, channels, sampleRate)
	}
	u.allocated.Store(false)
	u.b.channels = channels
	u.b.sampleRate = sampleRate
	u.b.rng = newRand()
	frames := int(sampleRate * ramp.RampTime)
	for i := range u.b.params {
		u.b.params[i].SetDuration(frames)
	}
	if u.init != nil {
		if err := u.init.Init(channels, sampleRate); err != nil {
			u.log.Error("allocate render resources failed", "error", err)
			return fmt.Errorf("allocate %s: %w", u.name, err)
		}
	}
	u.allocated.Store(true)
	u.log.Debug("render resources allocated", "channels", channels, "sample_rate", sampleRate, "max_frames", u.maxFrames)
	return nil
}

// DeallocateRenderResources releases kernel resources and forgets buffers.
func (u *Unit) DeallocateRenderResources() {
	if !u.allocated.Swap(false) {
		return
	}
	if u.deinit != nil {
		u.deinit.Deinit()
	}
	u.b.inputs = [2]Buffers{}
	u.b.output = nil
	u.log.Debug("render resources released")
}

// SetBuffer registers buf for a bus. Buses below InputBusCount are inputs;
// the bus equal to InputBusCount is the output.
func (u *Unit) SetBuffer(bus int, buf Buffers) error {
	if bus < 0 || bus > u.b.inputBuses {
		return fmt.Errorf("%w: %d (inputs=%d)", ErrInvalidBus, bus, u.b.inputBuses)
	}
	for ch := range buf {
		if len(buf[ch]) < u.maxFrames {
			return fmt.Errorf("%w: channel %d has %d frames, need %d", ErrInvalidBuffer, ch, len(buf[ch]), u.maxFrames)
		}
	}
	if bus == u.b.inputBuses {
		u.b.output = buf
	} else {
		u.b.inputs[bus] = buf
	}
	return nil
}

// SetOutputBuffer registers the output bus buffers.
func (u *Unit) SetOutputBuffer(buf Buffers) error {
	return u.SetBuffer(u.b.inputBuses, buf)
}

// SetParameter requests a new value for addr. Without immediate the change
// is ramped. While the unit renders, the request is picked up at the start
// of the next render call.
func (u *Unit) SetParameter(addr uint32, v float32, immediate bool) error {
	if addr >= MaxParameters {
		return fmt.Errorf("%w: %d", ErrInvalidAddress, addr)
	}
	u.targets[addr].Store(math.Float32bits(v))
	if !u.allocated.Load() {
		u.b.params[addr].SetTarget(v, immediate)
		return nil
	}
	m := uint64(math.Float32bits(v)) | mailPending
	if immediate {
		m |= mailImmediate
	}
	u.mail[addr].Store(m)
	u.mailDirty.Store(true)
	return nil
}

// Parameter returns the most recently requested value for addr.
func (u *Unit) Parameter(addr uint32) (float32, error) {
	if addr >= MaxParameters {
		return 0, fmt.Errorf("%w: %d", ErrInvalidAddress, addr)
	}
	return math.Float32frombits(u.targets[addr].Load()), nil
}

// SetBypass passes input 0 through to the output instead of processing.
// Ramps keep advancing while bypassed.
func (u *Unit) SetBypass(on bool) { u.bypassed.Store(on) }

// Bypassed reports the bypass flag.
func (u *Unit) Bypassed() bool { return u.bypassed.Load() }

// Start resumes processing after Stop.
func (u *Unit) Start() { u.started.Store(true) }

// Stop makes the unit render silence. Events are still applied and ramps
// keep advancing, so a restarted unit picks up where the host timeline is.
func (u *Unit) Stop() { u.started.Store(false) }

// Started reports whether the unit processes audio.
func (u *Unit) Started() bool { return u.started.Load() }

// Reset clears kernel state through its Resetter, if any.
func (u *Unit) Reset() {
	if u.resetter != nil {
		u.resetter.Reset()
	}
}

// SetWavetable hands table to the kernel. Kernels without wavetables ignore it.
func (u *Unit) SetWavetable(table []float32, index int) {
	if u.tables != nil {
		u.tables.SetWavetable(table, index)
	}
}

// SetupIndividualWaveform starts building a table of size values for a
// waveform slot on kernels that support it.
func (u *Unit) SetupIndividualWaveform(waveform, size int) {
	if u.waveforms != nil {
		u.waveforms.SetupIndividualWaveform(waveform, size)
	}
}

// SetIndividualWaveformValue writes one value of a table started with
// SetupIndividualWaveform.
func (u *Unit) SetIndividualWaveformValue(waveform, index int, value float32) {
	if u.waveforms != nil {
		u.waveforms.SetIndividualWaveformValue(waveform, index, value)
	}
}

// ScheduleMIDIEvent queues a MIDI message for the next render cycle at the
// given frame offset. It never blocks and reports false when the queue is
// full or data is empty.
func (u *Unit) ScheduleMIDIEvent(offset int, data []byte) bool {
	if len(data) == 0 {
		return false
	}
	return u.scheduled.Push(MIDIMessage(offset, data))
}

// ScheduleEvent queues any render event for the next render cycle. Like
// ScheduleMIDIEvent it never blocks and reports false when the queue is full.
func (u *Unit) ScheduleEvent(ev RenderEvent) bool {
	return u.scheduled.Push(ev)
}

// AddRenderObserver registers fn to run before and after every render call.
func (u *Unit) AddRenderObserver(fn RenderObserver) ObserverToken {
	u.obsMu.Lock()
	defer u.obsMu.Unlock()
	u.nextToken++
	var list []observerEntry
	if p := u.observers.Load(); p != nil {
		list = slices.Clone(*p)
	}
	list = append(list, observerEntry{token: u.nextToken, fn: fn})
	u.observers.Store(&list)
	return u.nextToken
}

// RemoveRenderObserver unregisters an observer. A render call already in
// flight may still invoke it once.
func (u *Unit) RemoveRenderObserver(tok ObserverToken) bool {
	u.obsMu.Lock()
	defer u.obsMu.Unlock()
	p := u.observers.Load()
	if p == nil {
		return false
	}
	i := slices.IndexFunc(*p, func(e observerEntry) bool { return e.token == tok })
	if i < 0 {
		return false
	}
	list := slices.Delete(slices.Clone(*p), i, i+1)
	u.observers.Store(&list)
	return true
}

// Render produces frameCount frames into the output buffer, applying events
// at their frame offsets. events must be ordered by non-decreasing Offset.
func (u *Unit) Render(ts Timestamp, frameCount int, events []RenderEvent) error {
	if !u.allocated.Load() {
		return ErrNotAllocated
	}
	if frameCount <= 0 || frameCount > u.maxFrames {
		return ErrFrameCount
	}
	if len(u.b.output) == 0 {
		return ErrNoOutputBuffer
	}
	u.notify(PreRender, ts, frameCount)
	u.applyMail()
	events = u.mergeScheduled(events)
	u.processWithEvents(frameCount, events)
	if u.debugSlot >= 0 && debugdsp.Active() {
		for _, ch := range u.b.output {
			debugdsp.UpdateBlock(u.debugSlot, ch[:frameCount])
		}
	}
	u.notify(PostRender, ts, frameCount)
	return nil
}

func (u *Unit) notify(action RenderAction, ts Timestamp, frameCount int) {
	p := u.observers.Load()
	if p == nil {
		return
	}
	for _, o := range *p {
		o.fn(action, ts, frameCount)
	}
}

func (u *Unit) applyMail() {
	if !u.mailDirty.Swap(false) {
		return
	}
	for i := range u.mail {
		m := u.mail[i].Swap(0)
		if m&mailPending == 0 {
			continue
		}
		u.b.params[i].SetTarget(math.Float32frombits(uint32(m)), m&mailImmediate != 0)
	}
}

func (u *Unit) mergeScheduled(events []RenderEvent) []RenderEvent {
	if u.scheduled.Len() == 0 || len(events) >= cap(u.merged) {
		return events
	}
	merged := append(u.merged[:0], events...)
	for len(merged) < cap(merged) {
		ev, ok := u.scheduled.Pop()
		if !ok {
			break
		}
		merged = append(merged, ev)
	}
	slices.SortStableFunc(merged, func(a, b RenderEvent) int { return cmp.Compare(a.Offset, b.Offset) })
	u.merged = merged
	return merged
}

func (u *Unit) processWithEvents(frameCount int, events []RenderEvent) {
	now, next := 0, 0
	for now < frameCount {
		if next >= len(events) {
			u.processOrBypass(FrameRange{Start: now, Count: frameCount - now})
			return
		}
		at := clampOffset(events[next].Offset, now, frameCount)
		if at > now {
			u.processOrBypass(FrameRange{Start: now, Count: at - now})
			now = at
		}
		for next < len(events) && clampOffset(events[next].Offset, now, frameCount) == now {
			u.handleEvent(&events[next])
			next++
		}
	}
	// events at or past the end of the buffer
	for ; next < len(events); next++ {
		u.handleEvent(&events[next])
	}
}

func (u *Unit) processOrBypass(r FrameRange) {
	u.b.stepRamps(r.Count)
	if !u.started.Load() {
		u.b.ZeroOutput(r)
		return
	}
	if u.bypassed.Load() {
		u.bypass(r)
		return
	}
	u.b.rangeStart = r.Start
	u.k.Process(r)
}

// bypass copies input 0 to the output. When the buffers alias, the copy is a
// no-op and the output is left as is. Generators zero their output.
func (u *Unit) bypass(r FrameRange) {
	in := u.b.Input(0)
	if len(in) == 0 {
		u.b.ZeroOutput(r)
		return
	}
	for ch, out := range u.b.output {
		src := in[min(ch, len(in)-1)]
		copy(out[r.Start:r.End()], src[r.Start:r.End()])
	}
}

func (u *Unit) handleEvent(ev *RenderEvent) {
	switch ev.Kind {
	case EventParameter, EventParameterRamp:
		p := ev.Parameter
		if p.Address >= MaxParameters {
			return
		}
		r := &u.b.params[p.Address]
		switch {
		case ev.Kind == EventParameter:
			r.SetTarget(p.Value, true)
		case p.RampFrames > 0:
			r.StartRamp(p.Value, p.RampFrames)
		default:
			r.SetTarget(p.Value, false)
		}
		u.targets[p.Address].Store(math.Float32bits(p.Value))
	case EventMIDI:
		if u.midi != nil {
			u.midi.HandleMIDIEvent(ev.MIDI)
			return
		}
		DispatchMIDI(u.notes, ev.MIDI)
	}
}

func clampOffset(offset, lo, hi int) int {
	if offset < lo {
		return lo
	}
	if offset > hi {
		return hi
	}
	return offset
}
