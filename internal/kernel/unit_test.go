package kernel

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"
)

type recorder struct {
	Base
	ranges []FrameRange
	trace  []string
	seen   map[int][2]float32 // range start -> params 0 and 1 at process time
}

func newRecorder(inputs int) *recorder {
	return &recorder{Base: NewBase(inputs, true), seen: map[int][2]float32{}}
}

func (r *recorder) Process(fr FrameRange) {
	r.ranges = append(r.ranges, fr)
	r.trace = append(r.trace, fmt.Sprintf("process %d+%d", fr.Start, fr.Count))
	r.seen[fr.Start] = [2]float32{r.Param(0), r.Param(1)}
	for _, ch := range r.Output() {
		for i := range fr.All() {
			ch[i] = 1
		}
	}
}

func (r *recorder) NoteOn(note, velocity uint8) {
	r.trace = append(r.trace, fmt.Sprintf("on %d %d", note, velocity))
}

func (r *recorder) NoteOff(note, velocity uint8) {
	r.trace = append(r.trace, fmt.Sprintf("off %d %d", note, velocity))
}

func newTestUnit(t *testing.T, k Kernel, maxFrames int) (*Unit, Buffers) {
	t.Helper()
	u := NewUnit(k, WithName("test"), WithMaxFrames(maxFrames))
	if err := u.AllocateRenderResources(2, 48000); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	out := Buffers{make([]float32, maxFrames), make([]float32, maxFrames)}
	if err := u.SetOutputBuffer(out); err != nil {
		t.Fatalf("set output: %v", err)
	}
	return u, out
}

func checkCoverage(t *testing.T, ranges []FrameRange, frameCount int, offsets []int) {
	t.Helper()
	next := 0
	for _, r := range ranges {
		if r.Start != next {
			t.Fatalf("gap or overlap: range %+v starts at %d, want %d (ranges %v)", r, r.Start, next, ranges)
		}
		if r.Count <= 0 {
			t.Fatalf("empty range %+v", r)
		}
		next = r.End()
	}
	if next != frameCount {
		t.Fatalf("ranges end at %d, want %d", next, frameCount)
	}
	var want []int
	for _, o := range offsets {
		if o > 0 && o < frameCount && !slices.Contains(want, o) {
			want = append(want, o)
		}
	}
	var got []int
	for _, r := range ranges[1:] {
		got = append(got, r.Start)
	}
	if !slices.Equal(got, want) {
		t.Fatalf("boundaries = %v, want %v", got, want)
	}
}

func TestRenderSlicesAtEventOffsets(t *testing.T) {
	for _, tc := range []struct {
		name    string
		offsets []int
	}{
		{"no events", nil},
		{"single", []int{10}},
		{"at start", []int{0, 0, 5}},
		{"simultaneous", []int{7, 7, 7, 20}},
		{"at end", []int{63, 64}},
		{"past end", []int{30, 100}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			k := newRecorder(0)
			u, _ := newTestUnit(t, k, 64)
			var events []RenderEvent
			for _, o := range tc.offsets {
				events = append(events, ParameterChange(o, 0, float32(o)))
			}
			if err := u.Render(Timestamp{}, 64, events); err != nil {
				t.Fatalf("render: %v", err)
			}
			checkCoverage(t, k.ranges, 64, tc.offsets)
		})
	}
}

func TestRenderCoverageRandomized(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for iter := 0; iter < 300; iter++ {
		k := newRecorder(0)
		u, _ := newTestUnit(t, k, 256)
		frames := 1 + rng.IntN(256)
		n := rng.IntN(12)
		offsets := make([]int, n)
		for i := range offsets {
			offsets[i] = rng.IntN(frames + 8)
		}
		slices.Sort(offsets)
		events := make([]RenderEvent, 0, n)
		for i, o := range offsets {
			if i%2 == 0 {
				events = append(events, ParameterRamp(o, 1, float32(i), 16))
			} else {
				events = append(events, MIDIMessage(o, []byte{0x90, 60, 100}))
			}
		}
		if err := u.Render(Timestamp{SampleTime: int64(iter)}, frames, events); err != nil {
			t.Fatalf("render: %v", err)
		}
		checkCoverage(t, k.ranges, frames, offsets)
	}
}

func TestSimultaneousEventsApplyAsBatch(t *testing.T) {
	k := newRecorder(0)
	u, _ := newTestUnit(t, k, 32)
	events := []RenderEvent{
		ParameterChange(8, 0, 0.5),
		ParameterChange(8, 1, 0.25),
	}
	if err := u.Render(Timestamp{}, 32, events); err != nil {
		t.Fatalf("render: %v", err)
	}
	if got := k.seen[0]; got != [2]float32{0, 0} {
		t.Fatalf("first range saw %v, want zeros", got)
	}
	if got := k.seen[8]; got != [2]float32{0.5, 0.25} {
		t.Fatalf("range at 8 saw %v, want both changes", got)
	}
}

func TestNoteOnWithZeroVelocityIsNoteOff(t *testing.T) {
	k := newRecorder(0)
	u, _ := newTestUnit(t, k, 16)
	events := []RenderEvent{
		MIDIMessage(0, []byte{0x90, 64, 0}),
		MIDIMessage(4, []byte{0x91, 65, 90}),
		MIDIMessage(8, []byte{0x80, 65, 12}),
	}
	if err := u.Render(Timestamp{}, 16, events); err != nil {
		t.Fatalf("render: %v", err)
	}
	want := []string{"off 64 0", "process 0+4", "on 65 90", "process 4+4", "off 65 12", "process 8+8"}
	if !slices.Equal(k.trace, want) {
		t.Fatalf("trace = %v, want %v", k.trace, want)
	}
}

func TestUnsupportedMIDIIsIgnored(t *testing.T) {
	k := newRecorder(0)
	u, _ := newTestUnit(t, k, 16)
	events := []RenderEvent{
		MIDIMessage(0, []byte{0x90, 60}),
		MIDIMessage(0, []byte{0xB0, 7, 100}),
		MIDIMessage(0, []byte{0xF0, 0x7E, 0x7F, 0x09, 0x01, 0xF7}),
		MIDIMessage(0, []byte{0x90, 0xFF, 10}),
	}
	if err := u.Render(Timestamp{}, 16, events); err != nil {
		t.Fatalf("render: %v", err)
	}
	if want := []string{"process 0+16"}; !slices.Equal(k.trace, want) {
		t.Fatalf("trace = %v, want %v", k.trace, want)
	}
}

type midiOverride struct {
	*recorder
	got []MIDIEvent
}

func (m *midiOverride) HandleMIDIEvent(ev MIDIEvent) {
	m.got = append(m.got, ev)
	DispatchMIDI(m.recorder, ev)
}

func TestMIDIHandlerOverride(t *testing.T) {
	k := &midiOverride{recorder: newRecorder(0)}
	u, _ := newTestUnit(t, k, 16)
	if err := u.Render(Timestamp{}, 16, []RenderEvent{MIDIMessage(2, []byte{0x90, 60, 1})}); err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(k.got) != 1 || k.got[0].Data != [3]byte{0x90, 60, 1} {
		t.Fatalf("override saw %v", k.got)
	}
	if !slices.Contains(k.trace, "on 60 1") {
		t.Fatalf("fallback dispatch missing: %v", k.trace)
	}
}

func TestBypassCopiesInput(t *testing.T) {
	k := newRecorder(1)
	u, out := newTestUnit(t, k, 8)
	in := Buffers{make([]float32, 8), make([]float32, 8)}
	for i := range in[0] {
		in[0][i] = float32(i)
		in[1][i] = -float32(i)
	}
	if err := u.SetBuffer(0, in); err != nil {
		t.Fatalf("set input: %v", err)
	}
	u.SetBypass(true)
	if err := u.Render(Timestamp{}, 8, nil); err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(k.ranges) != 0 {
		t.Fatalf("process ran while bypassed: %v", k.ranges)
	}
	if !slices.Equal(out[0], in[0]) || !slices.Equal(out[1], in[1]) {
		t.Fatalf("bypass output %v / %v, want input", out[0], out[1])
	}
}

func TestBypassInPlaceLeavesOutput(t *testing.T) {
	k := newRecorder(1)
	u, out := newTestUnit(t, k, 4)
	copy(out[0], []float32{1, 2, 3, 4})
	copy(out[1], []float32{5, 6, 7, 8})
	if err := u.SetBuffer(0, out); err != nil {
		t.Fatalf("set input: %v", err)
	}
	u.SetBypass(true)
	if err := u.Render(Timestamp{}, 4, nil); err != nil {
		t.Fatalf("render: %v", err)
	}
	if !slices.Equal(out[0], []float32{1, 2, 3, 4}) || !slices.Equal(out[1], []float32{5, 6, 7, 8}) {
		t.Fatalf("in-place bypass changed output: %v %v", out[0], out[1])
	}
}

func TestBypassToggleKeepsRamps(t *testing.T) {
	k := newRecorder(1)
	u, _ := newTestUnit(t, k, 64)
	if err := u.SetBuffer(0, Buffers{make([]float32, 64)}); err != nil {
		t.Fatalf("set input: %v", err)
	}
	if err := u.Render(Timestamp{}, 64, []RenderEvent{ParameterRamp(0, 0, 1, 128)}); err != nil {
		t.Fatalf("render: %v", err)
	}
	mid := k.Param(0)
	if !(mid > 0 && mid < 1) {
		t.Fatalf("mid-ramp value = %v", mid)
	}

	u.SetBypass(true)
	u.SetBypass(false)
	if got := k.Param(0); got != mid {
		t.Fatalf("toggling bypass moved ramp from %v to %v", mid, got)
	}
	if err := u.Render(Timestamp{SampleTime: 64}, 64, nil); err != nil {
		t.Fatalf("render: %v", err)
	}
	if got := k.Param(0); got != 1 {
		t.Fatalf("ramp did not resume to target, got %v", got)
	}
}

func TestStoppedUnitRendersSilence(t *testing.T) {
	k := newRecorder(0)
	u, out := newTestUnit(t, k, 16)
	for i := range out[0] {
		out[0][i], out[1][i] = 3, 3
	}
	u.Stop()
	if err := u.Render(Timestamp{}, 16, []RenderEvent{MIDIMessage(4, []byte{0x90, 60, 100})}); err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(k.ranges) != 0 {
		t.Fatalf("process ran while stopped")
	}
	for ch := range out {
		for i, s := range out[ch] {
			if s != 0 {
				t.Fatalf("out[%d][%d] = %v, want 0", ch, i, s)
			}
		}
	}
	u.Start()
	if err := u.Render(Timestamp{}, 16, nil); err != nil {
		t.Fatalf("render: %v", err)
	}
	if out[0][0] != 1 {
		t.Fatalf("restarted unit did not render")
	}
}

func TestStoppedUnitKeepsRamping(t *testing.T) {
	k := newRecorder(0)
	u, _ := newTestUnit(t, k, 64)
	u.Stop()
	if err := u.Render(Timestamp{}, 64, []RenderEvent{ParameterRamp(0, 0, 1, 128)}); err != nil {
		t.Fatalf("render: %v", err)
	}
	if v := k.Param(0); !(v > 0 && v < 1) {
		t.Fatalf("ramp did not advance while stopped, value %v", v)
	}
	if err := u.Render(Timestamp{SampleTime: 64}, 64, nil); err != nil {
		t.Fatalf("render: %v", err)
	}
	u.Start()
	if err := u.Render(Timestamp{SampleTime: 128}, 64, nil); err != nil {
		t.Fatalf("render: %v", err)
	}
	if got := k.seen[0][0]; got != 1 {
		t.Fatalf("first processed range saw %v, want the finished ramp 1", got)
	}
}

func TestControlParameterChangeRamps(t *testing.T) {
	k := newRecorder(0)
	u, _ := newTestUnit(t, k, 512)
	if err := u.SetParameter(1, 2, false); err != nil {
		t.Fatalf("set parameter: %v", err)
	}
	if got, _ := u.Parameter(1); got != 2 {
		t.Fatalf("Parameter = %v, want requested 2", got)
	}
	if k.Param(1) != 0 {
		t.Fatalf("value changed before render")
	}
	// 20 ms at 48 kHz
	for i := 0; i < 2; i++ {
		if err := u.Render(Timestamp{}, 480, nil); err != nil {
			t.Fatalf("render: %v", err)
		}
		if i == 0 {
			if v := k.Param(1); !(v > 0 && v < 2) {
				t.Fatalf("after half the ramp value = %v", v)
			}
		}
	}
	if got := k.Param(1); got != 2 {
		t.Fatalf("after full ramp value = %v, want 2", got)
	}

	if err := u.SetParameter(1, -1, true); err != nil {
		t.Fatalf("set parameter: %v", err)
	}
	if err := u.Render(Timestamp{}, 1, nil); err != nil {
		t.Fatalf("render: %v", err)
	}
	if got := k.Param(1); got != -1 {
		t.Fatalf("immediate value = %v, want -1", got)
	}
}

func TestParameterAddressOutOfRange(t *testing.T) {
	u := NewUnit(newRecorder(0))
	if err := u.SetParameter(MaxParameters, 1, true); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("SetParameter err = %v", err)
	}
	if _, err := u.Parameter(MaxParameters + 5); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("Parameter err = %v", err)
	}
}

func TestBufferAndRenderErrors(t *testing.T) {
	u := NewUnit(newRecorder(1), WithMaxFrames(32))
	if err := u.Render(Timestamp{}, 16, nil); !errors.Is(err, ErrNotAllocated) {
		t.Fatalf("unallocated render err = %v", err)
	}
	if err := u.AllocateRenderResources(0, 48000); !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("bad format err = %v", err)
	}
	if err := u.AllocateRenderResources(2, 48000); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := u.Render(Timestamp{}, 16, nil); !errors.Is(err, ErrNoOutputBuffer) {
		t.Fatalf("no output err = %v", err)
	}
	if err := u.SetBuffer(2, Buffers{make([]float32, 32)}); !errors.Is(err, ErrInvalidBus) {
		t.Fatalf("bus err = %v", err)
	}
	if err := u.SetBuffer(-1, nil); !errors.Is(err, ErrInvalidBus) {
		t.Fatalf("negative bus err = %v", err)
	}
	if err := u.SetOutputBuffer(Buffers{make([]float32, 8)}); !errors.Is(err, ErrInvalidBuffer) {
		t.Fatalf("short buffer err = %v", err)
	}
	if err := u.SetOutputBuffer(Buffers{make([]float32, 32)}); err != nil {
		t.Fatalf("set output: %v", err)
	}
	if err := u.Render(Timestamp{}, 33, nil); !errors.Is(err, ErrFrameCount) {
		t.Fatalf("frame count err = %v", err)
	}
	if err := u.Render(Timestamp{}, 0, nil); !errors.Is(err, ErrFrameCount) {
		t.Fatalf("zero frames err = %v", err)
	}
}

func TestRenderObservers(t *testing.T) {
	k := newRecorder(0)
	u, _ := newTestUnit(t, k, 16)
	tok := u.AddRenderObserver(func(action RenderAction, ts Timestamp, frames int) {
		k.trace = append(k.trace, fmt.Sprintf("observer %d %d %d", action, ts.SampleTime, frames))
	})
	if err := u.Render(Timestamp{SampleTime: 100}, 16, nil); err != nil {
		t.Fatalf("render: %v", err)
	}
	want := []string{"observer 1 100 16", "process 0+16", "observer 2 100 16"}
	if !slices.Equal(k.trace, want) {
		t.Fatalf("trace = %v, want %v", k.trace, want)
	}
	if !u.RemoveRenderObserver(tok) {
		t.Fatalf("remove failed")
	}
	if u.RemoveRenderObserver(tok) {
		t.Fatalf("second remove should fail")
	}
	k.trace = nil
	if err := u.Render(Timestamp{}, 16, nil); err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(k.trace) != 1 {
		t.Fatalf("removed observer still called: %v", k.trace)
	}
}

func TestScheduledMIDIFromObserverLandsInSameCycle(t *testing.T) {
	k := newRecorder(0)
	u, _ := newTestUnit(t, k, 32)
	u.AddRenderObserver(func(action RenderAction, _ Timestamp, _ int) {
		if action == PreRender {
			u.ScheduleMIDIEvent(12, []byte{0x90, 61, 70})
		}
	})
	if !u.ScheduleMIDIEvent(3, []byte{0x80, 60, 0}) {
		t.Fatalf("schedule failed")
	}
	if err := u.Render(Timestamp{}, 32, []RenderEvent{ParameterChange(12, 0, 1)}); err != nil {
		t.Fatalf("render: %v", err)
	}
	want := []string{"process 0+3", "off 60 0", "process 3+9", "on 61 70", "process 12+20"}
	if !slices.Equal(k.trace, want) {
		t.Fatalf("trace = %v, want %v", k.trace, want)
	}
	if got := k.seen[12][0]; got != 1 {
		t.Fatalf("host event at 12 not applied, param = %v", got)
	}
}

type resettable struct {
	*recorder
	resets int
	table  []float32
	index  int
}

func (r *resettable) Reset() { r.resets++ }
func (r *resettable) SetWavetable(table []float32, index int) {
	r.table, r.index = table, index
}

func TestOptionalHooks(t *testing.T) {
	plain := NewUnit(newRecorder(0))
	plain.Reset()
	plain.SetWavetable([]float32{1}, 0)
	plain.SetupIndividualWaveform(0, 4)
	plain.SetIndividualWaveformValue(0, 0, 1)

	k := &resettable{recorder: newRecorder(0)}
	u := NewUnit(k)
	u.Reset()
	u.SetWavetable([]float32{0, 1}, 3)
	if k.resets != 1 || k.index != 3 || len(k.table) != 2 {
		t.Fatalf("hooks not forwarded: resets=%d index=%d table=%v", k.resets, k.index, k.table)
	}
}

func TestSetSeedIsRepeatable(t *testing.T) {
	draw := func() []uint64 {
		SetSeed(42)
		var out []uint64
		for i := 0; i < 2; i++ {
			u := NewUnit(newRecorder(0))
			if err := u.AllocateRenderResources(1, 44100); err != nil {
				t.Fatalf("allocate: %v", err)
			}
			r := u.Kernel().KernelBase().Rand()
			out = append(out, r.Uint64(), r.Uint64())
		}
		return out
	}
	a, b := draw(), draw()
	if !slices.Equal(a, b) {
		t.Fatalf("seeded draws differ: %v vs %v", a, b)
	}
	if a[0] == a[2] {
		t.Fatalf("instances share a stream")
	}
}
