package sequencer

import (
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cbegin/rtkernel-go/internal/kernel"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// 60 BPM at 32768 Hz keeps every block boundary an exact binary fraction of
// a beat, so expected offsets can be compared exactly.
const (
	testRate   = 32768.0
	testTempo  = 60.0
	testFrames = 512
	beat       = int(testRate)
)

type scheduled struct {
	sample int
	data   []byte
}

type recorder struct {
	frames int
	cycle  int
	got    []scheduled
}

func (r *recorder) schedule(offset int, data []byte) {
	r.got = append(r.got, scheduled{sample: r.cycle*r.frames + offset, data: slices.Clone(data)})
}

func (r *recorder) run(e *Engine, cycles int) {
	obs := e.RenderObserver()
	for i := 0; i < cycles; i++ {
		ts := kernel.Timestamp{SampleTime: int64(r.cycle * r.frames)}
		obs(kernel.PreRender, ts, r.frames)
		obs(kernel.PostRender, ts, r.frames)
		r.cycle++
	}
}

func settings(length float64) Settings {
	s := DefaultSettings()
	s.Length = length
	s.Tempo = testTempo
	return s
}

func publish(t *testing.T, seq *NoteSequence, s Settings, frames int) (*Engine, *recorder) {
	t.Helper()
	e := New(nil)
	rec := &recorder{frames: frames}
	require.NoError(t, e.UpdateSequence(seq.BeatTimeOrdered(), s, testRate, rec.schedule))
	return e, rec
}

func TestObserverSchedulesAtSampleOffsets(t *testing.T) {
	var seq NoteSequence
	seq.Add(60, 100, 0, 0, 0.5)
	seq.Add(64, 90, 1, 1.25, 0.25)
	e, rec := publish(t, &seq, settings(4), testFrames)
	e.SetPlaying(true)

	rec.run(e, 100)

	want := []scheduled{
		{0, []byte{0x90, 60, 100}},
		{beat / 2, []byte{0x80, 60, 0}},
		{beat * 5 / 4, []byte{0x91, 64, 90}},
		{beat * 3 / 2, []byte{0x81, 64, 0}},
	}
	assert.Equal(t, want, rec.got)
	assert.Equal(t, 100.0*testFrames/testRate, e.Position())
	assert.Equal(t, 2, e.Playhead().NotesPlayed)
}

func TestObserverIgnoresPostRenderAndStopped(t *testing.T) {
	var seq NoteSequence
	seq.Add(60, 100, 0, 0, 0.5)
	e, rec := publish(t, &seq, settings(4), testFrames)

	rec.run(e, 10)
	assert.Empty(t, rec.got)
	assert.Zero(t, e.Position())

	e.SetPlaying(true)
	e.RenderObserver()(kernel.PostRender, kernel.Timestamp{}, testFrames)
	assert.Empty(t, rec.got)
}

func TestTwoByteMessagesKeepTheirLength(t *testing.T) {
	events := []Event{
		{Status: 0xC2, Data1: 7, Beat: 0},
		{Status: 0xB0, Data1: 1, Data2: 64, Beat: 0},
	}
	e := New(nil)
	rec := &recorder{frames: testFrames}
	require.NoError(t, e.UpdateSequence(events, settings(4), testRate, rec.schedule))
	e.SetPlaying(true)
	rec.run(e, 1)

	require.Len(t, rec.got, 2)
	assert.Equal(t, []byte{0xC2, 7}, rec.got[0].data)
	assert.Equal(t, []byte{0xB0, 1, 64}, rec.got[1].data)
}

func TestLoopWrapsExactly(t *testing.T) {
	var seq NoteSequence
	seq.Add(60, 100, 0, 0, 0.25)

	t.Run("aligned blocks", func(t *testing.T) {
		e, rec := publish(t, &seq, settings(1), testFrames)
		e.SetPlaying(true)
		rec.run(e, beat/testFrames)
		assert.Equal(t, 0.0, e.Position())
		assert.Equal(t, 1, e.Playhead().Plays)
		assert.True(t, e.IsPlaying())
	})

	t.Run("unaligned blocks", func(t *testing.T) {
		const frames = 500
		e, rec := publish(t, &seq, settings(1), frames)
		e.SetPlaying(true)
		rec.run(e, 3*beat/frames+1)

		var ons []int
		for _, s := range rec.got {
			if s.data[0] == 0x90 {
				ons = append(ons, s.sample)
			}
		}
		assert.Equal(t, []int{0, beat, 2 * beat, 3 * beat}, ons)
		assert.Equal(t, 3, e.Playhead().Plays)
	})
}

func TestLoopCountStopsAndSilencesNotes(t *testing.T) {
	var seq NoteSequence
	// the note-off lies past the loop end and is flushed at each wrap
	seq.Add(60, 100, 0, 0.5, 2)
	s := settings(1)
	s.LoopCount = 2
	e, rec := publish(t, &seq, s, testFrames)
	e.SetPlaying(true)

	cycles := 2 * beat / testFrames
	rec.run(e, cycles)

	require.NotEmpty(t, rec.got)
	last := rec.got[len(rec.got)-1]
	assert.Equal(t, []byte{0x80, 60, 0}, last.data)
	assert.Equal(t, cycles*testFrames-1, last.sample)
	assert.False(t, e.IsPlaying())
	assert.Equal(t, 0.0, e.Position())
	assert.Equal(t, 2, e.Playhead().Plays)

	n := len(rec.got)
	rec.run(e, 50)
	assert.Len(t, rec.got, n, "stopped engine kept scheduling")
}

func TestPlaybackEndsWhen(t *testing.T) {
	cases := []struct {
		name   string
		adjust func(*Settings)
		passes int
	}{
		{"loop disabled", func(s *Settings) { s.LoopEnabled = false }, 1},
		{"maximum play count", func(s *Settings) { s.MaximumPlayCount = 3 }, 3},
		{"loop count before maximum", func(s *Settings) { s.MaximumPlayCount = 5; s.LoopCount = 2 }, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var seq NoteSequence
			seq.Add(60, 100, 0, 0, 0.25)
			s := settings(1)
			tc.adjust(&s)
			e, rec := publish(t, &seq, s, testFrames)
			e.SetPlaying(true)

			rec.run(e, 6*beat/testFrames)

			assert.False(t, e.IsPlaying())
			assert.Equal(t, tc.passes, e.Playhead().Plays)
			assert.Equal(t, tc.passes, e.Playhead().NotesPlayed)
		})
	}
}

func TestRestartResetsPassCount(t *testing.T) {
	var seq NoteSequence
	seq.Add(60, 100, 0, 0, 0.25)
	s := settings(1)
	s.LoopEnabled = false
	e, rec := publish(t, &seq, s, testFrames)

	e.SetPlaying(true)
	rec.run(e, beat/testFrames)
	require.False(t, e.IsPlaying())
	require.Equal(t, 1, e.Playhead().Plays)

	e.SetPlaying(true)
	assert.Zero(t, e.Playhead().Plays)
	rec.run(e, 1)
	assert.Equal(t, 2, e.Playhead().NotesPlayed)
}

func TestSeekSilencesSoundingNotes(t *testing.T) {
	var seq NoteSequence
	seq.Add(60, 100, 0, 0, 1)
	seq.Add(67, 100, 3, 0, 1)
	e, rec := publish(t, &seq, settings(4), testFrames)
	e.SetPlaying(true)
	rec.run(e, 10)
	require.Len(t, rec.got, 2)

	e.SeekTo(2)
	rec.run(e, 1)

	require.Len(t, rec.got, 4)
	offs := rec.got[2:]
	assert.ElementsMatch(t, []scheduled{
		{10 * testFrames, []byte{0x80, 60, 0}},
		{10 * testFrames, []byte{0x83, 67, 0}},
	}, offs)
	assert.Equal(t, 2+float64(testFrames)/testRate, e.Position())
}

func TestStopSilencesSoundingNotes(t *testing.T) {
	var seq NoteSequence
	seq.Add(60, 100, 0, 0, 1)
	e, rec := publish(t, &seq, settings(4), testFrames)
	e.SetPlaying(true)
	rec.run(e, 4)
	pos := e.Position()

	e.SetPlaying(false)
	rec.run(e, 4)

	require.Len(t, rec.got, 2)
	assert.Equal(t, scheduled{4 * testFrames, []byte{0x80, 60, 0}}, rec.got[1])
	assert.Equal(t, pos, e.Position(), "stop keeps the playhead")

	e.StopPlayingNotes()
	rec.run(e, 1)
	assert.Len(t, rec.got, 2, "nothing left to silence")
}

func TestNoteEndingAtLengthIsReleasedBeforeRetrigger(t *testing.T) {
	var seq NoteSequence
	seq.Add(60, 100, 0, 1, 1)
	e, rec := publish(t, &seq, settings(2), testFrames)
	e.SetPlaying(true)

	rec.run(e, 4*beat/testFrames)

	assert.Equal(t, []scheduled{
		{beat, []byte{0x90, 60, 100}},
		{2*beat - 1, []byte{0x80, 60, 0}},
		{3 * beat, []byte{0x90, 60, 100}},
		{4*beat - 1, []byte{0x80, 60, 0}},
	}, rec.got)
	assert.Equal(t, 2, e.Playhead().Plays)
}

func TestEventsPastLengthDoNotPlay(t *testing.T) {
	events := []Event{
		{Status: 0x90, Data1: 62, Data2: 90, Beat: 1},
		{Status: 0xB0, Data1: 7, Data2: 10, Beat: 1},
	}
	e := New(nil)
	rec := &recorder{frames: testFrames}
	require.NoError(t, e.UpdateSequence(events, settings(1), testRate, rec.schedule))
	e.SetPlaying(true)

	rec.run(e, 3*beat/testFrames)

	assert.Empty(t, rec.got)
	assert.Zero(t, e.Playhead().NotesPlayed)
}

func TestReplacedSequenceSilencesOrphanedNotes(t *testing.T) {
	var seq NoteSequence
	seq.Add(60, 100, 0, 0, 2)
	seq.Add(64, 100, 1, 0, 2)
	e, rec := publish(t, &seq, settings(4), testFrames)
	e.SetPlaying(true)
	rec.run(e, beat/testFrames)
	require.Len(t, rec.got, 2)

	// the new sequence still releases 64 on channel 1 but knows nothing of 60
	var next NoteSequence
	next.Add(64, 100, 1, 0, 2)
	require.NoError(t, e.UpdateSequence(next.BeatTimeOrdered(), settings(4), testRate, rec.schedule))
	rec.run(e, 1)

	require.Len(t, rec.got, 3)
	assert.Equal(t, scheduled{beat, []byte{0x80, 60, 0}}, rec.got[2])

	rec.run(e, beat/testFrames)
	require.Len(t, rec.got, 4)
	assert.Equal(t, scheduled{2 * beat, []byte{0x81, 64, 0}}, rec.got[3])
}

func TestClearedSequenceSilencesSoundingNotes(t *testing.T) {
	var seq NoteSequence
	seq.Add(60, 100, 0, 0, 2)
	e, rec := publish(t, &seq, settings(4), testFrames)
	e.SetPlaying(true)
	rec.run(e, 4)

	require.NoError(t, e.UpdateSequence(nil, settings(4), testRate, rec.schedule))
	rec.run(e, 1)

	assert.Equal(t, []scheduled{
		{0, []byte{0x90, 60, 100}},
		{4 * testFrames, []byte{0x80, 60, 0}},
	}, rec.got)

	require.NoError(t, e.SetTempo(90))
	rec.run(e, 4)
	assert.Len(t, rec.got, 2, "tempo change has nothing left to silence")
}

func TestPlayAfterDelay(t *testing.T) {
	var seq NoteSequence
	seq.Add(60, 100, 0, 0, 0.5)
	e, rec := publish(t, &seq, settings(4), testFrames)
	e.SeekTo(-0.5)
	e.SetPlaying(true)
	rec.run(e, beat/testFrames)

	require.NotEmpty(t, rec.got)
	assert.Equal(t, beat/2, rec.got[0].sample)
}

func TestSetTempoRepublishes(t *testing.T) {
	e := New(nil)
	assert.ErrorIs(t, e.SetTempo(90), ErrNoSequence)

	var seq NoteSequence
	seq.Add(60, 100, 0, 1, 0.5)
	rec := &recorder{frames: testFrames}
	require.NoError(t, e.UpdateSequence(seq.BeatTimeOrdered(), settings(4), testRate, rec.schedule))
	require.NoError(t, e.SetTempo(120))
	assert.ErrorIs(t, e.SetTempo(math.NaN()), ErrInvalidSequence)

	got, ok := e.Settings()
	require.True(t, ok)
	assert.Equal(t, 120.0, got.Tempo)

	e.SetPlaying(true)
	rec.run(e, beat/testFrames)
	require.NotEmpty(t, rec.got)
	assert.Equal(t, beat/2, rec.got[0].sample, "beat 1 at 120 BPM")
}

func TestInvalidUpdateKeepsPreviousSequence(t *testing.T) {
	e := New(nil)
	noop := func(int, []byte) {}
	good := []Event{{Status: 0x90, Data1: 60, Data2: 100}}
	require.NoError(t, e.UpdateSequence(good, settings(4), testRate, noop))

	bad := func(mut func(*Settings)) Settings {
		s := settings(2)
		mut(&s)
		return s
	}
	cases := []struct {
		name     string
		events   []Event
		settings Settings
		rate     float64
		schedule ScheduleFunc
	}{
		{"zero tempo", good, bad(func(s *Settings) { s.Tempo = 0 }), testRate, noop},
		{"infinite length", good, bad(func(s *Settings) { s.Length = math.Inf(1) }), testRate, noop},
		{"negative loop count", good, bad(func(s *Settings) { s.LoopCount = -1 }), testRate, noop},
		{"nan sample rate", good, settings(2), math.NaN(), noop},
		{"nil schedule", good, settings(2), testRate, nil},
		{"negative beat", []Event{{Status: 0x90, Data1: 60, Data2: 1, Beat: -1}}, settings(2), testRate, noop},
		{"running status", []Event{{Status: 0x40, Data1: 60}}, settings(2), testRate, noop},
		{"system message", []Event{{Status: 0xF8}}, settings(2), testRate, noop},
		{"data byte", []Event{{Status: 0x90, Data1: 200, Data2: 1}}, settings(2), testRate, noop},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := e.UpdateSequence(tc.events, tc.settings, tc.rate, tc.schedule)
			assert.ErrorIs(t, err, ErrInvalidSequence)
			got, ok := e.Settings()
			require.True(t, ok)
			assert.Equal(t, 4.0, got.Length)
		})
	}
}

func TestReleaseRetiresEngine(t *testing.T) {
	var seq NoteSequence
	seq.Add(60, 100, 0, 0, 2)
	e, rec := publish(t, &seq, settings(4), testFrames)
	e.Retain()
	e.SetPlaying(true)
	rec.run(e, 2)

	e.Release()
	assert.False(t, e.Released())
	assert.True(t, e.IsPlaying())

	e.Release()
	assert.True(t, e.Released())
	assert.False(t, e.IsPlaying())

	rec.run(e, 1)
	require.Len(t, rec.got, 2)
	assert.Equal(t, []byte{0x80, 60, 0}, rec.got[1].data)

	_, ok := e.Settings()
	assert.False(t, ok, "snapshot dropped after the release sweep")
	assert.ErrorIs(t, e.UpdateSequence(nil, settings(4), testRate, rec.schedule), ErrReleased)

	rec.run(e, 5)
	assert.Len(t, rec.got, 2)
}

// The publisher tags every event of version k with k and hands a schedule
// callback that expects k. An observer that ever mixed two snapshots would
// deliver a tag to the wrong callback.
func TestSnapshotSwapIsNeverTorn(t *testing.T) {
	const updates = 2000
	e := New(nil)

	var delivered, torn atomic.Int64
	build := func(k int) ([]Event, Settings, ScheduleFunc) {
		tag := byte(k % 128)
		n := 64
		events := make([]Event, n)
		for i := range events {
			events[i] = Event{Status: 0xB0, Data1: tag, Data2: tag, Beat: float64(i) / float64(n)}
		}
		s := settings(1)
		s.Tempo = testTempo * float64(1+k%3)
		check := func(_ int, data []byte) {
			delivered.Add(1)
			if len(data) != 3 || data[1] != tag || data[2] != tag {
				torn.Add(1)
			}
		}
		return events, s, check
	}
	ev, s, cb := build(0)
	require.NoError(t, e.UpdateSequence(ev, s, testRate, cb))
	e.SetPlaying(true)

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		for k := 1; k <= updates; k++ {
			ev, s, cb := build(k)
			if err := e.UpdateSequence(ev, s, testRate, cb); err != nil {
				t.Errorf("update %d: %v", k, err)
				return
			}
			if k%50 == 0 {
				e.SeekTo(float64(k%4) / 4)
			}
		}
	}()

	obs := e.RenderObserver()
	for running := true; running; {
		select {
		case <-done:
			running = false
		default:
		}
		obs(kernel.PreRender, kernel.Timestamp{}, testFrames)
	}
	wg.Wait()

	assert.Positive(t, delivered.Load())
	assert.Zero(t, torn.Load())
}
