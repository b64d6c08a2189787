package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cbegin/rtkernel-go"
	"github.com/cbegin/rtkernel-go/internal/conf"
	"github.com/cbegin/rtkernel-go/internal/kernel"
	"github.com/cbegin/rtkernel-go/internal/logging"
	"github.com/cbegin/rtkernel-go/internal/sequencer"
	"github.com/cbegin/rtkernel-go/internal/wavetable"
)

// defaultNotes is a rising arpeggio played when no notes are given.
const defaultNotes = "60,64,67,72,67,64"

// app carries what the subcommands share once flags and config are read.
type app struct {
	v        *viper.Viper
	settings *conf.Settings
	registry *kernel.Registry
	log      *slog.Logger

	configPath string
	notes      string
	step       float64
	effects    []string
	wavb       string
}

var flagKeys = map[string]string{
	"sample-rate":  "audio.samplerate",
	"max-frames":   "audio.maxframes",
	"channels":     "audio.channels",
	"kernel":       "kernel.code",
	"seed":         "kernel.seed",
	"tempo":        "sequencer.tempo",
	"length":       "sequencer.length",
	"loop":         "sequencer.loop",
	"loops":        "sequencer.loopcount",
	"log-level":    "log.level",
	"log-format":   "log.format",
	"metrics-addr": "metrics.addr",
}

func rootCommand() *cobra.Command {
	a := &app{v: conf.New()}
	root := &cobra.Command{
		Use:           "rtkernel",
		Short:         "Real-time audio kernel host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "YAML config file")
	pf.Int("sample-rate", 48000, "output sample rate")
	pf.Int("max-frames", 512, "largest render block in frames")
	pf.Int("channels", 2, "channels per bus")
	pf.String("kernel", "fmsy", "instrument kernel code")
	pf.Uint64("seed", 0, "random seed for kernels")
	pf.Float64("tempo", 120, "tempo in beats per minute")
	pf.Float64("length", 4, "sequence length in beats")
	pf.Bool("loop", true, "loop the sequence")
	pf.Int("loops", 0, "stop after N passes when looping (0 = forever)")
	pf.String("log-level", "info", "trace|debug|info|warn|error")
	pf.String("log-format", "text", "text|json")
	pf.String("metrics-addr", "", "serve Prometheus metrics on this address while playing")
	pf.StringVar(&a.notes, "notes", defaultNotes, "comma-separated MIDI note numbers")
	pf.Float64Var(&a.step, "step", 0.5, "beats between notes")
	pf.StringSliceVar(&a.effects, "effects", nil, "effect kernel codes appended to the chain, e.g. dist,dely")
	pf.StringVar(&a.wavb, "wavb", "", "hex-encoded signed 8-bit wavetable for slot 0 of a wavt kernel")

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if err := conf.BindFlags(a.v, cmd.Flags(), flagKeys); err != nil {
			return err
		}
		s, err := conf.Load(a.v, a.configPath)
		if err != nil {
			return err
		}
		if err := logging.Init(s.Log.Level, s.Log.Format); err != nil {
			return err
		}
		a.settings = s
		a.log = logging.ForService("rtkernel")
		kernel.SetSeed(s.Kernel.Seed)
		a.registry = kernel.NewRegistry(a.log)
		return rtkernel.RegisterBuiltins(a.registry, func(status, d1, d2 byte) {
			a.log.Debug("midi", "status", status, "data1", d1, "data2", d2)
		})
	}

	root.AddCommand(renderCommand(a), playCommand(a), kernelsCommand(a))
	return root
}

// session is an allocated chain with a track driving its first unit.
type session struct {
	chain *rtkernel.Chain
	track *rtkernel.Track
}

func (s *session) Close() {
	if err := s.track.Close(); err != nil {
		slog.Default().Warn("close track", "error", err)
	}
	s.chain.Close()
}

func (a *app) newSession() (*session, error) {
	s := a.settings
	notes, err := parseNotes(a.notes)
	if err != nil {
		return nil, err
	}
	code, err := kernel.ParseCode(s.Kernel.Code)
	if err != nil {
		return nil, err
	}
	codes := []kernel.Code{code}
	for _, name := range a.effects {
		c, err := kernel.ParseCode(strings.TrimSpace(name))
		if err != nil {
			return nil, err
		}
		codes = append(codes, c)
	}
	units := make([]*kernel.Unit, 0, len(codes))
	for _, c := range codes {
		u, err := a.registry.New(c, kernel.WithMaxFrames(s.Audio.MaxFrames))
		if err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	if a.wavb != "" {
		table, err := wavetable.ParseWAVB(a.wavb)
		if err != nil {
			return nil, err
		}
		units[0].SetWavetable(table, 0)
	}

	chain, err := rtkernel.NewChain(rtkernel.ChainConfig{
		SampleRate: float64(s.Audio.SampleRate),
		Channels:   s.Audio.Channels,
		MaxFrames:  s.Audio.MaxFrames,
		Logger:     a.log,
	}, units...)
	if err != nil {
		return nil, err
	}

	seqSettings := sequencer.DefaultSettings()
	seqSettings.Tempo = s.Sequencer.Tempo
	seqSettings.Length = s.Sequencer.Length
	seqSettings.LoopEnabled = s.Sequencer.Loop
	seqSettings.LoopCount = s.Sequencer.LoopCount
	track, err := rtkernel.NewTrack(units[0], rtkernel.WithTrackSettings(seqSettings), rtkernel.WithTrackLogger(a.log))
	if err != nil {
		chain.Close()
		return nil, err
	}
	sess := &session{chain: chain, track: track}
	for i, n := range notes {
		if err := track.Add(n, 100, 0, float64(i)*a.step, a.step*0.9); err != nil {
			sess.Close()
			return nil, err
		}
	}
	return sess, nil
}

func parseNotes(s string) ([]uint8, error) {
	var out []uint8
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		n, err := strconv.ParseUint(f, 10, 8)
		if err != nil || n > 127 {
			return nil, fmt.Errorf("note %q: want 0-127", f)
		}
		out = append(out, uint8(n))
	}
	return out, nil
}
