// Package conf loads rtkernel settings from defaults, an optional YAML file,
// RTKERNEL_ environment variables and bound command-line flags.
package conf

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. RTKERNEL_AUDIO_SAMPLERATE.
const EnvPrefix = "RTKERNEL"

var ErrInvalidSettings = errors.New("invalid settings")

type Settings struct {
	Audio struct {
		SampleRate int `mapstructure:"samplerate"`
		MaxFrames  int `mapstructure:"maxframes"`
		Channels   int `mapstructure:"channels"`
	} `mapstructure:"audio"`

	Kernel struct {
		Code string `mapstructure:"code"` // four-character registry code
		Seed uint64 `mapstructure:"seed"`
	} `mapstructure:"kernel"`

	Sequencer struct {
		Tempo     float64 `mapstructure:"tempo"`
		Length    float64 `mapstructure:"length"`
		Loop      bool    `mapstructure:"loop"`
		LoopCount int     `mapstructure:"loopcount"`
	} `mapstructure:"sequencer"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // text or json
	} `mapstructure:"log"`

	Metrics struct {
		Addr string `mapstructure:"addr"` // empty disables the /metrics listener
	} `mapstructure:"metrics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("audio.samplerate", 48000)
	v.SetDefault("audio.maxframes", 512)
	v.SetDefault("audio.channels", 2)

	v.SetDefault("kernel.code", "fmsy")
	v.SetDefault("kernel.seed", 0)

	v.SetDefault("sequencer.tempo", 120.0)
	v.SetDefault("sequencer.length", 4.0)
	v.SetDefault("sequencer.loop", true)
	v.SetDefault("sequencer.loopcount", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("metrics.addr", "")
}

// New returns a viper instance with defaults and environment lookup set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// BindFlags maps flags onto settings keys, e.g. {"sample-rate": "audio.samplerate"}.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for name, key := range keys {
		f := flags.Lookup(name)
		if f == nil {
			return fmt.Errorf("bind flag %q: not defined", name)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %q: %w", name, err)
		}
	}
	return nil
}

// Load reads path (when non-empty) into v and decodes the result.
func Load(v *viper.Viper, path string) (*Settings, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) Validate() error {
	switch {
	case s.Audio.SampleRate <= 0:
		return fmt.Errorf("%w: sample rate %d", ErrInvalidSettings, s.Audio.SampleRate)
	case s.Audio.MaxFrames <= 0:
		return fmt.Errorf("%w: max frames %d", ErrInvalidSettings, s.Audio.MaxFrames)
	case s.Audio.Channels <= 0:
		return fmt.Errorf("%w: channels %d", ErrInvalidSettings, s.Audio.Channels)
	case len(s.Kernel.Code) != 4:
		return fmt.Errorf("%w: kernel code %q", ErrInvalidSettings, s.Kernel.Code)
	case s.Sequencer.Tempo <= 0:
		return fmt.Errorf("%w: tempo %v", ErrInvalidSettings, s.Sequencer.Tempo)
	case s.Sequencer.Length <= 0:
		return fmt.Errorf("%w: length %v", ErrInvalidSettings, s.Sequencer.Length)
	case s.Sequencer.LoopCount < 0:
		return fmt.Errorf("%w: loop count %d", ErrInvalidSettings, s.Sequencer.LoopCount)
	}
	switch s.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalidSettings, s.Log.Format)
	}
	return nil
}
