// Package rtkernel hosts real-time audio kernels: it chains processing
// units, drives them block by block for live or offline output and
// sequences MIDI into them.
package rtkernel

import (
	"errors"
	"fmt"

	"github.com/cbegin/rtkernel-go/internal/callback"
	"github.com/cbegin/rtkernel-go/internal/chiptune"
	"github.com/cbegin/rtkernel-go/internal/effects"
	"github.com/cbegin/rtkernel-go/internal/fm"
	"github.com/cbegin/rtkernel-go/internal/kernel"
	"github.com/cbegin/rtkernel-go/internal/wavetable"
)

var (
	ErrEmptyChain   = errors.New("rtkernel: chain has no units")
	ErrChainOrder   = errors.New("rtkernel: only the first unit in a chain may be a generator")
	ErrTrackClosed  = errors.New("rtkernel: track closed")
	ErrNotAllocated = kernel.ErrNotAllocated
)

// Builtin kernel codes.
var (
	CodeFM         = kernel.MustParseCode("fmsy")
	CodeWavetable  = kernel.MustParseCode("wavt")
	CodeChiptune   = kernel.MustParseCode("chip")
	CodeDelay      = kernel.MustParseCode("dely")
	CodeDistortion = kernel.MustParseCode("dist")
	CodeCompressor = kernel.MustParseCode("comp")
	CodeCallback   = kernel.MustParseCode("cbin")
)

type builtin struct {
	code   kernel.Code
	ctor   kernel.Constructor
	params map[string]uint32
}

// RegisterBuiltins adds the bundled kernels and their parameter names, each
// prefixed with the kernel code ("fmsy.gain"). Callback instruments deliver
// to onMIDI; nil discards.
func RegisterBuiltins(reg *kernel.Registry, onMIDI callback.Func) error {
	builtins := []builtin{
		{CodeFM, func() kernel.Kernel { return fm.New(fm.DefaultParams()) }, fm.ParamNames},
		{CodeWavetable, func() kernel.Kernel { return wavetable.New(wavetable.DefaultParams()) }, wavetable.ParamNames},
		{CodeChiptune, func() kernel.Kernel { return chiptune.New(chiptune.DefaultParams()) }, chiptune.ParamNames},
		{CodeDelay, func() kernel.Kernel { return effects.NewDelay(350, 0.35, 0.2, 0.3) }, effects.DelayParamNames},
		{CodeDistortion, func() kernel.Kernel { return effects.NewDistortion(2, 0.6, 8000) }, effects.DistortionParamNames},
		{CodeCompressor, func() kernel.Kernel { return effects.NewCompressor(-12, 4, 5, 80, 0) }, effects.CompressorParamNames},
		{CodeCallback, func() kernel.Kernel { return callback.New(onMIDI) }, nil},
	}
	for _, b := range builtins {
		if err := reg.Register(b.code, b.ctor); err != nil {
			return err
		}
		for name, addr := range b.params {
			if err := reg.RegisterParameter(b.code.String()+"."+name, addr); err != nil {
				return fmt.Errorf("register %s parameters: %w", b.code, err)
			}
		}
	}
	return nil
}
