package rtkernel

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cbegin/rtkernel-go/internal/kernel"
)

// ChainConfig is the stream format a chain allocates its units with.
type ChainConfig struct {
	SampleRate float64
	Channels   int
	MaxFrames  int // 0 uses the smallest unit maximum
	Logger     *slog.Logger
}

// Chain renders a series of units, feeding each unit's output into input
// bus 0 of the next. The first unit may be a generator; later units must
// take input. Units that can process in place share their input buffer.
//
// Process and RenderBlock belong to one render goroutine. Control methods
// on the units stay safe to call from elsewhere.
type Chain struct {
	units      []*kernel.Unit
	outputs    []kernel.Buffers
	silence    kernel.Buffers
	sampleRate float64
	channels   int
	maxFrames  int
	sampleTime int64
	err        atomic.Pointer[error]
	log        *slog.Logger
}

// NewChain allocates units for cfg and wires their buffers. On failure every
// unit allocated so far is released again.
func NewChain(cfg ChainConfig, units ...*kernel.Unit) (*Chain, error) {
	if len(units) == 0 {
		return nil, ErrEmptyChain
	}
	if cfg.Channels <= 0 || cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("%w: channels=%d sampleRate=%v", kernel.ErrInvalidFormat, cfg.Channels, cfg.SampleRate)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxFrames := cfg.MaxFrames
	for i, u := range units {
		if i > 0 && u.InputBusCount() == 0 {
			return nil, fmt.Errorf("%w: unit %d (%s)", ErrChainOrder, i, u.Name())
		}
		if maxFrames <= 0 || u.MaxFrames() < maxFrames {
			maxFrames = u.MaxFrames()
		}
	}
	c := &Chain{
		units:      units,
		outputs:    make([]kernel.Buffers, len(units)),
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		maxFrames:  maxFrames,
		log:        logger.With("component", "chain"),
	}
	if err := c.allocate(); err != nil {
		return nil, err
	}
	c.log.Debug("chain ready", "units", len(units), "channels", cfg.Channels, "sample_rate", cfg.SampleRate, "max_frames", maxFrames)
	return c, nil
}

func (c *Chain) newBuffers() kernel.Buffers {
	b := make(kernel.Buffers, c.channels)
	for ch := range b {
		b[ch] = make([]float32, c.maxFrames)
	}
	return b
}

func (c *Chain) allocate() error {
	for i, u := range c.units {
		if err := u.AllocateRenderResources(c.channels, c.sampleRate); err != nil {
			c.release(i)
			return err
		}
		var in kernel.Buffers
		switch {
		case u.InputBusCount() == 0:
		case i == 0:
			if c.silence == nil {
				c.silence = c.newBuffers()
			}
			in = c.silence
		default:
			in = c.outputs[i-1]
		}
		for bus := 0; bus < u.InputBusCount(); bus++ {
			if err := u.SetBuffer(bus, in); err != nil {
				c.release(i + 1)
				return err
			}
		}
		out := in
		if in == nil || i == 0 || !u.Kernel().KernelBase().CanProcessInPlace() {
			out = c.newBuffers()
		}
		if err := u.SetOutputBuffer(out); err != nil {
			c.release(i + 1)
			return err
		}
		c.outputs[i] = out
	}
	return nil
}

func (c *Chain) release(n int) {
	for _, u := range c.units[:n] {
		u.DeallocateRenderResources()
	}
}

func (c *Chain) SampleRate() float64 { return c.sampleRate }
func (c *Chain) Channels() int       { return c.channels }
func (c *Chain) MaxFrames() int      { return c.maxFrames }

// Units returns the chain's units in render order.
func (c *Chain) Units() []*kernel.Unit { return c.units }

// Last returns the unit whose output the chain produces.
func (c *Chain) Last() *kernel.Unit { return c.units[len(c.units)-1] }

// SampleTime returns the number of frames rendered so far.
func (c *Chain) SampleTime() int64 { return c.sampleTime }

// RenderBlock renders frames through every unit and returns the last
// unit's output, valid until the next call.
func (c *Chain) RenderBlock(frames int) (kernel.Buffers, error) {
	ts := kernel.Timestamp{
		SampleTime: c.sampleTime,
		HostTime:   time.Duration(float64(c.sampleTime) / c.sampleRate * float64(time.Second)),
	}
	for _, u := range c.units {
		if err := u.Render(ts, frames, nil); err != nil {
			return nil, err
		}
	}
	c.sampleTime += int64(frames)
	return c.outputs[len(c.outputs)-1], nil
}

// Process fills dst with interleaved stereo frames. A render failure is
// recorded for Err and the rest of dst is silenced.
func (c *Chain) Process(dst []float32) {
	frames := len(dst) / 2
	for done := 0; done < frames; {
		n := min(frames-done, c.maxFrames)
		out, err := c.RenderBlock(n)
		if err != nil {
			c.err.CompareAndSwap(nil, &err)
			clear(dst[done*2:])
			return
		}
		left, right := out[0], out[min(1, len(out)-1)]
		for i := range n {
			dst[(done+i)*2] = left[i]
			dst[(done+i)*2+1] = right[i]
		}
		done += n
	}
}

// Err returns the first render error, if any.
func (c *Chain) Err() error {
	if p := c.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Close releases every unit's render resources.
func (c *Chain) Close() {
	c.release(len(c.units))
	c.log.Debug("chain closed")
}
