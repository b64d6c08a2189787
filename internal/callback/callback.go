// Package callback provides an instrument kernel that produces no audio and
// hands every MIDI event it receives to a Go function off the render path.
package callback

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cbegin/rtkernel-go/internal/kernel"
)

// Func receives one MIDI message. Two-byte messages pass data2 as 0.
type Func func(status, data1, data2 byte)

const (
	DefaultQueueSize    = 1024
	DefaultPollInterval = time.Millisecond
)

type Option func(*Kernel)

func WithQueueSize(n int) Option {
	return func(k *Kernel) {
		if n > 0 {
			k.queueSize = n
		}
	}
}

// WithPollInterval sets how often the delivery goroutine drains the queue.
func WithPollInterval(d time.Duration) Option {
	return func(k *Kernel) {
		if d > 0 {
			k.interval = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(k *Kernel) {
		if l != nil {
			k.log = l
		}
	}
}

// Kernel queues MIDI on the render path and delivers it from a goroutine
// that lives between allocation and deallocation.
type Kernel struct {
	kernel.Base
	fn        Func
	queueSize int
	interval  time.Duration
	log       *slog.Logger
	queue     *kernel.Queue[kernel.MIDIEvent]
	dropped   atomic.Uint64
	delivered atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a callback kernel calling fn. A nil fn discards events.
func New(fn Func, opts ...Option) *Kernel {
	k := &Kernel{
		Base:      kernel.NewBase(0, false),
		fn:        fn,
		queueSize: DefaultQueueSize,
		interval:  DefaultPollInterval,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(k)
	}
	k.log = k.log.With("component", "callback")
	k.queue = kernel.NewQueue[kernel.MIDIEvent](k.queueSize)
	return k
}

// Init starts the delivery goroutine.
func (k *Kernel) Init(_ int, _ float64) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stopLocked()
	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	k.done = make(chan struct{})
	go k.run(ctx, k.done)
	return nil
}

// Deinit stops the delivery goroutine after draining what is queued.
func (k *Kernel) Deinit() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stopLocked()
}

func (k *Kernel) stopLocked() {
	if k.cancel == nil {
		return
	}
	k.cancel()
	<-k.done
	k.cancel, k.done = nil, nil
	if n := k.dropped.Load(); n > 0 {
		k.log.Warn("midi events dropped", "count", n)
	}
}

func (k *Kernel) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(k.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			k.drain()
			return
		case <-t.C:
			k.drain()
		}
	}
}

func (k *Kernel) drain() {
	for {
		ev, ok := k.queue.Pop()
		if !ok {
			return
		}
		k.delivered.Add(1)
		if k.fn == nil {
			continue
		}
		d2 := ev.Data[2]
		if ev.Length < 3 {
			d2 = 0
		}
		k.fn(ev.Data[0], ev.Data[1], d2)
	}
}

// HandleMIDIEvent queues ev. A full queue drops the event.
func (k *Kernel) HandleMIDIEvent(ev kernel.MIDIEvent) {
	if !k.queue.Push(ev) {
		k.dropped.Add(1)
	}
}

// Process writes silence.
func (k *Kernel) Process(r kernel.FrameRange) { k.ZeroOutput(r) }

// Dropped returns how many events were lost to a full queue.
func (k *Kernel) Dropped() uint64 { return k.dropped.Load() }

// Delivered returns how many events left the queue.
func (k *Kernel) Delivered() uint64 { return k.delivered.Load() }
