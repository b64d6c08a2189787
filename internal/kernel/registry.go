package kernel

import (
	"cmp"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
)

// Code is a four-character type code identifying a kernel implementation.
type Code uint32

// ParseCode converts a four-character ASCII string such as "fmsy" to a Code.
func ParseCode(s string) (Code, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCode, s)
	}
	var c Code
	for i := 0; i < 4; i++ {
		if s[i] < 0x20 || s[i] > 0x7E {
			return 0, fmt.Errorf("%w: %q", ErrInvalidCode, s)
		}
		c = c<<8 | Code(s[i])
	}
	return c, nil
}

// MustParseCode is ParseCode for constants; it panics on malformed input.
func MustParseCode(s string) Code {
	c, err := ParseCode(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c Code) String() string {
	return string([]byte{byte(c >> 24), byte(c >> 16), byte(c >> 8), byte(c)})
}

// Constructor builds a fresh kernel.
type Constructor func() Kernel

// Registry maps type codes to kernel constructors and parameter names to
// addresses. It is filled during startup; lookups happen at setup time,
// never on the render path.
type Registry struct {
	mu     sync.RWMutex
	ctors  map[Code]Constructor
	params map[string]uint32
	base   *slog.Logger
	log    *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		ctors:  make(map[Code]Constructor),
		params: make(map[string]uint32),
		base:   logger,
		log:    logger.With("component", "registry"),
	}
}

// Register associates code with fn.
func (r *Registry) Register(code Code, fn Constructor) error {
	if fn == nil {
		return fmt.Errorf("register %s: nil constructor", code)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ctors[code]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateCode, code)
	}
	r.ctors[code] = fn
	r.log.Debug("kernel registered", "code", code.String())
	return nil
}

// RegisterParameter associates a parameter name with an address.
func (r *Registry) RegisterParameter(name string, addr uint32) error {
	if addr >= MaxParameters {
		return fmt.Errorf("%w: %s=%d", ErrInvalidAddress, name, addr)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.params[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateParameter, name)
	}
	r.params[name] = addr
	return nil
}

// ParameterAddress resolves a parameter name.
func (r *Registry) ParameterAddress(name string) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	addr, ok := r.params[name]
	return addr, ok
}

// New constructs the kernel registered for code and wraps it in a Unit.
func (r *Registry) New(code Code, opts ...UnitOption) (*Unit, error) {
	r.mu.RLock()
	fn, ok := r.ctors[code]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCode, code)
	}
	k := fn()
	if k == nil {
		return nil, fmt.Errorf("construct %s: constructor returned nil", code)
	}
	opts = append([]UnitOption{WithName(code.String()), WithLogger(r.base)}, opts...)
	return NewUnit(k, opts...), nil
}

// Codes returns the registered codes in ascending order.
func (r *Registry) Codes() []Code {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.SortedFunc(maps.Keys(r.ctors), cmp.Compare[Code])
}
