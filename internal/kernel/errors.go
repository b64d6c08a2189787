package kernel

import "errors"

var (
	ErrInvalidBus     = errors.New("kernel: invalid bus index")
	ErrInvalidBuffer  = errors.New("kernel: buffer shorter than maximum frame count")
	ErrInvalidAddress = errors.New("kernel: parameter address out of range")
	ErrInvalidFormat  = errors.New("kernel: invalid channel count or sample rate")
	ErrNotAllocated   = errors.New("kernel: render resources not allocated")
	ErrNoOutputBuffer = errors.New("kernel: no output buffer")
	ErrFrameCount     = errors.New("kernel: frame count out of range")
	ErrInvalidCurve   = errors.New("kernel: invalid automation point")

	ErrInvalidCode        = errors.New("kernel: type code must be four ASCII characters")
	ErrUnknownCode        = errors.New("kernel: unknown type code")
	ErrDuplicateCode      = errors.New("kernel: type code already registered")
	ErrDuplicateParameter = errors.New("kernel: parameter name already registered")
)
