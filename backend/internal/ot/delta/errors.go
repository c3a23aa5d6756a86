package delta

import "errors"

var (
	ErrIncompatibleLength = errors.New("INCOMPATIBLE_LENGTH")
	ErrOutOfBounds        = errors.New("OUT_OF_BOUNDS")
	ErrInvalidOp          = errors.New("INVALID_OP")
)
