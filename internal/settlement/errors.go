package settlement

import "errors"

var (
	// ErrMalformedInterval marks an instruction or baseline sample whose start is not before its end.
	ErrMalformedInterval = errors.New("settlement: malformed interval")
	// ErrEmptyLadder indicates a period without any usable price band.
	ErrEmptyLadder = errors.New("settlement: no price bands for period")
	// ErrMalformedLadder indicates a ladder tier whose upper bound lies below its lower bound.
	ErrMalformedLadder = errors.New("settlement: malformed price ladder")
)
