package pool

import "errors"

// Sentinel errors for pool operations
var (
	// ErrPoolExhausted indicates the pool has no free worker slots
	ErrPoolExhausted = errors.New("worker pool exhausted")

	// ErrNilTask indicates a nil task function was provided
	ErrNilTask = errors.New("task function cannot be nil")

	// ErrUnknownPool indicates a lookup for a pool name that was never configured
	ErrUnknownPool = errors.New("unknown pool")
)
