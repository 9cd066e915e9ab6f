package requests

import "errors"

var (
	// ErrDuplicateActive means an equivalent non-terminal request already
	// exists for the same target slot.
	ErrDuplicateActive = errors.New("duplicate active request")

	// ErrStaleStatus means a compare-and-set update found the request in a
	// different state than expected.
	ErrStaleStatus = errors.New("stale status")

	// ErrInvalidTransition means the requested status change is not allowed
	// by the state machine.
	ErrInvalidTransition = errors.New("invalid status transition")
)
