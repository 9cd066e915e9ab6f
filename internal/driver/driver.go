// Package driver defines the automation boundary: given one reservation
// request, attempt it against the portal and report a classified outcome.
// The scheduler consumes nothing but this classification.
package driver

import (
	"context"

	"github.com/example/libcal-scheduler/internal/requests"
)

type Class int

const (
	Success Class = iota
	RecoverableFailure
	DefiniteFailure
	Timeout
)

func (c Class) String() string {
	switch c {
	case Success:
		return "success"
	case RecoverableFailure:
		return "recoverable_failure"
	case DefiniteFailure:
		return "definite_failure"
	case Timeout:
		return "timeout"
	}
	return "unknown"
}

type Outcome struct {
	Class        Class
	Reason       string // a requests.Class* code; empty on success
	Confirmation string // portal confirmation text on success
}

type Driver interface {
	Attempt(ctx context.Context, req requests.Request) Outcome
}
