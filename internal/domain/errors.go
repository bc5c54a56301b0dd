package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the relay pipeline.
var (
	// ErrConnection marks a refused or dropped upstream socket. Fatal to the subscriber.
	ErrConnection = errors.New("domain: connection failed")
	// ErrDecode marks a frame that is not a valid event. The frame is dropped.
	ErrDecode = errors.New("domain: malformed frame")
	// ErrRouting marks an event whose operation kind has no handler. Fatal to the dispatcher.
	ErrRouting = errors.New("domain: no handler for operation")
	// ErrHandler marks a handler failure on a structurally valid event.
	ErrHandler = errors.New("domain: handler failed")

	ErrBoardNotFound  = errors.New("domain: board not found")
	ErrMissingBoardID = errors.New("domain: board payload has no id")
)

// Stage names the pipeline step an error came from.
type Stage string

const (
	StageSubscribe Stage = "subscribe"
	StageReceive   Stage = "receive"
	StageDispatch  Stage = "dispatch"
	StageHandle    Stage = "handle"
)

// StageError attaches the failing stage to an error.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// StageOf returns the stage recorded in err's chain, or "" if none.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// RoutingError reports an operation kind the dispatcher cannot route.
type RoutingError struct {
	Op Op
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("domain: no handler for operation %q", string(e.Op))
}

func (e *RoutingError) Unwrap() error { return ErrRouting }
