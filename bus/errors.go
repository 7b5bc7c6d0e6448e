package bus

import (
	"errors"
	"fmt"
	"reflect"
)

var (
	// ErrInvalidState matches every *StateError.
	ErrInvalidState = errors.New("bus: invalid state")
	// ErrNotRunning matches state errors of operations that require a
	// running bus.
	ErrNotRunning = errors.New("bus: not running")
	// ErrAlreadyStarted matches state errors of Start on a bus that was
	// started before.
	ErrAlreadyStarted = errors.New("bus: already started")
	// ErrUnsupportedMode is returned by Start when the selected transport
	// mode has no transport configured.
	ErrUnsupportedMode = errors.New("bus: unsupported transport mode")
	// ErrRequestTimeout is returned by Request when no reply arrives within
	// the request timeout.
	ErrRequestTimeout = errors.New("bus: request timed out")
	// ErrNilMessage is returned when a nil command or event is sent.
	ErrNilMessage = errors.New("bus: nil message")
	// ErrInvalidMessageType is returned when the naming strategy derives no
	// name for a message or handler type, as for anonymous structs.
	ErrInvalidMessageType = errors.New("bus: invalid message type")
)

// StateError reports an operation invoked outside its valid state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("bus: cannot %s in state %s", e.Op, e.State)
}

// Is matches ErrInvalidState for every state error, ErrAlreadyStarted for
// Start on a started bus and ErrNotRunning for everything else.
func (e *StateError) Is(target error) bool {
	switch target {
	case ErrInvalidState:
		return true
	case ErrAlreadyStarted:
		return e.Op == "start" && e.State != StateUnstarted
	case ErrNotRunning:
		return e.Op != "start" && e.State != StateRunning
	}
	return false
}

// ResolutionError reports a handler implementation that could not be
// resolved while binding endpoints.
type ResolutionError struct {
	Type     reflect.Type
	Endpoint string
	Err      error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("bus: resolve %v for endpoint %s: %v", e.Type, e.Endpoint, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// RequestFaultError is returned by Request when the handler failed and
// answered with an error reply.
type RequestFaultError struct {
	RequestType string
	Reason      string
}

func (e *RequestFaultError) Error() string {
	return fmt.Sprintf("bus: request %s faulted: %s", e.RequestType, e.Reason)
}
