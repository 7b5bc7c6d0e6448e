package bus

import "fmt"

// State is the lifecycle state of a Bus.
type State int

const (
	// StateUnstarted is the state of a new bus. Handlers may still be
	// registered.
	StateUnstarted State = iota
	// StateRunning is entered by a successful Start. Send, Request and
	// Publish are only valid in this state.
	StateRunning
	// StateStopped is entered by Stop. A stopped bus cannot be restarted.
	StateStopped
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
