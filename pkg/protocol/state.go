package protocol

import "fmt"

// State is the position of a session in the command state machine.
type State int

const (
	// StateAwaitingGreeting exists only on the client, between connecting
	// and consuming the greeting.
	StateAwaitingGreeting State = iota
	StateReady
	StateInTransfer
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingGreeting:
		return "awaiting_greeting"
	case StateReady:
		return "ready"
	case StateInTransfer:
		return "in_transfer"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	switch s {
	case StateAwaitingGreeting:
		return next == StateReady || next == StateClosed
	case StateReady:
		return next == StateInTransfer || next == StateClosed
	case StateInTransfer:
		return next == StateReady || next == StateClosed
	default:
		return false
	}
}
