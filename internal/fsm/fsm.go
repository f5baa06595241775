// Package fsm holds the IPC channel connection state machine.
package fsm

import "fmt"

type State string

type Event string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

const (
	EventDial        Event = "dial"
	EventEstablished Event = "established"
	EventDialFailed  Event = "dial_failed"
	EventDrop        Event = "drop"
	EventFail        Event = "fail"
	EventClose       Event = "close"
)

// Transition returns the state reached by applying event to current.
// Closed is terminal: every event other than close is rejected there.
func Transition(current State, event Event) (State, error) {
	if event == EventClose {
		return StateClosed, nil
	}

	switch current {
	case StateDisconnected, StateFailed:
		switch event {
		case EventDial:
			return StateConnecting, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateConnecting:
		switch event {
		case EventEstablished:
			return StateConnected, nil
		case EventDialFailed:
			return StateDisconnected, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateConnected:
		switch event {
		case EventDrop:
			return StateDisconnected, nil
		case EventFail:
			return StateFailed, nil
		default:
			return current, invalidTransition(current, event)
		}
	case StateClosed:
		return current, invalidTransition(current, event)
	default:
		return current, fmt.Errorf("unknown state %q", current)
	}
}

// Usable reports whether frames may be sent in state.
func Usable(state State) bool {
	return state == StateConnected
}

func invalidTransition(state State, event Event) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, event)
}
