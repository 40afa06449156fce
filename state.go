package amqpmodel

import "fmt"

// State is the lifecycle state of a Model
type State int

const (
	StateCreated State = iota
	StateConnecting
	StateTopologyPending
	StateReady
	StateError
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConnecting:
		return "connecting"
	case StateTopologyPending:
		return "topology-pending"
	case StateReady:
		return "ready"
	case StateError:
		return "error"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible except
// Error to Disconnected
func (s State) Terminal() bool {
	return s == StateError || s == StateDisconnected
}
