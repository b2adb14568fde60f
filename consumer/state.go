package consumer

import "dmlistener.evalgo.org/listenerrors"

// State is the Abstract Message Consumer's lifecycle state.
type State string

const (
	Uninitialized State = "UNINITIALIZED"
	Initialized   State = "INITIALIZED"
	Consuming     State = "CONSUMING"
	Destroying    State = "DESTROYING"
	Destroyed     State = "DESTROYED"
)

var validTransitions = map[State][]State{
	Uninitialized: {Initialized},
	Initialized:   {Consuming},
	Consuming:     {Destroying},
	Destroying:    {Destroyed},
	Destroyed:     {},
}

func canTransitionTo(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func requireState(op string, current, expected State) error {
	if current != expected {
		return &listenerrors.InvalidState{Op: op, Expected: string(expected), Actual: string(current)}
	}
	return nil
}
