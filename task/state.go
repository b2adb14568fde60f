package task

import "dmlistener.evalgo.org/listenerrors"

// State is a Task's lifecycle state.
type State string

const (
	Unscheduled State = "UNSCHEDULED"
	Scheduled   State = "SCHEDULED"
	Started     State = "STARTED"
	Successful  State = "SUCCESSFUL"
	Failed      State = "FAILED"
	Aborted     State = "ABORTED"
)

// ValidTransitions enumerates the only legal state changes. Terminal states
// map to an empty slice: any attempted transition out of them fails.
var ValidTransitions = map[State][]State{
	Unscheduled: {Scheduled, Aborted},
	Scheduled:   {Started, Aborted},
	Started:     {Successful, Failed},
	Successful:  {},
	Failed:      {},
	Aborted:     {},
}

// CanTransitionTo reports whether to is a legal next state from from.
func CanTransitionTo(from, to State) bool {
	for _, allowed := range ValidTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s has no further legal transitions.
func IsTerminal(s State) bool {
	return len(ValidTransitions[s]) == 0
}

func requireTransition(from, to State) error {
	if !CanTransitionTo(from, to) {
		return &listenerrors.InvalidTransition{From: string(from), To: string(to)}
	}
	return nil
}
