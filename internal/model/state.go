package model

// State is a SubmissionRecord lifecycle state
type State string

// Lifecycle states
const (
	StateCreated         State = "created"
	StateSigning         State = "signing"
	StateSubmitting      State = "submitting"
	StatePending         State = "pending"
	StateIssued          State = "issued"
	StateRejected        State = "rejected"
	StateCancelled       State = "cancelled"
	StateFailedTransient State = "failed_transient"
	StateFailedPermanent State = "failed_permanent"
)

// transitions lists every allowed edge. Pending never falls back to a
// retryable failure: the government already holds the request.
var transitions = map[State][]State{
	StateCreated:         {StateSigning, StateCancelled, StateFailedTransient, StateFailedPermanent},
	StateSigning:         {StateSubmitting, StateCancelled, StateFailedTransient, StateFailedPermanent},
	StateSubmitting:      {StatePending, StateIssued, StateRejected, StateFailedTransient, StateFailedPermanent},
	StatePending:         {StateIssued, StateRejected, StateCancelled, StateFailedPermanent},
	StateFailedTransient: {StateSubmitting, StateCancelled, StateFailedPermanent},
}

// AllStates returns every lifecycle state
func AllStates() []State {
	return []State{
		StateCreated, StateSigning, StateSubmitting, StatePending,
		StateIssued, StateRejected, StateCancelled,
		StateFailedTransient, StateFailedPermanent,
	}
}

// IsTerminal reports whether no further transition is permitted
func (s State) IsTerminal() bool {
	switch s {
	case StateIssued, StateRejected, StateCancelled, StateFailedPermanent:
		return true
	default:
		return false
	}
}

// IsValid reports whether s is a known state
func (s State) IsValid() bool {
	for _, st := range AllStates() {
		if st == s {
			return true
		}
	}
	return false
}

// CanTransition reports whether from -> to is an allowed edge
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Cancellable reports whether a cancel request may be applied in state s
func (s State) Cancellable() bool {
	return CanTransition(s, StateCancelled)
}

func (s State) String() string {
	return string(s)
}
