package charge

import "fmt"

// State is the lifecycle position of a charge.
type State string

const (
	StateDraft     State = "draft"
	StateIssued    State = "issued"
	StateReserved  State = "reserved"
	StateInTransit State = "in_transit"
	StatePaid      State = "paid"
	StateRejected  State = "rejected"
	StateCancelled State = "cancelled"
)

// States lists every state in lifecycle order.
var States = []State{
	StateDraft,
	StateIssued,
	StateReserved,
	StateInTransit,
	StatePaid,
	StateRejected,
	StateCancelled,
}

// transitions is the complete set of allowed edges. Anything else, including
// skipping an intermediate state, is rejected.
var transitions = map[State][]State{
	StateDraft:     {StateIssued},
	StateIssued:    {StateReserved, StatePaid, StateCancelled},
	StateReserved:  {StateIssued, StateInTransit},
	StateInTransit: {StatePaid, StateRejected, StateCancelled},
	StateRejected:  {StateReserved, StatePaid, StateCancelled},
}

func (s State) Valid() bool {
	for _, known := range States {
		if s == known {
			return true
		}
	}

	return false
}

// Final reports whether no transition leaves s.
func (s State) Final() bool {
	return s == StatePaid || s == StateCancelled
}

// Frozen reports whether the amount of a charge in s is a stored snapshot
// rather than a live computation.
func (s State) Frozen() bool {
	return s == StateInTransit || s == StatePaid || s == StateCancelled
}

// Batchable reports whether a charge in s may be picked by batch assembly.
func (s State) Batchable() bool {
	return s == StateIssued || s == StateRejected
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}

	return false
}

// Transition moves c to the next state or returns ErrInvalidTransition.
func (c *Charge) Transition(to State) error {
	if !CanTransition(c.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, c.State, to)
	}

	c.State = to

	return nil
}
