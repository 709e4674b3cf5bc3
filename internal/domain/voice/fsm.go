package voice

import "fmt"

// transitions lists the allowed lifecycle moves. Errored is reachable from
// every open state; nothing leaves a terminal state.
var transitions = map[State][]State{
	StateCreated:    {StateActive, StateFinalizing, StateErrored},
	StateActive:     {StateActive, StateFinalizing, StateErrored},
	StateFinalizing: {StateClosed, StateErrored},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// transition moves s to the target state or fails without changing it.
func (s *Session) transition(to State) error {
	if !CanTransition(s.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
	}
	s.State = to
	return nil
}
