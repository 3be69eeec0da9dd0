package auth

import "fmt"

// State is the lifecycle state of a session.
type State int

const (
	Unauthenticated State = iota
	Authenticating
	Authenticated
	Refreshing
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Refreshing:
		return "refreshing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// transitions lists the legal moves out of each state.
var transitions = map[State][]State{
	Unauthenticated: {Authenticating},
	Authenticating:  {Authenticated, Unauthenticated},
	Authenticated:   {Refreshing, Unauthenticated},
	Refreshing:      {Authenticated, Unauthenticated},
}

// IllegalTransitionError is returned when a move is not in the state table.
type IllegalTransitionError struct {
	From, To State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal auth transition %s -> %s", e.From, e.To)
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
