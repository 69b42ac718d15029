package state

import "fmt"

type State string

const (
	Pending    State = "pending"
	Processing State = "processing"
	Completed  State = "completed"
	Failed     State = "failed"
)

var allStates = []State{
	Pending,
	Processing,
	Completed,
	Failed,
}

var transitions = map[State]map[State]bool{
	Pending: {
		Processing: true,
		Failed:     true,
	},
	Processing: {
		Completed: true,
		Pending:   true,
		Failed:    true,
	},
}

// TransitionError reports a move the job state machine does not allow.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// Valid reports whether s is one of the four job states.
func Valid(s State) bool {
	for _, known := range allStates {
		if s == known {
			return true
		}
	}
	return false
}

func CanTransition(from, to State) bool {
	next, ok := transitions[from]
	if !ok {
		return false
	}
	return next[to]
}

// Check returns a *TransitionError when from -> to is not allowed.
func Check(from, to State) error {
	if !CanTransition(from, to) {
		return &TransitionError{From: from, To: to}
	}
	return nil
}

func IsTerminal(s State) bool {
	switch s {
	case Completed, Failed:
		return true
	default:
		return false
	}
}
