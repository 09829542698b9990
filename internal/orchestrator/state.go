package orchestrator

import "fmt"

// State is a step of the per-turn loop.
type State int

const (
	// AwaitingPolicy means the next step is asking the policy what to do.
	AwaitingPolicy State = iota

	// ExecutingOperations means a batch of operation requests is pending.
	ExecutingOperations

	// Terminal means a final reply was appended and the turn is over.
	Terminal
)

func (s State) String() string {
	switch s {
	case AwaitingPolicy:
		return "awaiting_policy"
	case ExecutingOperations:
		return "executing_operations"
	case Terminal:
		return "terminal"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type event int

const (
	// eventFinal: the policy produced a final message.
	eventFinal event = iota
	// eventRequests: the policy produced operation requests.
	eventRequests
	// eventBatchDone: every result of the pending batch was appended.
	eventBatchDone
)

func (e event) String() string {
	switch e {
	case eventFinal:
		return "final"
	case eventRequests:
		return "requests"
	case eventBatchDone:
		return "batch_done"
	default:
		return fmt.Sprintf("event(%d)", int(e))
	}
}

// transition returns the state reached from s on e.
func transition(s State, e event) (State, error) {
	switch {
	case s == AwaitingPolicy && e == eventFinal:
		return Terminal, nil
	case s == AwaitingPolicy && e == eventRequests:
		return ExecutingOperations, nil
	case s == ExecutingOperations && e == eventBatchDone:
		return AwaitingPolicy, nil
	}
	return s, fmt.Errorf("invalid transition from %s on %s", s, e)
}
