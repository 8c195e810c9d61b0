package job

import "fmt"

// State identifies a position in the job lifecycle.
type State string

const (
	StateCreated       State = "created"
	StateQueued        State = "queued"
	StateCloning       State = "cloning"
	StateGitRefreshing State = "git-refreshing"
	StateIndexing      State = "indexing"
	StateRunning       State = "running"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateTimedOut      State = "timed-out"
	StateCancelled     State = "cancelled"
)

// ValidTransitions defines allowed state transitions for each state.
// The git-refreshing and indexing steps are optional, so cloning may jump
// straight to indexing or running. Terminal states have no successors.
var ValidTransitions = map[State][]State{
	StateCreated:       {StateQueued, StateFailed, StateTimedOut, StateCancelled},
	StateQueued:        {StateCloning, StateFailed, StateTimedOut, StateCancelled},
	StateCloning:       {StateGitRefreshing, StateIndexing, StateRunning, StateFailed, StateTimedOut, StateCancelled},
	StateGitRefreshing: {StateIndexing, StateRunning, StateFailed, StateTimedOut, StateCancelled},
	StateIndexing:      {StateRunning, StateFailed, StateTimedOut, StateCancelled},
	StateRunning:       {StateCompleted, StateFailed, StateTimedOut, StateCancelled},
	StateCompleted:     {},
	StateFailed:        {},
	StateTimedOut:      {},
	StateCancelled:     {},
}

// IsTerminal reports whether s admits no further transitions.
func IsTerminal(s State) bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether s occupies a worker slot. Used to check the
// concurrency bound.
func IsActive(s State) bool {
	switch s {
	case StateCloning, StateGitRefreshing, StateIndexing, StateRunning:
		return true
	default:
		return false
	}
}

// TerminalMarker is the line appended to a job's output tail when it ends
// abnormally, so a caller polling output alone still sees how the job
// ended. Completed jobs get no marker.
func TerminalMarker(state State, reason string) string {
	switch state {
	case StateFailed:
		return fmt.Sprintf("[job failed: %s]\n", reason)
	case StateTimedOut:
		return "[job timed-out]\n"
	case StateCancelled:
		return "[job cancelled]\n"
	default:
		return ""
	}
}

// IsValidTransition checks if a state transition is allowed.
func IsValidTransition(from, to State) bool {
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}
