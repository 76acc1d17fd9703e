package pipeline

// State is the processing stage of one batch. A batch moves strictly
// forward through Received, Resolving, Deduplicating, Writing and
// CacheUpdating to Committed, leaving the rail only for Retrying (left
// un-acked for redelivery) or DeadLettered (published to the DLQ and
// acked).
type State int

const (
	StateReceived State = iota
	StateResolving
	StateDeduplicating
	StateWriting
	StateCacheUpdating
	StateCommitted
	StateRetrying
	StateDeadLettered
)

// String returns the string representation of State
func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateResolving:
		return "resolving"
	case StateDeduplicating:
		return "deduplicating"
	case StateWriting:
		return "writing"
	case StateCacheUpdating:
		return "cache_updating"
	case StateCommitted:
		return "committed"
	case StateRetrying:
		return "retrying"
	case StateDeadLettered:
		return "dead_lettered"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state ends a batch's processing.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateRetrying, StateDeadLettered:
		return true
	default:
		return false
	}
}
