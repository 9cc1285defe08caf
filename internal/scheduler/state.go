package scheduler

// State is a node of the poll/act state machine
type State int

const (
	StateIdle State = iota
	StateSearching
	StateEvaluating
	StateReplying
	StateWaiting
	StateRateLimited
	StateErrorBackoff
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSearching:
		return "searching"
	case StateEvaluating:
		return "evaluating"
	case StateReplying:
		return "replying"
	case StateWaiting:
		return "waiting"
	case StateRateLimited:
		return "rate_limited"
	case StateErrorBackoff:
		return "error_backoff"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Wait reasons, used in logs and the wait histogram
const (
	reasonReplyInterval  = "reply_interval"
	reasonSearchInterval = "search_interval"
	reasonRateLimit      = "rate_limit"
	reasonBackoff        = "error_backoff"
)
