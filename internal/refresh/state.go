package refresh

// State is the scheduler's position in a refresh cycle.
type State int32

const (
	StateIdle State = iota
	StateFetching
	StateClassifying
	StateHealthChecking
	StateSwapping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateClassifying:
		return "classifying"
	case StateHealthChecking:
		return "health_checking"
	case StateSwapping:
		return "swapping"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Trigger names why a cycle ran.
const (
	TriggerStartup   = "startup"
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
	TriggerBreaker   = "breaker_open"
	TriggerRules     = "rules_reload"
)
