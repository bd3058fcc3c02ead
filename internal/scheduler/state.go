package scheduler

// State is the lifecycle of a draw session. An owner is either Idle or
// Running; the other states describe how a session ended.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateSuperseded
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateSuperseded:
		return "superseded"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}
