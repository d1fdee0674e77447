package listen

// State is the lifecycle state of a listening session's engine slot.
type State string

const (
	// StateIdle means no attempt is running. An active continuous session
	// idles while the companion speaks and waits for Resume.
	StateIdle State = "idle"

	// StateStarting means an engine start is in flight.
	StateStarting State = "starting"

	// StateListening means an attempt is running and delivering events.
	StateListening State = "listening"

	// StateBackoff means a failed attempt waits for its delayed restart.
	StateBackoff State = "backoff"
)

// IsActive reports whether an attempt is starting or running.
func (s State) IsActive() bool {
	switch s {
	case StateStarting, StateListening:
		return true
	default:
		return false
	}
}

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}
