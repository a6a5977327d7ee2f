package voice

// State is the connection controller lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
	StateFailed     State = "failed"
)

// canConnect reports whether Connect may start from s. A failed controller
// must be cleaned up first.
func (s State) canConnect() bool {
	return s == StateIdle || s == StateClosed
}

// canFail reports whether s may transition to StateFailed.
func (s State) canFail() bool {
	return s == StateConnecting || s == StateOpen
}
