package session

// State represents the session lifecycle state.
type State int

const (
	// StateIdle is the initial state before any join request.
	StateIdle State = iota
	// StateConnecting is while the transport is being established.
	StateConnecting
	// StateConnected is the live state; capture actions are allowed.
	StateConnected
	// StateReconnecting is a transient transport interruption.
	StateReconnecting
	// StateDisconnected is terminal.
	StateDisconnected
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}
