package connection

// State is the lifecycle position of a connection. Transitions follow the
// fixed graph driven by the connection's run loop; once a terminal state is
// reached the connection never leaves it.
type State int32

const (
	// StateIdle is the initial state before the first dial.
	StateIdle State = iota

	// StateConnecting means a dial attempt is in progress.
	StateConnecting

	// StateConnected means the socket is open and traffic flows.
	StateConnected

	// StateReconnecting means the connection is waiting out a backoff delay
	// before the next dial attempt.
	StateReconnecting

	// StateClosing means a graceful shutdown handshake is in progress.
	StateClosing

	// StateClosed is the terminal state after a deliberate or clean close.
	StateClosed

	// StateFailed is the terminal state after the retry budget ran out or
	// reconnection was disabled.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is final. Terminal connections reject
// sends and are deregistered from their manager.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}
