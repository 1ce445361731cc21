package session

// State is the lifecycle state of one device connection. Transitions only
// move forward: Connecting, Active, Draining, Closed. Any non-terminal state
// may jump straight to Closed on an error path.
type State int32

// Session lifecycle states.
const (
	StateConnecting State = iota
	StateActive
	StateDraining
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records why a session reached Closed.
type CloseReason string

// Close reasons.
const (
	ReasonHandshakeFailed CloseReason = "handshake_failed"
	ReasonTimeout         CloseReason = "timeout"
	ReasonGraceful        CloseReason = "graceful"
	ReasonSuperseded      CloseReason = "superseded"
	ReasonProtocol        CloseReason = "protocol_error"
	ReasonShutdown        CloseReason = "shutdown"
)
