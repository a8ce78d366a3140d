package session

// State is the protocol state of a session
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateReconfiguring
	StateStreaming
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateReconfiguring:
		return "RECONFIGURING"
	case StateStreaming:
		return "STREAMING"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// CloseReason classifies why a session ended
type CloseReason string

const (
	CloseProtocol CloseReason = "protocol"         // unrecoverable framing error
	CloseAuth     CloseReason = "auth"             // failed or legacy authentication
	CloseIO       CloseReason = "io"               // read or write failure, peer gone
	CloseTimeout  CloseReason = "timeout"          // heartbeat watchdog
	CloseStopped  CloseReason = "stopped"          // explicit stop
	CloseOverflow CloseReason = "control_overflow" // control queue full, viewer not reading
)
