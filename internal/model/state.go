package model

// ConnState is the lifecycle state of the primary stream connection.
type ConnState int

const (
	StateIdle        ConnState = 0 // no socket, not trying
	StateAuthorizing ConnState = 1 // obtaining token / stream URL / dialing
	StateOpen        ConnState = 2 // socket open and subscribed
	StateClosed      ConnState = 3 // socket lost; see CloseReason
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAuthorizing:
		return "authorizing"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason qualifies StateClosed.
type CloseReason string

const (
	CloseNone       CloseReason = ""
	CloseError      CloseReason = "error"      // unexpected loss, reconnect pending
	CloseSuperseded CloseReason = "superseded" // replaced by a newer connect
	CloseExhausted  CloseReason = "exhausted"  // reconnect budget used up
	CloseShutdown   CloseReason = "shutdown"   // torn down by the owner
)
