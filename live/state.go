package live

// State is the connection state of an Engine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Live reports whether the state holds acquired resources.
func (s State) Live() bool {
	return s == StateConnecting || s == StateConnected
}
