package mqtt

// State is the broker session state
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnectPending
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnectPending:
		return "reconnect_pending"
	default:
		return "unknown"
	}
}

// transitions lists the legal moves. The transport's own reconnect may
// complete a session from any non-connected state.
var transitions = map[State][]State{
	StateDisconnected:     {StateConnecting, StateConnected},
	StateConnecting:       {StateConnected, StateDisconnected, StateReconnectPending},
	StateConnected:        {StateReconnectPending, StateDisconnected},
	StateReconnectPending: {StateConnecting, StateConnected, StateDisconnected},
}

func (s State) canTransition(to State) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}
