package connection

// State is the connection manager's lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// transitions lists the legal successors of every state.
var transitions = map[State][]State{
	StateIdle:         {StateConnecting, StateClosing},
	StateConnecting:   {StateOpen, StateClosed, StateClosing},
	StateOpen:         {StateClosed, StateClosing},
	StateClosing:      {StateClosed},
	StateClosed:       {StateConnecting, StateReconnecting, StateClosing},
	StateReconnecting: {StateConnecting, StateClosing},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
