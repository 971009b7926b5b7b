package supervisor

// State is one terminal's position in the connection lifecycle.
type State string

// Terminal lifecycle states.
const (
	StateConfigured   State = "configured"    // registered, no worker running
	StateConnecting   State = "connecting"    // session being established
	StateConnected    State = "connected"     // polling on schedule
	StateDisconnected State = "disconnected"  // last attempt or poll failed
	StateCoolingDown  State = "cooling_down"  // retries exhausted, long sleep
	StateStopped      State = "stopped"       // operator disconnect, no retries
	StateRemoved      State = "removed"       // registry entry deleted
)

// transitions lists the legal next states for each state. Stopped and
// Removed are reachable from anywhere via operator action, so every live
// state includes them.
var transitions = map[State][]State{
	StateConfigured:   {StateConnecting, StateStopped, StateRemoved},
	StateConnecting:   {StateConnected, StateDisconnected, StateStopped, StateRemoved},
	StateConnected:    {StateDisconnected, StateStopped, StateRemoved},
	StateDisconnected: {StateConnecting, StateCoolingDown, StateStopped, StateRemoved},
	StateCoolingDown:  {StateConnecting, StateStopped, StateRemoved},
	StateStopped:      {StateConnecting, StateRemoved},
	StateRemoved:      {},
}

// CanTransition reports whether moving from one state to another is legal.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}
