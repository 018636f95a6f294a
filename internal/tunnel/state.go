// Package tunnel exposes the local signaling endpoint through a public relay
// and supervises that exposure with a guarded state machine and a periodic
// health check.
package tunnel

// State is the tunnel lifecycle state.
type State string

const (
	Disconnected State = "disconnected"
	Initializing State = "initializing"
	Connecting   State = "connecting"
	Connected    State = "connected"
	Error        State = "error"
)

// transitions is the complete table of legal moves. Anything else is a
// programming error.
var transitions = map[State][]State{
	Disconnected: {Initializing},
	Initializing: {Connecting, Error},
	Connecting:   {Connected, Error},
	Connected:    {Disconnected, Error},
	Error:        {Disconnected},
}

// CanTransition reports whether from → to is in the transition table.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
