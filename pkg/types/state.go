package types

// ConnectionState describes where a client is in its connection lifecycle.
type ConnectionState int

const (
	// ConnectionStateDisconnected means no transport is open and no attempt is in flight.
	ConnectionStateDisconnected ConnectionState = iota
	// ConnectionStateConnecting means the transport is being dialed.
	ConnectionStateConnecting
	// ConnectionStateNegotiating means the transport is open and the version
	// handshake or the on-connect hook is still running.
	ConnectionStateNegotiating
	// ConnectionStateConnected means requests are sent as soon as they are issued.
	ConnectionStateConnected
)

// String implements the Stringer interface.
func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateNegotiating:
		return "negotiating"
	case ConnectionStateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// ParseConnectionState converts a string to a ConnectionState.
// Returns the state and true if valid, or ConnectionStateDisconnected and false if unknown.
func ParseConnectionState(s string) (ConnectionState, bool) {
	for _, st := range AllConnectionStates() {
		if st.String() == s {
			return st, true
		}
	}
	return ConnectionStateDisconnected, false
}

// AllConnectionStates returns all known connection states in lifecycle order.
func AllConnectionStates() []ConnectionState {
	return []ConnectionState{
		ConnectionStateDisconnected,
		ConnectionStateConnecting,
		ConnectionStateNegotiating,
		ConnectionStateConnected,
	}
}
