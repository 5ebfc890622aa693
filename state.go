package calibresync

// State is the session's position in the protocol lifecycle. Only the
// network worker mutates it; both workers read it.
type State int

const (
	// StateDiscovering broadcasts and listens for calibre.
	StateDiscovering State = iota
	// StateConnecting attempts the TCP session.
	StateConnecting
	// StateWaiting holds an open session awaiting commands.
	StateWaiting
	// StateReceiving consumes raw book bytes in binary mode.
	StateReceiving
	// StateComplete is terminal until the activity is re-entered.
	StateComplete
	// StateDisconnected means the peer ended the session.
	StateDisconnected
	// StateError means a transfer or session error was surfaced.
	StateError
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateDiscovering:
		return "Discovering"
	case StateConnecting:
		return "Connecting"
	case StateWaiting:
		return "Waiting"
	case StateReceiving:
		return "Receiving"
	case StateComplete:
		return "Complete"
	case StateDisconnected:
		return "Disconnected"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

// terminal reports whether the state only exits via activity re-entry.
func (s State) terminal() bool {
	return s == StateComplete || s == StateDisconnected || s == StateError
}
