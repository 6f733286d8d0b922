package stream

// State of a Session.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosedPendingRetry
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosedPendingRetry:
		return "CLOSED_PENDING_RETRY"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is a point-in-time view of a Session for diagnostics.
type Status struct {
	State       State    `json:"state"`
	Generation  uint64   `json:"generation"`
	Failures    int      `json:"failures"`
	Symbols     []string `json:"symbols"`
	Connections int      `json:"connections"` // physical connections opened so far
	Reconnects  int      `json:"reconnects"`
	LastError   string   `json:"last_error,omitempty"`
}
