package core

type ConnectionState string

const (
	StateIdle       ConnectionState = "idle"
	StateStarting   ConnectionState = "starting"
	StateConnecting ConnectionState = "connecting"
	StateConnected  ConnectionState = "connected"
	StateFailed     ConnectionState = "failed"
)

func (s ConnectionState) String() string { return string(s) }

// Active reports whether the state belongs to a live negotiation.
func (s ConnectionState) Active() bool {
	return s == StateConnecting || s == StateConnected
}
