package phase

import "fmt"

// State is the coarse connection state.
type State uint8

const (
	// StateDisconnected is both the initial and terminal state of a connection attempt.
	StateDisconnected State = iota
	// StateConnecting covers the control handshake up to the first server sync.
	StateConnecting
	// StateConnected means voice may flow on Path.
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Path selects the transport voice frames travel on while connected.
type Path uint8

const (
	// PathPrimary is the encrypted UDP datagram path.
	PathPrimary Path = iota
	// PathFallback tunnels voice through the reliable control link.
	PathFallback
)

// String returns the path name.
func (p Path) String() string {
	switch p {
	case PathPrimary:
		return "primary"
	case PathFallback:
		return "fallback"
	default:
		return fmt.Sprintf("Path(%d)", uint8(p))
	}
}

// Phase is the connection phase. Path is meaningful only when State is
// StateConnected and is PathPrimary otherwise.
type Phase struct {
	State State
	Path  Path
}

// The phases a connection can be in.
var (
	Disconnected = Phase{State: StateDisconnected}
	Connecting   = Phase{State: StateConnecting}
	Primary      = Phase{State: StateConnected, Path: PathPrimary}
	Fallback     = Phase{State: StateConnected, Path: PathFallback}
)

// String formats the phase as "connected(primary)" or the bare state name.
func (p Phase) String() string {
	if p.State == StateConnected {
		return fmt.Sprintf("%s(%s)", p.State, p.Path)
	}
	return p.State.String()
}

// Condition reports whether a phase allows a task to keep running.
type Condition func(Phase) bool

// IsConnected holds on either connected path.
func IsConnected(p Phase) bool { return p.State == StateConnected }

// IsPrimary holds while connected on the primary path.
func IsPrimary(p Phase) bool { return p == Primary }

// IsFallback holds while connected on the fallback path.
func IsFallback(p Phase) bool { return p == Fallback }

// IsActive holds for every phase except Disconnected.
func IsActive(p Phase) bool { return p.State != StateDisconnected }

// IsDisconnected holds only for Disconnected.
func IsDisconnected(p Phase) bool { return p.State == StateDisconnected }
