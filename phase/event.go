package phase

import "fmt"

// Event is something that happened to the connection.
type Event uint8

const (
	// ConnectRequested starts a connection attempt.
	ConnectRequested Event = iota
	// Synced reports that the server accepted the session.
	Synced
	// PingAcked reports a ping echo on the primary path.
	PingAcked
	// PingLost reports that a ping went unanswered until the next send.
	PingLost
	// DisconnectRequested is an explicit local disconnect.
	DisconnectRequested
	// Failed reports a session fault: handshake error, link loss or rejection.
	Failed
)

var eventNames = [...]string{
	ConnectRequested:    "connect_requested",
	Synced:              "synced",
	PingAcked:           "ping_acked",
	PingLost:            "ping_lost",
	DisconnectRequested: "disconnect_requested",
	Failed:              "failed",
}

// String returns the event name.
func (e Event) String() string {
	if int(e) >= len(eventNames) {
		return fmt.Sprintf("Event(%d)", uint8(e))
	}
	return eventNames[e]
}

type transitionKey struct {
	from  Phase
	event Event
}

// transitions is the complete table of legal moves. Entries whose target
// equals the source are accepted without notifying subscribers.
var transitions = map[transitionKey]Phase{
	{Disconnected, ConnectRequested}:    Connecting,
	{Disconnected, DisconnectRequested}: Disconnected,
	{Disconnected, Failed}:              Disconnected,

	{Connecting, Synced}:              Primary,
	{Connecting, DisconnectRequested}: Disconnected,
	{Connecting, Failed}:              Disconnected,

	{Primary, PingAcked}:           Primary,
	{Primary, PingLost}:            Fallback,
	{Primary, DisconnectRequested}: Disconnected,
	{Primary, Failed}:              Disconnected,

	{Fallback, PingAcked}:           Primary,
	{Fallback, PingLost}:            Fallback,
	{Fallback, DisconnectRequested}: Disconnected,
	{Fallback, Failed}:              Disconnected,
}

// Next returns the phase event leads to from p, or false if the table has
// no such move.
func Next(p Phase, event Event) (Phase, bool) {
	next, ok := transitions[transitionKey{p, event}]
	return next, ok
}
