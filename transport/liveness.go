package transport

import "sync"

// PingLivenessTracker decides primary path health from ping timestamps.
//
// Each ping carries lastAcked+1. A ping is healthy if the echo of the
// previous one arrived before it was sent; the first unhealthy send is the
// path switch trigger.
type PingLivenessTracker struct {
	mu        sync.Mutex
	lastSent  uint64
	lastAcked uint64
	sent      uint64
	acked     uint64
}

// NewPingLivenessTracker returns a tracker with nothing in flight.
func NewPingLivenessTracker() *PingLivenessTracker {
	return &PingLivenessTracker{}
}

// NextPing records a ping send and returns its timestamp. missed reports
// that the previous ping was never acknowledged.
func (t *PingLivenessTracker) NextPing() (timestamp uint64, missed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	missed = t.lastSent != t.lastAcked
	timestamp = t.lastAcked + 1
	t.lastSent = timestamp
	t.sent++
	return timestamp, missed
}

// Ack records a ping echo. It returns false for a timestamp that was never
// sent.
func (t *PingLivenessTracker) Ack(timestamp uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if timestamp == 0 || timestamp > t.lastSent {
		return false
	}
	t.lastAcked = timestamp
	t.acked++
	return true
}

// Healthy reports whether the last ping sent has been acknowledged.
func (t *PingLivenessTracker) Healthy() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSent == t.lastAcked
}

// Snapshot returns the last sent and acknowledged timestamps.
func (t *PingLivenessTracker) Snapshot() (lastSent, lastAcked uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSent, t.lastAcked
}

// Counts returns how many pings were sent and acknowledged.
func (t *PingLivenessTracker) Counts() (sent, acked uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sent, t.acked
}

// Reset forgets all history.
func (t *PingLivenessTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastSent, t.lastAcked = 0, 0
	t.sent, t.acked = 0, 0
}
