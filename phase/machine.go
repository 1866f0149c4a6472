package phase

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrIllegalTransition is returned by Fire for an event the current phase
// does not accept.
var ErrIllegalTransition = errors.New("illegal phase transition")

// subscriberBuffer is the number of transitions buffered per subscriber.
const subscriberBuffer = 16

// Transition records one accepted event.
type Transition struct {
	From  Phase
	To    Phase
	Event Event
}

// Changed reports whether the transition moved to a different phase.
func (t Transition) Changed() bool { return t.From != t.To }

// Machine holds the current phase and broadcasts every change.
//
// Fire is the only way to change the phase and is serialized internally,
// so the Machine is the single writer regardless of which goroutine
// reports an event. Readers either poll Current, wait on the channel
// returned by Watch, or consume Subscribe.
type Machine struct {
	mu      sync.Mutex
	current Phase
	changed chan struct{}
	subs    map[chan Transition]struct{}
}

// NewMachine returns a machine in Disconnected.
func NewMachine() *Machine {
	return &Machine{
		current: Disconnected,
		changed: make(chan struct{}),
		subs:    make(map[chan Transition]struct{}),
	}
}

// Current returns the current phase.
func (m *Machine) Current() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Watch returns the current phase and a channel closed on the next change.
func (m *Machine) Watch() (Phase, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current, m.changed
}

// Fire applies event to the current phase. Self-transitions are accepted
// silently; unknown moves leave the phase unchanged and return
// ErrIllegalTransition.
func (m *Machine) Fire(event Event) (Transition, error) {
	m.mu.Lock()
	from := m.current
	to, ok := Next(from, event)
	if !ok {
		m.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Machine.Fire",
			"phase":    from.String(),
			"event":    event.String(),
		}).Debug("Rejected phase event")
		return Transition{From: from, To: from, Event: event}, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, event, from)
	}

	t := Transition{From: from, To: to, Event: event}
	if !t.Changed() {
		m.mu.Unlock()
		return t, nil
	}

	m.current = to
	close(m.changed)
	m.changed = make(chan struct{})
	for ch := range m.subs {
		publish(ch, t)
	}
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Machine.Fire",
		"from":     from.String(),
		"to":       to.String(),
		"event":    event.String(),
	}).Info("Connection phase changed")
	return t, nil
}

// publish delivers t without blocking, discarding the oldest buffered
// transition when the subscriber is behind.
func publish(ch chan Transition, t Transition) {
	for {
		select {
		case ch <- t:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Subscribe returns a channel receiving every phase change until ctx is
// done, after which the channel is closed. A subscriber that falls more
// than a few transitions behind loses the oldest ones; Current is always
// authoritative.
func (m *Machine) Subscribe(ctx context.Context) <-chan Transition {
	ch := make(chan Transition, subscriberBuffer)

	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs, ch)
		close(ch)
		m.mu.Unlock()
	}()
	return ch
}
