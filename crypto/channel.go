package crypto

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrStaleGeneration is returned when installing a session whose generation
// does not advance past the live one.
var ErrStaleGeneration = errors.New("crypto session generation does not advance")

// Channel owns the single live Session of a connection.
type Channel struct {
	mu        sync.RWMutex
	current   *Session
	ready     chan struct{}
	rotations chan *Session
	rotated   uint64
}

// NewChannel creates an empty channel. Wait blocks until the first Install.
func NewChannel() *Channel {
	return &Channel{
		ready:     make(chan struct{}),
		rotations: make(chan *Session, 1),
	}
}

// Install makes next the live session. The first install releases Wait;
// later installs retire the previous session and publish next on
// Rotations.
func (c *Channel) Install(next *Session) error {
	if next == nil {
		return errors.New("cannot install nil session")
	}

	c.mu.Lock()
	prev := c.current
	if prev != nil && next.Generation() <= prev.Generation() {
		c.mu.Unlock()
		NewLogger("Channel.Install").WithFields(logrus.Fields{
			"live_generation":  prev.Generation(),
			"offer_generation": next.Generation(),
		}).Warn("Ignoring crypto session that does not advance generation")
		return fmt.Errorf("%w: live %d, offered %d", ErrStaleGeneration, prev.Generation(), next.Generation())
	}
	c.current = next
	if prev == nil {
		close(c.ready)
	} else {
		c.rotated++
		c.publish(next)
	}
	c.mu.Unlock()

	if prev != nil {
		prev.Retire()
		NewLogger("Channel.Install").WithFields(logrus.Fields{
			"old_generation": prev.Generation(),
			"new_generation": next.Generation(),
		}).Info("Crypto session rotated")
	} else {
		NewLogger("Channel.Install").
			WithGeneration(next.Generation()).
			Info("Crypto session established")
	}
	return nil
}

// publish replaces any unconsumed rotation with next. Caller holds mu.
func (c *Channel) publish(next *Session) {
	select {
	case <-c.rotations:
	default:
	}
	c.rotations <- next
}

// Current returns the live session, or nil before the first Install.
func (c *Channel) Current() *Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Generation returns the live generation, or 0 when no session is installed.
func (c *Channel) Generation() uint64 {
	if s := c.Current(); s != nil {
		return s.Generation()
	}
	return 0
}

// Rotations delivers the newest session after each rotation. Only the
// latest unconsumed rotation is kept.
func (c *Channel) Rotations() <-chan *Session {
	return c.rotations
}

// RotationCount returns how many rotations have been applied.
func (c *Channel) RotationCount() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rotated
}

// Wait blocks until a session is live or ctx is done.
func (c *Channel) Wait(ctx context.Context) (*Session, error) {
	for {
		c.mu.RLock()
		ready := c.ready
		c.mu.RUnlock()

		select {
		case <-ready:
			if s := c.Current(); s != nil {
				return s, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Reset retires the live session and returns the channel to its initial
// state.
func (c *Channel) Reset() {
	c.mu.Lock()
	prev := c.current
	c.current = nil
	if prev != nil {
		c.ready = make(chan struct{})
	}
	select {
	case <-c.rotations:
	default:
	}
	c.rotated = 0
	c.mu.Unlock()

	if prev != nil {
		prev.Retire()
		NewLogger("Channel.Reset").
			WithGeneration(prev.Generation()).
			Debug("Crypto session discarded")
	}
}
