package phase

import (
	"context"
	"errors"
)

// ErrPhaseLeft is the cancellation cause of a Scope whose condition no
// longer holds.
var ErrPhaseLeft = errors.New("connection phase left scope")

// Scope returns a context that is cancelled as soon as m's phase stops
// satisfying cond, or when parent is done. If cond does not hold on entry
// the context is already cancelled. context.Cause reports ErrPhaseLeft for
// a phase-driven cancellation.
func Scope(parent context.Context, m *Machine, cond Condition) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)

	p, changed := m.Watch()
	if !cond(p) {
		cancel(ErrPhaseLeft)
		return ctx, func() { cancel(context.Canceled) }
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
			p, changed = m.Watch()
			if !cond(p) {
				cancel(ErrPhaseLeft)
				return
			}
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}

// WaitFor blocks until m's phase satisfies cond and returns that phase.
func WaitFor(ctx context.Context, m *Machine, cond Condition) (Phase, error) {
	for {
		p, changed := m.Watch()
		if cond(p) {
			return p, nil
		}
		select {
		case <-ctx.Done():
			return p, ctx.Err()
		case <-changed:
		}
	}
}

// Run calls task each time m enters a phase satisfying cond, with a context
// scoped to that phase, until parent is done. It is used for work tied to a
// sub-phase, such as sending on the primary path, that must stop when the
// sub-phase ends and resume when it returns. A task that returns while its
// phase still holds ends Run with the task's result.
func Run(parent context.Context, m *Machine, cond Condition, task func(ctx context.Context) error) error {
	for {
		if _, err := WaitFor(parent, m, cond); err != nil {
			return err
		}
		ctx, cancel := Scope(parent, m, cond)
		err := task(ctx)
		left := ctx.Err() != nil
		cancel()
		if !left {
			return err
		}
		if parent.Err() != nil {
			return parent.Err()
		}
	}
}
