// Package phase implements the observable connection phase shared by every
// transport and pipeline task.
//
// A connection moves Disconnected → Connecting → Connected(Primary), may
// switch between Connected(Primary) and Connected(Fallback) any number of
// times, and returns to Disconnected on failure or explicit disconnect.
// Transitions are driven by Events through a fixed transition table; an
// event with no entry for the current phase is rejected with
// ErrIllegalTransition.
//
// Tasks observe the phase through a Machine. Scope derives a context that
// is cancelled the moment the phase stops satisfying a condition, so a task
// started for "Connected on the primary path" races its blocking work
// against ctx.Done() instead of polling:
//
//	ctx, cancel := phase.Scope(parent, m, phase.IsPrimary)
//	defer cancel()
//	for {
//	    select {
//	    case <-ctx.Done():
//	        return
//	    case pkt := <-frames:
//	        send(pkt)
//	    }
//	}
package phase
