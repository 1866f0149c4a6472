package crypto

import "errors"

// ReplayWindowSize is the number of counters behind the highest accepted
// counter that may still arrive late.
const ReplayWindowSize = 64

var (
	// ErrReplayed is returned for a counter that was already accepted.
	ErrReplayed = errors.New("replayed packet counter")
	// ErrTooOld is returned for a counter that fell out of the window.
	ErrTooOld = errors.New("packet counter outside replay window")
)

// ReplayWindow is a sliding bitmap of recently accepted packet counters.
// It is not safe for concurrent use; Session serializes access.
type ReplayWindow struct {
	highest uint64
	bitmap  uint64
	started bool
}

// Check reports whether counter may be accepted without recording it.
func (w *ReplayWindow) Check(counter uint64) error {
	if !w.started || counter > w.highest {
		return nil
	}
	diff := w.highest - counter
	if diff >= ReplayWindowSize {
		return ErrTooOld
	}
	if w.bitmap&(1<<diff) != 0 {
		return ErrReplayed
	}
	return nil
}

// Accept records counter. It returns how many counters were skipped when
// the window advanced and whether counter arrived behind the highest one.
// Callers must Check first.
func (w *ReplayWindow) Accept(counter uint64) (skipped uint64, late bool) {
	if !w.started {
		w.started = true
		w.highest = counter
		w.bitmap = 1
		return 0, false
	}

	if counter > w.highest {
		shift := counter - w.highest
		if shift >= ReplayWindowSize {
			w.bitmap = 1
		} else {
			w.bitmap = w.bitmap<<shift | 1
		}
		w.highest = counter
		return shift - 1, false
	}

	w.bitmap |= 1 << (w.highest - counter)
	return 0, true
}

// Reset forgets every accepted counter.
func (w *ReplayWindow) Reset() {
	*w = ReplayWindow{}
}
