// Package timer implements the single cancellable delayed-event source the
// consensus service uses to drive proposal and view-change timeouts.
package timer

import (
	"sync"
	"time"
)

// HV identifies the round a timer tick belongs to. A fired tick whose HV no
// longer matches the context's current (height, view) must be dropped by the
// caller (spec.md §4.3/§4.6 invariant 6).
type HV struct {
	Height uint32
	View   uint8
}

// Timer is a single cancellable delayed event. Reset cancels any previously
// scheduled tick and schedules a new one; Extend pushes a scheduled tick
// further into the future without otherwise disturbing it. Only one tick is
// ever pending at a time.
type Timer interface {
	// Reset cancels any pending tick and schedules a new one for hv after d.
	Reset(hv HV, d time.Duration)
	// Extend adds d to the deadline of the most recently scheduled tick and
	// re-arms it, even if that tick has already fired. It does nothing if no
	// tick was scheduled since the last Stop.
	Extend(d time.Duration)
	// Stop cancels any pending tick.
	Stop()
	// Now returns the timer's notion of the current time (overridable for
	// deterministic tests).
	Now() time.Time
	// C returns the channel ticks are delivered on.
	C() <-chan HV
}

// wallTimer is the production Timer, backed by a real OS timer.
type wallTimer struct {
	mu       sync.Mutex
	t        *time.Timer
	deadline time.Time
	hv       HV
	ch       chan HV
	now      func() time.Time
}

// New returns a Timer driven by the real wall clock.
func New() Timer {
	return &wallTimer{
		ch:  make(chan HV, 1),
		now: time.Now,
	}
}

// NewWithClock returns a Timer whose Now() is overridden, for deterministic
// tests.
func NewWithClock(now func() time.Time) Timer {
	return &wallTimer{
		ch:  make(chan HV, 1),
		now: now,
	}
}

func (w *wallTimer) Now() time.Time { return w.now() }

func (w *wallTimer) C() <-chan HV { return w.ch }

func (w *wallTimer) Reset(hv HV, d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.resetLocked(hv, d)
}

func (w *wallTimer) resetLocked(hv HV, d time.Duration) {
	w.stopLocked()

	w.hv = hv
	w.deadline = w.now().Add(d)

	fire := hv
	w.t = time.AfterFunc(d, func() {
		select {
		case w.ch <- fire:
		default:
			// Drain a stale undelivered tick and replace it; only the most
			// recent scheduled tick is meaningful.
			select {
			case <-w.ch:
			default:
			}
			w.ch <- fire
		}
	})
}

func (w *wallTimer) Extend(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.t == nil {
		return
	}

	remaining := time.Until(w.deadline) + d
	if remaining < 0 {
		remaining = 0
	}
	w.resetLocked(w.hv, remaining)
}

func (w *wallTimer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

func (w *wallTimer) stopLocked() {
	if w.t != nil {
		w.t.Stop()
		w.t = nil
	}
	select {
	case <-w.ch:
	default:
	}
}
