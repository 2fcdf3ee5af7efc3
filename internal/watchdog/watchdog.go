// Package watchdog implements a single cancellable idle timer that fires
// a callback at most once per arm period, used to bound how long a
// session may go without I/O progress.
package watchdog

import (
	"sync"
	"time"
)

// Watchdog is a rearmable timer. Start/Refresh schedule expiry at
// now+interval; Stop cancels any pending expiry. On expiry the installed
// callback runs exactly once, and never after Stop has returned.
//
// Safe for concurrent use: all operations are serialized by an internal
// mutex, so a session's relay goroutines may call Refresh from either
// direction without external coordination.
type Watchdog struct {
	mu       sync.Mutex
	interval time.Duration
	callback func()
	timer    *time.Timer
	armed    bool

	// generation increments on every arm. A fire captures the generation
	// it was scheduled under and only invokes the callback if that
	// generation is still current, so a timer that was already in flight
	// when Refresh rearmed it cannot fire the callback installed for the
	// new arm.
	generation uint64
}

// New creates a Watchdog with the given expiry interval. The callback
// may be nil initially and set later with SetCallback, but must be set
// before the first Start/Refresh for expiry to have any effect.
func New(interval time.Duration, callback func()) *Watchdog {
	return &Watchdog{
		interval: interval,
		callback: callback,
	}
}

// SetCallback replaces the callback that fires on the next expiry. Only
// the callback installed at the moment expiry actually fires is
// invoked; a callback swapped in after expiry has already fired never
// runs for that arm.
func (w *Watchdog) SetCallback(f func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callback = f
}

// Start arms the watchdog if it is not already armed. Calling Start on
// an already-armed watchdog is a no-op; use Refresh to reschedule.
func (w *Watchdog) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.armed {
		return
	}
	w.armLocked()
}

// Refresh cancels any pending expiry and reschedules a fresh interval.
// If the watchdog was not armed, this behaves like Start.
func (w *Watchdog) Refresh() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.armed && w.timer != nil {
		w.timer.Stop()
	}
	w.armLocked()
}

// armLocked must be called with w.mu held.
func (w *Watchdog) armLocked() {
	w.armed = true
	w.generation++
	gen := w.generation
	w.timer = time.AfterFunc(w.interval, func() { w.fire(gen) })
}

// fire runs as the timer's own goroutine. It only invokes the callback if
// the watchdog is still armed under the lock and gen still matches the
// current generation; a Refresh that rearmed ahead of a timer already in
// flight bumps the generation, so that stale timer's fire is a no-op
// instead of invoking the new arm's callback.
func (w *Watchdog) fire(gen uint64) {
	w.mu.Lock()
	if !w.armed || gen != w.generation {
		w.mu.Unlock()
		return
	}
	w.armed = false
	cb := w.callback
	w.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Stop disarms the watchdog and cancels any pending expiry. The callback
// is guaranteed not to run after Stop returns for any arm that was
// cancelled in time; an expiry already in flight when Stop is called may
// still complete its callback invocation concurrently; callers that
// need strict exclusion should rely on the same test-and-set flag the
// callback itself sets, not on Stop's return alone.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.armed = false
}

// Armed reports whether the watchdog currently has a pending expiry.
// Exposed for tests; callers should not branch production logic on it.
func (w *Watchdog) Armed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.armed
}
