package ratelimit

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// entry is the registry's non-owning view of a Limiter plus the refcount
// that decides when it dies. The registry map holds *entry, never a
// strong reference to the Limiter's only other owner: the sessions that
// hold a *Handle.
type entry struct {
	limiter *Limiter
	refs    int64 // atomic
}

// Handle is the strong, owning reference a session holds to a shared
// Limiter. Exactly one Handle per Acquire-ing session; Release drops the
// session's share and, if it was the last one, removes the Limiter from
// the registry. The registry itself never extends a Limiter's life.
type Handle struct {
	registry *Registry
	ip       string
	entry    *entry
	released int32 // atomic, guards double-Release
}

// Limiter returns the shared token bucket this handle references.
func (h *Handle) Limiter() *Limiter {
	return h.entry.limiter
}

// Release drops this handle's share of the limiter. Idempotent: calling
// Release more than once is a no-op after the first call.
func (h *Handle) Release() {
	if !atomic.CompareAndSwapInt32(&h.released, 0, 1) {
		return
	}
	if atomic.AddInt64(&h.entry.refs, -1) == 0 {
		h.registry.drop(h.ip, h.entry)
	}
}

// Registry maps client IP to a shared Limiter, lazily created on first
// use and discarded once no session references it anymore. It carries no
// strong reference of its own; liveness is entirely decided by
// outstanding Handles.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	rate    int64

	// activeConnections, if set, is a process-wide counter bumped on
	// limiter construction and destruction, purely for observability.
	activeConnections *int64
}

// NewRegistry creates a Registry whose limiters are all constructed with
// the given sustained rate (bytes/sec). activeConnections, if non-nil, is
// the shared counter bumped on limiter birth/death.
func NewRegistry(rate int64, activeConnections *int64) *Registry {
	return &Registry{
		entries:           make(map[string]*entry),
		rate:              rate,
		activeConnections: activeConnections,
	}
}

// GetOrCreate returns a Handle on the live Limiter for ip, creating one
// with full capacity if none is currently live. Concurrent callers for
// the same ip during any interval where at least one handle stays live
// observe the same Limiter.
func (r *Registry) GetOrCreate(ip string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[ip]; ok {
		if atomic.AddInt64(&e.refs, 1) > 1 {
			return &Handle{registry: r, ip: ip, entry: e}, nil
		}
		// Raced with the last Release: the entry was already logically
		// dead (refs had reached 0) before we incremented it back up.
		// Fall through and replace it with a fresh one.
		atomic.AddInt64(&e.refs, -1)
		delete(r.entries, ip)
	}

	lim, err := New(r.rate)
	if err != nil {
		return nil, err
	}
	if r.activeConnections != nil {
		atomic.AddInt64(r.activeConnections, 1)
	}
	e := &entry{limiter: lim, refs: 1}
	r.entries[ip] = e
	return &Handle{registry: r, ip: ip, entry: e}, nil
}

// drop removes e from the registry if it is still the entry on file for
// ip (it may already have been replaced by a fresh GetOrCreate).
func (r *Registry) drop(ip string, e *entry) {
	r.mu.Lock()
	if cur, ok := r.entries[ip]; ok && cur == e {
		delete(r.entries, ip)
	}
	r.mu.Unlock()
	if r.activeConnections != nil {
		atomic.AddInt64(r.activeConnections, -1)
	}
}

// Len reports the number of currently live entries; exposed for tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// SetRate changes the rate new limiters are created with and pushes the
// same rate onto every limiter currently live, so a configuration reload
// takes effect immediately for sessions already in flight rather than
// only for IPs seen after the reload.
func (r *Registry) SetRate(rate int64) error {
	if rate <= 0 {
		return fmt.Errorf("ratelimit: rate must be positive, got %d", rate)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for ip, e := range r.entries {
		if err := e.limiter.SetRate(rate); err != nil {
			return fmt.Errorf("ratelimit: updating rate for %s: %w", ip, err)
		}
	}
	r.rate = rate
	return nil
}
