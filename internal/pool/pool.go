package pool

import (
	"sync"
	"sync/atomic"
	"time"
)

// Pool is the ordered collection of Key States plus a round-robin cursor
// and a mutex. The mutex covers predicate evaluation, mark_picked, and
// cursor advancement only — it is never held across network I/O.
type Pool struct {
	mu     sync.Mutex
	states []*KeyState
	cursor int

	limits atomic.Pointer[Limits]
}

// New builds a Pool from an initial key set and Global Configuration.
func New(states []*KeyState, limits Limits) *Pool {
	p := &Pool{states: states}
	p.limits.Store(&limits)
	return p
}

// Limits returns the currently active Global Configuration.
func (p *Pool) Limits() Limits {
	l := p.limits.Load()
	if l == nil {
		return Limits{}
	}
	return *l
}

// SetLimits updates the Global Configuration read by every subsequent
// availability check. Takes effect on the next acquisition; in-flight
// acquisitions are unaffected.
func (p *Pool) SetLimits(l Limits) {
	p.limits.Store(&l)
}

// Len reports the number of Key States currently in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.states)
}

// NextAvailable scans at most N slots starting from the cursor. On the
// first available slot it advances the cursor past that slot, marks the
// key picked, and returns it. If no slot is available it returns
// (nil, false) without mutating anything.
func (p *Pool) NextAvailable(now time.Time) (*KeyState, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.states)
	if n == 0 {
		return nil, false
	}

	limits := p.Limits()
	for i := 0; i < n; i++ {
		idx := (p.cursor + i) % n
		ks := p.states[idx]
		if ks.TryAcquire(now, limits) {
			p.cursor = (idx + 1) % n
			return ks, true
		}
	}
	return nil, false
}

// Snapshot returns the read-only {key_preview, available_in, success, fail}
// projection for every Key State, in pool order.
func (p *Pool) Snapshot(now time.Time) []Snapshot {
	p.mu.Lock()
	states := append([]*KeyState(nil), p.states...)
	p.mu.Unlock()

	out := make([]Snapshot, len(states))
	for i, ks := range states {
		out[i] = ks.Snapshot(now)
	}
	return out
}

// States returns a point-in-time copy of the pool's Key State references,
// used by the model-listing fallback (uniform-random pick, or earliest
// banned_until) which bypasses round-robin.
func (p *Pool) States() []*KeyState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*KeyState(nil), p.states...)
}

// Reload atomically replaces the state list. In-flight requests that
// acquired a key from the prior pool continue against their captured
// *KeyState reference; subsequent acquisitions see the new list.
func (p *Pool) Reload(states []*KeyState) {
	p.mu.Lock()
	p.states = states
	p.cursor = 0
	p.mu.Unlock()
}
