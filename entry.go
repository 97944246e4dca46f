package fluidcache

import (
	"sync"
	"sync/atomic"
)

// entry wraps one cached value together with its current bag
// attribution and the forward link used while inside a bag's chain.
//
// Field discipline:
//
//   - value and ok change only under the entry mutex.
//   - bag is an atomic word: read lock-free by the touch fast path,
//     written under the entry mutex.
//   - next changes only under the manager lock.
//
// ok == false means the value has been dropped; the entry may still be
// referenced by indexes, and those references resolve to a miss. An
// evicted entry is never resurrected in place; re-adding the value goes
// through the normal insertion path with a fresh entry.
type entry[V any] struct {
	mu    sync.Mutex
	value V
	ok    bool
	bag   atomic.Pointer[ageBag[V]]
	next  *entry[V]
	m     *lifespanManager[V]
}

// snapshot returns the value if the entry is still live.
func (e *entry[V]) snapshot() (V, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.ok
}

func (e *entry[V]) alive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ok
}

// touch reattributes the entry to the current bag, registering it with
// the lifespan manager first if it is not in any bag's chain.
//
// The reattribution path takes no list action and no manager lock: it
// flips the bag word and lets the next cleanup pass splice the entry
// into the right chain. Racing touches resolve to a single winner via
// the double check under the entry mutex.
func (e *entry[V]) touch() error {
	m := e.m
	if e.bag.Load() == nil {
		m.addToHead(e)
	} else if cur := m.currentBag.Load(); cur != nil && e.bag.Load() != cur {
		e.mu.Lock()
		if b := e.bag.Load(); e.ok && b != nil && b != cur {
			e.bag.Store(cur)
			m.itemsInCurrentBag.Inc()
		}
		e.mu.Unlock()
	}
	return m.checkValidity()
}

// kill drops the value and detaches the entry from the cache.
// Idempotent. The chain link is left alone; the node falls out of its
// chain at the next cleanup pass.
func (e *entry[V]) kill() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ok || e.bag.Load() == nil {
		return
	}
	var zero V
	e.value = zero
	e.ok = false
	e.bag.Store(nil)
	e.m.stats.current.Dec()
}

// discard abandons a candidate that lost insertion arbitration. The
// entry was never linked into a bag, so no counters move. If a racing
// reader already registered it, the entry is live and is left alone.
func (e *entry[V]) discard() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bag.Load() != nil {
		return
	}
	var zero V
	e.value = zero
	e.ok = false
}
