package fluidcache

import (
	"sync"
	stdatomic "sync/atomic"
	"time"

	"go.uber.org/atomic"
)

// lifespanManager owns the bag ring. It admits new entries into the
// current bag, advances the ring, retires over-age and over-capacity
// bags, relocates touched entries, and drives index rebuilds.
type lifespanManager[V any] struct {
	mu sync.Mutex

	capacity int64
	minAge   int64 // nanoseconds
	maxAge   int64
	interval int64

	bagItemLimit int64

	now      func() time.Time
	validate func() bool

	ring *bagRing[V]

	currentBag        stdatomic.Pointer[ageBag[V]]
	currentBagNum     atomic.Int64
	oldestBagNum      atomic.Int64
	itemsInCurrentBag atomic.Int64
	nextValidityCheck atomic.Int64

	stats *counters

	// Facade hooks, invoked with the manager lock held.
	rebuildIndexes func()
	clearIndexes   func()
}

func newLifespanManager[V any](cfg Config, stats *counters) *lifespanManager[V] {
	m := &lifespanManager[V]{
		capacity:     int64(cfg.Capacity),
		minAge:       cfg.MinAge.Nanoseconds(),
		maxAge:       cfg.MaxAge.Nanoseconds(),
		interval:     cfg.checkInterval.Nanoseconds(),
		bagItemLimit: cfg.bagItemLimit,
		now:          cfg.Now,
		validate:     cfg.Validate,
		ring:         newBagRing[V](cfg.bagCount),
		stats:        stats,
	}
	m.openBagLocked(0)
	return m
}

// add creates a fresh entry for v. The entry is not linked into any bag;
// linking happens on its first touch.
func (m *lifespanManager[V]) add(v V) *entry[V] {
	return &entry[V]{value: v, ok: true, m: m}
}

// addToHead links an unattributed entry into the current bag's chain and
// bumps the admission counters. Called from touch when the entry has no
// bag; racing callers resolve to one linker via the double check.
func (m *lifespanManager[V]) addToHead(e *entry[V]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.ok || e.bag.Load() != nil {
		return
	}
	bag := m.currentBag.Load()
	e.bag.Store(bag)
	e.next = bag.head
	bag.head = e

	m.itemsInCurrentBag.Inc()
	m.stats.current.Inc()
	m.stats.total.Inc()
}

// checkValidity runs cleanup when the current bag is full or the check
// interval has elapsed. The lock attempt is non-blocking: if another
// thread is already cleaning, this call returns immediately and the
// next touch retries.
func (m *lifespanManager[V]) checkValidity() error {
	now := m.now().UnixNano()
	if m.itemsInCurrentBag.Load() <= m.bagItemLimit && now < m.nextValidityCheck.Load() {
		return nil
	}
	if !m.mu.TryLock() {
		return nil
	}
	defer m.mu.Unlock()

	if m.itemsInCurrentBag.Load() <= m.bagItemLimit && now < m.nextValidityCheck.Load() {
		return nil
	}
	if (m.validate != nil && !m.validate()) || m.currentBagNum.Load() > agedOutBagNumber {
		m.clearLocked()
		return nil
	}
	return m.cleanupLocked(now)
}

// cleanupLocked retires bags from the oldest end of the ring, advances
// the current bag, and triggers an index rebuild once dead references
// outnumber the capacity.
//
// A bag is retired when the ring is about to wrap onto it, when it is
// past maxAge, or when the cache is over capacity and the bag is past
// minAge. Retiring stops at the first bag that qualifies for none of
// these, so items inside their minimum retention are dropped only when
// the ring is about to wrap onto their bag.
func (m *lifespanManager[V]) cleanupLocked(now int64) error {
	above := m.stats.current.Load() - m.capacity
	cur := m.currentBagNum.Load()

	b := m.oldestBagNum.Load()
	for b != cur {
		bag := m.ring.at(b)
		if bag == nil {
			return ErrBagOverflow
		}
		nearEndOfRing := cur-b > int64(m.ring.len()-emptyBagBuffer)
		expired := bag.stop != 0 && bag.stop < now-m.maxAge
		overCapacity := above > 0 && bag.stop != 0 && bag.stop < now-m.minAge
		if !(nearEndOfRing || expired || overCapacity) {
			break
		}
		above = m.cleanBagLocked(bag, above)
		b++
	}
	m.oldestBagNum.Store(b)

	if err := m.openBagLocked(cur + 1); err != nil {
		return err
	}

	if m.stats.total.Load()-m.stats.current.Load() > m.capacity {
		if m.rebuildIndexes != nil {
			m.rebuildIndexes()
		}
		m.stats.total.Store(m.stats.current.Load())
	}
	return nil
}

// cleanBagLocked detaches the bag's chain and resolves each node:
// nodes still attributed here are evicted in place; nodes touched after
// the bag closed are spliced into the chain of the bag they now claim.
// Deferring that splice to this pass is what keeps touches O(1).
func (m *lifespanManager[V]) cleanBagLocked(bag *ageBag[V], remaining int64) int64 {
	node := bag.head
	bag.head = nil
	for node != nil {
		next := node.next
		node.next = nil

		node.mu.Lock()
		b := node.bag.Load()
		switch {
		case node.ok && b == bag:
			var zero V
			node.value = zero
			node.ok = false
			node.bag.Store(nil)
			m.stats.current.Dec()
			remaining--
		case node.ok && b != nil:
			node.next = b.head
			b.head = node
		}
		node.mu.Unlock()

		node = next
	}
	return remaining
}

// openBagLocked closes the current bag and makes slot n current.
func (m *lifespanManager[V]) openBagLocked(n int64) error {
	bag := m.ring.at(n)
	if bag == nil {
		return ErrBagOverflow
	}
	now := m.now().UnixNano()
	if cur := m.currentBag.Load(); cur != nil {
		cur.stop = now
	}
	bag.head = nil
	bag.start = now
	bag.stop = 0

	m.currentBagNum.Store(n)
	m.currentBag.Store(bag)
	m.itemsInCurrentBag.Store(0)
	m.nextValidityCheck.Store(now + m.interval)
	return nil
}

func (m *lifespanManager[V]) clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked()
}

// clearLocked detaches every entry, drops all index references, zeroes
// the counters and reopens bag 0.
func (m *lifespanManager[V]) clearLocked() {
	for _, bag := range m.ring.bags {
		node := bag.head
		bag.head = nil
		bag.start, bag.stop = 0, 0
		for node != nil {
			next := node.next
			node.next = nil
			node.mu.Lock()
			var zero V
			node.value = zero
			node.ok = false
			node.bag.Store(nil)
			node.mu.Unlock()
			node = next
		}
	}
	if m.clearIndexes != nil {
		m.clearIndexes()
	}
	m.stats.reset()
	m.oldestBagNum.Store(0)
	m.openBagLocked(0)
}

// forEachLocked yields live entries newest-to-oldest, walking from the
// current bag down to the oldest. Dead entries are skipped. The caller
// must hold the manager lock.
func (m *lifespanManager[V]) forEachLocked(fn func(*entry[V]) bool) {
	oldest := m.oldestBagNum.Load()
	for n := m.currentBagNum.Load(); n >= oldest; n-- {
		bag := m.ring.at(n)
		if bag == nil {
			return
		}
		for node := bag.head; node != nil; node = node.next {
			if !node.alive() {
				continue
			}
			if !fn(node) {
				return
			}
		}
	}
}
