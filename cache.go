package fluidcache

import (
	"context"
	"reflect"
	"sync"
)

// Cache is a thread-safe cache of live objects with approximate LRU
// eviction and multiple secondary indexes.
//
// Items are admitted through Add or through an index loader on a miss;
// insertion is deduplicated across all indexes so each value has one
// canonical entry. Indexes should be registered with AddIndex before
// the cache is populated: an index added later stays empty until the
// next rebuild.
//
// Concurrency:
//
// Cache methods are safe for concurrent use.
type Cache[V any] struct {
	cfg      Config
	stats    *counters
	lifespan *lifespanManager[V]

	// mu guards the index registry. addMu serializes the arbitration
	// step of tryAdd; it is ordered before the manager lock and mu.
	// mu is never held across a manager call.
	mu      sync.RWMutex
	addMu   sync.Mutex
	indexes map[string]indexRef[V]
	ordered []indexRef[V]
}

// indexRef is the key-type-erased view of an Index the facade works
// through. Rebuild and clear are invoked with the manager lock held.
type indexRef[V any] interface {
	add(e *entry[V]) bool
	findByValue(v V) *entry[V]
	clear()
	rebuild() int
}

// New constructs a cache from the provided config.
//
// New calls config.Build() internally.
func New[V any](config Config) *Cache[V] {
	cfg := config.Build()
	c := &Cache[V]{
		cfg:     cfg,
		stats:   &counters{},
		indexes: make(map[string]indexRef[V]),
	}
	c.lifespan = newLifespanManager[V](cfg, c.stats)
	c.lifespan.rebuildIndexes = c.rebuildAll
	c.lifespan.clearIndexes = c.clearAllIndexes
	return c
}

// AddIndex registers an index under name, keyed by keyOf. load may be
// nil, in which case Get on this index cannot lazily create values.
// Registering a name twice replaces the earlier index.
//
// AddIndex is a package-level function because each index introduces
// its own key type.
func AddIndex[K comparable, V any](c *Cache[V], name string, keyOf func(V) K, load Loader[K, V]) *Index[K, V] {
	ix := &Index[K, V]{
		c:     c,
		iname: name,
		keyOf: keyOf,
		load:  load,
		items: make(map[K]*entry[V]),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	old, replacing := c.indexes[name]
	c.indexes[name] = ix

	// The ordered slice is copied on every change so concurrent readers
	// can hold a snapshot without the lock.
	list := make([]indexRef[V], 0, len(c.ordered)+1)
	for _, ref := range c.ordered {
		if replacing && ref == old {
			continue
		}
		list = append(list, ref)
	}
	c.ordered = append(list, ix)
	return ix
}

// IndexOf returns the index registered under name, or nil when the name
// is unknown or its key type is not K.
func IndexOf[K comparable, V any](c *Cache[V], name string) *Index[K, V] {
	c.mu.RLock()
	ref := c.indexes[name]
	c.mu.RUnlock()
	ix, _ := ref.(*Index[K, V])
	return ix
}

// Get retrieves the value bound to key in the named index, loading it
// through the index's default loader on a miss. An unknown index name
// or mismatched key type is a plain miss.
func Get[K comparable, V any](ctx context.Context, c *Cache[V], index string, key K) (V, bool, error) {
	return GetWith[K, V](ctx, c, index, key, nil)
}

// GetWith is Get with a per-call loader overriding the index default.
func GetWith[K comparable, V any](ctx context.Context, c *Cache[V], index string, key K, load Loader[K, V]) (V, bool, error) {
	ix := IndexOf[K, V](c, index)
	if ix == nil {
		var zero V
		return zero, false, nil
	}
	return ix.GetWith(ctx, key, load)
}

// Add inserts v, or refreshes the existing entry when an equal value is
// already cached under the same derived keys. When a different live
// value already holds one of v's keys, v is not inserted and that
// incumbent entry is refreshed instead.
func (c *Cache[V]) Add(v V) {
	e, created := c.tryAdd(v)
	if created {
		c.stats.misses.Inc()
		return
	}
	if e != nil {
		_ = e.touch()
	}
}

// tryAdd is the canonicalization point: a single call either creates
// exactly one live entry for v or returns the incumbent. Concurrent
// insertions of the same value produce one winner without a global lock
// on the read path, because every caller claims index slots in the same
// registration order.
func (c *Cache[V]) tryAdd(v V) (*entry[V], bool) {
	if isNilValue(v) {
		return nil, false
	}

	refs := c.indexList()

	for _, ix := range refs {
		if e := ix.findByValue(v); e != nil {
			if ev, ok := e.snapshot(); ok && valuesEqual(ev, v) {
				return e, false
			}
		}
	}

	cand := c.lifespan.add(v)
	duplicate := false
	for _, ix := range refs {
		if !ix.add(cand) {
			duplicate = true
		}
	}

	c.addMu.Lock()
	defer c.addMu.Unlock()
	if !duplicate {
		_ = cand.touch()
		return cand, true
	}
	cand.discard()
	for _, ix := range refs {
		if e := ix.findByValue(v); e != nil && e.alive() {
			return e, false
		}
	}
	return nil, false
}

// Clear removes all items, drops every index reference and zeroes the
// statistics.
func (c *Cache[V]) Clear() {
	c.lifespan.clear()
}

// Len returns the number of live items.
func (c *Cache[V]) Len() int {
	return int(c.stats.current.Load())
}

// IsEmpty reports whether the cache is empty.
func (c *Cache[V]) IsEmpty() bool {
	return c.Len() == 0
}

// Stats returns a snapshot of the cache statistics.
func (c *Cache[V]) Stats() Stats {
	return Stats{
		Capacity:        c.cfg.Capacity,
		Current:         c.stats.current.Load(),
		SinceCreation:   c.stats.total.Load(),
		Hits:            c.stats.hits.Load(),
		Misses:          c.stats.misses.Load(),
		OldestBagIndex:  c.lifespan.oldestBagNum.Load(),
		CurrentBagIndex: c.lifespan.currentBagNum.Load(),
		BagCount:        c.lifespan.ring.len(),
		BagItemLimit:    c.cfg.bagItemLimit,
		MinAge:          c.cfg.MinAge,
		MaxAge:          c.cfg.MaxAge,
		CleanupInterval: c.cfg.checkInterval,
	}
}

func (c *Cache[V]) indexList() []indexRef[V] {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ordered
}

func (c *Cache[V]) rebuildAll() {
	for _, ix := range c.indexList() {
		ix.rebuild()
	}
}

func (c *Cache[V]) clearAllIndexes() {
	for _, ix := range c.indexList() {
		ix.clear()
	}
}

// isNilValue reports whether v is nil through any nilable kind.
func isNilValue(v any) bool {
	if v == nil {
		return true
	}
	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func, reflect.Interface:
		return rv.IsNil()
	default:
		return false
	}
}

// valuesEqual compares two cached values. Pointer values compare by
// identity; non-comparable types never compare equal and fall through
// to per-index arbitration.
func valuesEqual[V any](a, b V) bool {
	av, bv := any(a), any(b)
	if av == nil || bv == nil {
		return av == nil && bv == nil
	}
	if !reflect.TypeOf(av).Comparable() {
		return false
	}
	return av == bv
}
