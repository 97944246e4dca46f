package fluidcache

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Loader produces a value for a key on a cache miss. Loaders may block;
// no cache lock is held across an invocation. Return ErrNotFound to
// report a deliberate absence (Get then returns a plain miss). A nil
// pointer, map, slice or interface value with a nil error is rejected
// with ErrNilValue.
type Loader[K comparable, V any] func(ctx context.Context, key K) (V, error)

// Index maps a derived key to a reference to a cached entry.
//
// References are non-owning: the lifespan manager decides item
// lifetime, and a reference to an evicted entry resolves to a miss.
// Dead references accumulate until the manager asks for a rebuild.
type Index[K comparable, V any] struct {
	c     *Cache[V]
	iname string
	keyOf func(V) K
	load  Loader[K, V]

	mu    sync.RWMutex
	items map[K]*entry[V]

	flights singleflight.Group
}

// loadResult carries a coalesced load outcome through singleflight,
// which erases the value type.
type loadResult[V any] struct {
	val V
	ok  bool
}

// Get returns the value bound to key, loading it through the index's
// default loader on a miss. Without a default loader a miss returns
// (zero, false, nil).
func (ix *Index[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	return ix.GetWith(ctx, key, nil)
}

// GetWith is Get with a per-call loader overriding the index default.
//
// Concurrent misses for the same key share a single loader invocation:
// one caller loads, the rest block and receive the winner's value.
func (ix *Index[K, V]) GetWith(ctx context.Context, key K, load Loader[K, V]) (V, bool, error) {
	var zero V

	if e := ix.lookup(key); e != nil {
		if v, ok := e.snapshot(); ok {
			ix.c.stats.hits.Inc()
			return v, true, e.touch()
		}
	}

	if load == nil {
		load = ix.load
	}
	if load == nil {
		ix.c.stats.misses.Inc()
		return zero, false, nil
	}

	// Coalesce concurrent misses for the same key into one loader
	// invocation. The leader does its own accounting inside
	// loadAndInsert; followers record the shared outcome as their own
	// hit or miss.
	led := false
	res, err, _ := ix.flights.Do(fmt.Sprint(key), func() (interface{}, error) {
		led = true
		v, ok, err := ix.loadAndInsert(ctx, key, load)
		if err != nil {
			return nil, err
		}
		return loadResult[V]{val: v, ok: ok}, nil
	})
	if !led {
		if err == nil && res.(loadResult[V]).ok {
			ix.c.stats.hits.Inc()
		} else {
			ix.c.stats.misses.Inc()
		}
	}
	if err != nil {
		return zero, false, err
	}
	lr := res.(loadResult[V])
	return lr.val, lr.ok, nil
}

// loadAndInsert runs once per coalesced flight. It re-checks the index
// (an insertion may have landed between the first lookup and the Do
// call), invokes the loader, and routes the result through the facade's
// canonicalizing insertion path.
func (ix *Index[K, V]) loadAndInsert(ctx context.Context, key K, load Loader[K, V]) (V, bool, error) {
	var zero V

	if e := ix.lookup(key); e != nil {
		if v, ok := e.snapshot(); ok {
			ix.c.stats.hits.Inc()
			if err := e.touch(); err != nil {
				return zero, false, err
			}
			return v, true, nil
		}
	}

	v, err := load(ctx, key)
	if err != nil {
		ix.c.stats.misses.Inc()
		if errors.Is(err, ErrNotFound) {
			return zero, false, nil
		}
		return zero, false, err
	}
	if isNilValue(v) {
		ix.c.stats.misses.Inc()
		return zero, false, ErrNilValue
	}

	e, _ := ix.c.tryAdd(v)
	ix.c.stats.misses.Inc()
	if e == nil {
		return zero, false, nil
	}
	if got, ok := e.snapshot(); ok {
		return got, true, nil
	}
	// The canonical entry was evicted before we could read it back; the
	// loaded value is still the answer for this call.
	return v, true, nil
}

// Peek returns the value bound to key without touching it and without
// updating statistics. This is useful for "check without affecting
// eviction".
func (ix *Index[K, V]) Peek(key K) (V, bool) {
	if e := ix.lookup(key); e != nil {
		if v, ok := e.snapshot(); ok {
			return v, true
		}
	}
	var zero V
	return zero, false
}

// Remove evicts the entry bound to key, if it is present and live. The
// dead reference stays in the map until the next rebuild.
func (ix *Index[K, V]) Remove(key K) {
	if e := ix.lookup(key); e != nil {
		e.kill()
	}
}

// Len returns the number of keys currently referenced, including
// references to entries that have since been evicted.
func (ix *Index[K, V]) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.items)
}

// Name returns the name the index was registered under.
func (ix *Index[K, V]) Name() string {
	return ix.iname
}

func (ix *Index[K, V]) lookup(key K) *entry[V] {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.items[key]
}

// add registers a reference to e under its derived key. It reports
// false when the slot already holds a different live entry; a dead
// occupant is overwritten.
func (ix *Index[K, V]) add(e *entry[V]) bool {
	v, ok := e.snapshot()
	if !ok {
		return false
	}
	k := ix.keyOf(v)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if old, exists := ix.items[k]; exists && old != e && old.alive() {
		return false
	}
	ix.items[k] = e
	return true
}

// findByValue derives the value's key and looks it up.
func (ix *Index[K, V]) findByValue(v V) *entry[V] {
	return ix.lookup(ix.keyOf(v))
}

func (ix *Index[K, V]) clear() {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.items = make(map[K]*entry[V])
}

// rebuild discards the map and repopulates it from the manager's live
// iteration, returning the new size. The iteration runs newest-first
// and the first entry per key wins, so the newest live entry stays
// reachable. The caller holds the manager lock.
func (ix *Index[K, V]) rebuild() int {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.items = make(map[K]*entry[V])
	ix.c.lifespan.forEachLocked(func(e *entry[V]) bool {
		if v, ok := e.snapshot(); ok {
			k := ix.keyOf(v)
			if _, dup := ix.items[k]; !dup {
				ix.items[k] = e
			}
		}
		return true
	})
	return len(ix.items)
}
