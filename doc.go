// Package fluidcache provides a multi-index in-memory cache with age-based
// approximate LRU eviction.
//
// Key properties:
//
//   - Bounded LRU softened by two retention constraints: an item younger
//     than Config.MinAge is never evicted, even when the cache is over
//     capacity, and an item older than Config.MaxAge is always evicted,
//     even when the cache is under capacity.
//   - Multiple secondary indexes over the same set of items, each keyed
//     by a different derived key, with an optional per-index loader for
//     lazy creation on miss. Concurrent misses for the same key invoke
//     the loader at most once.
//   - Amortized O(1) touches. Recency is tracked by reattributing an item
//     to the current age bag; all list manipulation is deferred to the
//     next cleanup pass.
//   - Eviction is approximate. Capacity is a target, not a hard limit,
//     and cleanup runs opportunistically on mutating operations rather
//     than on a background goroutine.
//
// # Configuration
//
// Config is a plain struct (no builder pattern). Set the fields you care
// about and pass it to New. Internally, New calls Config.Build() to
// validate and normalize fields and to derive the bag-ring geometry.
//
// # Concurrency
//
// Cache operations are safe for concurrent use. Loaders run without any
// cache lock held; they may block. Values returned from Get were live at
// the moment of return, but may be evicted at any time afterwards.
package fluidcache
