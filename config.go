package fluidcache

import "time"

const (
	// DefaultCapacity is used when Config.Capacity is unset.
	DefaultCapacity = 1000

	// DefaultMaxAge is used when Config.MaxAge is unset.
	DefaultMaxAge = time.Hour

	// preferredBagCount is the number of bags the live population is
	// ideally spread across; it also scales the per-bag admission limit
	// that forces a cleanup pass.
	preferredBagCount = 20

	// emptyBagBuffer is the number of ring slots kept clear ahead of the
	// current bag so the ring never wraps onto live entries.
	emptyBagBuffer = 5

	// maxCheckInterval caps how long cleanup may be deferred on an idle
	// cache.
	maxCheckInterval = 3 * time.Minute

	// maxRetention caps Config.MaxAge.
	maxRetention = 12 * time.Hour

	// agedOutBagNumber is the bag number past which the whole cache is
	// cleared and restarted, keeping ring addressing unambiguous over
	// long-lived caches.
	agedOutBagNumber = 1_000_000
)

// Config controls cache capacity, retention and the clock.
//
// Capacity is a target item count, not a hard limit: items younger than
// MinAge are retained even when the cache is over capacity. MaxAge is
// clamped to 12 hours. A MinAge above MaxAge is clamped down to MaxAge.
type Config struct {
	// Capacity is the target number of live items. Defaults to 1000.
	Capacity int

	// MinAge is the minimum retention measured from an item's last
	// touch. During this period the item is immune to capacity-driven
	// eviction.
	MinAge time.Duration

	// MaxAge is the maximum retention measured from an item's last
	// touch. After this period the item is evicted regardless of
	// capacity. Defaults to one hour.
	MaxAge time.Duration

	// Now supplies the wall clock. Defaults to time.Now.
	Now func() time.Time

	// Validate, when set, is consulted during cleanup. Returning false
	// forces a full clear of the cache.
	Validate func() bool

	// Derived by Build.
	checkInterval time.Duration
	bagCount      int
	bagItemLimit  int64
}

// Build validates and normalizes the config and derives the bag-ring
// geometry. Build performs no allocations.
//
// The ring is sized so the time span it covers strictly exceeds MaxAge:
// reaching the oldest slot therefore means its items are either
// over-age or over-capacity.
func (c Config) Build() Config {
	cfg := c

	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = DefaultMaxAge
	}
	if cfg.MaxAge > maxRetention {
		cfg.MaxAge = maxRetention
	}
	if cfg.MinAge < 0 {
		cfg.MinAge = 0
	}
	if cfg.MinAge > cfg.MaxAge {
		cfg.MinAge = cfg.MaxAge
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	cfg.checkInterval = cfg.MaxAge
	if cfg.checkInterval > maxCheckInterval {
		cfg.checkInterval = maxCheckInterval
	}

	spanBags := int((cfg.MaxAge + cfg.checkInterval - 1) / cfg.checkInterval)
	cfg.bagCount = spanBags + preferredBagCount + emptyBagBuffer

	cfg.bagItemLimit = int64(cfg.Capacity / preferredBagCount)
	if cfg.bagItemLimit < 1 {
		cfg.bagItemLimit = 1
	}

	return cfg
}
