package fluidcache_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fluidcache/fluidcache"
	"go.uber.org/atomic"
)

type user struct {
	ID   string
	Name string
}

// fakeClock is a mutable wall clock for deterministic retention tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func byID(u *user) string { return u.ID }

func ExampleCache() {
	c := fluidcache.New[*user](fluidcache.Config{
		Capacity: 100,
		MinAge:   time.Minute,
		MaxAge:   time.Hour,
	})
	ids := fluidcache.AddIndex(c, "id", byID, nil)

	c.Add(&user{ID: "u1", Name: "ada"})

	if u, ok := ids.Peek("u1"); ok {
		fmt.Println(u.Name)
	}
	// Output: ada
}

func ExampleIndex_loader() {
	c := fluidcache.New[*user](fluidcache.Config{Capacity: 100})
	ids := fluidcache.AddIndex(c, "id", byID,
		func(ctx context.Context, id string) (*user, error) {
			return &user{ID: id, Name: "loaded-" + id}, nil
		})

	u, _, _ := ids.Get(context.Background(), "u7")
	fmt.Println(u.Name)
	// Output: loaded-u7
}

func TestSequentialMissLoad(t *testing.T) {
	clock := newFakeClock()
	c := fluidcache.New[*user](fluidcache.Config{
		Capacity: 1000,
		MinAge:   5 * time.Second,
		MaxAge:   10 * time.Second,
		Now:      clock.Now,
	})
	ids := fluidcache.AddIndex(c, "id", byID, nil)

	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		clock.Advance(10 * time.Millisecond)
		key := fmt.Sprintf("k%d", i)
		_, ok, err := ids.GetWith(ctx, key, func(ctx context.Context, id string) (*user, error) {
			return &user{ID: id}, nil
		})
		if err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		if !ok {
			t.Fatalf("get %s: expected a loaded value", key)
		}
	}

	stats := c.Stats()
	if stats.SinceCreation != 1000 {
		t.Errorf("expected SinceCreation 1000, got %d", stats.SinceCreation)
	}
	if stats.Current > 1000 {
		t.Errorf("expected Current <= 1000, got %d", stats.Current)
	}
	if stats.Misses != 1000 {
		t.Errorf("expected 1000 misses, got %d", stats.Misses)
	}
	if stats.Hits != 0 {
		t.Errorf("expected 0 hits, got %d", stats.Hits)
	}
}

func TestConcurrentIdenticalMiss(t *testing.T) {
	const callers = 10000

	c := fluidcache.New[*user](fluidcache.Config{
		Capacity: 1000,
		MinAge:   time.Minute,
		MaxAge:   time.Hour,
	})
	ids := fluidcache.AddIndex(c, "id", byID, nil)

	var loads atomic.Int64
	loader := func(ctx context.Context, id string) (*user, error) {
		loads.Inc()
		return &user{ID: id}, nil
	}

	results := make([]*user, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			u, ok, err := ids.GetWith(context.Background(), "k1", loader)
			if err != nil || !ok {
				t.Errorf("get: ok=%v err=%v", ok, err)
				return
			}
			results[i] = u
		}(i)
	}
	wg.Wait()

	if got := loads.Load(); got != 1 {
		t.Errorf("expected the loader to run once, got %d", got)
	}
	stats := c.Stats()
	if stats.Current != 1 {
		t.Errorf("expected 1 live item, got %d", stats.Current)
	}
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
	if stats.Hits != callers-1 {
		t.Errorf("expected %d hits, got %d", callers-1, stats.Hits)
	}
	for i, u := range results {
		if u != results[0] {
			t.Fatalf("result %d is not the canonical value", i)
		}
	}
}

func TestConcurrentIdenticalAdd(t *testing.T) {
	c := fluidcache.New[*user](fluidcache.Config{
		Capacity: 1000,
		MinAge:   time.Minute,
		MaxAge:   time.Hour,
	})
	fluidcache.AddIndex(c, "id", byID, nil)

	v := &user{ID: "k1"}
	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Add(v)
		}()
	}
	wg.Wait()

	stats := c.Stats()
	if stats.Current != 1 {
		t.Errorf("expected 1 live item, got %d", stats.Current)
	}
	if stats.Misses != 1 {
		t.Errorf("expected 1 miss, got %d", stats.Misses)
	}
}

// seedUserAndFillers inserts "the user" followed by 20 fillers, leaving
// the cache one item over its capacity of 20.
func seedUserAndFillers(t *testing.T, clock *fakeClock) (*fluidcache.Cache[*user], *fluidcache.Index[string, *user], *user, *atomic.Int64) {
	t.Helper()
	c := fluidcache.New[*user](fluidcache.Config{
		Capacity: 20,
		MinAge:   5 * time.Minute,
		MaxAge:   time.Hour,
		Now:      clock.Now,
	})
	ids := fluidcache.AddIndex(c, "id", byID, nil)

	var loads atomic.Int64
	ctx := context.Background()
	theUser, ok, err := ids.GetWith(ctx, "the user", func(ctx context.Context, id string) (*user, error) {
		loads.Inc()
		return &user{ID: id}, nil
	})
	if err != nil || !ok {
		t.Fatalf("seeding the user: ok=%v err=%v", ok, err)
	}
	for i := 0; i < 20; i++ {
		c.Add(&user{ID: fmt.Sprintf("filler-%d", i)})
	}
	return c, ids, theUser, &loads
}

func TestUserRetainedWithinMinAge(t *testing.T) {
	clock := newFakeClock()
	_, ids, theUser, loads := seedUserAndFillers(t, clock)

	clock.Advance(4 * time.Minute)

	// A read through GetWith touches the entry and triggers
	// opportunistic cleanup; Peek does not.
	if _, ok := ids.Peek("filler-0"); !ok {
		t.Fatal("expected filler-0 to be present")
	}
	if _, _, err := ids.GetWith(context.Background(), "filler-0", nil); err != nil {
		t.Fatalf("reading filler-0: %v", err)
	}

	got, ok, err := ids.GetWith(context.Background(), "the user", func(ctx context.Context, id string) (*user, error) {
		loads.Inc()
		return &user{ID: id}, nil
	})
	if err != nil || !ok {
		t.Fatalf("reading the user: ok=%v err=%v", ok, err)
	}
	if got != theUser {
		t.Error("expected the original user instance inside its minimum age")
	}
	if loads.Load() != 1 {
		t.Errorf("expected no reload, loader ran %d times", loads.Load())
	}
}

func TestUserReplacedAfterMinAge(t *testing.T) {
	clock := newFakeClock()
	_, ids, theUser, loads := seedUserAndFillers(t, clock)

	clock.Advance(7 * time.Minute)

	// Reading a recent filler runs cleanup, which retires the oldest
	// bags now that the cache is over capacity and past the minimum
	// retention.
	if _, _, err := ids.GetWith(context.Background(), "filler-19", nil); err != nil {
		t.Fatalf("reading filler-19: %v", err)
	}

	loader := func(ctx context.Context, id string) (*user, error) {
		loads.Inc()
		return &user{ID: id}, nil
	}
	got, ok, err := ids.GetWith(context.Background(), "the user", loader)
	if err != nil || !ok {
		t.Fatalf("reloading the user: ok=%v err=%v", ok, err)
	}
	if got == theUser {
		t.Error("expected a newly constructed user after minimum age expired")
	}
	if loads.Load() != 2 {
		t.Errorf("expected exactly one reload, loader ran %d times", loads.Load())
	}

	again, ok, err := ids.GetWith(context.Background(), "the user", loader)
	if err != nil || !ok {
		t.Fatalf("re-reading the user: ok=%v err=%v", ok, err)
	}
	if again != got {
		t.Error("expected the reloaded instance on the next read")
	}
}

func TestNilLoaderResult(t *testing.T) {
	c := fluidcache.New[*user](fluidcache.Config{Capacity: 100})
	ids := fluidcache.AddIndex(c, "id", byID, nil)

	_, ok, err := ids.GetWith(context.Background(), "k1", func(ctx context.Context, id string) (*user, error) {
		return nil, nil
	})
	if ok {
		t.Error("expected no value")
	}
	if err != fluidcache.ErrNilValue {
		t.Errorf("expected ErrNilValue, got %v", err)
	}
	if got := c.Stats().Current; got != 0 {
		t.Errorf("expected the cache to stay empty, got %d items", got)
	}
}

func TestMixedAddAndGetInParallel(t *testing.T) {
	c := fluidcache.New[*user](fluidcache.Config{
		Capacity: 1000,
		MinAge:   5 * time.Minute,
		MaxAge:   time.Hour,
	})
	ids := fluidcache.AddIndex(c, "id", byID, nil)

	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			if i%2 == 0 {
				c.Add(&user{ID: key})
				return
			}
			_, ok, err := ids.GetWith(context.Background(), key, func(ctx context.Context, id string) (*user, error) {
				return &user{ID: id}, nil
			})
			if err != nil || !ok {
				t.Errorf("get %s: ok=%v err=%v", key, ok, err)
			}
		}(i)
	}
	wg.Wait()

	if got := c.Stats().Current; got != 1000 {
		t.Errorf("expected 1000 live items, got %d", got)
	}
	if c.Len() != 1000 {
		t.Errorf("expected Len 1000, got %d", c.Len())
	}
}

func TestHitMissAccounting(t *testing.T) {
	c := fluidcache.New[*user](fluidcache.Config{Capacity: 100})
	ids := fluidcache.AddIndex(c, "id", byID,
		func(ctx context.Context, id string) (*user, error) {
			return &user{ID: id}, nil
		})

	ctx := context.Background()
	gets := 0
	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("k%d", i%3)
		if _, _, err := ids.Get(ctx, key); err != nil {
			t.Fatalf("get %s: %v", key, err)
		}
		gets++
	}

	stats := c.Stats()
	if got := stats.Hits + stats.Misses; got != int64(gets) {
		t.Errorf("expected hits+misses == %d, got %d", gets, got)
	}
	if stats.Misses != 3 {
		t.Errorf("expected 3 misses, got %d", stats.Misses)
	}
	if rate := stats.HitRate(); rate != 0.7 {
		t.Errorf("expected a hit rate of 0.7, got %v", rate)
	}
	if rate := (fluidcache.Stats{}).HitRate(); rate != 0 {
		t.Errorf("expected a zero hit rate with no lookups, got %v", rate)
	}
}

func TestClearResetsEverything(t *testing.T) {
	c := fluidcache.New[*user](fluidcache.Config{Capacity: 100})
	ids := fluidcache.AddIndex(c, "id", byID, nil)

	for i := 0; i < 5; i++ {
		c.Add(&user{ID: fmt.Sprintf("k%d", i)})
	}
	if c.IsEmpty() {
		t.Fatal("expected a populated cache")
	}

	c.Clear()

	stats := c.Stats()
	if stats.Current != 0 || stats.SinceCreation != 0 || stats.Hits != 0 || stats.Misses != 0 {
		t.Errorf("expected zeroed stats after clear, got %+v", stats)
	}
	if _, ok := ids.Peek("k0"); ok {
		t.Error("expected k0 to be gone after clear")
	}

	// The cache stays usable.
	c.Add(&user{ID: "k0"})
	if _, ok := ids.Peek("k0"); !ok {
		t.Error("expected k0 after re-adding")
	}
}

func TestStatsSnapshotGeometry(t *testing.T) {
	c := fluidcache.New[*user](fluidcache.Config{
		Capacity: 1000,
		MinAge:   time.Minute,
		MaxAge:   time.Hour,
	})
	stats := c.Stats()

	if stats.Capacity != 1000 {
		t.Errorf("expected capacity 1000, got %d", stats.Capacity)
	}
	if stats.CleanupInterval != 3*time.Minute {
		t.Errorf("expected a 3m cleanup interval, got %s", stats.CleanupInterval)
	}
	if stats.BagItemLimit != 50 {
		t.Errorf("expected bag item limit 50, got %d", stats.BagItemLimit)
	}
	if stats.BagCount <= int(stats.MaxAge/stats.CleanupInterval) {
		t.Errorf("expected the ring to span more than MaxAge, got %d bags", stats.BagCount)
	}
	if stats.CurrentBagIndex < stats.OldestBagIndex {
		t.Errorf("bag indices out of order: oldest %d current %d", stats.OldestBagIndex, stats.CurrentBagIndex)
	}
}
