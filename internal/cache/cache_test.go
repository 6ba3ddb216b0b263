package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestTier(t *testing.T, instanceID string) (*RedisTier, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tier := NewRedisTier(client, instanceID, slog.Default())
	t.Cleanup(func() { tier.Close() })
	return tier, mr
}

func TestMemoryStoreExpiry(t *testing.T) {
	t.Parallel()
	s := newMemoryStore(0, EvictLRU)
	s.Set("a", []byte("1"), time.Now().Add(50*time.Millisecond))
	if _, ok := s.Get("a"); !ok {
		t.Fatal("expected hit before expiry")
	}
	s.Set("b", []byte("2"), time.Now().Add(-time.Second))
	if _, ok := s.Get("b"); ok {
		t.Fatal("expected expired entry to miss")
	}
}

func TestMemoryStoreEvictionLRU(t *testing.T) {
	t.Parallel()
	s := newMemoryStore(2, EvictLRU)
	exp := time.Now().Add(time.Minute)
	s.Set("a", []byte("1"), exp)
	s.Set("b", []byte("2"), exp)
	s.Get("a") // a becomes most recently used
	s.Set("c", []byte("3"), exp)

	if _, ok := s.Get("b"); ok {
		t.Error("expected b to be evicted")
	}
	if _, ok := s.Get("a"); !ok {
		t.Error("expected a to survive")
	}
	if _, ok := s.Get("c"); !ok {
		t.Error("expected c to be present")
	}
}

func TestMemoryStoreEvictionFIFO(t *testing.T) {
	t.Parallel()
	s := newMemoryStore(2, EvictFIFO)
	exp := time.Now().Add(time.Minute)
	s.Set("a", []byte("1"), exp)
	s.Set("b", []byte("2"), exp)
	s.Get("a") // access must not change FIFO order
	s.Set("c", []byte("3"), exp)

	if _, ok := s.Get("a"); ok {
		t.Error("expected a, the oldest insert, to be evicted")
	}
}

func TestMemoryStoreEvictionLFU(t *testing.T) {
	t.Parallel()
	s := newMemoryStore(2, EvictLFU)
	exp := time.Now().Add(time.Minute)
	s.Set("a", []byte("1"), exp)
	s.Set("b", []byte("2"), exp)
	s.Get("a")
	s.Get("a")
	s.Set("c", []byte("3"), exp)

	if _, ok := s.Get("b"); ok {
		t.Error("expected b, the least frequently used, to be evicted")
	}
	if _, ok := s.Get("a"); !ok {
		t.Error("expected a to survive")
	}
}

func TestMemoryStoreNoEviction(t *testing.T) {
	t.Parallel()
	s := newMemoryStore(1, EvictNone)
	exp := time.Now().Add(time.Minute)
	s.Set("a", []byte("1"), exp)
	s.Set("b", []byte("2"), exp)

	if _, ok := s.Get("a"); !ok {
		t.Error("expected existing entry to survive under none policy")
	}
	if _, ok := s.Get("b"); ok {
		t.Error("expected write into full none-policy region to be dropped")
	}
	if got := s.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
}

func TestManagerSetGetMemoryOnly(t *testing.T) {
	t.Parallel()
	m := NewManager(nil, NewCollector("test-1", nil),
		RegionConfig{Name: "r", DefaultTTL: time.Minute, UseMemory: true})
	defer m.Close()
	ctx := context.Background()

	m.Set(ctx, "r", "k", []byte("v"), 0)
	got, ok := m.Get(ctx, "r", "k")
	if !ok || string(got) != "v" {
		t.Fatalf("Get = %q, %v; want %q, true", got, ok, "v")
	}
	if m.Degraded() {
		t.Error("memory-only manager must not report degraded")
	}
}

func TestManagerTTLClamp(t *testing.T) {
	t.Parallel()
	m := NewManager(nil, NewCollector("test-1", nil),
		RegionConfig{Name: "r", DefaultTTL: time.Minute, MaxTTL: 30 * time.Millisecond, UseMemory: true})
	defer m.Close()
	ctx := context.Background()

	m.Set(ctx, "r", "k", []byte("v"), time.Hour)
	time.Sleep(60 * time.Millisecond)
	if _, ok := m.Get(ctx, "r", "k"); ok {
		t.Fatal("expected entry to expire at the region max TTL")
	}
}

func TestManagerDistributedPromotion(t *testing.T) {
	t.Parallel()
	tier, _ := newTestTier(t, "inst-a")
	client := tier.Client()

	cfg := RegionConfig{Name: "r", DefaultTTL: time.Minute, UseMemory: true, UseDistributed: true}
	writer := NewManager(tier, NewCollector("inst-a", client), cfg)

	reader := NewManager(tier, NewCollector("inst-a", client), cfg)
	ctx := context.Background()

	writer.Set(ctx, "r", "k", []byte("shared"), time.Minute)

	// The reader has no memory entry; the distributed tier serves it and
	// promotes it locally.
	got, ok := reader.Get(ctx, "r", "k")
	if !ok || string(got) != "shared" {
		t.Fatalf("Get = %q, %v; want %q, true", got, ok, "shared")
	}
	// Second read must come from memory even if redis is gone.
	if _, ok := reader.Get(ctx, "r", "k"); !ok {
		t.Fatal("expected promoted entry in memory")
	}
}

func TestManagerInvalidatePropagates(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	tierA := NewRedisTier(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "inst-a", slog.Default())
	defer tierA.Close()
	tierB := NewRedisTier(redis.NewClient(&redis.Options{Addr: mr.Addr()}), "inst-b", slog.Default())
	defer tierB.Close()

	cfg := RegionConfig{Name: "r", DefaultTTL: time.Minute, UseMemory: true, UseDistributed: true}
	a := NewManager(tierA, NewCollector("inst-a", tierA.Client()), cfg)
	b := NewManager(tierB, NewCollector("inst-b", tierB.Client()), cfg)
	ctx := context.Background()

	a.Set(ctx, "r", "k", []byte("v"), time.Minute)
	if _, ok := b.Get(ctx, "r", "k"); !ok {
		t.Fatal("expected b to read the shared entry")
	}

	a.Invalidate(ctx, "r", "k")

	// The pub/sub hop is asynchronous.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := b.Get(ctx, "r", "k"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("invalidation did not reach peer instance")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGetOrLoadCoalesces(t *testing.T) {
	t.Parallel()
	m := NewManager(nil, NewCollector("test-1", nil),
		RegionConfig{Name: "r", DefaultTTL: time.Minute, UseMemory: true})
	defer m.Close()
	ctx := context.Background()

	var loads atomic.Int32
	release := make(chan struct{})
	loader := func(ctx context.Context) ([]byte, error) {
		loads.Add(1)
		<-release
		return []byte("loaded"), nil
	}

	const callers = 50
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := m.GetOrLoad(ctx, "r", "k", loader)
			results[i], errs[i] = string(v), err
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := loads.Load(); got != 1 {
		t.Errorf("loader ran %d times, want 1", got)
	}
	for i := 0; i < callers; i++ {
		if errs[i] != nil || results[i] != "loaded" {
			t.Fatalf("caller %d: got %q, %v", i, results[i], errs[i])
		}
	}
}

func TestGetOrLoadStatsCountFlightOnce(t *testing.T) {
	t.Parallel()
	c := NewCollector("test-1", nil)
	m := NewManager(nil, c,
		RegionConfig{Name: "r", DefaultTTL: time.Minute, UseMemory: true})
	defer m.Close()
	ctx := context.Background()

	var loads atomic.Int32
	release := make(chan struct{})
	loader := func(ctx context.Context) ([]byte, error) {
		loads.Add(1)
		// Held open so every caller joins the flight before it resolves;
		// with an instant loader the coalescing window never opens.
		<-release
		return []byte("loaded"), nil
	}

	const callers = 50
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.GetOrLoad(ctx, "r", "k", loader); err != nil {
				t.Errorf("GetOrLoad: %v", err)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := loads.Load(); got != 1 {
		t.Fatalf("loader ran %d times, want 1", got)
	}
	var hits, misses int64
	for _, s := range c.Snapshot() {
		if s.Region == "r" {
			hits, misses = s.Hits, s.Misses
		}
	}
	if misses != 1 || hits != callers-1 {
		t.Errorf("stats = %d hits / %d misses, want %d/1", hits, misses, int64(callers-1))
	}
}

func TestGetOrLoadLoaderError(t *testing.T) {
	t.Parallel()
	m := NewManager(nil, NewCollector("test-1", nil),
		RegionConfig{Name: "r", DefaultTTL: time.Minute, UseMemory: true})
	defer m.Close()

	want := errors.New("upstream down")
	_, err := m.GetOrLoad(context.Background(), "r", "k", func(ctx context.Context) ([]byte, error) {
		return nil, want
	})
	if !errors.Is(err, want) {
		t.Fatalf("err = %v, want %v", err, want)
	}
	// The failure must not be cached.
	if _, ok := m.Get(context.Background(), "r", "k"); ok {
		t.Fatal("loader error must not populate the cache")
	}
}

func TestRedisTierDegradation(t *testing.T) {
	t.Parallel()
	tier, mr := newTestTier(t, "inst-a")

	cfg := RegionConfig{Name: "r", DefaultTTL: time.Minute, UseMemory: true, UseDistributed: true}
	m := NewManager(tier, NewCollector("inst-a", tier.Client()), cfg)
	ctx := context.Background()

	m.Set(ctx, "r", "k", []byte("v"), time.Minute)
	mr.Close()

	// Requests keep succeeding from memory while redis is down.
	if _, ok := m.Get(ctx, "r", "k"); !ok {
		t.Fatal("expected memory tier to serve during redis outage")
	}
	m.Set(ctx, "r", "k2", []byte("v2"), time.Minute)
	if _, ok := m.Get(ctx, "r", "k2"); !ok {
		t.Fatal("expected write to land in memory during redis outage")
	}
	if !m.Degraded() {
		t.Error("expected manager to report degraded mode")
	}
}

func TestUpdateRegionConfigKeepsEntries(t *testing.T) {
	t.Parallel()
	m := NewManager(nil, NewCollector("test-1", nil),
		RegionConfig{Name: "r", DefaultTTL: time.Minute, UseMemory: true, MaxEntries: 100})
	defer m.Close()
	ctx := context.Background()

	m.Set(ctx, "r", "k", []byte("v"), time.Minute)
	m.UpdateRegionConfig(RegionConfig{Name: "r", DefaultTTL: time.Minute, UseMemory: true, MaxEntries: 10, Eviction: EvictFIFO})

	if _, ok := m.Get(ctx, "r", "k"); !ok {
		t.Fatal("expected entries to survive a policy update")
	}
}

func TestCollectorFlushAndAggregate(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer clientA.Close()
	defer clientB.Close()

	ctx := context.Background()
	a := NewCollector("inst-a", clientA)
	b := NewCollector("inst-b", clientB)

	for i := 0; i < 7; i++ {
		a.RecordHit("r", time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		a.RecordMiss("r", time.Millisecond)
	}
	b.RecordHit("r", time.Millisecond)
	b.RecordMiss("r", time.Millisecond)

	if err := a.Flush(ctx); err != nil {
		t.Fatalf("flush a: %v", err)
	}
	if err := b.Flush(ctx); err != nil {
		t.Fatalf("flush b: %v", err)
	}

	agg, instances, err := a.AggregateAll(ctx)
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if instances != 2 {
		t.Errorf("instances = %d, want 2", instances)
	}
	r := agg["r"]
	if r.Hits != 8 || r.Misses != 4 {
		t.Errorf("aggregate = %d hits / %d misses, want 8/4", r.Hits, r.Misses)
	}
	if ratio := r.HitRatio(); ratio < 0.66 || ratio > 0.67 {
		t.Errorf("hit ratio = %f, want ~0.667", ratio)
	}

	n, err := a.ActiveInstances(ctx)
	if err != nil {
		t.Fatalf("active instances: %v", err)
	}
	if n != 2 {
		t.Errorf("active instances = %d, want 2", n)
	}
}

func TestDrift(t *testing.T) {
	t.Parallel()
	cases := []struct {
		agg, sum int64
		want     float64
	}{
		{100, 100, 0},
		{101, 100, 0.01},
		{99, 100, 0.01},
		{0, 0, 0},
		{5, 0, 1},
	}
	for _, tc := range cases {
		if got := Drift(tc.agg, tc.sum); got != tc.want {
			t.Errorf("Drift(%d, %d) = %f, want %f", tc.agg, tc.sum, got, tc.want)
		}
	}
}

func TestSnapshotAvgLatency(t *testing.T) {
	t.Parallel()
	c := NewCollector("inst-a", nil)
	c.RecordHit("r", 2*time.Millisecond)
	c.RecordMiss("r", 4*time.Millisecond)

	var found bool
	for _, s := range c.Snapshot() {
		if s.Region != "r" {
			continue
		}
		found = true
		if s.AvgGetTime != 3*time.Millisecond {
			t.Errorf("avg latency = %v, want 3ms", s.AvgGetTime)
		}
	}
	if !found {
		t.Fatal("region r missing from snapshot")
	}
}

func ExampleManager_GetOrLoad() {
	m := NewManager(nil, NewCollector("example", nil),
		RegionConfig{Name: "models", DefaultTTL: time.Minute, UseMemory: true})
	defer m.Close()

	v, _ := m.GetOrLoad(context.Background(), "models", "gpt-4o", func(ctx context.Context) ([]byte, error) {
		return []byte("resolved"), nil
	})
	fmt.Println(string(v))
	// Output: resolved
}
