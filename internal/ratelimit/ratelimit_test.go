package ratelimit

import (
	"sync"
	"testing"
	"time"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

func TestLimiter_AllowRPM(t *testing.T) {
	t.Parallel()
	l := newLimiter(Limits{RPM: 3})

	for i := range 3 {
		r := l.Allow()
		if !r.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	r := l.Allow()
	if r.Allowed {
		t.Error("4th request should be denied")
	}
	if r.Scope != ScopeRPM {
		t.Errorf("scope = %s, want rpm", r.Scope)
	}
	if r.RetryAfterSeconds <= 0 {
		t.Error("RetryAfterSeconds should be positive")
	}
}

func TestLimiter_RefillAfterTime(t *testing.T) {
	t.Parallel()
	l := newLimiter(Limits{RPM: 1})

	r := l.Allow()
	if !r.Allowed {
		t.Fatal("first request should be allowed")
	}

	r = l.Allow()
	if r.Allowed {
		t.Fatal("second request should be denied")
	}

	// Manually advance the bucket's last fill time.
	l.mu.Lock()
	l.rpm.lastFill = time.Now().Add(-61 * time.Second)
	l.mu.Unlock()

	r = l.Allow()
	if !r.Allowed {
		t.Error("request should be allowed after refill")
	}
}

func TestLimiter_RPDExhaustionRefundsRPM(t *testing.T) {
	t.Parallel()
	l := newLimiter(Limits{RPM: 100, RPD: 2})

	for i := range 2 {
		r := l.Allow()
		if !r.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	r := l.Allow()
	if r.Allowed {
		t.Fatal("3rd request should be denied by the day bucket")
	}
	if r.Scope != ScopeRPD {
		t.Errorf("scope = %s, want rpd", r.Scope)
	}

	// The rejected request must not have consumed a minute token: two
	// attempts consumed 2 RPM tokens, one was refunded on RPD rejection.
	l.mu.Lock()
	remaining := l.rpm.remaining()
	l.mu.Unlock()
	if remaining != 98 {
		t.Errorf("rpm remaining = %d, want 98", remaining)
	}
}

func TestLimiter_RPDRetryAfterIsLong(t *testing.T) {
	t.Parallel()
	l := newLimiter(Limits{RPD: 1})

	if r := l.Allow(); !r.Allowed {
		t.Fatal("first request should be allowed")
	}
	r := l.Allow()
	if r.Allowed {
		t.Fatal("second request should be denied")
	}
	// One token per day refills at 1/86400 tokens per second.
	if r.RetryAfterSeconds < 3600 {
		t.Errorf("retry after = %.0fs, want hours-scale", r.RetryAfterSeconds)
	}
}

func TestLimiter_Unlimited(t *testing.T) {
	t.Parallel()
	l := newLimiter(Limits{})

	for range 1000 {
		if r := l.Allow(); !r.Allowed {
			t.Fatal("unlimited key should always be allowed")
		}
	}
}

func TestLimiter_RPDOnly(t *testing.T) {
	t.Parallel()
	l := newLimiter(Limits{RPD: 2})

	r := l.Allow()
	if !r.Allowed || r.Scope != ScopeRPD {
		t.Fatalf("result = %+v, want allowed rpd", r)
	}
	if r.Remaining != 1 {
		t.Errorf("remaining = %d, want 1", r.Remaining)
	}
}

func TestLimiter_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	l := newLimiter(Limits{RPM: 1000, RPD: 100000})

	var wg sync.WaitGroup
	for range 100 {
		wg.Go(func() {
			l.Allow()
		})
	}
	wg.Wait()
}

func TestLimitsFor(t *testing.T) {
	t.Parallel()
	rpm, rpd := int64(60), int64(5000)
	key := &conduit.VirtualKey{RPMLimit: &rpm, RPDLimit: &rpd}

	got := LimitsFor(key)
	if got != (Limits{RPM: 60, RPD: 5000}) {
		t.Errorf("limits = %+v", got)
	}

	if got := LimitsFor(&conduit.VirtualKey{}); got != (Limits{}) {
		t.Errorf("unset limits = %+v, want zero", got)
	}
}

func TestRegistry_GetOrCreate(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	l1 := r.GetOrCreate("key1", Limits{RPM: 10})
	l2 := r.GetOrCreate("key1", Limits{RPM: 10})
	if l1 != l2 {
		t.Error("same key+limits should return same limiter")
	}

	l3 := r.GetOrCreate("key1", Limits{RPM: 20})
	if l1 == l3 {
		t.Error("changed limits should create new limiter")
	}
}

func TestRegistry_EvictStale(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	r.GetOrCreate("fresh", Limits{RPM: 10})
	r.GetOrCreate("stale", Limits{RPM: 10})

	// Manually make "stale" entry old.
	r.mu.Lock()
	r.limiters["stale"].mu.Lock()
	r.limiters["stale"].lastUsed = time.Now().Add(-2 * time.Hour)
	r.limiters["stale"].mu.Unlock()
	r.mu.Unlock()

	evicted := r.EvictStale(time.Now().Add(-1 * time.Hour))
	if evicted != 1 {
		t.Errorf("evicted = %d, want 1", evicted)
	}

	r.mu.RLock()
	_, hasFresh := r.limiters["fresh"]
	_, hasStale := r.limiters["stale"]
	r.mu.RUnlock()

	if !hasFresh {
		t.Error("fresh limiter should not be evicted")
	}
	if hasStale {
		t.Error("stale limiter should be evicted")
	}
}

func TestBucket_RefillNegativeElapsed(t *testing.T) {
	t.Parallel()
	l := newLimiter(Limits{RPM: 10})
	l.mu.Lock()
	l.rpm.tokens = 5
	l.rpm.lastFill = time.Now().Add(time.Hour) // future
	l.mu.Unlock()

	r := l.Allow()
	if !r.Allowed {
		t.Error("should be allowed (refill skipped for negative elapsed)")
	}
}

func BenchmarkAllow(b *testing.B) {
	l := newLimiter(Limits{RPM: 1_000_000, RPD: 1_000_000_000}) // high limits so it never denies
	for b.Loop() {
		l.Allow()
	}
}
