// Package ratelimit implements per-virtual-key RPM and RPD rate limiting
// with lazy-refill token buckets.
package ratelimit

import (
	"sync"
	"time"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

// Scope labels for rate limit results and metrics.
const (
	ScopeRPM = "rpm"
	ScopeRPD = "rpd"
)

// Limits holds the effective per-minute and per-day request limits for a
// key. A value of 0 means unlimited.
type Limits struct {
	RPM int64
	RPD int64
}

// LimitsFor extracts the effective limits from a virtual key.
func LimitsFor(key *conduit.VirtualKey) Limits {
	var l Limits
	if key.RPMLimit != nil {
		l.RPM = *key.RPMLimit
	}
	if key.RPDLimit != nil {
		l.RPD = *key.RPDLimit
	}
	return l
}

// Result is the outcome of a rate limit check. On rejection Scope names
// the bucket that ran dry.
type Result struct {
	Allowed           bool
	Scope             string
	Limit             int64
	Remaining         int64
	RetryAfterSeconds float64
}

// Bucket is a token bucket with lazy refill (no background goroutine).
type Bucket struct {
	tokens   float64
	max      float64
	rate     float64 // tokens per second
	lastFill time.Time
}

func newBucket(limit int64, window time.Duration) *Bucket {
	return &Bucket{
		tokens:   float64(limit),
		max:      float64(limit),
		rate:     float64(limit) / window.Seconds(),
		lastFill: time.Now(),
	}
}

// refill adds tokens based on elapsed time since last refill.
func (b *Bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastFill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = min(b.max, b.tokens+elapsed*b.rate)
	b.lastFill = now
}

// tryConsume attempts to consume n tokens. Returns remaining and whether allowed.
func (b *Bucket) tryConsume(n float64, now time.Time) (remaining int64, allowed bool) {
	b.refill(now)
	if b.tokens >= n {
		b.tokens -= n
		return int64(b.tokens), true
	}
	return 0, false
}

// retryAfter returns seconds until n tokens are available.
func (b *Bucket) retryAfter(n float64) float64 {
	if b.tokens >= n {
		return 0
	}
	deficit := n - b.tokens
	return deficit / b.rate
}

// remaining returns current token count.
func (b *Bucket) remaining() int64 {
	return int64(b.tokens)
}

// adjust adds or removes tokens (for refunds on partial consumption).
func (b *Bucket) adjust(delta float64) {
	b.tokens = min(b.max, max(0, b.tokens+delta))
}

// Limiter holds the RPM and RPD buckets for a single virtual key.
type Limiter struct {
	mu       sync.Mutex
	rpm      *Bucket // nil if RPM unlimited
	rpd      *Bucket // nil if RPD unlimited
	limits   Limits
	lastUsed time.Time
}

// newLimiter creates a Limiter with the given limits.
func newLimiter(limits Limits) *Limiter {
	l := &Limiter{limits: limits, lastUsed: time.Now()}
	if limits.RPM > 0 {
		l.rpm = newBucket(limits.RPM, time.Minute)
	}
	if limits.RPD > 0 {
		l.rpd = newBucket(limits.RPD, 24*time.Hour)
	}
	return l
}

// Allow consumes one request from both buckets. If the minute bucket
// admits the request but the day bucket rejects it, the minute token is
// refunded so a later in-window retry is not double-charged.
func (l *Limiter) Allow() Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.lastUsed = now

	if l.rpm != nil {
		remaining, ok := l.rpm.tryConsume(1, now)
		if !ok {
			return Result{
				Scope:             ScopeRPM,
				Limit:             l.limits.RPM,
				RetryAfterSeconds: l.rpm.retryAfter(1),
			}
		}
		if l.rpd != nil {
			if _, ok := l.rpd.tryConsume(1, now); !ok {
				l.rpm.adjust(1)
				return Result{
					Scope:             ScopeRPD,
					Limit:             l.limits.RPD,
					RetryAfterSeconds: l.rpd.retryAfter(1),
				}
			}
		}
		return Result{Allowed: true, Scope: ScopeRPM, Limit: l.limits.RPM, Remaining: remaining}
	}

	if l.rpd != nil {
		remaining, ok := l.rpd.tryConsume(1, now)
		if !ok {
			return Result{
				Scope:             ScopeRPD,
				Limit:             l.limits.RPD,
				RetryAfterSeconds: l.rpd.retryAfter(1),
			}
		}
		return Result{Allowed: true, Scope: ScopeRPD, Limit: l.limits.RPD, Remaining: remaining}
	}

	return Result{Allowed: true}
}

// Registry manages per-key Limiters.
type Registry struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
}

// NewRegistry creates a new rate limiter registry.
func NewRegistry() *Registry {
	return &Registry{
		limiters: make(map[string]*Limiter),
	}
}

// GetOrCreate returns the limiter for keyID, creating one if needed.
// If the key's limits have changed, a new limiter is created.
func (r *Registry) GetOrCreate(keyID string, limits Limits) *Limiter {
	r.mu.RLock()
	l, ok := r.limiters[keyID]
	r.mu.RUnlock()
	if ok && l.limits == limits {
		return l
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	if l, ok := r.limiters[keyID]; ok && l.limits == limits {
		return l
	}
	l = newLimiter(limits)
	r.limiters[keyID] = l
	return l
}

// EvictStale removes limiters not used since cutoff.
func (r *Registry) EvictStale(cutoff time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for k, l := range r.limiters {
		l.mu.Lock()
		stale := l.lastUsed.Before(cutoff)
		l.mu.Unlock()
		if stale {
			delete(r.limiters, k)
			evicted++
		}
	}
	return evicted
}
