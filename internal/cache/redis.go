package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix         = "conduit:cache:"
	invalidateChannel = "conduit:cache:invalidate"

	// queryTimeout bounds every Redis round trip. A slow or dead Redis
	// degrades the cache to memory-only; it never slows a request down
	// by more than this.
	queryTimeout = 500 * time.Millisecond

	pingInterval = 15 * time.Second
)

// distEntry is the stored envelope. The expiry is absolute so peers with
// skewed clocks validate against their own clock instead of trusting a
// relative TTL computed elsewhere.
type distEntry struct {
	Value     []byte    `json:"v"`
	CreatedAt time.Time `json:"c"`
	ExpiresAt time.Time `json:"e"`
}

// invalidateMsg is the pub/sub payload for cross-instance invalidation.
type invalidateMsg struct {
	Origin string `json:"o"`
	Region string `json:"r"`
	Key    string `json:"k"`
}

// RedisTier is the distributed cache tier. All operations degrade
// gracefully: failures are logged at warn level and reported as misses,
// never as request errors.
type RedisTier struct {
	client     *redis.Client
	instanceID string
	healthy    atomic.Bool
	logger     *slog.Logger

	mu        sync.Mutex
	onInvalid func(region, key string)

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisTier wraps an existing client and starts the invalidation
// subscriber and health loop. instanceID identifies this gateway instance
// in pub/sub messages so it can skip its own invalidations.
func NewRedisTier(client *redis.Client, instanceID string, logger *slog.Logger) *RedisTier {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &RedisTier{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	t.healthy.Store(true)
	go t.run(ctx)
	return t
}

// NewRedisTierFromURL connects to the given redis:// URL and verifies the
// connection with a ping before returning.
func NewRedisTierFromURL(ctx context.Context, url, instanceID string, logger *slog.Logger) (*RedisTier, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisTier(client, instanceID, logger), nil
}

// Client exposes the underlying connection for the statistics collector
// and health monitor, which share it.
func (t *RedisTier) Client() *redis.Client { return t.client }

// Healthy reports whether the last Redis interaction succeeded.
func (t *RedisTier) Healthy() bool { return t.healthy.Load() }

// OnInvalidate registers the callback invoked for invalidations published
// by peer instances.
func (t *RedisTier) OnInvalidate(fn func(region, key string)) {
	t.mu.Lock()
	t.onInvalid = fn
	t.mu.Unlock()
}

func entryKey(region, key string) string {
	return keyPrefix + region + ":" + key
}

// Get fetches an entry. Expired envelopes are treated as misses and
// deleted opportunistically.
func (t *RedisTier) Get(ctx context.Context, region, key string) ([]byte, time.Time, bool) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	raw, err := t.client.Get(ctx, entryKey(region, key)).Bytes()
	if err == redis.Nil {
		t.healthy.Store(true)
		return nil, time.Time{}, false
	}
	if err != nil {
		t.degrade("get", err)
		return nil, time.Time{}, false
	}
	t.healthy.Store(true)

	var e distEntry
	if err := json.Unmarshal(raw, &e); err != nil {
		t.logger.Warn("cache: corrupt distributed entry",
			slog.String("region", region), slog.String("key", key))
		t.client.Del(context.WithoutCancel(ctx), entryKey(region, key))
		return nil, time.Time{}, false
	}
	if time.Now().After(e.ExpiresAt) {
		t.client.Del(context.WithoutCancel(ctx), entryKey(region, key))
		return nil, time.Time{}, false
	}
	return e.Value, e.ExpiresAt, true
}

// Set stores an entry with a server-side TTL matching the absolute expiry.
func (t *RedisTier) Set(ctx context.Context, region, key string, val []byte, expiresAt time.Time) {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(distEntry{Value: val, CreatedAt: time.Now(), ExpiresAt: expiresAt})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	if err := t.client.Set(ctx, entryKey(region, key), raw, ttl).Err(); err != nil {
		t.degrade("set", err)
		return
	}
	t.healthy.Store(true)
}

// Invalidate deletes the entry and publishes the invalidation to peers.
// Delivery is at-least-once; subscribers treat duplicates as no-ops.
func (t *RedisTier) Invalidate(ctx context.Context, region, key string) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if err := t.client.Del(ctx, entryKey(region, key)).Err(); err != nil {
		t.degrade("del", err)
	}
	msg, _ := json.Marshal(invalidateMsg{Origin: t.instanceID, Region: region, Key: key})
	if err := t.client.Publish(ctx, invalidateChannel, msg).Err(); err != nil {
		t.degrade("publish", err)
	}
}

func (t *RedisTier) degrade(op string, err error) {
	if t.healthy.CompareAndSwap(true, false) {
		t.logger.Warn("cache: distributed tier degraded, serving memory-only",
			slog.String("op", op), slog.String("error", err.Error()))
	}
}

// run owns the pub/sub subscription and the health ping loop. go-redis
// reconnects the subscription automatically after transient failures.
func (t *RedisTier) run(ctx context.Context) {
	defer close(t.done)

	sub := t.client.Subscribe(ctx, invalidateChannel)
	defer sub.Close()
	ch := sub.Channel()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var m invalidateMsg
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				continue
			}
			if m.Origin == t.instanceID {
				continue
			}
			t.mu.Lock()
			fn := t.onInvalid
			t.mu.Unlock()
			if fn != nil {
				fn(m.Region, m.Key)
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, queryTimeout)
			err := t.client.Ping(pingCtx).Err()
			cancel()
			if err != nil {
				t.degrade("ping", err)
			} else if t.healthy.CompareAndSwap(false, true) {
				t.logger.Info("cache: distributed tier recovered")
			}
		}
	}
}

// Close stops the subscriber and closes the client.
func (t *RedisTier) Close() error {
	t.cancel()
	<-t.done
	return t.client.Close()
}
