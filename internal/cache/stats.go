package cache

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	statsKeyPrefix    = "conduit:cache:stats:"
	statsAggregateKey = "conduit:cache:stats:aggregate"

	// InstanceTTL is the freshness window for a per-instance stats hash.
	// An instance that has not flushed within it is considered gone and
	// drops out of the aggregate.
	InstanceTTL = 90 * time.Second
)

// regionCounters are the per-region hot-path counters. Recording is
// lock-free; the map itself is guarded for the rare first-touch insert.
type regionCounters struct {
	hits     atomic.Int64
	misses   atomic.Int64
	writes   atomic.Int64
	bytes    atomic.Int64
	getNanos atomic.Int64
	getOps   atomic.Int64
}

// RegionStats is a point-in-time view of one region's counters.
type RegionStats struct {
	Region     string        `json:"region"`
	Hits       int64         `json:"hits"`
	Misses     int64         `json:"misses"`
	Writes     int64         `json:"writes"`
	Bytes      int64         `json:"bytes"`
	AvgGetTime time.Duration `json:"avg_get_time"`
}

// HitRatio returns hits/(hits+misses), or 0 with no traffic.
func (s RegionStats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Collector accumulates cache statistics locally and flushes them to a
// per-instance Redis hash on a fixed cadence. Aggregation across instances
// is a separate read-sum-write pass so the hot path never touches Redis.
type Collector struct {
	instanceID string
	client     *redis.Client // nil = memory-only, Flush and AggregateAll are no-ops

	mu      sync.RWMutex
	regions map[string]*regionCounters
}

// NewCollector creates a Collector. client may be nil for memory-only
// deployments.
func NewCollector(instanceID string, client *redis.Client) *Collector {
	return &Collector{
		instanceID: instanceID,
		client:     client,
		regions:    make(map[string]*regionCounters),
	}
}

// InstanceID returns the identifier used in per-instance stats keys.
func (c *Collector) InstanceID() string { return c.instanceID }

func (c *Collector) counters(region string) *regionCounters {
	c.mu.RLock()
	rc, ok := c.regions[region]
	c.mu.RUnlock()
	if ok {
		return rc
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if rc, ok = c.regions[region]; ok {
		return rc
	}
	rc = &regionCounters{}
	c.regions[region] = rc
	return rc
}

// RecordHit counts a cache hit and its lookup latency.
func (c *Collector) RecordHit(region string, d time.Duration) {
	rc := c.counters(region)
	rc.hits.Add(1)
	rc.getNanos.Add(int64(d))
	rc.getOps.Add(1)
}

// RecordMiss counts a cache miss and its lookup latency.
func (c *Collector) RecordMiss(region string, d time.Duration) {
	rc := c.counters(region)
	rc.misses.Add(1)
	rc.getNanos.Add(int64(d))
	rc.getOps.Add(1)
}

// RecordWrite counts a write and its payload size.
func (c *Collector) RecordWrite(region string, n int) {
	rc := c.counters(region)
	rc.writes.Add(1)
	rc.bytes.Add(int64(n))
}

// Snapshot returns the current local counters for all regions.
func (c *Collector) Snapshot() []RegionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]RegionStats, 0, len(c.regions))
	for name, rc := range c.regions {
		s := RegionStats{
			Region: name,
			Hits:   rc.hits.Load(),
			Misses: rc.misses.Load(),
			Writes: rc.writes.Load(),
			Bytes:  rc.bytes.Load(),
		}
		if ops := rc.getOps.Load(); ops > 0 {
			s.AvgGetTime = time.Duration(rc.getNanos.Load() / ops)
		}
		out = append(out, s)
	}
	return out
}

// Flush writes the local counters to this instance's Redis hash and
// refreshes its TTL. The hash TTL doubles as the instance heartbeat.
func (c *Collector) Flush(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	snap := c.Snapshot()
	if len(snap) == 0 {
		return nil
	}
	fields := make(map[string]any, len(snap)*4+1)
	fields["updated_at"] = time.Now().UnixMilli()
	for _, s := range snap {
		fields[s.Region+"|hits"] = s.Hits
		fields[s.Region+"|misses"] = s.Misses
		fields[s.Region+"|writes"] = s.Writes
		fields[s.Region+"|bytes"] = s.Bytes
	}

	key := statsKeyPrefix + c.instanceID
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	pipe := c.client.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, InstanceTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// AggregateStats is the cross-instance sum of one region's counters.
type AggregateStats struct {
	Region    string `json:"region"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Writes    int64  `json:"writes"`
	Bytes     int64  `json:"bytes"`
	Instances int    `json:"instances"`
}

// HitRatio returns hits/(hits+misses), or 0 with no traffic.
func (s AggregateStats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// FreshSum scans the live per-instance hashes and sums them per region
// without touching the stored aggregate. The health monitor uses it to
// validate the aggregate against ground truth.
func (c *Collector) FreshSum(ctx context.Context) (map[string]AggregateStats, int, error) {
	if c.client == nil {
		return nil, 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	agg := make(map[string]AggregateStats)
	instances := 0

	iter := c.client.Scan(ctx, 0, statsKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if key == statsAggregateKey {
			continue
		}
		fields, err := c.client.HGetAll(ctx, key).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		instances++
		seen := make(map[string]bool)
		for field, raw := range fields {
			region, counter, ok := strings.Cut(field, "|")
			if !ok {
				continue
			}
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			s := agg[region]
			s.Region = region
			if !seen[region] {
				seen[region] = true
				s.Instances++
			}
			switch counter {
			case "hits":
				s.Hits += n
			case "misses":
				s.Misses += n
			case "writes":
				s.Writes += n
			case "bytes":
				s.Bytes += n
			}
			agg[region] = s
		}
	}
	if err := iter.Err(); err != nil {
		return nil, 0, err
	}
	return agg, instances, nil
}

// AggregateAll sums the live per-instance hashes and stores the result
// under the aggregate key. Stale instances age out via the hash TTL, so
// the sum only covers reporting instances.
func (c *Collector) AggregateAll(ctx context.Context) (map[string]AggregateStats, int, error) {
	if c.client == nil {
		return nil, 0, nil
	}
	agg, instances, err := c.FreshSum(ctx)
	if err != nil {
		return nil, 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	fields := make(map[string]any, len(agg)*4+2)
	fields["updated_at"] = time.Now().UnixMilli()
	fields["instances"] = instances
	for region, s := range agg {
		fields[region+"|hits"] = s.Hits
		fields[region+"|misses"] = s.Misses
		fields[region+"|writes"] = s.Writes
		fields[region+"|bytes"] = s.Bytes
	}
	pipe := c.client.Pipeline()
	pipe.Del(ctx, statsAggregateKey)
	pipe.HSet(ctx, statsAggregateKey, fields)
	pipe.Expire(ctx, statsAggregateKey, InstanceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return agg, instances, err
	}
	return agg, instances, nil
}

// StoredAggregate reads the aggregate written by the last AggregateAll
// pass. A missing aggregate returns an empty map.
func (c *Collector) StoredAggregate(ctx context.Context) (map[string]AggregateStats, int, error) {
	if c.client == nil {
		return nil, 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	fields, err := c.client.HGetAll(ctx, statsAggregateKey).Result()
	if err != nil {
		return nil, 0, err
	}

	agg := make(map[string]AggregateStats)
	instances := 0
	for field, raw := range fields {
		if field == "instances" {
			instances, _ = strconv.Atoi(raw)
			continue
		}
		region, counter, ok := strings.Cut(field, "|")
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		s := agg[region]
		s.Region = region
		switch counter {
		case "hits":
			s.Hits += n
		case "misses":
			s.Misses += n
		case "writes":
			s.Writes += n
		case "bytes":
			s.Bytes += n
		}
		agg[region] = s
	}
	return agg, instances, nil
}

// ActiveInstances counts the instances whose stats hash is still live.
func (c *Collector) ActiveInstances(ctx context.Context) (int, error) {
	if c.client == nil {
		return 1, nil
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	n := 0
	iter := c.client.Scan(ctx, 0, statsKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if iter.Val() != statsAggregateKey {
			n++
		}
	}
	return n, iter.Err()
}

// Drift returns the relative difference between the stored aggregate hit
// count and a fresh sum of the live instance hashes. The health monitor
// alerts when it exceeds its threshold.
func Drift(aggregate, freshSum int64) float64 {
	if freshSum == 0 {
		if aggregate == 0 {
			return 0
		}
		return 1
	}
	d := float64(aggregate-freshSum) / float64(freshSum)
	if d < 0 {
		d = -d
	}
	return d
}
