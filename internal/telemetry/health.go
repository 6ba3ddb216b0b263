package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/knnlabs/Conduit-sub015/internal/cache"
)

// AlertKind identifies a class of health violation.
type AlertKind string

const (
	AlertInstanceNotReporting   AlertKind = "InstanceNotReporting"
	AlertHighAggregationLatency AlertKind = "HighAggregationLatency"
	AlertHighRedisMemory        AlertKind = "HighRedisMemory"
	AlertLowActiveInstances     AlertKind = "LowActiveInstances"
	AlertRedisConnectionFailure AlertKind = "RedisConnectionFailure"
	AlertStatisticsDrift        AlertKind = "StatisticsDrift"
	AlertHighRecordingLatency   AlertKind = "HighRecordingLatency"
)

// Severity orders alerts for channel filtering.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Alert is one active health violation. A repeated violation within the
// dedup window updates the existing alert in place rather than raising a
// new one.
type Alert struct {
	Kind      AlertKind      `json:"kind"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	FirstSeen time.Time      `json:"first_seen"`
	LastSeen  time.Time      `json:"last_seen"`
	Count     int            `json:"count"`
}

// AlertChannel delivers alerts to an external sink.
type AlertChannel interface {
	Name() string
	Accepts(sev Severity) bool
	Notify(ctx context.Context, a *Alert) error
}

// WebhookChannel posts the alert as JSON to a generic webhook.
type WebhookChannel struct {
	url        string
	severities map[Severity]bool
	http       *http.Client
}

// NewWebhookChannel creates a webhook channel. A nil severity set defaults
// to error and critical.
func NewWebhookChannel(url string, severities map[Severity]bool, client *http.Client) *WebhookChannel {
	if severities == nil {
		severities = map[Severity]bool{SeverityError: true, SeverityCritical: true}
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookChannel{url: url, severities: severities, http: client}
}

func (c *WebhookChannel) Name() string              { return "webhook" }
func (c *WebhookChannel) Accepts(sev Severity) bool { return c.severities[sev] }

func (c *WebhookChannel) Notify(ctx context.Context, a *Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return c.post(ctx, body)
}

func (c *WebhookChannel) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook: HTTP %d", resp.StatusCode)
	}
	return nil
}

// SlackChannel posts a formatted message to a Slack incoming webhook.
type SlackChannel struct {
	wh WebhookChannel
}

// NewSlackChannel creates a Slack channel. A nil severity set defaults to
// warning and above.
func NewSlackChannel(url string, severities map[Severity]bool, client *http.Client) *SlackChannel {
	if severities == nil {
		severities = map[Severity]bool{SeverityWarning: true, SeverityError: true, SeverityCritical: true}
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &SlackChannel{wh: WebhookChannel{url: url, severities: severities, http: client}}
}

func (c *SlackChannel) Name() string              { return "slack" }
func (c *SlackChannel) Accepts(sev Severity) bool { return c.wh.severities[sev] }

func (c *SlackChannel) Notify(ctx context.Context, a *Alert) error {
	text := fmt.Sprintf(":rotating_light: *%s* [%s] %s", a.Kind, a.Severity, a.Message)
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}
	return c.wh.post(ctx, body)
}

// ChannelsFromEnv builds the default alert channels from
// CONDUIT_ALERT_WEBHOOK_URL and CONDUIT_SLACK_WEBHOOK_URL. Unset
// variables yield no channel.
func ChannelsFromEnv(client *http.Client) []AlertChannel {
	var out []AlertChannel
	if url := os.Getenv("CONDUIT_ALERT_WEBHOOK_URL"); url != "" {
		out = append(out, NewWebhookChannel(url, nil, client))
	}
	if url := os.Getenv("CONDUIT_SLACK_WEBHOOK_URL"); url != "" {
		out = append(out, NewSlackChannel(url, nil, client))
	}
	return out
}

// HealthConfig bounds the checks performed by the monitor.
type HealthConfig struct {
	Interval            time.Duration
	PingLatencyMax      time.Duration
	AggregationMax      time.Duration
	RecordingLatencyMax time.Duration
	DriftThreshold      float64
	MinInstances        int
	RedisMemoryMax      int64
	DedupWindow         time.Duration
}

// DefaultHealthConfig returns the stock thresholds.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Interval:            30 * time.Second,
		PingLatencyMax:      100 * time.Millisecond,
		AggregationMax:      2 * time.Second,
		RecordingLatencyMax: 10 * time.Millisecond,
		DriftThreshold:      0.01,
		MinInstances:        1,
		RedisMemoryMax:      1 << 30,
		DedupWindow:         5 * time.Minute,
	}
}

// HealthStatus is the point-in-time view served by the readiness probe.
type HealthStatus struct {
	Healthy         bool    `json:"healthy"`
	Degraded        bool    `json:"degraded"`
	ActiveInstances int     `json:"active_instances"`
	Alerts          []Alert `json:"alerts,omitempty"`
}

// HealthMonitor runs the periodic statistics health loop: distributed
// tier ping, instance census, aggregate accuracy validation, performance
// probes, and memory pressure. Violations become deduplicated alerts.
type HealthMonitor struct {
	collector *cache.Collector
	client    *redis.Client // nil = memory-only degraded mode
	metrics   *Metrics
	channels  []AlertChannel
	cfg       HealthConfig

	mu        sync.Mutex
	active    map[AlertKind]*Alert
	instances int
}

// NewHealthMonitor creates a HealthMonitor. client may be nil; the
// monitor then reports degraded mode and skips the distributed checks.
func NewHealthMonitor(collector *cache.Collector, client *redis.Client, metrics *Metrics, channels []AlertChannel, cfg HealthConfig) *HealthMonitor {
	if cfg.Interval <= 0 {
		cfg = DefaultHealthConfig()
	}
	return &HealthMonitor{
		collector: collector,
		client:    client,
		metrics:   metrics,
		channels:  channels,
		cfg:       cfg,
		active:    make(map[AlertKind]*Alert),
	}
}

// Name returns the worker identifier.
func (m *HealthMonitor) Name() string { return "stats_health" }

// Run performs an immediate check, then repeats on the configured
// interval until ctx is cancelled.
func (m *HealthMonitor) Run(ctx context.Context) error {
	m.Check(ctx)

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Check(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Check runs one full pass of the health checks.
func (m *HealthMonitor) Check(ctx context.Context) {
	m.probeRecording()
	m.publishLocalRatios()

	if m.client == nil {
		return
	}
	if !m.pingRedis(ctx) {
		return
	}
	m.censusInstances(ctx)
	m.validateAggregate(ctx)
	m.checkRedisMemory(ctx)
}

func (m *HealthMonitor) pingRedis(ctx context.Context) bool {
	start := time.Now()
	err := m.client.Ping(ctx).Err()
	latency := time.Since(start)
	if err != nil {
		m.raise(ctx, AlertRedisConnectionFailure, SeverityCritical,
			"distributed cache tier unreachable",
			map[string]any{"error": err.Error()})
		return false
	}
	if latency > m.cfg.PingLatencyMax {
		m.raise(ctx, AlertRedisConnectionFailure, SeverityWarning,
			fmt.Sprintf("distributed cache ping took %s", latency),
			map[string]any{"latency_ms": latency.Milliseconds()})
		return true
	}
	m.clear(AlertRedisConnectionFailure)
	return true
}

func (m *HealthMonitor) censusInstances(ctx context.Context) {
	n, err := m.collector.ActiveInstances(ctx)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.instances = n
	m.mu.Unlock()
	m.metrics.CacheInstances.Set(float64(n))

	if n < m.cfg.MinInstances {
		m.raise(ctx, AlertLowActiveInstances, SeverityError,
			fmt.Sprintf("%d active cache instances, want at least %d", n, m.cfg.MinInstances),
			map[string]any{"active": n, "min": m.cfg.MinInstances})
	} else {
		m.clear(AlertLowActiveInstances)
	}

	_, reported, err := m.collector.StoredAggregate(ctx)
	if err != nil {
		return
	}
	if reported > n {
		m.raise(ctx, AlertInstanceNotReporting, SeverityWarning,
			fmt.Sprintf("%d of %d instances stopped reporting", reported-n, reported),
			map[string]any{"reported": reported, "active": n})
	} else {
		m.clear(AlertInstanceNotReporting)
	}
}

// validateAggregate compares the stored aggregate against a fresh sum of
// the live instance hashes, per region.
func (m *HealthMonitor) validateAggregate(ctx context.Context) {
	stored, _, err := m.collector.StoredAggregate(ctx)
	if err != nil || len(stored) == 0 {
		return
	}

	start := time.Now()
	fresh, _, err := m.collector.FreshSum(ctx)
	latency := time.Since(start)
	if err != nil {
		return
	}
	if latency > m.cfg.AggregationMax {
		m.raise(ctx, AlertHighAggregationLatency, SeverityWarning,
			fmt.Sprintf("stats aggregation took %s", latency),
			map[string]any{"latency_ms": latency.Milliseconds()})
	} else {
		m.clear(AlertHighAggregationLatency)
	}

	worst := 0.0
	worstRegion := ""
	for region, s := range stored {
		d := cache.Drift(s.Hits, fresh[region].Hits)
		if d > worst {
			worst = d
			worstRegion = region
		}
	}
	if worst > m.cfg.DriftThreshold {
		m.raise(ctx, AlertStatisticsDrift, SeverityError,
			fmt.Sprintf("region %q aggregate drifted %.0f%% from instance sum", worstRegion, worst*100),
			map[string]any{"region": worstRegion, "drift": worst})
	} else {
		m.clear(AlertStatisticsDrift)
	}
}

func (m *HealthMonitor) checkRedisMemory(ctx context.Context) {
	info, err := m.client.Info(ctx, "memory").Result()
	if err != nil {
		return
	}
	used := parseUsedMemory(info)
	if used <= 0 {
		return
	}
	m.metrics.RedisMemoryBytes.Set(float64(used))
	if used > m.cfg.RedisMemoryMax {
		m.raise(ctx, AlertHighRedisMemory, SeverityError,
			fmt.Sprintf("redis using %d bytes, limit %d", used, m.cfg.RedisMemoryMax),
			map[string]any{"used_bytes": used, "max_bytes": m.cfg.RedisMemoryMax})
	} else {
		m.clear(AlertHighRedisMemory)
	}
}

func parseUsedMemory(info string) int64 {
	for _, line := range strings.Split(info, "\n") {
		if raw, ok := strings.CutPrefix(line, "used_memory:"); ok {
			n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
			if err == nil {
				return n
			}
		}
	}
	return 0
}

// probeRecording times a synthetic stats write on the hot path.
func (m *HealthMonitor) probeRecording() {
	start := time.Now()
	m.collector.RecordHit("health_probe", 0)
	latency := time.Since(start)
	if latency > m.cfg.RecordingLatencyMax {
		m.raise(context.Background(), AlertHighRecordingLatency, SeverityWarning,
			fmt.Sprintf("stats recording took %s", latency),
			map[string]any{"latency_us": latency.Microseconds()})
	} else {
		m.clear(AlertHighRecordingLatency)
	}
}

func (m *HealthMonitor) publishLocalRatios() {
	for _, s := range m.collector.Snapshot() {
		if s.Region == "health_probe" {
			continue
		}
		m.metrics.CacheHitRatio.WithLabelValues(s.Region).Set(s.HitRatio())
	}
}

// raise records a violation. A live alert of the same kind is updated in
// place; a new one is logged and fanned out to the channels that accept
// its severity. Channel failures are logged, never propagated.
func (m *HealthMonitor) raise(ctx context.Context, kind AlertKind, sev Severity, msg string, alertCtx map[string]any) {
	now := time.Now()

	m.mu.Lock()
	if a, ok := m.active[kind]; ok && now.Sub(a.LastSeen) <= m.cfg.DedupWindow {
		a.LastSeen = now
		a.Count++
		a.Severity = sev
		a.Message = msg
		a.Context = alertCtx
		m.mu.Unlock()
		return
	}
	a := &Alert{
		Kind:      kind,
		Severity:  sev,
		Message:   msg,
		Context:   alertCtx,
		FirstSeen: now,
		LastSeen:  now,
		Count:     1,
	}
	m.active[kind] = a
	m.mu.Unlock()

	slog.LogAttrs(ctx, slog.LevelWarn, "health alert raised",
		slog.String("kind", string(kind)),
		slog.String("severity", string(sev)),
		slog.String("message", msg),
	)
	for _, ch := range m.channels {
		if !ch.Accepts(sev) {
			continue
		}
		if err := ch.Notify(ctx, a); err != nil {
			slog.LogAttrs(ctx, slog.LevelError, "alert delivery failed",
				slog.String("channel", ch.Name()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (m *HealthMonitor) clear(kind AlertKind) {
	m.mu.Lock()
	delete(m.active, kind)
	m.mu.Unlock()
}

// Status reports current health for the readiness probe. Degraded means
// the distributed tier is absent or unreachable; the gateway still
// serves requests from the memory tier.
func (m *HealthMonitor) Status() HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := HealthStatus{
		Healthy:         true,
		Degraded:        m.client == nil,
		ActiveInstances: m.instances,
	}
	for _, a := range m.active {
		st.Alerts = append(st.Alerts, *a)
		if a.Severity == SeverityError || a.Severity == SeverityCritical {
			st.Healthy = false
		}
		if a.Kind == AlertRedisConnectionFailure {
			st.Degraded = true
		}
	}
	return st
}
