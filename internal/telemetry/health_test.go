package telemetry

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/knnlabs/Conduit-sub015/internal/cache"
)

type recordingChannel struct {
	notified atomic.Int32
}

func (c *recordingChannel) Name() string          { return "recording" }
func (c *recordingChannel) Accepts(Severity) bool { return true }
func (c *recordingChannel) Notify(ctx context.Context, a *Alert) error {
	c.notified.Add(1)
	return nil
}

func newTestMonitor(channels ...AlertChannel) *HealthMonitor {
	collector := cache.NewCollector("test-1", nil)
	metrics := NewMetrics(prometheus.NewPedanticRegistry())
	return NewHealthMonitor(collector, nil, metrics, channels, DefaultHealthConfig())
}

func TestRaiseDeduplicatesWithinWindow(t *testing.T) {
	t.Parallel()
	ch := &recordingChannel{}
	m := newTestMonitor(ch)
	ctx := context.Background()

	m.raise(ctx, AlertStatisticsDrift, SeverityError, "drift 50%", map[string]any{"drift": 0.5})
	m.raise(ctx, AlertStatisticsDrift, SeverityError, "drift 50%", map[string]any{"drift": 0.5})

	if got := ch.notified.Load(); got != 1 {
		t.Errorf("notifications = %d, want 1", got)
	}

	m.mu.Lock()
	a := m.active[AlertStatisticsDrift]
	m.mu.Unlock()
	if a == nil {
		t.Fatal("alert not active")
	}
	if a.Count != 2 {
		t.Errorf("count = %d, want 2", a.Count)
	}
}

func TestRaiseAfterClearNotifiesAgain(t *testing.T) {
	t.Parallel()
	ch := &recordingChannel{}
	m := newTestMonitor(ch)
	ctx := context.Background()

	m.raise(ctx, AlertLowActiveInstances, SeverityError, "0 instances", nil)
	m.clear(AlertLowActiveInstances)
	m.raise(ctx, AlertLowActiveInstances, SeverityError, "0 instances", nil)

	if got := ch.notified.Load(); got != 2 {
		t.Errorf("notifications = %d, want 2", got)
	}
}

func TestStatusReflectsAlertSeverity(t *testing.T) {
	t.Parallel()
	m := newTestMonitor()
	ctx := context.Background()

	st := m.Status()
	if !st.Healthy {
		t.Error("fresh monitor should be healthy")
	}
	if !st.Degraded {
		t.Error("monitor without a distributed tier should report degraded")
	}

	m.raise(ctx, AlertHighRecordingLatency, SeverityWarning, "slow", nil)
	if st := m.Status(); !st.Healthy {
		t.Error("warning alone should not flip healthy")
	}

	m.raise(ctx, AlertRedisConnectionFailure, SeverityCritical, "down", nil)
	st = m.Status()
	if st.Healthy {
		t.Error("critical alert should flip healthy")
	}
	if !st.Degraded {
		t.Error("redis failure should mark degraded")
	}
	if len(st.Alerts) != 2 {
		t.Errorf("alerts = %d, want 2", len(st.Alerts))
	}
}

func TestCheckWithoutRedisSkipsDistributedProbes(t *testing.T) {
	t.Parallel()
	m := newTestMonitor()
	m.Check(context.Background())

	m.mu.Lock()
	n := len(m.active)
	m.mu.Unlock()
	if n != 0 {
		t.Errorf("active alerts = %d, want 0", n)
	}
}

func TestWebhookChannelSeverityFilter(t *testing.T) {
	t.Parallel()
	ch := NewWebhookChannel("http://unused", nil, nil)
	if ch.Accepts(SeverityWarning) {
		t.Error("webhook default should drop warnings")
	}
	if !ch.Accepts(SeverityError) || !ch.Accepts(SeverityCritical) {
		t.Error("webhook default should accept error and critical")
	}

	slack := NewSlackChannel("http://unused", nil, nil)
	if !slack.Accepts(SeverityWarning) {
		t.Error("slack default should accept warnings")
	}
	if slack.Accepts(SeverityInfo) {
		t.Error("slack default should drop info")
	}
}

func TestWebhookChannelPostsAlertJSON(t *testing.T) {
	t.Parallel()
	got := make(chan Alert, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var a Alert
		if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
			t.Errorf("decode: %v", err)
		}
		got <- a
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, nil, srv.Client())
	err := ch.Notify(context.Background(), &Alert{
		Kind:     AlertHighRedisMemory,
		Severity: SeverityError,
		Message:  "over limit",
	})
	if err != nil {
		t.Fatal(err)
	}
	a := <-got
	if a.Kind != AlertHighRedisMemory || a.Severity != SeverityError {
		t.Errorf("alert = %+v", a)
	}
}

func TestSlackChannelFormatsText(t *testing.T) {
	t.Parallel()
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		got <- string(body)
	}))
	defer srv.Close()

	ch := NewSlackChannel(srv.URL, nil, srv.Client())
	err := ch.Notify(context.Background(), &Alert{
		Kind:     AlertStatisticsDrift,
		Severity: SeverityError,
		Message:  "region chat drifted 50%",
	})
	if err != nil {
		t.Fatal(err)
	}
	body := <-got
	if !strings.Contains(body, `"text"`) || !strings.Contains(body, "StatisticsDrift") {
		t.Errorf("body = %s", body)
	}
}

func TestChannelsFromEnv(t *testing.T) {
	t.Setenv("CONDUIT_ALERT_WEBHOOK_URL", "http://hooks.example.com/alert")
	t.Setenv("CONDUIT_SLACK_WEBHOOK_URL", "http://hooks.slack.com/T/B/x")

	chs := ChannelsFromEnv(nil)
	if len(chs) != 2 {
		t.Fatalf("channels = %d, want 2", len(chs))
	}
	if chs[0].Name() != "webhook" || chs[1].Name() != "slack" {
		t.Errorf("channels = %s, %s", chs[0].Name(), chs[1].Name())
	}
}

func TestParseUsedMemory(t *testing.T) {
	t.Parallel()
	info := "# Memory\r\nused_memory:1048576\r\nused_memory_human:1.00M\r\n"
	if got := parseUsedMemory(info); got != 1048576 {
		t.Errorf("used = %d, want 1048576", got)
	}
	if got := parseUsedMemory("no memory section"); got != 0 {
		t.Errorf("used = %d, want 0", got)
	}
}

func TestStatisticsDriftAlert(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	// Three instances report 100 hits each, but the stored aggregate
	// says 150: 50% drift.
	for _, id := range []string{"inst-a", "inst-b", "inst-c"} {
		mr.HSet("conduit:cache:stats:"+id, "chat|hits", "100")
	}
	mr.HSet("conduit:cache:stats:aggregate", "chat|hits", "150", "instances", "3")

	ch := &recordingChannel{}
	collector := cache.NewCollector("inst-a", client)
	metrics := NewMetrics(prometheus.NewPedanticRegistry())
	m := NewHealthMonitor(collector, client, metrics, []AlertChannel{ch}, DefaultHealthConfig())

	m.Check(ctx)

	m.mu.Lock()
	a := m.active[AlertStatisticsDrift]
	m.mu.Unlock()
	if a == nil {
		t.Fatal("drift alert not raised")
	}
	if got := a.Context["drift"].(float64); got != 0.5 {
		t.Errorf("drift = %v, want 0.5", got)
	}

	// An identical second poll updates in place without re-notifying.
	before := ch.notified.Load()
	m.Check(ctx)
	if got := ch.notified.Load(); got != before {
		t.Errorf("notifications = %d, want %d", got, before)
	}
	m.mu.Lock()
	count := m.active[AlertStatisticsDrift].Count
	m.mu.Unlock()
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}
}

func TestDedupWindowExpiry(t *testing.T) {
	t.Parallel()
	ch := &recordingChannel{}
	m := newTestMonitor(ch)
	m.cfg.DedupWindow = 10 * time.Millisecond
	ctx := context.Background()

	m.raise(ctx, AlertHighAggregationLatency, SeverityWarning, "slow", nil)
	time.Sleep(20 * time.Millisecond)
	m.raise(ctx, AlertHighAggregationLatency, SeverityWarning, "slow", nil)

	if got := ch.notified.Load(); got != 2 {
		t.Errorf("notifications = %d, want 2", got)
	}
}
