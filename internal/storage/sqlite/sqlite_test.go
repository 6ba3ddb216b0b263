package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	// Use a unique file-based temp DB for each test to avoid shared :memory: races
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedGroup(t *testing.T, s *Store, id string) {
	t.Helper()
	g := &conduit.VirtualKeyGroup{ID: id, Name: id, CreatedAt: time.Now().UTC()}
	if err := s.CreateGroup(context.Background(), g); err != nil {
		t.Fatal("seed group:", err)
	}
}

func TestVirtualKeyRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, s, "grp-1")

	rpm := int64(100)
	expires := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	key := &conduit.VirtualKey{
		ID:            "vk-1",
		KeyHash:       "abc123hash",
		KeyPrefix:     "condt_abc1",
		Name:          "ci key",
		GroupID:       "grp-1",
		AllowedModels: []string{"gpt-*", "claude-3"},
		ExpiresAt:     &expires,
		RPMLimit:      &rpm,
		Metadata:      map[string]string{"team": "platform"},
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
	}

	if err := s.CreateKey(ctx, key); err != nil {
		t.Fatal("create:", err)
	}

	got, err := s.GetKeyByHash(ctx, "abc123hash")
	if err != nil {
		t.Fatal("get by hash:", err)
	}
	if got.ID != "vk-1" || got.GroupID != "grp-1" || got.KeyPrefix != "condt_abc1" {
		t.Errorf("key = %+v", got)
	}
	if len(got.AllowedModels) != 2 || got.AllowedModels[0] != "gpt-*" {
		t.Errorf("allowed models = %v", got.AllowedModels)
	}
	if got.RPMLimit == nil || *got.RPMLimit != 100 {
		t.Errorf("rpm limit = %v", got.RPMLimit)
	}
	if got.RPDLimit != nil {
		t.Errorf("rpd limit = %v, want nil", got.RPDLimit)
	}
	if got.ExpiresAt == nil || !got.ExpiresAt.Equal(expires) {
		t.Errorf("expires = %v, want %v", got.ExpiresAt, expires)
	}
	if got.Metadata["team"] != "platform" {
		t.Errorf("metadata = %v", got.Metadata)
	}

	// Update flips disabled and rewrites the allow-list.
	got.Disabled = true
	got.AllowedModels = nil
	if err := s.UpdateVirtualKey(ctx, got); err != nil {
		t.Fatal("update:", err)
	}
	got, err = s.GetVirtualKey(ctx, "vk-1")
	if err != nil {
		t.Fatal("get:", err)
	}
	if !got.Disabled || got.AllowedModels != nil {
		t.Errorf("after update: %+v", got)
	}

	// Touch + list + delete.
	if err := s.TouchKeyUsed(ctx, "vk-1"); err != nil {
		t.Fatal("touch:", err)
	}
	keys, err := s.ListVirtualKeys(ctx, 0, 10)
	if err != nil {
		t.Fatal("list:", err)
	}
	if len(keys) != 1 {
		t.Fatalf("list count = %d, want 1", len(keys))
	}
	if err := s.DeleteKey(ctx, "vk-1"); err != nil {
		t.Fatal("delete:", err)
	}
	if _, err := s.GetVirtualKey(ctx, "vk-1"); !errors.Is(err, conduit.ErrNotFound) {
		t.Errorf("get after delete: %v, want ErrNotFound", err)
	}
}

func TestKeyNotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	if _, err := s.GetKeyByHash(context.Background(), "nope"); !errors.Is(err, conduit.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := s.DeleteKey(context.Background(), "nope"); !errors.Is(err, conduit.ErrNotFound) {
		t.Errorf("delete err = %v, want ErrNotFound", err)
	}
}

func TestGroupBalanceInvariant(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedGroup(t, s, "grp-1")

	if err := s.AddCredits(ctx, "grp-1", decimal.RequireFromString("100.000001")); err != nil {
		t.Fatal("add credits:", err)
	}
	if err := s.Debit(ctx, "grp-1", decimal.RequireFromString("0.000001")); err != nil {
		t.Fatal("debit:", err)
	}
	if err := s.Debit(ctx, "grp-1", decimal.RequireFromString("25.5")); err != nil {
		t.Fatal("debit:", err)
	}

	g, err := s.GetGroup(ctx, "grp-1")
	if err != nil {
		t.Fatal("get:", err)
	}
	// balance = credits - spent, exactly.
	if !g.Balance.Equal(g.LifetimeCredits.Sub(g.LifetimeSpent)) {
		t.Errorf("invariant broken: balance=%s credits=%s spent=%s",
			g.Balance, g.LifetimeCredits, g.LifetimeSpent)
	}
	if want := decimal.RequireFromString("74.5"); !g.Balance.Equal(want) {
		t.Errorf("balance = %s, want %s", g.Balance, want)
	}
	if want := decimal.RequireFromString("25.500001"); !g.LifetimeSpent.Equal(want) {
		t.Errorf("spent = %s, want %s", g.LifetimeSpent, want)
	}
}

func TestDebitUnknownGroup(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	err := s.Debit(context.Background(), "nope", decimal.NewFromInt(1))
	if !errors.Is(err, conduit.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func seedProvider(t *testing.T, s *Store, id, ptype string) {
	t.Helper()
	p := &conduit.ProviderConfig{ID: id, Name: id, Type: ptype, Enabled: true}
	if err := s.CreateProvider(context.Background(), p); err != nil {
		t.Fatal("seed provider:", err)
	}
}

func TestProviderAndKeys(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedProvider(t, s, "prov-1", conduit.ProviderOpenAI)

	keys := []*conduit.ProviderKey{
		{ID: "pk-backup", ProviderID: "prov-1", APIKey: "sk-b", Enabled: true},
		{ID: "pk-primary", ProviderID: "prov-1", APIKey: "sk-a", Primary: true, Enabled: true},
		{ID: "pk-disabled", ProviderID: "prov-1", APIKey: "sk-c", Enabled: false},
	}
	for _, k := range keys {
		if err := s.CreateProviderKey(ctx, k); err != nil {
			t.Fatal("create key:", err)
		}
	}

	got, err := s.GetKeysForProvider(ctx, "prov-1")
	if err != nil {
		t.Fatal("get keys:", err)
	}
	// Disabled keys are filtered, primary sorts first.
	if len(got) != 2 {
		t.Fatalf("key count = %d, want 2", len(got))
	}
	if got[0].ID != "pk-primary" || !got[0].Primary {
		t.Errorf("first key = %+v, want primary", got[0])
	}

	// Deleting the provider cascades to its keys.
	if err := s.DeleteProvider(ctx, "prov-1"); err != nil {
		t.Fatal("delete provider:", err)
	}
	got, err = s.GetKeysForProvider(ctx, "prov-1")
	if err != nil {
		t.Fatal("get keys after cascade:", err)
	}
	if len(got) != 0 {
		t.Errorf("keys after provider delete = %d, want 0", len(got))
	}
}

func TestMappingsByAlias(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	seedProvider(t, s, "prov-1", conduit.ProviderOpenAI)
	seedProvider(t, s, "prov-2", conduit.ProviderAnthropic)

	mappings := []*conduit.ModelMapping{
		{ID: "m-low", Alias: "smart", ProviderID: "prov-1", ProviderModelID: "gpt-4o", Priority: 1, Enabled: true},
		{ID: "m-high", Alias: "smart", ProviderID: "prov-2", ProviderModelID: "claude-3-opus", Priority: 10, Enabled: true},
		{ID: "m-off", Alias: "smart", ProviderID: "prov-1", ProviderModelID: "gpt-3.5", Priority: 99, Enabled: false},
		{ID: "m-other", Alias: "fast", ProviderID: "prov-1", ProviderModelID: "gpt-4o-mini", Capabilities: conduit.CapChat | conduit.CapStreaming, Enabled: true},
	}
	for _, m := range mappings {
		if err := s.CreateMapping(ctx, m); err != nil {
			t.Fatal("create mapping:", err)
		}
	}

	got, err := s.GetMappingsByAlias(ctx, "smart")
	if err != nil {
		t.Fatal("by alias:", err)
	}
	if len(got) != 2 {
		t.Fatalf("mapping count = %d, want 2 (disabled excluded)", len(got))
	}
	if got[0].ID != "m-high" {
		t.Errorf("first mapping = %q, want m-high (priority order)", got[0].ID)
	}

	aliases, err := s.ListModelAliases(ctx)
	if err != nil {
		t.Fatal("aliases:", err)
	}
	if len(aliases) != 2 || aliases[0] != "fast" || aliases[1] != "smart" {
		t.Errorf("aliases = %v", aliases)
	}

	// Capability bits survive the round trip.
	m, err := s.GetMapping(ctx, "m-other")
	if err != nil {
		t.Fatal("get mapping:", err)
	}
	if !m.Capabilities.Satisfies(conduit.CapChat | conduit.CapStreaming) {
		t.Errorf("capabilities = %b", m.Capabilities)
	}
}

func TestCostForMapping(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	costs := []*conduit.ModelCost{
		{ID: "c-old", MappingID: "m-1", PricingModel: conduit.PricingStandard,
			InputPerMillion: decimal.RequireFromString("2.5"), Priority: 1},
		{ID: "c-new", MappingID: "m-1", PricingModel: conduit.PricingStandard,
			InputPerMillion:  decimal.RequireFromString("2.000001"),
			OutputPerMillion: decimal.RequireFromString("8.000001"), Priority: 5},
	}
	for _, c := range costs {
		if err := s.CreateCost(ctx, c); err != nil {
			t.Fatal("create cost:", err)
		}
	}

	got, err := s.GetCostForMapping(ctx, "m-1")
	if err != nil {
		t.Fatal("get cost:", err)
	}
	if got.ID != "c-new" {
		t.Errorf("cost = %q, want c-new (priority order)", got.ID)
	}
	// Six fractional digits survive TEXT storage.
	if !got.InputPerMillion.Equal(decimal.RequireFromString("2.000001")) {
		t.Errorf("input rate = %s", got.InputPerMillion)
	}

	if _, err := s.GetCostForMapping(ctx, "m-none"); !errors.Is(err, conduit.ErrNotFound) {
		t.Errorf("missing cost err = %v, want ErrNotFound", err)
	}
}

func TestUsageInsertAndQuery(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	records := []conduit.UsageRecord{
		{
			ID: "u-1", VirtualKeyID: "vk-1", GroupID: "grp-1",
			Operation: conduit.OpChat, ModelAlias: "smart", ProviderID: "prov-1",
			PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150,
			Cost: decimal.RequireFromString("0.000125"), LatencyMs: 420,
			StatusCode: 200, RequestID: "req-1", CreatedAt: now.Add(-time.Hour),
		},
		{
			ID: "u-2", VirtualKeyID: "vk-2", GroupID: "grp-1",
			Operation: conduit.OpSpeech, ModelAlias: "tts",
			CharacterCount: 500, AudioSeconds: 12.5, UsageEstimated: true,
			Cost: decimal.RequireFromString("0.0075"), StatusCode: 200, CreatedAt: now,
		},
		{
			ID: "u-3", VirtualKeyID: "vk-1", GroupID: "grp-2",
			Operation: conduit.OpChat, ModelAlias: "smart",
			Cost: decimal.Zero, StatusCode: 503, CreatedAt: now,
		},
	}
	if err := s.InsertUsage(ctx, records); err != nil {
		t.Fatal("insert:", err)
	}

	// Filter by group.
	got, err := s.QueryUsage(ctx, conduit.UsageFilter{GroupID: "grp-1"})
	if err != nil {
		t.Fatal("query:", err)
	}
	if len(got) != 2 {
		t.Fatalf("group filter count = %d, want 2", len(got))
	}
	// Newest first.
	if got[0].ID != "u-2" {
		t.Errorf("first = %q, want u-2", got[0].ID)
	}
	if !got[0].UsageEstimated || got[0].AudioSeconds != 12.5 {
		t.Errorf("audio record = %+v", got[0])
	}
	if !got[1].Cost.Equal(decimal.RequireFromString("0.000125")) {
		t.Errorf("cost = %s", got[1].Cost)
	}

	// Time window excludes the older record.
	got, err = s.QueryUsage(ctx, conduit.UsageFilter{Since: now.Add(-time.Minute)})
	if err != nil {
		t.Fatal("query since:", err)
	}
	if len(got) != 2 {
		t.Errorf("since filter count = %d, want 2", len(got))
	}

	n, err := s.CountUsage(ctx, conduit.UsageFilter{VirtualKeyID: "vk-1"})
	if err != nil {
		t.Fatal("count:", err)
	}
	if n != 2 {
		t.Errorf("count = %d, want 2", n)
	}
}

func TestInsertUsageEmptyBatch(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	if err := s.InsertUsage(context.Background(), nil); err != nil {
		t.Fatal(err)
	}
}

func TestModelInfoAndDefaults(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	info := &conduit.ModelInfo{
		Alias:             "smart",
		ContextWindow:     128000,
		MaxOutputTokens:   4096,
		SupportsChat:      true,
		SupportsVision:    true,
		SupportsStreaming: true,
		Formats:           []string{"mp3", "wav"},
	}
	if err := s.UpsertModelInfo(ctx, info); err != nil {
		t.Fatal("upsert:", err)
	}
	// Upsert again with a change.
	info.ContextWindow = 200000
	if err := s.UpsertModelInfo(ctx, info); err != nil {
		t.Fatal("re-upsert:", err)
	}

	got, err := s.GetModelInfo(ctx, "smart")
	if err != nil {
		t.Fatal("get:", err)
	}
	if got.ContextWindow != 200000 || !got.SupportsVision || got.SupportsTools {
		t.Errorf("info = %+v", got)
	}
	if len(got.Formats) != 2 {
		t.Errorf("formats = %v", got.Formats)
	}

	if err := s.SetDefaultModel(ctx, conduit.ProviderOpenAI, conduit.DefaultKindChat, "smart"); err != nil {
		t.Fatal("set default:", err)
	}
	alias, err := s.GetDefaultModel(ctx, conduit.ProviderOpenAI, conduit.DefaultKindChat)
	if err != nil {
		t.Fatal("get default:", err)
	}
	if alias != "smart" {
		t.Errorf("default = %q, want smart", alias)
	}
	if _, err := s.GetDefaultModel(ctx, conduit.ProviderOllama, conduit.DefaultKindTTS); !errors.Is(err, conduit.ErrNotFound) {
		t.Errorf("missing default err = %v, want ErrNotFound", err)
	}
}
