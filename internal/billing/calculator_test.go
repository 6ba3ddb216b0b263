package billing

import (
	"errors"
	"testing"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCostStandard(t *testing.T) {
	t.Parallel()
	cost := &conduit.ModelCost{
		PricingModel:     conduit.PricingStandard,
		InputPerMillion:  dec("2.50"),
		OutputPerMillion: dec("10.00"),
	}
	rec := &conduit.UsageRecord{PromptTokens: 1000, CompletionTokens: 500}

	got, err := Cost(cost, rec)
	if err != nil {
		t.Fatal(err)
	}
	// 1000/1e6*2.50 + 500/1e6*10.00 = 0.0025 + 0.005
	if want := dec("0.0075"); !got.Equal(want) {
		t.Errorf("cost = %s, want %s", got, want)
	}
}

func TestCostStandardNoRoundingLoss(t *testing.T) {
	t.Parallel()
	cost := &conduit.ModelCost{
		PricingModel:    conduit.PricingStandard,
		InputPerMillion: dec("0.000001"),
	}
	rec := &conduit.UsageRecord{PromptTokens: 1}

	got, err := Cost(cost, rec)
	if err != nil {
		t.Fatal(err)
	}
	// One token at a micro-dollar-per-million rate must not collapse to zero.
	if want := dec("0.000000000001"); !got.Equal(want) {
		t.Errorf("cost = %s, want %s", got, want)
	}
}

func TestCostPerSecond(t *testing.T) {
	t.Parallel()
	cost := &conduit.ModelCost{PricingModel: conduit.PricingPerSecond, PerSecond: dec("0.0001")}
	rec := &conduit.UsageRecord{AudioSeconds: 93.5}

	got, err := Cost(cost, rec)
	if err != nil {
		t.Fatal(err)
	}
	if want := dec("0.00935"); !got.Equal(want) {
		t.Errorf("cost = %s, want %s", got, want)
	}
}

func TestCostPerCharacter(t *testing.T) {
	t.Parallel()
	cost := &conduit.ModelCost{PricingModel: conduit.PricingPerCharacter, PerCharacter: dec("0.00003")}
	rec := &conduit.UsageRecord{CharacterCount: 250}

	got, err := Cost(cost, rec)
	if err != nil {
		t.Fatal(err)
	}
	if want := dec("0.0075"); !got.Equal(want) {
		t.Errorf("cost = %s, want %s", got, want)
	}
}

func TestCostPerImage(t *testing.T) {
	t.Parallel()
	cost := &conduit.ModelCost{PricingModel: conduit.PricingPerImage, PerImage: dec("0.04")}
	rec := &conduit.UsageRecord{ImageCount: 3}

	got, err := Cost(cost, rec)
	if err != nil {
		t.Fatal(err)
	}
	if want := dec("0.12"); !got.Equal(want) {
		t.Errorf("cost = %s, want %s", got, want)
	}
}

func TestCostUnknownPricingModel(t *testing.T) {
	t.Parallel()
	cost := &conduit.ModelCost{PricingModel: "per-syllable"}

	_, err := Cost(cost, &conduit.UsageRecord{})
	if !errors.Is(err, conduit.ErrConfiguration) {
		t.Fatalf("err = %v, want ErrConfiguration", err)
	}
}

func TestEstimateAudioSeconds(t *testing.T) {
	t.Parallel()
	// Fallback duration is bytes / 16000.
	if got := EstimateAudioSeconds(16_000); got != 1.0 {
		t.Errorf("EstimateAudioSeconds(16000) = %f, want 1.0", got)
	}
	if got := EstimateAudioSeconds(48_000); got != 3.0 {
		t.Errorf("EstimateAudioSeconds(48000) = %f, want 3.0", got)
	}
}

func TestEstimateReservation(t *testing.T) {
	t.Parallel()
	cost := &conduit.ModelCost{
		InputPerMillion:  dec("1.00"),
		OutputPerMillion: dec("2.00"),
	}

	// Explicit max_tokens.
	got := EstimateReservation(cost, 1000, 500, 128_000)
	if want := dec("0.002"); !got.Equal(want) {
		t.Errorf("estimate = %s, want %s", got, want)
	}

	// No max_tokens: worst case is the remaining context window.
	got = EstimateReservation(cost, 1000, 0, 2000)
	// 1000/1e6*1 + 1000/1e6*2 = 0.003
	if want := dec("0.003"); !got.Equal(want) {
		t.Errorf("estimate = %s, want %s", got, want)
	}

	// Input already fills the window.
	got = EstimateReservation(cost, 3000, 0, 2000)
	if want := dec("0.003"); !got.Equal(want) {
		t.Errorf("estimate = %s, want %s", got, want)
	}
}

func TestDebitRounding(t *testing.T) {
	t.Parallel()
	got := Debit(dec("0.123456789123"))
	if want := dec("0.12345679"); !got.Equal(want) {
		t.Errorf("debit = %s, want %s", got, want)
	}
}
