// Package billing turns metered usage into decimal costs. All arithmetic
// is exact decimal; rounding happens once, at the final debit.
package billing

import (
	"fmt"

	conduit "github.com/knnlabs/Conduit-sub015/internal"
	"github.com/shopspring/decimal"
)

var million = decimal.NewFromInt(1_000_000)

// DebitPrecision is the scale applied to the final debit amount.
const DebitPrecision = 8

// estimatedAudioBytesPerSecond approximates 16 kHz 8-bit mono audio, used
// when a transcription provider reports no duration.
const estimatedAudioBytesPerSecond = 16_000

// Cost computes the charge for one usage record under the given pricing
// rule. Unknown pricing models are a configuration error, never a silent
// zero charge.
func Cost(cost *conduit.ModelCost, rec *conduit.UsageRecord) (decimal.Decimal, error) {
	switch cost.PricingModel {
	case conduit.PricingStandard, conduit.PricingTiered, "":
		in := decimal.NewFromInt(int64(rec.PromptTokens)).Div(million).Mul(cost.InputPerMillion)
		out := decimal.NewFromInt(int64(rec.CompletionTokens)).Div(million).Mul(cost.OutputPerMillion)
		return in.Add(out), nil

	case conduit.PricingPerSecond:
		return decimal.NewFromFloat(rec.AudioSeconds).Mul(cost.PerSecond), nil

	case conduit.PricingPerCharacter:
		return decimal.NewFromInt(int64(rec.CharacterCount)).Mul(cost.PerCharacter), nil

	case conduit.PricingPerImage:
		return decimal.NewFromInt(int64(rec.ImageCount)).Mul(cost.PerImage), nil

	default:
		return decimal.Zero, fmt.Errorf("pricing model %q: %w", cost.PricingModel, conduit.ErrConfiguration)
	}
}

// Debit rounds a computed cost to the debit scale.
func Debit(cost decimal.Decimal) decimal.Decimal {
	return cost.Round(DebitPrecision)
}

// EstimateAudioSeconds approximates a clip's duration from its byte size
// when the provider reports none. The record carries UsageEstimated so
// the charge is auditable.
func EstimateAudioSeconds(byteLen int) float64 {
	return float64(byteLen) / estimatedAudioBytesPerSecond
}

// EstimateReservation computes the pre-flight hold for a chat request:
// input tokens at the input rate plus the worst-case completion at the
// output rate. maxTokens <= 0 falls back to the model's remaining context
// window; a model with neither bound reserves only the input cost.
func EstimateReservation(cost *conduit.ModelCost, inputTokens, maxTokens, contextWindow int) decimal.Decimal {
	outTokens := maxTokens
	if outTokens <= 0 && contextWindow > 0 {
		outTokens = contextWindow - inputTokens
		if outTokens < 0 {
			outTokens = 0
		}
	}
	if outTokens < 0 {
		outTokens = 0
	}
	in := decimal.NewFromInt(int64(inputTokens)).Div(million).Mul(cost.InputPerMillion)
	out := decimal.NewFromInt(int64(outTokens)).Div(million).Mul(cost.OutputPerMillion)
	return in.Add(out)
}
