// Package pricing converts raw token usage into integer micro-currency costs.
package pricing

import (
	"math"

	"go.uber.org/zap"
)

// modelRate holds USD prices per million tokens.
type modelRate struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

var modelRates = map[string]modelRate{
	"openai/gpt-4o":               {InputPerMTok: 2.50, OutputPerMTok: 10.00},
	"openai/gpt-4o-mini":          {InputPerMTok: 0.15, OutputPerMTok: 0.60},
	"openai/gpt-4.1":              {InputPerMTok: 2.00, OutputPerMTok: 8.00},
	"openai/gpt-4.1-mini":         {InputPerMTok: 0.40, OutputPerMTok: 1.60},
	"anthropic/claude-3-5-sonnet": {InputPerMTok: 3.00, OutputPerMTok: 15.00},
	"anthropic/claude-3-5-haiku":  {InputPerMTok: 0.80, OutputPerMTok: 4.00},
	"google/gemini-1.5-pro":       {InputPerMTok: 1.25, OutputPerMTok: 5.00},
	"google/gemini-1.5-flash":     {InputPerMTok: 0.075, OutputPerMTok: 0.30},
}

const (
	// Flat margins in USD added on top of the raw model cost.
	marginInternalUSD = 0.005
	marginExternalUSD = 0.01

	// External (customer-facing) messages transit a third-party channel
	// that charges per leg, inbound and outbound.
	transportSurchargeUSD = 0.005

	tokensPerMillion = 1_000_000
	microUnitsPerUSD = 1_000_000
)

// Calculator prices a single usage event. It is stateless; identical input
// always yields an identical integer cost.
type Calculator struct {
	log *zap.Logger
}

func NewCalculator(log *zap.Logger) *Calculator {
	return &Calculator{log: log.Named("pricing")}
}

// Cost returns the total price of one usage event in micro-currency units.
// Unknown models price the token component at zero rather than failing.
func (c *Calculator) Cost(modelID string, promptTokens, completionTokens int64, internal bool, source string) int64 {
	base := 0.0
	rate, ok := modelRates[modelID]
	if ok {
		base = float64(promptTokens)/tokensPerMillion*rate.InputPerMTok +
			float64(completionTokens)/tokensPerMillion*rate.OutputPerMTok
	} else {
		c.log.Warn("unknown model, pricing base cost at zero",
			zap.String("model", modelID),
			zap.String("source", source),
		)
	}

	margin := marginExternalUSD + 2*transportSurchargeUSD
	if internal {
		margin = marginInternalUSD
	}

	return roundHalfUp((base + margin) * microUnitsPerUSD)
}

// roundHalfUp rounds to the nearest integer, ties away from zero upward,
// so repeated computation on identical input is byte-identical.
func roundHalfUp(v float64) int64 {
	return int64(math.Floor(v + 0.5))
}
