// Package pricing computes the credit cost of a usage event from rate tables
// and request parameters. Cost computation is pure: it never touches balances
// and never fails on missing optional inputs.
package pricing

import (
	"github.com/shopspring/decimal"
)

// CostRequest describes a single billable usage event.
type CostRequest struct {
	// Provider and Model select the base rate, as "provider/model".
	Provider string
	Model    string

	// Units is the metered quantity (tokens, calls, seconds — the engine
	// does not care which, the rate table defines the unit).
	Units int64

	// PowerLevel names the cost/quality tradeoff (eco, balanced, precision).
	// Empty selects the default level.
	PowerLevel string

	// Tier is the subject's subscription tier, which applies a percentage
	// markup. Empty selects the default tier.
	Tier string

	// BYOK marks usage billed against the caller's own provider key.
	// BYOK usage costs zero credits but is still recorded with real unit
	// counts for analytics.
	BYOK bool
}

// CostResult is the outcome of a cost computation.
type CostResult struct {
	// Credits is the amount to deduct. Never negative.
	Credits decimal.Decimal `json:"credits"`

	// BaseRate is the per-unit rate that was applied.
	BaseRate decimal.Decimal `json:"base_rate"`

	// RateFallback is true when no base rate was found for the
	// provider/model pair and the default rate was used. Callers should log
	// this at warn level; it is recovered locally and never an error.
	RateFallback bool `json:"rate_fallback,omitempty"`
}

// ComputeCost returns the credit cost for req under rules.
//
// The formula composes both observed pricing factors multiplicatively:
//
//	cost = base_rate × units × power_multiplier[level] × (1 + tier_markup[tier])
//
// Special cases:
//   - BYOK usage always costs zero.
//   - A zero or negative base rate (free models) yields zero regardless of
//     tier and power level.
//   - Unknown provider/model falls back to rules.DefaultBaseRate.
//   - Unknown or absent power level and tier use the rules' defaults.
func ComputeCost(rules *Rules, req CostRequest) CostResult {
	rate, known := rules.BaseRate(req.Provider, req.Model)
	result := CostResult{
		BaseRate:     rate,
		RateFallback: !known,
	}

	if req.BYOK {
		result.Credits = decimal.Zero
		return result
	}
	if rate.Sign() <= 0 || req.Units <= 0 {
		result.Credits = decimal.Zero
		return result
	}

	multiplier := rules.PowerMultiplierFor(req.PowerLevel)
	markup := rules.TierMarkupFor(req.Tier)

	cost := rate.
		Mul(decimal.NewFromInt(req.Units)).
		Mul(multiplier).
		Mul(decimal.NewFromInt(1).Add(markup))

	result.Credits = cost.Round(CreditScale)
	return result
}
