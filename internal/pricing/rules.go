package pricing

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// CreditScale is the number of fractional digits kept on credit amounts.
// It matches the NUMERIC(20,8) scale used by the balance store.
const CreditScale = 8

// Rules holds the rate tables consumed by ComputeCost. A Rules value is
// immutable after construction; swap the whole value to change pricing.
type Rules struct {
	// BaseRates maps "provider/model" to credits per unit.
	BaseRates map[string]decimal.Decimal

	// DefaultBaseRate applies when a provider/model pair has no entry.
	DefaultBaseRate decimal.Decimal

	// TierMarkup maps subscription tier to a fractional markup (0.15 = +15%).
	TierMarkup map[string]decimal.Decimal

	// PowerMultiplier maps power level to a cost multiplier.
	PowerMultiplier map[string]decimal.Decimal

	DefaultTier       string
	DefaultPowerLevel string
}

// DefaultRules returns the built-in rate tables. They are intentionally
// conservative: anything unknown bills at DefaultBaseRate.
func DefaultRules() *Rules {
	return &Rules{
		BaseRates:       map[string]decimal.Decimal{},
		DefaultBaseRate: decimal.RequireFromString("0.001"),
		TierMarkup: map[string]decimal.Decimal{
			"free":         decimal.Zero,
			"standard":     decimal.RequireFromString("0.10"),
			"professional": decimal.RequireFromString("0.15"),
			"enterprise":   decimal.RequireFromString("0.25"),
		},
		PowerMultiplier: map[string]decimal.Decimal{
			"eco":       decimal.RequireFromString("0.5"),
			"balanced":  decimal.NewFromInt(1),
			"precision": decimal.NewFromInt(2),
		},
		DefaultTier:       "standard",
		DefaultPowerLevel: "balanced",
	}
}

// BaseRate returns the per-unit rate for a provider/model pair and whether
// the pair was found in the table.
func (r *Rules) BaseRate(provider, model string) (decimal.Decimal, bool) {
	key := RateKey(provider, model)
	if rate, ok := r.BaseRates[key]; ok {
		return rate, true
	}
	// Model-only entries allow catalog rows without a provider prefix.
	if rate, ok := r.BaseRates[model]; ok && model != "" {
		return rate, true
	}
	return r.DefaultBaseRate, false
}

// TierMarkupFor returns the markup for tier, falling back to the default
// tier and then to zero. Missing tiers never fail.
func (r *Rules) TierMarkupFor(tier string) decimal.Decimal {
	if m, ok := r.TierMarkup[tier]; ok {
		return m
	}
	if m, ok := r.TierMarkup[r.DefaultTier]; ok {
		return m
	}
	return decimal.Zero
}

// PowerMultiplierFor returns the multiplier for level, falling back to the
// default level and then to 1.
func (r *Rules) PowerMultiplierFor(level string) decimal.Decimal {
	if m, ok := r.PowerMultiplier[level]; ok {
		return m
	}
	if m, ok := r.PowerMultiplier[r.DefaultPowerLevel]; ok {
		return m
	}
	return decimal.NewFromInt(1)
}

// RateKey builds the "provider/model" lookup key.
func RateKey(provider, model string) string {
	provider = strings.TrimSpace(provider)
	model = strings.TrimSpace(model)
	if provider == "" {
		return model
	}
	return provider + "/" + model
}

// rulesFile is the YAML shape of a pricing rules file. Amounts are strings
// so they survive the YAML round trip without float drift.
type rulesFile struct {
	DefaultBaseRate   string            `yaml:"default_base_rate"`
	DefaultTier       string            `yaml:"default_tier"`
	DefaultPowerLevel string            `yaml:"default_power_level"`
	BaseRates         map[string]string `yaml:"base_rates"`
	TierMarkup        map[string]string `yaml:"tier_markup"`
	PowerMultiplier   map[string]string `yaml:"power_multiplier"`
}

// LoadRules reads a YAML rules file and merges it over the built-in
// defaults. Entries present in the file replace the defaults; sections the
// file omits keep the built-in values.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing rules: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses YAML rule bytes over the built-in defaults.
func ParseRules(data []byte) (*Rules, error) {
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pricing rules: %w", err)
	}

	rules := DefaultRules()

	if file.DefaultBaseRate != "" {
		rate, err := decimal.NewFromString(file.DefaultBaseRate)
		if err != nil {
			return nil, fmt.Errorf("invalid default_base_rate %q: %w", file.DefaultBaseRate, err)
		}
		rules.DefaultBaseRate = rate
	}
	if file.DefaultTier != "" {
		rules.DefaultTier = file.DefaultTier
	}
	if file.DefaultPowerLevel != "" {
		rules.DefaultPowerLevel = file.DefaultPowerLevel
	}

	for key, raw := range file.BaseRates {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid base rate for %q: %w", key, err)
		}
		rules.BaseRates[key] = rate
	}
	if len(file.TierMarkup) > 0 {
		rules.TierMarkup = make(map[string]decimal.Decimal, len(file.TierMarkup))
		for tier, raw := range file.TierMarkup {
			markup, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid tier markup for %q: %w", tier, err)
			}
			rules.TierMarkup[tier] = markup
		}
	}
	if len(file.PowerMultiplier) > 0 {
		rules.PowerMultiplier = make(map[string]decimal.Decimal, len(file.PowerMultiplier))
		for level, raw := range file.PowerMultiplier {
			mult, err := decimal.NewFromString(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid power multiplier for %q: %w", level, err)
			}
			rules.PowerMultiplier[level] = mult
		}
	}

	return rules, nil
}
