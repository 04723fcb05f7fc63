package pricing

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// MergeCatalog folds base rates from a provider model-catalog JSON document
// into rules. The catalog format is the export produced by provider catalog
// tooling:
//
//	{
//	  "models": [
//	    {"provider": "openai", "id": "gpt-4o", "credits_per_unit": 0.01},
//	    ...
//	  ]
//	}
//
// Rows without a usable rate are skipped; an explicit rules-file entry for
// the same provider/model wins over the catalog. Returns the number of rates
// merged.
func MergeCatalog(rules *Rules, data []byte) (int, error) {
	if !gjson.ValidBytes(data) {
		return 0, fmt.Errorf("catalog is not valid JSON")
	}

	models := gjson.GetBytes(data, "models")
	if !models.IsArray() {
		return 0, fmt.Errorf("catalog has no models array")
	}

	merged := 0
	var err error
	models.ForEach(func(_, m gjson.Result) bool {
		id := m.Get("id").String()
		if id == "" {
			return true
		}
		rate := m.Get("credits_per_unit")
		if !rate.Exists() {
			return true
		}

		key := RateKey(m.Get("provider").String(), id)
		if _, exists := rules.BaseRates[key]; exists {
			return true
		}

		parsed, perr := decimal.NewFromString(rate.Raw)
		if perr != nil {
			err = fmt.Errorf("invalid rate for %q: %w", key, perr)
			return false
		}
		rules.BaseRates[key] = parsed
		merged++
		return true
	})
	if err != nil {
		return merged, err
	}

	return merged, nil
}

// LoadCatalog reads a catalog file and merges it into rules.
func LoadCatalog(rules *Rules, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read catalog: %w", err)
	}
	return MergeCatalog(rules, data)
}
