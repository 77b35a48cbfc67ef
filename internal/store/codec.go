package store

import (
	"fmt"

	"github.com/atmx/presale-engine/internal/amount"
	"github.com/atmx/presale-engine/internal/asset"
)

// Amounts are persisted as base-unit integer strings next to their
// precision, so NUMERIC(78,0) and TEXT columns round-trip exactly.

func assetText(k asset.Kind) string {
	if !k.Valid() {
		return ""
	}
	return k.String()
}

func parseAssetText(s string) (asset.Kind, error) {
	if s == "" {
		return 0, nil
	}
	return asset.Parse(s)
}

func parseUnits(units string, decimals uint8, field string) (amount.Amount, error) {
	a, err := amount.FromUnits(units, decimals)
	if err != nil {
		return amount.Amount{}, fmt.Errorf("store: decode %s: %w", field, err)
	}
	return a, nil
}
