package oracle

import (
	sdkmath "cosmossdk.io/math"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// DefaultPrecisionMultiplier stores rates in millionths. Sub-satoshi pairs
// need 1_000_000_000_000 so that real observations do not all ceil to 1.
const DefaultPrecisionMultiplier int64 = 1_000_000

// ScaledRate converts a positive decimal market rate into the integer the
// validator works with, rounding up. Rounding up means any positive rate
// maps to at least 1, and two nodes observing the same market never disagree
// by rounding direction.
func ScaledRate(rate decimal.Decimal, multiplier int64) (sdkmath.Int, error) {
	if !rate.IsPositive() {
		return sdkmath.Int{}, errors.Errorf("rate must be positive, got %s", rate.String())
	}
	if multiplier <= 0 {
		return sdkmath.Int{}, errors.Errorf("precision multiplier must be positive, got %d", multiplier)
	}
	scaled := rate.Mul(decimal.NewFromInt(multiplier)).Ceil()
	return sdkmath.NewIntFromBigInt(scaled.BigInt()), nil
}

// UnscaledRate converts an on-chain integer back into a decimal rate.
func UnscaledRate(value sdkmath.Int, multiplier int64) decimal.Decimal {
	return decimal.NewFromBigInt(value.BigInt(), 0).Div(decimal.NewFromInt(multiplier))
}
