package oracle

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestScaledRate(t *testing.T) {
	tests := []struct {
		name       string
		rate       string
		multiplier int64
		want       int64
	}{
		{"exact millionths", "0.5", 1_000_000, 500_000},
		{"rounds up", "0.0000015", 1_000_000, 2},
		{"tiny rate never hits zero", "0.0000000001", 1_000_000, 1},
		{"whole number", "42", 1_000_000, 42_000_000},
		{"sub-satoshi multiplier", "0.000000004", 1_000_000_000_000, 4_000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scaled, err := ScaledRate(decimal.RequireFromString(tt.rate), tt.multiplier)
			require.NoError(t, err)
			require.EqualValues(t, tt.want, scaled.Int64())
		})
	}
}

func TestScaledRateRejectsBadInput(t *testing.T) {
	_, err := ScaledRate(decimal.Zero, 1_000_000)
	require.Error(t, err)

	_, err = ScaledRate(decimal.NewFromInt(-1), 1_000_000)
	require.Error(t, err)

	_, err = ScaledRate(decimal.NewFromInt(1), 0)
	require.Error(t, err)
}

func TestUnscaledRateRoundTrip(t *testing.T) {
	for _, rate := range []string{"0.5", "1234.567891", "0.000001"} {
		scaled, err := ScaledRate(decimal.RequireFromString(rate), DefaultPrecisionMultiplier)
		require.NoError(t, err)

		back := UnscaledRate(scaled, DefaultPrecisionMultiplier)
		require.True(t, back.Equal(decimal.RequireFromString(rate)),
			"rate %s came back as %s", rate, back.String())
	}
}
