package rates

import (
	"sort"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"
)

// Median returns the median of the given prices. For an even number of
// elements the lower of the two central elements is returned, matching the
// on-chain integer convention, so the result is always a value that actually
// occurred in the input.
//
// The input slice is not modified. Calling with an empty slice returns zero.
func Median(prices []decimal.Decimal) decimal.Decimal {
	n := len(prices)
	if n == 0 {
		return zeroPrice
	}
	sorted := make([]decimal.Decimal, n)
	copy(sorted, prices)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LessThan(sorted[j])
	})

	return sorted[(n-1)/2]
}

// SpreadStats summarizes the dispersion of a quote batch for provenance and
// telemetry. It never feeds the published value.
type SpreadStats struct {
	Mean   float64
	StdDev float64
	Min    decimal.Decimal
	Max    decimal.Decimal
	Count  int
}

// Spread computes dispersion stats over the given prices.
func Spread(prices []decimal.Decimal) SpreadStats {
	if len(prices) == 0 {
		return SpreadStats{}
	}
	floats := make([]float64, 0, len(prices))
	min, max := prices[0], prices[0]
	for _, p := range prices {
		f, _ := p.Float64()
		floats = append(floats, f)
		if p.LessThan(min) {
			min = p
		}
		if p.GreaterThan(max) {
			max = p
		}
	}
	mean, std := stat.MeanStdDev(floats, nil)
	if len(floats) < 2 {
		std = 0
	}
	return SpreadStats{
		Mean:   mean,
		StdDev: std,
		Min:    min,
		Max:    max,
		Count:  len(prices),
	}
}
