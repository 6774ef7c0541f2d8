package rates

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestMedian(t *testing.T) {
	tests := []struct {
		name     string
		prices   []string
		expected string
	}{
		{
			name:     "single element",
			prices:   []string{"1.5"},
			expected: "1.5",
		},
		{
			name:     "odd count takes center",
			prices:   []string{"3", "1", "2"},
			expected: "2",
		},
		{
			name:     "even count takes lower of two centers",
			prices:   []string{"4", "1", "2", "3"},
			expected: "2",
		},
		{
			name:     "unsorted input",
			prices:   []string{"0.52", "0.48", "0.50", "0.51", "0.49"},
			expected: "0.50",
		},
		{
			name:     "duplicates",
			prices:   []string{"2", "2", "2", "7"},
			expected: "2",
		},
		{
			name:     "two elements",
			prices:   []string{"10", "20"},
			expected: "10",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prices := make([]decimal.Decimal, 0, len(tt.prices))
			for _, p := range tt.prices {
				prices = append(prices, d(p))
			}

			result := Median(prices)
			if !result.Equal(d(tt.expected)) {
				t.Errorf("Median(%v) = %s; want %s", tt.prices, result.String(), tt.expected)
			}
		})
	}
}

func TestMedianEmpty(t *testing.T) {
	if result := Median(nil); !result.IsZero() {
		t.Errorf("Median(nil) = %s; want 0", result.String())
	}
}

func TestMedianDoesNotReorderInput(t *testing.T) {
	prices := []decimal.Decimal{d("3"), d("1"), d("2")}
	_ = Median(prices)

	if !prices[0].Equal(d("3")) || !prices[1].Equal(d("1")) || !prices[2].Equal(d("2")) {
		t.Errorf("Median reordered the input slice: %v", prices)
	}
}

func TestSpread(t *testing.T) {
	stats := Spread([]decimal.Decimal{d("1"), d("2"), d("3")})

	if stats.Count != 3 {
		t.Errorf("Spread count = %d; want 3", stats.Count)
	}
	if stats.Mean != 2.0 {
		t.Errorf("Spread mean = %f; want 2.0", stats.Mean)
	}
	if !stats.Min.Equal(d("1")) || !stats.Max.Equal(d("3")) {
		t.Errorf("Spread min/max = %s/%s; want 1/3", stats.Min.String(), stats.Max.String())
	}
	if stats.StdDev != 1.0 {
		t.Errorf("Spread stddev = %f; want 1.0", stats.StdDev)
	}
}

func TestSpreadSingle(t *testing.T) {
	stats := Spread([]decimal.Decimal{d("5")})

	if stats.Count != 1 || stats.Mean != 5.0 || stats.StdDev != 0 {
		t.Errorf("Spread single = %+v; want count=1 mean=5 stddev=0", stats)
	}
}
