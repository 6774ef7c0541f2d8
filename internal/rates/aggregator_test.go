package rates

import (
	"context"
	"testing"

	"github.com/pkg/errors"
)

type stubSource struct {
	name          string
	pairType      PairType
	quoteRequired bool
	calcMethod    CalcMethod
	prices        []string
	err           error
	calls         int
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) PairType() PairType { return s.pairType }

func (s *stubSource) QuoteRequired() bool { return s.quoteRequired }

func (s *stubSource) QuoteCalcMethod() CalcMethod { return s.calcMethod }

func (s *stubSource) GetRates(_ context.Context) AdapterResponse {
	s.calls++
	if s.err != nil {
		return AdapterResponse{Err: s.err}
	}
	quotes := make([]PriceQuote, 0, len(s.prices))
	for i, p := range s.prices {
		quotes = append(quotes, PriceQuote{
			SourceName: s.name,
			SourceID:   s.name + "-" + string(rune('a'+i)),
			Price:      d(p),
			Timestamp:  1700000000000,
			PairType:   s.pairType,
		})
	}
	return AdapterResponse{Quotes: quotes}
}

func TestAggregatorQuoteCrossing(t *testing.T) {
	// a quote-required DEX observation of 0.5 crossed against a quote-side
	// rate of 2.0 publishes 1.0
	base := &stubSource{
		name:          "dex_pool",
		pairType:      PairTypeBase,
		quoteRequired: true,
		calcMethod:    CalcMethodMultiply,
		prices:        []string{"0.5"},
	}
	quote := &stubSource{
		name:     "cex",
		pairType: PairTypeQuote,
		prices:   []string{"2.0"},
	}

	agg := NewAggregator([]RateSource{base, quote})
	rate, prov, err := agg.GetAggregatedRate(context.Background())
	if err != nil {
		t.Fatalf("GetAggregatedRate unexpected error: %v", err)
	}

	if !rate.Value.Equal(d("1.0")) {
		t.Errorf("aggregated value = %s; want 1.0", rate.Value.String())
	}
	if rate.Method != "median" {
		t.Errorf("method = %q; want median", rate.Method)
	}
	if !prov.QuoteRate.Valid || !prov.QuoteRate.Decimal.Equal(d("2.0")) {
		t.Errorf("provenance quote rate = %+v; want 2.0", prov.QuoteRate)
	}
	if prov.ValidBase != 1 || prov.ValidQuote != 1 {
		t.Errorf("valid counts = %d/%d; want 1/1", prov.ValidBase, prov.ValidQuote)
	}
}

func TestAggregatorQuoteDivide(t *testing.T) {
	base := &stubSource{
		name:          "http",
		pairType:      PairTypeBase,
		quoteRequired: true,
		calcMethod:    CalcMethodDivide,
		prices:        []string{"10"},
	}
	quote := &stubSource{
		name:     "cex",
		pairType: PairTypeQuote,
		prices:   []string{"4"},
	}

	agg := NewAggregator([]RateSource{base, quote})
	rate, _, err := agg.GetAggregatedRate(context.Background())
	if err != nil {
		t.Fatalf("GetAggregatedRate unexpected error: %v", err)
	}
	if !rate.Value.Equal(d("2.5")) {
		t.Errorf("aggregated value = %s; want 2.5", rate.Value.String())
	}
}

func TestAggregatorMissingQuoteSide(t *testing.T) {
	base := &stubSource{
		name:          "dex_pool",
		pairType:      PairTypeBase,
		quoteRequired: true,
		calcMethod:    CalcMethodMultiply,
		prices:        []string{"0.5"},
	}
	quote := &stubSource{
		name:     "cex",
		pairType: PairTypeQuote,
		prices:   nil, // every quote source came up empty
	}

	agg := NewAggregator([]RateSource{base, quote})
	rate, prov, err := agg.GetAggregatedRate(context.Background())

	if !errors.Is(err, ErrNoValidPrice) {
		t.Fatalf("expected ErrNoValidPrice, got rate=%v err=%v", rate, err)
	}
	if rate != nil {
		t.Errorf("rate = %+v; want nil", rate)
	}
	if prov == nil {
		t.Fatal("provenance missing on failed cycle")
	}
	if base.calls != 0 {
		t.Errorf("base adapter was invoked %d times despite missing quote side", base.calls)
	}
}

func TestAggregatorMissingQuoteSideNotRequired(t *testing.T) {
	base := &stubSource{
		name:     "cex",
		pairType: PairTypeBase,
		prices:   []string{"3.0", "3.2"},
	}

	agg := NewAggregator([]RateSource{base})
	rate, _, err := agg.GetAggregatedRate(context.Background())
	if err != nil {
		t.Fatalf("GetAggregatedRate unexpected error: %v", err)
	}
	if !rate.Value.Equal(d("3.0")) {
		t.Errorf("aggregated value = %s; want 3.0 (lower of two centers)", rate.Value.String())
	}
}

func TestAggregatorMedianAcrossAdapters(t *testing.T) {
	dex := &stubSource{
		name:     "dex_pool",
		pairType: PairTypeBase,
		prices:   []string{"0.48", "0.52"},
	}
	cex := &stubSource{
		name:     "cex",
		pairType: PairTypeBase,
		prices:   []string{"0.50"},
	}

	agg := NewAggregator([]RateSource{dex, cex})
	rate, prov, err := agg.GetAggregatedRate(context.Background())
	if err != nil {
		t.Fatalf("GetAggregatedRate unexpected error: %v", err)
	}
	if !rate.Value.Equal(d("0.50")) {
		t.Errorf("aggregated value = %s; want 0.50", rate.Value.String())
	}
	if len(rate.Quotes) != 3 {
		t.Errorf("contributing quotes = %d; want 3", len(rate.Quotes))
	}
	if prov.Spread.Count != 3 {
		t.Errorf("spread count = %d; want 3", prov.Spread.Count)
	}
}

func TestAggregatorFailedAdapterDoesNotPoisonBatch(t *testing.T) {
	broken := &stubSource{
		name:     "http",
		pairType: PairTypeBase,
		err:      errors.New("upstream down"),
	}
	healthy := &stubSource{
		name:     "cex",
		pairType: PairTypeBase,
		prices:   []string{"1.25"},
	}

	agg := NewAggregator([]RateSource{broken, healthy})
	rate, _, err := agg.GetAggregatedRate(context.Background())
	if err != nil {
		t.Fatalf("GetAggregatedRate unexpected error: %v", err)
	}
	if !rate.Value.Equal(d("1.25")) {
		t.Errorf("aggregated value = %s; want 1.25", rate.Value.String())
	}
}

func TestAggregatorNoValidPrices(t *testing.T) {
	empty := &stubSource{
		name:     "cex",
		pairType: PairTypeBase,
		prices:   nil,
	}

	agg := NewAggregator([]RateSource{empty})
	rate, prov, err := agg.GetAggregatedRate(context.Background())

	if !errors.Is(err, ErrNoValidPrice) {
		t.Fatalf("expected ErrNoValidPrice, got rate=%v err=%v", rate, err)
	}
	if prov.ValidBase != 0 {
		t.Errorf("valid base count = %d; want 0", prov.ValidBase)
	}
}

func TestAggregatorZeroPriceFiltered(t *testing.T) {
	src := &stubSource{
		name:     "cex",
		pairType: PairTypeBase,
		prices:   []string{"0", "2.0"},
	}

	agg := NewAggregator([]RateSource{src})
	rate, prov, err := agg.GetAggregatedRate(context.Background())
	if err != nil {
		t.Fatalf("GetAggregatedRate unexpected error: %v", err)
	}
	if !rate.Value.Equal(d("2.0")) {
		t.Errorf("aggregated value = %s; want 2.0", rate.Value.String())
	}
	if prov.ValidBase != 1 {
		t.Errorf("valid base count = %d; want 1", prov.ValidBase)
	}
	if len(prov.AllQuotes) != 2 {
		t.Errorf("provenance quotes = %d; want 2 (invalid ones kept for audit)", len(prov.AllQuotes))
	}
}
