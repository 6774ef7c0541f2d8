package rates

import (
	"context"
	"time"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	uuid "github.com/satori/go.uuid"
	"github.com/shopspring/decimal"
)

// AggregatedRate is the per-cycle output of the aggregation pipeline: the
// median over all valid, quote-adjusted base prices.
type AggregatedRate struct {
	Value  decimal.Decimal
	Method string

	RequestedAt time.Time
	ComputedAt  time.Time

	// Quotes are the contributing base-side quotes with prices already
	// crossed to the publishing denomination.
	Quotes []PriceQuote
}

// FeedID derives the stable identifier of a published feed from the oracle
// address and pair name. Every run of the same oracle maps to the same id,
// so persistence rows from restarts line up.
func FeedID(oracleAddress, pair string) uuid.UUID {
	return uuid.NewV5(uuid.NamespaceOID, oracleAddress+"/"+pair)
}

// Provenance records everything observed during one aggregation attempt,
// whether or not it produced a rate.
type Provenance struct {
	RequestedAt time.Time
	ComputedAt  time.Time

	// AllQuotes keeps every quote returned by every adapter on both
	// sides, uncrossed, for persistence and audit.
	AllQuotes []PriceQuote

	QuoteRate  decimal.NullDecimal
	ValidBase  int
	ValidQuote int

	Spread SpreadStats
}

// NewAggregator builds the two-sided aggregation pipeline over the given
// adapters. The split by pair type happens here so callers can hand over the
// full adapter set as configured.
func NewAggregator(sources []RateSource) *Aggregator {
	agg := &Aggregator{
		logger: log.WithFields(log.Fields{
			"svc": "rates",
		}),
		svcTags: metrics.Tags{
			"svc": "rates_aggregator",
		},
	}
	for _, src := range sources {
		switch src.PairType() {
		case PairTypeQuote:
			agg.quoteSources = append(agg.quoteSources, src)
		default:
			agg.baseSources = append(agg.baseSources, src)
		}
	}
	return agg
}

type Aggregator struct {
	baseSources  []RateSource
	quoteSources []RateSource

	logger  log.Logger
	svcTags metrics.Tags
}

func (a *Aggregator) BaseSourceCount() int {
	return len(a.baseSources)
}

func (a *Aggregator) QuoteSourceCount() int {
	return len(a.quoteSources)
}

// Sources returns every adapter the aggregator polls, base side first.
func (a *Aggregator) Sources() []RateSource {
	out := make([]RateSource, 0, len(a.baseSources)+len(a.quoteSources))
	out = append(out, a.baseSources...)
	out = append(out, a.quoteSources...)
	return out
}

// GetAggregatedRate runs one full aggregation cycle: quote side first, then
// the base adapters one by one, then the median over the crossed prices.
// ErrNoValidPrice is returned when the cycle produced nothing publishable;
// the provenance is populated either way.
func (a *Aggregator) GetAggregatedRate(ctx context.Context) (*AggregatedRate, *Provenance, error) {
	metrics.ReportFuncCall(a.svcTags)
	doneFn := metrics.ReportFuncTiming(a.svcTags)
	defer doneFn()

	prov := &Provenance{
		RequestedAt: time.Now(),
	}

	quoteRate, hasQuoteRate := a.collectQuoteSide(ctx, prov)

	quoteNeeded := false
	for _, src := range a.baseSources {
		if src.QuoteRequired() {
			quoteNeeded = true
			break
		}
	}
	if quoteNeeded && !hasQuoteRate {
		metrics.ReportFuncError(a.svcTags)
		a.logger.Warningln("quote side yielded no valid price, dropping cycle")
		prov.ComputedAt = time.Now()
		return nil, prov, ErrNoValidPrice
	}

	crossed := a.collectBaseSide(ctx, prov, quoteRate)
	if len(crossed) == 0 {
		metrics.ReportFuncError(a.svcTags)
		prov.ComputedAt = time.Now()
		return nil, prov, ErrNoValidPrice
	}

	prices := make([]decimal.Decimal, 0, len(crossed))
	for _, quote := range crossed {
		prices = append(prices, quote.Price)
	}

	rate := &AggregatedRate{
		Value:       Median(prices),
		Method:      "median",
		RequestedAt: prov.RequestedAt,
		ComputedAt:  time.Now(),
		Quotes:      crossed,
	}
	prov.ComputedAt = rate.ComputedAt
	prov.Spread = Spread(prices)

	a.logger.WithFields(log.Fields{
		"value":   rate.Value.String(),
		"sources": len(crossed),
	}).Debugln("aggregated rate")

	return rate, prov, nil
}

// collectQuoteSide aggregates the quote pair. The quote rate is the median of
// all valid quote-side prices.
func (a *Aggregator) collectQuoteSide(ctx context.Context, prov *Provenance) (decimal.Decimal, bool) {
	prices := make([]decimal.Decimal, 0, len(a.quoteSources))
	for _, src := range a.quoteSources {
		resp := src.GetRates(ctx)
		if resp.Err != nil {
			metrics.ReportFuncError(a.svcTags)
			a.logger.WithError(resp.Err).WithField("adapter", src.Name()).Warningln("quote adapter failed")
			continue
		}
		for _, quote := range resp.Quotes {
			prov.AllQuotes = append(prov.AllQuotes, quote)
			if !quote.Valid() {
				continue
			}
			prov.ValidQuote++
			prices = append(prices, quote.Price)
		}
	}
	if len(prices) == 0 {
		return zeroPrice, false
	}

	quoteRate := Median(prices)
	prov.QuoteRate = nullDec(quoteRate)
	return quoteRate, true
}

// collectBaseSide runs the base adapters sequentially and returns the valid
// quotes with prices crossed into the publishing denomination.
func (a *Aggregator) collectBaseSide(ctx context.Context, prov *Provenance, quoteRate decimal.Decimal) []PriceQuote {
	crossed := make([]PriceQuote, 0, len(a.baseSources))
	for _, src := range a.baseSources {
		resp := src.GetRates(ctx)
		if resp.Err != nil {
			metrics.ReportFuncError(a.svcTags)
			a.logger.WithError(resp.Err).WithField("adapter", src.Name()).Warningln("base adapter failed")
			continue
		}
		for _, quote := range resp.Quotes {
			prov.AllQuotes = append(prov.AllQuotes, quote)
			if !quote.Valid() {
				continue
			}
			prov.ValidBase++

			if src.QuoteRequired() {
				price, err := crossQuote(quote.Price, src.QuoteCalcMethod(), quoteRate)
				if err != nil {
					metrics.ReportFuncError(a.svcTags)
					a.logger.WithError(err).WithFields(log.Fields{
						"adapter": src.Name(),
						"source":  quote.SourceName,
					}).Warningln("quote crossing failed, source dropped")
					continue
				}
				quote.Price = price
			}
			crossed = append(crossed, quote)
		}
	}
	return crossed
}
