package rates

import (
	"context"
	"fmt"
	"math/big"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// PairType distinguishes the base pair (the asset this oracle publishes) from
// the quote pair used for cross-rate composition.
type PairType string

const (
	PairTypeBase  PairType = "base"
	PairTypeQuote PairType = "quote"
)

// CalcMethod selects how a base quote is crossed against the quote-side rate.
type CalcMethod string

const (
	CalcMethodMultiply CalcMethod = "multiply"
	CalcMethodDivide   CalcMethod = "divide"
)

// ErrorKind classifies source failures so the aggregator can decide what is
// recoverable. All of these are recoverable at the adapter level: the failing
// source is dropped, the rest of the batch continues.
type ErrorKind string

const (
	ErrKindNetwork         ErrorKind = "network"
	ErrKindDecode          ErrorKind = "decode"
	ErrKindEmptyPool       ErrorKind = "empty_pool"
	ErrKindUnsupportedPair ErrorKind = "unsupported_pair"
)

// SourceError is a typed failure of a single upstream source.
type SourceError struct {
	Kind   ErrorKind
	Source string
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Source, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

func newSourceError(kind ErrorKind, source string, err error) *SourceError {
	return &SourceError{Kind: kind, Source: source, Err: err}
}

var zeroPrice = decimal.Decimal{}

func nullDec(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

func decimalFromUint(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// ErrNoValidPrice is returned by the aggregator when no source in the batch
// yielded a usable price.
var ErrNoValidPrice = errors.New("no valid price from any source")

// PriceQuote is one reading from one upstream source.
type PriceQuote struct {
	// SourceName is the human-readable source, e.g. "binance" or "minswap#2".
	SourceName string

	// SourceID is the stable identifier linking this quote to persistence.
	SourceID string

	// Price is the observed mid or last-trade price, always positive when
	// the quote is valid.
	Price decimal.Decimal

	// Timestamp of the observation in POSIX milliseconds.
	Timestamp int64

	Bid    decimal.NullDecimal
	Ask    decimal.NullDecimal
	Volume decimal.NullDecimal

	PairType PairType

	// Raw keeps the upstream payload for audit.
	Raw []byte
}

// Valid reports whether the quote carries a usable price.
func (q *PriceQuote) Valid() bool {
	return q.Price.IsPositive()
}

// AdapterResponse is the result of one adapter invocation. A response with
// zero quotes and a nil error means every source was tried and none yielded
// a usable price; Err is reserved for failures of the adapter itself.
type AdapterResponse struct {
	Quotes []PriceQuote
	Err    error
}

// RateSource is the single capability all source adapters implement. An
// adapter owns one family of upstream sources (DEX pools, exchange APIs,
// plain HTTP endpoints, LP-token NAV) and fans out across them internally.
type RateSource interface {
	Name() string
	PairType() PairType

	// QuoteRequired marks adapters whose quotes are denominated in the
	// quote-side asset and must be crossed against the quote rate.
	QuoteRequired() bool
	QuoteCalcMethod() CalcMethod

	GetRates(ctx context.Context) AdapterResponse
}

// crossQuote applies the adapter's calc method against the quote-side rate.
func crossQuote(price decimal.Decimal, method CalcMethod, quoteRate decimal.Decimal) (decimal.Decimal, error) {
	switch method {
	case CalcMethodDivide:
		if quoteRate.IsZero() {
			return zeroPrice, errors.New("cannot divide by zero quote rate")
		}
		return price.Div(quoteRate), nil
	case CalcMethodMultiply, "":
		return price.Mul(quoteRate), nil
	default:
		return zeroPrice, errors.Errorf("unknown quote calc method: %s", method)
	}
}
