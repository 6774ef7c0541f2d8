package rates

import (
	"context"
	"fmt"
	"math/big"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/blinklabs-io/gouroboros/cbor"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/KestrelLabs/kestrel-oracle-node/internal/chain"
)

// Pools that track circulating LP supply indirectly mint the full emission up
// front and park the uncirculated remainder in the pool output.
const maxLPEmission = uint64(9223372036854775807)

// lpSupplyKeys are the datum field names carrying total LP supply, tried in
// priority order.
var lpSupplyKeys = []string{"lp_tokens", "total_liquidity", "circulation_lp"}

var _ RateSource = &lpNavSource{}

type lpNavSourceSpec struct {
	Name string `mapstructure:"name"`
	Dex  string `mapstructure:"dex"`
}

type lpNavPool struct {
	name    string
	address string
	nft     chain.AssetID
	lpUnit  chain.AssetID
}

// NewLPNavSource builds the LP-token NAV adapter: it prices one LP token of
// an ADA-paired pool by doubling the pool's ADA reserve and dividing by the
// LP supply.
func NewLPNavSource(feedCfg *FeedConfig, cfg *AdapterConfig, pairType PairType, deps BuildDeps) (RateSource, error) {
	if deps.Chain == nil {
		return nil, errors.New("lp_nav adapter requires a chain query context")
	}

	pools := make([]lpNavPool, 0, len(cfg.Sources))
	for i, raw := range cfg.Sources {
		var spec lpNavSourceSpec
		if err := decodeSourceSpec(raw, &spec); err != nil {
			return nil, errors.Wrapf(err, "source %d", i)
		}
		dexName := spec.Dex
		if dexName == "" {
			dexName = spec.Name
		}
		ref, ok := deps.DexRegistry[dexName]
		if !ok {
			return nil, errors.Errorf("source %d: dex %q not present in registry", i, dexName)
		}
		if ref.LPUnit == "" {
			return nil, errors.Errorf("source %d: dex %q registry entry has no lp_unit", i, dexName)
		}

		nft, err := chain.ParseAssetID(ref.PoolNFTUnit)
		if err != nil {
			return nil, errors.Wrapf(err, "source %d: dex %q pool nft", i, dexName)
		}
		lpUnit, err := chain.ParseAssetID(ref.LPUnit)
		if err != nil {
			return nil, errors.Wrapf(err, "source %d: dex %q lp unit", i, dexName)
		}
		pools = append(pools, lpNavPool{
			name:    spec.Name,
			address: ref.PoolAddress,
			nft:     nft,
			lpUnit:  lpUnit,
		})
	}
	if len(pools) == 0 {
		return nil, errors.New("lp_nav adapter declares no sources")
	}

	return &lpNavSource{
		cc:       deps.Chain,
		pools:    pools,
		pairType: pairType,

		quoteRequired:   cfg.QuoteRequired,
		quoteCalcMethod: CalcMethod(cfg.QuoteCalcMethod),

		logger: log.WithFields(log.Fields{
			"svc":     "rates",
			"adapter": "lp_nav",
			"pair":    feedCfg.AssetA.Ticker + "/" + feedCfg.AssetB.Ticker,
		}),
		svcTags: metrics.Tags{
			"adapter": "lp_nav",
		},
	}, nil
}

type lpNavSource struct {
	cc       chain.ChainContext
	pools    []lpNavPool
	pairType PairType

	quoteRequired   bool
	quoteCalcMethod CalcMethod

	logger  log.Logger
	svcTags metrics.Tags
}

func (s *lpNavSource) Name() string {
	return "lp_nav"
}

func (s *lpNavSource) PairType() PairType {
	return s.pairType
}

func (s *lpNavSource) QuoteRequired() bool {
	return s.quoteRequired
}

func (s *lpNavSource) QuoteCalcMethod() CalcMethod {
	return s.quoteCalcMethod
}

func (s *lpNavSource) GetRates(ctx context.Context) AdapterResponse {
	metrics.ReportFuncCall(s.svcTags)
	doneFn := metrics.ReportFuncTiming(s.svcTags)
	defer doneFn()

	quotes := make([]PriceQuote, 0, len(s.pools))
	for _, pool := range s.pools {
		quote, err := s.fetchPool(ctx, pool)
		if err != nil {
			var srcErr *SourceError
			if errors.As(err, &srcErr) && srcErr.Kind == ErrKindEmptyPool {
				s.logger.WithField("pool", pool.name).Debugln("pool has no usable LP supply, source dropped")
				continue
			}
			metrics.ReportFuncError(s.svcTags)
			s.logger.WithError(err).WithField("pool", pool.name).Warningln("lp_nav source dropped")
			continue
		}
		quotes = append(quotes, quote)
	}

	return AdapterResponse{Quotes: quotes}
}

func (s *lpNavSource) fetchPool(ctx context.Context, pool lpNavPool) (PriceQuote, error) {
	utxos, err := s.cc.GetUtxosWithUnit(ctx, pool.address, pool.nft)
	if err != nil {
		return PriceQuote{}, newSourceError(ErrKindNetwork, pool.name, err)
	}
	if len(utxos) == 0 {
		return PriceQuote{}, newSourceError(ErrKindEmptyPool, pool.name, errors.New("pool utxo not found"))
	}
	utxo := &utxos[0]

	if utxo.Coin == 0 {
		return PriceQuote{}, newSourceError(ErrKindEmptyPool, pool.name, errors.New("pool has no ADA reserve"))
	}

	supply, supplyFrom := lpSupplyFromDatum(utxo.DatumCBOR)
	if supply == 0 {
		supply = lpSupplyFromValue(utxo, pool.lpUnit)
		supplyFrom = "value"
	}
	if supply == 0 {
		return PriceQuote{}, newSourceError(ErrKindEmptyPool, pool.name, errors.New("cannot determine LP supply"))
	}

	price := lpNavPrice(utxo.Coin, supply)
	if !price.IsPositive() {
		return PriceQuote{}, newSourceError(ErrKindEmptyPool, pool.name, errors.New("derived zero NAV"))
	}

	s.logger.WithFields(log.Fields{
		"pool":        pool.name,
		"supply_from": supplyFrom,
	}).Debugln("derived LP NAV")

	return PriceQuote{
		SourceName: pool.name,
		SourceID:   fmt.Sprintf("lp_nav:%s:%s", pool.name, utxo.Ref()),
		Price:      price,
		Timestamp:  nowUnixMilli(),
		PairType:   s.pairType,
	}, nil
}

// lpNavPrice computes the ADA value of one LP token: both pool legs are worth
// the ADA reserve, so NAV = lovelace * 2 / supply, converted to ADA.
func lpNavPrice(lovelace, supply uint64) decimal.Decimal {
	return decimalFromUint(lovelace).
		Mul(decimal.NewFromInt(2)).
		Div(decimalFromUint(supply)).
		Shift(-6)
}

// lpSupplyFromDatum reads the LP supply out of a metadata-map style pool
// datum, trying the known field names in priority order. Returns 0 when the
// datum is absent or uses a layout without a supply field.
func lpSupplyFromDatum(datumCBOR []byte) (uint64, string) {
	if len(datumCBOR) == 0 {
		return 0, ""
	}
	var fields map[string]interface{}
	if _, err := cbor.Decode(datumCBOR, &fields); err != nil {
		return 0, ""
	}
	for _, key := range lpSupplyKeys {
		raw, ok := fields[key]
		if !ok {
			continue
		}
		if supply, ok := coerceUint(raw); ok && supply > 0 {
			return supply, key
		}
	}
	return 0, ""
}

// lpSupplyFromValue derives the circulating LP supply from the uncirculated
// remainder held in the pool output.
func lpSupplyFromValue(utxo *chain.UTxO, lpUnit chain.AssetID) uint64 {
	held := utxo.AssetAmount(lpUnit)
	if held == 0 || held > maxLPEmission {
		return 0
	}
	return maxLPEmission - held
}

func coerceUint(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case uint64:
		return n, true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case *big.Int:
		if n.Sign() < 0 || !n.IsUint64() {
			return 0, false
		}
		return n.Uint64(), true
	default:
		return 0, false
	}
}
