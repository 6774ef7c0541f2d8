package rates

import (
	"context"
	"fmt"
	"sync"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/KestrelLabs/kestrel-oracle-node/internal/chain"
)

var _ RateSource = &dexPoolSource{}

type dexSourceSpec struct {
	Name string `mapstructure:"name"`
}

type dexPool struct {
	// quoteName is what the resulting quote is attributed to; the paired
	// pool of a DEX reports as "<dex>#2".
	quoteName string
	dex       string
	address   string
	nft       chain.AssetID
}

// NewDexPoolSource builds the on-chain liquidity pool adapter. Each named DEX
// resolves through the registry to a pool locator; a registered second pool
// contributes an extra independent quote.
func NewDexPoolSource(feedCfg *FeedConfig, cfg *AdapterConfig, pairType PairType, deps BuildDeps) (RateSource, error) {
	if deps.Chain == nil {
		return nil, errors.New("dex adapter requires a chain query context")
	}

	pools := make([]dexPool, 0, len(cfg.Sources))
	for i, raw := range cfg.Sources {
		var spec dexSourceSpec
		if err := decodeSourceSpec(raw, &spec); err != nil {
			return nil, errors.Wrapf(err, "source %d", i)
		}
		ref, ok := deps.DexRegistry[spec.Name]
		if !ok {
			return nil, errors.Errorf("source %d: dex %q not present in registry", i, spec.Name)
		}

		nft, err := chain.ParseAssetID(ref.PoolNFTUnit)
		if err != nil {
			return nil, errors.Wrapf(err, "source %d: dex %q pool nft", i, spec.Name)
		}
		pools = append(pools, dexPool{
			quoteName: spec.Name,
			dex:       spec.Name,
			address:   ref.PoolAddress,
			nft:       nft,
		})

		if ref.SecondPoolAddress != "" {
			secondNFT, err := chain.ParseAssetID(ref.SecondPoolNFTUnit)
			if err != nil {
				return nil, errors.Wrapf(err, "source %d: dex %q second pool nft", i, spec.Name)
			}
			pools = append(pools, dexPool{
				quoteName: spec.Name + "#2",
				dex:       spec.Name,
				address:   ref.SecondPoolAddress,
				nft:       secondNFT,
			})
		}
	}
	if len(pools) == 0 {
		return nil, errors.New("dex adapter declares no sources")
	}

	return &dexPoolSource{
		cc:       deps.Chain,
		pools:    pools,
		assetA:   feedCfg.AssetA,
		assetB:   feedCfg.AssetB,
		pairType: pairType,

		quoteRequired:   cfg.QuoteRequired,
		quoteCalcMethod: CalcMethod(cfg.QuoteCalcMethod),

		logger: log.WithFields(log.Fields{
			"svc":     "rates",
			"adapter": "dex_pool",
			"pair":    feedCfg.AssetA.Ticker + "/" + feedCfg.AssetB.Ticker,
		}),
		svcTags: metrics.Tags{
			"adapter": "dex_pool",
		},
	}, nil
}

type dexPoolSource struct {
	cc    chain.ChainContext
	pools []dexPool

	assetA   AssetConfig
	assetB   AssetConfig
	pairType PairType

	quoteRequired   bool
	quoteCalcMethod CalcMethod

	logger  log.Logger
	svcTags metrics.Tags
}

func (s *dexPoolSource) Name() string {
	return "dex_pool"
}

func (s *dexPoolSource) PairType() PairType {
	return s.pairType
}

func (s *dexPoolSource) QuoteRequired() bool {
	return s.quoteRequired
}

func (s *dexPoolSource) QuoteCalcMethod() CalcMethod {
	return s.quoteCalcMethod
}

func (s *dexPoolSource) GetRates(ctx context.Context) AdapterResponse {
	metrics.ReportFuncCall(s.svcTags)
	doneFn := metrics.ReportFuncTiming(s.svcTags)
	defer doneFn()

	var (
		mux    sync.Mutex
		quotes = make([]PriceQuote, 0, len(s.pools))
	)

	group, groupCtx := errgroup.WithContext(ctx)
	for _, pool := range s.pools {
		pool := pool
		group.Go(func() error {
			quote, err := s.fetchPool(groupCtx, pool)
			if err != nil {
				var srcErr *SourceError
				if errors.As(err, &srcErr) && srcErr.Kind == ErrKindEmptyPool {
					s.logger.WithField("dex", pool.quoteName).Debugln("pool has no usable reserves, source dropped")
					return nil
				}
				metrics.ReportFuncError(s.svcTags)
				s.logger.WithError(err).WithField("dex", pool.quoteName).Warningln("dex source dropped")
				return nil
			}

			mux.Lock()
			quotes = append(quotes, quote)
			mux.Unlock()
			return nil
		})
	}
	_ = group.Wait()

	return AdapterResponse{Quotes: quotes}
}

func (s *dexPoolSource) fetchPool(ctx context.Context, pool dexPool) (PriceQuote, error) {
	utxos, err := s.cc.GetUtxosWithUnit(ctx, pool.address, pool.nft)
	if err != nil {
		return PriceQuote{}, newSourceError(ErrKindNetwork, pool.quoteName, err)
	}
	if len(utxos) == 0 {
		return PriceQuote{}, newSourceError(ErrKindEmptyPool, pool.quoteName, errors.New("pool utxo not found"))
	}

	// the NFT guarantees uniqueness, but scan all returned outputs in case
	// the provider includes unrelated ones at the same address
	for i := range utxos {
		utxo := &utxos[i]

		reserveA := s.reserveOf(utxo, &s.assetA)
		reserveB := s.reserveOf(utxo, &s.assetB)
		if reserveA == 0 || reserveB == 0 {
			continue
		}

		price := s.midPrice(reserveA, reserveB)
		if !price.IsPositive() {
			continue
		}

		return PriceQuote{
			SourceName: pool.quoteName,
			SourceID:   fmt.Sprintf("dex:%s:%s", pool.quoteName, utxo.Ref()),
			Price:      price,
			Timestamp:  nowUnixMilli(),
			PairType:   s.pairType,
		}, nil
	}

	return PriceQuote{}, newSourceError(ErrKindEmptyPool, pool.quoteName, errors.New("pool holds no reserves for the pair"))
}

func (s *dexPoolSource) reserveOf(utxo *chain.UTxO, asset *AssetConfig) uint64 {
	if asset.IsADA() {
		return utxo.Coin
	}
	return utxo.AssetAmount(asset.Unit())
}

// midPrice derives the instantaneous pool price of one unit of asset A
// denominated in asset B, normalized by the assets' decimal exponents.
func (s *dexPoolSource) midPrice(reserveA, reserveB uint64) decimal.Decimal {
	price := decimalFromUint(reserveB).Div(decimalFromUint(reserveA))
	return price.Shift(s.assetA.Decimals - s.assetB.Decimals)
}
