package rates

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/semaphore"
)

const (
	ExchangeBinance  = "binance"
	ExchangeKraken   = "kraken"
	ExchangeCoinbase = "coinbase"
	ExchangeKucoin   = "kucoin"

	defaultCexConcurrency = 20
)

var _ RateSource = &cexSource{}

type cexSourceSpec struct {
	Name    string `mapstructure:"name"`
	Symbol  string `mapstructure:"symbol"`
	BaseURL string `mapstructure:"baseUrl"`
}

// NewCexSource builds the exchange-API adapter. Each named exchange yields at
// most one quote; exchanges that do not list the pair are dropped without
// failing the batch.
func NewCexSource(feedCfg *FeedConfig, cfg *AdapterConfig, pairType PairType) (RateSource, error) {
	if feedCfg.AssetA.Ticker == "" || feedCfg.AssetB.Ticker == "" {
		return nil, errors.New("cex adapter requires tickers for both assets")
	}

	specs := make([]cexSourceSpec, 0, len(cfg.Sources))
	for i, raw := range cfg.Sources {
		var spec cexSourceSpec
		if err := decodeSourceSpec(raw, &spec); err != nil {
			return nil, errors.Wrapf(err, "source %d", i)
		}
		switch spec.Name {
		case ExchangeBinance, ExchangeKraken, ExchangeCoinbase, ExchangeKucoin:
		default:
			return nil, errors.Errorf("source %d: unknown exchange %q", i, spec.Name)
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, errors.New("cex adapter declares no sources")
	}

	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultCexConcurrency
	}
	timeout := adapterTimeout(cfg)

	return &cexSource{
		client:   newHTTPClient(timeout),
		timeout:  timeout,
		sem:      semaphore.NewWeighted(maxConcurrent),
		specs:    specs,
		tickerA:  strings.ToUpper(feedCfg.AssetA.Ticker),
		tickerB:  strings.ToUpper(feedCfg.AssetB.Ticker),
		pairType: pairType,

		quoteRequired:   cfg.QuoteRequired,
		quoteCalcMethod: CalcMethod(cfg.QuoteCalcMethod),

		logger: log.WithFields(log.Fields{
			"svc":     "rates",
			"adapter": "cex",
			"pair":    feedCfg.AssetA.Ticker + "/" + feedCfg.AssetB.Ticker,
		}),
		svcTags: metrics.Tags{
			"adapter": "cex",
		},
	}, nil
}

type cexSource struct {
	client  *http.Client
	timeout time.Duration
	sem     *semaphore.Weighted
	specs   []cexSourceSpec

	tickerA  string
	tickerB  string
	pairType PairType

	quoteRequired   bool
	quoteCalcMethod CalcMethod

	logger  log.Logger
	svcTags metrics.Tags
}

func (s *cexSource) Name() string {
	return "cex"
}

func (s *cexSource) PairType() PairType {
	return s.pairType
}

func (s *cexSource) QuoteRequired() bool {
	return s.quoteRequired
}

func (s *cexSource) QuoteCalcMethod() CalcMethod {
	return s.quoteCalcMethod
}

func (s *cexSource) GetRates(ctx context.Context) AdapterResponse {
	metrics.ReportFuncCall(s.svcTags)
	doneFn := metrics.ReportFuncTiming(s.svcTags)
	defer doneFn()

	var (
		mux    sync.Mutex
		wg     sync.WaitGroup
		quotes = make([]PriceQuote, 0, len(s.specs))
	)

	for _, spec := range s.specs {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			metrics.ReportFuncError(s.svcTags)
			wg.Wait()
			return AdapterResponse{Quotes: quotes, Err: errors.Wrap(err, "interrupted while waiting for request slot")}
		}

		wg.Add(1)
		go func(spec cexSourceSpec) {
			defer wg.Done()
			defer s.sem.Release(1)

			reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()

			quote, err := s.fetchExchange(reqCtx, spec)
			if err != nil {
				var srcErr *SourceError
				if errors.As(err, &srcErr) && srcErr.Kind == ErrKindUnsupportedPair {
					s.logger.WithField("exchange", spec.Name).Debugln("pair not listed, source dropped")
					return
				}
				metrics.ReportFuncError(s.svcTags)
				s.logger.WithError(err).WithField("exchange", spec.Name).Warningln("exchange source dropped")
				return
			}

			mux.Lock()
			quotes = append(quotes, quote)
			mux.Unlock()
		}(spec)
	}
	wg.Wait()

	return AdapterResponse{Quotes: quotes}
}

func (s *cexSource) fetchExchange(ctx context.Context, spec cexSourceSpec) (PriceQuote, error) {
	switch spec.Name {
	case ExchangeBinance:
		return s.fetchBinance(ctx, spec)
	case ExchangeKraken:
		return s.fetchKraken(ctx, spec)
	case ExchangeCoinbase:
		return s.fetchCoinbase(ctx, spec)
	case ExchangeKucoin:
		return s.fetchKucoin(ctx, spec)
	default:
		return PriceQuote{}, newSourceError(ErrKindUnsupportedPair, spec.Name, errors.New("unknown exchange"))
	}
}

func (s *cexSource) newQuote(exchange string, price decimal.Decimal, raw []byte) PriceQuote {
	return PriceQuote{
		SourceName: exchange,
		SourceID:   fmt.Sprintf("cex:%s:%s%s", exchange, s.tickerA, s.tickerB),
		Price:      price,
		Timestamp:  nowUnixMilli(),
		PairType:   s.pairType,
		Raw:        raw,
	}
}

type binanceTickerResp struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

func (s *cexSource) fetchBinance(ctx context.Context, spec cexSourceSpec) (PriceQuote, error) {
	symbol := spec.Symbol
	if symbol == "" {
		symbol = s.tickerA + s.tickerB
	}
	baseURL := spec.BaseURL
	if baseURL == "" {
		baseURL = "https://api.binance.com/api/v3"
	}
	reqURL := fmt.Sprintf("%s/ticker/price?symbol=%s", baseURL, url.QueryEscape(symbol))

	body, statusCode, err := fetchURL(ctx, s.client, s.logger, reqURL, nil)
	if err != nil {
		if unsupportedPairStatus(statusCode) {
			return PriceQuote{}, newSourceError(ErrKindUnsupportedPair, ExchangeBinance, err)
		}
		return PriceQuote{}, newSourceError(ErrKindNetwork, ExchangeBinance, err)
	}

	var resp binanceTickerResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return PriceQuote{}, newSourceError(ErrKindDecode, ExchangeBinance, err)
	}
	if resp.Symbol != symbol {
		return PriceQuote{}, newSourceError(ErrKindDecode, ExchangeBinance,
			errors.Errorf("symbol in response doesn't match requested: %s (resp) != %s (req)", resp.Symbol, symbol))
	}
	if !resp.Price.IsPositive() {
		return PriceQuote{}, newSourceError(ErrKindDecode, ExchangeBinance, errors.New("price fetched as zero"))
	}

	return s.newQuote(ExchangeBinance, resp.Price, body), nil
}

type krakenTickerResp struct {
	Error  []string `json:"error"`
	Result map[string]struct {
		Close  []decimal.Decimal `json:"c"`
		Bid    []decimal.Decimal `json:"b"`
		Ask    []decimal.Decimal `json:"a"`
		Volume []decimal.Decimal `json:"v"`
	} `json:"result"`
}

func (s *cexSource) fetchKraken(ctx context.Context, spec cexSourceSpec) (PriceQuote, error) {
	symbol := spec.Symbol
	if symbol == "" {
		symbol = s.tickerA + s.tickerB
	}
	baseURL := spec.BaseURL
	if baseURL == "" {
		baseURL = "https://api.kraken.com/0/public"
	}
	reqURL := fmt.Sprintf("%s/Ticker?pair=%s", baseURL, url.QueryEscape(symbol))

	body, statusCode, err := fetchURL(ctx, s.client, s.logger, reqURL, nil)
	if err != nil {
		if unsupportedPairStatus(statusCode) {
			return PriceQuote{}, newSourceError(ErrKindUnsupportedPair, ExchangeKraken, err)
		}
		return PriceQuote{}, newSourceError(ErrKindNetwork, ExchangeKraken, err)
	}

	var resp krakenTickerResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return PriceQuote{}, newSourceError(ErrKindDecode, ExchangeKraken, err)
	}
	for _, krakenErr := range resp.Error {
		if strings.Contains(krakenErr, "Unknown asset pair") {
			return PriceQuote{}, newSourceError(ErrKindUnsupportedPair, ExchangeKraken, errors.New(krakenErr))
		}
	}
	if len(resp.Error) > 0 {
		return PriceQuote{}, newSourceError(ErrKindNetwork, ExchangeKraken, errors.New(strings.Join(resp.Error, "; ")))
	}

	// kraken responds under its own canonical pair name, take the first entry
	for _, ticker := range resp.Result {
		if len(ticker.Close) == 0 || !ticker.Close[0].IsPositive() {
			return PriceQuote{}, newSourceError(ErrKindDecode, ExchangeKraken, errors.New("no close price in response"))
		}
		quote := s.newQuote(ExchangeKraken, ticker.Close[0], body)
		if len(ticker.Bid) > 0 {
			quote.Bid = nullDec(ticker.Bid[0])
		}
		if len(ticker.Ask) > 0 {
			quote.Ask = nullDec(ticker.Ask[0])
		}
		if len(ticker.Volume) > 1 {
			quote.Volume = nullDec(ticker.Volume[1])
		}
		return quote, nil
	}

	return PriceQuote{}, newSourceError(ErrKindUnsupportedPair, ExchangeKraken, errors.New("empty result set"))
}

type coinbaseTickerResp struct {
	Price   decimal.Decimal `json:"price"`
	Bid     decimal.Decimal `json:"bid"`
	Ask     decimal.Decimal `json:"ask"`
	Volume  decimal.Decimal `json:"volume"`
	Message string          `json:"message"`
}

func (s *cexSource) fetchCoinbase(ctx context.Context, spec cexSourceSpec) (PriceQuote, error) {
	symbol := spec.Symbol
	if symbol == "" {
		symbol = s.tickerA + "-" + s.tickerB
	}
	baseURL := spec.BaseURL
	if baseURL == "" {
		baseURL = "https://api.exchange.coinbase.com"
	}
	reqURL := fmt.Sprintf("%s/products/%s/ticker", baseURL, url.PathEscape(symbol))

	body, statusCode, err := fetchURL(ctx, s.client, s.logger, reqURL, nil)
	if err != nil {
		if unsupportedPairStatus(statusCode) {
			return PriceQuote{}, newSourceError(ErrKindUnsupportedPair, ExchangeCoinbase, err)
		}
		return PriceQuote{}, newSourceError(ErrKindNetwork, ExchangeCoinbase, err)
	}

	var resp coinbaseTickerResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return PriceQuote{}, newSourceError(ErrKindDecode, ExchangeCoinbase, err)
	}
	if !resp.Price.IsPositive() {
		return PriceQuote{}, newSourceError(ErrKindDecode, ExchangeCoinbase, errors.New("price fetched as zero"))
	}

	quote := s.newQuote(ExchangeCoinbase, resp.Price, body)
	if resp.Bid.IsPositive() {
		quote.Bid = nullDec(resp.Bid)
	}
	if resp.Ask.IsPositive() {
		quote.Ask = nullDec(resp.Ask)
	}
	if resp.Volume.IsPositive() {
		quote.Volume = nullDec(resp.Volume)
	}
	return quote, nil
}

type kucoinTickerResp struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		Price   decimal.Decimal `json:"price"`
		BestBid decimal.Decimal `json:"bestBid"`
		BestAsk decimal.Decimal `json:"bestAsk"`
	} `json:"data"`
}

func (s *cexSource) fetchKucoin(ctx context.Context, spec cexSourceSpec) (PriceQuote, error) {
	symbol := spec.Symbol
	if symbol == "" {
		symbol = s.tickerA + "-" + s.tickerB
	}
	baseURL := spec.BaseURL
	if baseURL == "" {
		baseURL = "https://api.kucoin.com"
	}
	reqURL := fmt.Sprintf("%s/api/v1/market/orderbook/level1?symbol=%s", baseURL, url.QueryEscape(symbol))

	body, statusCode, err := fetchURL(ctx, s.client, s.logger, reqURL, nil)
	if err != nil {
		if unsupportedPairStatus(statusCode) {
			return PriceQuote{}, newSourceError(ErrKindUnsupportedPair, ExchangeKucoin, err)
		}
		return PriceQuote{}, newSourceError(ErrKindNetwork, ExchangeKucoin, err)
	}

	var resp kucoinTickerResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return PriceQuote{}, newSourceError(ErrKindDecode, ExchangeKucoin, err)
	}
	if resp.Code != "200000" || resp.Data == nil {
		return PriceQuote{}, newSourceError(ErrKindUnsupportedPair, ExchangeKucoin,
			errors.Errorf("symbol not available: code=%s msg=%s", resp.Code, resp.Msg))
	}
	if !resp.Data.Price.IsPositive() {
		return PriceQuote{}, newSourceError(ErrKindDecode, ExchangeKucoin, errors.New("price fetched as zero"))
	}

	quote := s.newQuote(ExchangeKucoin, resp.Data.Price, body)
	if resp.Data.BestBid.IsPositive() {
		quote.Bid = nullDec(resp.Data.BestBid)
	}
	if resp.Data.BestAsk.IsPositive() {
		quote.Ask = nullDec(resp.Data.BestAsk)
	}
	return quote, nil
}
