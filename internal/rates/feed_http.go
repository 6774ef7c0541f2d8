package rates

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

var _ RateSource = &httpSource{}

type httpSourceSpec struct {
	Name     string            `mapstructure:"name"`
	URL      string            `mapstructure:"url"`
	JSONPath interface{}       `mapstructure:"jsonPath"`
	Headers  map[string]string `mapstructure:"headers"`
	Inverse  bool              `mapstructure:"inverse"`
}

type httpEndpoint struct {
	name    string
	url     string
	path    []PathSegment
	headers map[string]string
	inverse bool
}

// NewHTTPSource builds the generic JSON endpoint adapter. Each source names a
// URL and a path into the response document; inverse sources publish 1/x.
func NewHTTPSource(feedCfg *FeedConfig, cfg *AdapterConfig, pairType PairType) (RateSource, error) {
	endpoints := make([]httpEndpoint, 0, len(cfg.Sources))
	for i, raw := range cfg.Sources {
		var spec httpSourceSpec
		if err := decodeSourceSpec(raw, &spec); err != nil {
			return nil, errors.Wrapf(err, "source %d", i)
		}
		if spec.Name == "" || spec.URL == "" {
			return nil, errors.Errorf("source %d: name and url are required", i)
		}
		path, err := ParseJSONPath(spec.JSONPath)
		if err != nil {
			return nil, errors.Wrapf(err, "source %d (%s)", i, spec.Name)
		}
		endpoints = append(endpoints, httpEndpoint{
			name:    spec.Name,
			url:     spec.URL,
			path:    path,
			headers: spec.Headers,
			inverse: spec.Inverse,
		})
	}
	if len(endpoints) == 0 {
		return nil, errors.New("http adapter declares no sources")
	}

	timeout := adapterTimeout(cfg)

	return &httpSource{
		client:    newHTTPClient(timeout),
		timeout:   timeout,
		endpoints: endpoints,
		pairType:  pairType,

		quoteRequired:   cfg.QuoteRequired,
		quoteCalcMethod: CalcMethod(cfg.QuoteCalcMethod),

		logger: log.WithFields(log.Fields{
			"svc":     "rates",
			"adapter": "http",
			"pair":    feedCfg.AssetA.Ticker + "/" + feedCfg.AssetB.Ticker,
		}),
		svcTags: metrics.Tags{
			"adapter": "http",
		},
	}, nil
}

type httpSource struct {
	client    *http.Client
	timeout   time.Duration
	endpoints []httpEndpoint
	pairType  PairType

	quoteRequired   bool
	quoteCalcMethod CalcMethod

	logger  log.Logger
	svcTags metrics.Tags
}

func (s *httpSource) Name() string {
	return "http"
}

func (s *httpSource) PairType() PairType {
	return s.pairType
}

func (s *httpSource) QuoteRequired() bool {
	return s.quoteRequired
}

func (s *httpSource) QuoteCalcMethod() CalcMethod {
	return s.quoteCalcMethod
}

func (s *httpSource) GetRates(ctx context.Context) AdapterResponse {
	metrics.ReportFuncCall(s.svcTags)
	doneFn := metrics.ReportFuncTiming(s.svcTags)
	defer doneFn()

	var (
		mux    sync.Mutex
		quotes = make([]PriceQuote, 0, len(s.endpoints))
	)

	group, groupCtx := errgroup.WithContext(ctx)
	for _, endpoint := range s.endpoints {
		endpoint := endpoint
		group.Go(func() error {
			quote, err := s.fetchEndpoint(groupCtx, endpoint)
			if err != nil {
				metrics.ReportFuncError(s.svcTags)
				s.logger.WithError(err).WithField("source", endpoint.name).Warningln("http source dropped")
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

func (s *httpSource) fetchEndpoint(ctx context.Context, endpoint httpEndpoint) (PriceQuote, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	body, _, err := fetchURL(reqCtx, s.client, s.logger, endpoint.url, endpoint.headers)
	if err != nil {
		return PriceQuote{}, newSourceError(ErrKindNetwork, endpoint.name, err)
	}

	price, err := ExtractDecimal(body, endpoint.path)
	if err != nil {
		return PriceQuote{}, newSourceError(ErrKindDecode, endpoint.name, err)
	}
	if !price.IsPositive() {
		return PriceQuote{}, newSourceError(ErrKindDecode, endpoint.name, errors.New("price fetched as zero"))
	}
	if endpoint.inverse {
		price = decimal.New(1, 0).Div(price)
	}

	return PriceQuote{
		SourceName: endpoint.name,
		SourceID:   fmt.Sprintf("http:%s", endpoint.name),
		Price:      price,
		Timestamp:  nowUnixMilli(),
		PairType:   s.pairType,
		Raw:        body,
	}, nil
}
