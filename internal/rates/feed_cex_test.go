package rates

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func cexFeedConfig() *FeedConfig {
	return &FeedConfig{
		PairType: string(PairTypeQuote),
		AssetA:   AssetConfig{Ticker: "ADA", Decimals: 6},
		AssetB:   AssetConfig{Ticker: "USDT", Decimals: 0},
	}
}

func TestCexBinanceQuote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbol") != "ADAUSDT" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
			return
		}
		_, _ = w.Write([]byte(`{"symbol":"ADAUSDT","price":"0.4521"}`))
	}))
	defer server.Close()

	src, err := NewCexSource(cexFeedConfig(), &AdapterConfig{
		Kind: "cex",
		Sources: []map[string]interface{}{
			{"name": "binance", "baseUrl": server.URL},
		},
	}, PairTypeQuote)
	if err != nil {
		t.Fatalf("NewCexSource unexpected error: %v", err)
	}

	resp := src.GetRates(context.Background())
	if resp.Err != nil {
		t.Fatalf("GetRates unexpected error: %v", resp.Err)
	}
	if len(resp.Quotes) != 1 {
		t.Fatalf("quotes = %d; want 1", len(resp.Quotes))
	}
	if !resp.Quotes[0].Price.Equal(d("0.4521")) {
		t.Errorf("price = %s; want 0.4521", resp.Quotes[0].Price.String())
	}
	if resp.Quotes[0].PairType != PairTypeQuote {
		t.Errorf("pair type = %q; want quote", resp.Quotes[0].PairType)
	}
}

func TestCexUnsupportedPairDropped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"NotFound"}`))
	}))
	defer server.Close()

	src, err := NewCexSource(cexFeedConfig(), &AdapterConfig{
		Kind: "cex",
		Sources: []map[string]interface{}{
			{"name": "coinbase", "baseUrl": server.URL},
		},
	}, PairTypeQuote)
	if err != nil {
		t.Fatalf("NewCexSource unexpected error: %v", err)
	}

	resp := src.GetRates(context.Background())
	if resp.Err != nil {
		t.Fatalf("GetRates unexpected error: %v", resp.Err)
	}
	if len(resp.Quotes) != 0 {
		t.Errorf("quotes = %d; want 0 (unsupported pair dropped)", len(resp.Quotes))
	}
}

func TestCexKrakenQuote(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"error": [],
			"result": {
				"ADAUSDT": {
					"c": ["0.4533", "120.5"],
					"b": ["0.4530", "1", "1"],
					"a": ["0.4536", "1", "1"],
					"v": ["1000", "25000"]
				}
			}
		}`))
	}))
	defer server.Close()

	src, err := NewCexSource(cexFeedConfig(), &AdapterConfig{
		Kind: "cex",
		Sources: []map[string]interface{}{
			{"name": "kraken", "baseUrl": server.URL},
		},
	}, PairTypeQuote)
	if err != nil {
		t.Fatalf("NewCexSource unexpected error: %v", err)
	}

	resp := src.GetRates(context.Background())
	if len(resp.Quotes) != 1 {
		t.Fatalf("quotes = %d; want 1", len(resp.Quotes))
	}

	quote := resp.Quotes[0]
	if !quote.Price.Equal(d("0.4533")) {
		t.Errorf("price = %s; want 0.4533", quote.Price.String())
	}
	if !quote.Bid.Valid || !quote.Bid.Decimal.Equal(d("0.4530")) {
		t.Errorf("bid = %+v; want 0.4530", quote.Bid)
	}
	if !quote.Volume.Valid || !quote.Volume.Decimal.Equal(d("25000")) {
		t.Errorf("volume = %+v; want 25000 (24h field)", quote.Volume)
	}
}

func TestCexKucoinSymbolNotListed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"code":"400100","msg":"This pair is not provided at present.","data":null}`))
	}))
	defer server.Close()

	src, err := NewCexSource(cexFeedConfig(), &AdapterConfig{
		Kind: "cex",
		Sources: []map[string]interface{}{
			{"name": "kucoin", "baseUrl": server.URL},
		},
	}, PairTypeQuote)
	if err != nil {
		t.Fatalf("NewCexSource unexpected error: %v", err)
	}

	resp := src.GetRates(context.Background())
	if len(resp.Quotes) != 0 {
		t.Errorf("quotes = %d; want 0", len(resp.Quotes))
	}
}

func TestCexSymbolOverride(t *testing.T) {
	var requested string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = r.URL.Query().Get("symbol")
		_, _ = w.Write([]byte(`{"symbol":"` + requested + `","price":"92000.1"}`))
	}))
	defer server.Close()

	src, err := NewCexSource(cexFeedConfig(), &AdapterConfig{
		Kind: "cex",
		Sources: []map[string]interface{}{
			{"name": "binance", "baseUrl": server.URL, "symbol": "BTCUSDT"},
		},
	}, PairTypeQuote)
	if err != nil {
		t.Fatalf("NewCexSource unexpected error: %v", err)
	}

	resp := src.GetRates(context.Background())
	if len(resp.Quotes) != 1 {
		t.Fatalf("quotes = %d; want 1", len(resp.Quotes))
	}
	if requested != "BTCUSDT" {
		t.Errorf("requested symbol = %q; want BTCUSDT", requested)
	}
}

func TestCexUnknownExchangeRejected(t *testing.T) {
	_, err := NewCexSource(cexFeedConfig(), &AdapterConfig{
		Kind: "cex",
		Sources: []map[string]interface{}{
			{"name": "mtgox"},
		},
	}, PairTypeQuote)
	if err == nil {
		t.Error("expected error for unknown exchange, got nil")
	}
}

func TestCexMissingTickersRejected(t *testing.T) {
	cfg := cexFeedConfig()
	cfg.AssetA.Ticker = ""

	_, err := NewCexSource(cfg, &AdapterConfig{
		Kind:    "cex",
		Sources: []map[string]interface{}{{"name": "binance"}},
	}, PairTypeQuote)
	if err == nil {
		t.Error("expected error for missing tickers, got nil")
	}
}
