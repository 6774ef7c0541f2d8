package rates

import (
	"context"
	"testing"

	"github.com/KestrelLabs/kestrel-oracle-node/internal/chain"
)

const testPolicy = "1f164eea5c242f53cb2df2150fa5ab7ba126350e904ddbcc65226e18"

// stubChain serves canned UTxOs keyed by address.
type stubChain struct {
	chain.ChainContext
	utxos map[string][]chain.UTxO
	err   error
}

func (s *stubChain) GetUtxosWithUnit(_ context.Context, address string, unit chain.AssetID) ([]chain.UTxO, error) {
	if s.err != nil {
		return nil, s.err
	}
	var matched []chain.UTxO
	for _, utxo := range s.utxos[address] {
		if utxo.HasAsset(unit) {
			matched = append(matched, utxo)
		}
	}
	return matched, nil
}

func testRegistry() map[string]DexPoolRef {
	return map[string]DexPoolRef{
		"minswap": {
			PoolAddress: "addr1_minswap_pool",
			PoolNFTUnit: testPolicy + ".706f6f6c",
			LPUnit:      testPolicy + ".6c70",
		},
		"sundaeswap": {
			PoolAddress:       "addr1_sundae_pool",
			PoolNFTUnit:       testPolicy + ".73756e646165",
			SecondPoolAddress: "addr1_sundae_pool2",
			SecondPoolNFTUnit: testPolicy + ".73756e6461652332",
		},
	}
}

func dexFeedConfig() *FeedConfig {
	return &FeedConfig{
		PairType: string(PairTypeBase),
		AssetA:   AssetConfig{Ticker: "TOKEN", PolicyID: testPolicy, AssetName: "746f6b656e", Decimals: 0},
		AssetB:   AssetConfig{Ticker: "ADA", Decimals: 6},
	}
}

func TestDexPoolMidPrice(t *testing.T) {
	cc := &stubChain{
		utxos: map[string][]chain.UTxO{
			"addr1_minswap_pool": {
				{
					TxHash:  "aa11",
					Index:   0,
					Address: "addr1_minswap_pool",
					// 2000 ADA against 1000 tokens
					Coin: 2_000_000_000,
					Assets: map[chain.AssetID]uint64{
						{PolicyID: testPolicy, AssetName: "706f6f6c"}:   1,
						{PolicyID: testPolicy, AssetName: "746f6b656e"}: 1000,
					},
				},
			},
		},
	}

	src, err := NewDexPoolSource(dexFeedConfig(), &AdapterConfig{
		Kind:    "dex_pool",
		Sources: []map[string]interface{}{{"name": "minswap"}},
	}, PairTypeBase, BuildDeps{Chain: cc, DexRegistry: testRegistry()})
	if err != nil {
		t.Fatalf("NewDexPoolSource unexpected error: %v", err)
	}

	resp := src.GetRates(context.Background())
	if resp.Err != nil {
		t.Fatalf("GetRates unexpected error: %v", resp.Err)
	}
	if len(resp.Quotes) != 1 {
		t.Fatalf("quotes = %d; want 1", len(resp.Quotes))
	}

	// reserve_b/reserve_a = 2e9/1e3 = 2e6 lovelace, normalized by
	// 10^(0-6) to 2 ADA per token
	if !resp.Quotes[0].Price.Equal(d("2")) {
		t.Errorf("mid price = %s; want 2", resp.Quotes[0].Price.String())
	}
	if resp.Quotes[0].SourceName != "minswap" {
		t.Errorf("source name = %q; want minswap", resp.Quotes[0].SourceName)
	}
}

func TestDexPoolSecondPoolQuote(t *testing.T) {
	cc := &stubChain{
		utxos: map[string][]chain.UTxO{
			"addr1_sundae_pool": {
				{
					TxHash: "bb22", Index: 0, Address: "addr1_sundae_pool",
					Coin: 1_000_000_000,
					Assets: map[chain.AssetID]uint64{
						{PolicyID: testPolicy, AssetName: "73756e646165"}: 1,
						{PolicyID: testPolicy, AssetName: "746f6b656e"}:   1000,
					},
				},
			},
			"addr1_sundae_pool2": {
				{
					TxHash: "cc33", Index: 1, Address: "addr1_sundae_pool2",
					Coin: 1_100_000_000,
					Assets: map[chain.AssetID]uint64{
						{PolicyID: testPolicy, AssetName: "73756e6461652332"}: 1,
						{PolicyID: testPolicy, AssetName: "746f6b656e"}:       1000,
					},
				},
			},
		},
	}

	src, err := NewDexPoolSource(dexFeedConfig(), &AdapterConfig{
		Kind:    "dex_pool",
		Sources: []map[string]interface{}{{"name": "sundaeswap"}},
	}, PairTypeBase, BuildDeps{Chain: cc, DexRegistry: testRegistry()})
	if err != nil {
		t.Fatalf("NewDexPoolSource unexpected error: %v", err)
	}

	resp := src.GetRates(context.Background())
	if len(resp.Quotes) != 2 {
		t.Fatalf("quotes = %d; want 2 (primary and paired pool)", len(resp.Quotes))
	}

	names := map[string]bool{}
	for _, quote := range resp.Quotes {
		names[quote.SourceName] = true
	}
	if !names["sundaeswap"] || !names["sundaeswap#2"] {
		t.Errorf("quote names = %v; want sundaeswap and sundaeswap#2", names)
	}
}

func TestDexPoolEmptyPoolDropped(t *testing.T) {
	cc := &stubChain{
		utxos: map[string][]chain.UTxO{
			"addr1_minswap_pool": {
				{
					TxHash: "dd44", Index: 0, Address: "addr1_minswap_pool",
					Coin: 2_000_000_000,
					Assets: map[chain.AssetID]uint64{
						// NFT present but no token reserve
						{PolicyID: testPolicy, AssetName: "706f6f6c"}: 1,
					},
				},
			},
		},
	}

	src, err := NewDexPoolSource(dexFeedConfig(), &AdapterConfig{
		Kind:    "dex_pool",
		Sources: []map[string]interface{}{{"name": "minswap"}},
	}, PairTypeBase, BuildDeps{Chain: cc, DexRegistry: testRegistry()})
	if err != nil {
		t.Fatalf("NewDexPoolSource unexpected error: %v", err)
	}

	resp := src.GetRates(context.Background())
	if resp.Err != nil {
		t.Fatalf("GetRates unexpected error: %v", resp.Err)
	}
	if len(resp.Quotes) != 0 {
		t.Errorf("quotes = %d; want 0 (one-sided pool dropped)", len(resp.Quotes))
	}
}

func TestDexPoolUnknownDexRejected(t *testing.T) {
	_, err := NewDexPoolSource(dexFeedConfig(), &AdapterConfig{
		Kind:    "dex_pool",
		Sources: []map[string]interface{}{{"name": "nosuchdex"}},
	}, PairTypeBase, BuildDeps{Chain: &stubChain{}, DexRegistry: testRegistry()})
	if err == nil {
		t.Error("expected error for unregistered dex, got nil")
	}
}
