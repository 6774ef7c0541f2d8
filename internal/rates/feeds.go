package rates

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"

	"github.com/KestrelLabs/kestrel-oracle-node/internal/chain"
)

// AssetConfig describes one side of a pair. On-chain assets carry a policy ID
// and hex-encoded asset name; ADA leaves both empty. Ticker is what exchange
// APIs know the asset as.
type AssetConfig struct {
	Ticker    string `toml:"ticker"`
	PolicyID  string `toml:"policyId"`
	AssetName string `toml:"assetName"`
	Decimals  int32  `toml:"decimals"`
}

// IsADA reports whether the asset is the chain's native coin.
func (a *AssetConfig) IsADA() bool {
	return a.PolicyID == ""
}

// Unit returns the on-chain asset identifier.
func (a *AssetConfig) Unit() chain.AssetID {
	return chain.AssetID{PolicyID: a.PolicyID, AssetName: a.AssetName}
}

// AdapterConfig declares one adapter family and its upstream sources. Source
// entries are kind-specific and decoded individually.
type AdapterConfig struct {
	Kind            string                   `toml:"kind"`
	QuoteRequired   bool                     `toml:"quoteRequired"`
	QuoteCalcMethod string                   `toml:"quoteCalcMethod"`
	Timeout         string                   `toml:"timeout"`
	MaxConcurrent   int64                    `toml:"maxConcurrent"`
	Sources         []map[string]interface{} `toml:"sources"`
}

// FeedConfig is one TOML feed definition: a pair plus the adapters that
// observe it.
type FeedConfig struct {
	PairType string         `toml:"pairType"`
	AssetA   AssetConfig    `toml:"assetA"`
	AssetB   AssetConfig    `toml:"assetB"`
	Adapters []AdapterConfig `toml:"adapters"`
}

func ParseFeedConfig(body []byte) (*FeedConfig, error) {
	var config FeedConfig
	if err := toml.Unmarshal(body, &config); err != nil {
		err = errors.Wrap(err, "failed to unmarshal TOML feed config")
		return nil, err
	}

	switch PairType(config.PairType) {
	case PairTypeBase, PairTypeQuote:
	default:
		return nil, errors.Errorf("feed config has unknown pairType: %q", config.PairType)
	}
	if len(config.Adapters) == 0 {
		return nil, errors.New("feed config declares no adapters")
	}

	return &config, nil
}

func (c *FeedConfig) Hash() string {
	h := sha256.New()

	_, _ = h.Write([]byte(c.PairType))
	_, _ = h.Write([]byte(c.AssetA.Ticker))
	_, _ = h.Write([]byte(c.AssetA.PolicyID))
	_, _ = h.Write([]byte(c.AssetA.AssetName))
	_, _ = h.Write([]byte(c.AssetB.Ticker))
	_, _ = h.Write([]byte(c.AssetB.PolicyID))
	_, _ = h.Write([]byte(c.AssetB.AssetName))

	return hex.EncodeToString(h.Sum(nil))
}

// DexPoolRef resolves a named DEX to its pool locator. A second pool is
// optional and yields an extra "<dex>#2" quote when present.
type DexPoolRef struct {
	PoolAddress       string        `yaml:"pool_address"`
	PoolNFT           chain.AssetID `yaml:"-"`
	PoolNFTUnit       string        `yaml:"pool_nft"`
	SecondPoolAddress string        `yaml:"second_pool_address"`
	SecondPoolNFTUnit string        `yaml:"second_pool_nft"`
	LPUnit            string        `yaml:"lp_unit"`
}

// BuildDeps carries the external handles adapters need. Chain is the context
// pool reads go through; on test networks this is the external mainnet
// context since pools with real depth only exist there.
type BuildDeps struct {
	Chain       chain.ChainContext
	DexRegistry map[string]DexPoolRef
}

// BuildSources constructs all adapters declared by a feed config.
func BuildSources(cfg *FeedConfig, deps BuildDeps) ([]RateSource, error) {
	pairType := PairType(cfg.PairType)
	sources := make([]RateSource, 0, len(cfg.Adapters))

	for i, adapterCfg := range cfg.Adapters {
		var (
			src RateSource
			err error
		)
		switch adapterCfg.Kind {
		case "dex_pool", "dex":
			src, err = NewDexPoolSource(cfg, &adapterCfg, pairType, deps)
		case "cex":
			src, err = NewCexSource(cfg, &adapterCfg, pairType)
		case "http":
			src, err = NewHTTPSource(cfg, &adapterCfg, pairType)
		case "lp_nav":
			src, err = NewLPNavSource(cfg, &adapterCfg, pairType, deps)
		default:
			err = errors.Errorf("unknown adapter kind: %q", adapterCfg.Kind)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "adapter %d (%s)", i, adapterCfg.Kind)
		}
		sources = append(sources, src)
	}

	return sources, nil
}

func decodeSourceSpec(raw map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return errors.Wrap(err, "failed to init source spec decoder")
	}
	if err := decoder.Decode(raw); err != nil {
		return errors.Wrap(err, "failed to decode source spec")
	}
	return nil
}

func adapterTimeout(cfg *AdapterConfig) time.Duration {
	if cfg.Timeout == "" {
		return defaultHTTPTimeout
	}
	timeout, err := time.ParseDuration(cfg.Timeout)
	if err != nil || timeout <= 0 {
		return defaultHTTPTimeout
	}
	return timeout
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
