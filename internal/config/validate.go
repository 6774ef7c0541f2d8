package config

import (
	"context"
	"encoding/hex"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/KestrelLabs/kestrel-oracle-node/internal/alerts"
	"github.com/KestrelLabs/kestrel-oracle-node/internal/chain"
	"github.com/KestrelLabs/kestrel-oracle-node/internal/rates"
)

const healthProbeTimeout = 10 * time.Second

// Validate runs the startup validators over the loaded config and parsed
// feed definitions: required keys, backend exclusivity, source floors,
// registry resolution, then a health probe against every configured chain
// endpoint. The returned error aggregates every failure; any failure is
// fatal to startup.
func (c *Config) Validate(ctx context.Context, feeds []*rates.FeedConfig) error {
	errs := multierr.Combine(
		c.validateNode(),
		c.validateChainQuery(feeds),
		c.validateRate(feeds),
		c.validateUpdater(),
		c.validateAlerts(),
		c.validateSidecars(),
	)
	if errs != nil {
		return errs
	}

	return c.probeEndpoints(ctx)
}

func (c *Config) validateNode() error {
	var errs error
	n := c.Node

	if n.Pair == "" {
		errs = multierr.Append(errs, errors.New("Node.pair is required"))
	}
	if n.Mnemonic == "" {
		errs = multierr.Append(errs, errors.New("Node.mnemonic is required"))
	}
	if n.OracleAddress == "" {
		errs = multierr.Append(errs, errors.New("Node.oracle_address is required"))
	}
	if n.OraclePolicyID == "" {
		errs = multierr.Append(errs, errors.New("Node.oracle_policy_id is required"))
	} else if _, err := hex.DecodeString(n.OraclePolicyID); err != nil || len(n.OraclePolicyID) != 56 {
		errs = multierr.Append(errs, errors.Errorf("Node.oracle_policy_id is not a policy id: %q", n.OraclePolicyID))
	}
	if n.FeeToken == "" {
		errs = multierr.Append(errs, errors.New("Node.fee_token is required"))
	} else if _, err := chain.ParseAssetID(n.FeeToken); err != nil {
		errs = multierr.Append(errs, errors.Wrap(err, "Node.fee_token"))
	}
	if n.NodeAddress == "" {
		errs = multierr.Append(errs, errors.New("Node.node_address is required"))
	}
	if n.PrecisionMultiplier < 0 {
		errs = multierr.Append(errs, errors.New("Node.precision_multiplier must be positive"))
	}

	return errs
}

func (c *Config) validateChainQuery(feeds []*rates.FeedConfig) error {
	var errs error
	q := c.ChainQuery

	if _, ok := chain.Networks[q.Network]; !ok {
		errs = multierr.Append(errs, errors.Errorf("ChainQuery.network must be one of mainnet, preprod; got %q", q.Network))
	}

	hasOgmios := q.Ogmios != ""
	hasBlockfrost := q.Blockfrost != nil && (q.Blockfrost.URL != "" || q.Blockfrost.ProjectID != "")
	switch {
	case !hasOgmios && !hasBlockfrost:
		errs = multierr.Append(errs, errors.New("ChainQuery requires one of ogmios or blockfrost"))
	case hasOgmios && hasBlockfrost:
		errs = multierr.Append(errs, errors.New("ChainQuery allows exactly one of ogmios and blockfrost"))
	}

	// DEX and LP adapters read real pool depth, which test networks do not
	// have.
	if q.Network != "mainnet" && hasPoolSources(feeds) && q.ExternalMainnet == nil {
		errs = multierr.Append(errs, errors.New("ChainQuery.external_mainnet is required for pool reads on a test network"))
	}

	return errs
}

func (c *Config) validateRate(feeds []*rates.FeedConfig) error {
	if len(feeds) == 0 {
		return errors.New("Rate declares no feed definitions")
	}

	var (
		errs error

		baseSources   int
		quoteSources  int
		quoteRequired bool
	)
	for _, feed := range feeds {
		count := 0
		for _, adapter := range feed.Adapters {
			count += len(adapter.Sources)
		}

		switch rates.PairType(feed.PairType) {
		case rates.PairTypeQuote:
			quoteSources += count
		default:
			baseSources += count
			for _, adapter := range feed.Adapters {
				if adapter.QuoteRequired {
					quoteRequired = true
				}
			}
		}
	}

	if c.Rate.MinRequirementOn() && baseSources < 3 {
		errs = multierr.Append(errs, errors.Errorf(
			"base pair has %d sources, minimum is 3 (set Rate.min_requirement: false to override)", baseSources))
	}
	if quoteRequired && quoteSources == 0 {
		errs = multierr.Append(errs, errors.New("a base adapter requires quote crossing but no quote sources are configured"))
	}

	return multierr.Append(errs, c.validateDexRegistry(feeds))
}

func (c *Config) validateDexRegistry(feeds []*rates.FeedConfig) error {
	var errs error

	for _, feed := range feeds {
		for _, adapter := range feed.Adapters {
			switch adapter.Kind {
			case "dex", "dex_pool", "lp_nav":
			default:
				continue
			}

			for i, source := range adapter.Sources {
				name, _ := source["name"].(string)
				if name == "" {
					errs = multierr.Append(errs, errors.Errorf("%s adapter source %d names no dex", adapter.Kind, i))
					continue
				}
				ref, ok := c.Rate.DexRegistry[name]
				if !ok {
					errs = multierr.Append(errs, errors.Errorf("dex %q is not present in Rate.dex_registry", name))
					continue
				}
				if ref.PoolAddress == "" || ref.PoolNFTUnit == "" {
					errs = multierr.Append(errs, errors.Errorf("dex_registry entry %q is missing pool_address or pool_nft", name))
				}
				if adapter.Kind == "lp_nav" && ref.LPUnit == "" {
					errs = multierr.Append(errs, errors.Errorf("dex_registry entry %q is missing lp_unit required by lp_nav", name))
				}
			}
		}
	}

	return errs
}

func (c *Config) validateUpdater() error {
	if c.Updater.ScriptRef == "" {
		return nil
	}
	if _, _, err := ParseScriptRef(c.Updater.ScriptRef); err != nil {
		return errors.Wrap(err, "Updater.script_ref")
	}
	return nil
}

// validateAlerts dry-runs transport construction so a bad transport config
// fails startup instead of the first alert.
func (c *Config) validateAlerts() error {
	if c.Alerts == nil {
		return nil
	}

	var errs error
	for i, transport := range c.Alerts.Transports {
		if _, err := alerts.NewTransport(transport.Kind, transport.Options); err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "Alerts.transports[%d]", i))
		}
	}
	return errs
}

func (c *Config) validateSidecars() error {
	var errs error

	if c.RewardCollection != nil {
		if c.RewardCollection.TriggerAmount <= 0 {
			errs = multierr.Append(errs, errors.New("RewardCollection.trigger_amount must be positive"))
		}
		if dest := c.RewardCollection.Destination; dest != "" && !strings.HasPrefix(dest, "addr") {
			errs = multierr.Append(errs, errors.Errorf("RewardCollection.destination is not a payment address: %q", dest))
		}
	}

	if c.NodeSync != nil && c.NodeSync.Endpoint != "" {
		u, err := url.Parse(c.NodeSync.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = multierr.Append(errs, errors.Errorf("NodeSync.endpoint is not an HTTP URL: %q", c.NodeSync.Endpoint))
		}
	}

	if c.Database != nil && c.Database.DSN == "" {
		errs = multierr.Append(errs, errors.New("database.dsn is required when the database section is present"))
	}

	return errs
}

func (c *Config) probeEndpoints(ctx context.Context) error {
	probes := []endpointProbe{
		{label: "chain query", builder: c.ChainQuery.Builder(), network: c.ChainQuery.Network},
	}
	if ext := c.ChainQuery.ExternalMainnetBuilder(); ext != nil {
		probes = append(probes, endpointProbe{label: "external mainnet", builder: *ext, network: "mainnet"})
	}

	var errs error
	for _, probe := range probes {
		errs = multierr.Append(errs, probe.run(ctx))
	}
	return errs
}

type endpointProbe struct {
	label   string
	builder chain.Builder
	network string
}

func (p endpointProbe) run(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()

	cc, err := p.builder.Build(probeCtx)
	if err != nil {
		return errors.Wrapf(err, "%s endpoint unreachable", p.label)
	}
	defer cc.Close()

	tag, err := cc.NetworkTag(probeCtx)
	if err != nil {
		return errors.Wrapf(err, "%s endpoint health probe failed", p.label)
	}
	if tag != p.network {
		return errors.Errorf("%s endpoint reports network %q, expected %q", p.label, tag, p.network)
	}

	return nil
}

func hasPoolSources(feeds []*rates.FeedConfig) bool {
	for _, feed := range feeds {
		for _, adapter := range feed.Adapters {
			switch adapter.Kind {
			case "dex", "dex_pool", "lp_nav":
				return true
			}
		}
	}
	return false
}
