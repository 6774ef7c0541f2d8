package config

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/KestrelLabs/kestrel-oracle-node/internal/chain"
	"github.com/KestrelLabs/kestrel-oracle-node/internal/rates"
)

const (
	defaultUpdateInterval = 60 * time.Second
	defaultFeedExpiry     = 6 * time.Hour
	defaultTTLSlots       = 300

	defaultFeedName     = "OracleFeed"
	defaultAggStateName = "AggState"
	defaultRewardName   = "Reward"
	defaultNodeFeedName = "NodeFeed"
)

// Config mirrors the YAML configuration file. Sections typed as pointers are
// optional; the node runs without them.
type Config struct {
	// Include merges another config file before this one; top-level keys
	// of the including file win.
	Include string `yaml:"include"`

	Node             NodeConfig              `yaml:"Node"`
	ChainQuery       ChainQueryConfig        `yaml:"ChainQuery"`
	Rate             RateConfig              `yaml:"Rate"`
	Updater          UpdaterConfig           `yaml:"Updater"`
	Alerts           *AlertsConfig           `yaml:"Alerts"`
	RewardCollection *RewardCollectionConfig `yaml:"RewardCollection"`
	NodeSync         *NodeSyncConfig         `yaml:"NodeSync"`
	Database         *DatabaseConfig         `yaml:"database"`
}

// NodeConfig identifies the oracle instance and the operator within it.
type NodeConfig struct {
	// Pair is the published pair name, e.g. "TOKEN/ADA".
	Pair string `yaml:"pair"`

	// Mnemonic derives the operator wallet. Keep the real value in the
	// environment and reference it with a placeholder.
	Mnemonic string `yaml:"mnemonic"`

	// OracleAddress is the validator address holding all state UTxOs.
	OracleAddress string `yaml:"oracle_address"`

	// OraclePolicyID mints the four state NFT tags.
	OraclePolicyID string `yaml:"oracle_policy_id"`

	// FeeToken is the reward asset as a "policyid.assetname" unit.
	FeeToken string `yaml:"fee_token"`

	// NodeAddress is the operator wallet address watched by balance
	// alerts. Must match the address derived from the mnemonic.
	NodeAddress string `yaml:"node_address"`

	PrecisionMultiplier int64 `yaml:"precision_multiplier"`

	// NFT asset names under the oracle policy. Defaults cover the
	// conventional deployment; readable strings, hex-encoded on chain.
	FeedName     string `yaml:"oracle_feed_name"`
	AggStateName string `yaml:"agg_state_name"`
	RewardName   string `yaml:"reward_name"`
	NodeFeedName string `yaml:"node_feed_name"`
}

// BlockfrostConfig selects a hosted REST backend.
type BlockfrostConfig struct {
	URL       string `yaml:"url"`
	ProjectID string `yaml:"project_id"`

	// MaxCalls caps requests per second against the hosted backend.
	MaxCalls int `yaml:"max_calls"`
}

// ChainQueryConfig selects the chain backends. Exactly one of Ogmios and
// Blockfrost drives the node's own network.
type ChainQueryConfig struct {
	// Network is the expected chain, "mainnet" or "preprod".
	Network string `yaml:"network"`

	// Ogmios is the WebSocket endpoint of a local bridge.
	Ogmios string `yaml:"ogmios"`

	Blockfrost *BlockfrostConfig `yaml:"blockfrost"`

	// ExternalMainnet points DEX and LP pool reads at mainnet liquidity
	// when the node itself runs on a test network.
	ExternalMainnet *BlockfrostConfig `yaml:"external_mainnet"`
}

// Builder assembles the chain context builder for the node's own network.
func (c *ChainQueryConfig) Builder() chain.Builder {
	b := chain.Builder{
		Network:   c.Network,
		OgmiosURL: c.Ogmios,
	}
	if c.Blockfrost != nil {
		b.BlockfrostURL = c.Blockfrost.URL
		b.ProjectID = c.Blockfrost.ProjectID
		b.MaxCalls = c.Blockfrost.MaxCalls
	}
	return b
}

// ExternalMainnetBuilder returns the builder for mainnet pool reads, nil
// when not configured.
func (c *ChainQueryConfig) ExternalMainnetBuilder() *chain.Builder {
	if c.ExternalMainnet == nil {
		return nil
	}
	return &chain.Builder{
		Network:       "mainnet",
		BlockfrostURL: c.ExternalMainnet.URL,
		ProjectID:     c.ExternalMainnet.ProjectID,
		MaxCalls:      c.ExternalMainnet.MaxCalls,
	}
}

// RateConfig declares where rate feed definitions come from and how DEX
// names resolve to pools.
type RateConfig struct {
	// Feeds are paths to TOML feed definitions, resolved relative to the
	// config file.
	Feeds []string `yaml:"feeds"`

	// FeedsDir is scanned for extra *.toml feed definitions at startup.
	FeedsDir string `yaml:"feeds_dir"`

	// MinRequirement enforces the three-source floor on the base side.
	// Defaults to on.
	MinRequirement *bool `yaml:"min_requirement"`

	// DexRegistry resolves DEX names used in feed configs to pool
	// locators.
	DexRegistry map[string]rates.DexPoolRef `yaml:"dex_registry"`
}

// MinRequirementOn reports the effective state of the source floor.
func (r *RateConfig) MinRequirementOn() bool {
	return r.MinRequirement == nil || *r.MinRequirement
}

// UpdaterConfig tunes the publishing loop and transaction assembly.
type UpdaterConfig struct {
	// UpdateInterval is the tick cadence, a duration string.
	UpdateInterval string `yaml:"update_interval"`

	// FeedExpiry extends each published timestamp into an expiry stamp.
	FeedExpiry string `yaml:"feed_expiry"`

	// TTLSlots bounds transaction validity.
	TTLSlots uint64 `yaml:"ttl_slots"`

	// ScriptRef points at the reference input carrying the oracle
	// validator, as "txhash#index". Empty attaches no reference input.
	ScriptRef string `yaml:"script_ref"`
}

// Interval returns the parsed tick cadence.
func (u *UpdaterConfig) Interval() time.Duration {
	return duration(u.UpdateInterval, defaultUpdateInterval)
}

// FeedExpiryMs returns the feed expiry extension in milliseconds.
func (u *UpdaterConfig) FeedExpiryMs() int64 {
	return duration(u.FeedExpiry, defaultFeedExpiry).Milliseconds()
}

// AlertsConfig declares notification transports and alert thresholds.
type AlertsConfig struct {
	// Cooldown suppresses duplicate alerts per category, a duration
	// string.
	Cooldown string `yaml:"cooldown"`

	MinNodeLovelace  int64 `yaml:"min_node_lovelace"`
	MinFeeTokenUnits int64 `yaml:"min_fee_token_units"`

	// TimeoutVariancePct stretches liveness windows, in percent.
	TimeoutVariancePct int64 `yaml:"timeout_variance_pct"`

	MinSources int `yaml:"min_sources"`

	Transports []TransportConfig `yaml:"transports"`
}

// CooldownDuration returns the parsed cooldown, zero selecting the
// supervisor default.
func (a *AlertsConfig) CooldownDuration() time.Duration {
	return duration(a.Cooldown, 0)
}

// TransportConfig declares one notification transport. Options are decoded
// by the transport kind itself.
type TransportConfig struct {
	Kind    string                 `yaml:"kind"`
	Options map[string]interface{} `yaml:"options"`
}

// RewardCollectionConfig enables the reward withdrawal side-channel.
type RewardCollectionConfig struct {
	// TriggerAmount of the fee token, in base units. The withdrawal fires
	// once the unclaimed balance reaches it and debits exactly it.
	TriggerAmount int64 `yaml:"trigger_amount"`

	// Destination address; the operator wallet address when empty.
	Destination string `yaml:"destination"`
}

// NodeSyncConfig points the analytics reporter at the remote collector.
type NodeSyncConfig struct {
	Endpoint  string `yaml:"endpoint"`
	APIKey    string `yaml:"api_key"`
	QueueSize int    `yaml:"queue_size"`
}

// DatabaseConfig selects the Postgres store.
type DatabaseConfig struct {
	// DSN is a pgx connection string.
	DSN string `yaml:"dsn"`
}

var placeholderRe = regexp.MustCompile(`<%=\s*@([A-Za-z_][A-Za-z0-9_]*)\s*%>`)

// Load reads, substitutes and merges the configuration file. `<%= @NAME %>`
// placeholders resolve from the environment; an unresolved placeholder is a
// load error. An `include:` file is loaded first, top-level keys of the
// including file win. NETWORK, PROJECT_ID and MAX_CALLS env variables
// override the ChainQuery section; nothing reads the environment after Load
// returns.
func Load(path string) (*Config, error) {
	raw, err := loadRaw(path)
	if err != nil {
		return nil, err
	}

	if include, ok := raw["include"].(string); ok && include != "" {
		includePath := include
		if !filepath.IsAbs(includePath) {
			includePath = filepath.Join(filepath.Dir(path), includePath)
		}
		base, err := loadRaw(includePath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load included config")
		}
		for key, value := range raw {
			base[key] = value
		}
		raw = base
	}

	body, err := yaml.Marshal(raw)
	if err != nil {
		return nil, errors.Wrap(err, "failed to re-encode merged config")
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(body, cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to decode config file %s", path)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	// Feed paths resolve against the config file location, not the cwd.
	dir := filepath.Dir(path)
	for i, feedPath := range cfg.Rate.Feeds {
		if !filepath.IsAbs(feedPath) {
			cfg.Rate.Feeds[i] = filepath.Join(dir, feedPath)
		}
	}
	if cfg.Rate.FeedsDir != "" && !filepath.IsAbs(cfg.Rate.FeedsDir) {
		cfg.Rate.FeedsDir = filepath.Join(dir, cfg.Rate.FeedsDir)
	}

	return cfg, nil
}

func loadRaw(path string) (map[string]interface{}, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	body, err = substituteEnv(body)
	if err != nil {
		return nil, errors.Wrapf(err, "config file %s", path)
	}

	raw := make(map[string]interface{})
	if err := yaml.Unmarshal(body, &raw); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %s", path)
	}
	return raw, nil
}

func substituteEnv(body []byte) ([]byte, error) {
	var missing []string

	out := placeholderRe.ReplaceAllFunc(body, func(m []byte) []byte {
		name := string(placeholderRe.FindSubmatch(m)[1])
		value, ok := os.LookupEnv(name)
		if !ok || value == "" {
			missing = append(missing, name)
			return m
		}
		return []byte(value)
	})
	if len(missing) > 0 {
		return nil, errors.Errorf("unresolved placeholders: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("NETWORK"); v != "" {
		c.ChainQuery.Network = v
	}
	if v := os.Getenv("PROJECT_ID"); v != "" {
		if c.ChainQuery.Blockfrost == nil {
			c.ChainQuery.Blockfrost = &BlockfrostConfig{}
		}
		c.ChainQuery.Blockfrost.ProjectID = v
	}
	if v := os.Getenv("MAX_CALLS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && c.ChainQuery.Blockfrost != nil {
			c.ChainQuery.Blockfrost.MaxCalls = n
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Node.FeedName == "" {
		c.Node.FeedName = defaultFeedName
	}
	if c.Node.AggStateName == "" {
		c.Node.AggStateName = defaultAggStateName
	}
	if c.Node.RewardName == "" {
		c.Node.RewardName = defaultRewardName
	}
	if c.Node.NodeFeedName == "" {
		c.Node.NodeFeedName = defaultNodeFeedName
	}
	if c.Updater.TTLSlots == 0 {
		c.Updater.TTLSlots = defaultTTLSlots
	}
}

// ParseScriptRef splits a "txhash#index" reference-input locator.
func ParseScriptRef(s string) (string, int, error) {
	hashIdx := strings.Split(s, "#")
	if len(hashIdx) != 2 || len(hashIdx[0]) != 64 {
		return "", 0, errors.Errorf("malformed script ref: %q", s)
	}
	index, err := strconv.Atoi(hashIdx[1])
	if err != nil || index < 0 {
		return "", 0, errors.Errorf("malformed script ref index: %q", s)
	}
	return hashIdx[0], index, nil
}

func duration(s string, defaults time.Duration) time.Duration {
	if s == "" {
		return defaults
	}
	dur, err := time.ParseDuration(s)
	if err != nil || dur <= 0 {
		return defaults
	}
	return dur
}
