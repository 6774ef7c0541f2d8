package main

import (
	"context"
	"encoding/hex"
	"os"

	sdkmath "cosmossdk.io/math"
	log "github.com/InjectiveLabs/suplog"
	cli "github.com/jawher/mow.cli"
	"github.com/xlab/closer"

	"github.com/KestrelLabs/kestrel-oracle-node/internal/alerts"
	"github.com/KestrelLabs/kestrel-oracle-node/internal/analytics"
	"github.com/KestrelLabs/kestrel-oracle-node/internal/chain"
	"github.com/KestrelLabs/kestrel-oracle-node/internal/config"
	"github.com/KestrelLabs/kestrel-oracle-node/internal/oracle"
	"github.com/KestrelLabs/kestrel-oracle-node/internal/rates"
	"github.com/KestrelLabs/kestrel-oracle-node/internal/store"
)

// nodeCmd action runs the service
//
// $ kestrel-oracle-node start
func nodeCmd(cmd *cli.Cmd) {
	var (
		configPath *string

		// Metrics
		statsdPrefix   *string
		statsdAddr     *string
		statsdStuckDur *string
		statsdMocking  *string
		statsdDisabled *string
	)

	initConfigOptions(
		cmd,
		&configPath,
	)

	initStatsdOptions(
		cmd,
		&statsdPrefix,
		&statsdAddr,
		&statsdStuckDur,
		&statsdMocking,
		&statsdDisabled,
	)

	cmd.Action = func() {
		ctx := context.Background()
		// ensure a clean exit
		defer closer.Close()

		startMetricsGathering(
			statsdPrefix,
			statsdAddr,
			statsdStuckDur,
			statsdMocking,
			statsdDisabled,
		)

		cfg, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatalln("failed to load config")
		}

		feeds, err := cfg.LoadFeeds()
		if err != nil {
			log.WithError(err).Fatalln("failed to load feed definitions")
		}
		log.Infof("found %d feed configs", len(feeds))

		if err := cfg.Validate(ctx, feeds); err != nil {
			log.WithError(err).Fatalln("config validation failed")
		}

		wallet, err := oracle.NewWalletFromMnemonic(cfg.Node.Mnemonic, cfg.ChainQuery.Network)
		if err != nil {
			log.WithError(err).Fatalln("failed to derive the operator wallet")
		}
		if wallet.Address != cfg.Node.NodeAddress {
			log.WithFields(log.Fields{
				"derived":    wallet.Address,
				"configured": cfg.Node.NodeAddress,
			}).Fatalln("Node.node_address does not match the address derived from the mnemonic")
		}
		log.Infoln("using operator address", wallet.Address)

		cc, err := cfg.ChainQuery.Builder().Build(ctx)
		if err != nil {
			log.WithError(err).Fatalln("failed to connect to the chain query backend")
		}
		closer.Bind(cc.Close)

		// Pool reads follow mainnet liquidity even when the node itself
		// runs on a test network.
		poolChain := cc
		if ext := cfg.ChainQuery.ExternalMainnetBuilder(); ext != nil {
			extCC, err := ext.Build(ctx)
			if err != nil {
				log.WithError(err).Fatalln("failed to connect to the external mainnet backend")
			}
			closer.Bind(extCC.Close)
			poolChain = extCC
		}

		tags := nftTags(cfg.Node)
		reportAuthorization(ctx, cc, cfg, tags, wallet)

		deps := rates.BuildDeps{
			Chain:       poolChain,
			DexRegistry: cfg.Rate.DexRegistry,
		}

		sources := make([]rates.RateSource, 0, len(feeds))
		for _, feedCfg := range feeds {
			built, err := rates.BuildSources(feedCfg, deps)
			if err != nil {
				log.WithError(err).Fatalln("failed to build rate sources")
			}
			sources = append(sources, built...)
		}
		aggregator := rates.NewAggregator(sources)

		supervisor, err := newSupervisor(cfg)
		if err != nil {
			log.WithError(err).Fatalln("failed to init alert transports")
		}

		reporter := analytics.NewReporter(reporterConfig(cfg))
		closer.Bind(reporter.Close)

		rateStore := newRateStore(ctx, cfg)
		closer.Bind(rateStore.Close)

		txCfg, err := txBuilderConfig(cfg, tags)
		if err != nil {
			log.WithError(err).Fatalln("failed to assemble transaction parameters")
		}
		txBuilder, err := oracle.NewTxBuilder(txCfg, wallet)
		if err != nil {
			log.WithError(err).Fatalln("failed to init the transaction builder")
		}

		svc, err := oracle.NewService(
			serviceConfig(cfg),
			cc,
			wallet,
			txBuilder,
			aggregator,
			supervisor,
			reporter,
			rateStore,
		)
		if err != nil {
			log.Fatalln(err)
		}

		closer.Bind(func() {
			svc.Close()
		})

		go func() {
			if err := svc.Start(ctx); err != nil {
				log.Errorln(err)

				// signal there that the app failed
				os.Exit(1)
			}
		}()

		closer.Hold()
	}
}

// reportAuthorization reads the oracle state once at startup so an operator
// who is not yet whitelisted learns it immediately instead of from the first
// tick's alerts. Failures here are not fatal, the scheduler retries anyway.
func reportAuthorization(ctx context.Context, cc chain.ChainContext, cfg *config.Config, tags oracle.NFTTags, wallet *oracle.Wallet) {
	utxos, err := cc.GetUtxos(ctx, cfg.Node.OracleAddress)
	if err != nil {
		log.WithError(err).Warningln("failed to read the oracle state at startup")
		return
	}

	state, err := oracle.ReadOracleState(utxos, tags, wallet.PKH, log.WithField("svc", "startup"))
	if err != nil {
		log.WithError(err).Warningln("failed to decode the oracle state at startup")
		return
	}

	if !state.IsAuthorized(wallet.PKH) {
		log.WithField("pkh", hex.EncodeToString(wallet.PKH)).Warningln(
			"operator key hash is not in the authorized node list, contact the oracle owner to get whitelisted")
		return
	}
	if state.OwnNode == nil {
		log.Warningln("no NodeFeed utxo carries this operator's key hash, ask the oracle owner to register the node")
		return
	}

	log.WithFields(log.Fields{
		"nodes":     len(state.Nodes),
		"threshold": state.Settings.UpdatedNodesThreshold,
	}).Infoln("operator is registered with the oracle")
}

func nftTags(n config.NodeConfig) oracle.NFTTags {
	asset := func(name string) chain.AssetID {
		return chain.AssetID{
			PolicyID:  n.OraclePolicyID,
			AssetName: hex.EncodeToString([]byte(name)),
		}
	}

	return oracle.NFTTags{
		OracleFeed: asset(n.FeedName),
		AggState:   asset(n.AggStateName),
		Reward:     asset(n.RewardName),
		NodeFeed:   asset(n.NodeFeedName),
	}
}

func txBuilderConfig(cfg *config.Config, tags oracle.NFTTags) (oracle.TxBuilderConfig, error) {
	feeToken, err := chain.ParseAssetID(cfg.Node.FeeToken)
	if err != nil {
		return oracle.TxBuilderConfig{}, err
	}

	txCfg := oracle.TxBuilderConfig{
		ScriptAddress: cfg.Node.OracleAddress,
		Tags:          tags,
		FeeToken:      feeToken,
		FeedExpiryMs:  cfg.Updater.FeedExpiryMs(),
		TTLSlots:      cfg.Updater.TTLSlots,
	}

	if cfg.Updater.ScriptRef != "" {
		txHash, index, err := config.ParseScriptRef(cfg.Updater.ScriptRef)
		if err != nil {
			return oracle.TxBuilderConfig{}, err
		}
		txCfg.ScriptRef = oracle.ScriptRef{TxHash: txHash, Index: index}
	}

	return txCfg, nil
}

func serviceConfig(cfg *config.Config) oracle.ServiceConfig {
	svcCfg := oracle.ServiceConfig{
		Pair:                cfg.Node.Pair,
		Network:             cfg.ChainQuery.Network,
		OracleAddress:       cfg.Node.OracleAddress,
		UpdateInterval:      cfg.Updater.Interval(),
		PrecisionMultiplier: cfg.Node.PrecisionMultiplier,
	}

	if rc := cfg.RewardCollection; rc != nil {
		svcCfg.RewardTrigger = sdkmath.NewInt(rc.TriggerAmount)
		svcCfg.RewardDestination = rc.Destination
	}

	return svcCfg
}

func newSupervisor(cfg *config.Config) (*alerts.Supervisor, error) {
	supCfg := alerts.Config{
		NodeAddress:    cfg.Node.NodeAddress,
		MinRequirement: cfg.Rate.MinRequirementOn(),
	}

	var transports []alerts.Transport
	if a := cfg.Alerts; a != nil {
		supCfg.Cooldown = a.CooldownDuration()
		supCfg.MinNodeLovelace = a.MinNodeLovelace
		supCfg.MinFeeTokenUnits = a.MinFeeTokenUnits
		supCfg.TimeoutVariancePct = a.TimeoutVariancePct
		supCfg.MinSources = a.MinSources

		for _, tc := range a.Transports {
			transport, err := alerts.NewTransport(tc.Kind, tc.Options)
			if err != nil {
				return nil, err
			}
			transports = append(transports, transport)
		}
	}

	return alerts.NewSupervisor(supCfg, transports), nil
}

func reporterConfig(cfg *config.Config) analytics.Config {
	if cfg.NodeSync == nil {
		return analytics.Config{}
	}
	return analytics.Config{
		Endpoint:  cfg.NodeSync.Endpoint,
		APIKey:    cfg.NodeSync.APIKey,
		QueueSize: cfg.NodeSync.QueueSize,
	}
}

func newRateStore(ctx context.Context, cfg *config.Config) store.RateStore {
	if cfg.Database == nil {
		log.Infoln("no database configured, activity persistence is off")
		return store.NullStore{}
	}

	pg, err := store.NewPostgresStore(ctx, cfg.Database.DSN)
	if err != nil {
		log.WithError(err).Fatalln("failed to connect to the database")
	}
	return pg
}
