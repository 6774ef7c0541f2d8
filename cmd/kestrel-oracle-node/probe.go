package main

import (
	"context"
	"os"

	log "github.com/InjectiveLabs/suplog"
	cli "github.com/jawher/mow.cli"
	"github.com/shopspring/decimal"
	"github.com/xlab/closer"

	"github.com/KestrelLabs/kestrel-oracle-node/internal/config"
	"github.com/KestrelLabs/kestrel-oracle-node/internal/rates"
)

// probeCmd action validates target TOML feed definition and runs it once, printing the result.
//
// $ kestrel-oracle-node probe <FILE>
func probeCmd(cmd *cli.Cmd) {
	tomlSource := cmd.StringArg("FILE", "", "Path to target TOML file with a feed definition")

	var configPath *string
	initConfigOptions(
		cmd,
		&configPath,
	)

	cmd.Action = func() {
		ctx := context.Background()
		// ensure a clean exit
		defer closer.Close()

		cfgBody, err := os.ReadFile(*tomlSource)
		if err != nil {
			log.WithField("file", *tomlSource).WithError(err).Fatalln("failed to read feed config")
			return
		}

		feedCfg, err := rates.ParseFeedConfig(cfgBody)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"file": *tomlSource,
			}).Errorln("failed to parse feed config")
			return
		}

		deps, err := probeDeps(ctx, feedCfg, *configPath)
		if err != nil {
			log.WithError(err).Fatalln("failed to prepare feed dependencies")
			return
		}

		sources, err := rates.BuildSources(feedCfg, deps)
		if err != nil {
			log.WithError(err).Fatalln("failed to build rate sources")
			return
		}

		var prices []decimal.Decimal
		for _, src := range sources {
			srcLogger := log.WithFields(log.Fields{
				"adapter":   src.Name(),
				"pair_type": src.PairType(),
			})

			resp := src.GetRates(ctx)
			if resp.Err != nil {
				srcLogger.WithError(resp.Err).Errorln("adapter failed")
				continue
			}

			for _, quote := range resp.Quotes {
				quoteLogger := srcLogger.WithField("source", quote.SourceName)
				if !quote.Valid() {
					quoteLogger.Warningln("source returned no usable price")
					continue
				}

				quoteLogger.Infof("price: %s", quote.Price.String())
				prices = append(prices, quote.Price)
			}
		}

		if len(prices) == 0 {
			log.Errorln("no usable prices returned")
			return
		}

		log.Infof("Answer: %s", rates.Median(prices).String())
	}
}

// probeDeps resolves chain access and the DEX registry from the node config,
// but only when the probed feed actually reads pools. Plain HTTP and CEX
// feeds probe without any config file present.
func probeDeps(ctx context.Context, feedCfg *rates.FeedConfig, configPath string) (rates.BuildDeps, error) {
	var deps rates.BuildDeps

	needsChain := false
	for _, adapter := range feedCfg.Adapters {
		switch adapter.Kind {
		case "dex", "dex_pool", "lp_nav":
			needsChain = true
		}
	}
	if !needsChain {
		return deps, nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return deps, err
	}
	deps.DexRegistry = cfg.Rate.DexRegistry

	builder := cfg.ChainQuery.Builder()
	if ext := cfg.ChainQuery.ExternalMainnetBuilder(); ext != nil {
		builder = *ext
	}

	cc, err := builder.Build(ctx)
	if err != nil {
		return deps, err
	}
	closer.Bind(cc.Close)
	deps.Chain = cc

	return deps, nil
}
