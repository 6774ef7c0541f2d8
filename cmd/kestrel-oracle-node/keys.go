package main

import (
	"encoding/hex"
	"fmt"

	log "github.com/InjectiveLabs/suplog"
	cli "github.com/jawher/mow.cli"

	"github.com/KestrelLabs/kestrel-oracle-node/internal/config"
	"github.com/KestrelLabs/kestrel-oracle-node/internal/oracle"
)

// keysCmd action derives the operator wallet from the configured mnemonic
// and prints the public identifiers. The signing key never leaves the
// process.
//
// $ kestrel-oracle-node keys
func keysCmd(cmd *cli.Cmd) {
	var configPath *string
	initConfigOptions(
		cmd,
		&configPath,
	)

	cmd.Action = func() {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatalln("failed to load config")
		}

		wallet, err := oracle.NewWalletFromMnemonic(cfg.Node.Mnemonic, cfg.ChainQuery.Network)
		if err != nil {
			log.WithError(err).Fatalln("failed to derive the operator wallet")
		}

		fmt.Println("Address:", wallet.Address)
		fmt.Println("Key hash:", hex.EncodeToString(wallet.PKH))

		if cfg.Node.NodeAddress != "" && cfg.Node.NodeAddress != wallet.Address {
			log.WithFields(log.Fields{
				"derived":    wallet.Address,
				"configured": cfg.Node.NodeAddress,
			}).Warningln("Node.node_address does not match the derived address")
		}
	}
}
