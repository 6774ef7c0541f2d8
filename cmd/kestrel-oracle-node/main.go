package main

import (
	"fmt"
	"os"

	log "github.com/InjectiveLabs/suplog"
	cli "github.com/jawher/mow.cli"

	"github.com/KestrelLabs/kestrel-oracle-node/version"
)

var app = cli.App("kestrel-oracle-node", "Oracle node publishing aggregated rates onto a Cardano oracle.")

var (
	envName     *string
	appLogLevel *string
)

func panicIf(err error, msg ...interface{}) {
	if err != nil {
		log.WithError(err).Errorln(msg...)
		panic(err)
	}
}

func main() {
	readEnv()
	initGlobalOptions(
		&envName,
		&appLogLevel,
	)

	app.Before = func() {
		log.DefaultLogger.SetLevel(logLevel(*appLogLevel))
	}

	app.Command("start", "Starts the oracle node main loop.", nodeCmd)
	app.Command("probe", "Validates a feed definition and pulls its rates once.", probeCmd)
	app.Command("keys", "Print the operator address and key hash derived from the configured mnemonic.", keysCmd)
	app.Command("version", "Print the version information and exit.", versionCmd)

	_ = app.Run(os.Args)
}

func versionCmd(c *cli.Cmd) {
	c.Action = func() {
		fmt.Println(version.Version())
	}
}
