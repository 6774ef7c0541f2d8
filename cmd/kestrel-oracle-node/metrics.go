package main

import (
	"os"
	"time"

	"github.com/InjectiveLabs/metrics"
	log "github.com/InjectiveLabs/suplog"
	"github.com/xlab/closer"
)

// startMetricsGathering initializes the statsd client in background,
// retrying until the aggregator accepts the connection. When reporting is
// disabled the client is simply never initialized and all metric calls
// no-op.
func startMetricsGathering(
	statsdPrefix *string,
	statsdAddr *string,
	statsdStuckDur *string,
	statsdMocking *string,
	statsdDisabled *string,
) {
	if toBool(*statsdDisabled) {
		return
	}

	go func() {
		for {
			hostname, _ := os.Hostname()
			err := metrics.Init(*statsdAddr, checkStatsdPrefix(*statsdPrefix), &metrics.StatterConfig{
				EnvName:              *envName,
				HostName:             hostname,
				StuckFunctionTimeout: duration(*statsdStuckDur, 30*time.Minute),
				MockingEnabled:       toBool(*statsdMocking) || *envName == "local",
			})
			if err != nil {
				log.WithError(err).Warningln("metrics init failed, will retry in 1 min")
				time.Sleep(time.Minute)
				continue
			}
			break
		}

		closer.Bind(func() {
			metrics.Close()
		})
	}()
}
