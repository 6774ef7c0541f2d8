package version

import (
	"fmt"
	"runtime"
)

// Set at build time via -ldflags.
var (
	AppVersion = "dev"
	GitCommit  = ""
	BuildDate  = ""

	GoVersion = runtime.Version()
)

func Version() string {
	return fmt.Sprintf("Version %s (%s)\nCompiled at %s using Go %s (%s)",
		AppVersion, GitCommit, BuildDate, GoVersion, runtime.GOARCH)
}
