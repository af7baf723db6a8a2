// Package version carries build metadata injected through -ldflags.
package version

import "fmt"

// Set at build time, e.g. -ldflags "-X pricewatch/internal/version.Version=v1.2.0".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// String renders the build metadata on one line.
func String() string {
	return fmt.Sprintf("pricewatch %s (commit %s, built %s)", Version, Commit, BuildDate)
}
