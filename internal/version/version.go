// Package version holds build metadata injected at link time.
package version

import "fmt"

// Set via -ldflags "-X creditmeter/internal/version.Version=..." at build time.
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line version string for the -version flag.
func Info() string {
	return fmt.Sprintf("creditmeter %s (commit %s, built %s)", Version, Commit, Date)
}
