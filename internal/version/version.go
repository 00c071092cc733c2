// Package version holds build-time version information injected via ldflags.
package version

import "fmt"

// These variables are set at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Line returns the one-line version string printed by `hkprobe version`.
func Line() string {
	return fmt.Sprintf("hkprobe %s (commit %s, built %s)", Version, Commit, Date)
}
