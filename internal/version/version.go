// Package version records build metadata stamped in at link time.
package version

import (
	"fmt"
	"runtime"
)

// Set via -ldflags "-X github.com/Dicklesworthstone/claude_rotation_proxy/internal/version.Version=..."
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Info returns a one-line human-readable version string.
func Info() string {
	return fmt.Sprintf("crp %s (commit %s, built %s, %s)", Version, Commit, Date, runtime.Version())
}
