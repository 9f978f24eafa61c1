// Package buildinfo carries the version stamped into hookbridge binaries
// with -ldflags "-X".
package buildinfo

import (
	"fmt"
	"runtime"

	"github.com/cordum/hookbridge/core/infra/logging"
)

var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s go=%s", Version, Commit, Date, runtime.Version())
}

// Log records the build of the starting binary.
func Log(binary string) {
	logging.Info(binary, "starting", "version", Version, "commit", Commit, "date", Date, "go", runtime.Version())
}
