package subaru

import (
	"fmt"
	"runtime"

	"github.com/gookit/color"
)

// Build-time stamps, overridden via -ldflags.
var (
	version   = "dev"
	arch      = runtime.GOARCH
	buildDate = "unknown"
)

// Output verbosity. Set once from the config/CLI at startup, read-only after.
var (
	Debug   bool
	Verbose bool
)

// color helpers
var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
)

func debugf(format string, a ...interface{}) {
	if Debug {
		fmt.Printf(format, a...)
	}
}
