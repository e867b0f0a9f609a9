package app

import (
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/fleetview/pkg/log"
)

// NamedFlagSetOptions is implemented by the options of every fleetview
// command. Flags are grouped into named sets for the help output.
type NamedFlagSetOptions interface {
	// Flags returns the command's flags grouped by section.
	Flags() cliflag.NamedFlagSets

	// Complete fills in defaults derived from other fields.
	Complete() error

	// Validate checks the options after Complete.
	Validate() error
}

// LoggerOptions is implemented by options that carry logger settings. The
// global logger is initialized from them before the run function starts.
type LoggerOptions interface {
	LogOptions() *log.Options
}
