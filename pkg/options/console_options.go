package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*ConsoleOptions)(nil)

// ConsoleOptions configures the terminal table of fleetview-watch.
type ConsoleOptions struct {
	// Interval is the minimum time between two redraws.
	Interval time.Duration `json:"interval" mapstructure:"interval"`

	// ClearScreen erases the terminal before every redraw.
	ClearScreen bool `json:"clear-screen" mapstructure:"clear-screen"`
}

func NewConsoleOptions() *ConsoleOptions {
	return &ConsoleOptions{
		Interval:    time.Second,
		ClearScreen: true,
	}
}

func (o *ConsoleOptions) Validate() []error {
	if o == nil {
		return nil
	}
	if o.Interval < 10*time.Millisecond {
		return []error{fmt.Errorf("--console.interval must be at least 10ms, got %s", o.Interval)}
	}
	return nil
}

func (o *ConsoleOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.DurationVar(&o.Interval, "console.interval", o.Interval, "Minimum time between two redraws of the vehicle table.")
	fs.BoolVar(&o.ClearScreen, "console.clear-screen", o.ClearScreen, "Clear the terminal before every redraw.")
}
