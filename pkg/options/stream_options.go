package options

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*StreamOptions)(nil)

// StreamOptions configures the upstream telemetry push endpoint and how
// channels to it are laid out.
type StreamOptions struct {
	// Endpoint is the base URL of the server-push telemetry endpoint.
	Endpoint string `json:"endpoint" mapstructure:"endpoint" validate:"required,url"`

	// Mode selects the channel topology: single, multi or all.
	Mode string `json:"mode" mapstructure:"mode" validate:"oneof=single multi all"`

	// Vehicles is the known fleet offered for subscription.
	Vehicles []string `json:"vehicles" mapstructure:"vehicles" validate:"dive,required"`

	// SubscribeAll pre-populates the subscription set with Vehicles at startup.
	SubscribeAll bool `json:"subscribe-all" mapstructure:"subscribe-all"`

	// AutoConnect activates the stream at startup without an explicit connect.
	AutoConnect bool `json:"auto-connect" mapstructure:"auto-connect"`

	RetryDelay  time.Duration `json:"retry-delay" mapstructure:"retry-delay"`
	DialTimeout time.Duration `json:"dial-timeout" mapstructure:"dial-timeout"`

	// OrderByTimestamp rejects samples older than the one already held.
	OrderByTimestamp bool `json:"order-by-timestamp" mapstructure:"order-by-timestamp"`
}

// NewStreamOptions creates a StreamOptions object with default parameters.
func NewStreamOptions() *StreamOptions {
	return &StreamOptions{
		Endpoint:     "http://localhost:3000/events",
		Mode:         "multi",
		SubscribeAll: true,
		AutoConnect:  true,
		RetryDelay:   5 * time.Second,
		DialTimeout:  10 * time.Second,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *StreamOptions) Validate() []error {
	if o == nil {
		return nil
	}

	errors := validateStruct(o)

	if o.RetryDelay <= 0 {
		errors = append(errors, fmt.Errorf("--stream.retry-delay must be positive, got %s", o.RetryDelay))
	}
	if o.DialTimeout < 0 {
		errors = append(errors, fmt.Errorf("--stream.dial-timeout must not be negative, got %s", o.DialTimeout))
	}

	return errors
}

// Complete trims blank entries from the configured fleet.
func (o *StreamOptions) Complete() {
	vehicles := make([]string, 0, len(o.Vehicles))
	for _, v := range o.Vehicles {
		if v = strings.TrimSpace(v); v != "" {
			vehicles = append(vehicles, v)
		}
	}
	o.Vehicles = vehicles
	o.Mode = strings.ToLower(strings.TrimSpace(o.Mode))
}

// AddFlags adds flags for StreamOptions to the specified FlagSet.
func (o *StreamOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Endpoint, "stream.endpoint", o.Endpoint, "Base URL of the telemetry event stream.")
	fs.StringVar(&o.Mode, "stream.mode", o.Mode, "Channel topology: 'single' (one stream for the set), 'multi' (one stream per vehicle) or 'all' (unfiltered stream).")
	fs.StringSliceVar(&o.Vehicles, "stream.vehicles", o.Vehicles, "Known fleet of vehicle identifiers.")
	fs.BoolVar(&o.SubscribeAll, "stream.subscribe-all", o.SubscribeAll, "Subscribe to every vehicle in --stream.vehicles at startup.")
	fs.BoolVar(&o.AutoConnect, "stream.auto-connect", o.AutoConnect, "Open channels at startup.")
	fs.DurationVar(&o.RetryDelay, "stream.retry-delay", o.RetryDelay, "Delay before reopening a failed channel.")
	fs.DurationVar(&o.DialTimeout, "stream.dial-timeout", o.DialTimeout, "Timeout for establishing a channel, 0 disables it.")
	fs.BoolVar(&o.OrderByTimestamp, "stream.order-by-timestamp", o.OrderByTimestamp, "Discard samples whose timestamp is older than the stored one.")
}
