package options

import (
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/fleetview/internal/fleetview"
	"github.com/autopeer-io/fleetview/pkg/app"
	"github.com/autopeer-io/fleetview/pkg/log"
	"github.com/autopeer-io/fleetview/pkg/options"
)

type WatchOptions struct {
	StreamOptions  *options.StreamOptions  `json:"stream" mapstructure:"stream"`
	ConsoleOptions *options.ConsoleOptions `json:"console" mapstructure:"console"`
	MqttOptions    *options.MqttOptions    `json:"mqtt" mapstructure:"mqtt"`
	Log            *log.Options            `json:"log" mapstructure:"log"`
}

var (
	_ app.NamedFlagSetOptions = (*WatchOptions)(nil)
	_ app.LoggerOptions       = (*WatchOptions)(nil)
)

func NewWatchOptions() *WatchOptions {
	o := &WatchOptions{
		StreamOptions:  options.NewStreamOptions(),
		ConsoleOptions: options.NewConsoleOptions(),
		MqttOptions:    options.NewMqttOptions(),
		Log:            log.NewOptions(),
	}
	// The table owns stdout.
	o.Log.OutputPaths = []string{"stderr"}

	return o
}

func (o *WatchOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.StreamOptions.AddFlags(fss.FlagSet("stream"))
	o.ConsoleOptions.AddFlags(fss.FlagSet("console"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

func (o *WatchOptions) Complete() error {
	o.StreamOptions.Complete()
	return nil
}

func (o *WatchOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.StreamOptions.Validate()...)
	errs = append(errs, o.ConsoleOptions.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *WatchOptions) LogOptions() *log.Options {
	return o.Log
}

func (o *WatchOptions) Config() (*fleetview.Config, error) {
	return &fleetview.Config{
		StreamOptions: o.StreamOptions,
		MqttOptions:   o.MqttOptions,
	}, nil
}
