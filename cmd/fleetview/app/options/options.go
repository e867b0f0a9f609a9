package options

import (
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/autopeer-io/fleetview/internal/fleetview"
	"github.com/autopeer-io/fleetview/pkg/app"
	"github.com/autopeer-io/fleetview/pkg/log"
	"github.com/autopeer-io/fleetview/pkg/options"
)

type ServerOptions struct {
	StreamOptions *options.StreamOptions `json:"stream" mapstructure:"stream"`
	HttpOptions   *options.HttpOptions   `json:"http" mapstructure:"http"`
	MqttOptions   *options.MqttOptions   `json:"mqtt" mapstructure:"mqtt"`
	Log           *log.Options           `json:"log" mapstructure:"log"`
}

var (
	_ app.NamedFlagSetOptions = (*ServerOptions)(nil)
	_ app.LoggerOptions       = (*ServerOptions)(nil)
)

func NewServerOptions() *ServerOptions {
	o := &ServerOptions{
		StreamOptions: options.NewStreamOptions(),
		HttpOptions:   options.NewHttpOptions(),
		MqttOptions:   options.NewMqttOptions(),
		Log:           log.NewOptions(),
	}

	return o
}

func (o *ServerOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.StreamOptions.AddFlags(fss.FlagSet("stream"))
	o.HttpOptions.AddFlags(fss.FlagSet("http"))
	o.MqttOptions.AddFlags(fss.FlagSet("mqtt"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

func (o *ServerOptions) Complete() error {
	o.StreamOptions.Complete()
	return nil
}

func (o *ServerOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.StreamOptions.Validate()...)
	errs = append(errs, o.HttpOptions.Validate()...)
	errs = append(errs, o.MqttOptions.Validate()...)
	errs = append(errs, o.Log.Validate()...)
	return utilerrors.NewAggregate(errs)
}

func (o *ServerOptions) LogOptions() *log.Options {
	return o.Log
}

func (o *ServerOptions) Config() (*fleetview.Config, error) {
	return &fleetview.Config{
		StreamOptions: o.StreamOptions,
		HttpOptions:   o.HttpOptions,
		MqttOptions:   o.MqttOptions,
	}, nil
}
