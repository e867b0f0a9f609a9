package app

import (
	"fmt"
	"sync/atomic"

	"github.com/spf13/viper"
	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/fleetview/cmd/fleetview/app/options"
	"github.com/autopeer-io/fleetview/internal/fleetview"
	"github.com/autopeer-io/fleetview/pkg/app"
)

const (
	commandName = "fleetview"
	commandDesc = `Fleetview ingests live vehicle telemetry from a server-push event stream,
keeps the latest sample of every subscribed vehicle, and serves the fleet
over HTTP, WebSocket and server-sent events. Samples and channel status can
optionally be republished to an MQTT broker.`
)

func NewApp() *app.App {
	opts := options.NewServerOptions()

	var current atomic.Pointer[fleetview.FleetviewServer]
	application := app.NewApp(
		commandName,
		"Launch the Fleetview telemetry server",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithDefaultValidArgs(),
		app.WithRunFunc(run(opts, &current)),
		app.WithConfigReload(reload(&current)),
	)
	return application
}

func run(opts *options.ServerOptions, current *atomic.Pointer[fleetview.FleetviewServer]) app.RunFunc {
	return func() error {
		ctx := genericapiserver.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		server, err := cfg.NewFleetviewServer()
		if err != nil {
			return fmt.Errorf("failed to create fleetview server: %w", err)
		}
		current.Store(server)

		return server.Run(ctx)
	}
}

// reload applies the fleet list from a changed config file.
func reload(current *atomic.Pointer[fleetview.FleetviewServer]) app.ReloadFunc {
	return func(v *viper.Viper) error {
		if server := current.Load(); server != nil {
			server.SetFleet(v.GetStringSlice("stream.vehicles"))
		}
		return nil
	}
}
