package app

import (
	"fmt"
	"os"

	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/autopeer-io/fleetview/cmd/fleetview-watch/app/options"
	"github.com/autopeer-io/fleetview/internal/fleetview"
	"github.com/autopeer-io/fleetview/pkg/app"
)

const (
	commandName = "fleetview-watch"
	commandDesc = `Fleetview watch follows the live telemetry stream of the configured fleet
and keeps a table of the latest position, speed and heading of every vehicle
on the terminal.`
)

func NewApp() *app.App {
	opts := options.NewWatchOptions()
	application := app.NewApp(
		commandName,
		"Follow live vehicle telemetry in the terminal",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithDefaultValidArgs(),
		app.WithRunFunc(run(opts)),
	)
	return application
}

func run(opts *options.WatchOptions) app.RunFunc {
	return func() error {
		ctx := genericapiserver.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		watcher, err := cfg.NewWatcher(fleetview.ConsoleConfig{
			Out:         os.Stdout,
			Interval:    opts.ConsoleOptions.Interval,
			ClearScreen: opts.ConsoleOptions.ClearScreen,
		})
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}

		return watcher.Run(ctx)
	}
}
