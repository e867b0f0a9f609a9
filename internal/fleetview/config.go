package fleetview

import (
	"fmt"
	"io"
	"time"

	"github.com/autopeer-io/fleetview/internal/fleetview/console"
	"github.com/autopeer-io/fleetview/internal/fleetview/core"
	"github.com/autopeer-io/fleetview/internal/fleetview/core/service"
	"github.com/autopeer-io/fleetview/internal/fleetview/notifier"
	"github.com/autopeer-io/fleetview/internal/fleetview/server"
	"github.com/autopeer-io/fleetview/internal/fleetview/store"
	"github.com/autopeer-io/fleetview/internal/fleetview/stream"
	"github.com/autopeer-io/fleetview/pkg/mqtt/topic"
	"github.com/autopeer-io/fleetview/pkg/options"
)

type Config struct {
	StreamOptions *options.StreamOptions
	HttpOptions   *options.HttpOptions
	MqttOptions   *options.MqttOptions
}

// ConsoleConfig controls the terminal table of the watch command.
type ConsoleConfig struct {
	Out         io.Writer
	Interval    time.Duration
	ClearScreen bool
}

// NewFleetviewServer builds the ingestion core behind the HTTP API.
func (cfg *Config) NewFleetviewServer() (*FleetviewServer, error) {
	return cfg.build(&server.Config{HttpOptions: cfg.HttpOptions}, nil)
}

// NewWatcher builds the ingestion core rendering to a terminal instead of
// serving HTTP.
func (cfg *Config) NewWatcher(cc ConsoleConfig) (*FleetviewServer, error) {
	return cfg.build(&server.Config{}, &cc)
}

func (cfg *Config) build(srvCfg *server.Config, cc *ConsoleConfig) (*FleetviewServer, error) {
	// 1. Fleet state
	var storeOpts []store.Option
	if cfg.StreamOptions.OrderByTimestamp {
		storeOpts = append(storeOpts, store.WithTimestampOrdering())
	}
	st := store.New(storeOpts...)

	// 2. Stream channels feeding the store
	mgr, err := stream.NewManager(stream.Config{
		Endpoint:    cfg.StreamOptions.Endpoint,
		Mode:        stream.Mode(cfg.StreamOptions.Mode),
		RetryDelay:  cfg.StreamOptions.RetryDelay,
		DialTimeout: cfg.StreamOptions.DialTimeout,
	}, st)
	if err != nil {
		return nil, fmt.Errorf("failed to init stream manager: %w", err)
	}

	// 3. Optional outbound forwarding
	var (
		extra []server.Server
		fwd   core.Notifier
	)
	if cfg.MqttOptions.Enabled() {
		client, err := InitializeMQTTClient(cfg.MqttOptions)
		if err != nil {
			return nil, fmt.Errorf("failed to init notifier: %w", err)
		}
		n := notifier.NewMQTTNotifier(client, topic.NewBuilder(cfg.MqttOptions.TopicRoot),
			cfg.MqttOptions.QoS, cfg.MqttOptions.QueueSize)
		fwd = n
		extra = append(extra, n)
	}

	// 4. Core service
	svc := service.New(st, mgr, cfg.StreamOptions.Vehicles, fwd)
	extra = append(extra, svc)

	if cc != nil {
		extra = append(extra, console.NewPrinter(cc.Out, svc, cc.Interval, cc.ClearScreen))
	}

	// 5. Servers sharing one lifecycle
	return &FleetviewServer{
		svc:           svc,
		serverManager: server.NewManager(srvCfg, svc, extra...),
		subscribeAll:  cfg.StreamOptions.SubscribeAll,
		autoConnect:   cfg.StreamOptions.AutoConnect,
	}, nil
}
