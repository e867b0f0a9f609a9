package server

import "github.com/autopeer-io/fleetview/pkg/options"

type Config struct {
	// HttpOptions is nil when the HTTP surface is disabled.
	HttpOptions *options.HttpOptions
}
