package server

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/autopeer-io/fleetview/internal/fleetview/core/service"
	"github.com/autopeer-io/fleetview/internal/fleetview/server/http"
	"github.com/autopeer-io/fleetview/pkg/log"
)

// Server defines the common interface for every long-running component.
type Server interface {
	Start(ctx context.Context) error
}

// Manager manages the lifecycle of all servers.
type Manager struct {
	servers []Server
}

// NewManager creates a server manager exposing svc, followed by any extra
// components that share its lifecycle.
func NewManager(cfg *Config, svc *service.Service, extra ...Server) *Manager {
	var servers []Server

	if cfg.HttpOptions != nil {
		servers = append(servers, http.NewServer(cfg.HttpOptions, svc))
	}
	servers = append(servers, extra...)

	return &Manager{servers: servers}
}

// Start launches all servers in parallel and waits for termination. The
// first failure cancels the rest.
func (m *Manager) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, srv := range m.servers {
		g.Go(func() error {
			return srv.Start(ctx)
		})
	}

	log.Info("All servers starting...", "count", len(m.servers))
	return g.Wait()
}
