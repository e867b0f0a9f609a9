package fleetview

import (
	"context"

	"github.com/autopeer-io/fleetview/internal/fleetview/core/service"
	"github.com/autopeer-io/fleetview/internal/fleetview/server"
	"github.com/autopeer-io/fleetview/pkg/log"
)

// FleetviewServer is the main application struct.
type FleetviewServer struct {
	svc           *service.Service
	serverManager *server.Manager

	subscribeAll bool
	autoConnect  bool
}

// Service exposes the core service, mainly for tests.
func (s *FleetviewServer) Service() *service.Service {
	return s.svc
}

// SetFleet replaces the vehicles offered for subscription.
func (s *FleetviewServer) SetFleet(ids []string) {
	s.svc.SetFleet(ids)
}

// Run applies the startup subscription policy and blocks until ctx is done
// or a component fails.
func (s *FleetviewServer) Run(ctx context.Context) error {
	log.Info("Starting Fleetview...", "mode", string(s.svc.Mode()), "fleet", s.svc.Fleet())

	if err := s.svc.Bootstrap(s.subscribeAll, s.autoConnect); err != nil {
		return err
	}

	return s.serverManager.Start(ctx)
}
