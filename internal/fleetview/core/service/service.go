package service

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/autopeer-io/fleetview/internal/fleetview/core"
	"github.com/autopeer-io/fleetview/internal/fleetview/core/model"
	"github.com/autopeer-io/fleetview/internal/fleetview/store"
	"github.com/autopeer-io/fleetview/internal/fleetview/stream"
	"github.com/autopeer-io/fleetview/internal/fleetview/subscription"
	"github.com/autopeer-io/fleetview/pkg/log"
)

// Service wires the subscription set, the stream manager and the fleet store
// into the single surface the HTTP server and the console printer use.
type Service struct {
	store  *store.Store
	stream *stream.Manager
	subs   *subscription.Set
	logger log.Logger

	mu    sync.RWMutex
	fleet []string
}

// New creates the core service. Every subscription change is handed to mgr;
// notifier may be nil.
func New(st *store.Store, mgr *stream.Manager, fleet []string, notifier core.Notifier) *Service {
	s := &Service{
		store:  st,
		stream: mgr,
		subs:   subscription.NewSet(mgr.Reconcile),
		logger: log.WithName("service"),
		fleet:  normalizeIDs(fleet),
	}

	if notifier != nil {
		mgr.OnSample(notifier.NotifySample)
		mgr.OnStatus(notifier.NotifyStatus)
	}

	return s
}

// Snapshot returns the current fleet state.
func (s *Service) Snapshot() model.Snapshot { return s.store.Snapshot() }

// Vehicle returns the latest sample of id.
func (s *Service) Vehicle(id string) (model.VehicleSample, bool) { return s.store.Get(id) }

// Watch subscribes to fleet state changes.
func (s *Service) Watch() (<-chan model.Snapshot, func()) { return s.store.Watch() }

func (s *Service) States() []model.ChannelStatus  { return s.stream.States() }
func (s *Service) Summary() model.ConnectionState { return s.stream.Summary() }
func (s *Service) Connected() bool                { return s.stream.Active() }
func (s *Service) Mode() stream.Mode              { return s.stream.Mode() }

// OnStatus registers fn for channel state changes. fn must not block.
func (s *Service) OnStatus(fn func(model.ChannelStatus)) { s.stream.OnStatus(fn) }

// Connect activates streaming. It fails with stream.ErrNoSubscriptions when
// nothing is subscribed outside the all-vehicles mode.
func (s *Service) Connect() error {
	if err := s.stream.Connect(); err != nil {
		return err
	}
	s.logger.Info("Connected to telemetry stream", "mode", string(s.stream.Mode()), "vehicles", s.subs.List())
	return nil
}

// Disconnect closes every channel and empties the fleet state.
func (s *Service) Disconnect() { s.stream.Disconnect() }

// Fleet returns the vehicles offered for subscription, sorted.
func (s *Service) Fleet() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.fleet...)
}

// SetFleet replaces the vehicles offered for subscription. Existing
// subscriptions are kept.
func (s *Service) SetFleet(ids []string) {
	fleet := normalizeIDs(ids)

	s.mu.Lock()
	s.fleet = fleet
	s.mu.Unlock()

	s.logger.Info("Fleet updated", "vehicles", fleet)
}

func (s *Service) Subscriptions() []string { return s.subs.List() }

func (s *Service) Toggle(id string) bool { return s.subs.Toggle(id) }

func (s *Service) SetSubscriptions(ids []string) { s.subs.SetAll(ids) }

// SubscribeAll subscribes to every vehicle in the fleet.
func (s *Service) SubscribeAll() { s.subs.SetAll(s.Fleet()) }

func (s *Service) ClearSubscriptions() { s.subs.Clear() }

// Bootstrap applies the startup behaviour: optionally subscribe to the whole
// fleet, then optionally connect. An empty subscription set is not an error
// at startup; the operator can subscribe and connect later.
func (s *Service) Bootstrap(subscribeAll, autoConnect bool) error {
	if subscribeAll {
		s.SubscribeAll()
	}
	if !autoConnect {
		return nil
	}
	if err := s.Connect(); err != nil {
		if errors.Is(err, stream.ErrNoSubscriptions) {
			s.logger.Warn("Not connecting at startup: no vehicles subscribed")
			return nil
		}
		return err
	}
	return nil
}

// Start runs the stream manager until ctx is done.
func (s *Service) Start(ctx context.Context) error {
	return s.stream.Start(ctx)
}

func normalizeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
