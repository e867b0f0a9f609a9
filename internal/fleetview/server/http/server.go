package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/autopeer-io/fleetview/internal/fleetview/core/model"
	"github.com/autopeer-io/fleetview/internal/pkg/metrics"
	"github.com/autopeer-io/fleetview/pkg/log"
	"github.com/autopeer-io/fleetview/pkg/options"
)

// Service is the ingestion core as seen by the HTTP surface.
type Service interface {
	Snapshot() model.Snapshot
	Vehicle(id string) (model.VehicleSample, bool)
	Watch() (<-chan model.Snapshot, func())

	States() []model.ChannelStatus
	Summary() model.ConnectionState
	OnStatus(fn func(model.ChannelStatus))
	Connected() bool
	Connect() error
	Disconnect()

	Fleet() []string
	Subscriptions() []string
	SetSubscriptions(ids []string)
	SubscribeAll()
	ClearSubscriptions()
	Toggle(id string) bool
}

type Server struct {
	server  *http.Server
	hub     *Hub
	options *options.HttpOptions
}

func NewServer(opts *options.HttpOptions, svc Service) *Server {
	hub := NewHub(svc, opts.AllowedOrigins)
	h := &handler{svc: svc, hub: hub}

	return &Server{
		server: &http.Server{
			Addr:              opts.Addr,
			Handler:           h.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		hub:     hub,
		options: opts,
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) Start(ctx context.Context) error {
	log.Info("Starting HTTP Server", "addr", s.server.Addr)

	// Long-lived push responses end with ctx instead of holding up Shutdown.
	s.server.BaseContext = func(net.Listener) context.Context { return ctx }

	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		s.hub.Run(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.options.ShutdownTimeout)
		defer cancel()
		err := s.server.Shutdown(shutdownCtx)
		<-hubDone
		return err
	}
}

func (h *handler) routes() http.Handler {
	r := mux.NewRouter()
	r.Use(logRequests)

	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.readyz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/vehicles", h.listVehicles).Methods(http.MethodGet)
	api.HandleFunc("/vehicles.geojson", h.vehiclesGeoJSON).Methods(http.MethodGet)
	api.HandleFunc("/vehicles/{id}", h.getVehicle).Methods(http.MethodGet)

	api.HandleFunc("/connections", h.connections).Methods(http.MethodGet)
	api.HandleFunc("/connect", h.connect).Methods(http.MethodPost)
	api.HandleFunc("/disconnect", h.disconnect).Methods(http.MethodPost)

	api.HandleFunc("/subscriptions", h.listSubscriptions).Methods(http.MethodGet)
	api.HandleFunc("/subscriptions", h.replaceSubscriptions).Methods(http.MethodPut)
	api.HandleFunc("/subscriptions", h.clearSubscriptions).Methods(http.MethodDelete)
	api.HandleFunc("/subscriptions/all", h.subscribeAll).Methods(http.MethodPost)
	api.HandleFunc("/subscriptions/{id}/toggle", h.toggleSubscription).Methods(http.MethodPost)

	api.HandleFunc("/ws", h.hub.ServeWS).Methods(http.MethodGet)
	api.HandleFunc("/events", h.events).Methods(http.MethodGet)

	return r
}
