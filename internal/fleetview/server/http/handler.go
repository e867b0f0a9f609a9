package http

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/autopeer-io/fleetview/internal/fleetview/core/model"
	"github.com/autopeer-io/fleetview/internal/fleetview/stream"
	"github.com/autopeer-io/fleetview/pkg/log"
)

var validate = validator.New()

type handler struct {
	svc Service
	hub *Hub
}

type subscriptionRequest struct {
	Vehicles []string `json:"vehicles" validate:"dive,required,max=128"`
}

type subscriptionResponse struct {
	Vehicles  []string `json:"vehicles"`
	Available []string `json:"available"`
}

type toggleResponse struct {
	VehicleID  string `json:"vehicleId"`
	Subscribed bool   `json:"subscribed"`
}

type connectionsResponse struct {
	Active   bool                  `json:"active"`
	Summary  model.ConnectionState `json:"summary"`
	Channels []model.ChannelStatus `json:"channels"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *handler) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readyz reports ready once a channel is connected, or when nothing is subscribed.
func (h *handler) readyz(w http.ResponseWriter, _ *http.Request) {
	summary := h.svc.Summary()
	if summary == model.StateConnected || len(h.svc.Subscriptions()) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(summary)})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": string(summary)})
}

func (h *handler) listVehicles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Snapshot().Sorted())
}

func (h *handler) getVehicle(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sample, ok := h.svc.Vehicle(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("no data for vehicle %q", id))
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

// vehiclesGeoJSON renders the latest positions as a FeatureCollection of points.
// An optional bbox=minLng,minLat,maxLng,maxLat query narrows the result.
func (h *handler) vehiclesGeoJSON(w http.ResponseWriter, r *http.Request) {
	var bound *orb.Bound
	if raw := r.URL.Query().Get("bbox"); raw != "" {
		b, err := parseBound(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		bound = &b
	}

	fc := geojson.NewFeatureCollection()
	for _, s := range h.svc.Snapshot().Sorted() {
		pt := orb.Point{s.Position.Longitude, s.Position.Latitude}
		if bound != nil && !bound.Contains(pt) {
			continue
		}
		f := geojson.NewFeature(pt)
		f.ID = s.VehicleID
		f.Properties["vehicleId"] = s.VehicleID
		f.Properties["speed"] = s.Speed
		f.Properties["direction"] = s.Direction
		f.Properties["altitude"] = s.Altitude
		f.Properties["checkpoint"] = s.Checkpoint
		f.Properties["nextCheckpoint"] = s.NextCheckpoint
		f.Properties["timestamp"] = s.Timestamp
		fc.Append(f)
	}

	data, err := fc.MarshalJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func parseBound(raw string) (orb.Bound, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 4 {
		return orb.Bound{}, errors.New("bbox must be minLng,minLat,maxLng,maxLat")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("invalid bbox value %q", p)
		}
		v[i] = f
	}
	if v[0] > v[2] || v[1] > v[3] {
		return orb.Bound{}, errors.New("bbox minimum exceeds maximum")
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

func (h *handler) connections(w http.ResponseWriter, _ *http.Request) {
	channels := h.svc.States()
	if channels == nil {
		channels = []model.ChannelStatus{}
	}
	writeJSON(w, http.StatusOK, connectionsResponse{
		Active:   h.svc.Connected(),
		Summary:  h.svc.Summary(),
		Channels: channels,
	})
}

func (h *handler) connect(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Connect(); err != nil {
		if errors.Is(err, stream.ErrNoSubscriptions) {
			writeError(w, http.StatusBadRequest, errors.New("please select at least one vehicle"))
			return
		}
		if errors.Is(err, stream.ErrStopped) {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.connections(w, r)
}

func (h *handler) disconnect(w http.ResponseWriter, r *http.Request) {
	h.svc.Disconnect()
	h.connections(w, r)
}

func (h *handler) listSubscriptions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.subscriptions())
}

func (h *handler) replaceSubscriptions(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	log.Debug("Replacing subscriptions", "vehicles", req.Vehicles)
	h.svc.SetSubscriptions(req.Vehicles)
	writeJSON(w, http.StatusOK, h.subscriptions())
}

func (h *handler) clearSubscriptions(w http.ResponseWriter, _ *http.Request) {
	h.svc.ClearSubscriptions()
	writeJSON(w, http.StatusOK, h.subscriptions())
}

func (h *handler) subscribeAll(w http.ResponseWriter, _ *http.Request) {
	h.svc.SubscribeAll()
	writeJSON(w, http.StatusOK, h.subscriptions())
}

func (h *handler) toggleSubscription(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(mux.Vars(r)["id"])
	if id == "" {
		writeError(w, http.StatusBadRequest, errors.New("vehicle id is required"))
		return
	}
	writeJSON(w, http.StatusOK, toggleResponse{VehicleID: id, Subscribed: h.svc.Toggle(id)})
}

func (h *handler) subscriptions() subscriptionResponse {
	resp := subscriptionResponse{Vehicles: h.svc.Subscriptions(), Available: h.svc.Fleet()}
	if resp.Vehicles == nil {
		resp.Vehicles = []string{}
	}
	if resp.Available == nil {
		resp.Available = []string{}
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error(err, "Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}
