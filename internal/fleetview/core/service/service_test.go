package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/autopeer-io/fleetview/internal/fleetview/core/model"
	"github.com/autopeer-io/fleetview/internal/fleetview/store"
	"github.com/autopeer-io/fleetview/internal/fleetview/stream"
)

// feed answers every request with the connected control message followed by
// one sample for the requested vehicle, then holds the stream open.
func feed(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"status\":\"connected\"}\n\n")
		if id := r.URL.Query().Get("vehicleId"); id != "" {
			fmt.Fprintf(w, "data: {\"vehicleId\":%q,\"speed\":10,\"timestamp\":\"2024-03-15T10:30:45Z\"}\n\n", id)
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

type recordingNotifier struct {
	mu       sync.Mutex
	samples  []string
	statuses []model.ConnectionState
}

func (n *recordingNotifier) NotifySample(s model.VehicleSample) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.samples = append(n.samples, s.VehicleID)
}

func (n *recordingNotifier) NotifyStatus(s model.ChannelStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, s.State)
}

func (n *recordingNotifier) sampleCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.samples)
}

func newService(t *testing.T, fleet []string, notifier *recordingNotifier) *Service {
	t.Helper()

	srv := feed(t)
	st := store.New()
	mgr, err := stream.NewManager(stream.Config{
		Endpoint:    srv.URL + "/events",
		Mode:        stream.ModeMulti,
		DialTimeout: time.Second,
	}, st)
	if err != nil {
		t.Fatal(err)
	}

	var svc *Service
	if notifier != nil {
		svc = New(st, mgr, fleet, notifier)
	} else {
		svc = New(st, mgr, fleet, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = svc.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return svc
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFleetIsNormalized(t *testing.T) {
	svc := newService(t, []string{" V2", "V1", "", "V2"}, nil)

	if diff := cmp.Diff([]string{"V1", "V2"}, svc.Fleet()); diff != "" {
		t.Errorf("Fleet() mismatch (-want +got):\n%s", diff)
	}

	svc.SetFleet([]string{"V9"})
	if diff := cmp.Diff([]string{"V9"}, svc.Fleet()); diff != "" {
		t.Errorf("Fleet() after SetFleet mismatch (-want +got):\n%s", diff)
	}
}

func TestBootstrapSubscribesAndConnects(t *testing.T) {
	notifier := &recordingNotifier{}
	svc := newService(t, []string{"V1", "V2"}, notifier)

	if err := svc.Bootstrap(true, true); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"V1", "V2"}, svc.Subscriptions()); diff != "" {
		t.Errorf("Subscriptions() mismatch (-want +got):\n%s", diff)
	}

	eventually(t, "both samples", func() bool { return len(svc.Snapshot()) == 2 })
	if svc.Summary() != model.StateConnected || !svc.Connected() {
		t.Errorf("Summary() = %q, Connected() = %v", svc.Summary(), svc.Connected())
	}
	eventually(t, "samples forwarded", func() bool { return notifier.sampleCount() == 2 })

	v, ok := svc.Vehicle("V1")
	if !ok || v.Speed != 10 {
		t.Errorf("Vehicle(V1) = %+v, %v", v, ok)
	}
}

func TestBootstrapWithoutSubscriptions(t *testing.T) {
	svc := newService(t, nil, nil)

	if err := svc.Bootstrap(true, true); err != nil {
		t.Fatalf("Bootstrap() = %v, want nil for an empty fleet", err)
	}
	if svc.Connected() {
		t.Error("nothing subscribed, should stay disconnected")
	}
	if err := svc.Connect(); !errors.Is(err, stream.ErrNoSubscriptions) {
		t.Errorf("Connect() = %v, want ErrNoSubscriptions", err)
	}
}

func TestToggleDrivesChannels(t *testing.T) {
	svc := newService(t, []string{"V1", "V2"}, nil)

	if !svc.Toggle("V1") {
		t.Fatal("Toggle(V1) should subscribe")
	}
	if err := svc.Connect(); err != nil {
		t.Fatal(err)
	}
	eventually(t, "V1 sample", func() bool { _, ok := svc.Vehicle("V1"); return ok })

	if svc.Toggle("V1") {
		t.Fatal("second Toggle(V1) should unsubscribe")
	}
	eventually(t, "V1 channel closed", func() bool { return len(svc.States()) == 0 })

	svc.SetSubscriptions([]string{"V2"})
	eventually(t, "V2 sample", func() bool { _, ok := svc.Vehicle("V2"); return ok })

	svc.ClearSubscriptions()
	if len(svc.Subscriptions()) != 0 {
		t.Errorf("Subscriptions() = %v after clear", svc.Subscriptions())
	}

	svc.Disconnect()
	if len(svc.Snapshot()) != 0 || svc.Connected() {
		t.Error("Disconnect should clear state and deactivate")
	}
}
