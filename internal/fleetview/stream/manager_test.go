package stream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/autopeer-io/fleetview/internal/fleetview/core/model"
	"github.com/autopeer-io/fleetview/internal/fleetview/store"
	"github.com/autopeer-io/fleetview/internal/fleetview/subscription"
)

// pushServer is a fake telemetry endpoint. Every request becomes a
// connection that stays open until the client leaves or the test drops it.
type pushServer struct {
	*httptest.Server

	mu       sync.Mutex
	status   int
	prelude  string
	requests []*http.Request
	conns    map[*pushConn]struct{}
}

type pushConn struct {
	query string
	out   chan string
	drop  chan struct{}
}

func newPushServer(t *testing.T) *pushServer {
	t.Helper()
	p := &pushServer{conns: make(map[*pushConn]struct{})}
	p.Server = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.Close)
	return p
}

func (p *pushServer) handle(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.requests = append(p.requests, r.Clone(context.Background()))
	status, prelude := p.status, p.prelude
	p.mu.Unlock()

	if status != 0 {
		http.Error(w, "unavailable", status)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, prelude)
	fmt.Fprint(w, "data: {\"status\":\"connected\"}\n\n")
	w.(http.Flusher).Flush()

	conn := &pushConn{query: r.URL.RawQuery, out: make(chan string, 16), drop: make(chan struct{})}
	p.mu.Lock()
	p.conns[conn] = struct{}{}
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.conns, conn)
		p.mu.Unlock()
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-conn.drop:
			return
		case msg := <-conn.out:
			fmt.Fprint(w, msg)
			w.(http.Flusher).Flush()
		}
	}
}

// send writes a data event to every connection whose query contains match.
func (p *pushServer) send(match, payload string) {
	p.raw(match, "data: "+payload+"\n\n")
}

func (p *pushServer) raw(match, text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.conns {
		if strings.Contains(c.query, match) {
			c.out <- text
		}
	}
}

// dropAll ends every open response, as a server restart would.
func (p *pushServer) dropAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.conns {
		close(c.drop)
		delete(p.conns, c)
	}
}

func (p *pushServer) setPrelude(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prelude = text
}

func (p *pushServer) setStatus(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = code
}

func (p *pushServer) open(query string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for c := range p.conns {
		if c.query == query {
			n++
		}
	}
	return n
}

func (p *pushServer) openTotal() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func (p *pushServer) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *pushServer) lastRequest() *http.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
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

func never(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(150 * time.Millisecond)
	for time.Now().Before(deadline) {
		if cond() {
			t.Fatalf("unexpected: %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type fixture struct {
	server  *pushServer
	clock   *clocktesting.FakeClock
	store   *store.Store
	manager *Manager
}

func newFixture(t *testing.T, mode Mode) *fixture {
	t.Helper()

	f := &fixture{
		server: newPushServer(t),
		clock:  clocktesting.NewFakeClock(time.Date(2024, 3, 15, 8, 0, 0, 0, time.UTC)),
		store:  store.New(),
	}

	m, err := NewManager(Config{
		Endpoint:    f.server.URL + "/events",
		Mode:        mode,
		RetryDelay:  5 * time.Second,
		DialTimeout: time.Second,
		Clock:       f.clock,
	}, f.store)
	if err != nil {
		t.Fatal(err)
	}
	f.manager = m

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Start(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func (f *fixture) state(t *testing.T, key string) model.ChannelStatus {
	t.Helper()
	for _, s := range f.manager.States() {
		if s.Key == key {
			return s
		}
	}
	return model.ChannelStatus{Key: key, State: model.StateDisconnected}
}

func (f *fixture) waitState(t *testing.T, key string, want model.ConnectionState) {
	t.Helper()
	eventually(t, fmt.Sprintf("channel %q to be %s", key, want), func() bool {
		return f.state(t, key).State == want
	})
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"single": ModeSingle, " Multi ": ModeMulti, "ALL": ModeAll} {
		if got, err := ParseMode(in); err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("fanout"); !errors.Is(err, ErrUnknownMode) {
		t.Errorf("ParseMode(fanout) error = %v, want ErrUnknownMode", err)
	}
}

func TestNewManagerValidation(t *testing.T) {
	for _, cfg := range []Config{
		{Mode: ModeMulti},
		{Endpoint: "ftp://host/events", Mode: ModeMulti},
		{Endpoint: "http://host/events", Mode: "broadcast"},
	} {
		if _, err := NewManager(cfg, store.New()); err == nil {
			t.Errorf("NewManager(%+v) should fail", cfg)
		}
	}
}

func TestConnectWithoutSubscriptions(t *testing.T) {
	f := newFixture(t, ModeMulti)

	if err := f.manager.Connect(); !errors.Is(err, ErrNoSubscriptions) {
		t.Fatalf("Connect() = %v, want ErrNoSubscriptions", err)
	}
	if f.manager.Active() || len(f.manager.States()) != 0 {
		t.Fatal("nothing should be opened")
	}
	never(t, "request sent", func() bool { return f.server.requestCount() > 0 })
}

func TestMultiModeReconcile(t *testing.T) {
	f := newFixture(t, ModeMulti)

	f.manager.Reconcile([]string{"V2", "V1"})
	if err := f.manager.Connect(); err != nil {
		t.Fatal(err)
	}
	f.waitState(t, "V1", model.StateConnected)
	f.waitState(t, "V2", model.StateConnected)
	if f.manager.Summary() != model.StateConnected {
		t.Fatalf("Summary() = %q", f.manager.Summary())
	}

	f.manager.Reconcile([]string{"V2", "V3"})
	f.waitState(t, "V3", model.StateConnected)
	eventually(t, "V1 stream to close", func() bool { return f.server.open("vehicleId=V1") == 0 })

	if got := f.server.requestCount(); got != 3 {
		t.Errorf("server saw %d requests, want 3 (V2 must not reconnect)", got)
	}
	if f.server.open("vehicleId=V2") != 1 {
		t.Errorf("V2 stream should be untouched")
	}
	if len(f.manager.States()) != 2 {
		t.Errorf("States() = %+v, want V2 and V3", f.manager.States())
	}
}

func TestSingleModeReopensOnChange(t *testing.T) {
	f := newFixture(t, ModeSingle)

	f.manager.Reconcile([]string{"V2", "V1"})
	if err := f.manager.Connect(); err != nil {
		t.Fatal(err)
	}
	f.waitState(t, "V1,V2", model.StateConnected)
	if q := f.server.lastRequest().URL.RawQuery; q != "vehicleIds=V1,V2" {
		t.Fatalf("query = %q, want vehicleIds=V1,V2", q)
	}

	f.manager.Reconcile([]string{"V1"})
	f.waitState(t, "V1", model.StateConnected)
	eventually(t, "old stream to close", func() bool { return f.server.open("vehicleIds=V1,V2") == 0 })

	f.manager.Reconcile(nil)
	eventually(t, "all streams to close", func() bool { return f.server.openTotal() == 0 })
	if f.manager.Summary() != model.StateDisconnected {
		t.Errorf("Summary() = %q, want disconnected", f.manager.Summary())
	}
}

func TestAllMode(t *testing.T) {
	f := newFixture(t, ModeAll)

	if err := f.manager.Connect(); err != nil {
		t.Fatalf("ModeAll should connect without subscriptions: %v", err)
	}
	f.waitState(t, AllVehiclesKey, model.StateConnected)
	if q := f.server.lastRequest().URL.RawQuery; q != "" {
		t.Errorf("query = %q, want none", q)
	}

	f.server.send("", `{"type":"vehicleUpdate","vehicleId":"X1","position":{"latitude":1,"longitude":2}}`)
	f.server.send("", `{"device_id":"X2","lat":3,"lng":4}`)
	eventually(t, "both vehicles stored", func() bool { return f.store.Len() == 2 })
}

func TestSampleReachesStore(t *testing.T) {
	f := newFixture(t, ModeMulti)

	var mu sync.Mutex
	var forwarded []string
	f.manager.OnSample(func(s model.VehicleSample) {
		mu.Lock()
		defer mu.Unlock()
		forwarded = append(forwarded, s.VehicleID)
	})

	f.manager.Reconcile([]string{"V1"})
	if err := f.manager.Connect(); err != nil {
		t.Fatal(err)
	}
	f.waitState(t, "V1", model.StateConnected)

	f.server.send("V1", `not json`)
	f.server.send("V1", `{"vehicleName":"V1","Latitude":"12.9","Longitude":"77.6","Speed":"5"}`)
	eventually(t, "sample stored", func() bool { return f.store.Len() == 1 })

	got, _ := f.store.Get("V1")
	if got.Speed != 5 || got.Position.Latitude != 12.9 || got.Position.Longitude != 77.6 {
		t.Errorf("stored sample = %+v", got)
	}
	if f.state(t, "V1").State != model.StateConnected {
		t.Errorf("malformed message must not affect the channel")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(forwarded) != 1 || forwarded[0] != "V1" {
		t.Errorf("listener saw %v", forwarded)
	}
}

func TestServerErrorKeepsChannelOpen(t *testing.T) {
	f := newFixture(t, ModeMulti)

	var mu sync.Mutex
	var reported []string
	f.manager.OnStatus(func(s model.ChannelStatus) {
		mu.Lock()
		defer mu.Unlock()
		reported = append(reported, s.Message)
	})

	f.manager.Reconcile([]string{"V1"})
	if err := f.manager.Connect(); err != nil {
		t.Fatal(err)
	}
	f.waitState(t, "V1", model.StateConnected)

	f.server.send("V1", `{"type":"error","message":"vehicle offline"}`)
	eventually(t, "status message", func() bool { return f.state(t, "V1").Message == "vehicle offline" })
	eventually(t, "error status notified", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reported) > 0 && reported[len(reported)-1] == "vehicle offline"
	})

	if f.state(t, "V1").State != model.StateConnected || f.server.requestCount() != 1 {
		t.Errorf("application error must not close the channel")
	}
}

func TestReconnectAfterRetryDelay(t *testing.T) {
	f := newFixture(t, ModeMulti)

	f.manager.Reconcile([]string{"V1"})
	if err := f.manager.Connect(); err != nil {
		t.Fatal(err)
	}
	f.waitState(t, "V1", model.StateConnected)

	f.server.dropAll()
	f.waitState(t, "V1", model.StateError)
	eventually(t, "retry timer", f.clock.HasWaiters)

	f.clock.Step(4 * time.Second)
	never(t, "reconnect before the retry delay", func() bool { return f.server.requestCount() > 1 })

	f.clock.Step(time.Second)
	f.waitState(t, "V1", model.StateConnected)
	if got := f.server.requestCount(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
}

func TestErrorThenUnsubscribeAbandonsRetry(t *testing.T) {
	f := newFixture(t, ModeMulti)
	set := subscription.NewSet(f.manager.Reconcile, "V1")
	f.manager.Reconcile(set.List())
	if err := f.manager.Connect(); err != nil {
		t.Fatal(err)
	}
	f.waitState(t, "V1", model.StateConnected)

	f.server.dropAll()
	f.waitState(t, "V1", model.StateError)
	eventually(t, "retry timer", f.clock.HasWaiters)

	set.Toggle("V1")
	eventually(t, "retry timer cancelled", func() bool { return !f.clock.HasWaiters() })

	f.clock.Step(10 * time.Second)
	never(t, "reconnect after unsubscribe", func() bool { return f.server.requestCount() > 1 })
	if len(f.manager.States()) != 0 {
		t.Errorf("States() = %+v, want none", f.manager.States())
	}
}

func TestToggleOffOnKeepsOneChannel(t *testing.T) {
	f := newFixture(t, ModeMulti)
	set := subscription.NewSet(f.manager.Reconcile, "V1", "V2")
	f.manager.Reconcile(set.List())
	if err := f.manager.Connect(); err != nil {
		t.Fatal(err)
	}
	f.waitState(t, "V1", model.StateConnected)

	set.Toggle("V1")
	set.Toggle("V1")

	f.waitState(t, "V1", model.StateConnected)
	eventually(t, "one stream per vehicle", func() bool {
		return f.server.open("vehicleId=V1") == 1 && f.server.open("vehicleId=V2") == 1
	})
	never(t, "duplicate V1 stream", func() bool { return f.server.open("vehicleId=V1") > 1 })
	if len(f.manager.States()) != 2 {
		t.Errorf("States() = %+v, want exactly V1 and V2", f.manager.States())
	}
}

func TestNonOKStatusFails(t *testing.T) {
	f := newFixture(t, ModeMulti)
	f.server.setStatus(http.StatusServiceUnavailable)

	f.manager.Reconcile([]string{"V1"})
	if err := f.manager.Connect(); err != nil {
		t.Fatal(err)
	}
	f.waitState(t, "V1", model.StateError)
	if msg := f.state(t, "V1").Message; !strings.Contains(msg, "503") {
		t.Errorf("Message = %q, want the HTTP status", msg)
	}
	if f.manager.Summary() != model.StateError {
		t.Errorf("Summary() = %q, want error", f.manager.Summary())
	}

	f.server.setStatus(0)
	eventually(t, "retry timer", f.clock.HasWaiters)
	f.clock.Step(5 * time.Second)
	f.waitState(t, "V1", model.StateConnected)
}

func TestServerRetryAndLastEventID(t *testing.T) {
	f := newFixture(t, ModeMulti)
	f.server.setPrelude("retry: 1000\n\n")

	f.manager.Reconcile([]string{"V1"})
	if err := f.manager.Connect(); err != nil {
		t.Fatal(err)
	}
	f.waitState(t, "V1", model.StateConnected)

	f.server.raw("V1", "id: 7\ndata: {\"vehicleId\":\"V1\"}\n\n")
	eventually(t, "sample stored", func() bool { return f.store.Len() == 1 })

	f.server.dropAll()
	f.waitState(t, "V1", model.StateError)
	eventually(t, "retry timer", f.clock.HasWaiters)

	f.clock.Step(time.Second)
	f.waitState(t, "V1", model.StateConnected)
	if id := f.server.lastRequest().Header.Get("Last-Event-ID"); id != "7" {
		t.Errorf("Last-Event-ID = %q, want 7", id)
	}
}

func TestDisconnectClearsStore(t *testing.T) {
	f := newFixture(t, ModeMulti)

	f.manager.Reconcile([]string{"V1"})
	if err := f.manager.Connect(); err != nil {
		t.Fatal(err)
	}
	f.waitState(t, "V1", model.StateConnected)
	f.server.send("V1", `{"vehicleId":"V1","latitude":1,"longitude":2}`)
	eventually(t, "sample stored", func() bool { return f.store.Len() == 1 })

	f.manager.Disconnect()

	if f.store.Len() != 0 {
		t.Errorf("store holds %d samples after Disconnect", f.store.Len())
	}
	if f.manager.Active() || f.manager.Summary() != model.StateDisconnected {
		t.Errorf("manager still active after Disconnect")
	}
	eventually(t, "streams closed", func() bool { return f.server.openTotal() == 0 })

	// Subscription changes while disconnected open nothing.
	f.manager.Reconcile([]string{"V1", "V2"})
	never(t, "stream opened while disconnected", func() bool { return f.server.requestCount() > 1 })
}

func TestStatusListener(t *testing.T) {
	f := newFixture(t, ModeMulti)

	var mu sync.Mutex
	var seen []model.ConnectionState
	f.manager.OnStatus(func(s model.ChannelStatus) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, s.State)
	})

	f.manager.Reconcile([]string{"V1"})
	if err := f.manager.Connect(); err != nil {
		t.Fatal(err)
	}
	f.waitState(t, "V1", model.StateConnected)
	f.manager.Disconnect()

	mu.Lock()
	defer mu.Unlock()
	want := []model.ConnectionState{model.StateConnecting, model.StateConnected, model.StateDisconnected}
	if len(seen) != len(want) {
		t.Fatalf("seen %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen %v, want %v", seen, want)
		}
	}
}

func TestConnectAfterStop(t *testing.T) {
	server := newPushServer(t)
	m, err := NewManager(Config{
		Endpoint: server.URL + "/events",
		Mode:     ModeMulti,
		Clock:    clocktesting.NewFakeClock(time.Now()),
	}, store.New())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatal(err)
	}

	m.Reconcile([]string{"V1"})
	if err := m.Connect(); !errors.Is(err, ErrStopped) {
		t.Fatalf("Connect() = %v, want ErrStopped", err)
	}
	if m.Active() || len(m.States()) != 0 {
		t.Fatal("a stopped manager must not open channels")
	}
	never(t, "request sent", func() bool { return server.requestCount() > 0 })
}
