// Package stream maintains the server-push channels that feed the fleet
// state, one per vehicle or one for the whole subscription set.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/fleetview/internal/fleetview/core/model"
	"github.com/autopeer-io/fleetview/internal/fleetview/telemetry"
	"github.com/autopeer-io/fleetview/internal/pkg/metrics"
	"github.com/autopeer-io/fleetview/pkg/log"
)

// Mode selects how subscriptions map onto channels.
type Mode string

const (
	// ModeSingle opens one channel for the whole set: ?vehicleIds=a,b.
	ModeSingle Mode = "single"
	// ModeMulti opens one channel per vehicle: ?vehicleId=a.
	ModeMulti Mode = "multi"
	// ModeAll opens one unfiltered channel regardless of subscriptions.
	ModeAll Mode = "all"
)

// AllVehiclesKey is the channel key used in ModeAll.
const AllVehiclesKey = "*"

const DefaultRetryDelay = 5 * time.Second

var (
	// ErrNoSubscriptions is returned by Connect when there is nothing to stream.
	ErrNoSubscriptions = errors.New("no vehicles subscribed")
	// ErrUnknownMode is returned for a mode other than single, multi or all.
	ErrUnknownMode = errors.New("unknown stream mode")
	// ErrStopped is returned by Connect after the manager has been stopped.
	ErrStopped = errors.New("stream manager stopped")

	errStreamEnded = errors.New("stream ended by server")
)

// ParseMode converts a configuration value into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeSingle, ModeMulti, ModeAll:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// FleetState receives accepted samples.
type FleetState interface {
	Apply(sample model.VehicleSample) model.Snapshot
	Clear()
}

// Config holds the settings of a Manager.
type Config struct {
	// Endpoint is the base URL of the push endpoint.
	Endpoint string
	Mode     Mode

	// RetryDelay is the wait before reopening a failed channel. A server
	// supplied retry interval takes precedence.
	RetryDelay time.Duration

	// DialTimeout bounds connecting and waiting for response headers.
	// It never limits the stream itself.
	DialTimeout time.Duration

	// Client overrides the HTTP client. It must not set a Timeout.
	Client *http.Client

	// Clock drives retry timers; defaults to the real clock.
	Clock clock.Clock
}

// Manager owns every channel. Subscription changes, channel callbacks and
// retry timers are serialized through one lock, so each runs to completion
// before the next is observed.
type Manager struct {
	endpoint   *url.URL
	mode       Mode
	retryDelay time.Duration
	client     *http.Client
	clock      clock.Clock
	logger     log.Logger

	normalizer *telemetry.Normalizer
	state      FleetState

	mu        sync.Mutex
	active    bool
	stopped   bool
	desired   []string
	channels  map[string]*Channel
	listeners []func(model.VehicleSample)
	watchers  []func(model.ChannelStatus)

	wg sync.WaitGroup
}

// NewManager creates a Manager feeding state. No channel is opened until
// Connect.
func NewManager(cfg Config, state FleetState) (*Manager, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("stream endpoint is required")
	}
	endpoint, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid stream endpoint: %w", err)
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, fmt.Errorf("invalid stream endpoint %q: scheme must be http or https", cfg.Endpoint)
	}

	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}

	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Client == nil {
		cfg.Client = newHTTPClient(cfg.DialTimeout)
	}

	return &Manager{
		endpoint:   endpoint,
		mode:       mode,
		retryDelay: cfg.RetryDelay,
		client:     cfg.Client,
		clock:      cfg.Clock,
		logger:     log.WithName("stream"),
		normalizer: telemetry.NewNormalizer(cfg.Clock),
		state:      state,
		channels:   make(map[string]*Channel),
	}, nil
}

func newHTTPClient(dialTimeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext
	transport.ResponseHeaderTimeout = dialTimeout
	transport.TLSHandshakeTimeout = dialTimeout
	return &http.Client{Transport: transport}
}

// Mode returns the channel topology.
func (m *Manager) Mode() Mode { return m.mode }

// OnSample registers fn to be called with every accepted sample, after it
// has been applied. fn runs under the manager's lock and must not block.
func (m *Manager) OnSample(fn func(model.VehicleSample)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// OnStatus registers fn to be called on every channel state change. fn runs
// under the manager's lock and must not block or call back into it.
func (m *Manager) OnStatus(fn func(model.ChannelStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.watchers = append(m.watchers, fn)
}

// Reconcile records the desired vehicles and, while connected, opens and
// closes channels to match. Channels that are still wanted are left alone.
func (m *Manager) Reconcile(desired []string) {
	ids := append([]string(nil), desired...)
	sort.Strings(ids)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.desired = ids
	if m.active {
		m.reconcileLocked()
	}
}

// Connect activates streaming for the current subscription set.
func (m *Manager) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	if m.mode != ModeAll && len(m.desired) == 0 {
		return ErrNoSubscriptions
	}

	m.active = true
	m.reconcileLocked()
	return nil
}

// Disconnect closes every channel, cancels pending retries and clears the
// fleet state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.active = false
	m.closeAllLocked()
	m.state.Clear()
	m.logger.Info("Disconnected from telemetry stream")
}

// Active reports whether Connect is in effect.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// States returns the status of every channel, ordered by key.
func (m *Manager) States() []model.ChannelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]model.ChannelStatus, 0, len(m.channels))
	for _, c := range m.channels {
		out = append(out, c.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Summary folds the channel states into one.
func (m *Manager) Summary() model.ConnectionState {
	return model.Summarize(m.States())
}

// Start blocks until ctx is done, then closes every channel and waits for
// their goroutines to exit. The fleet state is kept and the manager cannot
// be connected again.
func (m *Manager) Start(ctx context.Context) error {
	<-ctx.Done()

	m.mu.Lock()
	m.active = false
	m.stopped = true
	m.closeAllLocked()
	m.mu.Unlock()

	m.wg.Wait()
	m.logger.Info("Stream manager stopped")
	return nil
}

func (m *Manager) wantedLocked() map[string][]string {
	want := make(map[string][]string)
	if !m.active {
		return want
	}

	switch m.mode {
	case ModeAll:
		want[AllVehiclesKey] = nil
	case ModeSingle:
		if len(m.desired) > 0 {
			want[strings.Join(m.desired, ",")] = m.desired
		}
	case ModeMulti:
		for _, id := range m.desired {
			want[id] = []string{id}
		}
	}
	return want
}

func (m *Manager) reconcileLocked() {
	want := m.wantedLocked()

	for key, c := range m.channels {
		if _, ok := want[key]; !ok {
			m.closeLocked(c)
		}
	}

	for key, vehicles := range want {
		if _, ok := m.channels[key]; ok {
			continue
		}
		m.openLocked(key, vehicles)
	}
}

func (m *Manager) openLocked(key string, vehicles []string) {
	c := newChannel(key, vehicles, m.channelURL(vehicles), m.logger, m.statusChanged)
	m.channels[key] = c

	if err := c.dial(m.clock.Now()); err != nil {
		c.logger.Error(err, "Failed to start channel")
	}

	m.wg.Add(1)
	go m.run(c)
}

// statusChanged runs with mu held, from inside a channel transition.
func (m *Manager) statusChanged(status model.ChannelStatus) {
	for _, fn := range m.watchers {
		fn(status)
	}
}

func (m *Manager) closeLocked(c *Channel) {
	c.close()
	if m.channels[c.key] == c {
		delete(m.channels, c.key)
	}
}

func (m *Manager) closeAllLocked() {
	for _, c := range m.channels {
		m.closeLocked(c)
	}
}

// currentLocked reports whether c is still the live handle for its key.
func (m *Manager) currentLocked(c *Channel) bool {
	return !c.Closed() && m.channels[c.key] == c
}

func (m *Manager) channelURL(vehicles []string) string {
	u := *m.endpoint

	var param string
	switch m.mode {
	case ModeSingle:
		escaped := make([]string, len(vehicles))
		for i, id := range vehicles {
			escaped[i] = url.QueryEscape(id)
		}
		param = "vehicleIds=" + strings.Join(escaped, ",")
	case ModeMulti:
		param = "vehicleId=" + url.QueryEscape(vehicles[0])
	default:
		return u.String()
	}

	if u.RawQuery != "" {
		u.RawQuery += "&"
	}
	u.RawQuery += param
	return u.String()
}

// run drives one handle until it is closed: stream, fail, wait, redial.
func (m *Manager) run(c *Channel) {
	defer m.wg.Done()

	for {
		err := m.stream(c)

		delay, ok := m.failed(c, err)
		if !ok {
			return
		}
		if !m.retry(c, delay) {
			return
		}
	}
}

func (m *Manager) stream(c *Channel) error {
	req, err := m.request(c)
	if err != nil {
		return err
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type")); mt != "text/event-stream" {
		return fmt.Errorf("unexpected content type %q", resp.Header.Get("Content-Type"))
	}

	m.opened(c)

	reader := NewEventReader(resp.Body)
	for {
		ev, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return errStreamEnded
		}
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		m.dispatch(c, ev.Id, ev.Retry, Data(ev))
	}
}

func (m *Manager) request(c *Channel) (*http.Request, error) {
	m.mu.Lock()
	lastEventID := c.lastEventID
	m.mu.Unlock()

	req, err := http.NewRequestWithContext(c.ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	return req, nil
}

func (m *Manager) opened(c *Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(c) || c.State() != model.StateConnecting {
		return
	}
	metrics.ConnectLatency.Observe(m.clock.Since(c.dialedAt).Seconds())
	if err := c.open(); err != nil {
		c.logger.Error(err, "Failed to mark channel open")
	}
}

func (m *Manager) dispatch(c *Channel, id string, retry uint, data string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(c) {
		return
	}
	if id != "" {
		c.lastEventID = id
	}
	if retry > 0 {
		c.retryHint = time.Duration(retry) * time.Millisecond
	}
	if strings.TrimSpace(data) == "" {
		return
	}

	res, err := m.normalizer.Decode([]byte(data))
	if err != nil {
		metrics.MessagesTotal.WithLabelValues("malformed").Inc()
		c.logger.Debug("Discarding malformed message", "error", err)
		return
	}
	metrics.MessagesTotal.WithLabelValues(string(res.Kind)).Inc()

	switch res.Kind {
	case telemetry.KindControl:
		if c.State() == model.StateConnecting {
			if err := c.open(); err != nil {
				c.logger.Error(err, "Failed to mark channel open")
			}
		}
	case telemetry.KindError:
		c.message = res.Message
		c.logger.Warn("Server reported an error", "message", res.Message)
		m.statusChanged(c.Status())
	case telemetry.KindUnrecognized:
		c.logger.Debug("Ignoring message without vehicle identifier")
	case telemetry.KindSample:
		m.state.Apply(res.Sample)
		for _, fn := range m.listeners {
			fn(res.Sample)
		}
	}
}

// failed moves a live handle to Error and returns the delay before its retry.
func (m *Manager) failed(c *Channel, err error) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(c) {
		return 0, false
	}
	if ferr := c.fail(err); ferr != nil {
		c.logger.Error(ferr, "Failed to record channel failure")
	}

	delay := m.retryDelay
	if c.retryHint > 0 {
		delay = c.retryHint
	}
	c.logger.Info("Scheduling reconnect", "delay", delay)
	return delay, true
}

// retry waits out delay and redials c if it is still wanted.
func (m *Manager) retry(c *Channel, delay time.Duration) bool {
	timer := m.clock.NewTimer(delay)
	select {
	case <-c.ctx.Done():
		timer.Stop()
		metrics.ReconnectsTotal.WithLabelValues("abandoned").Inc()
		return false
	case <-timer.C():
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.currentLocked(c) {
		metrics.ReconnectsTotal.WithLabelValues("abandoned").Inc()
		return false
	}
	if _, ok := m.wantedLocked()[c.key]; !ok {
		c.logger.Info("Abandoning reconnect, channel no longer subscribed")
		metrics.ReconnectsTotal.WithLabelValues("abandoned").Inc()
		m.closeLocked(c)
		return false
	}

	metrics.ReconnectsTotal.WithLabelValues("attempted").Inc()
	if err := c.dial(m.clock.Now()); err != nil {
		c.logger.Error(err, "Failed to redial channel")
		m.closeLocked(c)
		return false
	}
	return true
}
