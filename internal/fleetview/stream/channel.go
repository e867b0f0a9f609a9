package stream

import (
	"context"
	"errors"
	"time"

	"github.com/looplab/fsm"

	"github.com/autopeer-io/fleetview/internal/fleetview/core/model"
	"github.com/autopeer-io/fleetview/internal/pkg/metrics"
	fsmutil "github.com/autopeer-io/fleetview/internal/pkg/util/fsm"
	"github.com/autopeer-io/fleetview/pkg/log"
)

const (
	// EventDial starts (or restarts after a failure) an HTTP stream.
	EventDial = "event_dial"
	// EventOpen marks the stream as accepted by the server.
	EventOpen = "event_open"
	// EventFail records a transport failure.
	EventFail = "event_fail"
	// EventClose ends the channel for good.
	EventClose = "event_close"
)

var errChannelClosed = errors.New("channel closed")

// Channel is the handle of one push stream. It owns a cancellation token
// covering both the HTTP stream and any pending retry; once closed it never
// reopens. All methods must be called with the owning Manager's lock held.
type Channel struct {
	key      string
	vehicles []string
	url      string

	ctx    context.Context
	cancel context.CancelFunc
	fsm    *fsm.FSM
	logger log.Logger
	notify func(model.ChannelStatus)

	message     string
	lastEventID string
	retryHint   time.Duration
	dialedAt    time.Time
}

func newChannel(key string, vehicles []string, url string, logger log.Logger, notify func(model.ChannelStatus)) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		key:      key,
		vehicles: vehicles,
		url:      url,
		ctx:      ctx,
		cancel:   cancel,
		logger:   logger.WithValues("channel", key),
		notify:   notify,
	}

	events := fsm.Events{
		{Name: EventDial, Src: []string{string(model.StateDisconnected), string(model.StateError)}, Dst: string(model.StateConnecting)},
		{Name: EventOpen, Src: []string{string(model.StateConnecting)}, Dst: string(model.StateConnected)},
		{Name: EventFail, Src: []string{string(model.StateConnecting), string(model.StateConnected)}, Dst: string(model.StateError)},
		{Name: EventClose, Src: []string{
			string(model.StateDisconnected), string(model.StateConnecting),
			string(model.StateConnected), string(model.StateError),
		}, Dst: string(model.StateDisconnected)},
	}

	callbacks := fsm.Callbacks{
		// Guards
		"before_" + EventDial: fsmutil.WrapEvent(c.guardNotClosed),

		// Side-effects
		"enter_" + string(model.StateConnecting): fsmutil.WrapEvent(c.actionEnterConnecting),
		"enter_" + string(model.StateConnected):  fsmutil.WrapEvent(c.actionEnterConnected),
		"enter_" + string(model.StateError):      fsmutil.WrapEvent(c.actionEnterError),
		"enter_state":                            c.recordState,
	}

	c.fsm = fsm.NewFSM(string(model.StateDisconnected), events, callbacks)
	return c
}

// Key identifies the channel within its Manager.
func (c *Channel) Key() string { return c.key }

// State returns the current connection state.
func (c *Channel) State() model.ConnectionState {
	return model.ConnectionState(c.fsm.Current())
}

// Status describes the channel for presentation.
func (c *Channel) Status() model.ChannelStatus {
	return model.ChannelStatus{
		Key:      c.key,
		Vehicles: append([]string(nil), c.vehicles...),
		State:    c.State(),
		Message:  c.message,
	}
}

// Closed reports whether the handle has been cancelled.
func (c *Channel) Closed() bool {
	return c.ctx.Err() != nil
}

func (c *Channel) dial(now time.Time) error {
	c.dialedAt = now
	return c.fire(EventDial)
}

func (c *Channel) open() error {
	return c.fire(EventOpen)
}

func (c *Channel) fail(err error) error {
	return c.fire(EventFail, err)
}

// close cancels the stream and any pending retry. It is idempotent.
func (c *Channel) close() {
	c.cancel()
	_ = c.fire(EventClose)
	metrics.ChannelState.DeleteLabelValues(c.key)
}

func (c *Channel) fire(event string, args ...any) error {
	err := c.fsm.Event(context.Background(), event, args...)
	if fsmutil.IsRealError(err) {
		return err
	}
	return nil
}

// guardNotClosed refuses to dial a handle that has been closed.
func (c *Channel) guardNotClosed(_ context.Context, e *fsm.Event) error {
	if c.Closed() {
		e.Cancel(errChannelClosed)
	}
	return nil
}

func (c *Channel) actionEnterConnecting(_ context.Context, e *fsm.Event) error {
	c.logger.Info("Opening telemetry stream", "url", c.url, "from", e.Src)
	return nil
}

func (c *Channel) actionEnterConnected(_ context.Context, _ *fsm.Event) error {
	c.message = ""
	c.logger.Info("Telemetry stream connected")
	return nil
}

func (c *Channel) actionEnterError(_ context.Context, e *fsm.Event) error {
	c.message = "connection error"
	if len(e.Args) > 0 {
		if err, ok := e.Args[0].(error); ok && err != nil {
			c.message = err.Error()
		}
	}
	c.logger.Warn("Telemetry stream failed", "error", c.message)
	return nil
}

// recordState runs inside the transition, so it reads the state from e
// rather than from the machine.
func (c *Channel) recordState(_ context.Context, e *fsm.Event) {
	state := model.ConnectionState(e.Dst)
	metrics.ChannelState.WithLabelValues(c.key).Set(state.Gauge())

	if c.notify != nil {
		c.notify(model.ChannelStatus{
			Key:      c.key,
			Vehicles: append([]string(nil), c.vehicles...),
			State:    state,
			Message:  c.message,
		})
	}
}
