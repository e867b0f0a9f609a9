package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/autopeer-io/fleetview/internal/fleetview/core/model"
	"github.com/autopeer-io/fleetview/pkg/log"
)

const writeWait = 5 * time.Second

// snapshotMessage is the frame pushed to websocket and SSE clients.
type snapshotMessage struct {
	Type     string                `json:"type"`
	Summary  model.ConnectionState `json:"summary"`
	Vehicles []model.VehicleSample `json:"vehicles"`
}

// Hub fans fleet snapshots out to websocket and SSE clients. Each client has
// its own writer fed by a one-frame mailbox.
type Hub struct {
	svc      Service
	upgrader websocket.Upgrader
	changed  chan struct{}

	mu      sync.Mutex
	closed  bool
	clients map[*client]struct{}
}

// client is one push subscriber. Frames it has not picked up yet are
// replaced by newer ones.
type client struct {
	send chan snapshotMessage
	done chan struct{}
}

// offer must be called with Hub.mu held.
func (c *client) offer(msg snapshotMessage) {
	for {
		select {
		case c.send <- msg:
			return
		default:
		}
		select {
		case <-c.send:
		default:
		}
	}
}

func NewHub(svc Service, allowedOrigins []string) *Hub {
	return &Hub{
		svc:      svc,
		upgrader: websocket.Upgrader{CheckOrigin: originChecker(allowedOrigins)},
		changed:  make(chan struct{}, 1),
		clients:  make(map[*client]struct{}),
	}
}

// originChecker accepts same-host requests, requests without an Origin
// header, and any origin listed. A "*" entry accepts everything.
func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || strings.EqualFold(a, origin) {
				return true
			}
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, r.Host)
	}
}

func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Websocket upgrade failed", "err", err.Error())
		return
	}

	c, ok := h.register()
	if !ok {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	go h.writePump(conn, c)
	go h.readPump(conn, c)
}

// Run broadcasts every store change and channel state change until ctx is
// done, then closes all clients.
func (h *Hub) Run(ctx context.Context) {
	updates, stop := h.watch()
	h.loop(ctx, updates, stop)
}

func (h *Hub) watch() (<-chan model.Snapshot, func()) {
	h.svc.OnStatus(h.statusChanged)
	return h.svc.Watch()
}

func (h *Hub) loop(ctx context.Context, updates <-chan model.Snapshot, stop func()) {
	defer stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-updates:
			h.broadcast()
		case <-h.changed:
			h.broadcast()
		}
	}
}

// statusChanged is called from inside channel transitions and must not block.
func (h *Hub) statusChanged(model.ChannelStatus) {
	select {
	case h.changed <- struct{}{}:
	default:
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) message(snap model.Snapshot) snapshotMessage {
	return snapshotMessage{Type: "snapshot", Summary: h.svc.Summary(), Vehicles: snap.Sorted()}
}

// register adds a client primed with the current snapshot. It fails once the
// hub has shut down.
func (h *Hub) register() (*client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, false
	}
	c := &client{send: make(chan snapshotMessage, 1), done: make(chan struct{})}
	c.offer(h.message(h.svc.Snapshot()))
	h.clients[c] = struct{}{}
	return c, true
}

func (h *Hub) broadcast() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) == 0 {
		return
	}
	msg := h.message(h.svc.Snapshot())
	for c := range h.clients {
		c.offer(msg)
	}
}

func (h *Hub) writePump(conn *websocket.Conn, c *client) {
	defer conn.Close()
	for {
		select {
		case <-c.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case msg := <-c.send:
			if err := writeSnapshot(conn, msg); err != nil {
				h.remove(c)
				return
			}
		}
	}
}

func (h *Hub) readPump(conn *websocket.Conn, c *client) {
	defer h.remove(c)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.done)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.done)
	}
}

func writeSnapshot(c *websocket.Conn, msg snapshotMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = c.SetWriteDeadline(time.Now().Add(writeWait))
	return c.WriteMessage(websocket.TextMessage, data)
}
