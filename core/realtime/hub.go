/*Package realtime implements the per-tenant push channel: a registry of
live websocket connections, the notification broadcaster, and the event
callback engine for inbound messages.

A connection's life cycle is connecting, authorized, registered,
disconnected. Authorization happens at handshake time with the same access
token resolution the HTTP surface uses; a failed handshake is rejected for
good. Registered connections are tracked per application and removed on
disconnect.
*/
package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/appwharf/appwharf/core"
	"github.com/appwharf/appwharf/core/access"
	"github.com/appwharf/appwharf/core/fn"
	"github.com/appwharf/appwharf/core/logger"
	"github.com/appwharf/appwharf/core/storage"
)

// sendBufferSize is the per-connection send queue. A consumer that falls
// further behind loses events rather than blocking the broadcaster.
const sendBufferSize = 32

// Conn is one registered client connection.
type Conn struct {
	AppID    string
	ClientID string
	ws       *websocket.Conn
	send     chan core.Event
}

func newConn(appID, clientID string, ws *websocket.Conn) *Conn {
	return &Conn{
		AppID:    appID,
		ClientID: clientID,
		ws:       ws,
		send:     make(chan core.Event, sendBufferSize),
	}
}

// writePump serializes all writes to the websocket. It exits when the send
// channel is closed on unregistration.
func (c *Conn) writePump() {
	for event := range c.send {
		if err := c.ws.WriteJSON(event); err != nil {
			break
		}
	}
	c.ws.Close()
}

// inboundMessage is the wire format of messages received from clients.
type inboundMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// Hub is the socket registry and notification broadcaster.
type Hub struct {
	storage   storage.Storage
	fns       *fn.Registry
	cache     *access.TokenCache
	callbacks *CallbackEngine
	mirrors   []Mirror
	upgrader  websocket.Upgrader

	mu    sync.Mutex
	conns map[string][]*Conn
}

// Builder is a builder helper for the Hub
type Builder struct {
	// Storage is the persistence backend. This is mandatory.
	Storage storage.Storage
	// Functions is the registry of tenant-supplied handlers. This is mandatory.
	Functions *fn.Registry
	// TokenCache is shared with the HTTP middleware so handshake and
	// request authentication behave identically. This is optional.
	TokenCache *access.TokenCache
	// Mirrors receive a copy of every delivered event, in order, after the
	// built-in log mirror. This is optional.
	Mirrors []Mirror
}

// New creates the hub and its callback engine.
func New(bb *Builder) *Hub {
	if bb.Storage == nil {
		panic("Storage is missing")
	}
	if bb.Functions == nil {
		panic("Functions is missing")
	}
	h := &Hub{
		storage:  bb.Storage,
		fns:      bb.Functions,
		cache:    bb.TokenCache,
		mirrors:  append([]Mirror{logMirror{}}, bb.Mirrors...),
		conns:    make(map[string][]*Conn),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	h.callbacks = NewCallbackEngine(bb.Storage, bb.Functions)
	return h
}

// Callbacks returns the hub's event callback engine.
func (h *Hub) Callbacks() *CallbackEngine {
	return h.callbacks
}

// ServeHTTP upgrades a client connection. The handshake resolves the access
// token exactly like an HTTP request would; failure rejects the handshake.
// A client that does not supply a client_id gets a derived one.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, rlog := logger.ContextWithLogger(r.Context())
	app, err := access.ResolveApplication(ctx, h.storage, h.cache, r)
	if errors.Is(err, access.ErrNoToken) || errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "unknown application", http.StatusBadRequest)
		return
	}
	if err != nil {
		rlog.WithError(err).Error("handshake: cannot resolve application")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.New().String()
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rlog.WithError(err).Warn("handshake: upgrade failed")
		return
	}

	conn := newConn(app.ID, clientID, ws)
	h.register(conn)
	rlog.Infof("application %s: client %s registered", conn.AppID, conn.ClientID)

	go conn.writePump()
	go h.readLoop(conn)
}

func (h *Hub) register(conn *Conn) {
	h.mu.Lock()
	h.conns[conn.AppID] = append(h.conns[conn.AppID], conn)
	h.mu.Unlock()
}

// unregister removes the connection from its application's list and closes
// its send queue. Removing an already-removed connection is a no-op.
func (h *Hub) unregister(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.conns[conn.AppID]
	for i := range list {
		if list[i] == conn {
			h.conns[conn.AppID] = append(list[:i], list[i+1:]...)
			close(conn.send)
			return
		}
	}
}

// readLoop dispatches inbound messages to the event callback engine until
// the connection goes away.
func (h *Hub) readLoop(conn *Conn) {
	defer func() {
		h.unregister(conn)
		logger.Default().Infof("application %s: client %s disconnected", conn.AppID, conn.ClientID)
	}()
	for {
		var msg inboundMessage
		if err := conn.ws.ReadJSON(&msg); err != nil {
			return
		}
		h.handleInbound(conn, msg)
	}
}

func (h *Hub) handleInbound(conn *Conn, msg inboundMessage) {
	ctx, rlog := logger.ContextWithLoggerIdentity(context.Background(), conn.AppID)
	result, err := h.callbacks.Trigger(ctx, conn.AppID, msg.Event, &fn.CallbackContext{
		AppID:    conn.AppID,
		ClientID: conn.ClientID,
		Event:    msg.Event,
		Data:     msg.Data,
	})
	if err != nil {
		rlog.WithError(err).Error("cannot trigger event callback")
		return
	}
	if result == nil || result.EventName == "" {
		return
	}
	// one level of callback-triggered re-broadcast: SendEvent delivers to
	// sockets only, callback dispatch runs exclusively on inbound messages
	if _, err := h.SendEvent(ctx, conn.AppID, result.EventName, result.EventData, ""); err != nil {
		rlog.WithError(err).Error("cannot send callback event")
	}
}

// Notify delivers the event to the application's registered connections and
// returns the number of connections notified. An empty clientID notifies
// every connection, otherwise only those with a matching client id.
// Delivery is fire-and-forget; the count does not imply acknowledgment.
func (h *Hub) Notify(appID string, event core.Event, clientID string) int {
	for _, m := range h.mirrors {
		m.Mirror(appID, event)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	notified := 0
	for _, conn := range h.conns[appID] {
		if clientID != "" && conn.ClientID != clientID {
			continue
		}
		select {
		case conn.send <- event:
		default:
			logger.Default().Warnf("application %s: client %s send queue full, event %s dropped",
				appID, conn.ClientID, event.Name)
		}
		notified++
	}
	return notified
}

// SendEvent loads the application, applies its notify transform and
// broadcasts the resulting envelope. An unknown or failing transform
// degrades to the identity transform.
func (h *Hub) SendEvent(ctx context.Context, appID, eventName string, eventData interface{}, clientID string) (int, error) {
	app, err := h.storage.GetApplication(ctx, appID)
	if err != nil {
		return 0, err
	}

	event := core.Event{Name: eventName, Type: "event", Data: eventData}
	if app.NotifyFun != "" {
		if transform, ok := h.fns.NotifyTransform(app.NotifyFun); ok {
			event = applyTransform(ctx, transform, event)
		} else {
			logger.FromContext(ctx).Warnf("application %s: unknown notify transform %q", appID, app.NotifyFun)
		}
	}
	return h.Notify(appID, event, clientID), nil
}

// applyTransform runs the tenant-supplied transform and degrades to the
// untransformed event if it panics.
func applyTransform(ctx context.Context, transform fn.NotifyTransform, event core.Event) (result core.Event) {
	result = event
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Errorf("notify transform failed: %v", r)
			result = event
		}
	}()
	result = transform(event)
	return
}

// Clients returns the client ids of all registered connections of the
// application.
func (h *Hub) Clients(appID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients := []string{}
	for _, conn := range h.conns[appID] {
		clients = append(clients, conn.ClientID)
	}
	return clients
}
