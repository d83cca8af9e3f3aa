package realtime

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/appwharf/appwharf/core"
	"github.com/appwharf/appwharf/core/access"
	"github.com/appwharf/appwharf/core/logger"
	"github.com/appwharf/appwharf/core/storage"
)

// Mirror receives a copy of every delivered event across all tenants.
// Mirrors run synchronously before delivery, in installation order; they
// must not block.
type Mirror interface {
	Mirror(appID string, event core.Event)
}

// logMirror is the always-installed observability hook.
type logMirror struct{}

func (logMirror) Mirror(appID string, event core.Event) {
	logger.Default().Debugf("application %s: event %s", appID, event.Name)
}

// ventEvent is the envelope delivered on the diagnostic channel.
type ventEvent struct {
	AppID string     `json:"app_id"`
	Event core.Event `json:"event"`
}

// DiagnosticChannel is a cross-tenant websocket channel mirroring every
// delivered event, for diagnostic and monitoring consumption. Connecting
// requires a valid application access token, like any other handshake.
type DiagnosticChannel struct {
	storage  storage.Storage
	cache    *access.TokenCache
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*Conn
}

// NewDiagnosticChannel creates an empty diagnostic channel.
func NewDiagnosticChannel(s storage.Storage, cache *access.TokenCache) *DiagnosticChannel {
	return &DiagnosticChannel{
		storage:  s,
		cache:    cache,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
}

// ServeHTTP upgrades a diagnostic consumer connection.
func (d *DiagnosticChannel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, rlog := logger.ContextWithLogger(r.Context())
	_, err := access.ResolveApplication(ctx, d.storage, d.cache, r)
	if errors.Is(err, access.ErrNoToken) || errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "unknown application", http.StatusBadRequest)
		return
	}
	if err != nil {
		rlog.WithError(err).Error("diagnostic handshake: cannot resolve application")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ws, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rlog.WithError(err).Warn("diagnostic handshake: upgrade failed")
		return
	}

	conn := newConn("", "", ws)
	d.mu.Lock()
	d.conns = append(d.conns, conn)
	d.mu.Unlock()

	go conn.writePump()
	go d.readLoop(conn)
}

// readLoop discards inbound messages and unregisters the connection when
// it goes away.
func (d *DiagnosticChannel) readLoop(conn *Conn) {
	for {
		if _, _, err := conn.ws.ReadMessage(); err != nil {
			break
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.conns {
		if d.conns[i] == conn {
			d.conns = append(d.conns[:i], d.conns[i+1:]...)
			close(conn.send)
			return
		}
	}
}

// Mirror fans the event out to all diagnostic consumers.
func (d *DiagnosticChannel) Mirror(appID string, event core.Event) {
	vent := core.Event{Name: "vent", Data: ventEvent{AppID: appID, Event: event}}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, conn := range d.conns {
		select {
		case conn.send <- vent:
		default:
		}
	}
}
