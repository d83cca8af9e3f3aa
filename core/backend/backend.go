/*Package backend implements the tenant-facing REST surface: the dynamic
resource dispatcher, the object type resolver, the proxy engine and the
administrative API.

Routing is data-driven. All resource requests of an application funnel
through one catch-all handler pair; the requested path is normalized into a
route pattern (package routes) and matched against the application's object
type configuration at request time. Changing the configuration changes the
API surface without touching any code.
*/
package backend

import (
	"context"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/appwharf/appwharf/core"
	"github.com/appwharf/appwharf/core/access"
	"github.com/appwharf/appwharf/core/fn"
	"github.com/appwharf/appwharf/core/logger"
	"github.com/appwharf/appwharf/core/routes"
	"github.com/appwharf/appwharf/core/schema"
	"github.com/appwharf/appwharf/core/storage"
)

// DefaultRoutesPrefix is stripped from request paths when an application
// does not configure its own prefix.
const DefaultRoutesPrefix = "/api/1"

// Notifier broadcasts events to an application's connected clients. It is
// implemented by realtime.Hub.
type Notifier interface {
	// SendEvent wraps the payload into an event envelope, applies the
	// application's notify transform and broadcasts. An empty clientID
	// addresses all clients of the application.
	SendEvent(ctx context.Context, appID, eventName string, eventData interface{}, clientID string) (int, error)
	// Notify broadcasts a ready-made event without transformation.
	Notify(appID string, event core.Event, clientID string) int
	// Clients lists the client ids currently connected for the application.
	Clients(appID string) []string
}

// Backend is the dynamic rest backend.
type Backend struct {
	storage  storage.Storage
	fns      *fn.Registry
	notifier Notifier
	schemas  *schema.Validator
	router   *mux.Router
	writes   keyedMutex
}

// Builder is a builder helper for the Backend.
type Builder struct {
	// Storage is the persistence adapter. This is mandatory.
	Storage storage.Storage
	// Functions is the registry of tenant handlers. This is mandatory.
	Functions *fn.Registry
	// Router is a mux router. This is mandatory.
	Router *mux.Router
	// Notifier receives resource change events. This is optional; without
	// it the backend serves requests but sends no notifications.
	Notifier Notifier
	// TokenCache caches access token resolution. This is optional.
	TokenCache *access.TokenCache
	// Schemas validates instance bodies against the JSON schemas object
	// types reference. This is optional.
	Schemas *schema.Validator
	// EnableCORS adds CORS headers and preflight handling.
	EnableCORS bool
	// EnableCompression compresses responses when the client accepts it.
	EnableCompression bool
}

// New realizes the actual backend and adds its routes to the router.
func New(bb *Builder) *Backend {
	if bb.Storage == nil {
		panic("Storage is missing")
	}
	if bb.Functions == nil {
		panic("Functions is missing")
	}
	if bb.Router == nil {
		panic("Router is missing")
	}

	b := &Backend{
		storage:  bb.Storage,
		fns:      bb.Functions,
		notifier: bb.Notifier,
		schemas:  bb.Schemas,
		router:   bb.Router,
	}

	if bb.EnableCORS {
		b.handleCORS()
	}
	if bb.EnableCompression {
		b.handleCompression()
	}
	b.handleRoutes(bb.Router, bb.TokenCache)
	return b
}

func (b *Backend) handleRoutes(router *mux.Router, cache *access.TokenCache) {
	logger.Default().Debugln("backend: handle routes")

	router.Use(access.NewAppTokenMiddleware(b.storage, cache))
	router.Use(access.NewUserTokenMiddleware(b.storage))

	router.HandleFunc(DefaultRoutesPrefix+"/", b.descriptionWithAuth).Methods(http.MethodGet)
	router.HandleFunc(DefaultRoutesPrefix+"/socket/event", b.socketEventWithAuth).Methods(http.MethodPost)
	router.HandleFunc(DefaultRoutesPrefix+"/socket/clients", b.socketClientsWithAuth).Methods(http.MethodGet)

	// resource manipulation, keep it last
	router.PathPrefix("/").HandlerFunc(b.resourceWithAuth).
		Methods(http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions)
}

// descriptionWithAuth returns the machine-readable description of the
// application's current API surface.
func (b *Backend) descriptionWithAuth(w http.ResponseWriter, r *http.Request) {
	app := access.ApplicationFromContext(r.Context())

	description := map[string]interface{}{
		"app_id":   app.ID,
		"app_name": app.Name,
	}
	resources := []map[string]string{}
	for _, t := range app.ObjectTypes {
		baseURL := "/api/" + t.Name
		resources = append(resources, map[string]string{
			"ref": t.Name,
			"url": baseURL,
		})
		description["create_"+t.Name] = map[string]string{"rel": "create", "url": baseURL}
	}
	description["resources"] = resources

	writeJSON(w, r, description)
}

type socketEventRequest struct {
	Name     string      `json:"name"`
	Data     interface{} `json:"data"`
	ClientID string      `json:"client_id,omitempty"`
}

// socketEventWithAuth broadcasts a caller-provided event to the
// application's connected clients, bypassing the notify transform.
func (b *Backend) socketEventWithAuth(w http.ResponseWriter, r *http.Request) {
	app := access.ApplicationFromContext(r.Context())

	var event socketEventRequest
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		http.Error(w, "invalid json data: "+err.Error(), http.StatusBadRequest)
		return
	}
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = event.ClientID
	}

	notified := 0
	if b.notifier != nil {
		notified = b.notifier.Notify(app.ID, core.Event{Name: event.Name, Data: event.Data}, clientID)
	}
	writeJSON(w, r, map[string]int{"notified_clients": notified})
}

// socketClientsWithAuth lists the client ids currently connected for the
// application.
func (b *Backend) socketClientsWithAuth(w http.ResponseWriter, r *http.Request) {
	app := access.ApplicationFromContext(r.Context())

	clients := []string{}
	if b.notifier != nil {
		clients = b.notifier.Clients(app.ID)
	}
	writeJSON(w, r, map[string][]string{"clients": clients})
}

// resourceWithAuth is the catch-all handler for dynamic resources.
func (b *Backend) resourceWithAuth(w http.ResponseWriter, r *http.Request) {
	app := access.ApplicationFromContext(r.Context())

	prefix := app.RoutesPrefix
	if prefix == "" {
		prefix = DefaultRoutesPrefix
	}
	path := routes.StripPrefix(r.URL.Path, prefix)
	route := routes.Resolve(path)

	switch r.Method {
	case http.MethodGet:
		b.getWithAuth(w, r, app, route)
	case http.MethodPost:
		b.createWithAuth(w, r, app, route)
	case http.MethodPut:
		b.updateWithAuth(w, r, app, route)
	case http.MethodDelete:
		b.deleteWithAuth(w, r, app, route)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, object interface{}) {
	data, err := json.Marshal(object)
	if err != nil {
		logger.FromContext(r.Context()).WithError(err).Error("cannot marshal response")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(data)
}

func readBody(r *http.Request) (storage.Instance, error) {
	var instance storage.Instance
	err := json.NewDecoder(r.Body).Decode(&instance)
	if err != nil {
		return nil, err
	}
	return instance, nil
}
