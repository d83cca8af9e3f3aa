package backend

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/appwharf/appwharf/core/access"
	"github.com/appwharf/appwharf/core/logger"
	"github.com/appwharf/appwharf/core/schema"
	"github.com/appwharf/appwharf/core/storage"
)

// AdminStorage is the persistence contract of the administrative API.
type AdminStorage interface {
	storage.Storage
	storage.Admin
}

// CallbackHooks lets the administrative API keep the real-time callback
// cache in sync with configuration changes. Implemented by
// realtime.CallbackEngine.
type CallbackHooks interface {
	UpdateCallback(ctx context.Context, appID string, entry storage.EventCallback)
	RemoveCallback(appID, eventName string)
}

// SchemaStore persists uploaded schema documents so they survive a
// restart. Implemented by registry.Accessor.
type SchemaStore interface {
	Write(key string, value interface{}) error
	Delete(key string) error
}

// AdminAPI is the administrative surface: applications and their object
// types, static routes, users, event callbacks and validation schemas.
type AdminAPI struct {
	storage     AdminStorage
	cache       *access.TokenCache
	callbacks   CallbackHooks
	schemas     *schema.Validator
	schemaStore SchemaStore
}

// AdminBuilder is a builder helper for the AdminAPI.
type AdminBuilder struct {
	// Storage is the persistence adapter. This is mandatory.
	Storage AdminStorage
	// Router is a mux router. This is mandatory. The admin routes are
	// mounted under /admin.
	Router *mux.Router
	// Key signs and verifies admin bearer tokens. This is mandatory.
	Key []byte
	// TokenCache is invalidated on configuration changes. This is optional.
	TokenCache *access.TokenCache
	// Callbacks keeps the event callback cache in sync. This is optional.
	Callbacks CallbackHooks
	// Schemas receives uploaded validation schemas. This is optional, without
	// it the schema routes are not mounted.
	Schemas *schema.Validator
	// SchemaStore persists uploaded schemas across restarts. This is
	// optional.
	SchemaStore SchemaStore
}

// NewAdminAPI realizes the administrative API and adds its routes to the
// router.
func NewAdminAPI(bb *AdminBuilder) *AdminAPI {
	if bb.Storage == nil {
		panic("Storage is missing")
	}
	if bb.Router == nil {
		panic("Router is missing")
	}
	if len(bb.Key) == 0 {
		panic("Key is missing")
	}

	a := &AdminAPI{
		storage:     bb.Storage,
		cache:       bb.TokenCache,
		callbacks:   bb.Callbacks,
		schemas:     bb.Schemas,
		schemaStore: bb.SchemaStore,
	}

	router := bb.Router.PathPrefix("/admin").Subrouter()
	router.Use(access.NewAdminMiddleware(bb.Key))

	router.HandleFunc("/applications", a.createApplication).Methods(http.MethodPost)
	router.HandleFunc("/applications/{app}", a.getApplication).Methods(http.MethodGet)
	router.HandleFunc("/applications/{app}", a.deleteApplication).Methods(http.MethodDelete)
	router.HandleFunc("/applications/{app}/access_token", a.renewAccessToken).Methods(http.MethodPost)
	router.HandleFunc("/applications/{app}/objtypes", a.putObjectType).Methods(http.MethodPut)
	router.HandleFunc("/applications/{app}/objtypes/{name}", a.deleteObjectType).Methods(http.MethodDelete)
	router.HandleFunc("/applications/{app}/routes", a.putStaticRoute).Methods(http.MethodPut)
	router.HandleFunc("/applications/{app}/routes", a.deleteStaticRoute).Methods(http.MethodDelete)
	router.HandleFunc("/applications/{app}/users", a.putUser).Methods(http.MethodPut)
	router.HandleFunc("/applications/{app}/callbacks", a.putEventCallback).Methods(http.MethodPut)
	router.HandleFunc("/applications/{app}/callbacks/{event}", a.deleteEventCallback).Methods(http.MethodDelete)

	if a.schemas != nil {
		router.HandleFunc("/schemas", a.putSchema).Methods(http.MethodPut)
		router.HandleFunc("/schemas", a.deleteSchema).Methods(http.MethodDelete)
	}

	return a
}

func (a *AdminAPI) createApplication(w http.ResponseWriter, r *http.Request) {
	var app storage.Application
	if err := json.NewDecoder(r.Body).Decode(&app); err != nil {
		http.Error(w, "invalid json data: "+err.Error(), http.StatusBadRequest)
		return
	}
	created, err := a.storage.CreateApplication(r.Context(), &app)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, r, created)
}

func (a *AdminAPI) getApplication(w http.ResponseWriter, r *http.Request) {
	app, err := a.storage.GetApplication(r.Context(), mux.Vars(r)["app"])
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, r, app)
}

func (a *AdminAPI) deleteApplication(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	appID := mux.Vars(r)["app"]

	a.invalidateToken(ctx, appID)
	if err := a.storage.DeleteApplication(ctx, appID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// renewAccessToken replaces the application's access token. The previous
// token stops working immediately, also for requests served from the token
// cache.
func (a *AdminAPI) renewAccessToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	appID := mux.Vars(r)["app"]

	a.invalidateToken(ctx, appID)
	token, err := a.storage.RenewAccessToken(ctx, appID)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, r, map[string]string{"access_token": token})
}

func (a *AdminAPI) putObjectType(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	appID := mux.Vars(r)["app"]

	var objectType storage.ObjectType
	if err := json.NewDecoder(r.Body).Decode(&objectType); err != nil {
		http.Error(w, "invalid json data: "+err.Error(), http.StatusBadRequest)
		return
	}
	if objectType.Name == "" {
		http.Error(w, "object type needs a name", http.StatusBadRequest)
		return
	}
	if err := a.storage.PutObjectType(ctx, appID, objectType); err != nil {
		writeAdminError(w, err)
		return
	}
	a.invalidateToken(ctx, appID)
	writeJSON(w, r, objectType)
}

func (a *AdminAPI) deleteObjectType(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	if err := a.storage.DeleteObjectType(ctx, vars["app"], vars["name"]); err != nil && !errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	a.invalidateToken(ctx, vars["app"])
	w.WriteHeader(http.StatusNoContent)
}

func (a *AdminAPI) putStaticRoute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	appID := mux.Vars(r)["app"]

	var route storage.StaticRoute
	if err := json.NewDecoder(r.Body).Decode(&route); err != nil {
		http.Error(w, "invalid json data: "+err.Error(), http.StatusBadRequest)
		return
	}
	if route.URL == "" || route.Resource == "" {
		http.Error(w, "static route needs url and resource", http.StatusBadRequest)
		return
	}
	if err := a.storage.PutStaticRoute(ctx, appID, route); err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, r, route)
}

// deleteStaticRoute removes the static route given by the url query
// parameter. The url travels as a query parameter because it contains
// slashes.
func (a *AdminAPI) deleteStaticRoute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	appID := mux.Vars(r)["app"]

	url := r.URL.Query().Get("url")
	if url == "" {
		http.Error(w, "url query parameter is missing", http.StatusBadRequest)
		return
	}
	if err := a.storage.DeleteStaticRoute(ctx, appID, url); err != nil && !errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *AdminAPI) putUser(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	appID := mux.Vars(r)["app"]

	var user storage.User
	if err := json.NewDecoder(r.Body).Decode(&user); err != nil {
		http.Error(w, "invalid json data: "+err.Error(), http.StatusBadRequest)
		return
	}
	if user.UserName == "" {
		http.Error(w, "user needs a user_name", http.StatusBadRequest)
		return
	}
	if err := a.storage.PutUser(ctx, appID, user); err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, r, user)
}

func (a *AdminAPI) putEventCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	appID := mux.Vars(r)["app"]

	var callback storage.EventCallback
	if err := json.NewDecoder(r.Body).Decode(&callback); err != nil {
		http.Error(w, "invalid json data: "+err.Error(), http.StatusBadRequest)
		return
	}
	if callback.EventName == "" || callback.Handler == "" {
		http.Error(w, "event callback needs event_name and handler", http.StatusBadRequest)
		return
	}
	if err := a.storage.PutEventCallback(ctx, appID, callback); err != nil {
		writeAdminError(w, err)
		return
	}
	if a.callbacks != nil {
		a.callbacks.UpdateCallback(ctx, appID, callback)
	}
	writeJSON(w, r, callback)
}

func (a *AdminAPI) deleteEventCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	vars := mux.Vars(r)

	if err := a.storage.DeleteEventCallback(ctx, vars["app"], vars["event"]); err != nil && !errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if a.callbacks != nil {
		a.callbacks.RemoveCallback(vars["app"], vars["event"])
	}
	w.WriteHeader(http.StatusNoContent)
}

// putSchema compiles the uploaded schema document and makes it available
// for validation under its "$id", immediately and without a restart.
func (a *AdminAPI) putSchema(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := a.schemas.Add(string(body))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if a.schemaStore != nil {
		if err := a.schemaStore.Write(id, json.RawMessage(body)); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	writeJSON(w, r, map[string]string{"schema_id": id})
}

// deleteSchema removes the schema given by the id query parameter. The id
// travels as a query parameter because schema ids are urls.
func (a *AdminAPI) deleteSchema(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "id query parameter is missing", http.StatusBadRequest)
		return
	}
	a.schemas.Remove(id)
	if a.schemaStore != nil {
		if err := a.schemaStore.Delete(id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// invalidateToken drops the application's current token from the cache so
// the next request sees fresh configuration.
func (a *AdminAPI) invalidateToken(ctx context.Context, appID string) {
	if a.cache == nil {
		return
	}
	app, err := a.storage.GetApplication(ctx, appID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logger.FromContext(ctx).WithError(err).Error("cannot load application for cache invalidation")
		}
		return
	}
	a.cache.Invalidate(app.AccessToken)
}

func writeAdminError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "no such application", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
