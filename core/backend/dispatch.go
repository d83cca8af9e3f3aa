package backend

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/appwharf/appwharf/core"
	"github.com/appwharf/appwharf/core/access"
	"github.com/appwharf/appwharf/core/fn"
	"github.com/appwharf/appwharf/core/logger"
	"github.com/appwharf/appwharf/core/routes"
	"github.com/appwharf/appwharf/core/storage"
)

// keyedMutex serializes writes per (application, type, id). Concurrent
// writes to different instances proceed in parallel.
type keyedMutex struct {
	mutex sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mutex sync.Mutex
	refs  int
}

func (k *keyedMutex) lock(key string) {
	k.mutex.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*lockEntry)
	}
	entry, ok := k.locks[key]
	if !ok {
		entry = &lockEntry{}
		k.locks[key] = entry
	}
	entry.refs++
	k.mutex.Unlock()
	entry.mutex.Lock()
}

func (k *keyedMutex) unlock(key string) {
	k.mutex.Lock()
	entry := k.locks[key]
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, key)
	}
	k.mutex.Unlock()
	entry.mutex.Unlock()
}

func writeKey(appID, typeName string, id *storage.InstanceID) string {
	key := appID + "/" + typeName
	if id != nil {
		key += "/" + id.String()
	}
	return key
}

// fnRequest builds the request context handed to identifier handlers.
func fnRequest(r *http.Request, app *storage.Application, route routes.RouteInfo, body storage.Instance) *fn.Request {
	return &fn.Request{
		AppID:     app.ID,
		Operation: operationFor(r.Method, route),
		Method:    r.Method,
		URL:       route.URL,
		Route:     route,
		Query:     r.URL.Query(),
		Header:    r.Header,
		Body:      body,
		Groups:    access.GroupsFromContext(r.Context()),
	}
}

// operationFor maps the request verb onto the storage operation. A GET
// without a trailing id reads the collection.
func operationFor(method string, route routes.RouteInfo) core.Operation {
	switch method {
	case http.MethodPost:
		return core.OperationCreate
	case http.MethodPut:
		return core.OperationUpdate
	case http.MethodDelete:
		return core.OperationDelete
	}
	if route.HasID {
		return core.OperationRead
	}
	return core.OperationList
}

// effectiveID computes the identifier a storage call operates on. A type
// with an identifier handler delegates to it; its result wins over the
// URL-derived id. Otherwise the URL id is used verbatim, annotated with the
// type's identifying attribute, and a URL without an id means collection
// scope.
func (b *Backend) effectiveID(req *fn.Request, objectType *storage.ObjectType) (*storage.InstanceID, error) {
	if objectType.IDFun != "" {
		identifier, err := b.fns.Identifier(objectType.IDFun)
		if err != nil {
			return nil, err
		}
		return invokeIdentifier(identifier, req)
	}
	if !req.Route.HasID {
		return nil, nil
	}
	return &storage.InstanceID{Field: objectType.IDField, Value: req.Route.ID}, nil
}

func invokeIdentifier(identifier fn.Identifier, req *fn.Request) (id *storage.InstanceID, err error) {
	defer func() {
		if r := recover(); r != nil {
			id, err = nil, errors.New("identifier handler failed")
		}
	}()
	return identifier(req)
}

// getWithAuth serves both the collection and the single instance read.
func (b *Backend) getWithAuth(w http.ResponseWriter, r *http.Request, app *storage.Application, route routes.RouteInfo) {
	ctx := r.Context()

	objectType, err := b.resolveObjectType(r, app, route)
	if err != nil {
		writeResolveError(w, err)
		return
	}

	id, err := b.effectiveID(fnRequest(r, app, route, nil), objectType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	instances, err := b.storage.GetObjectInstances(ctx, app.ID, objectType.Name, id)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.FromContext(ctx).WithError(err).Error("cannot read instances")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	proxy := b.proxyFor(ctx, objectType)
	if id == nil {
		response := []storage.Instance{}
		for _, instance := range instances {
			response = append(response, proxy(instance))
		}
		writeJSON(w, r, response)
		return
	}
	if len(instances) == 0 {
		http.Error(w, "no such object", http.StatusNotFound)
		return
	}
	writeJSON(w, r, proxy(instances[0]))
}

// createWithAuth persists a new instance and notifies the application's
// clients.
func (b *Backend) createWithAuth(w http.ResponseWriter, r *http.Request, app *storage.Application, route routes.RouteInfo) {
	ctx := r.Context()

	instance, err := readBody(r)
	if err != nil {
		http.Error(w, "invalid json data: "+err.Error(), http.StatusBadRequest)
		return
	}

	objectType, err := b.resolveObjectType(r, app, route)
	if err != nil {
		writeResolveError(w, err)
		return
	}

	if err := b.validateInstance(instance, objectType); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// a type with an identifier handler gets the computed id patched into
	// the instance body. A result that names no attribute patches the
	// default "id" attribute, so identifier-driven types always create
	// under the computed identity. Failures here are logged and the create
	// proceeds without patching.
	if objectType.IDFun != "" {
		id, err := b.effectiveID(fnRequest(r, app, route, instance), objectType)
		if err != nil {
			logger.FromContext(ctx).WithError(err).
				WithField("url", route.URL).Warn("cannot compute id for create")
		} else if id != nil {
			instance[id.FieldOrDefault()] = id.Value
		}
	}

	key := writeKey(app.ID, objectType.Name, nil)
	b.writes.lock(key)
	saved, err := b.storage.AddObjectInstance(ctx, app.ID, objectType.Name, instance)
	b.writes.unlock(key)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("cannot add instance")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	b.sendEvent(ctx, app.ID, core.EventResourceCreated, saved)
	writeJSON(w, r, b.proxyFor(ctx, objectType)(saved))
}

// updateWithAuth persists an instance under its resolved identifier.
func (b *Backend) updateWithAuth(w http.ResponseWriter, r *http.Request, app *storage.Application, route routes.RouteInfo) {
	ctx := r.Context()

	instance, err := readBody(r)
	if err != nil {
		http.Error(w, "invalid json data: "+err.Error(), http.StatusBadRequest)
		return
	}

	objectType, err := b.resolveObjectType(r, app, route)
	if err != nil {
		writeResolveError(w, err)
		return
	}

	if err := b.validateInstance(instance, objectType); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := b.effectiveID(fnRequest(r, app, route, instance), objectType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	key := writeKey(app.ID, objectType.Name, id)
	b.writes.lock(key)
	saved, err := b.storage.SaveObjectInstance(ctx, app.ID, objectType.Name, id, instance)
	b.writes.unlock(key)
	if err != nil {
		logger.FromContext(ctx).WithError(err).Error("cannot save instance")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	b.sendEvent(ctx, app.ID, core.EventResourceUpdated, saved)
	writeJSON(w, r, b.proxyFor(ctx, objectType)(saved))
}

// deleteWithAuth removes an instance. Deletion is idempotent: removing
// something that does not exist still confirms removal.
func (b *Backend) deleteWithAuth(w http.ResponseWriter, r *http.Request, app *storage.Application, route routes.RouteInfo) {
	ctx := r.Context()

	objectType, err := b.resolveObjectType(r, app, route)
	if err != nil {
		writeResolveError(w, err)
		return
	}

	id, err := b.effectiveID(fnRequest(r, app, route, nil), objectType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	key := writeKey(app.ID, objectType.Name, id)
	b.writes.lock(key)
	err = b.storage.DeleteObjectInstance(ctx, app.ID, objectType.Name, id)
	b.writes.unlock(key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.FromContext(ctx).WithError(err).Error("cannot delete instance")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// the instance is gone, the event carries its identity only
	b.sendEvent(ctx, app.ID, core.EventResourceDeleted, map[string]interface{}{
		"id":          id,
		"object_type": objectType.Name,
	})
	writeJSON(w, r, map[string]bool{"removed": true})
}

func (b *Backend) validateInstance(instance storage.Instance, objectType *storage.ObjectType) error {
	if objectType.SchemaID == "" || b.schemas == nil || !b.schemas.HasSchema(objectType.SchemaID) {
		return nil
	}
	return b.schemas.ValidateStruct(instance, objectType.SchemaID)
}

func (b *Backend) sendEvent(ctx context.Context, appID, eventName string, eventData interface{}) {
	if b.notifier == nil {
		return
	}
	if _, err := b.notifier.SendEvent(ctx, appID, eventName, eventData, ""); err != nil {
		logger.FromContext(ctx).WithError(err).
			WithField("event", eventName).Error("cannot send event")
	}
}
