package backend

import (
	"errors"
	"net/http"

	"github.com/appwharf/appwharf/core/logger"
	"github.com/appwharf/appwharf/core/routes"
	"github.com/appwharf/appwharf/core/storage"
)

// errStaticRouteHandler marks a static route whose identifier handler is
// not registered. This is a configuration defect of the application and is
// reported as an internal error, never silently ignored.
var errStaticRouteHandler = errors.New("static route identifier handler not registered")

// resolveObjectType resolves a route to the object type that serves it.
//
// Static routes take precedence: an exact URL match binds the named
// resource together with the route's identifier handler. Without a static
// match the route pattern is looked up against the registered object types.
// The returned type is a copy, callers may modify it.
func (b *Backend) resolveObjectType(r *http.Request, app *storage.Application, route routes.RouteInfo) (*storage.ObjectType, error) {
	ctx := r.Context()

	staticRoutes, err := b.storage.GetStaticRoutes(ctx, app.ID, route.URL)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}
	if len(staticRoutes) == 0 {
		objectType, err := b.storage.GetObjectTypeByRoute(ctx, app.ID, route.RoutePattern)
		if err != nil {
			return nil, err
		}
		result := *objectType
		return &result, nil
	}

	staticRoute := staticRoutes[0]
	objectType, err := b.storage.GetObjectType(ctx, app.ID, staticRoute.Resource)
	if errors.Is(err, storage.ErrNotFound) {
		// a static route pointing to a missing resource is broken
		// configuration, not a missing object
		return nil, errors.New("static route references unknown resource " + staticRoute.Resource)
	}
	if err != nil {
		return nil, err
	}

	if _, err := b.fns.Identifier(staticRoute.IDFun); err != nil {
		logger.FromContext(ctx).WithError(err).
			WithField("url", staticRoute.URL).Error("broken static route")
		return nil, errStaticRouteHandler
	}

	result := *objectType
	result.IDFun = staticRoute.IDFun
	return &result, nil
}

// writeResolveError maps resolution failures to status codes. A missing
// object type is the caller's 404; everything else, including broken static
// route configuration, is a 500.
func writeResolveError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "no such object", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
