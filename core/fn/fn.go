/*Package fn holds the registered-handler tables for tenant-supplied logic.

The original system compiled executable source text stored alongside the
tenant configuration. This implementation replaces that with typed handlers
registered under a name at process start; the stored configuration only
references those names. An unknown name behaves like a compilation failure
of the stored source: resolution surfaces an error, the degrade paths fall
back to the identity behavior.
*/
package fn

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/appwharf/appwharf/core"
	"github.com/appwharf/appwharf/core/routes"
	"github.com/appwharf/appwharf/core/storage"
)

// Request is the request context handed to identifier handlers. It carries
// everything the original passed to an id function.
type Request struct {
	AppID string
	// Operation is the storage operation the dispatcher is about to
	// perform, so a handler can resolve ids differently for reads and
	// writes.
	Operation core.Operation
	Method    string
	URL       string
	Route     routes.RouteInfo
	Query     url.Values
	Header    http.Header
	Body      storage.Instance
	Groups    []string
}

// Identifier computes the effective instance identity from a request.
// Returning a nil id means collection scope.
type Identifier func(r *Request) (*storage.InstanceID, error)

// Proxy shapes an outgoing instance representation.
type Proxy func(instance storage.Instance) storage.Instance

// NotifyTransform shapes an outgoing notification envelope.
type NotifyTransform func(event core.Event) core.Event

// CallbackContext is the inbound message context handed to event callbacks.
type CallbackContext struct {
	AppID    string
	ClientID string
	Event    string
	Data     interface{}
}

// CallbackResult optionally requests one secondary broadcast. The engine
// guarantees that this secondary broadcast cannot trigger further
// callbacks.
type CallbackResult struct {
	EventName string
	EventData interface{}
}

// Callback handles an inbound real-time message.
type Callback func(ctx *CallbackContext) *CallbackResult

// Registry maps handler names to handlers. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	ids        map[string]Identifier
	proxies    map[string]Proxy
	transforms map[string]NotifyTransform
	callbacks  map[string]Callback
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		ids:        make(map[string]Identifier),
		proxies:    make(map[string]Proxy),
		transforms: make(map[string]NotifyTransform),
		callbacks:  make(map[string]Callback),
	}
}

// RegisterIdentifier registers an identifier handler under a name.
func (r *Registry) RegisterIdentifier(name string, f Identifier) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids[name] = f
}

// RegisterProxy registers a proxy handler under a name.
func (r *Registry) RegisterProxy(name string, f Proxy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.proxies[name] = f
}

// RegisterNotifyTransform registers a notify transform under a name.
func (r *Registry) RegisterNotifyTransform(name string, f NotifyTransform) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transforms[name] = f
}

// RegisterCallback registers an event callback handler under a name.
func (r *Registry) RegisterCallback(name string, f Callback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[name] = f
}

// Identifier resolves a registered identifier handler. Resolution of an
// unknown name is an error, not a silent fallback.
func (r *Registry) Identifier(name string) (Identifier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.ids[name]
	if !ok {
		return nil, fmt.Errorf("no identifier handler %q", name)
	}
	return f, nil
}

// Proxy resolves a registered proxy handler.
func (r *Registry) Proxy(name string) (Proxy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.proxies[name]
	return f, ok
}

// NotifyTransform resolves a registered notify transform.
func (r *Registry) NotifyTransform(name string) (NotifyTransform, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.transforms[name]
	return f, ok
}

// Callback resolves a registered event callback handler.
func (r *Registry) Callback(name string) (Callback, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.callbacks[name]
	return f, ok
}
