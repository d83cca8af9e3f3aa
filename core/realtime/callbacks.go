package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/appwharf/appwharf/core/fn"
	"github.com/appwharf/appwharf/core/logger"
	"github.com/appwharf/appwharf/core/storage"
)

// CallbackEngine caches per-application event callbacks. The cache is
// derived state: it is loaded lazily from storage on the first trigger for
// an application and can be rebuilt at any time with Invalidate.
type CallbackEngine struct {
	storage storage.Storage
	fns     *fn.Registry

	mu     sync.Mutex
	loaded map[string]map[string]fn.Callback
}

// NewCallbackEngine creates an engine with an empty cache.
func NewCallbackEngine(s storage.Storage, fns *fn.Registry) *CallbackEngine {
	return &CallbackEngine{
		storage: s,
		fns:     fns,
		loaded:  make(map[string]map[string]fn.Callback),
	}
}

// load pulls all enabled callbacks of the application from storage. An
// entry naming an unknown handler is skipped and logged, the rest load.
// Call with the mutex held.
func (e *CallbackEngine) load(ctx context.Context, appID string) (map[string]fn.Callback, error) {
	entries, err := e.storage.GetEventCallbacks(ctx, appID)
	if err != nil {
		return nil, fmt.Errorf("load event callbacks for %s: %w", appID, err)
	}
	callbacks := make(map[string]fn.Callback)
	for _, entry := range entries {
		if !entry.IsEnabled {
			continue
		}
		callback, ok := e.fns.Callback(entry.Handler)
		if !ok {
			logger.FromContext(ctx).Warnf("application %s: unknown callback handler %q for event %s",
				appID, entry.Handler, entry.EventName)
			continue
		}
		callbacks[entry.EventName] = callback
	}
	e.loaded[appID] = callbacks
	logger.FromContext(ctx).Debugf("application %s: %d event callbacks loaded", appID, len(callbacks))
	return callbacks, nil
}

// Trigger invokes the callback registered for the event, loading the
// application's callbacks first if necessary. A panicking callback is
// recovered and treated as no result.
func (e *CallbackEngine) Trigger(ctx context.Context, appID, eventName string, cctx *fn.CallbackContext) (*fn.CallbackResult, error) {
	e.mu.Lock()
	callbacks, ok := e.loaded[appID]
	if !ok {
		var err error
		callbacks, err = e.load(ctx, appID)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
	}
	callback := callbacks[eventName]
	e.mu.Unlock()

	if callback == nil {
		return nil, nil
	}
	return invokeCallback(ctx, eventName, callback, cctx), nil
}

func invokeCallback(ctx context.Context, eventName string, callback fn.Callback, cctx *fn.CallbackContext) (result *fn.CallbackResult) {
	defer func() {
		if r := recover(); r != nil {
			logger.FromContext(ctx).Errorf("callback for event %s failed: %v", eventName, r)
			result = nil
		}
	}()
	logger.FromContext(ctx).Debugf("callback for event %s triggered", eventName)
	return callback(cctx)
}

// UpdateCallback applies a configuration change to the cache. Disabling an
// entry removes it; an update naming an unknown handler is logged and
// leaves the prior entry untouched. Applications that are not loaded yet
// pick up the change on their next lazy load.
func (e *CallbackEngine) UpdateCallback(ctx context.Context, appID string, entry storage.EventCallback) {
	if !entry.IsEnabled {
		e.RemoveCallback(appID, entry.EventName)
		return
	}
	callback, ok := e.fns.Callback(entry.Handler)
	if !ok {
		logger.FromContext(ctx).Warnf("application %s: unknown callback handler %q for event %s",
			appID, entry.Handler, entry.EventName)
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if callbacks, ok := e.loaded[appID]; ok {
		callbacks[entry.EventName] = callback
	}
}

// RemoveCallback removes the event's callback from the cache.
func (e *CallbackEngine) RemoveCallback(appID, eventName string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if callbacks, ok := e.loaded[appID]; ok {
		delete(callbacks, eventName)
	}
}

// Invalidate drops the application's cached callbacks; the next trigger
// reloads them from storage.
func (e *CallbackEngine) Invalidate(appID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.loaded, appID)
}
