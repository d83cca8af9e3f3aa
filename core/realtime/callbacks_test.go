package realtime_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appwharf/appwharf/core/fn"
	"github.com/appwharf/appwharf/core/realtime"
	"github.com/appwharf/appwharf/core/storage"
)

func newCallbackEngine(t *testing.T) (*realtime.CallbackEngine, *storage.Memory, *fn.Registry, string) {
	t.Helper()
	store := storage.NewMemory()
	app, err := store.CreateApplication(context.Background(), &storage.Application{Name: "chat"})
	require.NoError(t, err)
	fns := fn.NewRegistry()
	return realtime.NewCallbackEngine(store, fns), store, fns, app.ID
}

func TestTriggerLoadsLazily(t *testing.T) {
	engine, store, fns, appID := newCallbackEngine(t)
	ctx := context.Background()

	fns.RegisterCallback("echo", func(cctx *fn.CallbackContext) *fn.CallbackResult {
		return &fn.CallbackResult{EventName: "echoed", EventData: cctx.Data}
	})
	require.NoError(t, store.PutEventCallback(ctx, appID,
		storage.EventCallback{EventName: "ping", Handler: "echo", IsEnabled: true}))
	require.NoError(t, store.PutEventCallback(ctx, appID,
		storage.EventCallback{EventName: "off", Handler: "echo", IsEnabled: false}))
	require.NoError(t, store.PutEventCallback(ctx, appID,
		storage.EventCallback{EventName: "broken", Handler: "no_such_handler", IsEnabled: true}))

	result, err := engine.Trigger(ctx, appID, "ping", &fn.CallbackContext{Event: "ping", Data: "x"})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "echoed", result.EventName)
	assert.Equal(t, "x", result.EventData)

	// disabled entries do not fire
	result, err = engine.Trigger(ctx, appID, "off", &fn.CallbackContext{Event: "off"})
	require.NoError(t, err)
	assert.Nil(t, result)

	// an entry with an unknown handler is skipped, it does not poison the rest
	result, err = engine.Trigger(ctx, appID, "broken", &fn.CallbackContext{Event: "broken"})
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestTriggerWithoutCallbacks(t *testing.T) {
	engine, _, _, appID := newCallbackEngine(t)

	result, err := engine.Trigger(context.Background(), appID, "anything", &fn.CallbackContext{})
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestPanickingCallback(t *testing.T) {
	engine, store, fns, appID := newCallbackEngine(t)
	ctx := context.Background()

	fns.RegisterCallback("explode", func(cctx *fn.CallbackContext) *fn.CallbackResult {
		panic("callback gone wrong")
	})
	require.NoError(t, store.PutEventCallback(ctx, appID,
		storage.EventCallback{EventName: "ping", Handler: "explode", IsEnabled: true}))

	result, err := engine.Trigger(ctx, appID, "ping", &fn.CallbackContext{Event: "ping"})
	require.NoError(t, err)
	assert.Nil(t, result, "a panicking callback yields no result")
}

func TestUpdateCallback(t *testing.T) {
	engine, store, fns, appID := newCallbackEngine(t)
	ctx := context.Background()

	fns.RegisterCallback("echo", func(cctx *fn.CallbackContext) *fn.CallbackResult {
		return &fn.CallbackResult{EventName: "echoed"}
	})
	fns.RegisterCallback("other", func(cctx *fn.CallbackContext) *fn.CallbackResult {
		return &fn.CallbackResult{EventName: "othered"}
	})
	require.NoError(t, store.PutEventCallback(ctx, appID,
		storage.EventCallback{EventName: "ping", Handler: "echo", IsEnabled: true}))

	result, err := engine.Trigger(ctx, appID, "ping", &fn.CallbackContext{Event: "ping"})
	require.NoError(t, err)
	require.NotNil(t, result)

	// updating with an unknown handler leaves the prior entry untouched
	engine.UpdateCallback(ctx, appID, storage.EventCallback{EventName: "ping", Handler: "vanished", IsEnabled: true})
	result, err = engine.Trigger(ctx, appID, "ping", &fn.CallbackContext{Event: "ping"})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "echoed", result.EventName)

	// a real update replaces the cached callback
	engine.UpdateCallback(ctx, appID, storage.EventCallback{EventName: "ping", Handler: "other", IsEnabled: true})
	result, err = engine.Trigger(ctx, appID, "ping", &fn.CallbackContext{Event: "ping"})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "othered", result.EventName)

	// disabling removes from the cache
	engine.UpdateCallback(ctx, appID, storage.EventCallback{EventName: "ping", Handler: "other", IsEnabled: false})
	result, err = engine.Trigger(ctx, appID, "ping", &fn.CallbackContext{Event: "ping"})
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestInvalidateReloads(t *testing.T) {
	engine, store, fns, appID := newCallbackEngine(t)
	ctx := context.Background()

	fns.RegisterCallback("echo", func(cctx *fn.CallbackContext) *fn.CallbackResult {
		return &fn.CallbackResult{EventName: "echoed"}
	})

	// first trigger loads an empty set and caches it
	result, err := engine.Trigger(ctx, appID, "ping", &fn.CallbackContext{Event: "ping"})
	require.NoError(t, err)
	assert.Nil(t, result)

	// the stored configuration changes behind the cache's back
	require.NoError(t, store.PutEventCallback(ctx, appID,
		storage.EventCallback{EventName: "ping", Handler: "echo", IsEnabled: true}))
	result, err = engine.Trigger(ctx, appID, "ping", &fn.CallbackContext{Event: "ping"})
	require.NoError(t, err)
	assert.Nil(t, result, "the cache does not see uncommunicated changes")

	// invalidation rebuilds the derived state from storage
	engine.Invalidate(appID)
	result, err = engine.Trigger(ctx, appID, "ping", &fn.CallbackContext{Event: "ping"})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, "echoed", result.EventName)
}
