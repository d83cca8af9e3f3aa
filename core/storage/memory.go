package storage

import (
	"context"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Memory is an in-memory storage adapter. It backs the unit tests and the
// service's dev mode. All methods are safe for concurrent use.
type Memory struct {
	mu           sync.RWMutex
	apps         map[string]*Application
	tokens       map[string]string // access token -> application id
	users        map[string]map[string]*User
	userTokens   map[string]userKey // user token -> owner
	staticRoutes map[string]map[string]StaticRoute
	callbacks    map[string]map[string]EventCallback
	instances    map[string]map[string][]Instance
}

type userKey struct {
	appID string
	name  string
}

// NewMemory creates an empty in-memory storage adapter.
func NewMemory() *Memory {
	return &Memory{
		apps:         make(map[string]*Application),
		tokens:       make(map[string]string),
		users:        make(map[string]map[string]*User),
		userTokens:   make(map[string]userKey),
		staticRoutes: make(map[string]map[string]StaticRoute),
		callbacks:    make(map[string]map[string]EventCallback),
		instances:    make(map[string]map[string][]Instance),
	}
}

var _ Storage = (*Memory)(nil)
var _ Admin = (*Memory)(nil)

// cloneInstance passes the instance through JSON. This both decouples the
// stored value from the caller's map and normalizes value types the same
// way the HTTP surface does.
func cloneInstance(in Instance) Instance {
	b, err := json.Marshal(in)
	if err != nil {
		return Instance{}
	}
	var out Instance
	if err := json.Unmarshal(b, &out); err != nil {
		return Instance{}
	}
	return out
}

func cloneApplication(app *Application) *Application {
	clone := *app
	clone.ObjectTypes = append([]ObjectType(nil), app.ObjectTypes...)
	return &clone
}

// GetApplication returns the application with the given id.
func (m *Memory) GetApplication(ctx context.Context, appID string) (*Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.apps[appID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneApplication(app), nil
}

// GetAppByAccessToken returns the application owning the given access token.
func (m *Memory) GetAppByAccessToken(ctx context.Context, token string) (*Application, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	appID, ok := m.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	app, ok := m.apps[appID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneApplication(app), nil
}

// GetUserByAccessToken returns the user owning the given user token.
func (m *Memory) GetUserByAccessToken(ctx context.Context, token string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.userTokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	user, ok := m.users[key.appID][key.name]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *user
	return &clone, nil
}

// GetUserByName returns the named user of the application.
func (m *Memory) GetUserByName(ctx context.Context, appID, name string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	user, ok := m.users[appID][name]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *user
	return &clone, nil
}

// GetStaticRoutes returns the static routes of the application matching the
// literal URL. No match yields an empty slice, not an error.
func (m *Memory) GetStaticRoutes(ctx context.Context, appID, url string) ([]StaticRoute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if route, ok := m.staticRoutes[appID][url]; ok {
		return []StaticRoute{route}, nil
	}
	return nil, nil
}

// GetObjectTypeByRoute returns the object type registered under the given
// route pattern.
func (m *Memory) GetObjectTypeByRoute(ctx context.Context, appID, routePattern string) (*ObjectType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.apps[appID]
	if !ok {
		return nil, ErrNotFound
	}
	for i := range app.ObjectTypes {
		if app.ObjectTypes[i].EffectiveRoutePattern() == routePattern {
			clone := app.ObjectTypes[i]
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

// GetObjectType returns the object type with the given name.
func (m *Memory) GetObjectType(ctx context.Context, appID, name string) (*ObjectType, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.apps[appID]
	if !ok {
		return nil, ErrNotFound
	}
	for i := range app.ObjectTypes {
		if app.ObjectTypes[i].Name == name {
			clone := app.ObjectTypes[i]
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

// GetObjectInstances returns the instances of the given type matching id.
// A nil id returns the whole collection.
func (m *Memory) GetObjectInstances(ctx context.Context, appID, typeName string, id *InstanceID) ([]Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []Instance
	for _, instance := range m.instances[appID][typeName] {
		if instance.Matches(id) {
			result = append(result, cloneInstance(instance))
		}
	}
	return result, nil
}

// AddObjectInstance persists a new instance. Instances without an
// identifying attribute get a storage-assigned id.
func (m *Memory) AddObjectInstance(ctx context.Context, appID, typeName string, instance Instance) (Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := cloneInstance(instance)
	if _, ok := saved[DefaultIDField]; !ok {
		saved[DefaultIDField] = uuid.New().String()
	}
	if m.instances[appID] == nil {
		m.instances[appID] = make(map[string][]Instance)
	}
	m.instances[appID][typeName] = append(m.instances[appID][typeName], saved)
	return cloneInstance(saved), nil
}

// SaveObjectInstance persists the instance under the resolved id, replacing
// an existing instance with the same identity.
func (m *Memory) SaveObjectInstance(ctx context.Context, appID, typeName string, id *InstanceID, instance Instance) (Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	saved := cloneInstance(instance)
	if id == nil {
		if _, ok := saved[DefaultIDField]; !ok {
			saved[DefaultIDField] = uuid.New().String()
		}
		if m.instances[appID] == nil {
			m.instances[appID] = make(map[string][]Instance)
		}
		m.instances[appID][typeName] = append(m.instances[appID][typeName], saved)
		return cloneInstance(saved), nil
	}
	if _, ok := saved[id.FieldOrDefault()]; !ok {
		saved[id.FieldOrDefault()] = id.Value
	}
	if m.instances[appID] == nil {
		m.instances[appID] = make(map[string][]Instance)
	}
	list := m.instances[appID][typeName]
	for i := range list {
		if list[i].Matches(id) {
			list[i] = saved
			return cloneInstance(saved), nil
		}
	}
	m.instances[appID][typeName] = append(list, saved)
	return cloneInstance(saved), nil
}

// DeleteObjectInstance removes the instances matching id. Deleting an
// unknown id is a no-op.
func (m *Memory) DeleteObjectInstance(ctx context.Context, appID, typeName string, id *InstanceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.instances[appID][typeName]
	kept := list[:0]
	for _, instance := range list {
		if !instance.Matches(id) {
			kept = append(kept, instance)
		}
	}
	if m.instances[appID] != nil {
		m.instances[appID][typeName] = kept
	}
	return nil
}

// GetEventCallbacks returns all event callbacks of the application,
// enabled or not.
func (m *Memory) GetEventCallbacks(ctx context.Context, appID string) ([]EventCallback, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []EventCallback
	for _, cb := range m.callbacks[appID] {
		result = append(result, cb)
	}
	return result, nil
}

// CreateApplication registers a new application. Missing id or access
// token are generated.
func (m *Memory) CreateApplication(ctx context.Context, app *Application) (*Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := cloneApplication(app)
	if clone.ID == "" {
		clone.ID = uuid.New().String()
	}
	if clone.AccessToken == "" {
		clone.AccessToken = uuid.New().String()
	}
	m.apps[clone.ID] = clone
	m.tokens[clone.AccessToken] = clone.ID
	return cloneApplication(clone), nil
}

// DeleteApplication removes the application and everything it owns.
func (m *Memory) DeleteApplication(ctx context.Context, appID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[appID]
	if !ok {
		return ErrNotFound
	}
	delete(m.tokens, app.AccessToken)
	delete(m.apps, appID)
	for _, user := range m.users[appID] {
		delete(m.userTokens, user.AccessToken)
	}
	delete(m.users, appID)
	delete(m.staticRoutes, appID)
	delete(m.callbacks, appID)
	delete(m.instances, appID)
	return nil
}

// RenewAccessToken replaces the application's access token. The old token
// is invalid as soon as this returns.
func (m *Memory) RenewAccessToken(ctx context.Context, appID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[appID]
	if !ok {
		return "", ErrNotFound
	}
	delete(m.tokens, app.AccessToken)
	app.AccessToken = uuid.New().String()
	m.tokens[app.AccessToken] = appID
	return app.AccessToken, nil
}

// PutObjectType adds or replaces an object type on the application.
func (m *Memory) PutObjectType(ctx context.Context, appID string, t ObjectType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[appID]
	if !ok {
		return ErrNotFound
	}
	for i := range app.ObjectTypes {
		if app.ObjectTypes[i].Name == t.Name {
			app.ObjectTypes[i] = t
			return nil
		}
	}
	app.ObjectTypes = append(app.ObjectTypes, t)
	return nil
}

// DeleteObjectType removes the named object type.
func (m *Memory) DeleteObjectType(ctx context.Context, appID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[appID]
	if !ok {
		return ErrNotFound
	}
	for i := range app.ObjectTypes {
		if app.ObjectTypes[i].Name == name {
			app.ObjectTypes = append(app.ObjectTypes[:i], app.ObjectTypes[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// PutStaticRoute adds or replaces a static route.
func (m *Memory) PutStaticRoute(ctx context.Context, appID string, route StaticRoute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[appID]; !ok {
		return ErrNotFound
	}
	if m.staticRoutes[appID] == nil {
		m.staticRoutes[appID] = make(map[string]StaticRoute)
	}
	m.staticRoutes[appID][route.URL] = route
	return nil
}

// DeleteStaticRoute removes the static route for the literal URL.
func (m *Memory) DeleteStaticRoute(ctx context.Context, appID, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.staticRoutes[appID][url]; !ok {
		return ErrNotFound
	}
	delete(m.staticRoutes[appID], url)
	return nil
}

// PutUser adds or replaces a user. A missing access token is generated.
func (m *Memory) PutUser(ctx context.Context, appID string, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[appID]; !ok {
		return ErrNotFound
	}
	if u.AccessToken == "" {
		u.AccessToken = uuid.New().String()
	}
	if m.users[appID] == nil {
		m.users[appID] = make(map[string]*User)
	}
	if prev, ok := m.users[appID][u.UserName]; ok {
		delete(m.userTokens, prev.AccessToken)
	}
	m.users[appID][u.UserName] = &u
	m.userTokens[u.AccessToken] = userKey{appID: appID, name: u.UserName}
	return nil
}

// PutEventCallback adds or replaces an event callback.
func (m *Memory) PutEventCallback(ctx context.Context, appID string, cb EventCallback) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.apps[appID]; !ok {
		return ErrNotFound
	}
	if m.callbacks[appID] == nil {
		m.callbacks[appID] = make(map[string]EventCallback)
	}
	m.callbacks[appID][cb.EventName] = cb
	return nil
}

// DeleteEventCallback removes the callback for the event name.
func (m *Memory) DeleteEventCallback(ctx context.Context, appID, eventName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.callbacks[appID][eventName]; !ok {
		return ErrNotFound
	}
	delete(m.callbacks[appID], eventName)
	return nil
}
