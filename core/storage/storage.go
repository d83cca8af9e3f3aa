/*Package storage defines the persistence contract of the appwharf core and
provides the postgres and in-memory adapters.

The core never talks to a database directly; everything goes through the
Storage interface. The Admin interface covers the administrative mutations
exposed by the admin API.
*/
package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when an application, user, object type, route or
// instance does not exist. Callers distinguish it from genuine storage
// failures with errors.Is.
var ErrNotFound = errors.New("not found")

// Instance is an open-ended object instance, a plain JSON object.
type Instance map[string]interface{}

// InstanceID identifies a single object instance. Value is the scalar
// identifier; Field optionally names the identifying attribute. An empty
// Field means the default attribute "id".
type InstanceID struct {
	Field string `json:"id_field,omitempty"`
	Value string `json:"id"`
}

// DefaultIDField is the identifying attribute used when an object type does
// not configure its own.
const DefaultIDField = "id"

// FieldOrDefault returns the identifying attribute name.
func (id InstanceID) FieldOrDefault() string {
	if id.Field == "" {
		return DefaultIDField
	}
	return id.Field
}

func (id InstanceID) String() string {
	return fmt.Sprintf("%s=%s", id.FieldOrDefault(), id.Value)
}

// ObjectType is a tenant-defined resource schema and route binding.
//
// IDFun and ProxyFun name registered handlers, see package fn. SchemaID
// optionally references a JSON schema instances must validate against.
type ObjectType struct {
	Name         string `json:"name"`
	RoutePattern string `json:"route_pattern,omitempty"`
	IDField      string `json:"id_field,omitempty"`
	IDFun        string `json:"id_fun,omitempty"`
	ProxyFun     string `json:"proxy_fun,omitempty"`
	SchemaID     string `json:"schema_id,omitempty"`
}

// EffectiveRoutePattern returns the explicit route pattern of the type, or
// the generic pattern "/name/{id}/" derived from its name.
func (t ObjectType) EffectiveRoutePattern() string {
	if t.RoutePattern != "" {
		return t.RoutePattern
	}
	return "/" + t.Name + "/{id}/"
}

// Application is a tenant. It owns object types, users, static routes and
// event callbacks, and all of its real-time connections.
type Application struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	AccessToken  string       `json:"access_token"`
	RoutesPrefix string       `json:"routes_prefix,omitempty"`
	NotifyFun    string       `json:"notify_fun,omitempty"`
	ObjectTypes  []ObjectType `json:"objtypes"`
}

// User belongs to one application. Groups annotate requests for external
// authorization; enforcement is not part of this core.
type User struct {
	UserName    string   `json:"user_name"`
	Password    string   `json:"password,omitempty"`
	AccessToken string   `json:"access_token,omitempty"`
	Groups      []string `json:"groups,omitempty"`
	Resource    string   `json:"resource,omitempty"`
	ResourceID  string   `json:"resource_id,omitempty"`
}

// StaticRoute maps a literal URL to a resource name with a custom
// identifier handler. Static routes take precedence over generic route
// patterns.
type StaticRoute struct {
	URL      string `json:"url"`
	Resource string `json:"resource"`
	IDFun    string `json:"id_fun"`
}

// EventCallback maps an event name to a registered callback handler.
type EventCallback struct {
	EventName string `json:"event_name"`
	Handler   string `json:"handler"`
	IsEnabled bool   `json:"is_enabled"`
}

// Storage is the persistence contract consumed by the dispatcher and the
// real-time engine.
//
// GetObjectInstances, SaveObjectInstance and DeleteObjectInstance accept a
// nil id for collection-level operations. All lookups return ErrNotFound
// when the addressed entity does not exist; any other error is a storage
// failure.
type Storage interface {
	GetApplication(ctx context.Context, appID string) (*Application, error)
	GetAppByAccessToken(ctx context.Context, token string) (*Application, error)
	GetUserByAccessToken(ctx context.Context, token string) (*User, error)
	GetUserByName(ctx context.Context, appID, name string) (*User, error)
	GetStaticRoutes(ctx context.Context, appID, url string) ([]StaticRoute, error)
	GetObjectTypeByRoute(ctx context.Context, appID, routePattern string) (*ObjectType, error)
	GetObjectType(ctx context.Context, appID, name string) (*ObjectType, error)
	GetObjectInstances(ctx context.Context, appID, typeName string, id *InstanceID) ([]Instance, error)
	SaveObjectInstance(ctx context.Context, appID, typeName string, id *InstanceID, instance Instance) (Instance, error)
	AddObjectInstance(ctx context.Context, appID, typeName string, instance Instance) (Instance, error)
	DeleteObjectInstance(ctx context.Context, appID, typeName string, id *InstanceID) error
	GetEventCallbacks(ctx context.Context, appID string) ([]EventCallback, error)
}

// Admin is the contract of the administrative API. Both adapters implement
// it alongside Storage.
type Admin interface {
	CreateApplication(ctx context.Context, app *Application) (*Application, error)
	DeleteApplication(ctx context.Context, appID string) error
	// RenewAccessToken replaces the application's access token and returns
	// the new one. The previous token becomes invalid immediately.
	RenewAccessToken(ctx context.Context, appID string) (string, error)
	PutObjectType(ctx context.Context, appID string, t ObjectType) error
	DeleteObjectType(ctx context.Context, appID, name string) error
	PutStaticRoute(ctx context.Context, appID string, route StaticRoute) error
	DeleteStaticRoute(ctx context.Context, appID, url string) error
	PutUser(ctx context.Context, appID string, u User) error
	PutEventCallback(ctx context.Context, appID string, cb EventCallback) error
	DeleteEventCallback(ctx context.Context, appID, eventName string) error
}

// Matches reports whether the instance is identified by id. Values are
// compared in their string form, JSON numbers and strings identify the
// same instance.
func (i Instance) Matches(id *InstanceID) bool {
	if id == nil {
		return true
	}
	v, ok := i[id.FieldOrDefault()]
	if !ok {
		return false
	}
	return fmt.Sprint(v) == id.Value
}
