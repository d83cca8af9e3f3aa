package backend_test

import (
	"context"
	"sync"

	"github.com/gorilla/mux"

	"github.com/appwharf/appwharf/core"
	"github.com/appwharf/appwharf/core/access"
	"github.com/appwharf/appwharf/core/backend"
	"github.com/appwharf/appwharf/core/client"
	"github.com/appwharf/appwharf/core/fn"
	"github.com/appwharf/appwharf/core/schema"
	"github.com/appwharf/appwharf/core/storage"
)

// testNotifier records the events the dispatcher raises.
type testNotifier struct {
	mu     sync.Mutex
	events []core.Event
}

func (n *testNotifier) SendEvent(ctx context.Context, appID, eventName string, eventData interface{}, clientID string) (int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, core.Event{Name: eventName, Type: "event", Data: eventData})
	return 1, nil
}

func (n *testNotifier) Notify(appID string, event core.Event, clientID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return 1
}

func (n *testNotifier) Clients(appID string) []string {
	return []string{"client-1", "client-2"}
}

func (n *testNotifier) names() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var names []string
	for _, e := range n.events {
		names = append(names, e.Name)
	}
	return names
}

func (n *testNotifier) last() core.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return core.Event{}
	}
	return n.events[len(n.events)-1]
}

var movieSchema = `{
	"$id": "movie",
	"type": "object",
	"properties": {
		"title": { "type": "string" }
	},
	"required": ["title"]
}`

// TestService wires a backend on the in-memory adapter.
type TestService struct {
	Store    *storage.Memory
	Router   *mux.Router
	Notifier *testNotifier
	App      *storage.Application
	Fns      *fn.Registry

	client       client.Client
	clientNoAuth client.Client
}

// createTestService creates a backend with one application configured with
// a generic type, a type with a custom identifying attribute, a proxied
// type with a schema and a static route.
func createTestService() *TestService {
	ctx := context.Background()
	s := &TestService{
		Store:    storage.NewMemory(),
		Router:   mux.NewRouter(),
		Notifier: &testNotifier{},
		Fns:      fn.NewRegistry(),
	}

	app, err := s.Store.CreateApplication(ctx, &storage.Application{
		Name: "library",
		ObjectTypes: []storage.ObjectType{
			{Name: "book"},
			{Name: "reader", IDField: "email"},
			{Name: "movie", ProxyFun: "hide_secret", SchemaID: "movie"},
			{Name: "tag", IDFun: "slug_from_query"},
			{Name: "broken", ProxyFun: "panics"},
		},
	})
	if err != nil {
		panic(err)
	}
	s.App = app

	err = s.Store.PutStaticRoute(ctx, app.ID, storage.StaticRoute{
		URL:      "/books/first",
		Resource: "book",
		IDFun:    "first_book",
	})
	if err != nil {
		panic(err)
	}
	err = s.Store.PutStaticRoute(ctx, app.ID, storage.StaticRoute{
		URL:      "/books/unresolvable",
		Resource: "book",
		IDFun:    "no_such_handler",
	})
	if err != nil {
		panic(err)
	}

	s.Fns.RegisterIdentifier("first_book", func(r *fn.Request) (*storage.InstanceID, error) {
		return &storage.InstanceID{Value: "book-1"}, nil
	})
	s.Fns.RegisterIdentifier("slug_from_query", func(r *fn.Request) (*storage.InstanceID, error) {
		slug := r.Query.Get("slug")
		if slug == "" {
			return nil, nil
		}
		return &storage.InstanceID{Field: "slug", Value: slug}, nil
	})
	s.Fns.RegisterProxy("hide_secret", func(instance storage.Instance) storage.Instance {
		result := storage.Instance{}
		for k, v := range instance {
			if k != "secret" {
				result[k] = v
			}
		}
		return result
	})
	s.Fns.RegisterProxy("panics", func(instance storage.Instance) storage.Instance {
		panic("broken proxy")
	})

	validator, err := schema.NewValidator([]string{movieSchema}, nil)
	if err != nil {
		panic(err)
	}

	backend.New(&backend.Builder{
		Storage:    s.Store,
		Functions:  s.Fns,
		Router:     s.Router,
		Notifier:   s.Notifier,
		TokenCache: access.NewTokenCache(),
		Schemas:    validator,
	})

	s.client = client.NewWithRouter(s.Router).WithApplicationToken(app.AccessToken)
	s.clientNoAuth = client.NewWithRouter(s.Router)
	return s
}
