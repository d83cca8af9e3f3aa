package backend_test

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/appwharf/appwharf/core"
	"github.com/appwharf/appwharf/core/access"
	"github.com/appwharf/appwharf/core/backend"
	"github.com/appwharf/appwharf/core/client"
	"github.com/appwharf/appwharf/core/fn"
	"github.com/appwharf/appwharf/core/storage"
)

func TestDescription(t *testing.T) {
	s := createTestService()

	var description map[string]interface{}
	status, err := s.client.RawGet("/api/1/", &description)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	assert.Equal(t, s.App.ID, description["app_id"])
	assert.Equal(t, "library", description["app_name"])

	resources, ok := description["resources"].([]interface{})
	require.True(t, ok)
	assert.Len(t, resources, len(s.App.ObjectTypes))

	createBook, ok := description["create_book"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "create", createBook["rel"])
	assert.Equal(t, "/api/book", createBook["url"])
}

func TestDescriptionWithoutToken(t *testing.T) {
	s := createTestService()

	status, _ := s.clientNoAuth.RawGet("/api/1/", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.clientNoAuth.WithApplicationToken("bogus").RawGet("/api/1/", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCreateReadUpdateDelete(t *testing.T) {
	s := createTestService()

	var created map[string]interface{}
	status, err := s.client.RawPost("/api/1/book", map[string]string{"title": "Emma"}, &created)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	id, ok := created["id"].(string)
	require.True(t, ok, "created instance carries a storage-assigned id")
	assert.Equal(t, "Emma", created["title"])
	assert.Equal(t, []string{core.EventResourceCreated}, s.Notifier.names())

	var list []map[string]interface{}
	_, err = s.client.RawGet("/api/1/book", &list)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Emma", list[0]["title"])

	var read map[string]interface{}
	_, err = s.client.RawGet("/api/1/book/"+id, &read)
	require.NoError(t, err)
	assert.Equal(t, created, read)

	var updated map[string]interface{}
	status, err = s.client.RawPut("/api/1/book/"+id, map[string]string{"title": "Persuasion"}, &updated)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Persuasion", updated["title"])
	assert.Equal(t, id, updated["id"])
	assert.Equal(t, core.EventResourceUpdated, s.Notifier.last().Name)

	_, err = s.client.RawGet("/api/1/book/"+id, &read)
	require.NoError(t, err)
	assert.Equal(t, "Persuasion", read["title"])

	status, err = s.client.RawDelete("/api/1/book/" + id)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, core.EventResourceDeleted, s.Notifier.last().Name)

	status, _ = s.client.RawGet("/api/1/book/"+id, nil)
	assert.Equal(t, http.StatusNotFound, status)

	// deletion is idempotent
	status, err = s.client.RawDelete("/api/1/book/" + id)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
}

func TestReadUnknownType(t *testing.T) {
	s := createTestService()

	status, _ := s.client.RawGet("/api/1/spaceship/42", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestReadUnknownInstance(t *testing.T) {
	s := createTestService()

	status, _ := s.client.RawGet("/api/1/book/no-such-book", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestEmptyCollection(t *testing.T) {
	s := createTestService()

	var list []map[string]interface{}
	status, err := s.client.RawGet("/api/1/book", &list)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Empty(t, list)
}

func TestCustomIDField(t *testing.T) {
	s := createTestService()

	body := map[string]string{"email": "alice@example.com", "name": "Alice"}
	var created map[string]interface{}
	_, err := s.client.RawPut("/api/1/reader/alice@example.com", body, &created)
	require.NoError(t, err)

	var read map[string]interface{}
	_, err = s.client.RawGet("/api/1/reader/alice@example.com", &read)
	require.NoError(t, err)
	assert.Equal(t, "Alice", read["name"])
	assert.Equal(t, "alice@example.com", read["email"])

	// the identifying attribute round-trips byte for byte
	_, err = s.client.RawPut("/api/1/reader/alice@example.com", map[string]string{"email": "alice@example.com", "name": "Alider"}, nil)
	require.NoError(t, err)
	var list []map[string]interface{}
	_, err = s.client.RawGet("/api/1/reader", &list)
	require.NoError(t, err)
	assert.Len(t, list, 1, "update by custom id replaces, not duplicates")
}

func TestStaticRoutePrecedence(t *testing.T) {
	s := createTestService()

	_, err := s.client.RawPut("/api/1/book/book-1", map[string]string{"title": "The first book"}, nil)
	require.NoError(t, err)
	_, err = s.client.RawPut("/api/1/book/book-2", map[string]string{"title": "The second book"}, nil)
	require.NoError(t, err)

	// "/books/first" is a static route bound to an identifier handler that
	// always yields book-1
	var read map[string]interface{}
	status, err := s.client.RawGet("/api/1/books/first", &read)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "The first book", read["title"])
}

func TestBrokenStaticRoute(t *testing.T) {
	s := createTestService()

	// the static route names an identifier handler that is not registered;
	// this surfaces, it does not fall back to pattern routing
	status, _ := s.client.RawGet("/api/1/books/unresolvable", nil)
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestProxyHidesFields(t *testing.T) {
	s := createTestService()

	body := map[string]string{"title": "Heat", "secret": "do not leak"}
	var created map[string]interface{}
	_, err := s.client.RawPost("/api/1/movie", body, &created)
	require.NoError(t, err)
	assert.NotContains(t, created, "secret")
	assert.Equal(t, "Heat", created["title"])

	var list []map[string]interface{}
	_, err = s.client.RawGet("/api/1/movie", &list)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.NotContains(t, list[0], "secret")

	// the stored instance still has the field, only responses are shaped
	event := s.Notifier.events[0]
	data, ok := event.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, data, "secret")
}

func TestFailingProxyDegrades(t *testing.T) {
	s := createTestService()

	var created map[string]interface{}
	status, err := s.client.RawPost("/api/1/broken", map[string]string{"title": "still here"}, &created)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "still here", created["title"], "panicking proxy degrades to the untransformed instance")
}

func TestSchemaValidation(t *testing.T) {
	s := createTestService()

	status, _ := s.client.RawPost("/api/1/movie", map[string]int{"year": 1995}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, err := s.client.RawPost("/api/1/movie", map[string]string{"title": "Ran"}, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
}

func TestCreateWithIDPatch(t *testing.T) {
	s := createTestService()

	// the tag type computes its identity from the slug query parameter and
	// patches it into the instance before persisting
	var created map[string]interface{}
	_, err := s.client.RawPost("/api/1/tag?slug=go", map[string]string{"label": "Go"}, &created)
	require.NoError(t, err)
	assert.Equal(t, "go", created["slug"])

	// without a slug the create proceeds unpatched
	_, err = s.client.RawPost("/api/1/tag", map[string]string{"label": "unfiled"}, &created)
	require.NoError(t, err)
	assert.NotContains(t, created, "slug")
}

func TestInvalidBody(t *testing.T) {
	s := createTestService()

	status, _ := s.client.RawPost("/api/1/book", []byte("{not json"), nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestSocketEventEndpoint(t *testing.T) {
	s := createTestService()

	var response map[string]int
	status, err := s.client.RawPost("/api/1/socket/event",
		map[string]interface{}{"name": "ping", "data": "hello"}, &response)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 1, response["notified_clients"])

	event := s.Notifier.last()
	assert.Equal(t, "ping", event.Name)
	assert.Equal(t, "hello", event.Data)
}

func TestSocketClientsEndpoint(t *testing.T) {
	s := createTestService()

	var response map[string][]string
	status, err := s.client.RawGet("/api/1/socket/clients", &response)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, []string{"client-1", "client-2"}, response["clients"])
}

func TestConcurrentWritesToOneInstance(t *testing.T) {
	s := createTestService()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := map[string]interface{}{"title": "Emma", "revision": i}
			_, err := s.client.RawPut("/api/1/book/the-one", body, nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	var list []map[string]interface{}
	_, err := s.client.RawGet("/api/1/book", &list)
	require.NoError(t, err)
	assert.Len(t, list, 1, "concurrent writes to one identifier never duplicate the instance")
}

func TestUserTokenGroups(t *testing.T) {
	s := createTestService()

	status, _ := s.client.WithUserToken("unknown-token").RawGet("/api/1/book", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestCompressedResponse(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	app, err := store.CreateApplication(ctx, &storage.Application{
		Name:        "library",
		ObjectTypes: []storage.ObjectType{{Name: "book"}},
	})
	require.NoError(t, err)

	router := mux.NewRouter()
	backend.New(&backend.Builder{
		Storage:           store,
		Functions:         fn.NewRegistry(),
		Router:            router,
		TokenCache:        access.NewTokenCache(),
		EnableCompression: true,
	})

	cl := client.NewWithRouter(router).WithApplicationToken(app.AccessToken)
	_, err = cl.RawPost("/api/1/book", map[string]string{"title": "Moby Dick"}, nil)
	require.NoError(t, err)

	var raw []byte
	status, err := cl.WithHeader("Accept-Encoding", "gzip").RawGet("/api/1/book", &raw)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)

	require.True(t, len(raw) > 2 && raw[0] == 0x1f && raw[1] == 0x8b, "response is gzipped")
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)

	var books []map[string]interface{}
	require.NoError(t, json.Unmarshal(body, &books))
	require.Len(t, books, 1)
	assert.Equal(t, "Moby Dick", books[0]["title"])

	// without Accept-Encoding the response stays plain
	var plain []map[string]interface{}
	_, err = cl.RawGet("/api/1/book", &plain)
	require.NoError(t, err)
	require.Len(t, plain, 1)
}

func TestIdentifierSeesOperation(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	app, err := store.CreateApplication(ctx, &storage.Application{
		Name:        "library",
		ObjectTypes: []storage.ObjectType{{Name: "note", IDFun: "record_operation"}},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var seen []core.Operation
	fns := fn.NewRegistry()
	fns.RegisterIdentifier("record_operation", func(r *fn.Request) (*storage.InstanceID, error) {
		mu.Lock()
		seen = append(seen, r.Operation)
		mu.Unlock()
		if !r.Route.HasID {
			return nil, nil
		}
		return &storage.InstanceID{Value: r.Route.ID}, nil
	})

	router := mux.NewRouter()
	backend.New(&backend.Builder{
		Storage:    store,
		Functions:  fns,
		Router:     router,
		TokenCache: access.NewTokenCache(),
	})

	cl := client.NewWithRouter(router).WithApplicationToken(app.AccessToken)
	var created map[string]interface{}
	_, err = cl.RawPost("/api/1/note", map[string]string{"text": "x"}, &created)
	require.NoError(t, err)
	_, err = cl.RawGet("/api/1/note", nil)
	require.NoError(t, err)
	_, err = cl.RawGet("/api/1/note/"+created["id"].(string), nil)
	require.NoError(t, err)
	_, err = cl.RawPut("/api/1/note/"+created["id"].(string), map[string]string{"text": "y"}, nil)
	require.NoError(t, err)
	_, err = cl.RawDelete("/api/1/note/" + created["id"].(string))
	require.NoError(t, err)

	assert.Equal(t, []core.Operation{
		core.OperationCreate,
		core.OperationList,
		core.OperationRead,
		core.OperationUpdate,
		core.OperationDelete,
	}, seen)
}
