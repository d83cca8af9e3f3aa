package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T, m *Memory) *Application {
	t.Helper()
	app, err := m.CreateApplication(context.Background(), &Application{
		Name: "library",
		ObjectTypes: []ObjectType{
			{Name: "book"},
			{Name: "reader", IDField: "email"},
			{Name: "shelf", RoutePattern: "/shelves/{id}/"},
		},
	})
	require.NoError(t, err)
	return app
}

func TestCreateApplicationGeneratesCredentials(t *testing.T) {
	m := NewMemory()
	app := newTestApp(t, m)

	assert.NotEmpty(t, app.ID)
	assert.NotEmpty(t, app.AccessToken)

	byToken, err := m.GetAppByAccessToken(context.Background(), app.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, app.ID, byToken.ID)

	_, err = m.GetAppByAccessToken(context.Background(), "bogus")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetObjectTypeByRoute(t *testing.T) {
	m := NewMemory()
	app := newTestApp(t, m)
	ctx := context.Background()

	// derived pattern
	objectType, err := m.GetObjectTypeByRoute(ctx, app.ID, "/book/{id}/")
	require.NoError(t, err)
	assert.Equal(t, "book", objectType.Name)

	// explicit pattern wins over the derived one
	objectType, err = m.GetObjectTypeByRoute(ctx, app.ID, "/shelves/{id}/")
	require.NoError(t, err)
	assert.Equal(t, "shelf", objectType.Name)

	_, err = m.GetObjectTypeByRoute(ctx, app.ID, "/shelf/{id}/")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.GetObjectTypeByRoute(ctx, app.ID, "/nothing/{id}/")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInstanceLifecycle(t *testing.T) {
	m := NewMemory()
	app := newTestApp(t, m)
	ctx := context.Background()

	saved, err := m.AddObjectInstance(ctx, app.ID, "book", Instance{"title": "Emma"})
	require.NoError(t, err)
	id, ok := saved["id"].(string)
	require.True(t, ok, "a storage-assigned id is generated")

	list, err := m.GetObjectInstances(ctx, app.ID, "book", nil)
	require.NoError(t, err)
	require.Len(t, list, 1)

	matched, err := m.GetObjectInstances(ctx, app.ID, "book", &InstanceID{Value: id})
	require.NoError(t, err)
	require.Len(t, matched, 1)
	assert.Equal(t, "Emma", matched[0]["title"])

	// save replaces the instance with the same identity
	_, err = m.SaveObjectInstance(ctx, app.ID, "book", &InstanceID{Value: id}, Instance{"id": id, "title": "Persuasion"})
	require.NoError(t, err)
	list, err = m.GetObjectInstances(ctx, app.ID, "book", nil)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Persuasion", list[0]["title"])

	// delete is idempotent
	require.NoError(t, m.DeleteObjectInstance(ctx, app.ID, "book", &InstanceID{Value: id}))
	require.NoError(t, m.DeleteObjectInstance(ctx, app.ID, "book", &InstanceID{Value: id}))
	list, err = m.GetObjectInstances(ctx, app.ID, "book", nil)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCustomIdentifyingAttribute(t *testing.T) {
	m := NewMemory()
	app := newTestApp(t, m)
	ctx := context.Background()

	id := &InstanceID{Field: "email", Value: "alice@example.com"}
	saved, err := m.SaveObjectInstance(ctx, app.ID, "reader", id, Instance{"name": "Alice"})
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", saved["email"], "the identifying attribute is stamped onto the instance")

	matched, err := m.GetObjectInstances(ctx, app.ID, "reader", id)
	require.NoError(t, err)
	require.Len(t, matched, 1)

	// numbers and strings identify the same instance
	_, err = m.SaveObjectInstance(ctx, app.ID, "book", &InstanceID{Value: "7"}, Instance{"id": 7, "title": "Seven"})
	require.NoError(t, err)
	matched, err = m.GetObjectInstances(ctx, app.ID, "book", &InstanceID{Value: "7"})
	require.NoError(t, err)
	assert.Len(t, matched, 1)
}

func TestSavedInstancesAreDecoupled(t *testing.T) {
	m := NewMemory()
	app := newTestApp(t, m)
	ctx := context.Background()

	original := Instance{"title": "Emma"}
	saved, err := m.AddObjectInstance(ctx, app.ID, "book", original)
	require.NoError(t, err)

	original["title"] = "changed afterwards"
	saved["title"] = "also changed"

	list, err := m.GetObjectInstances(ctx, app.ID, "book", nil)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Emma", list[0]["title"])
}

func TestStaticRoutes(t *testing.T) {
	m := NewMemory()
	app := newTestApp(t, m)
	ctx := context.Background()

	routes, err := m.GetStaticRoutes(ctx, app.ID, "/books/first")
	require.NoError(t, err)
	assert.Empty(t, routes, "no match is not an error")

	require.NoError(t, m.PutStaticRoute(ctx, app.ID, StaticRoute{
		URL: "/books/first", Resource: "book", IDFun: "first_book",
	}))
	routes, err = m.GetStaticRoutes(ctx, app.ID, "/books/first")
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "book", routes[0].Resource)

	require.NoError(t, m.DeleteStaticRoute(ctx, app.ID, "/books/first"))
	assert.ErrorIs(t, m.DeleteStaticRoute(ctx, app.ID, "/books/first"), ErrNotFound)
}

func TestRenewAccessToken(t *testing.T) {
	m := NewMemory()
	app := newTestApp(t, m)
	ctx := context.Background()

	token, err := m.RenewAccessToken(ctx, app.ID)
	require.NoError(t, err)
	require.NotEqual(t, app.AccessToken, token)

	_, err = m.GetAppByAccessToken(ctx, app.AccessToken)
	assert.ErrorIs(t, err, ErrNotFound, "the previous token is invalid immediately")

	byToken, err := m.GetAppByAccessToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, app.ID, byToken.ID)

	_, err = m.RenewAccessToken(ctx, "no-such-app")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUsers(t *testing.T) {
	m := NewMemory()
	app := newTestApp(t, m)
	ctx := context.Background()

	require.NoError(t, m.PutUser(ctx, app.ID, User{
		UserName: "bob", AccessToken: "bob-token", Groups: []string{"staff"},
	}))

	user, err := m.GetUserByAccessToken(ctx, "bob-token")
	require.NoError(t, err)
	assert.Equal(t, "bob", user.UserName)
	assert.Equal(t, []string{"staff"}, user.Groups)

	user, err = m.GetUserByName(ctx, app.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob-token", user.AccessToken)

	// replacing the user drops the previous token
	require.NoError(t, m.PutUser(ctx, app.ID, User{UserName: "bob", AccessToken: "new-token"}))
	_, err = m.GetUserByAccessToken(ctx, "bob-token")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteApplicationRemovesEverything(t *testing.T) {
	m := NewMemory()
	app := newTestApp(t, m)
	ctx := context.Background()

	require.NoError(t, m.PutUser(ctx, app.ID, User{UserName: "bob", AccessToken: "bob-token"}))
	_, err := m.AddObjectInstance(ctx, app.ID, "book", Instance{"title": "Emma"})
	require.NoError(t, err)

	require.NoError(t, m.DeleteApplication(ctx, app.ID))

	_, err = m.GetApplication(ctx, app.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetAppByAccessToken(ctx, app.AccessToken)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = m.GetUserByAccessToken(ctx, "bob-token")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, m.DeleteApplication(ctx, app.ID), ErrNotFound)
}

func TestObjectTypesUpsert(t *testing.T) {
	m := NewMemory()
	app := newTestApp(t, m)
	ctx := context.Background()

	require.NoError(t, m.PutObjectType(ctx, app.ID, ObjectType{Name: "book", SchemaID: "book"}))
	objectType, err := m.GetObjectType(ctx, app.ID, "book")
	require.NoError(t, err)
	assert.Equal(t, "book", objectType.SchemaID, "put replaces the existing type")

	require.NoError(t, m.PutObjectType(ctx, app.ID, ObjectType{Name: "magazine"}))
	_, err = m.GetObjectType(ctx, app.ID, "magazine")
	require.NoError(t, err)

	require.NoError(t, m.DeleteObjectType(ctx, app.ID, "magazine"))
	_, err = m.GetObjectType(ctx, app.ID, "magazine")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.DeleteObjectType(ctx, app.ID, "magazine"), ErrNotFound)
}
