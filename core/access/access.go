/*Package access resolves tenants and users from request credentials.

An application access token travels either in the "access_token" query
parameter or in the "Access-Token" header. A user token travels in the
"user_token" query parameter or the "User-Access-Token" header. Both the
HTTP middleware and the real-time handshake resolve credentials through the
same functions, so a socket connects exactly like a request authenticates.
*/
package access

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gorilla/mux"

	"github.com/appwharf/appwharf/core/logger"
	"github.com/appwharf/appwharf/core/storage"
)

type contextKey string

const (
	contextKeyApplication contextKey = "_application_"
	contextKeyGroups      contextKey = "_groups_"
)

// ErrNoToken is returned when a request carries no access token at all.
var ErrNoToken = errors.New("no access token")

// AppToken extracts the application access token from a request.
func AppToken(r *http.Request) string {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		token = r.Header.Get("Access-Token")
	}
	return token
}

// UserToken extracts the user access token from a request.
func UserToken(r *http.Request) string {
	token := r.URL.Query().Get("user_token")
	if token == "" {
		token = r.Header.Get("User-Access-Token")
	}
	return token
}

// ResolveApplication resolves the request's access token to an application,
// consulting the cache first. It returns ErrNoToken when the request
// carries no token and storage.ErrNotFound when the token is unknown.
func ResolveApplication(ctx context.Context, s storage.Storage, cache *TokenCache, r *http.Request) (*storage.Application, error) {
	token := AppToken(r)
	if token == "" {
		return nil, ErrNoToken
	}
	if cache != nil {
		if app := cache.Read(token); app != nil {
			return app, nil
		}
	}
	app, err := s.GetAppByAccessToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		cache.Write(token, app)
	}
	return app, nil
}

// NewAppTokenMiddleware returns a middleware that resolves the tenant for
// every request. Requests without a resolvable tenant are rejected with
// 400; storage failures yield 500.
func NewAppTokenMiddleware(s storage.Storage, cache *TokenCache) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			app, err := ResolveApplication(ctx, s, cache, r)
			if errors.Is(err, ErrNoToken) || errors.Is(err, storage.ErrNotFound) {
				http.Error(w, "unknown application", http.StatusBadRequest)
				return
			}
			if err != nil {
				logger.FromContext(ctx).WithError(err).Error("cannot resolve application")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			ctx, _ = logger.ContextWithLoggerIdentity(ctx, app.ID)
			ctx = ContextWithApplication(ctx, app)
			h.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewUserTokenMiddleware returns a middleware that annotates requests with
// the user's group memberships. Requests without a user token pass with
// empty groups; an unknown token is rejected.
func NewUserTokenMiddleware(s storage.Storage) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			token := UserToken(r)
			if token == "" {
				h.ServeHTTP(w, r.WithContext(ContextWithGroups(ctx, nil)))
				return
			}
			user, err := s.GetUserByAccessToken(ctx, token)
			if errors.Is(err, storage.ErrNotFound) {
				http.Error(w, "unknown user token", http.StatusUnauthorized)
				return
			}
			if err != nil {
				logger.FromContext(ctx).WithError(err).Error("cannot resolve user")
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			h.ServeHTTP(w, r.WithContext(ContextWithGroups(ctx, user.Groups)))
		})
	}
}

// ContextWithApplication returns a new context with the application added
// to it.
func ContextWithApplication(ctx context.Context, app *storage.Application) context.Context {
	return context.WithValue(ctx, contextKeyApplication, app)
}

// ApplicationFromContext retrieves the resolved application from the
// context, or nil.
func ApplicationFromContext(ctx context.Context) *storage.Application {
	app, ok := ctx.Value(contextKeyApplication).(*storage.Application)
	if ok {
		return app
	}
	return nil
}

// ContextWithGroups returns a new context with the user's groups added to
// it.
func ContextWithGroups(ctx context.Context, groups []string) context.Context {
	return context.WithValue(ctx, contextKeyGroups, groups)
}

// GroupsFromContext retrieves the user's group memberships from the
// context. Requests without a user token carry empty groups.
func GroupsFromContext(ctx context.Context) []string {
	groups, ok := ctx.Value(contextKeyGroups).([]string)
	if ok {
		return groups
	}
	return nil
}

// TokenCache is an in-memory cache from access token to application. Its
// purpose is to avoid a storage lookup on every single request. Token
// renewal must invalidate the old token.
type TokenCache struct {
	mutex sync.RWMutex
	cache map[string]*storage.Application
}

// NewTokenCache creates a new token cache
func NewTokenCache() *TokenCache {
	return &TokenCache{cache: make(map[string]*storage.Application)}
}

// Read returns a cached application, or nil. This function is go-routine
// safe.
func (c *TokenCache) Read(token string) *storage.Application {
	c.mutex.RLock()
	app, ok := c.cache[token]
	c.mutex.RUnlock()
	if ok {
		return app
	}
	return nil
}

// Write stores an application under its token. This function is go-routine
// safe.
func (c *TokenCache) Write(token string, app *storage.Application) {
	c.mutex.Lock()
	c.cache[token] = app
	c.mutex.Unlock()
}

// Invalidate drops a token from the cache. Used on token renewal and on
// application configuration changes.
func (c *TokenCache) Invalidate(token string) {
	c.mutex.Lock()
	delete(c.cache, token)
	c.mutex.Unlock()
}
