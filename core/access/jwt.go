package access

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v4"
	"github.com/gorilla/mux"

	"github.com/appwharf/appwharf/core/logger"
)

// NewAdminMiddleware returns a middleware that guards the administrative
// API with a JWT bearer token, signed HS256 with the shared admin key and
// carrying a "role" claim of "admin".
//
// This is a final handler with regards to the bearer token: it returns
// http.StatusUnauthorized when the token is missing or insufficient.
func NewAdminMiddleware(key []byte) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			tokenString := strings.TrimPrefix(auth, "Bearer ")
			token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
				return key, nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil || !token.Valid {
				logger.FromContext(r.Context()).WithError(err).Warn("invalid admin token")
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok || claims["role"] != "admin" {
				http.Error(w, "insufficient authorization", http.StatusUnauthorized)
				return
			}
			h.ServeHTTP(w, r)
		})
	}
}

// NewAdminToken issues an admin bearer token signed with the shared admin
// key. Used by operational tooling and the tests.
func NewAdminToken(key []byte) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"role": "admin"})
	return token.SignedString(key)
}
