package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/openretail/storesync/internal/utils"
)

type contextKey string

const ClaimsContextKey contextKey = "claims"

// AuthMiddleware verifies JWT bearer tokens
func AuthMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := claimsFromRequest(r, jwtSecret)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminOnly rejects tokens that are not admin tokens. Must run inside
// AuthMiddleware.
func AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := ClaimsFromContext(r.Context())
		if claims == nil || claims["type"] != "admin" {
			http.Error(w, "Admin token required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClaimsFromContext returns the verified claims stored by AuthMiddleware
func ClaimsFromContext(ctx context.Context) jwt.MapClaims {
	claims, _ := ctx.Value(ClaimsContextKey).(jwt.MapClaims)
	return claims
}

// StoreIDFromContext returns the store_id claim of a store token
func StoreIDFromContext(ctx context.Context) string {
	claims := ClaimsFromContext(ctx)
	if claims == nil {
		return ""
	}
	storeID, _ := claims["store_id"].(string)
	return storeID
}

func claimsFromRequest(r *http.Request, jwtSecret string) (jwt.MapClaims, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return nil, errAuthRequired
	}

	// Bearer token
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return nil, errBadAuthHeader
	}

	claims, err := utils.ValidateToken(parts[1], jwtSecret)
	if err != nil {
		return nil, errBadToken
	}
	return claims, nil
}

type authError string

func (e authError) Error() string { return string(e) }

const (
	errAuthRequired  authError = "Authorization header required"
	errBadAuthHeader authError = "Invalid authorization header format"
	errBadToken      authError = "Invalid or expired token"
)
