package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"proctor/internal/auth"
)

type contextKey struct{}

// TokenValidator is the part of auth.Authenticator the middleware needs
type TokenValidator interface {
	IsEnabled() bool
	ValidateToken(token string) (*auth.Claims, error)
}

// AuthMiddleware creates an HTTP middleware for JWT authentication
func AuthMiddleware(validator TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip auth if disabled
			if !validator.IsEnabled() {
				next.ServeHTTP(w, r)
				return
			}

			tokenString, ok := bearerToken(r)
			if !ok {
				unauthorized(w, "missing or malformed authorization")
				return
			}

			claims, err := validator.ValidateToken(tokenString)
			if err != nil {
				switch {
				case errors.Is(err, auth.ErrExpiredToken):
					unauthorized(w, "token has expired")
				case errors.Is(err, auth.ErrForeignSession):
					unauthorized(w, "token was issued for another session")
				default:
					unauthorized(w, "invalid token")
				}
				return
			}

			ctx := context.WithValue(r.Context(), contextKey{}, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// bearerToken reads the Authorization header, falling back to the token
// query parameter which browsers must use for WebSocket upgrades.
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		if t := r.URL.Query().Get("token"); t != "" {
			return t, true
		}
		return "", false
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error": "` + msg + `"}`))
}

// OperatorFromContext returns the claims AuthMiddleware stored, or nil
// when the request was not authenticated.
func OperatorFromContext(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(contextKey{}).(*auth.Claims)
	return claims
}
