package middleware

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/signalix/chat/internal/auth"
	"github.com/signalix/chat/internal/model"
)

type contextKey string

const userKey contextKey = "user"

// Verifier resolves a bearer token to a user; auth.Verifier implements it
type Verifier interface {
	Verify(ctx context.Context, credential string) (model.User, error)
}

// AuthMiddleware validates the bearer token and attaches the user to the context
func AuthMiddleware(verifier Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				respondWithError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			token, ok := auth.BearerToken(authHeader)
			if !ok {
				respondWithError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			user, err := verifier.Verify(r.Context(), token)
			if err != nil {
				respondWithError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, &user)))
		})
	}
}

// GetUser returns the user attached to the request context (set by AuthMiddleware)
func GetUser(ctx context.Context) (*model.User, bool) {
	u, ok := ctx.Value(userKey).(*model.User)
	return u, ok && u != nil
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}
