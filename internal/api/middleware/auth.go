package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/duet/internal/auth"
	"github.com/eldtechnologies/duet/internal/models"
)

// Authenticator resolves a bearer credential to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (*models.User, error)
}

// AuthMiddleware verifies bearer tokens for authenticated endpoints.
type AuthMiddleware struct {
	authn  Authenticator
	logger zerolog.Logger
}

// NewAuthMiddleware creates a new auth middleware.
func NewAuthMiddleware(authn Authenticator, logger zerolog.Logger) *AuthMiddleware {
	return &AuthMiddleware{authn: authn, logger: logger}
}

// RequireAuth rejects requests without a valid bearer token and stores the
// caller in the request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		credential := auth.CredentialFromRequest(r)
		if credential == "" {
			jsonError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		user, err := m.authn.Authenticate(r.Context(), credential)
		if err != nil {
			if !errors.Is(err, auth.ErrUnauthenticated) {
				m.logger.Error().Err(err).Msg("authentication lookup failed")
				jsonError(w, http.StatusInternalServerError, "internal error")
				return
			}
			jsonError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		setLoggedUser(r.Context(), user.ID)
		next.ServeHTTP(w, r.WithContext(auth.WithUser(r.Context(), user)))
	})
}

func jsonError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// GetUserFromContext retrieves the authenticated user from the request context.
func GetUserFromContext(ctx context.Context) *models.User {
	user, ok := auth.UserFromContext(ctx)
	if !ok {
		return nil
	}
	return user
}
