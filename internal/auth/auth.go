// Package auth verifies bearer credentials and resolves them to users.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eldtechnologies/duet/internal/models"
)

var (
	// ErrUnauthenticated is returned for a missing, malformed or expired
	// credential, and for credentials naming an unknown user.
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Claims are the JWT claims issued for a user.
type Claims struct {
	UserID string `json:"id"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HS256 tokens.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier creates a verifier. An empty issuer skips the issuer check.
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify returns the user id carried by token.
func (v *JWTVerifier) Verify(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing credential", ErrUnauthenticated)
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	if id == "" {
		return "", fmt.Errorf("%w: token has no user id", ErrUnauthenticated)
	}
	return id, nil
}

// Issue signs a token for userID valid for ttl.
func (v *JWTVerifier) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// TokenVerifier resolves a credential to a user id.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// UserLookup loads users by id.
type UserLookup interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// Authenticator turns a credential into a known user.
type Authenticator struct {
	verifier TokenVerifier
	users    UserLookup
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(verifier TokenVerifier, users UserLookup) *Authenticator {
	return &Authenticator{verifier: verifier, users: users}
}

// Authenticate verifies credential and loads its user.
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (*models.User, error) {
	userID, err := a.verifier.Verify(credential)
	if err != nil {
		return nil, err
	}
	user, err := a.users.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return nil, fmt.Errorf("%w: unknown user", ErrUnauthenticated)
	}
	return user, nil
}

// CredentialFromRequest returns the bearer token from the Authorization
// header, falling back to the token query parameter used by browser
// WebSocket clients.
func CredentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

type contextKey string

const userContextKey contextKey = "user"

// WithUser stores the authenticated user in ctx.
func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// UserFromContext returns the user stored by WithUser.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(userContextKey).(*models.User)
	return user, ok
}
