// Package auth resolves the operator behind a request. Authentication itself
// happens upstream; this package only verifies the bearer token it was given
// and exposes the subject as the actor recorded on ledger events.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SystemActor is recorded when no operator is attached to the context.
const SystemActor = "system"

// ActorHeader carries the operator name when token verification is disabled.
const ActorHeader = "X-Operator"

type contextKey string

const contextKeyActor contextKey = "auth.actor"

var (
	ErrMissingToken = errors.New("auth: missing bearer token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// WithActor stores the operator name in ctx.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, contextKeyActor, actor)
}

// Actor returns the operator stored in ctx, or SystemActor.
func Actor(ctx context.Context) string {
	if ctx == nil {
		return SystemActor
	}

	if actor, ok := ctx.Value(contextKeyActor).(string); ok && actor != "" {
		return actor
	}

	return SystemActor
}

// Claims are the token claims this service reads.
type Claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// ParseToken validates an HS256 token and returns its claims.
func ParseToken(token string, secret []byte) (*Claims, error) {
	if token == "" {
		return nil, ErrMissingToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)

	claims := &Claims{}

	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, errors.Join(ErrInvalidToken, err)
	}

	if !parsed.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Middleware attaches the operator to the request context. With an empty
// secret tokens are not checked and the X-Operator header is trusted, which is
// meant for local runs behind an authenticating proxy.
func Middleware(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(secret) == 0 {
				actor := strings.TrimSpace(r.Header.Get(ActorHeader))
				next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))

				return
			}

			token, _ := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")

			claims, err := ParseToken(strings.TrimSpace(token), secret)
			if err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), claims.Subject)))
		})
	}
}

// IssueToken signs a token for subject. Used by tooling and tests.
func IssueToken(subject string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
