// Package identity turns bearer credentials into principal ids. The rest of
// the system only ever sees the id.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned when a request carries no usable credential.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the principal behind an HTTP request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Claims are the JWT claims the gate accepts. Only the subject is used.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTAuthenticator validates HS256 bearer tokens.
type JWTAuthenticator struct {
	secret []byte
	issuer string
	clock  func() time.Time
}

// NewJWTAuthenticator creates an authenticator. An empty issuer accepts any.
func NewJWTAuthenticator(secret []byte, issuer string) (*JWTAuthenticator, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes, got %d", len(secret))
	}
	return &JWTAuthenticator{secret: secret, issuer: issuer, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (a *JWTAuthenticator) WithClock(clock func() time.Time) *JWTAuthenticator {
	a.clock = clock
	return a
}

// Authenticate reads "Authorization: Bearer <token>".
func (a *JWTAuthenticator) Authenticate(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", fmt.Errorf("%w: missing Authorization header", ErrUnauthenticated)
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", fmt.Errorf("%w: expected 'Bearer <token>'", ErrUnauthenticated)
	}
	return a.Validate(token)
}

// Validate parses a token and returns its subject.
func (a *JWTAuthenticator) Validate(token string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.clock),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if !parsed.Valid || strings.TrimSpace(claims.Subject) == "" {
		return "", fmt.Errorf("%w: token subject is required", ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// Issue mints a token for subject. Used by the CLI and tests.
func (a *JWTAuthenticator) Issue(subject string, ttl time.Duration) (string, error) {
	now := a.clock().UTC()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    a.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

type principalKey struct{}

// WithPrincipal attaches the authenticated principal id to ctx.
func WithPrincipal(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, principalKey{}, id)
}

// PrincipalFrom returns the principal id attached to ctx.
func PrincipalFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(principalKey{}).(string)
	return id, ok && id != ""
}
