// Package auth resolves the caller's identity from Clerk session tokens.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

var (
	// ErrNoToken means the request carried no session token.
	ErrNoToken = errors.New("no session token")
	// ErrInvalidToken wraps every signature or claim failure.
	ErrInvalidToken = errors.New("invalid session token")
	// ErrUnauthorizedParty is returned when azp is not a trusted origin.
	ErrUnauthorizedParty = errors.New("unauthorized party")
	// ErrUnknownKey is returned when the token's kid is not in the key set.
	ErrUnknownKey = errors.New("unknown signing key")
)

// SessionCookie is the cookie Clerk frontends use for same-site requests.
const SessionCookie = "__session"

// Identity is the signed-in principal attached to a request.
type Identity struct {
	UserID    string
	SessionID string
}

// Authenticator resolves the identity of a request. Implementations
// return an error for missing or invalid credentials; the caller decides
// whether that rejects the request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// Disabled is the pass-through used when no Clerk keys are configured.
type Disabled struct{}

// Authenticate always reports an anonymous request.
func (Disabled) Authenticate(*http.Request) (Identity, error) {
	return Identity{}, ErrNoToken
}

type ctxKey struct{}

// WithIdentity returns ctx carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity attached by the auth middleware.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKey{}).(Identity)
	return id, ok && id.UserID != ""
}

// TokenFromRequest extracts a bearer token, falling back to the session cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}
