package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ClerkConfig configures session token verification.
type ClerkConfig struct {
	// SecretKey authenticates JWKS requests against the Clerk backend API.
	SecretKey string
	// JWTKey is the PEM public key from the Clerk dashboard. When set,
	// verification never touches the network.
	JWTKey            string
	APIURL            string
	AuthorizedParties []string
	Leeway            time.Duration
	HTTPClient        *http.Client
}

// Enabled reports whether any verification key source is configured.
func (c ClerkConfig) Enabled() bool {
	return c.SecretKey != "" || c.JWTKey != ""
}

type sessionClaims struct {
	jwt.RegisteredClaims
	SessionID       string `json:"sid"`
	AuthorizedParty string `json:"azp"`
}

// Clerk verifies Clerk-issued RS256 session tokens.
type Clerk struct {
	parser    *jwt.Parser
	staticKey *rsa.PublicKey
	jwks      *jwksCache
	parties   []string
	log       *zap.Logger
}

// NewClerk builds a verifier from cfg.
func NewClerk(cfg ClerkConfig, log *zap.Logger) (*Clerk, error) {
	if !cfg.Enabled() {
		return nil, errors.New("clerk verification requires a secret key or a JWT key")
	}
	if log == nil {
		log = zap.NewNop()
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = 5 * time.Second
	}

	c := &Clerk{
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithLeeway(leeway),
			jwt.WithExpirationRequired(),
		),
		parties: cfg.AuthorizedParties,
		log:     log,
	}

	if cfg.JWTKey != "" {
		pemKey := strings.ReplaceAll(cfg.JWTKey, `\n`, "\n")
		key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pemKey))
		if err != nil {
			return nil, fmt.Errorf("failed to parse CLERK_JWT_KEY: %w", err)
		}
		c.staticKey = key
		return c, nil
	}

	apiURL := strings.TrimRight(cfg.APIURL, "/")
	if apiURL == "" {
		apiURL = "https://api.clerk.com/v1"
	}
	c.jwks = newJWKSCache(apiURL+"/jwks", cfg.SecretKey, cfg.HTTPClient)
	return c, nil
}

// Authenticate verifies the request's session token.
func (c *Clerk) Authenticate(r *http.Request) (Identity, error) {
	raw := TokenFromRequest(r)
	if raw == "" {
		return Identity{}, ErrNoToken
	}
	return c.Verify(r.Context(), raw)
}

// Verify checks signature, time claims and authorized party of raw.
func (c *Clerk) Verify(ctx context.Context, raw string) (Identity, error) {
	claims := &sessionClaims{}
	_, err := c.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if c.staticKey != nil {
			return c.staticKey, nil
		}
		kid, _ := t.Header["kid"].(string)
		return c.jwks.key(ctx, kid)
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	if len(c.parties) > 0 && claims.AuthorizedParty != "" && !slices.Contains(c.parties, claims.AuthorizedParty) {
		return Identity{}, fmt.Errorf("%w: %s", ErrUnauthorizedParty, claims.AuthorizedParty)
	}
	return Identity{UserID: claims.Subject, SessionID: claims.SessionID}, nil
}
