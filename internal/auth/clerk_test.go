package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func publicPEM(t *testing.T, key *rsa.PrivateKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func sign(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func validClaims() jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub": "user_123",
		"sid": "sess_456",
		"azp": "https://app.example",
		"iat": now.Unix(),
		"nbf": now.Add(-time.Minute).Unix(),
		"exp": now.Add(time.Minute).Unix(),
	}
}

func jwksServer(t *testing.T, kid string, key *rsa.PrivateKey, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	n := base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes())
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/jwks" || r.Header.Get("Authorization") != "Bearer sk_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"keys":[{"kty":"RSA","kid":%q,"use":"sig","alg":"RS256","n":%q,"e":%q}]}`, kid, n, e)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestClerk_StaticKey(t *testing.T) {
	key := newKey(t)
	// Dashboard keys are often pasted with escaped newlines.
	escaped := strings.ReplaceAll(publicPEM(t, key), "\n", `\n`)

	c, err := NewClerk(ClerkConfig{JWTKey: escaped}, zaptest.NewLogger(t))
	require.NoError(t, err)

	id, err := c.Verify(context.Background(), sign(t, key, "", validClaims()))
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: "user_123", SessionID: "sess_456"}, id)
}

func TestClerk_RejectsBadTokens(t *testing.T) {
	key := newKey(t)
	other := newKey(t)
	c, err := NewClerk(ClerkConfig{
		JWTKey:            publicPEM(t, key),
		AuthorizedParties: []string{"https://app.example"},
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	noExp := validClaims()
	delete(noExp, "exp")

	foreignParty := validClaims()
	foreignParty["azp"] = "https://evil.example"

	hs := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims())
	hsToken, err := hs.SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"wrong key", sign(t, other, "", validClaims()), ErrInvalidToken},
		{"expired", sign(t, key, "", expired), ErrInvalidToken},
		{"missing exp", sign(t, key, "", noExp), ErrInvalidToken},
		{"hmac algorithm", hsToken, ErrInvalidToken},
		{"garbage", "not-a-jwt", ErrInvalidToken},
		{"foreign azp", sign(t, key, "", foreignParty), ErrUnauthorizedParty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Verify(context.Background(), tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestClerk_JWKS(t *testing.T) {
	key := newKey(t)
	var hits atomic.Int32
	srv := jwksServer(t, "ins_1", key, &hits)

	c, err := NewClerk(ClerkConfig{SecretKey: "sk_test", APIURL: srv.URL + "/"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		id, err := c.Verify(context.Background(), sign(t, key, "ins_1", validClaims()))
		require.NoError(t, err)
		assert.Equal(t, "user_123", id.UserID)
	}
	assert.Equal(t, int32(1), hits.Load(), "key set should be cached")

	// Unknown kids inside the refresh interval do not hammer the API.
	_, err = c.Verify(context.Background(), sign(t, key, "ins_2", validClaims()))
	assert.ErrorIs(t, err, ErrUnknownKey)
	assert.Equal(t, int32(1), hits.Load())
}

func TestClerk_JWKSOutageIsRateLimited(t *testing.T) {
	key := newKey(t)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClerk(ClerkConfig{SecretKey: "sk_test", APIURL: srv.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)
	token := sign(t, key, "ins_1", validClaims())

	var wg sync.WaitGroup
	errs := make([]error, 20)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Verify(context.Background(), token)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrInvalidToken)
	}
	assert.Equal(t, int32(1), hits.Load(), "failed fetches must back off")
}

func TestClerk_JWKSServesStaleKeyWhenRefreshFails(t *testing.T) {
	key := newKey(t)
	var hits atomic.Int32
	var down atomic.Bool
	healthy := jwksServer(t, "ins_1", key, &hits)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			hits.Add(1)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		healthy.Config.Handler.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := NewClerk(ClerkConfig{SecretKey: "sk_test", APIURL: srv.URL}, zaptest.NewLogger(t))
	require.NoError(t, err)
	token := sign(t, key, "ins_1", validClaims())

	_, err = c.Verify(context.Background(), token)
	require.NoError(t, err)
	require.Equal(t, int32(1), hits.Load())

	down.Store(true)
	c.jwks.mu.Lock()
	c.jwks.fetched = time.Now().Add(-2 * jwksTTL)
	c.jwks.attempted = c.jwks.fetched
	c.jwks.mu.Unlock()

	for i := 0; i < 5; i++ {
		id, err := c.Verify(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, "user_123", id.UserID)
	}
	assert.Equal(t, int32(2), hits.Load(), "one refresh attempt per interval")
}

func TestClerk_Authenticate(t *testing.T) {
	key := newKey(t)
	c, err := NewClerk(ClerkConfig{JWTKey: publicPEM(t, key)}, zaptest.NewLogger(t))
	require.NoError(t, err)
	token := sign(t, key, "", validClaims())

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err = c.Authenticate(r)
	assert.ErrorIs(t, err, ErrNoToken)

	r.Header.Set("Authorization", "Bearer "+token)
	id, err := c.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "user_123", id.UserID)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	id, err = c.Authenticate(r)
	require.NoError(t, err)
	assert.Equal(t, "sess_456", id.SessionID)
}

func TestNewClerk_RequiresKeys(t *testing.T) {
	_, err := NewClerk(ClerkConfig{}, nil)
	assert.Error(t, err)

	_, err = NewClerk(ClerkConfig{JWTKey: "not pem"}, nil)
	assert.Error(t, err)
}

func TestDisabled(t *testing.T) {
	_, err := Disabled{}.Authenticate(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestIdentityContext(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)

	ctx := WithIdentity(context.Background(), Identity{UserID: "u1"})
	id, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, "u1", id.UserID)
}

func TestParseJWKS(t *testing.T) {
	_, err := parseJWKS([]byte(`{"keys":[]}`))
	assert.Error(t, err)

	_, err = parseJWKS([]byte(`{not json`))
	assert.Error(t, err)

	_, err = parseJWKS([]byte(`{"keys":[{"kty":"RSA","kid":"a","n":"AQAB","e":"AQ"}]}`))
	assert.Error(t, err, "exponent 1 is rejected")
}
