package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

const (
	jwksTTL          = time.Hour
	jwksMinRefresh   = 30 * time.Second
	jwksFetchTimeout = 10 * time.Second
	jwksMaxBody      = 1 << 20
)

// jwksCache fetches the instance key set on demand. Refreshes are
// attempted at most once per jwksMinRefresh whether they succeed or
// not, concurrent callers share one fetch, and a known key keeps being
// served when a refresh fails.
type jwksCache struct {
	url    string
	secret string
	client *http.Client
	group  singleflight.Group

	mu        sync.Mutex
	keys      map[string]*rsa.PublicKey
	fetched   time.Time
	attempted time.Time
	lastErr   error
}

func newJWKSCache(url, secret string, client *http.Client) *jwksCache {
	if client == nil {
		client = &http.Client{Timeout: jwksFetchTimeout}
	}
	return &jwksCache{url: url, secret: secret, client: client}
}

func (c *jwksCache) key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	c.mu.Lock()
	k, known := c.keys[kid]
	fresh := time.Since(c.fetched) < jwksTTL
	recent := time.Since(c.attempted) < jwksMinRefresh
	inflight := c.attempted.After(c.fetched) && c.lastErr == nil
	lastErr := c.lastErr
	c.mu.Unlock()

	if known && fresh {
		return k, nil
	}
	if recent && (known || !inflight) {
		return pick(k, known, lastErr, kid)
	}

	// Callers without a usable key join the fetch in flight. The fetch
	// outlives a cancelled request so its result can serve them.
	_, err, _ := c.group.Do("jwks", func() (any, error) {
		return nil, c.refresh(context.WithoutCancel(ctx))
	})

	c.mu.Lock()
	k, known = c.keys[kid]
	c.mu.Unlock()
	return pick(k, known, err, kid)
}

func (c *jwksCache) refresh(ctx context.Context) error {
	c.mu.Lock()
	if time.Since(c.attempted) < jwksMinRefresh {
		err := c.lastErr
		c.mu.Unlock()
		return err
	}
	c.attempted = time.Now()
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, jwksFetchTimeout)
	defer cancel()
	keys, err := c.fetch(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
	if err != nil {
		return err
	}
	c.keys = keys
	c.fetched = time.Now()
	return nil
}

// pick returns k when the cache holds it, stale or not.
func pick(k *rsa.PublicKey, known bool, err error, kid string) (*rsa.PublicKey, error) {
	if known {
		return k, nil
	}
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
}

func (c *jwksCache) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	if c.secret != "" {
		req.Header.Set("Authorization", "Bearer "+c.secret)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch jwks: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch jwks: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, jwksMaxBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read jwks: %w", err)
	}
	return parseJWKS(body)
}

func parseJWKS(body []byte) (map[string]*rsa.PublicKey, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("jwks response is not valid JSON")
	}

	keys := make(map[string]*rsa.PublicKey)
	var parseErr error
	gjson.GetBytes(body, "keys").ForEach(func(_, k gjson.Result) bool {
		if k.Get("kty").String() != "RSA" {
			return true
		}
		pub, err := rsaKey(k.Get("n").String(), k.Get("e").String())
		if err != nil {
			parseErr = fmt.Errorf("jwks key %q: %w", k.Get("kid").String(), err)
			return false
		}
		keys[k.Get("kid").String()] = pub
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("jwks contains no RSA keys")
	}
	return keys, nil
}

func rsaKey(n, e string) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(n)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(e)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	exp := new(big.Int).SetBytes(eb)
	if !exp.IsInt64() || exp.Int64() > 1<<31-1 || exp.Int64() < 3 {
		return nil, fmt.Errorf("exponent out of range")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: int(exp.Int64())}, nil
}
