package jwt

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"relaygate/internal/store"
)

// JWKSCache fetches and caches RSA signing keys from a policy's JWKSUri,
// refetching once a cached set is older than ttl. No JWKS client ships in
// the retrieved dependency pack, so this is a direct stdlib implementation
// (RFC 7517's minimal RSA case) rather than a hand-rolled stand-in for an
// available library.
type JWKSCache struct {
	client *http.Client
	ttl    time.Duration

	mu   sync.Mutex
	sets map[string]cachedSet
}

type cachedSet struct {
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

// NewJWKSCache returns a cache refetching each URI's key set at most once
// per ttl.
func NewJWKSCache(ttl time.Duration) *JWKSCache {
	return &JWKSCache{client: &http.Client{Timeout: 10 * time.Second}, ttl: ttl, sets: map[string]cachedSet{}}
}

// KeyFunc resolves a token's signing key via policy.JWKSUri, satisfying the
// KeyFunc type expected by Authenticate.
func (c *JWKSCache) KeyFunc(policy *store.JWTPolicy, token *jwt.Token) (any, error) {
	if policy.JWKSUri == "" {
		return nil, fmt.Errorf("jwt policy has no jwksUri")
	}
	kid, _ := token.Header["kid"].(string)
	keys, err := c.keysFor(policy.JWKSUri)
	if err != nil {
		return nil, err
	}
	if kid != "" {
		if k, ok := keys[kid]; ok {
			return k, nil
		}
	}
	if kid == "" {
		for _, k := range keys {
			return k, nil // token without kid: use the JWKS key
		}
	}
	return nil, fmt.Errorf("no matching jwk for kid %q", kid)
}

func (c *JWKSCache) keysFor(uri string) (map[string]*rsa.PublicKey, error) {
	c.mu.Lock()
	cached, ok := c.sets[uri]
	c.mu.Unlock()
	if ok && time.Since(cached.fetched) < c.ttl {
		return cached.keys, nil
	}

	resp, err := c.client.Get(uri)
	if err != nil {
		return nil, fmt.Errorf("fetching jwks %s: %w", uri, err)
	}
	defer resp.Body.Close()

	var doc jwks
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding jwks %s: %w", uri, err)
	}

	keys := map[string]*rsa.PublicKey{}
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := rsaFromJWK(k)
		if err != nil {
			continue
		}
		keys[k.Kid] = pub
	}

	c.mu.Lock()
	c.sets[uri] = cachedSet{keys: keys, fetched: time.Now()}
	c.mu.Unlock()
	return keys, nil
}

func rsaFromJWK(k jwk) (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nb)
	e := new(big.Int).SetBytes(eb)
	return &rsa.PublicKey{N: n, E: int(e.Int64())}, nil
}
