package jwt

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"relaygate/internal/store"
)

func genRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generating rsa key: %v", err)
	}
	return key
}

func jwkDoc(kid string, pub *rsa.PublicKey) []byte {
	n := base64.RawURLEncoding.EncodeToString(pub.N.Bytes())
	e := base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes())
	doc := fmt.Sprintf(`{"keys":[{"kty":"RSA","kid":%q,"n":%q,"e":%q}]}`, kid, n, e)
	return []byte(doc)
}

func TestKeyFunc_ResolvesKeyByKid(t *testing.T) {
	key := genRSAKey(t)
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write(jwkDoc("key-1", &key.PublicKey))
	}))
	defer srv.Close()

	cache := NewJWKSCache(time.Minute)
	policy := &store.JWTPolicy{JWKSUri: srv.URL}

	token := &jwtlib.Token{Header: map[string]any{"kid": "key-1"}}
	got, err := cache.KeyFunc(policy, token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pub, ok := got.(*rsa.PublicKey)
	if !ok || pub.N.Cmp(key.PublicKey.N) != 0 {
		t.Fatalf("expected matching public key, got %+v", got)
	}
	if hits != 1 {
		t.Fatalf("expected one fetch, got %d", hits)
	}
}

func TestKeyFunc_CachesWithinTTL(t *testing.T) {
	key := genRSAKey(t)
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Write(jwkDoc("key-1", &key.PublicKey))
	}))
	defer srv.Close()

	cache := NewJWKSCache(time.Minute)
	policy := &store.JWTPolicy{JWKSUri: srv.URL}
	token := &jwtlib.Token{Header: map[string]any{"kid": "key-1"}}

	if _, err := cache.KeyFunc(policy, token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := cache.KeyFunc(policy, token); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hits != 1 {
		t.Fatalf("expected cached second lookup to avoid refetch, got %d hits", hits)
	}
}

func TestKeyFunc_UnknownKidErrors(t *testing.T) {
	key := genRSAKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(jwkDoc("key-1", &key.PublicKey))
	}))
	defer srv.Close()

	cache := NewJWKSCache(time.Minute)
	policy := &store.JWTPolicy{JWKSUri: srv.URL}
	token := &jwtlib.Token{Header: map[string]any{"kid": "key-2"}}

	if _, err := cache.KeyFunc(policy, token); err == nil {
		t.Fatalf("expected error for unknown kid")
	}
}

func TestKeyFunc_NoJWKSUriErrors(t *testing.T) {
	cache := NewJWKSCache(time.Minute)
	token := &jwtlib.Token{Header: map[string]any{}}
	if _, err := cache.KeyFunc(&store.JWTPolicy{}, token); err == nil {
		t.Fatalf("expected error when policy has no jwksUri")
	}
}

func TestKeyFunc_SingleKeyWithoutKidMatchesAny(t *testing.T) {
	key := genRSAKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(jwkDoc("only-key", &key.PublicKey))
	}))
	defer srv.Close()

	cache := NewJWKSCache(time.Minute)
	policy := &store.JWTPolicy{JWKSUri: srv.URL}
	token := &jwtlib.Token{Header: map[string]any{}}

	got, err := cache.KeyFunc(policy, token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := got.(*rsa.PublicKey); !ok {
		t.Fatalf("expected rsa public key, got %+v", got)
	}
}
