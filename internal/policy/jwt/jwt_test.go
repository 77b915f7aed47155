package jwt

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"relaygate/internal/gwerror"
	"relaygate/internal/store"
)

var testSecret = []byte("test-secret")

func hs256KeyFunc(policy *store.JWTPolicy, t *jwt.Token) (any, error) {
	return testSecret, nil
}

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(testSecret)
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return signed
}

func reqWithBearer(token string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("authorization", "Bearer "+token)
	}
	return req
}

func TestAuthenticate_MissingBearerTokenRejected(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, err := Authenticate(&store.JWTPolicy{}, req, hs256KeyFunc)
	if err == nil {
		t.Fatalf("expected rejection for missing bearer token")
	}
	gerr, ok := err.(*gwerror.Error)
	if !ok || gerr.Kind != gwerror.KindJwtAuthenticationFailure {
		t.Fatalf("expected KindJwtAuthenticationFailure, got %+v", err)
	}
}

func TestAuthenticate_ValidTokenReturnsClaims(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(time.Hour).Unix()})
	claims, err := Authenticate(&store.JWTPolicy{}, reqWithBearer(token), hs256KeyFunc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims["sub"] != "alice" {
		t.Fatalf("expected claims to carry sub, got %+v", claims)
	}
}

func TestAuthenticate_InvalidSignatureRejected(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"sub": "alice"})
	badKeyFunc := func(policy *store.JWTPolicy, t *jwt.Token) (any, error) {
		return []byte("wrong-secret"), nil
	}
	if _, err := Authenticate(&store.JWTPolicy{}, reqWithBearer(token), badKeyFunc); err == nil {
		t.Fatalf("expected rejection for invalid signature")
	}
}

func TestAuthenticate_IssuerMismatchRejected(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"iss": "https://wrong-issuer"})
	policy := &store.JWTPolicy{Issuer: "https://expected-issuer"}
	if _, err := Authenticate(policy, reqWithBearer(token), hs256KeyFunc); err == nil {
		t.Fatalf("expected rejection for issuer mismatch")
	}
}

func TestAuthenticate_AudienceAllowedAcceptsMatch(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"aud": []string{"svc-a", "svc-b"}})
	policy := &store.JWTPolicy{Audiences: []string{"svc-b"}}
	if _, err := Authenticate(policy, reqWithBearer(token), hs256KeyFunc); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAuthenticate_AudienceMismatchRejected(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"aud": []string{"svc-a"}})
	policy := &store.JWTPolicy{Audiences: []string{"svc-b"}}
	if _, err := Authenticate(policy, reqWithBearer(token), hs256KeyFunc); err == nil {
		t.Fatalf("expected rejection for audience mismatch")
	}
}

func TestAuthenticate_CustomHeaderName(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"sub": "bob"})
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("x-auth-token", "Bearer "+token)

	policy := &store.JWTPolicy{FromHeader: "x-auth-token"}
	claims, err := Authenticate(policy, req, hs256KeyFunc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims["sub"] != "bob" {
		t.Fatalf("expected claims from custom header, got %+v", claims)
	}
}
