// Package jwt verifies bearer tokens against a JWTPolicy and annotates
// request context with validated claims (spec.md §4.3 step 1).
package jwt

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"relaygate/internal/gwerror"
	"relaygate/internal/store"
)

// Claims is the validated claim set attached to the request context on
// success, consumed later by authorization CEL evaluation.
type Claims map[string]any

// KeyFunc resolves the signing key for a token, typically backed by a JWKS
// cache keyed by the policy's JWKSUri.
type KeyFunc func(policy *store.JWTPolicy, token *jwt.Token) (any, error)

// Authenticate verifies the bearer token in req against policy. On success
// it returns the validated claims; on failure a *gwerror.Error of kind
// KindJwtAuthenticationFailure (mapped to 401 per spec.md §7).
func Authenticate(policy *store.JWTPolicy, req *http.Request, keyFunc KeyFunc) (Claims, error) {
	header := policy.FromHeader
	if header == "" {
		header = "authorization"
	}
	raw := req.Header.Get(header)
	if !strings.HasPrefix(raw, "Bearer ") {
		return nil, unauthenticated("missing bearer token")
	}
	tokenStr := strings.TrimPrefix(raw, "Bearer ")

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return keyFunc(policy, t)
	})
	if err != nil || !token.Valid {
		return nil, unauthenticated("invalid token")
	}

	if policy.Issuer != "" {
		iss, _ := claims.GetIssuer()
		if iss != policy.Issuer {
			return nil, unauthenticated("issuer mismatch")
		}
	}
	if len(policy.Audiences) > 0 {
		aud, _ := claims.GetAudience()
		if !audienceAllowed(aud, policy.Audiences) {
			return nil, unauthenticated("audience mismatch")
		}
	}

	return Claims(claims), nil
}

func audienceAllowed(aud []string, allowed []string) bool {
	for _, a := range aud {
		for _, w := range allowed {
			if a == w {
				return true
			}
		}
	}
	return false
}

func unauthenticated(msg string) *gwerror.Error {
	return gwerror.New(gwerror.KindJwtAuthenticationFailure, "%s", msg).
		WithHeader("www-authenticate", `Bearer realm="relaygate"`)
}
