// Package policy applies the in-process steps of the ordered policy chain
// of spec.md §4.3 to a request: JWT, authorization, local rate limit and
// transformation. Ext-authz and remote rate limit are dispatched by the
// pipeline; backend policies are not applied here. It owns the
// per-RateLimit-policy token buckets and the CEL program cache.
package policy

import (
	"net/http"
	"reflect"
	"strconv"
	"sync"
	"time"

	"relaygate/internal/gwerror"
	"relaygate/internal/policy/cel"
	"relaygate/internal/policy/jwt"
	"relaygate/internal/ratelimit"
	"relaygate/internal/store"
)

// headerMapType is the native shape a transformation expression must
// evaluate to: a map of header name to value, each set on req before
// dispatch.
var headerMapType = reflect.TypeOf(map[string]string{})

// Engine holds the long-lived state policies need across requests: compiled
// CEL programs and per-policy-name token buckets.
type Engine struct {
	CEL *cel.Cache

	jwtKeyFunc jwt.KeyFunc

	mu      sync.Mutex
	buckets map[string]*ratelimit.Bucket
}

// New returns an Engine with the given JWT signing-key resolver.
func New(keyFunc jwt.KeyFunc) *Engine {
	return &Engine{
		CEL:        cel.NewCache(),
		jwtKeyFunc: keyFunc,
		buckets:    map[string]*ratelimit.Bucket{},
	}
}

func (e *Engine) bucketFor(p *store.LocalRateLimitPolicy) *ratelimit.Bucket {
	e.mu.Lock()
	defer e.mu.Unlock()
	if b, ok := e.buckets[p.Name]; ok {
		return b
	}
	b := ratelimit.New(p.Capacity, p.RefillAmount, time.Duration(p.RefillInterval)*time.Millisecond)
	e.buckets[p.Name] = b
	return b
}

// Bucket exposes a named policy's bucket for response-time reconciliation
// (amend) by the LLM layer.
func (e *Engine) Bucket(name string) (*ratelimit.Bucket, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.buckets[name]
	return b, ok
}

// Outcome is returned by Apply: either the chain passed (possibly with
// claims and headers to add) or it failed-closed with an error.
type Outcome struct {
	Claims         jwt.Claims
	HeadersToAdd   map[string]string
	ConsumedTokens map[string]uint64 // policy name -> tokens already consumed, for response-time amend
}

// TokenEstimator returns the estimated token cost of req for "tokens"-type
// local rate limits (0 if tokenization is disabled — spec.md §4.3 step 4).
type TokenEstimator func(req *http.Request) uint64

// Apply runs the full ordered chain for a request already matched to a
// route, given the resolved policy chain (Gateway->Listener->Route->
// RouteRule->Backend). Each step runs in order; the first failure
// short-circuits and is returned as the error. The pipeline writes that
// error with the error's own headers only; no filter response headers are
// merged into it.
func (e *Engine) Apply(req *http.Request, policies []*store.Policy, estimate TokenEstimator) (*Outcome, error) {
	out := &Outcome{HeadersToAdd: map[string]string{}, ConsumedTokens: map[string]uint64{}}

	for _, p := range policies {
		if p.Kind != store.PolicyJWT {
			continue
		}
		claims, err := jwt.Authenticate(p.JWT, req, e.jwtKeyFunc)
		if err != nil {
			return nil, err
		}
		out.Claims = claims
	}

	// ext-authz and remote rate limit are dispatched by the pipeline, which
	// owns the gRPC client lifecycles; this engine only runs the
	// in-process steps (authorization, local rate limit, transformation).

	for _, p := range policies {
		if p.Kind != store.PolicyAuthorization {
			continue
		}
		allowed, err := e.CEL.Authorize(p.Authorization.Allow, p.Authorization.Deny, evalContext(req, out.Claims, nil))
		if err != nil {
			return nil, gwerror.New(gwerror.KindAuthorizationFailed, "authorization evaluation failed: %v", err)
		}
		if !allowed {
			return nil, gwerror.New(gwerror.KindAuthorizationFailed, "denied by authorization policy %q", p.Name)
		}
	}

	for _, p := range policies {
		if p.Kind != store.PolicyLocalRateLimit {
			continue
		}
		n := uint64(1)
		if p.LocalRateLimit.Type == store.RateLimitTokens {
			n = 0
			if estimate != nil {
				n = estimate(req)
			}
		}
		if n == 0 && p.LocalRateLimit.Type == store.RateLimitTokens {
			continue // tokenization disabled: nothing consumed on ingress
		}
		b := e.bucketFor(p.LocalRateLimit)
		ok, v := b.TryAcquire(n)
		if !ok {
			return nil, gwerror.New(gwerror.KindRateLimitExceeded, "rate limit exceeded for %q", p.Name).
				WithHeader("retry-after", strconv.FormatInt(int64(v.TimeUntilNext/time.Second)+1, 10)).
				WithHeader("x-ratelimit-limit", strconv.FormatUint(v.Capacity, 10)).
				WithHeader("x-ratelimit-remaining", strconv.FormatUint(v.Available, 10))
		}
		out.ConsumedTokens[p.Name] = n
	}

	for _, p := range policies {
		if p.Kind != store.PolicyTransformation {
			continue
		}
		val, err := e.CEL.EvalValue("transform:"+p.Name, p.Transformation.Expression, evalContext(req, out.Claims, nil))
		if err != nil {
			return nil, gwerror.New(gwerror.KindTransformationFailure, "transformation %q failed: %v", p.Name, err)
		}
		native, err := val.ConvertToNative(headerMapType)
		if err != nil {
			return nil, gwerror.New(gwerror.KindTransformationFailure,
				"transformation %q must evaluate to a map of header name to value: %v", p.Name, err)
		}
		for k, v := range native.(map[string]string) {
			req.Header.Set(k, v)
			out.HeadersToAdd[k] = v
		}
	}

	return out, nil
}

// AuthorizeResource evaluates an authorization policy's allow/deny sets
// against an MCP resource invocation (spec.md §4.7: "ResourceType::{Tool|
// Prompt|Resource}(target, name)").
func (e *Engine) AuthorizeResource(p *store.AuthorizationPolicy, req *http.Request, claims jwt.Claims, resourceKind, target, name string) (bool, error) {
	resource := map[string]any{"kind": resourceKind, "target": target, "name": name}
	return e.CEL.Authorize(p.Allow, p.Deny, evalContext(req, claims, resource))
}

func evalContext(req *http.Request, claims jwt.Claims, resource map[string]any) cel.EvalContext {
	headers := map[string]any{}
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}
	return cel.EvalContext{
		Request: map[string]any{
			"method":  req.Method,
			"path":    req.URL.Path,
			"headers": headers,
		},
		Source:   map[string]any{"addr": req.RemoteAddr},
		JWT:      claims,
		Resource: resource,
	}
}

