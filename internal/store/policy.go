package store

// PolicyKind tags a Policy variant (spec.md §4.3).
type PolicyKind int

const (
	PolicyJWT PolicyKind = iota
	PolicyExtAuthz
	PolicyAuthorization
	PolicyLocalRateLimit
	PolicyRemoteRateLimit
	PolicyTransformation
	PolicyBackendTLS
	PolicyBackendAuth
	PolicyLLM
	PolicyA2A
	PolicyInferenceRouting
)

// SingleAllowedKinds lists kinds that must have at most one instance per
// target (spec.md §3 invariant). LocalRateLimit is a list-kind and composes
// by concatenation instead.
var SingleAllowedKinds = map[PolicyKind]bool{
	PolicyBackendTLS:       true,
	PolicyBackendAuth:      true,
	PolicyLLM:              true,
	PolicyA2A:              true,
	PolicyInferenceRouting: true,
}

// JWTPolicy verifies bearer tokens and annotates claims on success.
type JWTPolicy struct {
	Issuer           string
	Audiences        []string
	JWKSUri          string
	FromHeader       string // default "authorization"
}

// ExtAuthzPolicy calls a sidecar backend before continuing.
type ExtAuthzPolicy struct {
	BackendRef string
	TimeoutMS  int64
}

// AuthorizationPolicy evaluates CEL allow/deny expressions.
type AuthorizationPolicy struct {
	Allow []string
	Deny  []string
}

// RateLimitType distinguishes request-counted vs token-counted buckets.
type RateLimitType int

const (
	RateLimitRequests RateLimitType = iota
	RateLimitTokens
)

// LocalRateLimitPolicy is one entry of a list-kind policy; policies of this
// kind compose by concatenation across the inheritance chain.
type LocalRateLimitPolicy struct {
	Name           string
	Type           RateLimitType
	Capacity       uint64
	RefillAmount   uint64
	RefillInterval int64 // milliseconds
}

// RemoteRateLimitPolicy dispatches a gRPC call with a descriptor set.
type RemoteRateLimitPolicy struct {
	Target      string // grpc target address
	Descriptors []map[string]string
	TimeoutMS   int64
}

// TransformationPolicy mutates the request via a CEL expression. The
// expression must evaluate to a map of header name to value; each entry is
// set on the request before it reaches the backend (spec.md §4.3 step 6).
type TransformationPolicy struct {
	Expression string
}

// BackendAuthKind tags a BackendAuthPolicy variant.
type BackendAuthKind int

const (
	BackendAuthPassthrough BackendAuthKind = iota
	BackendAuthKey
	BackendAuthGCP
	BackendAuthAWS
)

// BackendAuthPolicy attaches credentials to the upstream dispatch.
type BackendAuthPolicy struct {
	Kind       BackendAuthKind
	SecretName string // Key
	AWSImplicit bool  // AWS: explicit (keys in SecretName) vs implicit (instance role)
}

// BackendTLSPolicy configures the upstream TLS transport.
type BackendTLSPolicy struct {
	RootCA             string
	ServerName         string
	InsecureSkipVerify bool
}

// PromptGuardKind tags a guard variant.
type PromptGuardKind int

const (
	GuardRegex PromptGuardKind = iota
	GuardModeration
	GuardWebhook
)

// PromptGuardRule is one guard in a PromptGuard policy's request/response list.
type PromptGuardRule struct {
	Kind           PromptGuardKind
	Pattern        string // Regex
	RejectStatus   int
	RejectBody     string
	WebhookURL     string
	WebhookTimeout int64
}

// PromptGuardPolicy carries request- and response-side guard chains.
type PromptGuardPolicy struct {
	Request  []PromptGuardRule
	Response []PromptGuardRule
}

// LLMPolicy configures prompt-guard, defaults/overrides, and enrichment for
// the LLM layer (spec.md §4.6).
type LLMPolicy struct {
	PromptGuard      *PromptGuardPolicy
	DefaultModel     string
	OverrideModel    string
	PrependMessages  []CanonicalMessage
	AppendMessages   []CanonicalMessage
}

// CanonicalMessage mirrors the canonical chat message shape used by llm/canonical.
type CanonicalMessage struct {
	Role    string
	Content string
	Name    string
}

// Policy is keyed by (name, target) and carries exactly one variant payload.
type Policy struct {
	Name   string
	Target PolicyTarget
	Kind   PolicyKind

	JWT            *JWTPolicy
	ExtAuthz       *ExtAuthzPolicy
	Authorization  *AuthorizationPolicy
	LocalRateLimit *LocalRateLimitPolicy
	RemoteRateLimit *RemoteRateLimitPolicy
	Transformation *TransformationPolicy
	BackendTLS     *BackendTLSPolicy
	BackendAuth    *BackendAuthPolicy
	LLM            *LLMPolicy
}
