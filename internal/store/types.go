// Package store holds the indexed, immutable configuration snapshot that the
// request pipeline reads: binds, listeners, routes, backends, policies, and
// the service/endpoint/workload registry. Snapshots are swapped atomically by
// the config/xDS applier; in-flight requests hold a reference to the
// snapshot they started with and never re-read mid-request (spec.md §3, §5).
package store

import "fmt"

// Protocol is a Listener's wire protocol.
type Protocol int

const (
	ProtocolHTTP Protocol = iota
	ProtocolHTTPS
	ProtocolTLS
	ProtocolTCP
	ProtocolHBONE
)

// Bind is a listening address owning a set of named Listeners.
type Bind struct {
	Port      int
	Listeners map[string]*Listener
}

// Listener is a protocol+SNI-scoped entry point on a Bind.
type Listener struct {
	Name        string
	GatewayName string
	Hostname    string // may be "", or "*.example.com"
	Protocol    Protocol
	TLSCert     string
	TLSKey      string
	Routes      []*Route // HTTP routes, pre-indexed by RouteSet
	TCPRoute    *TCPRoute
}

// RouteKey identifies a Route by (listener, user-route-name, rule-name).
type RouteKey struct {
	Listener string
	Name     string
	Rule     string
}

func (k RouteKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Listener, k.Name, k.Rule)
}

// PathMatchKind ranks how a path predicate matches, per spec.md §4.1.
type PathMatchKind int

const (
	PathExact PathMatchKind = iota
	PathPrefix
	PathRegex
)

// HeaderMatch and QueryMatch share the same Exact/Regex shape.
type StringMatch struct {
	Name    string
	Exact   string
	Regex   string
	IsRegex bool
}

// RouteMatch is one predicate of a Route: {path, method?, headers[], query[]}.
type RouteMatch struct {
	PathKind   PathMatchKind
	Path       string // literal (Exact/Prefix) or pattern (Regex)
	PathLen    int    // declared length for Regex; len(Path) otherwise
	Method     string // "" means unconstrained
	Headers    []StringMatch
	Query      []StringMatch
}

// TrafficPolicy is a route-level {timeout, retry} policy.
type TrafficPolicy struct {
	RequestTimeoutMS        int64
	BackendRequestTimeoutMS int64
	Retry                   *RetryPolicy
}

// RetryPolicy per spec.md §4.5.
type RetryPolicy struct {
	Codes      map[int]bool
	Attempts   uint8
	BackoffMS  int64
}

// WeightedBackend is one entry of a Route's weighted backend list.
type WeightedBackend struct {
	Weight int
	Ref    BackendRef
}

// BackendRef names a Backend to resolve at request time via the Store.
type BackendRef struct {
	Name string
}

// Route is keyed by (listener, user-route-name, rule-name).
type Route struct {
	Key       RouteKey
	Hostnames []string // empty means "None" (catch-all) sentinel
	Matches   []RouteMatch
	Filters   []Filter
	Backends  []WeightedBackend
	Policy    *TrafficPolicy
}

// TCPRoute is a single TCP route attached to a TCP/TLS(L4) listener:
// weighted, health-filtered backend selection, no filter chain (spec.md §9
// Open Question, resolved: symmetric to HTTP backend selection).
type TCPRoute struct {
	Backends []WeightedBackend
	Policy   *TrafficPolicy
}

// BackendKind tags the Backend variant.
type BackendKind int

const (
	BackendService BackendKind = iota
	BackendOpaque
	BackendMCP
	BackendAI
	BackendDynamic
	BackendInvalid
)

// Backend is the resolved target of a route's weighted backend list.
type Backend struct {
	Kind BackendKind
	Name string

	// Service variant
	ServiceRef string
	ServicePort int

	// Opaque variant
	Target string // host:port

	// MCP variant
	MCP *MCPBackendConfig

	// AI variant
	AI *AIBackendConfig
}

// MCPBackendConfig lists the upstream targets fanned-out by the relay.
type MCPBackendConfig struct {
	Targets      []McpTarget
	StatefulMode bool
}

// McpTargetKind tags an MCP upstream's transport.
type McpTargetKind int

const (
	McpTargetSSE McpTargetKind = iota
	McpTargetStreamableHTTP
	McpTargetStdio
	McpTargetOpenAPI
)

// McpTarget is one upstream fanned into by the relay.
type McpTarget struct {
	Name string
	Kind McpTargetKind

	// SSE / StreamableHTTP / OpenAPI
	BackendRef string
	Path       string

	// Stdio
	Cmd  string
	Args []string
	Env  map[string]string

	// OpenAPI
	OpenAPISpec []byte // raw document, parsed once at target construction
}

// AIProviderKind tags an AIBackend's provider.
type AIProviderKind int

const (
	AIProviderOpenAI AIProviderKind = iota
	AIProviderAnthropic
	AIProviderGemini
	AIProviderVertex
	AIProviderBedrock
)

// AIBackendConfig carries provider variant and overrides.
type AIBackendConfig struct {
	Provider     AIProviderKind
	HostOverride string
	Tokenize     bool
	ModelOverride string
	Region       string // vertex/bedrock
	Project      string // vertex
}

// PolicyTargetKind is the kind of object a Policy attaches to.
type PolicyTargetKind int

const (
	TargetGateway PolicyTargetKind = iota
	TargetListener
	TargetRoute
	TargetRouteRule
	TargetBackend
)

// PolicyTarget names what a Policy attaches to.
type PolicyTarget struct {
	Kind PolicyTargetKind
	Name string
}
