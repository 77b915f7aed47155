// Package config loads the YAML/JSON gateway configuration document of
// spec.md §6 — top-level binds[]/workloads[]/services[] — into a
// store.Snapshot, performing shell-style ${VAR} expansion before parsing.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"relaygate/internal/store"
)

// Document is the wire shape of the config file.
type Document struct {
	Binds     []bindDoc     `yaml:"binds"`
	Workloads []workloadDoc `yaml:"workloads"`
	Services  []serviceDoc  `yaml:"services"`
	Policies  []policyDoc   `yaml:"policies"`
}

type bindDoc struct {
	Port      int           `yaml:"port"`
	Listeners []listenerDoc `yaml:"listeners"`
}

type listenerDoc struct {
	Name        string     `yaml:"name"`
	GatewayName string     `yaml:"gatewayName"`
	Hostname    string     `yaml:"hostname"`
	Protocol    string     `yaml:"protocol"` // HTTP|HTTPS|TLS|TCP|HBONE
	TLS         *tlsDoc    `yaml:"tls"`
	Routes      []routeDoc `yaml:"routes"`
	TCPRoutes   []tcpRouteDoc `yaml:"tcpRoutes"`
}

type tlsDoc struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type matchDoc struct {
	Path    *pathMatchDoc     `yaml:"path"`
	Method  string            `yaml:"method"`
	Headers []stringMatchDoc  `yaml:"headers"`
	Query   []stringMatchDoc  `yaml:"query"`
}

type pathMatchDoc struct {
	Kind string `yaml:"kind"` // exact|prefix|regex
	Path string `yaml:"path"`
}

type stringMatchDoc struct {
	Name  string `yaml:"name"`
	Exact string `yaml:"exact"`
	Regex string `yaml:"regex"`
}

type routeDoc struct {
	Name      string            `yaml:"name"`
	RuleName  string            `yaml:"ruleName"`
	Hostnames []string          `yaml:"hostnames"`
	Matches   []matchDoc        `yaml:"matches"`
	Filters   []filterDoc       `yaml:"filters"`
	Backends  []weightedBackendDoc `yaml:"backends"`
	Policy    *trafficPolicyDoc `yaml:"policy"`
}

type tcpRouteDoc struct {
	Backends []weightedBackendDoc `yaml:"backends"`
	Policy   *trafficPolicyDoc    `yaml:"policy"`
}

type trafficPolicyDoc struct {
	RequestTimeoutMS        int64        `yaml:"requestTimeoutMs"`
	BackendRequestTimeoutMS int64        `yaml:"backendRequestTimeoutMs"`
	Retry                   *retryDoc    `yaml:"retry"`
}

type retryDoc struct {
	Codes     []int `yaml:"codes"`
	Attempts  int   `yaml:"attempts"`
	BackoffMS int64 `yaml:"backoffMs"`
}

type weightedBackendDoc struct {
	Weight int          `yaml:"weight"`
	Ref    string       `yaml:"ref"` // references a top-level backend by name
}

type filterDoc struct {
	Kind           string               `yaml:"kind"`
	HeaderOps      []headerOpDoc        `yaml:"headerOps"`
	Redirect       *redirectDoc         `yaml:"redirect"`
	Rewrite        *rewriteDoc          `yaml:"rewrite"`
	CORS           *corsDoc             `yaml:"cors"`
	DirectResponse *directResponseDoc   `yaml:"directResponse"`
	Mirror         *mirrorDoc           `yaml:"mirror"`
}

type headerOpDoc struct {
	Op    string `yaml:"op"`
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

type redirectDoc struct {
	Scheme     string `yaml:"scheme"`
	Hostname   string `yaml:"hostname"`
	Port       int    `yaml:"port"`
	Path       string `yaml:"path"`
	PathFull   bool   `yaml:"pathFull"`
	StatusCode int    `yaml:"statusCode"`
}

type rewriteDoc struct {
	HostMode string `yaml:"hostMode"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	PathMode string `yaml:"pathMode"`
	Path     string `yaml:"path"`
}

type corsDoc struct {
	AllowOrigins     []string `yaml:"allowOrigins"`
	AllowMethods     []string `yaml:"allowMethods"`
	AllowHeaders     []string `yaml:"allowHeaders"`
	AllowCredentials bool     `yaml:"allowCredentials"`
	MaxAgeSeconds    int      `yaml:"maxAgeSeconds"`
}

type directResponseDoc struct {
	StatusCode int               `yaml:"statusCode"`
	Body       string            `yaml:"body"`
	Headers    map[string]string `yaml:"headers"`
}

type mirrorDoc struct {
	BackendRef string  `yaml:"backendRef"`
	Percentage float64 `yaml:"percentage"`
}

// backendDoc is a top-level named backend definition, referenced from
// routes by name. Exactly one of Service/Host/Dynamic/MCP/AI is set, per
// spec.md §6's "Backend spec is one of" union.
type backendDoc struct {
	Name    string          `yaml:"name"`
	Service *serviceRefDoc  `yaml:"service"`
	Host    string          `yaml:"host"`
	Dynamic *struct{}       `yaml:"dynamic"`
	MCP     *mcpBackendDoc  `yaml:"mcp"`
	AI      *aiBackendDoc   `yaml:"ai"`
}

type serviceRefDoc struct {
	Name string `yaml:"name"`
	Port int    `yaml:"port"`
}

type mcpBackendDoc struct {
	Targets      []mcpTargetDoc `yaml:"targets"`
	StatefulMode bool           `yaml:"statefulMode"`
}

type mcpTargetDoc struct {
	Name        string            `yaml:"name"`
	Kind        string            `yaml:"kind"` // sse|streamableHttp|stdio|openapi
	BackendRef  string            `yaml:"backendRef"`
	Path        string            `yaml:"path"`
	Cmd         string            `yaml:"cmd"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	OpenAPIFile string            `yaml:"openapiFile"`
}

type aiBackendDoc struct {
	Provider      string `yaml:"provider"`
	HostOverride  string `yaml:"hostOverride"`
	Tokenize      bool   `yaml:"tokenize"`
	ModelOverride string `yaml:"modelOverride"`
	Region        string `yaml:"region"`
	Project       string `yaml:"project"`
}

type workloadDoc struct {
	UID      string   `yaml:"uid"`
	IPs      []string `yaml:"ips"`
	Identity struct {
		TrustDomain    string `yaml:"trustDomain"`
		Namespace      string `yaml:"namespace"`
		ServiceAccount string `yaml:"serviceAccount"`
	} `yaml:"identity"`
	Protocol string `yaml:"protocol"` // tcp|hbone
	Locality struct {
		Region  string `yaml:"region"`
		Zone    string `yaml:"zone"`
		Subzone string `yaml:"subzone"`
	} `yaml:"locality"`
	Capacity uint32 `yaml:"capacity"`
	Network  string `yaml:"network"` // standard|hbone
}

type serviceDoc struct {
	Namespace string           `yaml:"namespace"`
	Hostname  string           `yaml:"hostname"`
	VIPs      []string         `yaml:"vips"`
	Ports     []servicePortDoc `yaml:"ports"`
	Waypoint  string           `yaml:"waypoint"`
	IPFamily  string           `yaml:"ipFamily"` // dual|ipv4|ipv6
	LBHealth  string           `yaml:"lbHealth"` // onlyHealthy|allowUnknown|any
	Endpoints []endpointDoc    `yaml:"endpoints"`
}

type servicePortDoc struct {
	ServicePort int    `yaml:"servicePort"`
	TargetPort  int    `yaml:"targetPort"`
	AppProtocol string `yaml:"appProtocol"` // http1|http2|grpc
}

type endpointDoc struct {
	WorkloadUID   string        `yaml:"workloadUid"`
	PortOverrides map[int]int   `yaml:"portOverrides"`
	Health        string        `yaml:"health"` // healthy|unhealthy|unknown
}

// policyDoc attaches a named policy variant to a target object.
type policyDoc struct {
	Name   string `yaml:"name"`
	Target struct {
		Kind string `yaml:"kind"` // gateway|listener|route|routeRule|backend
		Name string `yaml:"name"`
	} `yaml:"target"`
	Kind            string                 `yaml:"kind"`
	JWT             *jwtPolicyDoc          `yaml:"jwt"`
	ExtAuthz        *extAuthzPolicyDoc     `yaml:"extAuthz"`
	Authorization   *authorizationPolicyDoc `yaml:"authorization"`
	LocalRateLimit  *localRateLimitDoc     `yaml:"localRateLimit"`
	RemoteRateLimit *remoteRateLimitDoc    `yaml:"remoteRateLimit"`
	Transformation  *transformationDoc     `yaml:"transformation"`
	BackendTLS      *backendTLSDoc         `yaml:"backendTls"`
	BackendAuth     *backendAuthDoc        `yaml:"backendAuth"`
	LLM             *llmPolicyDoc          `yaml:"llm"`
}

type jwtPolicyDoc struct {
	Issuer     string   `yaml:"issuer"`
	Audiences  []string `yaml:"audiences"`
	JWKSUri    string   `yaml:"jwksUri"`
	FromHeader string   `yaml:"fromHeader"`
}

type extAuthzPolicyDoc struct {
	BackendRef string `yaml:"backendRef"`
	TimeoutMS  int64  `yaml:"timeoutMs"`
}

type authorizationPolicyDoc struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

type localRateLimitDoc struct {
	Type           string `yaml:"type"` // requests|tokens
	Capacity       uint64 `yaml:"capacity"`
	RefillAmount   uint64 `yaml:"refillAmount"`
	RefillInterval int64  `yaml:"refillIntervalMs"`
}

type remoteRateLimitDoc struct {
	Target      string              `yaml:"target"`
	Descriptors []map[string]string `yaml:"descriptors"`
	TimeoutMS   int64               `yaml:"timeoutMs"`
}

type transformationDoc struct {
	Expression string `yaml:"expression"`
}

type backendTLSDoc struct {
	RootCA             string `yaml:"rootCa"`
	ServerName         string `yaml:"serverName"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
}

type backendAuthDoc struct {
	Kind        string `yaml:"kind"` // passthrough|key|gcp|aws
	SecretName  string `yaml:"secretName"`
	AWSImplicit bool   `yaml:"awsImplicit"`
}

type llmPolicyDoc struct {
	PromptGuard   *promptGuardDoc     `yaml:"promptGuard"`
	DefaultModel  string              `yaml:"defaultModel"`
	OverrideModel string              `yaml:"overrideModel"`
	Prepend       []canonicalMsgDoc   `yaml:"prependMessages"`
	Append        []canonicalMsgDoc   `yaml:"appendMessages"`
}

type canonicalMsgDoc struct {
	Role    string `yaml:"role"`
	Content string `yaml:"content"`
	Name    string `yaml:"name"`
}

type promptGuardDoc struct {
	Request  []guardRuleDoc `yaml:"request"`
	Response []guardRuleDoc `yaml:"response"`
}

type guardRuleDoc struct {
	Kind           string `yaml:"kind"` // regex|moderation|webhook
	Pattern        string `yaml:"pattern"`
	RejectStatus   int    `yaml:"rejectStatus"`
	RejectBody     string `yaml:"rejectBody"`
	WebhookURL     string `yaml:"webhookUrl"`
	WebhookTimeout int64  `yaml:"webhookTimeoutMs"`
}

// topLevelDoc adds the backends[] list the rest of Document's types
// reference by name; kept separate from Document to mirror spec.md §6's
// description of binds/workloads/services as the three documented
// top-level arrays, with backends as routes' by-reference dependency.
type topLevelDoc struct {
	Document `yaml:",inline"`
	Backends []backendDoc `yaml:"backends"`
}

// Load reads path, performs ${VAR} shell-style expansion against the
// process environment, parses the YAML document, and builds a
// store.Snapshot.
func Load(path string) (*store.Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if msg := checkPlaceholderBalance(string(raw)); msg != "" {
		return nil, fmt.Errorf("config: %s: %s", path, msg)
	}
	expanded := os.Expand(string(raw), lookupEnv)

	var doc topLevelDoc
	if err := yaml.Unmarshal([]byte(expanded), &doc); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return build(&doc)
}

// checkPlaceholderBalance reports an error message if s contains unbalanced
// braces (every unescaped '{' and '}' counts, not only those of "${...}"),
// or "" if they balance. \{ and \} escapes are treated as
// literal characters and don't affect depth.
func checkPlaceholderBalance(s string) string {
	depth := 0
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		if runes[i] == '\\' && i+1 < len(runes) && (runes[i+1] == '{' || runes[i+1] == '}') {
			i++
			continue
		}
		switch runes[i] {
		case '{':
			depth++
		case '}':
			if depth == 0 {
				return "unmatched '}': no opening '{' for this ${VAR} expansion"
			}
			depth--
		}
	}
	if depth > 0 {
		return "unclosed '${VAR}' expansion: '{' without matching '}'"
	}
	return ""
}

func lookupEnv(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok {
		return ""
	}
	return v
}

func build(doc *topLevelDoc) (*store.Snapshot, error) {
	b := store.NewBuilder()

	backendsByName := map[string]*backendDoc{}
	for i := range doc.Backends {
		backendsByName[doc.Backends[i].Name] = &doc.Backends[i]
	}

	for _, wd := range doc.Workloads {
		w, err := toWorkload(wd)
		if err != nil {
			return nil, err
		}
		b.AddWorkload(w)
	}
	for _, sd := range doc.Services {
		b.AddService(toService(sd))
	}
	for _, bd := range doc.Backends {
		backend, err := toBackend(bd)
		if err != nil {
			return nil, fmt.Errorf("backend %q: %w", bd.Name, err)
		}
		b.AddBackend(backend)
	}
	for _, pd := range doc.Policies {
		p, err := toPolicy(pd)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", pd.Name, err)
		}
		b.AddPolicy(p)
	}
	for bi, bd := range doc.Binds {
		bind := &store.Bind{Port: bd.Port, Listeners: map[string]*store.Listener{}}
		for _, ld := range bd.Listeners {
			l, err := toListener(ld)
			if err != nil {
				return nil, fmt.Errorf("bind[%d] listener %q: %w", bi, ld.Name, err)
			}
			key := ld.Name
			if key == "" {
				key = fmt.Sprintf("listener-%d", len(bind.Listeners))
			}
			bind.Listeners[key] = l
		}
		b.AddBind(fmt.Sprintf("bind-%d", bd.Port), bind)
	}
	return b.Build(), nil
}

func toListener(ld listenerDoc) (*store.Listener, error) {
	proto, err := parseProtocol(ld.Protocol)
	if err != nil {
		return nil, err
	}
	l := &store.Listener{
		Name:        ld.Name,
		GatewayName: ld.GatewayName,
		Hostname:    ld.Hostname,
		Protocol:    proto,
	}
	if ld.TLS != nil {
		l.TLSCert = ld.TLS.Cert
		l.TLSKey = ld.TLS.Key
	}
	for _, rd := range ld.Routes {
		r, err := toRoute(rd)
		if err != nil {
			return nil, err
		}
		l.Routes = append(l.Routes, r)
	}
	if len(ld.TCPRoutes) > 0 {
		tr, err := toTCPRoute(ld.TCPRoutes[0])
		if err != nil {
			return nil, err
		}
		l.TCPRoute = tr
	}
	return l, nil
}

func parseProtocol(s string) (store.Protocol, error) {
	switch s {
	case "HTTP", "":
		return store.ProtocolHTTP, nil
	case "HTTPS":
		return store.ProtocolHTTPS, nil
	case "TLS":
		return store.ProtocolTLS, nil
	case "TCP":
		return store.ProtocolTCP, nil
	case "HBONE":
		return store.ProtocolHBONE, nil
	default:
		return 0, fmt.Errorf("unknown listener protocol %q", s)
	}
}

func toRoute(rd routeDoc) (*store.Route, error) {
	r := &store.Route{
		Key:       store.RouteKey{Name: rd.Name, Rule: rd.RuleName},
		Hostnames: rd.Hostnames,
	}
	for _, md := range rd.Matches {
		r.Matches = append(r.Matches, toMatch(md))
	}
	for _, fd := range rd.Filters {
		f, err := toFilter(fd)
		if err != nil {
			return nil, err
		}
		r.Filters = append(r.Filters, f)
	}
	for _, wb := range rd.Backends {
		r.Backends = append(r.Backends, store.WeightedBackend{Weight: wb.Weight, Ref: store.BackendRef{Name: wb.Ref}})
	}
	if rd.Policy != nil {
		r.Policy = toTrafficPolicy(rd.Policy)
	}
	return r, nil
}

func toTCPRoute(td tcpRouteDoc) (*store.TCPRoute, error) {
	tr := &store.TCPRoute{}
	for _, wb := range td.Backends {
		tr.Backends = append(tr.Backends, store.WeightedBackend{Weight: wb.Weight, Ref: store.BackendRef{Name: wb.Ref}})
	}
	if td.Policy != nil {
		tr.Policy = toTrafficPolicy(td.Policy)
	}
	return tr, nil
}

func toTrafficPolicy(tp *trafficPolicyDoc) *store.TrafficPolicy {
	out := &store.TrafficPolicy{
		RequestTimeoutMS:        tp.RequestTimeoutMS,
		BackendRequestTimeoutMS: tp.BackendRequestTimeoutMS,
	}
	if tp.Retry != nil {
		codes := map[int]bool{}
		for _, c := range tp.Retry.Codes {
			codes[c] = true
		}
		out.Retry = &store.RetryPolicy{Codes: codes, Attempts: uint8(tp.Retry.Attempts), BackoffMS: tp.Retry.BackoffMS}
	}
	return out
}

func toMatch(md matchDoc) store.RouteMatch {
	m := store.RouteMatch{Method: md.Method}
	if md.Path != nil {
		m.Path = md.Path.Path
		m.PathLen = len(md.Path.Path)
		switch md.Path.Kind {
		case "prefix":
			m.PathKind = store.PathPrefix
		case "regex":
			m.PathKind = store.PathRegex
		default:
			m.PathKind = store.PathExact
		}
	}
	for _, hd := range md.Headers {
		m.Headers = append(m.Headers, toStringMatch(hd))
	}
	for _, qd := range md.Query {
		m.Query = append(m.Query, toStringMatch(qd))
	}
	return m
}

func toStringMatch(d stringMatchDoc) store.StringMatch {
	if d.Regex != "" {
		return store.StringMatch{Name: d.Name, Regex: d.Regex, IsRegex: true}
	}
	return store.StringMatch{Name: d.Name, Exact: d.Exact}
}

func toFilter(fd filterDoc) (store.Filter, error) {
	f := store.Filter{}
	switch fd.Kind {
	case "headerModifier":
		f.Kind = store.FilterHeaderModifier
		for _, h := range fd.HeaderOps {
			f.HeaderOps = append(f.HeaderOps, store.HeaderOp{Op: h.Op, Name: h.Name, Value: h.Value})
		}
	case "redirect":
		f.Kind = store.FilterRedirect
		if fd.Redirect != nil {
			f.Redirect = &store.RedirectFilter{
				Scheme: fd.Redirect.Scheme, Hostname: fd.Redirect.Hostname, Port: fd.Redirect.Port,
				Path: fd.Redirect.Path, PathFull: fd.Redirect.PathFull, StatusCode: fd.Redirect.StatusCode,
			}
		}
	case "rewrite":
		f.Kind = store.FilterRewrite
		if fd.Rewrite != nil {
			f.Rewrite = &store.RewriteFilter{
				HostMode: fd.Rewrite.HostMode, Host: fd.Rewrite.Host, Port: fd.Rewrite.Port,
				PathMode: fd.Rewrite.PathMode, Path: fd.Rewrite.Path,
			}
		}
	case "cors":
		f.Kind = store.FilterCORS
		if fd.CORS != nil {
			f.CORS = &store.CORSFilter{
				AllowOrigins: fd.CORS.AllowOrigins, AllowMethods: fd.CORS.AllowMethods,
				AllowHeaders: fd.CORS.AllowHeaders, AllowCredentials: fd.CORS.AllowCredentials,
				MaxAgeSeconds: fd.CORS.MaxAgeSeconds,
			}
		}
	case "directResponse":
		f.Kind = store.FilterDirectResponse
		if fd.DirectResponse != nil {
			f.DirectResponse = &store.DirectResponseFilter{
				StatusCode: fd.DirectResponse.StatusCode, Body: fd.DirectResponse.Body, Headers: fd.DirectResponse.Headers,
			}
		}
	case "mirror":
		f.Kind = store.FilterMirror
		if fd.Mirror != nil {
			f.Mirror = &store.MirrorFilter{BackendRef: fd.Mirror.BackendRef, Percentage: fd.Mirror.Percentage}
		}
	default:
		return f, fmt.Errorf("unknown filter kind %q", fd.Kind)
	}
	return f, nil
}

func toBackend(bd backendDoc) (*store.Backend, error) {
	b := &store.Backend{Name: bd.Name}
	switch {
	case bd.Service != nil:
		b.Kind = store.BackendService
		b.ServiceRef = bd.Service.Name
		b.ServicePort = bd.Service.Port
	case bd.Host != "":
		b.Kind = store.BackendOpaque
		b.Target = bd.Host
	case bd.Dynamic != nil:
		b.Kind = store.BackendDynamic
	case bd.MCP != nil:
		b.Kind = store.BackendMCP
		cfg := &store.MCPBackendConfig{StatefulMode: bd.MCP.StatefulMode}
		for _, td := range bd.MCP.Targets {
			t, err := toMCPTarget(td)
			if err != nil {
				return nil, err
			}
			cfg.Targets = append(cfg.Targets, t)
		}
		b.MCP = cfg
	case bd.AI != nil:
		b.Kind = store.BackendAI
		provider, err := parseAIProvider(bd.AI.Provider)
		if err != nil {
			return nil, err
		}
		b.AI = &store.AIBackendConfig{
			Provider: provider, HostOverride: bd.AI.HostOverride, Tokenize: bd.AI.Tokenize,
			ModelOverride: bd.AI.ModelOverride, Region: bd.AI.Region, Project: bd.AI.Project,
		}
	default:
		return nil, fmt.Errorf("backend %q: no variant set", bd.Name)
	}
	return b, nil
}

func toMCPTarget(td mcpTargetDoc) (store.McpTarget, error) {
	t := store.McpTarget{Name: td.Name, BackendRef: td.BackendRef, Path: td.Path, Cmd: td.Cmd, Args: td.Args, Env: td.Env}
	switch td.Kind {
	case "sse":
		t.Kind = store.McpTargetSSE
	case "streamableHttp", "":
		t.Kind = store.McpTargetStreamableHTTP
	case "stdio":
		t.Kind = store.McpTargetStdio
	case "openapi":
		t.Kind = store.McpTargetOpenAPI
		if td.OpenAPIFile != "" {
			raw, err := os.ReadFile(td.OpenAPIFile)
			if err != nil {
				return t, fmt.Errorf("mcp target %q: reading openapi spec: %w", td.Name, err)
			}
			t.OpenAPISpec = raw
		}
	default:
		return t, fmt.Errorf("unknown mcp target kind %q", td.Kind)
	}
	return t, nil
}

func parseAIProvider(s string) (store.AIProviderKind, error) {
	switch s {
	case "openai", "":
		return store.AIProviderOpenAI, nil
	case "anthropic":
		return store.AIProviderAnthropic, nil
	case "gemini":
		return store.AIProviderGemini, nil
	case "vertex":
		return store.AIProviderVertex, nil
	case "bedrock":
		return store.AIProviderBedrock, nil
	default:
		return 0, fmt.Errorf("unknown ai provider %q", s)
	}
}

func toWorkload(wd workloadDoc) (*store.Workload, error) {
	w := &store.Workload{
		UID: wd.UID,
		IPs: wd.IPs,
		Identity: store.Identity{
			TrustDomain: wd.Identity.TrustDomain, Namespace: wd.Identity.Namespace, ServiceAccount: wd.Identity.ServiceAccount,
		},
		Locality: store.Locality{Region: wd.Locality.Region, Zone: wd.Locality.Zone, Subzone: wd.Locality.Subzone},
		Capacity: wd.Capacity,
	}
	switch wd.Protocol {
	case "hbone":
		w.Protocol = store.WorkloadProtoHBONE
	default:
		w.Protocol = store.WorkloadProtoTCP
	}
	switch wd.Network {
	case "hbone":
		w.Network = store.NetworkModeHBONE
	default:
		w.Network = store.NetworkModeStandard
	}
	return w, nil
}

func toService(sd serviceDoc) *store.Service {
	s := &store.Service{
		Namespace: sd.Namespace, Hostname: sd.Hostname, VIPs: sd.VIPs, Waypoint: sd.Waypoint,
	}
	switch sd.IPFamily {
	case "ipv4":
		s.IPFamily = store.IPFamilyIPv4Only
	case "ipv6":
		s.IPFamily = store.IPFamilyIPv6Only
	default:
		s.IPFamily = store.IPFamilyDual
	}
	switch sd.LBHealth {
	case "allowUnknown":
		s.LBHealth = store.HealthAllowUnknown
	case "any":
		s.LBHealth = store.HealthAny
	default:
		s.LBHealth = store.HealthOnlyHealthy
	}
	for _, pd := range sd.Ports {
		s.Ports = append(s.Ports, store.ServicePort{ServicePort: pd.ServicePort, TargetPort: pd.TargetPort, AppProtocol: parseAppProtocol(pd.AppProtocol)})
	}
	for _, ed := range sd.Endpoints {
		health := store.HealthHealthy
		switch ed.Health {
		case "unhealthy":
			health = store.HealthUnhealthy
		case "unknown":
			health = store.HealthUnknown
		}
		s.Endpoints = append(s.Endpoints, &store.Endpoint{WorkloadUID: ed.WorkloadUID, PortOverrides: ed.PortOverrides, Health: health})
	}
	return s
}

func parseAppProtocol(s string) store.AppProtocol {
	switch s {
	case "http1":
		return store.AppProtocolHTTP1
	case "http2":
		return store.AppProtocolHTTP2
	case "grpc":
		return store.AppProtocolGRPC
	default:
		return store.AppProtocolUnspecified
	}
}

func toPolicy(pd policyDoc) (*store.Policy, error) {
	target := store.PolicyTarget{Name: pd.Target.Name}
	switch pd.Target.Kind {
	case "gateway":
		target.Kind = store.TargetGateway
	case "listener":
		target.Kind = store.TargetListener
	case "route":
		target.Kind = store.TargetRoute
	case "routeRule":
		target.Kind = store.TargetRouteRule
	case "backend":
		target.Kind = store.TargetBackend
	default:
		return nil, fmt.Errorf("unknown policy target kind %q", pd.Target.Kind)
	}

	p := &store.Policy{Name: pd.Name, Target: target}
	switch pd.Kind {
	case "jwt":
		p.Kind = store.PolicyJWT
		if pd.JWT != nil {
			p.JWT = &store.JWTPolicy{Issuer: pd.JWT.Issuer, Audiences: pd.JWT.Audiences, JWKSUri: pd.JWT.JWKSUri, FromHeader: pd.JWT.FromHeader}
		}
	case "extAuthz":
		p.Kind = store.PolicyExtAuthz
		if pd.ExtAuthz != nil {
			p.ExtAuthz = &store.ExtAuthzPolicy{BackendRef: pd.ExtAuthz.BackendRef, TimeoutMS: pd.ExtAuthz.TimeoutMS}
		}
	case "authorization":
		p.Kind = store.PolicyAuthorization
		if pd.Authorization != nil {
			p.Authorization = &store.AuthorizationPolicy{Allow: pd.Authorization.Allow, Deny: pd.Authorization.Deny}
		}
	case "localRateLimit":
		p.Kind = store.PolicyLocalRateLimit
		if pd.LocalRateLimit != nil {
			t := store.RateLimitRequests
			if pd.LocalRateLimit.Type == "tokens" {
				t = store.RateLimitTokens
			}
			p.LocalRateLimit = &store.LocalRateLimitPolicy{
				Name: pd.Name, Type: t, Capacity: pd.LocalRateLimit.Capacity,
				RefillAmount: pd.LocalRateLimit.RefillAmount, RefillInterval: pd.LocalRateLimit.RefillInterval,
			}
		}
	case "remoteRateLimit":
		p.Kind = store.PolicyRemoteRateLimit
		if pd.RemoteRateLimit != nil {
			p.RemoteRateLimit = &store.RemoteRateLimitPolicy{
				Target: pd.RemoteRateLimit.Target, Descriptors: pd.RemoteRateLimit.Descriptors, TimeoutMS: pd.RemoteRateLimit.TimeoutMS,
			}
		}
	case "transformation":
		p.Kind = store.PolicyTransformation
		if pd.Transformation != nil {
			p.Transformation = &store.TransformationPolicy{Expression: pd.Transformation.Expression}
		}
	case "backendTls":
		p.Kind = store.PolicyBackendTLS
		if pd.BackendTLS != nil {
			p.BackendTLS = &store.BackendTLSPolicy{
				RootCA: pd.BackendTLS.RootCA, ServerName: pd.BackendTLS.ServerName, InsecureSkipVerify: pd.BackendTLS.InsecureSkipVerify,
			}
		}
	case "backendAuth":
		p.Kind = store.PolicyBackendAuth
		if pd.BackendAuth != nil {
			kind, err := parseBackendAuthKind(pd.BackendAuth.Kind)
			if err != nil {
				return nil, err
			}
			p.BackendAuth = &store.BackendAuthPolicy{Kind: kind, SecretName: pd.BackendAuth.SecretName, AWSImplicit: pd.BackendAuth.AWSImplicit}
		}
	case "llm":
		p.Kind = store.PolicyLLM
		if pd.LLM != nil {
			p.LLM = toLLMPolicy(pd.LLM)
		}
	default:
		return nil, fmt.Errorf("unknown policy kind %q", pd.Kind)
	}
	return p, nil
}

func parseBackendAuthKind(s string) (store.BackendAuthKind, error) {
	switch s {
	case "passthrough", "":
		return store.BackendAuthPassthrough, nil
	case "key":
		return store.BackendAuthKey, nil
	case "gcp":
		return store.BackendAuthGCP, nil
	case "aws":
		return store.BackendAuthAWS, nil
	default:
		return 0, fmt.Errorf("unknown backend auth kind %q", s)
	}
}

func toLLMPolicy(ld *llmPolicyDoc) *store.LLMPolicy {
	p := &store.LLMPolicy{DefaultModel: ld.DefaultModel, OverrideModel: ld.OverrideModel}
	for _, m := range ld.Prepend {
		p.PrependMessages = append(p.PrependMessages, store.CanonicalMessage{Role: m.Role, Content: m.Content, Name: m.Name})
	}
	for _, m := range ld.Append {
		p.AppendMessages = append(p.AppendMessages, store.CanonicalMessage{Role: m.Role, Content: m.Content, Name: m.Name})
	}
	if ld.PromptGuard != nil {
		p.PromptGuard = &store.PromptGuardPolicy{
			Request:  toGuardRules(ld.PromptGuard.Request),
			Response: toGuardRules(ld.PromptGuard.Response),
		}
	}
	return p
}

func toGuardRules(rules []guardRuleDoc) []store.PromptGuardRule {
	out := make([]store.PromptGuardRule, 0, len(rules))
	for _, r := range rules {
		rule := store.PromptGuardRule{
			Pattern: r.Pattern, RejectStatus: r.RejectStatus, RejectBody: r.RejectBody,
			WebhookURL: r.WebhookURL, WebhookTimeout: r.WebhookTimeout,
		}
		switch r.Kind {
		case "moderation":
			rule.Kind = store.GuardModeration
		case "webhook":
			rule.Kind = store.GuardWebhook
		default:
			rule.Kind = store.GuardRegex
		}
		out = append(out, rule)
	}
	return out
}
