// Package mcp implements the relay core of spec.md §4.7: it fans downstream
// JSON-RPC calls out to one or more upstream MCP targets, aggregating
// list_* results and dispatching call_tool/get_prompt/read_resource by
// stripping the per-target name prefix.
package mcp

import (
	"context"
	"net/http"
	"sync"

	mcpsdk "github.com/mark3labs/mcp-go/mcp"

	"relaygate/internal/gwerror"
	"relaygate/internal/mcp/openapi"
	"relaygate/internal/mcp/upstream"
	"relaygate/internal/policy"
	"relaygate/internal/policy/jwt"
	"relaygate/internal/store"
)

// ResourceKind tags an MCP invocation for the authorization CEL context
// (spec.md §4.7).
type ResourceKind string

const (
	ResourceTool     ResourceKind = "tool"
	ResourcePrompt   ResourceKind = "prompt"
	ResourceResource ResourceKind = "resource"
)

// target is one upstream the relay fans out to: either a live MCP
// connection or an OpenAPI-as-MCP adapter.
type target struct {
	name   string
	conn   *upstream.Conn
	oapi   *openapi.Target
	config store.McpTarget
}

// Session holds the per-downstream-session upstream state: in stateful
// mode, one connection per target established lazily and reused; in
// stateless mode, Session is not retained across requests.
type Session struct {
	mu      sync.Mutex
	targets map[string]*target
}

// Relay fans a single MCP backend's configured targets out and back.
type Relay struct {
	cfg    *store.MCPBackendConfig
	engine *policy.Engine
	authz  *store.AuthorizationPolicy

	mu       sync.Mutex
	sessions map[string]*Session // keyed by downstream session id, stateful mode only
}

// New returns a Relay for cfg. authz, if non-nil, is evaluated before every
// invocation per spec.md §4.7.
func New(cfg *store.MCPBackendConfig, engine *policy.Engine, authz *store.AuthorizationPolicy) *Relay {
	return &Relay{cfg: cfg, engine: engine, authz: authz, sessions: map[string]*Session{}}
}

func (r *Relay) prefixed() bool { return len(r.cfg.Targets) > 1 }

// SessionFor returns the Session for sessionID, creating one in stateful
// mode or a fresh transient one in stateless mode (spec.md §4.7).
func (r *Relay) SessionFor(sessionID string) *Session {
	if !r.cfg.StatefulMode || sessionID == "" {
		return &Session{targets: map[string]*target{}}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[sessionID]; ok {
		return s
	}
	s := &Session{targets: map[string]*target{}}
	r.sessions[sessionID] = s
	return s
}

// CloseSession tears down a stateful session's upstream connections.
func (r *Relay) CloseSession(sessionID string) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.targets {
		if t.conn != nil {
			_ = t.conn.Close()
		}
	}
}

func (s *Session) connect(ctx context.Context, cfg store.McpTarget) (*target, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.targets[cfg.Name]; ok {
		return t, nil
	}

	// cfg.Path is expected to already be the target's resolved base URL: the
	// pipeline resolves BackendRef to a concrete address before handing the
	// McpTarget to the relay, so session construction never needs the
	// backend resolver itself.
	t := &target{name: cfg.Name, config: cfg}
	if cfg.Kind == store.McpTargetOpenAPI {
		oapi, err := openapi.New(cfg.OpenAPISpec, cfg.Path, nil)
		if err != nil {
			return nil, err
		}
		t.oapi = oapi
	} else {
		conn, err := upstream.Connect(ctx, cfg, cfg.Path)
		if err != nil {
			return nil, err
		}
		t.conn = conn
	}
	s.targets[cfg.Name] = t
	return t, nil
}

// ListTools fans list_tools out to every target, concatenating results and
// prefixing names with "<target>_" when more than one target is configured.
func (r *Relay) ListTools(ctx context.Context, sess *Session) ([]mcpsdk.Tool, error) {
	var out []mcpsdk.Tool
	for _, cfg := range r.cfg.Targets {
		t, err := sess.connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		var tools []mcpsdk.Tool
		if t.oapi != nil {
			tools = t.oapi.Tools()
		} else {
			tools = t.conn.Capabilities.Tools
		}
		for _, tool := range tools {
			if r.prefixed() {
				tool.Name = t.name + "_" + tool.Name
			}
			out = append(out, tool)
		}
	}
	return out, nil
}

// ListPrompts mirrors ListTools for prompts.
func (r *Relay) ListPrompts(ctx context.Context, sess *Session) ([]mcpsdk.Prompt, error) {
	var out []mcpsdk.Prompt
	for _, cfg := range r.cfg.Targets {
		if cfg.Kind == store.McpTargetOpenAPI {
			continue
		}
		t, err := sess.connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		for _, p := range t.conn.Capabilities.Prompts {
			if r.prefixed() {
				p.Name = t.name + "_" + p.Name
			}
			out = append(out, p)
		}
	}
	return out, nil
}

// ListResources mirrors ListTools for resources.
func (r *Relay) ListResources(ctx context.Context, sess *Session) ([]mcpsdk.Resource, error) {
	var out []mcpsdk.Resource
	for _, cfg := range r.cfg.Targets {
		if cfg.Kind == store.McpTargetOpenAPI {
			continue
		}
		t, err := sess.connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		for _, res := range t.conn.Capabilities.Resources {
			if r.prefixed() {
				res.URI = t.name + "_" + res.URI
			}
			out = append(out, res)
		}
	}
	return out, nil
}

// ListResourceTemplates mirrors ListTools for resource templates.
func (r *Relay) ListResourceTemplates(ctx context.Context, sess *Session) ([]mcpsdk.ResourceTemplate, error) {
	var out []mcpsdk.ResourceTemplate
	for _, cfg := range r.cfg.Targets {
		if cfg.Kind == store.McpTargetOpenAPI {
			continue
		}
		t, err := sess.connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		for _, tmpl := range t.conn.Capabilities.ResourceTemplates {
			if r.prefixed() {
				tmpl.URITemplate = t.name + "_" + tmpl.URITemplate
			}
			out = append(out, tmpl)
		}
	}
	return out, nil
}

// splitPrefix strips "<target>_" from name iff the relay has more than one
// target, returning the target name and the unprefixed name.
func (r *Relay) splitPrefix(name string) (targetName, rest string) {
	if !r.prefixed() {
		if len(r.cfg.Targets) == 1 {
			return r.cfg.Targets[0].Name, name
		}
		return "", name
	}
	for _, cfg := range r.cfg.Targets {
		p := cfg.Name + "_"
		if len(name) > len(p) && name[:len(p)] == p {
			return cfg.Name, name[len(p):]
		}
	}
	return "", name
}

func (r *Relay) targetConfig(name string) (store.McpTarget, bool) {
	for _, cfg := range r.cfg.Targets {
		if cfg.Name == name {
			return cfg, true
		}
	}
	return store.McpTarget{}, false
}

// authorize runs the MCP authorization CEL rule-set, fail-closed on error
// (spec.md §4.7, §7).
func (r *Relay) authorize(req *http.Request, claims jwt.Claims, kind ResourceKind, target, name string) error {
	if r.authz == nil || r.engine == nil {
		return nil
	}
	allowed, err := r.engine.AuthorizeResource(r.authz, req, claims, string(kind), target, name)
	if err != nil {
		return gwerror.New(gwerror.KindAuthorizationFailed, "mcp authorization evaluation failed: %v", err)
	}
	if !allowed {
		return gwerror.New(gwerror.KindAuthorizationFailed, "denied: %s %s/%s", kind, target, name)
	}
	return nil
}

// CallTool dispatches call_tool, stripping the target prefix and routing to
// the named upstream (OpenAPI or live MCP connection).
func (r *Relay) CallTool(ctx context.Context, sess *Session, req *http.Request, claims jwt.Claims, name string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	targetName, toolName := r.splitPrefix(name)
	if err := r.authorize(req, claims, ResourceTool, targetName, toolName); err != nil {
		return nil, err
	}
	cfg, ok := r.targetConfig(targetName)
	if !ok {
		return nil, gwerror.New(gwerror.KindBackendDoesNotExist, "mcp target %q not found for tool %q", targetName, name)
	}
	t, err := sess.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if t.oapi != nil {
		return t.oapi.Call(ctx, toolName, args)
	}
	return t.conn.CallTool(ctx, toolName, args)
}

// GetPrompt dispatches get_prompt, stripping the target prefix.
func (r *Relay) GetPrompt(ctx context.Context, sess *Session, req *http.Request, claims jwt.Claims, name string, args map[string]string) (*mcpsdk.GetPromptResult, error) {
	targetName, promptName := r.splitPrefix(name)
	if err := r.authorize(req, claims, ResourcePrompt, targetName, promptName); err != nil {
		return nil, err
	}
	cfg, ok := r.targetConfig(targetName)
	if !ok {
		return nil, gwerror.New(gwerror.KindBackendDoesNotExist, "mcp target %q not found for prompt %q", targetName, name)
	}
	t, err := sess.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if t.conn == nil {
		return nil, gwerror.New(gwerror.KindBackendDoesNotExist, "target %q does not support prompts", targetName)
	}
	return t.conn.GetPrompt(ctx, promptName, args)
}

// ReadResource dispatches read_resource, stripping the target prefix.
func (r *Relay) ReadResource(ctx context.Context, sess *Session, req *http.Request, claims jwt.Claims, uri string) (*mcpsdk.ReadResourceResult, error) {
	targetName, resourceURI := r.splitPrefix(uri)
	if err := r.authorize(req, claims, ResourceResource, targetName, resourceURI); err != nil {
		return nil, err
	}
	cfg, ok := r.targetConfig(targetName)
	if !ok {
		return nil, gwerror.New(gwerror.KindBackendDoesNotExist, "mcp target %q not found for resource %q", targetName, uri)
	}
	t, err := sess.connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if t.conn == nil {
		return nil, gwerror.New(gwerror.KindBackendDoesNotExist, "target %q does not support resources", targetName)
	}
	return t.conn.ReadResource(ctx, resourceURI)
}
