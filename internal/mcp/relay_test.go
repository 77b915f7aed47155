package mcp

import (
	"context"
	"net/http/httptest"
	"testing"

	"relaygate/internal/store"
)

const oneOpTarget = `
openapi: "3.0.0"
info:
  title: sample
  version: "1.0"
paths:
  /ping:
    get:
      operationId: ping
      responses:
        "200":
          description: ok
`

func TestSplitPrefix_SingleTargetNeverPrefixes(t *testing.T) {
	r := New(&store.MCPBackendConfig{Targets: []store.McpTarget{{Name: "only"}}}, nil, nil)
	target, rest := r.splitPrefix("my_tool")
	if target != "only" || rest != "my_tool" {
		t.Fatalf("expected unprefixed single-target lookup, got (%q, %q)", target, rest)
	}
}

func TestSplitPrefix_MultiTargetStripsPrefix(t *testing.T) {
	r := New(&store.MCPBackendConfig{Targets: []store.McpTarget{{Name: "a"}, {Name: "b"}}}, nil, nil)
	target, rest := r.splitPrefix("b_my_tool")
	if target != "b" || rest != "my_tool" {
		t.Fatalf("expected target %q and rest %q, got (%q, %q)", "b", "my_tool", target, rest)
	}
}

func TestSplitPrefix_MultiTargetUnknownPrefixReturnsEmpty(t *testing.T) {
	r := New(&store.MCPBackendConfig{Targets: []store.McpTarget{{Name: "a"}, {Name: "b"}}}, nil, nil)
	target, rest := r.splitPrefix("nope")
	if target != "" || rest != "nope" {
		t.Fatalf("expected no target match, got (%q, %q)", target, rest)
	}
}

func TestTargetConfig_FindsByName(t *testing.T) {
	r := New(&store.MCPBackendConfig{Targets: []store.McpTarget{{Name: "a"}, {Name: "b"}}}, nil, nil)
	cfg, ok := r.targetConfig("b")
	if !ok || cfg.Name != "b" {
		t.Fatalf("expected to find target %q, got %+v ok=%v", "b", cfg, ok)
	}
	if _, ok := r.targetConfig("missing"); ok {
		t.Fatalf("expected no match for unknown target name")
	}
}

func TestSessionFor_StatelessAlwaysFresh(t *testing.T) {
	r := New(&store.MCPBackendConfig{StatefulMode: false}, nil, nil)
	s1 := r.SessionFor("same-id")
	s2 := r.SessionFor("same-id")
	if s1 == s2 {
		t.Fatalf("expected a fresh session every call in stateless mode")
	}
}

func TestSessionFor_StatefulReusesSameID(t *testing.T) {
	r := New(&store.MCPBackendConfig{StatefulMode: true}, nil, nil)
	s1 := r.SessionFor("same-id")
	s2 := r.SessionFor("same-id")
	if s1 != s2 {
		t.Fatalf("expected session reuse for same session id in stateful mode")
	}
	s3 := r.SessionFor("other-id")
	if s1 == s3 {
		t.Fatalf("expected distinct sessions for distinct session ids")
	}
}

func TestAuthorize_NoPolicyAllows(t *testing.T) {
	r := New(&store.MCPBackendConfig{}, nil, nil)
	req := httptest.NewRequest("POST", "/mcp", nil)
	if err := r.authorize(req, nil, ResourceTool, "t", "tool"); err != nil {
		t.Fatalf("expected no-policy authorize to pass, got %v", err)
	}
}

func TestListTools_PrefixesWhenMultipleOpenAPITargets(t *testing.T) {
	cfg := &store.MCPBackendConfig{Targets: []store.McpTarget{
		{Name: "svcA", Kind: store.McpTargetOpenAPI, OpenAPISpec: []byte(oneOpTarget), Path: "http://a"},
		{Name: "svcB", Kind: store.McpTargetOpenAPI, OpenAPISpec: []byte(oneOpTarget), Path: "http://b"},
	}}
	r := New(cfg, nil, nil)
	sess := r.SessionFor("")

	tools, err := r.ListTools(context.Background(), sess)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools across both targets, got %d", len(tools))
	}
	names := map[string]bool{tools[0].Name: true, tools[1].Name: true}
	if !names["svcA_ping"] || !names["svcB_ping"] {
		t.Fatalf("expected prefixed tool names, got %+v", tools)
	}
}

func TestListTools_NoPrefixWithSingleTarget(t *testing.T) {
	cfg := &store.MCPBackendConfig{Targets: []store.McpTarget{
		{Name: "svcA", Kind: store.McpTargetOpenAPI, OpenAPISpec: []byte(oneOpTarget), Path: "http://a"},
	}}
	r := New(cfg, nil, nil)
	sess := r.SessionFor("")

	tools, err := r.ListTools(context.Background(), sess)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "ping" {
		t.Fatalf("expected single unprefixed tool, got %+v", tools)
	}
}
