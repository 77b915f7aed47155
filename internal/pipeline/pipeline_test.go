package pipeline

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"relaygate/internal/policy"
	"relaygate/internal/policy/jwt"
	"relaygate/internal/store"
	"relaygate/internal/upstream"
)

func newTestHandler(t *testing.T, snap *store.Snapshot, bindName string) *Handler {
	t.Helper()
	engine := policy.New(jwt.KeyFunc(nil))
	h := NewHandler(func() *store.Snapshot { return snap }, bindName, engine, upstream.New())
	return h
}

func TestServeHTTP_RoutesToOpaqueBackend(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer upstreamSrv.Close()

	snap := store.NewBuilder().
		AddBackend(&store.Backend{Kind: store.BackendOpaque, Name: "up", Target: upstreamSrv.Listener.Addr().String()}).
		AddBind("bind-0", &store.Bind{
			Listeners: map[string]*store.Listener{
				"default": {
					Name:     "default",
					Protocol: store.ProtocolHTTP,
					Routes: []*store.Route{{
						Key:      store.RouteKey{Name: "root"},
						Matches:  []store.RouteMatch{{Path: "/", PathKind: store.PathPrefix, PathLen: 1}},
						Backends: []store.WeightedBackend{{Weight: 1, Ref: store.BackendRef{Name: "up"}}},
					}},
				},
			},
		}).
		Build()

	h := newTestHandler(t, snap, "bind-0")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if rw.Code != http.StatusTeapot {
		t.Fatalf("expected upstream status to pass through, got %d", rw.Code)
	}
}

func TestServeHTTP_UnknownBindReturnsError(t *testing.T) {
	snap := store.NewBuilder().Build()
	h := newTestHandler(t, snap, "missing-bind")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, req)

	if rw.Code < 400 {
		t.Fatalf("expected an error status for unknown bind, got %d", rw.Code)
	}
}

func TestResolveMCPTargets_ResolvesBackendRef(t *testing.T) {
	snap := store.NewBuilder().
		AddBackend(&store.Backend{Kind: store.BackendOpaque, Name: "tool-server", Target: "10.0.0.5:9000"}).
		Build()
	h := newTestHandler(t, snap, "bind-0")

	cfg := &store.MCPBackendConfig{Targets: []store.McpTarget{
		{Name: "t1", Kind: store.McpTargetStreamableHTTP, BackendRef: "tool-server"},
		{Name: "t2", Kind: store.McpTargetSSE, Path: "http://external.example/sse"},
	}}

	resolved, err := h.resolveMCPTargets(snap, cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resolved.Targets[0].Path != "http://10.0.0.5:9000" {
		t.Fatalf("expected resolved path from backend ref, got %q", resolved.Targets[0].Path)
	}
	if resolved.Targets[1].Path != "http://external.example/sse" {
		t.Fatalf("expected explicit path left untouched, got %q", resolved.Targets[1].Path)
	}
}

func TestResolveMCPTargets_UnknownBackendRefErrors(t *testing.T) {
	snap := store.NewBuilder().Build()
	h := newTestHandler(t, snap, "bind-0")

	cfg := &store.MCPBackendConfig{Targets: []store.McpTarget{
		{Name: "t1", Kind: store.McpTargetStreamableHTTP, BackendRef: "does-not-exist"},
	}}
	if _, err := h.resolveMCPTargets(snap, cfg); err == nil {
		t.Fatalf("expected error for unresolvable backend ref")
	}
}

func TestSelectListener_HostExactBeatsWildcard(t *testing.T) {
	exact := &store.Listener{Name: "exact", Hostname: "api.example.com"}
	wildcard := &store.Listener{Name: "wildcard", Hostname: "*.example.com"}
	bind := &store.Bind{Listeners: map[string]*store.Listener{"e": exact, "w": wildcard}}

	got := selectListener(bind, "api.example.com")
	if got != exact {
		t.Fatalf("expected exact-host listener to win, got %+v", got)
	}

	got = selectListener(bind, "other.example.com")
	if got != wildcard {
		t.Fatalf("expected wildcard listener for non-exact host, got %+v", got)
	}
}

// TestSelectListener_LongestWildcardSuffixWins covers spec.md §3's
// longest-suffix wildcard precedence: with two overlapping wildcard
// listeners both matching the host, the more specific one must win
// regardless of map iteration order, so the case runs many times.
func TestSelectListener_LongestWildcardSuffixWins(t *testing.T) {
	broad := &store.Listener{Name: "broad", Hostname: "*.example.com"}
	narrow := &store.Listener{Name: "narrow", Hostname: "*.foo.example.com"}

	for i := 0; i < 20; i++ {
		bind := &store.Bind{Listeners: map[string]*store.Listener{"broad": broad, "narrow": narrow}}
		got := selectListener(bind, "bar.foo.example.com")
		if got != narrow {
			t.Fatalf("iteration %d: expected longest-suffix wildcard %+v to win, got %+v", i, narrow, got)
		}
	}
}
