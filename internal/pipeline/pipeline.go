// Package pipeline wires the router, filter chain, policy engine, backend
// resolver, upstream client, LLM layer, and MCP relay into the per-request
// orchestrator of spec.md §2/§9: "accept -> HTTP parse -> normalize URI ->
// select listener by SNI/Host -> select route -> run request filters ->
// apply route policies -> select backend -> apply backend policies ->
// dispatch upstream -> run response filters and LLM response processing ->
// stream body back".
package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/grpc"

	"relaygate/internal/backend"
	"relaygate/internal/filter"
	"relaygate/internal/gwerror"
	"relaygate/internal/hbone"
	"relaygate/internal/llm"
	"relaygate/internal/logging"
	"relaygate/internal/mcp"
	"relaygate/internal/mcp/rpc"
	"relaygate/internal/policy"
	"relaygate/internal/policy/extauthz"
	"relaygate/internal/policy/ratelimitremote"
	"relaygate/internal/ratelimit"
	"relaygate/internal/router"
	"relaygate/internal/store"
	"relaygate/internal/upstream"
)

// Handler is the per-Bind HTTP orchestrator. ExtAuthzInvoke and
// RemoteRLInvoke are the narrow, out-of-scope wire hooks a deployment
// supplies for the ext-authz and remote-rate-limit sidecar protocols
// (spec.md §4.3 steps 2/5, §1); when nil, those steps are skipped for any
// policy that references them.
type Handler struct {
	Snapshot func() *store.Snapshot
	BindName string

	Engine   *policy.Engine
	Upstream *upstream.Client

	// HBONE, when non-nil, carries workload-to-workload traffic for backends
	// whose resolved Workload speaks the HBONE tunnel protocol (spec.md
	// §4.8). SourceIdentity is this gateway instance's own SPIFFE identity,
	// the first half of the pool's connection key.
	HBONE          *hbone.Pool
	SourceIdentity store.Identity

	ExtAuthz       map[string]*extauthz.Client // backendRef -> client
	ExtAuthzInvoke func(ctx context.Context, conn *grpc.ClientConn, in extauthz.CheckInput) (extauthz.CheckResult, error)

	RemoteRateLimit map[string]*ratelimitremote.Client
	RemoteRLInvoke  ratelimitremote.Invoke

	Guards *llm.Guards

	mcpMu     sync.Mutex
	mcpRelays map[*store.Backend]*mcp.Relay

	routeMu   sync.Mutex
	routeSets map[*store.Listener]*router.RouteSet
}

// NewHandler returns a Handler bound to a live Snapshot accessor for one
// Bind name.
func NewHandler(snapshot func() *store.Snapshot, bindName string, engine *policy.Engine, up *upstream.Client) *Handler {
	return &Handler{
		Snapshot:  snapshot,
		BindName:  bindName,
		Engine:    engine,
		Upstream:  up,
		Guards:    llm.NewGuards(),
		mcpRelays: map[*store.Backend]*mcp.Relay{},
		routeSets: map[*store.Listener]*router.RouteSet{},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec := logging.New("pipeline")
	defer rec.Close()
	rec.Set("method", r.Method).Set("path", r.URL.Path).Set("host", r.Host)

	snap := h.Snapshot()
	bind, ok := snap.Binds[h.BindName]
	if !ok {
		h.writeErr(w, rec, gwerror.New(gwerror.KindBindNotFound, ""))
		return
	}

	listener := selectListener(bind, hostOnly(r.Host))
	if listener == nil {
		h.writeErr(w, rec, gwerror.New(gwerror.KindListenerNotFound, ""))
		return
	}
	rec.Set("listener", listener.Name)

	rs := h.routeSetFor(listener)
	result, err := router.Lookup(rs, r)
	if err != nil {
		h.writeErr(w, rec, gwerror.New(gwerror.KindRouteNotFound, ""))
		return
	}
	rec.Set("route", result.Route.Key.String())

	matchedPrefix := ""
	if result.Match.PathKind == store.PathPrefix {
		matchedPrefix = result.Match.Path
	}

	sc, corsHeaders := filter.Chain(result.Route.Filters, r, matchedPrefix, h.mirror(snap), mathRandFloat)
	if sc != nil {
		for k, v := range corsHeaders {
			w.Header().Set(k, v)
		}
		writeShortCircuit(w, sc)
		return
	}

	ref, err := backend.PickWeightedBackend(result.Route.Backends)
	if err != nil {
		h.writeErr(w, rec, err)
		return
	}
	target, err := backend.Resolve(snap, ref, r.Host, r.Header.Get("x-override-dest-ip"))
	if err != nil {
		h.writeErr(w, rec, err)
		return
	}
	rec.Set("backend", target.Backend.Name)

	policies := snap.ResolveChain(
		store.PolicyTarget{Kind: store.TargetListener, Name: listener.Name},
		store.PolicyTarget{Kind: store.TargetRoute, Name: result.Route.Key.String()},
		store.PolicyTarget{Kind: store.TargetBackend, Name: target.Backend.Name},
	)

	var estimator policy.TokenEstimator
	if target.Backend.Kind == store.BackendAI && target.Backend.AI.Tokenize {
		// The real prompt token count isn't known until the body is parsed
		// into canonical messages inside llm.PrepareRequest; ingress-time
		// local rate limiting conservatively estimates 0 and the true cost
		// is reconciled on response via amend (spec.md §4.3 step 4, §4.6).
		estimator = func(*http.Request) uint64 { return 0 }
	}

	outcome, err := h.Engine.Apply(r, policies, estimator)
	if err != nil {
		h.writeErr(w, rec, err)
		return
	}

	if err := h.runExtAuthz(r, policies); err != nil {
		h.writeErr(w, rec, err)
		return
	}
	if err := h.runRemoteRateLimit(r.Context(), policies); err != nil {
		h.writeErr(w, rec, err)
		return
	}

	switch target.Backend.Kind {
	case store.BackendMCP:
		h.serveMCP(w, r, snap, target.Backend, policies, outcome)
	case store.BackendAI:
		h.serveAI(w, r, target, policies, outcome, rec)
	default:
		h.serveHTTP(w, r, target, result.Route.Policy, corsHeaders, rec)
	}
}

func (h *Handler) serveHTTP(w http.ResponseWriter, r *http.Request, target *backend.Target, tp *store.TrafficPolicy, corsHeaders map[string]string, rec *logging.Record) {
	out := r.Clone(r.Context())
	out.URL.Scheme = "http"
	out.URL.Host = target.Address
	out.Host = target.Address
	out.RequestURI = ""
	upstream.StripHopByHop(out.Header)

	var retry *store.RetryPolicy
	var timeout upstream.Timeout
	if tp != nil {
		retry = tp.Retry
		timeout = upstream.Timeout{
			RequestTimeout:        time.Duration(tp.RequestTimeoutMS) * time.Millisecond,
			BackendRequestTimeout: time.Duration(tp.BackendRequestTimeoutMS) * time.Millisecond,
		}
	}

	var resp *http.Response
	var err error
	if target.Workload != nil && target.Workload.Network == store.NetworkModeHBONE && h.HBONE != nil {
		var conn *hbone.Conn
		conn, err = h.hboneCheckout(r.Context(), target)
		if err != nil {
			h.writeErr(w, rec, gwerror.New(gwerror.KindUpstreamCallFailed, "hbone dial: %v", err))
			return
		}
		defer conn.Release()
		rec.Set("transport", "hbone")
		out.URL.Scheme = "https"
		resp, err = conn.RoundTripper().RoundTrip(out)
	} else {
		resp, err = h.Upstream.Do(r.Context(), out, retry, timeout)
	}
	if err != nil {
		h.writeErr(w, rec, err)
		return
	}
	defer resp.Body.Close()

	for k, v := range corsHeaders {
		resp.Header.Set(k, v)
	}
	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// hboneCheckout checks out a pooled multiplexed HBONE connection for
// target's workload, keyed by (source identity, dest identity, dest
// address) per spec.md §4.8.
func (h *Handler) hboneCheckout(ctx context.Context, target *backend.Target) (*hbone.Conn, error) {
	key := hbone.Key{
		SourceIdentity: h.SourceIdentity.String(),
		DestIdentity:   target.Workload.Identity.String(),
		DestAddress:    target.Address,
	}
	return h.HBONE.Checkout(ctx, key)
}

func (h *Handler) serveAI(w http.ResponseWriter, r *http.Request, target *backend.Target, policies []*store.Policy, outcome *policy.Outcome, rec *logging.Record) {
	var llmPolicy *store.LLMPolicy
	for _, p := range policies {
		if p.Kind == store.PolicyLLM {
			llmPolicy = p.LLM
		}
	}

	prepared, err := llm.PrepareRequest(r.Context(), r, target.Backend.AI, llmPolicy, h.Guards)
	if err != nil {
		h.writeErr(w, rec, err)
		return
	}
	if target.Address != "" {
		prepared.Outbound.URL.Host = target.Address
	}
	prepared.Outbound.URL.Scheme = "https"

	resp, err := h.Upstream.Transport.RoundTrip(prepared.Outbound)
	if err != nil {
		h.writeErr(w, rec, gwerror.New(gwerror.KindUpstreamCallFailed, "%v", err))
		return
	}
	defer resp.Body.Close()

	buckets := h.tokenBuckets(policies, outcome)

	if strings.Contains(resp.Header.Get("content-type"), "text/event-stream") {
		w.Header().Set("content-type", "text/event-stream")
		w.WriteHeader(resp.StatusCode)
		flusher, _ := w.(http.Flusher)
		streamErr := llm.StreamPassthrough(r.Context(), resp.Body, prepared.Adapter, prepared.EstimatedTokens, buckets, func(raw []byte) error {
			if _, werr := w.Write(append(raw, '\n', '\n')); werr != nil {
				return werr
			}
			if flusher != nil {
				flusher.Flush()
			}
			return nil
		})
		if streamErr != nil {
			rec.Errorf("llm stream passthrough: %v", streamErr)
		}
		return
	}

	chatResp, errResp, err := llm.ProcessResponse(r.Context(), resp, prepared.EstimatedTokens, llmPolicy, h.Guards, buckets)
	if err != nil {
		h.writeErr(w, rec, err)
		return
	}
	if errResp != nil {
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(resp.StatusCode)
		_ = json.NewEncoder(w).Encode(errResp)
		return
	}
	rec.Set("prompt_tokens", chatResp.Usage.PromptTokens).
		Set("completion_tokens", chatResp.Usage.CompletionTokens).
		Set("model", chatResp.Model)
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(chatResp)
}

func (h *Handler) tokenBuckets(policies []*store.Policy, outcome *policy.Outcome) []*ratelimit.Bucket {
	var buckets []*ratelimit.Bucket
	for _, p := range policies {
		if p.Kind != store.PolicyLocalRateLimit || p.LocalRateLimit.Type != store.RateLimitTokens {
			continue
		}
		if _, consumed := outcome.ConsumedTokens[p.Name]; !consumed {
			continue
		}
		if b, ok := h.Engine.Bucket(p.Name); ok {
			buckets = append(buckets, b)
		}
	}
	return buckets
}

func (h *Handler) serveMCP(w http.ResponseWriter, r *http.Request, snap *store.Snapshot, b *store.Backend, policies []*store.Policy, outcome *policy.Outcome) {
	var authz *store.AuthorizationPolicy
	for _, p := range policies {
		if p.Kind == store.PolicyAuthorization {
			authz = p.Authorization
		}
	}

	resolved, err := h.resolveMCPTargets(snap, b.MCP)
	if err != nil {
		gwerror.WriteResponse(w, gwerror.New(gwerror.KindBackendDoesNotExist, "%v", err))
		return
	}
	relay := h.relayFor(b, resolved, authz)
	sessionID := r.Header.Get(rpc.SessionHeader)
	sess := relay.SessionFor(sessionID)

	body, err := io.ReadAll(io.LimitReader(r.Body, 2*1024*1024))
	if err != nil {
		gwerror.WriteResponse(w, gwerror.New(gwerror.KindUpstreamCallFailed, "reading mcp request: %v", err))
		return
	}

	msg, decErr := rpc.Decode(body)
	if decErr != nil {
		if gw, ok := decErr.(*gwerror.Error); ok {
			gwerror.WriteResponse(w, gw)
		} else {
			gwerror.WriteResponse(w, gwerror.New(gwerror.KindUnsupportedContent, "%v", decErr))
		}
		return
	}
	if msg.Request == nil {
		rpc.WriteAccepted(w)
		return
	}

	result, rpcErr := dispatchMCP(r.Context(), relay, sess, r, outcome.Claims, msg.Request)
	if rpcErr != nil {
		writeMCPResponse(w, r, rpc.NewError(msg.Request.ID, -32000, rpcErr.Error()))
		return
	}
	resp, err := rpc.NewResult(msg.Request.ID, result)
	if err != nil {
		gwerror.WriteResponse(w, gwerror.New(gwerror.KindProcessing, "%v", err))
		return
	}
	writeMCPResponse(w, r, resp)
}

func writeMCPResponse(w http.ResponseWriter, r *http.Request, resp *rpcResponse) {
	if rpc.WantsSSE(r) {
		sw, err := rpc.NewSSEWriter(w)
		if err == nil {
			raw, _ := json.Marshal(resp)
			sw.Message(raw)
			return
		}
	}
	w.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// resolveMCPTargets resolves each target's BackendRef to a concrete base
// URL before handing the config to the relay, which treats McpTarget.Path
// as already-resolved (see internal/mcp/relay.go's connect). Targets that
// already carry an explicit Path (e.g. a hand-configured external MCP
// server) are left untouched.
func (h *Handler) resolveMCPTargets(snap *store.Snapshot, cfg *store.MCPBackendConfig) (*store.MCPBackendConfig, error) {
	out := &store.MCPBackendConfig{StatefulMode: cfg.StatefulMode, Targets: make([]store.McpTarget, len(cfg.Targets))}
	for i, t := range cfg.Targets {
		if t.Path != "" || t.BackendRef == "" {
			out.Targets[i] = t
			continue
		}
		resolved, err := backend.Resolve(snap, store.BackendRef{Name: t.BackendRef}, "", "")
		if err != nil {
			return nil, err
		}
		t.Path = "http://" + resolved.Address
		out.Targets[i] = t
	}
	return out, nil
}

// relayFor caches one Relay per *store.Backend, the same live-pointer-as-
// cache-key idiom routeSetFor uses for RouteSets: a config reload builds a
// fresh Snapshot with fresh Backend pointers, so a stale relay (and its
// already-resolved target addresses) is never handed out past that reload.
func (h *Handler) relayFor(b *store.Backend, cfg *store.MCPBackendConfig, authz *store.AuthorizationPolicy) *mcp.Relay {
	h.mcpMu.Lock()
	defer h.mcpMu.Unlock()
	if r, ok := h.mcpRelays[b]; ok {
		return r
	}
	r := mcp.New(cfg, h.Engine, authz)
	h.mcpRelays[b] = r
	return r
}

func (h *Handler) runExtAuthz(r *http.Request, policies []*store.Policy) error {
	for _, p := range policies {
		if p.Kind != store.PolicyExtAuthz {
			continue
		}
		client, ok := h.ExtAuthz[p.ExtAuthz.BackendRef]
		if !ok || h.ExtAuthzInvoke == nil {
			continue // no wire client configured for this deployment
		}
		in := extauthz.CheckInput{Method: r.Method, Path: r.URL.Path, Headers: flattenHeaders(r.Header)}
		if _, err := client.Check(r.Context(), p.ExtAuthz, in, h.ExtAuthzInvoke); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) runRemoteRateLimit(ctx context.Context, policies []*store.Policy) error {
	for _, p := range policies {
		if p.Kind != store.PolicyRemoteRateLimit {
			continue
		}
		client, ok := h.RemoteRateLimit[p.RemoteRateLimit.Target]
		if !ok || h.RemoteRLInvoke == nil {
			continue
		}
		if _, err := client.Check(ctx, p.RemoteRateLimit, h.RemoteRLInvoke); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) mirror(snap *store.Snapshot) filter.MirrorDispatch {
	return func(backendRef string, req *http.Request) {
		go func() {
			target, err := backend.Resolve(snap, store.BackendRef{Name: backendRef}, req.Host, "")
			if err != nil {
				return
			}
			out := req.Clone(req.Context())
			out.URL.Scheme = "http"
			out.URL.Host = target.Address
			out.RequestURI = ""
			resp, err := h.Upstream.Transport.RoundTrip(out)
			if err == nil {
				resp.Body.Close()
			}
		}()
	}
}

func (h *Handler) routeSetFor(l *store.Listener) *router.RouteSet {
	h.routeMu.Lock()
	defer h.routeMu.Unlock()
	if rs, ok := h.routeSets[l]; ok {
		return rs
	}
	rs := router.Build(l.Routes)
	h.routeSets[l] = rs
	return rs
}

func (h *Handler) writeErr(w http.ResponseWriter, rec *logging.Record, err error) {
	gw, ok := err.(*gwerror.Error)
	if !ok {
		gw = gwerror.New(gwerror.KindUnknown, "%v", err)
	}
	rec.Set("error", gw.Kind).Set("status", gwerror.Status(gw.Kind))
	gwerror.WriteResponse(w, gw)
}

// selectListener picks the listener on b matching host: an exact hostname
// always wins, otherwise the wildcard listener with the longest matching
// suffix wins (spec.md §3), falling back to a hostname-less listener.
// b.Listeners is a map, so candidates are compared by suffix length rather
// than last-write-wins, keeping the result independent of iteration order.
func selectListener(b *store.Bind, host string) *store.Listener {
	var wildcard, none *store.Listener
	wildcardLen := -1
	for _, l := range b.Listeners {
		if l.Hostname == host {
			return l
		}
		if strings.HasPrefix(l.Hostname, "*.") {
			suffix := strings.TrimPrefix(l.Hostname, "*")
			if strings.HasSuffix(host, suffix) && len(suffix) > wildcardLen {
				wildcard = l
				wildcardLen = len(suffix)
			}
		}
		if l.Hostname == "" {
			none = l
		}
	}
	if wildcard != nil {
		return wildcard
	}
	return none
}

func hostOnly(h string) string {
	if i := strings.IndexByte(h, ':'); i >= 0 {
		return h[:i]
	}
	return h
}

func writeShortCircuit(w http.ResponseWriter, sc *filter.ShortCircuit) {
	for k, v := range sc.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(sc.StatusCode)
	if sc.Body != nil {
		w.Write(sc.Body)
	}
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
