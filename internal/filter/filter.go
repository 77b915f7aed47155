// Package filter implements the request/response filter chain of spec.md
// §4.2: header modify, redirect, rewrite, CORS, direct response, mirror.
package filter

import (
	"fmt"
	"net/http"
	"strings"

	"relaygate/internal/store"
)

// ShortCircuit is returned by Apply when a filter produced a synthetic
// response (Redirect, DirectResponse, CORS preflight). Once set, the
// pipeline skips remaining request filters and backend dispatch, but still
// runs response-header merging (spec.md §7).
type ShortCircuit struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
}

// MirrorDispatch is invoked for a Mirror filter's sampled copy. The pipeline
// supplies the implementation (fire-and-forget against BackendRef).
type MirrorDispatch func(backendRef string, req *http.Request)

// Chain runs filters in declaration order against req, mutating it in
// place (header ops, rewrite) and returning a ShortCircuit the first time
// one is produced.
func Chain(filters []store.Filter, req *http.Request, matchedPrefix string, mirror MirrorDispatch, sample func() float64) (*ShortCircuit, map[string]string) {
	corsResponseHeaders := map[string]string{}

	for _, f := range filters {
		switch f.Kind {
		case store.FilterHeaderModifier:
			applyHeaderOps(req.Header, f.HeaderOps)

		case store.FilterRewrite:
			applyRewrite(req, f.Rewrite, matchedPrefix)

		case store.FilterRedirect:
			return redirectResponse(req, f.Redirect), corsResponseHeaders

		case store.FilterCORS:
			sc, respHeaders := applyCORS(req, f.CORS)
			for k, v := range respHeaders {
				corsResponseHeaders[k] = v
			}
			if sc != nil {
				return sc, corsResponseHeaders
			}

		case store.FilterDirectResponse:
			return directResponse(f.DirectResponse), corsResponseHeaders

		case store.FilterMirror:
			if mirror != nil && sample() < f.Mirror.Percentage {
				mirror(f.Mirror.BackendRef, req.Clone(req.Context()))
			}
		}
	}
	return nil, corsResponseHeaders
}

func applyHeaderOps(h http.Header, ops []store.HeaderOp) {
	for _, op := range ops {
		name := http.CanonicalHeaderKey(op.Name)
		switch op.Op {
		case "add":
			h.Add(name, op.Value)
		case "set":
			h.Set(name, op.Value)
		case "remove":
			h.Del(name)
		}
	}
}

func applyRewrite(req *http.Request, rw *store.RewriteFilter, matchedPrefix string) {
	if rw == nil {
		return
	}
	switch rw.HostMode {
	case "full", "host":
		if rw.Host != "" {
			req.Host = rw.Host
			req.URL.Host = rw.Host
		}
	case "port":
		if rw.Port != 0 {
			req.URL.Host = hostWithPort(req.URL.Host, rw.Port)
			req.Host = req.URL.Host
		}
	}
	switch rw.PathMode {
	case "full":
		req.URL.Path = rw.Path
	case "prefix":
		// Prefix rewrite replaces the matched prefix; computed after
		// path-match so the route's matched prefix length is known.
		req.URL.Path = rw.Path + strings.TrimPrefix(req.URL.Path, matchedPrefix)
	}
}

func hostWithPort(hostport string, port int) string {
	host := hostport
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		host = hostport[:i]
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// redirectResponse builds the Location from the filter's scheme, hostname
// and port overrides; the path is replaced when PathFull is set and kept
// otherwise. Redirects have no prefix-replacement mode (that exists only
// for the Rewrite filter).
func redirectResponse(req *http.Request, r *store.RedirectFilter) *ShortCircuit {
	scheme := req.URL.Scheme
	if scheme == "" {
		scheme = "http"
	}
	if r.Scheme != "" {
		scheme = r.Scheme
	}
	host := req.URL.Hostname()
	if host == "" {
		host = stripPort(req.Host)
	}
	if r.Hostname != "" {
		host = r.Hostname
	}
	hostport := host
	if r.Port != 0 && !isDefaultPort(scheme, r.Port) {
		hostport = fmt.Sprintf("%s:%d", host, r.Port)
	}
	path := req.URL.Path
	if r.PathFull {
		path = r.Path
	}
	status := r.StatusCode
	if status == 0 {
		status = http.StatusFound
	}
	loc := fmt.Sprintf("%s://%s%s", scheme, hostport, path)
	return &ShortCircuit{StatusCode: status, Headers: map[string]string{"Location": loc}}
}

func stripPort(hostport string) string {
	if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		return hostport[:i]
	}
	return hostport
}

func isDefaultPort(scheme string, port int) bool {
	return (scheme == "http" && port == 80) || (scheme == "https" && port == 443)
}

func directResponse(d *store.DirectResponseFilter) *ShortCircuit {
	sc := &ShortCircuit{StatusCode: d.StatusCode, Headers: map[string]string{}, Body: []byte(d.Body)}
	for k, v := range d.Headers {
		sc.Headers[k] = v
	}
	if sc.StatusCode == 0 {
		sc.StatusCode = http.StatusOK
	}
	return sc
}

// applyCORS evaluates allow-origin/methods/headers/credentials and answers
// OPTIONS preflights immediately, or returns headers for the pipeline to
// merge after the upstream call otherwise (spec.md §4.2).
func applyCORS(req *http.Request, c *store.CORSFilter) (*ShortCircuit, map[string]string) {
	origin := req.Header.Get("Origin")
	allowed := originAllowed(c.AllowOrigins, origin)
	headers := map[string]string{}
	if allowed {
		headers["Access-Control-Allow-Origin"] = origin
		if c.AllowCredentials {
			headers["Access-Control-Allow-Credentials"] = "true"
		}
	}
	if req.Method != http.MethodOptions {
		return nil, headers
	}
	if allowed {
		headers["Access-Control-Allow-Methods"] = strings.Join(c.AllowMethods, ", ")
		headers["Access-Control-Allow-Headers"] = strings.Join(c.AllowHeaders, ", ")
	}
	return &ShortCircuit{StatusCode: http.StatusNoContent, Headers: headers}, headers
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}
