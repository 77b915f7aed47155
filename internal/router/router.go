// Package router implements host+path+headers+method+query route selection
// with the deterministic precedence of spec.md §4.1.
package router

import (
	"net/http"
	"regexp"
	"sort"
	"strings"

	"relaygate/internal/store"
)

// hostnameMatch is the key a route is indexed under: an exact hostname, a
// wildcard suffix ("*.example.com" stored as "example.com"), or the
// catch-all sentinel.
type hostnameMatch struct {
	kind matchKind
	host string
}

type matchKind int

const (
	matchExact matchKind = iota
	matchWildcard
	matchNone
)

// entry is one (route, match-index) pair inserted for a hostnameMatch.
type entry struct {
	route      *store.Route
	matchIndex int
}

// RouteSet is the pre-sorted, pre-indexed view of a listener's routes,
// built once per Snapshot and reused across requests.
type RouteSet struct {
	byHost map[hostnameMatch][]entry
}

// Build indexes listener's routes by every HostnameMatch they cover and
// sorts each bucket by the precedence tuple in spec.md §4.1.
func Build(routes []*store.Route) *RouteSet {
	rs := &RouteSet{byHost: map[hostnameMatch][]entry{}}
	for _, route := range routes {
		keys := hostnameKeysFor(route)
		for _, key := range keys {
			for i := range route.Matches {
				rs.byHost[key] = append(rs.byHost[key], entry{route: route, matchIndex: i})
			}
		}
	}
	for key := range rs.byHost {
		bucket := rs.byHost[key]
		sort.SliceStable(bucket, func(i, j int) bool {
			return less(bucket[i], bucket[j]) // descending precedence: less(i,j) means i sorts before j
		})
		rs.byHost[key] = bucket
	}
	return rs
}

func hostnameKeysFor(route *store.Route) []hostnameMatch {
	if len(route.Hostnames) == 0 {
		return []hostnameMatch{{kind: matchNone}}
	}
	keys := make([]hostnameMatch, 0, len(route.Hostnames))
	for _, h := range route.Hostnames {
		if strings.HasPrefix(h, "*.") {
			keys = append(keys, hostnameMatch{kind: matchWildcard, host: strings.TrimPrefix(h, "*.")})
		} else {
			keys = append(keys, hostnameMatch{kind: matchExact, host: h})
		}
	}
	return keys
}

func pathRank(m store.RouteMatch) int {
	if m.PathKind == store.PathExact {
		return 3
	}
	return 2
}

func pathLen(m store.RouteMatch) int {
	if m.PathKind == store.PathRegex {
		return m.PathLen
	}
	return len(m.Path)
}

// less implements the descending precedence ordering of spec.md §4.1:
// path rank, path length, has-method, header count, query count, then a
// lexicographic route-key tie-break (ascending, for determinism).
func less(a, b entry) bool {
	ma, mb := a.route.Matches[a.matchIndex], b.route.Matches[b.matchIndex]

	if r1, r2 := pathRank(ma), pathRank(mb); r1 != r2 {
		return r1 > r2
	}
	if l1, l2 := pathLen(ma), pathLen(mb); l1 != l2 {
		return l1 > l2
	}
	if h1, h2 := ma.Method != "", mb.Method != ""; h1 != h2 {
		return h1
	}
	if c1, c2 := len(ma.Headers), len(mb.Headers); c1 != c2 {
		return c1 > c2
	}
	if c1, c2 := len(ma.Query), len(mb.Query); c1 != c2 {
		return c1 > c2
	}
	return a.route.Key.String() < b.route.Key.String()
}

// Result is a matched (Route, RouteMatch) pair.
type Result struct {
	Route *store.Route
	Match *store.RouteMatch
}

// ErrNoRoute signals the pipeline should yield RouteNotFound.
var ErrNoRoute = &noRouteError{}

type noRouteError struct{}

func (*noRouteError) Error() string { return "no matching route" }

// Lookup resolves a request against rs following the hostname lookup order
// of spec.md §4.1: Exact(host), then each wildcard suffix dropping one
// leading label at a time, then the catch-all None.
func Lookup(rs *RouteSet, req *http.Request) (*Result, error) {
	host := hostOnly(req.Host)
	for _, key := range lookupKeys(host) {
		bucket := rs.byHost[key]
		for _, e := range bucket {
			m := &e.route.Matches[e.matchIndex]
			if matches(m, req) {
				return &Result{Route: e.route, Match: m}, nil
			}
		}
	}
	return nil, ErrNoRoute
}

func hostOnly(h string) string {
	if i := strings.IndexByte(h, ':'); i >= 0 {
		return h[:i]
	}
	return h
}

func lookupKeys(host string) []hostnameMatch {
	keys := []hostnameMatch{{kind: matchExact, host: host}}
	labels := strings.Split(host, ".")
	for i := 1; i < len(labels); i++ {
		keys = append(keys, hostnameMatch{kind: matchWildcard, host: strings.Join(labels[i:], ".")})
	}
	keys = append(keys, hostnameMatch{kind: matchNone})
	return keys
}

// matches validates path, method, headers, and query per spec.md §4.1: the
// route is "matched" iff every present predicate is fully satisfied.
func matches(m *store.RouteMatch, req *http.Request) bool {
	if !pathMatches(m, req.URL.Path) {
		return false
	}
	if m.Method != "" && !strings.EqualFold(m.Method, req.Method) {
		return false
	}
	for _, hm := range m.Headers {
		if !stringMatches(hm, req.Header.Get(hm.Name)) {
			return false
		}
	}
	if len(m.Query) > 0 {
		q := req.URL.Query()
		for _, qm := range m.Query {
			if !stringMatches(qm, q.Get(qm.Name)) {
				return false
			}
		}
	}
	return true
}

func pathMatches(m *store.RouteMatch, path string) bool {
	switch m.PathKind {
	case store.PathExact:
		return path == m.Path
	case store.PathPrefix:
		return prefixMatches(m.Path, path)
	case store.PathRegex:
		re, err := regexp.Compile(m.Path)
		if err != nil {
			return false
		}
		loc := re.FindStringIndex(path)
		return loc != nil && loc[0] == 0 && loc[1] == len(path)
	default:
		return false
	}
}

// prefixMatches requires the prefix to end at a '/' boundary or end-of-path,
// per spec.md §4.1. Preserves source behavior on double-slash artifacts
// (e.g. a trailing-slash prefix against "/v1//users") rather than collapsing
// "//" — see spec.md §9/§12.
func prefixMatches(prefix, path string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	if len(path) == len(prefix) {
		return true
	}
	if strings.HasSuffix(prefix, "/") {
		return true
	}
	return path[len(prefix)] == '/'
}

func stringMatches(sm store.StringMatch, value string) bool {
	if sm.IsRegex {
		re, err := regexp.Compile(sm.Regex)
		if err != nil {
			return false
		}
		loc := re.FindStringIndex(value)
		return loc != nil && loc[0] == 0 && loc[1] == len(value)
	}
	return value == sm.Exact
}
