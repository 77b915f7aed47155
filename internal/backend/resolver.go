// Package backend resolves a Route's weighted backend references into a
// concrete dispatch target: service load balancing, opaque host, dynamic
// (from request), or MCP/AI passthrough (spec.md §4.4).
package backend

import (
	"math/rand/v2"
	"net"
	"strconv"

	"relaygate/internal/gwerror"
	"relaygate/internal/store"
)

// Target is the resolved dispatch destination for one upstream call.
type Target struct {
	Backend     *store.Backend
	Address     string // host:port, set for Service/Opaque/Dynamic
	AppProtocol store.AppProtocol
	Workload    *store.Workload
}

// PickWeightedBackend selects one of a route's weighted backend refs by
// weight (uniform over the weight mass, independent of endpoint health;
// health filtering happens per-backend inside Resolve).
func PickWeightedBackend(choices []store.WeightedBackend) (store.BackendRef, error) {
	if len(choices) == 0 {
		return store.BackendRef{}, gwerror.New(gwerror.KindNoValidBackends, "")
	}
	total := 0
	for _, c := range choices {
		total += c.Weight
	}
	if total <= 0 {
		return choices[0].Ref, nil
	}
	r := rand.IntN(total)
	acc := 0
	for _, c := range choices {
		acc += c.Weight
		if r < acc {
			return c.Ref, nil
		}
	}
	return choices[len(choices)-1].Ref, nil
}

// Resolve looks up ref in the snapshot and produces a dispatch Target.
// overrideDestIP, when non-empty, is an inference-routing hint that
// restricts service endpoint selection to the endpoint carrying that IP
// (spec.md §4.4).
func Resolve(snap *store.Snapshot, ref store.BackendRef, requestHost string, overrideDestIP string) (*Target, error) {
	b, ok := snap.Backends[ref.Name]
	if !ok {
		return nil, gwerror.New(gwerror.KindBackendDoesNotExist, "backend %q not found", ref.Name)
	}

	switch b.Kind {
	case store.BackendOpaque:
		return &Target{Backend: b, Address: b.Target}, nil

	case store.BackendDynamic:
		if requestHost == "" {
			return nil, gwerror.New(gwerror.KindNoValidBackends, "dynamic backend requires a request host")
		}
		return &Target{Backend: b, Address: requestHost}, nil

	case store.BackendService:
		svc, ok := snap.Services[b.ServiceRef]
		if !ok {
			return nil, gwerror.New(gwerror.KindServiceNotFound, "service %q not found", b.ServiceRef)
		}
		ep, wl, appProto, err := selectEndpoint(snap, svc, b.ServicePort, overrideDestIP)
		if err != nil {
			return nil, err
		}
		port := b.ServicePort
		if p, ok := ep.PortOverrides[b.ServicePort]; ok {
			port = p
		}
		addr := pickWorkloadIP(wl)
		return &Target{
			Backend:     b,
			Address:     net.JoinHostPort(addr, strconv.Itoa(port)),
			AppProtocol: appProto,
			Workload:    wl,
		}, nil

	case store.BackendMCP, store.BackendAI:
		return &Target{Backend: b}, nil

	default:
		return nil, gwerror.New(gwerror.KindNoValidBackends, "invalid backend %q", ref.Name)
	}
}

// selectEndpoint filters a service's endpoints to those with a matching
// service port and acceptable health, then picks weighted-random by
// workload capacity (spec.md §4.4: "u32 -> u64 to avoid overflow").
func selectEndpoint(snap *store.Snapshot, svc *store.Service, port int, overrideDestIP string) (*store.Endpoint, *store.Workload, store.AppProtocol, error) {
	var appProto store.AppProtocol
	portFound := false
	for _, sp := range svc.Ports {
		if sp.ServicePort == port {
			appProto = sp.AppProtocol
			portFound = true
			break
		}
	}
	if !portFound {
		return nil, nil, 0, gwerror.New(gwerror.KindNoHealthyEndpoints, "service port %d not exposed", port)
	}

	type candidate struct {
		ep *store.Endpoint
		wl *store.Workload
	}
	var candidates []candidate
	var totalWeight uint64

	for _, ep := range svc.Endpoints {
		if !ep.Qualifies(svc.LBHealth) {
			continue
		}
		wl, ok := snap.Workloads[ep.WorkloadUID]
		if !ok {
			continue
		}
		if overrideDestIP != "" && !hasIP(wl, overrideDestIP) {
			continue
		}
		candidates = append(candidates, candidate{ep: ep, wl: wl})
		totalWeight += uint64(wl.Capacity)
	}

	if len(candidates) == 0 {
		return nil, nil, 0, gwerror.New(gwerror.KindNoHealthyEndpoints, "")
	}
	if totalWeight == 0 {
		c := candidates[rand.IntN(len(candidates))]
		return c.ep, c.wl, appProto, nil
	}

	r := rand.Uint64N(totalWeight)
	var acc uint64
	for _, c := range candidates {
		acc += uint64(c.wl.Capacity)
		if r < acc {
			return c.ep, c.wl, appProto, nil
		}
	}
	last := candidates[len(candidates)-1]
	return last.ep, last.wl, appProto, nil
}

func hasIP(wl *store.Workload, ip string) bool {
	for _, w := range wl.IPs {
		if w == ip {
			return true
		}
	}
	return false
}

func pickWorkloadIP(wl *store.Workload) string {
	if len(wl.IPs) == 0 {
		return ""
	}
	return wl.IPs[0]
}
