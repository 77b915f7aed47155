package store

// IPFamily constrains endpoint selection to a service's declared families.
type IPFamily int

const (
	IPFamilyDual IPFamily = iota
	IPFamilyIPv4Only
	IPFamilyIPv6Only
)

// LoadBalancerHealthPolicy controls which endpoint health states participate
// in selection (spec.md §3: "an endpoint participates in service selection
// iff its health satisfies the service's LoadBalancerHealthPolicy").
type LoadBalancerHealthPolicy int

const (
	HealthOnlyHealthy LoadBalancerHealthPolicy = iota
	HealthAllowUnknown
	HealthAny
)

// ServicePort maps a service-facing port to a target (workload) port.
type ServicePort struct {
	ServicePort int
	TargetPort  int
	AppProtocol AppProtocol
}

// AppProtocol is a per-port hint used for transport/header decisions (spec.md §4.4).
type AppProtocol int

const (
	AppProtocolUnspecified AppProtocol = iota
	AppProtocolHTTP1
	AppProtocolHTTP2
	AppProtocolGRPC
)

// Service is a logical destination: namespace, hostname, VIPs, ports, and
// the load-balancer/health policy applied to its endpoint set.
type Service struct {
	Namespace string
	Hostname  string
	VIPs      []string
	Ports     []ServicePort
	Waypoint  string
	IPFamily  IPFamily
	LBHealth  LoadBalancerHealthPolicy
	Endpoints []*Endpoint // copy-on-write: mutate via clone+replace, never in place
}

// HealthState is an endpoint's observed health.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthUnknown
)

// Endpoint is one workload-backed member of a Service's endpoint set.
type Endpoint struct {
	WorkloadUID   string
	PortOverrides map[int]int
	Health        HealthState
}

// Qualifies reports whether the endpoint's health satisfies policy.
func (e *Endpoint) Qualifies(policy LoadBalancerHealthPolicy) bool {
	switch policy {
	case HealthAny:
		return true
	case HealthAllowUnknown:
		return e.Health == HealthHealthy || e.Health == HealthUnknown
	default:
		return e.Health == HealthHealthy
	}
}

// NetworkMode distinguishes in-mesh workloads that speak HBONE from those
// reachable only as plain TCP.
type NetworkMode int

const (
	NetworkModeStandard NetworkMode = iota
	NetworkModeHBONE
)

// WorkloadProtocol is the transport a workload's waypoint/HBONE sidecar speaks.
type WorkloadProtocol int

const (
	WorkloadProtoTCP WorkloadProtocol = iota
	WorkloadProtoHBONE
)

// Identity is a workload's canonical SPIFFE identity: spiffe://td/ns/NS/sa/SA.
type Identity struct {
	TrustDomain string
	Namespace   string
	ServiceAccount string
}

// String renders the canonical SPIFFE form.
func (id Identity) String() string {
	return "spiffe://" + id.TrustDomain + "/ns/" + id.Namespace + "/sa/" + id.ServiceAccount
}

// Locality is a workload's topology hint used for locality-aware LB.
type Locality struct {
	Region  string
	Zone    string
	Subzone string
}

// Workload is a single endpoint's backing process.
type Workload struct {
	UID      string
	IPs      []string
	Identity Identity
	Protocol WorkloadProtocol
	Locality Locality
	Capacity uint32 // weight input for weighted random selection
	Network  NetworkMode
}
