package store

import "sync/atomic"

// Snapshot is an immutable, shared view of the entire config graph. A
// request takes one Snapshot at pipeline entry and never re-reads the live
// Store mid-request (spec.md §5); multiple concurrent requests share the
// same Snapshot, and the last reader simply lets its reference go out of
// scope (Go's GC stands in for the source's Arc-drop).
type Snapshot struct {
	Binds     map[string]*Bind
	Backends  map[string]*Backend
	Services  map[string]*Service
	Workloads map[string]*Workload
	Policies  map[PolicyTarget][]*Policy
}

func newSnapshot() *Snapshot {
	return &Snapshot{
		Binds:     map[string]*Bind{},
		Backends:  map[string]*Backend{},
		Services:  map[string]*Service{},
		Workloads: map[string]*Workload{},
		Policies:  map[PolicyTarget][]*Policy{},
	}
}

// PoliciesFor returns the policies attached directly to target, in
// declaration order. Use ResolveChain to walk the Gateway->Listener->Route->
// RouteRule->Backend inheritance chain.
func (s *Snapshot) PoliciesFor(target PolicyTarget) []*Policy {
	return s.Policies[target]
}

// ResolveChain concatenates policies along the inheritance chain from
// Gateway down to the most specific target, per spec.md §4.3. List-kinds
// (LocalRateLimit) accumulate every level; single-allowed kinds are
// overridden by the most specific level that defines one.
func (s *Snapshot) ResolveChain(chain ...PolicyTarget) []*Policy {
	var out []*Policy
	overridden := map[PolicyKind]int{} // kind -> index in out, for single-allowed kinds
	for _, target := range chain {
		for _, p := range s.Policies[target] {
			if SingleAllowedKinds[p.Kind] {
				if idx, ok := overridden[p.Kind]; ok {
					out[idx] = p
					continue
				}
				overridden[p.Kind] = len(out)
			}
			out = append(out, p)
		}
	}
	return out
}

// Store is the config-driven, mutable registry behind a Snapshot. A single
// writer (the xDS/config applier) swaps snapshots atomically; readers take a
// snapshot with Load and never block on writers.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// New returns an empty, ready-to-use Store.
func New() *Store {
	st := &Store{}
	st.current.Store(newSnapshot())
	return st
}

// Load returns the current Snapshot. Safe for concurrent use with Swap.
func (st *Store) Load() *Snapshot {
	return st.current.Load()
}

// Swap atomically replaces the live Snapshot. In-flight requests holding an
// earlier Snapshot are unaffected; they complete against the snapshot they
// started with.
func (st *Store) Swap(next *Snapshot) {
	st.current.Store(next)
}

// Builder accumulates a new Snapshot to be installed via Store.Swap. It is
// not safe for concurrent use; build on one goroutine then Swap.
type Builder struct {
	snap *Snapshot
}

// NewBuilder starts a Builder with an empty Snapshot.
func NewBuilder() *Builder {
	return &Builder{snap: newSnapshot()}
}

func (b *Builder) AddBind(name string, bind *Bind) *Builder {
	b.snap.Binds[name] = bind
	return b
}

func (b *Builder) AddBackend(backend *Backend) *Builder {
	b.snap.Backends[backend.Name] = backend
	return b
}

func (b *Builder) AddService(svc *Service) *Builder {
	b.snap.Services[svc.Hostname] = svc
	return b
}

func (b *Builder) AddWorkload(w *Workload) *Builder {
	b.snap.Workloads[w.UID] = w
	return b
}

func (b *Builder) AddPolicy(p *Policy) *Builder {
	b.snap.Policies[p.Target] = append(b.snap.Policies[p.Target], p)
	return b
}

// Build finalizes and returns the Snapshot.
func (b *Builder) Build() *Snapshot {
	return b.snap
}
