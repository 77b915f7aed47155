package backend

import (
	"testing"

	"relaygate/internal/gwerror"
	"relaygate/internal/store"
)

func TestResolve_OpaqueBackend(t *testing.T) {
	snap := store.NewBuilder().
		AddBackend(&store.Backend{Kind: store.BackendOpaque, Name: "op", Target: "10.0.0.1:9000"}).
		Build()

	tgt, err := Resolve(snap, store.BackendRef{Name: "op"}, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tgt.Address != "10.0.0.1:9000" {
		t.Fatalf("unexpected address: %s", tgt.Address)
	}
}

func TestResolve_NoHealthyEndpoints(t *testing.T) {
	snap := store.NewBuilder().
		AddBackend(&store.Backend{Kind: store.BackendService, Name: "svc", ServiceRef: "s1", ServicePort: 80}).
		AddService(&store.Service{
			Hostname: "s1",
			Ports:    []store.ServicePort{{ServicePort: 80, TargetPort: 80}},
			Endpoints: []*store.Endpoint{
				{WorkloadUID: "w1", Health: store.HealthUnhealthy},
			},
		}).
		AddWorkload(&store.Workload{UID: "w1", IPs: []string{"10.0.0.2"}, Capacity: 1}).
		Build()

	_, err := Resolve(snap, store.BackendRef{Name: "svc"}, "", "")
	gerr, ok := err.(*gwerror.Error)
	if !ok || gerr.Kind != gwerror.KindNoHealthyEndpoints {
		t.Fatalf("expected NoHealthyEndpoints, got %v", err)
	}
}

func TestResolve_ServiceWeightedSelection(t *testing.T) {
	snap := store.NewBuilder().
		AddBackend(&store.Backend{Kind: store.BackendService, Name: "svc", ServiceRef: "s1", ServicePort: 80}).
		AddService(&store.Service{
			Hostname: "s1",
			Ports:    []store.ServicePort{{ServicePort: 80, TargetPort: 80}},
			Endpoints: []*store.Endpoint{
				{WorkloadUID: "w1", Health: store.HealthHealthy},
			},
		}).
		AddWorkload(&store.Workload{UID: "w1", IPs: []string{"10.0.0.2"}, Capacity: 5}).
		Build()

	tgt, err := Resolve(snap, store.BackendRef{Name: "svc"}, "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tgt.Address != "10.0.0.2:80" {
		t.Fatalf("unexpected address: %s", tgt.Address)
	}
}

func TestPickWeightedBackend_Deterministic(t *testing.T) {
	choices := []store.WeightedBackend{{Weight: 1, Ref: store.BackendRef{Name: "only"}}}
	ref, err := PickWeightedBackend(choices)
	if err != nil || ref.Name != "only" {
		t.Fatalf("unexpected: %+v %v", ref, err)
	}
}

func TestPickWeightedBackend_EmptyErrors(t *testing.T) {
	_, err := PickWeightedBackend(nil)
	gerr, ok := err.(*gwerror.Error)
	if !ok || gerr.Kind != gwerror.KindNoValidBackends {
		t.Fatalf("expected NoValidBackends, got %v", err)
	}
}
