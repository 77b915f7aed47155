package hbone

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"
)

func TestCheckout_ReusesConnectionForSameKey(t *testing.T) {
	var dials int32
	dial := func(ctx context.Context, key Key) (*Conn, error) {
		atomic.AddInt32(&dials, 1)
		return &Conn{Key: key, maxStreams: 100}, nil
	}
	p := New(dial, 0)
	key := Key{SourceIdentity: "a", DestIdentity: "b", DestAddress: "1.1.1.1:80"}

	c1, err := p.Checkout(context.Background(), key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c1.Release()
	c2, err := p.Checkout(context.Background(), key)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c1 != c2 {
		t.Fatalf("expected connection reuse for same key")
	}
	if dials != 1 {
		t.Fatalf("expected exactly 1 dial, got %d", dials)
	}
}

func TestCheckout_NewConnectionPerDistinctKey(t *testing.T) {
	dial := func(ctx context.Context, key Key) (*Conn, error) {
		return &Conn{Key: key, maxStreams: 100}, nil
	}
	p := New(dial, 0)
	k1 := Key{SourceIdentity: "a", DestIdentity: "b", DestAddress: "1.1.1.1:80"}
	k2 := Key{SourceIdentity: "a", DestIdentity: "b", DestAddress: "2.2.2.2:80"}

	c1, _ := p.Checkout(context.Background(), k1)
	c2, _ := p.Checkout(context.Background(), k2)
	if c1 == c2 {
		t.Fatalf("distinct keys must not share a connection")
	}
}

func TestCheckout_EvictsFullConnection(t *testing.T) {
	dial := func(ctx context.Context, key Key) (*Conn, error) {
		return &Conn{Key: key, maxStreams: 1}, nil
	}
	p := New(dial, 0)
	key := Key{SourceIdentity: "a", DestIdentity: "b", DestAddress: "1.1.1.1:80"}

	c1, _ := p.Checkout(context.Background(), key)
	// c1 now has streamCount=1 == maxStreams=1: a second checkout must dial anew.
	c2, _ := p.Checkout(context.Background(), key)
	if c1 == c2 {
		t.Fatalf("connection at MAX_CONCURRENT_STREAMS must be removed from the index")
	}
}

func TestDrain_ClosesIdleEvictionWatchers(t *testing.T) {
	dial := func(ctx context.Context, key Key) (*Conn, error) {
		return &Conn{Key: key, maxStreams: 100}, nil
	}
	p := New(dial, 10*time.Millisecond)
	key := Key{SourceIdentity: "a", DestIdentity: "b", DestAddress: "1.1.1.1:80"}
	c, _ := p.Checkout(context.Background(), key)
	c.Release()

	p.Drain()
	time.Sleep(5 * time.Millisecond)

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if !closed {
		t.Fatalf("expected connection closed after drain")
	}
}

type fakeRoundTripper struct{ calls int }

func (f *fakeRoundTripper) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls++
	return &http.Response{StatusCode: 200}, nil
}

func TestNewConn_RoundTripperRoundTrips(t *testing.T) {
	rt := &fakeRoundTripper{}
	c := NewConn(Key{SourceIdentity: "a", DestIdentity: "b", DestAddress: "1.1.1.1:80"}, rt, 100)

	got := c.RoundTripper()
	if got == nil {
		t.Fatalf("expected non-nil round tripper")
	}
	resp, err := got.RoundTrip(&http.Request{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != 200 || rt.calls != 1 {
		t.Fatalf("expected round trip to be delegated to underlying transport")
	}
}
