package pipeline

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"relaygate/internal/store"
)

func TestTCPProxy_ForwardsBytesBothWays(t *testing.T) {
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstreamLn.Close()

	go func() {
		conn, err := upstreamLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		conn.Write([]byte("echo:" + line))
	}()

	snap := store.NewBuilder().
		AddBind("bind-0", &store.Bind{
			Port: 0,
			Listeners: map[string]*store.Listener{
				"l1": {
					Name:     "l1",
					Protocol: store.ProtocolTCP,
					TCPRoute: &store.TCPRoute{
						Backends: []store.WeightedBackend{{Weight: 1, Ref: store.BackendRef{Name: "up"}}},
					},
				},
			},
		}).
		AddBackend(&store.Backend{Kind: store.BackendOpaque, Name: "up", Target: upstreamLn.Addr().String()}).
		Build()

	frontLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen front: %v", err)
	}
	defer frontLn.Close()

	proxy := NewTCPProxy(func() *store.Snapshot { return snap }, "bind-0")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go proxy.Serve(ctx, frontLn)

	conn, err := net.Dial("tcp", frontLn.Addr().String())
	if err != nil {
		t.Fatalf("dial front: %v", err)
	}
	defer conn.Close()

	conn.Write([]byte("hello\n"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	got, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if got != "echo:hello\n" {
		t.Fatalf("unexpected reply: %q", got)
	}
}

func TestFirstTCPListener_SkipsNonTCP(t *testing.T) {
	b := &store.Bind{Listeners: map[string]*store.Listener{
		"http": {Protocol: store.ProtocolHTTP},
		"tcp":  {Name: "tcp", Protocol: store.ProtocolTCP, TCPRoute: &store.TCPRoute{}},
	}}
	l := firstTCPListener(b)
	if l == nil || l.Name != "tcp" {
		t.Fatalf("expected the tcp listener, got %+v", l)
	}
}
