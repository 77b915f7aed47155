package pipeline

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"

	"relaygate/internal/backend"
	"relaygate/internal/logging"
	"relaygate/internal/store"
)

// TCPProxy accepts raw TCP connections for one Bind's TCP/TLS(L4) listeners
// and forwards them to a weighted, health-filtered backend, symmetric to the
// HTTP dispatch path but with no filter chain and no policy application
// (spec.md §9 Open Question, resolved: TCP routes never run the filter
// chain, only backend selection).
type TCPProxy struct {
	Snapshot func() *store.Snapshot
	BindName string
}

// NewTCPProxy returns a TCPProxy bound to a live Snapshot accessor for one
// Bind name.
func NewTCPProxy(snapshot func() *store.Snapshot, bindName string) *TCPProxy {
	return &TCPProxy{Snapshot: snapshot, BindName: bindName}
}

// Serve accepts connections on ln until ctx is cancelled or ln closes.
func (p *TCPProxy) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go p.handle(ctx, conn)
	}
}

func (p *TCPProxy) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	rec := logging.New("tcp-pipeline")
	defer rec.Close()
	rec.Set("bind", p.BindName).Set("remote", conn.RemoteAddr().String())

	snap := p.Snapshot()
	bind, ok := snap.Binds[p.BindName]
	if !ok {
		rec.Errorf("bind %q not found", p.BindName)
		return
	}

	listener := firstTCPListener(bind)
	if listener == nil || listener.TCPRoute == nil {
		rec.Errorf("no tcp listener/route for bind %q", p.BindName)
		return
	}
	rec.Set("listener", listener.Name)

	if listener.Protocol == store.ProtocolTLS {
		cert, err := tls.X509KeyPair([]byte(listener.TLSCert), []byte(listener.TLSKey))
		if err != nil {
			rec.Errorf("tls config: %v", err)
			return
		}
		conn = tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{cert}})
	}

	ref, err := backend.PickWeightedBackend(listener.TCPRoute.Backends)
	if err != nil {
		rec.Errorf("pick backend: %v", err)
		return
	}
	target, err := backend.Resolve(snap, ref, "", "")
	if err != nil {
		rec.Errorf("resolve backend: %v", err)
		return
	}
	rec.Set("backend", target.Backend.Name)

	upstream, err := net.Dial("tcp", target.Address)
	if err != nil {
		rec.Errorf("dial upstream %s: %v", target.Address, err)
		return
	}
	defer upstream.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(upstream, conn)
		closeWrite(upstream)
	}()
	go func() {
		defer wg.Done()
		io.Copy(conn, upstream)
		closeWrite(conn)
	}()
	wg.Wait()
}

// firstTCPListener returns a bind's single TCP or TLS(L4) listener. A bind
// carries at most one non-HTTP listener per spec.md §3 (a TCP accept loop
// has no Host header to disambiguate on, unlike the HTTP path's
// selectListener).
func firstTCPListener(b *store.Bind) *store.Listener {
	for _, l := range b.Listeners {
		if l.Protocol == store.ProtocolTCP || l.Protocol == store.ProtocolTLS {
			return l
		}
	}
	return nil
}

// closeWrite half-closes conn's write side so the peer sees EOF without
// tearing down the whole bidirectional pipe.
func closeWrite(conn net.Conn) {
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		cw.CloseWrite()
	}
}
