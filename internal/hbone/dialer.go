package hbone

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"golang.org/x/net/http2"
)

// TLSDialer returns a Dialer that establishes a new mTLS HTTP/2 connection
// per key and wraps it as a pooled Conn. cfg supplies the client identity
// (source SPIFFE cert) dialed per spec.md §4.8; maxStreams caps concurrent
// inner streams multiplexed over one connection (0 means unbounded, left to
// the peer's own negotiated SETTINGS_MAX_CONCURRENT_STREAMS).
func TLSDialer(cfg *tls.Config, maxStreams int) Dialer {
	return func(ctx context.Context, key Key) (*Conn, error) {
		dialer := &tls.Dialer{Config: cfg}
		raw, err := dialer.DialContext(ctx, "tcp", key.DestAddress)
		if err != nil {
			return nil, fmt.Errorf("hbone: dial %s: %w", key.DestAddress, err)
		}
		tc, ok := raw.(*tls.Conn)
		if !ok {
			raw.Close()
			return nil, fmt.Errorf("hbone: dial %s: not a tls connection", key.DestAddress)
		}

		t := &http2.Transport{}
		cc, err := t.NewClientConn(tc)
		if err != nil {
			tc.Close()
			return nil, fmt.Errorf("hbone: http/2 handshake with %s: %w", key.DestAddress, err)
		}
		return NewConn(key, clientConnRoundTripper{cc}, maxStreams), nil
	}
}

// clientConnRoundTripper adapts an *http2.ClientConn to http.RoundTripper so
// the pooled Conn's underlying field stays an opaque interface value
// (spec.md §4.8: the pool never inspects "underlying" beyond RoundTripper).
type clientConnRoundTripper struct {
	cc *http2.ClientConn
}

func (c clientConnRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return c.cc.RoundTrip(req)
}
