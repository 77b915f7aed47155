// Package ratelimitremote dispatches a gRPC rate-limit check with a
// descriptor set and applies the returned verdict/headers (spec.md §4.3
// step 5). The wire contract (envoy-style RateLimitRequest/Response) is a
// narrow collaborator interface, out of scope per spec.md §1.
package ratelimitremote

import (
	"context"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"relaygate/internal/gwerror"
	"relaygate/internal/store"
)

// Verdict is the sidecar's decision plus any headers/limit metadata to
// surface on a rejection (x-ratelimit-*, retry-after).
type Verdict struct {
	OverLimit bool
	Headers   map[string]string
	Limit     uint64
	Remaining uint64
	ResetSecs uint64
}

// Client wraps a pooled gRPC connection to the remote rate-limit service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target.
func Dial(target string) (*Client, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Invoke is the narrow hook a caller supplies to perform the actual RPC
// against c.conn, keeping the generated protobuf client out of this
// package's public surface.
type Invoke func(ctx context.Context, conn *grpc.ClientConn, descriptors []map[string]string) (Verdict, error)

// Check dispatches policy.Descriptors and returns a KindRateLimitExceeded
// error (spec.md §7 -> 429 with retry-after) when the verdict is over
// limit.
func (c *Client) Check(ctx context.Context, policy *store.RemoteRateLimitPolicy, invoke Invoke) (*Verdict, error) {
	timeout := time.Duration(policy.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	v, err := invoke(cctx, c.conn, policy.Descriptors)
	if err != nil {
		return nil, gwerror.New(gwerror.KindUpstreamCallFailed, "remote rate limit call failed: %v", err)
	}
	if v.OverLimit {
		e := gwerror.New(gwerror.KindRateLimitExceeded, "rate limit exceeded").
			WithHeader("retry-after", secondsString(v.ResetSecs))
		for k, val := range v.Headers {
			e.WithHeader(k, val)
		}
		return &v, e
	}
	return &v, nil
}

func secondsString(s uint64) string {
	if s == 0 {
		s = 1
	}
	return strconv.FormatUint(s, 10)
}
