// Package extauthz calls an external authorization sidecar over gRPC before
// the pipeline continues (spec.md §4.3 step 2). The exact CheckRequest/
// CheckResponse proto contract is a narrow collaborator interface (out of
// scope per spec.md §1); Checker models just the fields the pipeline needs.
package extauthz

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"relaygate/internal/gwerror"
	"relaygate/internal/store"
)

// CheckInput is the subset of the request the sidecar needs to render a
// verdict.
type CheckInput struct {
	Method  string
	Path    string
	Headers map[string]string
}

// CheckResult is the sidecar's verdict: allow/deny plus headers to inject
// into the downstream request or response.
type CheckResult struct {
	Allowed        bool
	DenyStatusCode int
	DenyBody       string
	InjectHeaders  map[string]string
}

// Client dials the ext-authz sidecar once and reuses the connection across
// requests; grpc.ClientConn itself is safe for concurrent use and pools
// streams internally.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to target using an insecure (plaintext) transport; mTLS to
// the sidecar is provided by the mesh data plane, not this client, matching
// how a sidecar-local ext-authz call is typically deployed.
func Dial(target string) (*Client, error) {
	conn, err := grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Checker is implemented by Client in production and faked in tests.
type Checker interface {
	Check(ctx context.Context, in CheckInput) (CheckResult, error)
}

// Check dispatches in as a CheckRequest and waits up to policy.TimeoutMS. A
// transport failure or a denied verdict becomes KindAuthorizationFailed
// (spec.md §7 -> 403); a denied verdict's DenyBody becomes the error
// message. DenyStatusCode is not applied: the status is always 403.
func (c *Client) Check(ctx context.Context, policy *store.ExtAuthzPolicy, in CheckInput, invoke func(ctx context.Context, conn *grpc.ClientConn, in CheckInput) (CheckResult, error)) (*CheckResult, error) {
	timeout := time.Duration(policy.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := invoke(cctx, c.conn, in)
	if err != nil {
		return nil, gwerror.New(gwerror.KindAuthorizationFailed, "ext-authz call failed: %v", err)
	}
	if !res.Allowed {
		e := gwerror.New(gwerror.KindAuthorizationFailed, "%s", res.DenyBody)
		return &res, e
	}
	return &res, nil
}
