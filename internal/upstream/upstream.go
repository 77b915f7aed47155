// Package upstream implements the pooled HTTP client, retry/timeout
// policies, and body replay used to dispatch a request once a backend has
// been resolved (spec.md §4.5).
package upstream

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"time"

	"relaygate/internal/gwerror"
	"relaygate/internal/store"
)

// HopByHopHeaders are stripped from every outbound request and inbound
// response per spec.md §6. "te: trailers" is restored afterward if present
// on the inbound request.
var HopByHopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

// StripHopByHop removes the hop-by-hop headers from h, restoring
// "te: trailers" afterward if it was present, per spec.md §6.
func StripHopByHop(h http.Header) {
	hadTrailers := false
	for _, v := range h.Values("Te") {
		if v == "trailers" {
			hadTrailers = true
		}
	}
	for _, name := range HopByHopHeaders {
		h.Del(name)
	}
	if hadTrailers {
		h.Set("Te", "trailers")
	}
}

// replayBufferCap is the default replay buffer cap per spec.md §4.5.
const replayBufferCap = 64 * 1024

// Client dispatches requests with retry, timeout, and replay-buffer
// semantics over a pooled http.Transport.
type Client struct {
	Transport http.RoundTripper
}

// New returns a Client backed by a pooled, keep-alive transport.
func New() *Client {
	return &Client{Transport: &http.Transport{
		MaxIdleConnsPerHost: 64,
		ForceAttemptHTTP2:   true,
	}}
}

// Timeout is the effective deadline policy for one request (spec.md §4.5).
type Timeout struct {
	RequestTimeout        time.Duration
	BackendRequestTimeout time.Duration
}

func (t Timeout) effective() time.Duration {
	switch {
	case t.RequestTimeout > 0 && t.BackendRequestTimeout > 0:
		if t.RequestTimeout < t.BackendRequestTimeout {
			return t.RequestTimeout
		}
		return t.BackendRequestTimeout
	case t.RequestTimeout > 0:
		return t.RequestTimeout
	default:
		return t.BackendRequestTimeout
	}
}

// Do dispatches req against addr with retries per policy. It wraps the
// request body in a fixed-cap replay buffer when attempts > 1: once the
// buffer overflows, no further retry is possible regardless of verdict
// (spec.md §4.5). Every retry injects "x-retry-attempt: n" (n >= 1).
func (c *Client) Do(ctx context.Context, req *http.Request, retry *store.RetryPolicy, timeout Timeout) (*http.Response, error) {
	attempts := uint8(1)
	var codes map[int]bool
	var backoff time.Duration
	if retry != nil {
		if retry.Attempts > 0 {
			attempts = retry.Attempts
		}
		codes = retry.Codes
		backoff = time.Duration(retry.BackoffMS) * time.Millisecond
	}

	var body []byte
	var firstBody io.Reader // only set when the body overflows the replay cap
	replayable := true
	if attempts > 1 && req.Body != nil && req.Body != http.NoBody {
		buf, overflowed, err := bufferUpTo(req.Body, replayBufferCap)
		if err != nil {
			return nil, gwerror.New(gwerror.KindUpstreamCallFailed, "reading request body: %v", err)
		}
		body = buf
		replayable = !overflowed
		if overflowed {
			// The buffered cap+1 bytes plus whatever bufferUpTo left unread in
			// req.Body together reconstruct the real, untruncated body. Overflow
			// only forbids replaying it on a retry, not sending it on this
			// (the only) attempt.
			firstBody = io.MultiReader(bytes.NewReader(buf), req.Body)
		}
	}

	if d := timeout.effective(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	var lastErr error
	var lastResp *http.Response
	for attempt := uint8(1); attempt <= attempts; attempt++ {
		out := req.Clone(ctx)
		out.URL.Host = req.URL.Host
		out.Host = req.Host
		switch {
		case attempt == 1 && firstBody != nil:
			out.Body = io.NopCloser(firstBody)
			// out.ContentLength already carries req.ContentLength via Clone.
		case body != nil:
			out.Body = io.NopCloser(bytes.NewReader(body))
			out.ContentLength = int64(len(body))
		}
		if attempt > 1 {
			out.Header.Set("x-retry-attempt", strconv.Itoa(int(attempt-1)))
		}

		resp, err := c.Transport.RoundTrip(out)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, gwerror.New(gwerror.KindRequestTimeout, "request timed out")
			}
			if attempt < attempts && replayable && isTransportRetryable(err) {
				sleep(backoff)
				continue
			}
			break
		}

		if attempt < attempts && replayable && codes[resp.StatusCode] {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastResp = resp
			sleep(backoff)
			continue
		}

		StripHopByHop(resp.Header)
		return resp, nil
	}

	if lastResp != nil {
		StripHopByHop(lastResp.Header)
		return lastResp, nil
	}
	return nil, gwerror.New(gwerror.KindUpstreamCallFailed, "%v", lastErr)
}

func sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

func isTransportRetryable(err error) bool {
	// Any RoundTrip-level error (connection refused/reset, DNS failure) is a
	// transport-class error per spec.md §4.5.
	return err != nil
}

// bufferUpTo reads up to cap+1 bytes from r and returns every byte it read;
// overflowed is true iff more than cap bytes were available.
func bufferUpTo(r io.Reader, cap int) (buf []byte, overflowed bool, err error) {
	limited := io.LimitReader(r, int64(cap)+1)
	b, err := io.ReadAll(limited)
	if err != nil {
		return nil, false, err
	}
	if len(b) > cap {
		return b, true, nil
	}
	return b, false, nil
}
