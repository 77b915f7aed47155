package gwerror

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew_FormatsMessage(t *testing.T) {
	err := New(KindRouteNotFound, "no route for %s", "/foo")
	if err.Kind != KindRouteNotFound {
		t.Fatalf("unexpected kind: %v", err.Kind)
	}
	if err.Error() != "no route for /foo" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}

func TestNew_EmptyFormatFallsBackToDefaultBody(t *testing.T) {
	err := New(KindRateLimitExceeded, "")
	if err.Error() != "rate limit exceeded" {
		t.Fatalf("expected default body, got %q", err.Error())
	}
}

func TestWithHeader_AccumulatesHeaders(t *testing.T) {
	err := New(KindAuthorizationFailed, "").WithHeader("x-a", "1").WithHeader("x-b", "2")
	if err.Headers["x-a"] != "1" || err.Headers["x-b"] != "2" {
		t.Fatalf("expected both headers set, got %+v", err.Headers)
	}
}

func TestStatus_MapsKnownKinds(t *testing.T) {
	cases := map[Kind]int{
		KindBindNotFound:             http.StatusNotFound,
		KindNoValidBackends:          http.StatusInternalServerError,
		KindNoHealthyEndpoints:       http.StatusServiceUnavailable,
		KindRequestTimeout:           http.StatusGatewayTimeout,
		KindJwtAuthenticationFailure: http.StatusUnauthorized,
		KindAuthorizationFailed:      http.StatusForbidden,
		KindRateLimitExceeded:        http.StatusTooManyRequests,
		KindRequestTooLarge:          http.StatusRequestEntityTooLarge,
		KindUnsupportedContent:       http.StatusBadRequest,
		KindStreamingUnsupported:     http.StatusNotImplemented,
		KindUnknown:                  http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := Status(kind); got != want {
			t.Fatalf("Status(%v) = %d, want %d", kind, got, want)
		}
	}
}

func TestWriteResponse_WritesStatusBodyAndHeaders(t *testing.T) {
	err := New(KindRateLimitExceeded, "").WithHeader("retry-after", "5")
	rec := httptest.NewRecorder()

	WriteResponse(rec, err)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if rec.Header().Get("retry-after") != "5" {
		t.Fatalf("expected retry-after header forwarded")
	}
	if rec.Header().Get("content-type") != "text/plain; charset=utf-8" {
		t.Fatalf("unexpected content-type: %q", rec.Header().Get("content-type"))
	}
	if rec.Body.String() != "rate limit exceeded" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}
