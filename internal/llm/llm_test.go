package llm

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"relaygate/internal/ratelimit"
	"relaygate/internal/store"
)

func TestPrepareRequest_AppliesDefaultsAndRewritesProvider(t *testing.T) {
	body := `{"model":"","messages":[{"role":"user","content":"hi"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))

	cfg := &store.AIBackendConfig{Provider: store.AIProviderOpenAI}
	policy := &store.LLMPolicy{DefaultModel: "gpt-4"}

	prepared, err := PrepareRequest(context.Background(), req, cfg, policy, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prepared.Outbound.URL.Host != "api.openai.com" {
		t.Fatalf("expected provider rewrite applied, got host %q", prepared.Outbound.URL.Host)
	}

	got, _ := io.ReadAll(prepared.Outbound.Body)
	if !strings.Contains(string(got), `"model":"gpt-4"`) {
		t.Fatalf("expected default model applied to outbound body, got %s", got)
	}
}

func TestPrepareRequest_RejectsNonTextContent(t *testing.T) {
	body := `{"model":"gpt-4","messages":[{"role":"user","content":[{"type":"image_url","image_url":{"url":"http://x"}}]}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	cfg := &store.AIBackendConfig{Provider: store.AIProviderOpenAI}

	if _, err := PrepareRequest(context.Background(), req, cfg, nil, nil); err == nil {
		t.Fatalf("expected rejection for non-text message content")
	}
}

func TestPrepareRequest_RunsRequestGuards(t *testing.T) {
	body := `{"model":"gpt-4","messages":[{"role":"user","content":"blocked phrase"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	cfg := &store.AIBackendConfig{Provider: store.AIProviderOpenAI}
	policy := &store.LLMPolicy{PromptGuard: &store.PromptGuardPolicy{
		Request: []store.PromptGuardRule{{Kind: store.GuardRegex, Pattern: "blocked phrase", RejectStatus: 400, RejectBody: "no"}},
	}}

	if _, err := PrepareRequest(context.Background(), req, cfg, policy, NewGuards()); err == nil {
		t.Fatalf("expected request guard to reject the message")
	}
}

func TestProcessResponse_TranslatesUpstreamErrorStatus(t *testing.T) {
	resp := &http.Response{StatusCode: 500, Body: io.NopCloser(strings.NewReader(`{"error":{"message":"boom"}}`))}
	chatResp, errResp, err := ProcessResponse(context.Background(), resp, 0, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if chatResp != nil || errResp == nil || errResp.Error.Message != "boom" {
		t.Fatalf("expected translated error response, got resp=%+v err=%+v", chatResp, errResp)
	}
}

func TestProcessResponse_ReconcilesTokenBucket(t *testing.T) {
	body := `{"model":"gpt-4","choices":[{"message":{"role":"assistant","content":"hi"}}],"usage":{"prompt_tokens":10,"completion_tokens":5}}`
	resp := &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader(body))}

	bucket := ratelimit.New(100, 0, time.Hour)
	bucket.TryAcquire(3) // estimated cost reserved at ingress

	chatResp, errResp, err := ProcessResponse(context.Background(), resp, 3, nil, nil, []*ratelimit.Bucket{bucket})
	if err != nil || errResp != nil {
		t.Fatalf("unexpected error/errResp: %v %+v", err, errResp)
	}
	if chatResp.Usage.PromptTokens != 10 {
		t.Fatalf("expected parsed usage, got %+v", chatResp.Usage)
	}
	// real cost (10 prompt + 5 completion = 15) exceeds the 3 reserved, so
	// available must have dropped by the additional 12.
	if bucket.Available() != 100-15 {
		t.Fatalf("expected bucket reconciled to %d available, got %d", 100-15, bucket.Available())
	}
}

func TestReconcile_AmendsEachBucketByDelta(t *testing.T) {
	b1 := ratelimit.New(50, 0, time.Hour)
	b2 := ratelimit.New(50, 0, time.Hour)
	b1.TryAcquire(2)
	b2.TryAcquire(2)

	reconcile(10, 2, 0, []*ratelimit.Bucket{b1, b2})

	if b1.Available() != 50-10 || b2.Available() != 50-10 {
		t.Fatalf("expected both buckets reconciled to true cost, got %d and %d", b1.Available(), b2.Available())
	}
}

type rejectAllAdapter struct{}

func (rejectAllAdapter) Rewrite(*http.Request, *store.AIBackendConfig) {}
func (rejectAllAdapter) SupportsStreaming() bool                       { return false }

func TestStreamPassthrough_RejectsUnsupportedProvider(t *testing.T) {
	err := StreamPassthrough(context.Background(), strings.NewReader(""), rejectAllAdapter{}, 0, nil, func([]byte) error { return nil })
	if err == nil {
		t.Fatalf("expected rejection for a provider that doesn't support streaming")
	}
}

type passthroughAdapter struct{}

func (passthroughAdapter) Rewrite(*http.Request, *store.AIBackendConfig) {}
func (passthroughAdapter) SupportsStreaming() bool                      { return true }

func TestStreamPassthrough_ForwardsEveryDataFrame(t *testing.T) {
	body := "data: {\"choices\":[]}\n\ndata: [DONE]\n\n"
	var frames [][]byte
	err := StreamPassthrough(context.Background(), strings.NewReader(body), passthroughAdapter{}, 0, nil, func(raw []byte) error {
		frames = append(frames, append([]byte{}, raw...))
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 forwarded frames, got %d", len(frames))
	}
	if !bytes.Contains(frames[1], []byte("[DONE]")) {
		t.Fatalf("expected terminal frame forwarded, got %s", frames[1])
	}
}

func TestReadCapped_RejectsOversizedBody(t *testing.T) {
	big := strings.NewReader(strings.Repeat("x", int(maxBodyBytes)+1))
	if _, err := readCapped(big, maxBodyBytes); err == nil {
		t.Fatalf("expected error for oversized body")
	}
}

func TestReadCapped_AllowsBodyAtCap(t *testing.T) {
	exact := strings.NewReader(strings.Repeat("x", 10))
	got, err := readCapped(exact, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 10 {
		t.Fatalf("expected 10 bytes read, got %d", len(got))
	}
}
