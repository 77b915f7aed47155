// Package llm implements the request/response processing steps of spec.md
// §4.6: buffer+deserialize, prompt-guard, tokenization, defaults/
// enrichment, provider dispatch, and response translation/accounting,
// including SSE streaming pass-through.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"relaygate/internal/gwerror"
	"relaygate/internal/llm/canonical"
	"relaygate/internal/llm/provider"
	"relaygate/internal/ratelimit"
	"relaygate/internal/store"
)

// maxBodyBytes is the request/response buffering cap of spec.md §4.6.
const maxBodyBytes = 2 * 1024 * 1024

// PreparedRequest is the result of request-time processing: the rewritten
// outbound *http.Request plus the estimated prompt token count for rate
// limiter reconciliation.
type PreparedRequest struct {
	Outbound        *http.Request
	EstimatedTokens int
	Adapter         provider.Adapter
}

// Guarder is the subset of *Guards used by PrepareRequest/ProcessResponse,
// so tests can substitute a fake.
type Guarder interface {
	Apply(ctx context.Context, rules []store.PromptGuardRule, req *canonical.ChatRequest) error
}

// PrepareRequest runs spec.md §4.6's request-time steps 1-6: buffer+cap,
// deserialize, request-side prompt guards, token count, defaults/
// enrichment, and provider dispatch rewriting.
func PrepareRequest(ctx context.Context, req *http.Request, cfg *store.AIBackendConfig, policy *store.LLMPolicy, guards Guarder) (*PreparedRequest, error) {
	body, err := readCapped(req.Body, maxBodyBytes)
	if err != nil {
		return nil, err
	}

	var chatReq canonical.ChatRequest
	if err := json.Unmarshal(body, &chatReq); err != nil {
		return nil, gwerror.New(gwerror.KindUnsupportedContent, "invalid chat completion request: %v", err)
	}

	if err := canonical.ValidateContent(&chatReq); err != nil {
		return nil, err
	}

	if policy != nil && policy.PromptGuard != nil && guards != nil {
		if err := guards.Apply(ctx, policy.PromptGuard.Request, &chatReq); err != nil {
			return nil, err
		}
	}

	estimated := 0
	if cfg.Tokenize {
		n, err := canonical.CountPromptTokens(&chatReq)
		if err != nil {
			return nil, err
		}
		estimated = n
	}

	if policy != nil {
		canonical.ApplyDefaults(&chatReq, policy.DefaultModel, policy.OverrideModel,
			toOpenAIMessages(policy.PrependMessages), toOpenAIMessages(policy.AppendMessages))
	}

	newBody, err := json.Marshal(&chatReq)
	if err != nil {
		return nil, err
	}

	adapter := provider.For(cfg.Provider)
	out := req.Clone(ctx)
	out.Body = io.NopCloser(bytes.NewReader(newBody))
	out.ContentLength = int64(len(newBody))
	adapter.Rewrite(out, cfg)

	return &PreparedRequest{Outbound: out, EstimatedTokens: estimated, Adapter: adapter}, nil
}

func toOpenAIMessages(msgs []store.CanonicalMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content, Name: m.Name})
	}
	return out
}

// ProcessResponse runs spec.md §4.6's non-streaming response-time steps:
// buffer+cap, deserialize, error translation, response-side prompt guards,
// and rate-limit reconciliation via amend on every applicable bucket.
func ProcessResponse(ctx context.Context, resp *http.Response, estimatedPromptTokens int, policy *store.LLMPolicy, guards Guarder, buckets []*ratelimit.Bucket) (*canonical.ChatResponse, *canonical.ErrorResponse, error) {
	body, err := readCapped(resp.Body, maxBodyBytes)
	if err != nil {
		return nil, nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		e := canonical.InvalidRequestError(string(body))
		var parsed canonical.ErrorResponse
		if json.Unmarshal(body, &parsed) == nil && parsed.Error.Message != "" {
			e = parsed
		}
		return nil, &e, nil
	}

	var chatResp canonical.ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		e := canonical.InvalidRequestError(string(body))
		return nil, &e, nil
	}

	if policy != nil && policy.PromptGuard != nil && guards != nil {
		// response guards run against every choice's message, each one
		// placed as a message of a request-shaped list.
		fake := canonical.ChatRequest{}
		for _, c := range chatResp.Choices {
			fake.Messages = append(fake.Messages, c.Message)
		}
		if err := guards.Apply(ctx, policy.PromptGuard.Response, &fake); err != nil {
			return nil, nil, err
		}
		for i := range chatResp.Choices {
			if i < len(fake.Messages) {
				chatResp.Choices[i].Message = fake.Messages[i]
			}
		}
	}

	reconcile(chatResp.Usage.PromptTokens, estimatedPromptTokens, chatResp.Usage.CompletionTokens, buckets)
	return &chatResp, nil, nil
}

// reconcile subtracts (real_prompt - estimated_prompt) + completion from
// every applicable token bucket via Amend (spec.md §4.6, §8 scenario 6).
func reconcile(realPrompt, estimatedPrompt, completion int, buckets []*ratelimit.Bucket) {
	delta := int64(realPrompt-estimatedPrompt) + int64(completion)
	for _, b := range buckets {
		b.Amend(-delta)
	}
}

// StreamFrame is one parsed SSE data frame, forwarded to the downstream
// client in arrival order (spec.md §5).
type StreamFrame struct {
	Raw   []byte
	Usage *canonical.StreamChunk
	Done  bool
}

// StreamPassthrough reads upstream's SSE body, invoking onFrame for every
// "data:" frame in arrival order. A frame carrying usage is reconciled
// against buckets (reconcile) when it arrives, per spec.md §5. Providers
// whose adapter reports !SupportsStreaming() are rejected up front with
// StreamingUnsupported (Bedrock, spec.md §4.6).
func StreamPassthrough(ctx context.Context, body io.Reader, adapter provider.Adapter, estimatedPromptTokens int, buckets []*ratelimit.Bucket, onFrame func(raw []byte) error) error {
	if !adapter.SupportsStreaming() {
		return gwerror.New(gwerror.KindStreamingUnsupported, "")
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBodyBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return gwerror.New(gwerror.KindRequestTimeout, "")
		}
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			if err := onFrame([]byte(line)); err != nil {
				return err
			}
			break
		}
		if err := onFrame([]byte(line)); err != nil {
			return err
		}

		var chunk canonical.StreamChunk
		if json.Unmarshal([]byte(payload), &chunk) == nil && chunk.Usage != nil {
			reconcile(chunk.Usage.PromptTokens, estimatedPromptTokens, chunk.Usage.CompletionTokens, buckets)
		}
	}
	return scanner.Err()
}

func readCapped(r io.Reader, cap int64) ([]byte, error) {
	limited := io.LimitReader(r, cap+1)
	b, err := io.ReadAll(limited)
	if err != nil {
		return nil, gwerror.New(gwerror.KindUpstreamCallFailed, "reading body: %v", err)
	}
	if int64(len(b)) > cap {
		return nil, gwerror.New(gwerror.KindRequestTooLarge, "")
	}
	return b, nil
}
