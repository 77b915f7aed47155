// Package canonical defines the OpenAI-shaped ChatCompletion request/
// response that the LLM layer parses and forwards for every provider
// (spec.md §4.6); provider adapters send and receive this shape unchanged. It reuses github.com/sashabaranov/go-openai's wire types directly
// since the canonical shape *is* the OpenAI shape by definition.
package canonical

import (
	openai "github.com/sashabaranov/go-openai"

	"relaygate/internal/gwerror"
	"relaygate/internal/llm/tokenizer"
)

// ChatRequest is the canonical request shape.
type ChatRequest = openai.ChatCompletionRequest

// ChatResponse is the canonical non-streaming response shape.
type ChatResponse = openai.ChatCompletionResponse

// StreamChunk is one canonical SSE data frame.
type StreamChunk = openai.ChatCompletionStreamResponse

// ErrorResponse is the canonical error shape providers' errors are
// translated into.
type ErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Param   string `json:"param,omitempty"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

// InvalidRequestError synthesizes the canonical error shape for a provider
// response body that failed to parse (spec.md §4.6 response-time step).
func InvalidRequestError(rawBody string) ErrorResponse {
	var e ErrorResponse
	e.Error.Type = "invalid_request_error"
	e.Error.Message = rawBody
	return e
}

// ValidateContent rejects non-text message parts (image, audio) per
// spec.md §4.6: "currently cause the request to be rejected with
// UnsupportedContent".
func ValidateContent(req *ChatRequest) error {
	for _, m := range req.Messages {
		if len(m.MultiContent) > 0 {
			for _, part := range m.MultiContent {
				if part.Type != openai.ChatMessagePartTypeText {
					return gwerror.New(gwerror.KindUnsupportedContent, "message part type %q is not supported", part.Type)
				}
			}
		}
	}
	return nil
}

// CountPromptTokens counts the estimated prompt token cost per spec.md
// §4.6 step 4, using llm/tokenizer's BPE-based counter.
func CountPromptTokens(req *ChatRequest) (int, error) {
	msgs := make([]tokenizer.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, tokenizer.Message{Role: m.Role, Content: m.Content, Name: m.Name})
	}
	return tokenizer.Count(req.Model, msgs)
}

// ApplyDefaults applies model default/override and prepends/appends
// enrichment messages (spec.md §4.6 step 5).
func ApplyDefaults(req *ChatRequest, defaultModel, overrideModel string, prepend, append_ []openai.ChatCompletionMessage) {
	if overrideModel != "" {
		req.Model = overrideModel
	} else if req.Model == "" && defaultModel != "" {
		req.Model = defaultModel
	}
	if len(prepend) > 0 {
		req.Messages = append(append([]openai.ChatCompletionMessage{}, prepend...), req.Messages...)
	}
	if len(append_) > 0 {
		req.Messages = append(req.Messages, append_...)
	}
}
