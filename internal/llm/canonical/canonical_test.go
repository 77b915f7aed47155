package canonical

import (
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func TestValidateContent_RejectsNonTextParts(t *testing.T) {
	req := &ChatRequest{Messages: []openai.ChatCompletionMessage{
		{Role: "user", MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeImageURL},
		}},
	}}
	if err := ValidateContent(req); err == nil {
		t.Fatalf("expected error for non-text message part")
	}
}

func TestValidateContent_AllowsTextOnly(t *testing.T) {
	req := &ChatRequest{Messages: []openai.ChatCompletionMessage{
		{Role: "user", Content: "hello"},
		{Role: "user", MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: "hi"},
		}},
	}}
	if err := ValidateContent(req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestApplyDefaults_OverrideWinsOverDefault(t *testing.T) {
	req := &ChatRequest{Model: "gpt-4"}
	ApplyDefaults(req, "gpt-3.5-turbo", "gpt-4o", nil, nil)
	if req.Model != "gpt-4o" {
		t.Fatalf("expected override model to win, got %q", req.Model)
	}
}

func TestApplyDefaults_DefaultAppliedWhenModelEmpty(t *testing.T) {
	req := &ChatRequest{}
	ApplyDefaults(req, "gpt-3.5-turbo", "", nil, nil)
	if req.Model != "gpt-3.5-turbo" {
		t.Fatalf("expected default model applied, got %q", req.Model)
	}
}

func TestApplyDefaults_PrependsAndAppendsMessages(t *testing.T) {
	req := &ChatRequest{Messages: []openai.ChatCompletionMessage{{Role: "user", Content: "middle"}}}
	prepend := []openai.ChatCompletionMessage{{Role: "system", Content: "first"}}
	appendMsgs := []openai.ChatCompletionMessage{{Role: "user", Content: "last"}}
	ApplyDefaults(req, "", "", prepend, appendMsgs)

	if len(req.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(req.Messages))
	}
	if req.Messages[0].Content != "first" || req.Messages[2].Content != "last" {
		t.Fatalf("unexpected message order: %+v", req.Messages)
	}
}
