// Package tokenizer counts tokens for canonical chat messages using a
// model-appropriate BPE, defaulting to the cl100k_base family (spec.md §4.6
// step 4).
package tokenizer

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"relaygate/internal/gwerror"
)

// modelEncodings maps a model-family prefix to its tiktoken encoding name.
// Unlisted families are rejected with KindUnsupportedModel.
var modelEncodings = map[string]string{
	"gpt-4":         "cl100k_base",
	"gpt-4o":        "o200k_base",
	"gpt-3.5-turbo": "cl100k_base",
	"claude":        "cl100k_base", // no public Anthropic BPE; cl100k approximates
	"gemini":        "cl100k_base",
}

// Message is the minimal shape the counter needs, independent of
// llm/canonical to avoid an import cycle.
type Message struct {
	Role    string
	Content string
	Name    string
}

// EncodingFor resolves the tiktoken encoding name for model (the longest
// matching family prefix wins), or KindUnsupportedModel if the family is
// unrecognized.
func EncodingFor(model string) (string, error) {
	best, bestLen := "", -1
	for prefix, enc := range modelEncodings {
		if len(model) >= len(prefix) && model[:len(prefix)] == prefix && len(prefix) > bestLen {
			best, bestLen = enc, len(prefix)
		}
	}
	if bestLen >= 0 {
		return best, nil
	}
	return "", gwerror.New(gwerror.KindUnsupportedModel, "unsupported model family %q", model)
}

// Count implements the per-message formula of spec.md §4.6 step 4: +3
// overhead, +1 role token, +tokens(content), +tokens(name)+1 if name
// present, +3 reply priming across the whole message set.
func Count(model string, messages []Message) (int, error) {
	encName, err := EncodingFor(model)
	if err != nil {
		return 0, err
	}
	enc, err := tiktoken.GetEncoding(encName)
	if err != nil {
		return 0, fmt.Errorf("loading encoding %q: %w", encName, err)
	}

	total := 0
	for _, m := range messages {
		total += 3
		total += 1 // role
		total += len(enc.Encode(m.Content, nil, nil))
		if m.Name != "" {
			total += len(enc.Encode(m.Name, nil, nil)) + 1
		}
	}
	total += 3 // reply priming
	return total, nil
}
