// Package provider rewrites request URI authority/path and auth headers
// for dispatch to each upstream LLM provider (spec.md §4.6). Request and
// response bodies stay in the canonical (OpenAI) shape: no adapter converts
// them to or from a provider-specific body format.
package provider

import (
	"net/http"

	"relaygate/internal/store"
)

// Adapter is implemented once per provider variant. Dynamic dispatch is
// modeled as a tagged sum (store.AIProviderKind) with a per-variant handler
// rather than an open interface hierarchy, since the variant count is fixed
// and small (spec.md §9).
type Adapter interface {
	// Rewrite mutates req's URL authority/path and auth headers for this
	// provider, given the AIBackend config (host override, region/project).
	Rewrite(req *http.Request, cfg *store.AIBackendConfig)
	// SupportsStreaming reports whether this provider's streaming responses
	// are supported (spec.md §4.6: Bedrock streaming is unsupported).
	SupportsStreaming() bool
}

// For resolves the Adapter for kind.
func For(kind store.AIProviderKind) Adapter {
	switch kind {
	case store.AIProviderAnthropic:
		return anthropicAdapter{}
	case store.AIProviderGemini:
		return geminiAdapter{}
	case store.AIProviderVertex:
		return vertexAdapter{}
	case store.AIProviderBedrock:
		return bedrockAdapter{}
	default:
		return openAIAdapter{}
	}
}

type openAIAdapter struct{}

func (openAIAdapter) Rewrite(req *http.Request, cfg *store.AIBackendConfig) {
	host := "api.openai.com"
	if cfg.HostOverride != "" {
		host = cfg.HostOverride
	}
	req.URL.Host = host
	req.Host = host
	req.URL.Path = "/v1/chat/completions"
}

func (openAIAdapter) SupportsStreaming() bool { return true }

// anthropicAdapter moves Bearer -> x-api-key and adds anthropic-version,
// per spec.md §4.6's literal example.
type anthropicAdapter struct{}

func (anthropicAdapter) Rewrite(req *http.Request, cfg *store.AIBackendConfig) {
	host := "api.anthropic.com"
	if cfg.HostOverride != "" {
		host = cfg.HostOverride
	}
	req.URL.Host = host
	req.Host = host
	req.URL.Path = "/v1/messages"

	if auth := req.Header.Get("Authorization"); auth != "" {
		key := auth
		const prefix = "Bearer "
		if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
			key = auth[len(prefix):]
		}
		req.Header.Del("Authorization")
		req.Header.Set("x-api-key", key)
	}
	req.Header.Set("anthropic-version", "2023-06-01")
}

func (anthropicAdapter) SupportsStreaming() bool { return true }

type geminiAdapter struct{}

func (geminiAdapter) Rewrite(req *http.Request, cfg *store.AIBackendConfig) {
	host := "generativelanguage.googleapis.com"
	if cfg.HostOverride != "" {
		host = cfg.HostOverride
	}
	req.URL.Host = host
	req.Host = host
	model := cfg.ModelOverride
	if model == "" {
		model = "gemini-1.5-flash"
	}
	req.URL.Path = "/v1beta/models/" + model + ":generateContent"
}

func (geminiAdapter) SupportsStreaming() bool { return true }

type vertexAdapter struct{}

func (vertexAdapter) Rewrite(req *http.Request, cfg *store.AIBackendConfig) {
	region := cfg.Region
	if region == "" {
		region = "us-central1"
	}
	host := region + "-aiplatform.googleapis.com"
	if cfg.HostOverride != "" {
		host = cfg.HostOverride
	}
	req.URL.Host = host
	req.Host = host
	model := cfg.ModelOverride
	if model == "" {
		model = "gemini-1.5-flash"
	}
	req.URL.Path = "/v1/projects/" + cfg.Project + "/locations/" + region + "/publishers/google/models/" + model + ":generateContent"
}

func (vertexAdapter) SupportsStreaming() bool { return true }

// bedrockAdapter: streaming is unsupported per spec.md §4.6.
type bedrockAdapter struct{}

func (bedrockAdapter) Rewrite(req *http.Request, cfg *store.AIBackendConfig) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	host := "bedrock-runtime." + region + ".amazonaws.com"
	if cfg.HostOverride != "" {
		host = cfg.HostOverride
	}
	req.URL.Host = host
	req.Host = host
	model := cfg.ModelOverride
	req.URL.Path = "/model/" + model + "/invoke"
}

func (bedrockAdapter) SupportsStreaming() bool { return false }
