package pipeline

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"

	"github.com/sourcegraph/jsonrpc2"

	"relaygate/internal/gwerror"
	"relaygate/internal/mcp"
	"relaygate/internal/policy/jwt"
)

// rpcResponse is the envelope type written back to downstream MCP clients.
type rpcResponse = jsonrpc2.Response

func mathRandFloat() float64 { return rand.Float64() }

// dispatchMCP routes one downstream JSON-RPC request to the relay, per the
// MCP method names of the wire protocol preserved in spec.md §6.
func dispatchMCP(ctx context.Context, relay *mcp.Relay, sess *mcp.Session, r *http.Request, claims jwt.Claims, req *jsonrpc2.Request) (any, error) {
	switch req.Method {
	case "tools/list":
		return relay.ListTools(ctx, sess)

	case "prompts/list":
		return relay.ListPrompts(ctx, sess)

	case "resources/list":
		return relay.ListResources(ctx, sess)

	case "resources/templates/list":
		return relay.ListResourceTemplates(ctx, sess)

	case "tools/call":
		var params struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := unmarshalParams(req, &params); err != nil {
			return nil, err
		}
		return relay.CallTool(ctx, sess, r, claims, params.Name, params.Arguments)

	case "prompts/get":
		var params struct {
			Name      string            `json:"name"`
			Arguments map[string]string `json:"arguments"`
		}
		if err := unmarshalParams(req, &params); err != nil {
			return nil, err
		}
		return relay.GetPrompt(ctx, sess, r, claims, params.Name, params.Arguments)

	case "resources/read":
		var params struct {
			URI string `json:"uri"`
		}
		if err := unmarshalParams(req, &params); err != nil {
			return nil, err
		}
		return relay.ReadResource(ctx, sess, r, claims, params.URI)

	case "initialize":
		return map[string]any{
			"protocolVersion": "2025-03-26",
			"capabilities":    map[string]any{"tools": map[string]any{}, "prompts": map[string]any{}, "resources": map[string]any{}},
			"serverInfo":      map[string]any{"name": "relaygate", "version": "relay"},
		}, nil

	default:
		return nil, gwerror.New(gwerror.KindUnsupportedContent, "unsupported mcp method %q", req.Method)
	}
}

func unmarshalParams(req *jsonrpc2.Request, v any) error {
	if req.Params == nil {
		return gwerror.New(gwerror.KindUnsupportedContent, "mcp method %q requires params", req.Method)
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return gwerror.New(gwerror.KindUnsupportedContent, "invalid params for %q: %v", req.Method, err)
	}
	return nil
}
