// Package upstream establishes and drives a single MCP upstream connection
// (SSE, streamable HTTP, or stdio) on behalf of the relay (spec.md §4.7).
package upstream

import (
	"context"
	"fmt"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"relaygate/internal/gwerror"
	"relaygate/internal/store"
)

const (
	defaultRequestTimeout = 30 * time.Second
)

// Conn wraps a live mark3labs MCP client for one upstream target, plus the
// capabilities discovered at connect time.
type Conn struct {
	Client       *mcpclient.Client
	Capabilities Capabilities
	SessionID    string
}

// Capabilities mirrors what the relay aggregates across targets.
type Capabilities struct {
	Tools             []mcp.Tool
	Prompts           []mcp.Prompt
	Resources         []mcp.Resource
	ResourceTemplates []mcp.ResourceTemplate
}

// Connect dials target and runs the MCP Initialize handshake, returning a
// live connection ready for dispatch. Stdio targets spawn the configured
// command; SSE/StreamableHTTP targets dial BackendRef over HTTP.
func Connect(ctx context.Context, target store.McpTarget, baseURL string) (*Conn, error) {
	var (
		c   *mcpclient.Client
		err error
	)

	switch target.Kind {
	case store.McpTargetStreamableHTTP:
		c, err = mcpclient.NewStreamableHttpClient(baseURL,
			mcptransport.WithHTTPTimeout(defaultRequestTimeout))
	case store.McpTargetSSE:
		c, err = mcpclient.NewSSEMCPClient(baseURL)
	case store.McpTargetStdio:
		c, err = mcpclient.NewStdioMCPClient(target.Cmd, envSlice(target.Env), target.Args...)
	default:
		return nil, gwerror.New(gwerror.KindBackendDoesNotExist, "mcp target %q has no upstream transport", target.Name)
	}
	if err != nil {
		return nil, gwerror.New(gwerror.KindUpstreamCallFailed, "mcp target %q: dial failed: %v", target.Name, err)
	}

	if err := c.Start(context.Background()); err != nil {
		return nil, gwerror.New(gwerror.KindUpstreamCallFailed, "mcp target %q: start failed: %v", target.Name, err)
	}

	result, err := c.Initialize(ctx, mcp.InitializeRequest{
		Params: mcp.InitializeParams{
			ProtocolVersion: mcp.LATEST_PROTOCOL_VERSION,
			ClientInfo: mcp.Implementation{
				Name:    "relaygate",
				Version: "relay",
			},
		},
	})
	if err != nil {
		_ = c.Close()
		return nil, gwerror.New(gwerror.KindUpstreamCallFailed, "mcp target %q: initialize failed: %v", target.Name, err)
	}

	conn := &Conn{Client: c}
	if sh, ok := c.GetTransport().(*mcptransport.StreamableHTTP); ok {
		conn.SessionID = sh.GetSessionId()
	}

	if result.Capabilities.Tools != nil {
		tr, err := c.ListTools(ctx, mcp.ListToolsRequest{})
		if err != nil {
			_ = c.Close()
			return nil, gwerror.New(gwerror.KindUpstreamCallFailed, "mcp target %q: list_tools failed: %v", target.Name, err)
		}
		conn.Capabilities.Tools = tr.Tools
	}
	if result.Capabilities.Prompts != nil {
		pr, err := c.ListPrompts(ctx, mcp.ListPromptsRequest{})
		if err != nil {
			_ = c.Close()
			return nil, gwerror.New(gwerror.KindUpstreamCallFailed, "mcp target %q: list_prompts failed: %v", target.Name, err)
		}
		conn.Capabilities.Prompts = pr.Prompts
	}
	if result.Capabilities.Resources != nil {
		rr, err := c.ListResources(ctx, mcp.ListResourcesRequest{})
		if err != nil {
			_ = c.Close()
			return nil, gwerror.New(gwerror.KindUpstreamCallFailed, "mcp target %q: list_resources failed: %v", target.Name, err)
		}
		conn.Capabilities.Resources = rr.Resources

		rtr, err := c.ListResourceTemplates(ctx, mcp.ListResourceTemplatesRequest{})
		if err == nil {
			conn.Capabilities.ResourceTemplates = rtr.ResourceTemplates
		}
	}

	return conn, nil
}

func (c *Conn) Close() error { return c.Client.Close() }

// CallTool dispatches a call_tool to this upstream.
func (c *Conn) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	result, err := c.Client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		return nil, gwerror.New(gwerror.KindUpstreamCallFailed, "call_tool %q failed: %v", name, err)
	}
	return result, nil
}

// GetPrompt dispatches a get_prompt to this upstream.
func (c *Conn) GetPrompt(ctx context.Context, name string, args map[string]string) (*mcp.GetPromptResult, error) {
	result, err := c.Client.GetPrompt(ctx, mcp.GetPromptRequest{
		Params: mcp.GetPromptParams{Name: name, Arguments: args},
	})
	if err != nil {
		return nil, gwerror.New(gwerror.KindUpstreamCallFailed, "get_prompt %q failed: %v", name, err)
	}
	return result, nil
}

// ReadResource dispatches a read_resource to this upstream.
func (c *Conn) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	result, err := c.Client.ReadResource(ctx, mcp.ReadResourceRequest{
		Params: mcp.ReadResourceParams{URI: uri},
	})
	if err != nil {
		return nil, gwerror.New(gwerror.KindUpstreamCallFailed, "read_resource %q failed: %v", uri, err)
	}
	return result, nil
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
