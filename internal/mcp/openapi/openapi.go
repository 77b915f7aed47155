// Package openapi turns an OpenAPI document into a set of MCP tools, one per
// operation, and dispatches tool invocations as HTTP calls against the
// target's backend (spec.md §4.7 "OpenAPI-as-MCP target").
package openapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/mark3labs/mcp-go/mcp"

	"relaygate/internal/gwerror"
)

// Target parses an OpenAPI document once and exposes one Tool per operation.
type Target struct {
	doc   *openapi3.T
	ops   map[string]operation
	tools []mcp.Tool
	base  string // backend base URL, e.g. "http://backend-svc"
	http  *http.Client
}

type operation struct {
	method string
	path   string
	op     *openapi3.Operation
}

// New parses spec (raw OpenAPI JSON/YAML bytes) and builds the tool set. It
// is called once at target construction (spec.md §4.7).
func New(spec []byte, base string, client *http.Client) (*Target, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(spec)
	if err != nil {
		return nil, gwerror.New(gwerror.KindBackendDoesNotExist, "invalid openapi document: %v", err)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, gwerror.New(gwerror.KindBackendDoesNotExist, "openapi document failed validation: %v", err)
	}
	if client == nil {
		client = http.DefaultClient
	}

	t := &Target{doc: doc, ops: map[string]operation{}, base: strings.TrimRight(base, "/"), http: client}

	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			name := op.OperationID
			if name == "" {
				name = strings.ToLower(method) + "_" + sanitizePath(path)
			}
			t.ops[name] = operation{method: method, path: path, op: op}
			t.tools = append(t.tools, mcp.Tool{
				Name:        name,
				Description: op.Summary,
				InputSchema: mcp.ToolInputSchema{
					Type:       "object",
					Properties: inputSchemaProperties(op),
				},
			})
		}
	}
	return t, nil
}

// Tools returns the tools synthesized from the document, one per
// operation. The document's paths and operations are read from maps, so
// the order of the returned tools is not defined.
func (t *Target) Tools() []mcp.Tool { return t.tools }

// inputSchemaProperties nests {body, header, query, path} per parameter
// class, per spec.md §4.7.
func inputSchemaProperties(op *openapi3.Operation) map[string]any {
	props := map[string]any{}
	path, query, header := map[string]any{}, map[string]any{}, map[string]any{}
	for _, p := range op.Parameters {
		param := p.Value
		entry := map[string]any{"type": "string"}
		if param.Schema != nil && param.Schema.Value != nil && len(param.Schema.Value.Type.Slice()) > 0 {
			entry["type"] = param.Schema.Value.Type.Slice()[0]
		}
		switch param.In {
		case openapi3.ParameterInPath:
			path[param.Name] = entry
		case openapi3.ParameterInQuery:
			query[param.Name] = entry
		case openapi3.ParameterInHeader:
			header[param.Name] = entry
		}
	}
	if len(path) > 0 {
		props["path"] = map[string]any{"type": "object", "properties": path}
	}
	if len(query) > 0 {
		props["query"] = map[string]any{"type": "object", "properties": query}
	}
	if len(header) > 0 {
		props["header"] = map[string]any{"type": "object", "properties": header}
	}
	if op.RequestBody != nil {
		props["body"] = map[string]any{"type": "object"}
	}
	return props
}

// invocation is the shape tool-call arguments are expected to carry.
type invocation struct {
	Path   map[string]string `json:"path"`
	Query  map[string]string `json:"query"`
	Header map[string]string `json:"header"`
	Body   json.RawMessage   `json:"body"`
}

// Call invokes the named tool's operation against the target backend,
// substituting path/query/header params and the JSON body, per spec.md
// §4.7. A >=400 status becomes a tool-level error with the upstream body
// echoed (mcp.CallToolResult.IsError).
func (t *Target) Call(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	op, ok := t.ops[name]
	if !ok {
		return nil, gwerror.New(gwerror.KindBackendDoesNotExist, "unknown openapi tool %q", name)
	}

	raw, _ := json.Marshal(args)
	var inv invocation
	_ = json.Unmarshal(raw, &inv)

	path := op.path
	for k, v := range inv.Path {
		path = strings.ReplaceAll(path, "{"+k+"}", v)
	}

	u := t.base + path
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(op.method), u, bytes.NewReader(inv.Body))
	if err != nil {
		return nil, err
	}
	if len(inv.Body) > 0 {
		req.Header.Set("content-type", "application/json")
	}
	for k, v := range inv.Header {
		req.Header.Set(k, v)
	}
	if len(inv.Query) > 0 {
		q := req.URL.Query()
		for k, v := range inv.Query {
			q.Set(k, v)
		}
		req.URL.RawQuery = q.Encode()
	}

	resp, err := t.http.Do(req)
	if err != nil {
		return nil, gwerror.New(gwerror.KindUpstreamCallFailed, "openapi tool %q: %v", name, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gwerror.New(gwerror.KindUpstreamCallFailed, "openapi tool %q: reading response: %v", name, err)
	}

	if resp.StatusCode >= 400 {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("upstream status %d: %s", resp.StatusCode, string(body)))},
		}, nil
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(body))},
	}, nil
}

func sanitizePath(p string) string {
	var b strings.Builder
	for _, r := range p {
		switch {
		case r == '/' || r == '{' || r == '}':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return strings.Trim(b.String(), "_")
}
