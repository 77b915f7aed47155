// Package rpc implements the downstream-facing JSON-RPC 2.0 envelope and
// SSE/streamable-HTTP framing described in spec.md §6: "JsonRpcMessage is an
// untagged union of Request|Response|Error" plus the `event: endpoint` /
// `event: message` SSE preamble and the streamable-HTTP POST /mcp contract.
package rpc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sourcegraph/jsonrpc2"

	"relaygate/internal/gwerror"
)

// SessionHeader is the header carrying a streamable-HTTP session id across
// requests (spec.md §6).
const SessionHeader = "Mcp-Session-Id"

// Message is the decoded form of one downstream JSON-RPC envelope: exactly
// one of Request or Response/Error is populated, mirroring the untagged
// union on the wire.
type Message struct {
	Request  *jsonrpc2.Request
	Response *jsonrpc2.Response
}

// Decode parses raw as a JSON-RPC 2.0 envelope. A payload carrying "method"
// is a Request; one carrying "result" or "error" is a Response.
func Decode(raw []byte) (*Message, error) {
	var probe struct {
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, gwerror.New(gwerror.KindUnsupportedContent, "invalid json-rpc envelope: %v", err)
	}
	if probe.Method != "" {
		var req jsonrpc2.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, gwerror.New(gwerror.KindUnsupportedContent, "invalid json-rpc request: %v", err)
		}
		return &Message{Request: &req}, nil
	}
	var resp jsonrpc2.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, gwerror.New(gwerror.KindUnsupportedContent, "invalid json-rpc response: %v", err)
	}
	return &Message{Response: &resp}, nil
}

// NewResult builds a Response envelope carrying result for id.
func NewResult(id jsonrpc2.ID, result any) (*jsonrpc2.Response, error) {
	resp := &jsonrpc2.Response{ID: id}
	if err := resp.SetResult(result); err != nil {
		return nil, err
	}
	return resp, nil
}

// NewError builds a Response envelope carrying a JSON-RPC error for id.
func NewError(id jsonrpc2.ID, code int64, message string) *jsonrpc2.Response {
	return &jsonrpc2.Response{
		ID:    id,
		Error: &jsonrpc2.Error{Code: code, Message: message},
	}
}

// --- SSE transport (spec.md §6) ---

// SSEWriter frames "event: endpoint" / "event: message" payloads onto an
// http.ResponseWriter, flushing after every frame.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter prepares w for SSE output and writes the standard headers.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support flushing")
	}
	h := w.Header()
	h.Set("content-type", "text/event-stream")
	h.Set("cache-control", "no-cache")
	h.Set("connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSEWriter{w: w, flusher: flusher}, nil
}

// Endpoint writes the "event: endpoint" preamble carrying the session's
// message-posting URL (spec.md §6: "?sessionId=…").
func (s *SSEWriter) Endpoint(messagesURL string) {
	fmt.Fprintf(s.w, "event: endpoint\ndata: %s\n\n", messagesURL)
	s.flusher.Flush()
}

// Message writes one "event: message" frame carrying a serialized JSON-RPC
// payload.
func (s *SSEWriter) Message(payload []byte) {
	fmt.Fprintf(s.w, "event: message\ndata: %s\n\n", payload)
	s.flusher.Flush()
}

// ScanDataFrames reads SSE "data:" lines from r, invoking onData for each
// payload (used when the relay itself consumes an upstream SSE stream).
func ScanDataFrames(r *bufio.Scanner, onData func(payload []byte) error) error {
	for r.Scan() {
		line := r.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if err := onData([]byte(payload)); err != nil {
			return err
		}
	}
	return r.Err()
}

// --- Streamable HTTP transport (spec.md §6) ---

// WantsSSE reports whether req's Accept header prefers a streamed response
// over a single JSON body, per the streamable-HTTP contract.
func WantsSSE(req *http.Request) bool {
	accept := req.Header.Get("accept")
	return strings.Contains(accept, "text/event-stream")
}

// WriteAccepted answers a notification (no response expected) with 202, per
// spec.md §6.
func WriteAccepted(w http.ResponseWriter) {
	w.WriteHeader(http.StatusAccepted)
}

// WriteJSONResult answers a single streamable-HTTP request with a bare JSON
// body instead of an SSE stream.
func WriteJSONResult(w http.ResponseWriter, resp *jsonrpc2.Response) error {
	w.Header().Set("content-type", "application/json")
	return json.NewEncoder(w).Encode(resp)
}
