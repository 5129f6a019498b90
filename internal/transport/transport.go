// Package transport exposes the Interceptor to an agent over both of
// the bindings original_source/src/vee/backend.py's ChimeraBackend
// supported: an MCP stdio server for local agent processes, and a
// plain JSON-RPC HTTP endpoint for remote ones. Both bindings share the
// same Dispatcher, so whichever transport an agent uses, it passes
// through the identical pipeline.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ToolDescriptor is the static catalog entry a Dispatcher exposes for
// tools/list, independent of route.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Dispatcher is the orchestrator (internal/interceptor.Interceptor)
// that a transport binding hands every tool call to. callCtx carries the
// agent-supplied identity/provenance envelope (params.context on the
// wire — spec.md §6), a sibling of args, not a field inside it.
type Dispatcher interface {
	ListTools(ctx context.Context) []ToolDescriptor
	Dispatch(ctx context.Context, sessionID, tool string, args map[string]any, callCtx map[string]any) (string, error)
}

// JSON-RPC 2.0 envelope, per spec.md §4.1.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any        `json:"result,omitempty"`
	Error   *rpcError  `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInternalError  = -32603
)

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	Context   map[string]any `json:"context"`
}

// StdioServer serves line-delimited JSON-RPC requests over stdio, the
// framing an MCP stdio client speaks. It is independent of the MCP SDK's
// own StdioTransport so sessionID can be threaded from an out-of-band
// source (the listener) into every call without relying on unconfirmed
// SDK session-context APIs.
type StdioServer struct {
	dispatcher Dispatcher
	sessionID  string
	logger     *slog.Logger
	in         io.Reader
	out        io.Writer
}

// NewStdioServer builds a stdio JSON-RPC server bound to a single
// logical session (one agent process per CHIMERA instance, matching
// the original's one-backend-per-stdio-server model).
func NewStdioServer(dispatcher Dispatcher, sessionID string, in io.Reader, out io.Writer, logger *slog.Logger) *StdioServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioServer{dispatcher: dispatcher, sessionID: sessionID, logger: logger, in: in, out: out}
}

// Run reads one JSON-RPC request per line until ctx is cancelled or the
// input is exhausted.
func (s *StdioServer) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	writer := bufio.NewWriter(s.out)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := s.handleLine(ctx, line)
		if resp == nil {
			continue
		}
		if err := writeResponse(writer, resp); err != nil {
			return fmt.Errorf("transport: write response: %w", err)
		}
	}
	return scanner.Err()
}

func (s *StdioServer) handleLine(ctx context.Context, line []byte) *rpcResponse {
	var req rpcRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return &rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}}
	}
	return handleRequest(ctx, s.dispatcher, s.sessionID, req)
}

func writeResponse(w *bufio.Writer, resp *rpcResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

// HTTPServer exposes the same Dispatcher over POST /mcp, one JSON-RPC
// request per HTTP request, mirroring the original's uvicorn server
// binding next to its stdio one.
type HTTPServer struct {
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewHTTPServer builds an http.Handler-compatible JSON-RPC endpoint.
func NewHTTPServer(dispatcher Dispatcher, logger *slog.Logger) *HTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPServer{dispatcher: dispatcher, logger: logger}
}

// Handler returns the mux to mount at /mcp.
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", h.serveMCP)
	return mux
}

func (h *HTTPServer) serveMCP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	sessionID := r.Header.Get("X-Chimera-Session")

	body, err := io.ReadAll(io.LimitReader(r.Body, 8*1024*1024))
	if err != nil {
		writeHTTPResponse(w, &rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "failed to read body"}})
		return
	}

	var req rpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeHTTPResponse(w, &rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}})
		return
	}

	resp := handleRequest(r.Context(), h.dispatcher, sessionID, req)
	writeHTTPResponse(w, resp)
}

func writeHTTPResponse(w http.ResponseWriter, resp *rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	if resp.Error != nil {
		w.WriteHeader(http.StatusOK) // JSON-RPC errors still ride a 200; the envelope carries the fault.
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// handleRequest dispatches a parsed JSON-RPC request against dispatcher,
// shared by both transport bindings so method routing behaves
// identically regardless of how the agent connects.
func handleRequest(ctx context.Context, dispatcher Dispatcher, sessionID string, req rpcRequest) *rpcResponse {
	if req.JSONRPC != "2.0" || req.Method == "" {
		return &rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"}}
	}

	switch req.Method {
	case "tools/list":
		tools := dispatcher.ListTools(ctx)
		return &rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{"tools": toolsToWire(tools)}}

	case "tools/call":
		var params callParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return &rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "invalid params"}}
			}
		}
		text, err := dispatcher.Dispatch(ctx, sessionID, params.Name, params.Arguments, params.Context)
		if err != nil {
			return &rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInternalError, Message: err.Error()}}
		}
		return &rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: map[string]any{
			"content": []map[string]any{{"type": "text", "text": text}},
		}}

	default:
		return &rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeMethodNotFound, Message: "method not found"}}
	}
}

func toolsToWire(tools []ToolDescriptor) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		out = append(out, map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"inputSchema": schema,
		})
	}
	return out
}

// toolArgs is the shape AddTool requires for a dynamically-named tool
// whose schema is supplied at runtime rather than known at compile time.
type toolArgs map[string]any

// SDKServer registers every Dispatcher tool with the official MCP SDK
// server and serves it over stdio (github.com/modelcontextprotocol/go-sdk),
// for agents that speak the SDK's session handshake rather than bare
// line-delimited JSON-RPC.
type SDKServer struct {
	inner      *mcpsdk.Server
	dispatcher Dispatcher
	sessionID  string
}

// NewSDKServer builds an SDK-backed server bound to sessionID and
// registers dispatcher's current tool catalog.
func NewSDKServer(dispatcher Dispatcher, sessionID string) *SDKServer {
	s := &SDKServer{
		inner:      mcpsdk.NewServer(&mcpsdk.Implementation{Name: "chimera", Version: "0.1.0"}, nil),
		dispatcher: dispatcher,
		sessionID:  sessionID,
	}
	for _, t := range dispatcher.ListTools(context.Background()) {
		s.register(t)
	}
	return s
}

func (s *SDKServer) register(t ToolDescriptor) {
	tool := t
	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        tool.Name,
		Description: tool.Description,
	}, func(ctx context.Context, req *mcpsdk.CallToolRequest, input toolArgs) (*mcpsdk.CallToolResult, toolArgs, error) {
		// The SDK negotiates its own protocol framing and exposes only
		// the tool's declared arguments here, not a sibling params.context
		// field, so SDK-speaking agents carry identity some other way
		// (e.g. folded into input) until the SDK exposes one.
		text, err := s.dispatcher.Dispatch(ctx, s.sessionID, tool.Name, map[string]any(input), nil)
		if err != nil {
			return &mcpsdk.CallToolResult{IsError: true}, toolArgs{"error": err.Error()}, nil
		}
		return nil, toolArgs{"text": text}, nil
	})
}

// Run serves the SDK server over stdio until ctx is cancelled.
func (s *SDKServer) Run(ctx context.Context) error {
	return s.inner.Run(ctx, &mcpsdk.StdioTransport{})
}
