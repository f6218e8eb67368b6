// Package rpcbridge implements the RPC Bridge: a loopback HTTP endpoint
// that accepts (providerId, toolName, input) from sandbox workers and
// routes the call to the right Provider Connector.
package rpcbridge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"

	goahttp "goa.design/goa/v3/http"

	"github.com/goadesign/toolgate/internal/gatewayerr"
	"github.com/goadesign/toolgate/internal/telemetry"
	"github.com/goadesign/toolgate/provider"
)

// SessionLookup resolves a provider id to its live Session. The Supervisor
// owns the actual instance registry; the bridge only needs to borrow a
// session per call.
type SessionLookup func(providerID string) (provider.Session, bool)

// Bridge is the loopback HTTP server sandbox workers call into to invoke
// provider tools. It is started once at Supervisor construction and
// reused across all sandbox executions.
type Bridge struct {
	server   *http.Server
	listener net.Listener
	lookup   SessionLookup
	logger   telemetry.Logger
}

type callRequest struct {
	ProviderID string          `json:"providerId"`
	ToolName   string          `json:"toolName"`
	Input      json.RawMessage `json:"input"`
}

type callResponse struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// New binds a loopback listener on an OS-assigned port and starts serving
// in the background. lookup is consulted on every request; it must be
// safe for concurrent use.
func New(lookup SessionLookup, logger telemetry.Logger) (*Bridge, error) {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, &gatewayerr.WorkerError{Message: "rpc bridge: failed to bind loopback listener", Cause: err}
	}
	b := &Bridge{listener: listener, lookup: lookup, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/tool-rpc", b.handleToolRPC)
	b.server = &http.Server{Handler: mux}
	go func() {
		if err := b.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error(context.Background(), "rpc bridge serve failed", "error", err)
		}
	}()
	return b, nil
}

// BaseURL returns the bridge's loopback base URL, e.g. "http://127.0.0.1:53211".
// This is embedded into every generated worker program's environment.
func (b *Bridge) BaseURL() string {
	return "http://" + b.listener.Addr().String()
}

// Close stops accepting new requests and shuts the server down.
func (b *Bridge) Close(ctx context.Context) error {
	return b.server.Shutdown(ctx)
}

func (b *Bridge) handleToolRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, callResponse{Success: false, Error: "malformed request body"})
		return
	}
	if req.ProviderID == "" || req.ToolName == "" {
		writeJSON(w, http.StatusBadRequest, callResponse{Success: false, Error: "providerId and toolName are required"})
		return
	}
	session, ok := b.lookup(req.ProviderID)
	if !ok {
		writeJSON(w, http.StatusNotFound, callResponse{Success: false, Error: "unknown provider id"})
		return
	}
	result, err := session.CallTool(r.Context(), req.ToolName, req.Input)
	if err != nil {
		b.logger.Error(r.Context(), "tool call failed", "provider_id", req.ProviderID, "tool", req.ToolName, "error", err)
		writeJSON(w, http.StatusInternalServerError, callResponse{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, callResponse{Success: true, Result: result})
}

// writeJSON encodes body using goa's response encoder, the same helper the
// teacher's MCP runtime uses for its own JSON responses. The encoder is
// built from a background context that carries no Accept value, so the
// response is always JSON regardless of the request's Accept header.
func writeJSON(w http.ResponseWriter, status int, body callResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := goahttp.ResponseEncoder(context.Background(), w)
	if err := enc.Encode(body); err != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}
