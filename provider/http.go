package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goadesign/toolgate/internal/telemetry"
)

// HTTPSession implements Session over a streamable HTTP JSON-RPC transport.
// Sessions obtained purely for schema discovery may be closed immediately;
// sessions bound to a live provider instance are kept open and reused by
// the RPC Bridge for the instance's lifetime.
type HTTPSession struct {
	endpoint string
	client   *http.Client
	headers  map[string]string
	logger   telemetry.Logger
	id       uint64
}

// ConnectHTTP opens a streamable HTTP session against cfg.URL and performs
// the MCP initialize handshake. If cfg.Headers carries an Authorization
// value it is never logged in full; see MaskAuthorization. A nil logger
// defaults to telemetry.NoopLogger.
func ConnectHTTP(ctx context.Context, cfg Config, logger telemetry.Logger) (*HTTPSession, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	ctx, cancel := context.WithTimeout(ctx, connectDeadline)
	defer cancel()

	session := &HTTPSession{
		endpoint: cfg.URL,
		client:   &http.Client{Timeout: 30 * time.Second},
		headers:  cfg.Headers,
		logger:   logger,
	}
	if auth, ok := cfg.Headers["Authorization"]; ok {
		logger.Debug(ctx, "http provider connect", "endpoint", cfg.URL, "authorization", MaskAuthorization(auth))
	}
	payload := map[string]any{
		"protocolVersion": DefaultProtocolVersion,
		"clientInfo":      map[string]any{"name": "toolgate", "version": "dev"},
	}
	if err := session.call(ctx, "initialize", payload, nil); err != nil {
		return nil, err
	}
	return session, nil
}

// ListTools implements Session.
func (s *HTTPSession) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	var result listToolsResult
	if err := s.call(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// ListPrompts implements Session.
func (s *HTTPSession) ListPrompts(ctx context.Context) ([]PromptDescriptor, error) {
	var result listPromptsResult
	if err := s.call(ctx, "prompts/list", map[string]any{}, &result); err != nil {
		return nil, err
	}
	return result.Prompts, nil
}

// CallTool implements Session. The provider-level error, if any, is
// returned unchanged; the HTTP transport performs no automatic retries.
func (s *HTTPSession) CallTool(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	params := map[string]any{"name": name, "arguments": rawOrEmptyObject(input)}
	var raw json.RawMessage
	if err := s.call(ctx, "tools/call", params, &raw); err != nil {
		return nil, err
	}
	return decodeToolCallResult(raw)
}

// Close is a no-op for the stateless HTTP transport; there is no
// child process or long-lived socket to release beyond what the
// standard library's transport pool already manages.
func (s *HTTPSession) Close() error { return nil }

func (s *HTTPSession) nextID() uint64 { return atomic.AddUint64(&s.id, 1) }

// logFailure emits a warning for a failed RPC call. The Authorization
// header, if configured, is masked per MaskAuthorization rather than
// omitted, so an operator can still confirm a credential was present
// without it ever reaching the log in full.
func (s *HTTPSession) logFailure(ctx context.Context, method string, err error) {
	logger := s.logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	auth := MaskAuthorization(s.headers["Authorization"])
	logger.Warn(ctx, "http provider rpc call failed", "endpoint", s.endpoint, "method", method, "authorization", auth, "error", err)
}

func (s *HTTPSession) call(ctx context.Context, method string, params any, result any) error {
	req := rpcRequest{JSONRPC: "2.0", Method: method, ID: s.nextID(), Params: params}
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		httpReq.Header.Set(k, v)
	}
	resp, err := s.client.Do(httpReq)
	if err != nil {
		s.logFailure(ctx, method, err)
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("provider rpc status %d", resp.StatusCode)
		s.logFailure(ctx, method, err)
		return err
	}
	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return rpcResp.Error.callerError()
	}
	if result != nil && rpcResp.Result != nil {
		if raw, ok := result.(*json.RawMessage); ok {
			*raw = rpcResp.Result
			return nil
		}
		return json.Unmarshal(rpcResp.Result, result)
	}
	return nil
}

// MaskAuthorization returns a masked form of an Authorization header value
// suitable for log emission: only a short prefix survives.
func MaskAuthorization(value string) string {
	if value == "" {
		return ""
	}
	trimmed := strings.TrimSpace(value)
	const keep = 12
	if len(trimmed) <= keep {
		return strings.Repeat("*", len(trimmed))
	}
	return trimmed[:keep] + strings.Repeat("*", len(trimmed)-keep)
}
