package rpcbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/goadesign/toolgate/internal/telemetry"
	"github.com/goadesign/toolgate/provider"
)

type fakeSession struct {
	result json.RawMessage
	err    error
}

func (f *fakeSession) ListTools(context.Context) ([]provider.ToolDescriptor, error)     { return nil, nil }
func (f *fakeSession) ListPrompts(context.Context) ([]provider.PromptDescriptor, error) { return nil, nil }
func (f *fakeSession) CallTool(_ context.Context, _ string, _ json.RawMessage) (json.RawMessage, error) {
	return f.result, f.err
}
func (f *fakeSession) Close() error { return nil }

var _ provider.Session = (*fakeSession)(nil)

func TestBridgeCallToolSuccess(t *testing.T) {
	session := &fakeSession{result: json.RawMessage(`{"ok":true}`)}
	bridge, err := New(func(id string) (provider.Session, bool) {
		if id == "abc" {
			return session, true
		}
		return nil, false
	}, telemetry.NoopLogger{})
	require.NoError(t, err)
	defer func() { _ = bridge.Close(context.Background()) }()

	body, _ := json.Marshal(callRequest{ProviderID: "abc", ToolName: "search", Input: json.RawMessage(`{}`)})
	resp, err := http.Post(bridge.BaseURL()+"/tool-rpc", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out callResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.True(t, out.Success)
	require.JSONEq(t, `{"ok":true}`, string(out.Result))
}

func TestBridgeUnknownProvider(t *testing.T) {
	bridge, err := New(func(string) (provider.Session, bool) { return nil, false }, telemetry.NoopLogger{})
	require.NoError(t, err)
	defer func() { _ = bridge.Close(context.Background()) }()

	body, _ := json.Marshal(callRequest{ProviderID: "missing", ToolName: "x"})
	resp, err := http.Post(bridge.BaseURL()+"/tool-rpc", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBridgeDownstreamErrorIs5xx(t *testing.T) {
	session := &fakeSession{err: errors.New("provider unreachable")}
	bridge, err := New(func(string) (provider.Session, bool) { return session, true }, telemetry.NoopLogger{})
	require.NoError(t, err)
	defer func() { _ = bridge.Close(context.Background()) }()

	body, _ := json.Marshal(callRequest{ProviderID: "abc", ToolName: "search"})
	resp, err := http.Post(bridge.BaseURL()+"/tool-rpc", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestBridgeMissingFieldsIs4xx(t *testing.T) {
	bridge, err := New(func(string) (provider.Session, bool) { return nil, false }, telemetry.NoopLogger{})
	require.NoError(t, err)
	defer func() { _ = bridge.Close(context.Background()) }()

	resp, err := http.Post(bridge.BaseURL()+"/tool-rpc", "application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
