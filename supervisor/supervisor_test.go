package supervisor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goadesign/toolgate/internal/gatewayerr"
	"github.com/goadesign/toolgate/policy"
	"github.com/goadesign/toolgate/provider"
	"github.com/goadesign/toolgate/schemacache"
	"github.com/goadesign/toolgate/workergen"
)

// fakeSandbox is a sandboxExecutor stand-in that returns a canned result
// without spawning a real subprocess.
type fakeSandbox struct {
	raw          json.RawMessage
	err          error
	executeCalls int
}

func (f *fakeSandbox) Execute(context.Context, string, workergen.Program, string, time.Duration) (json.RawMessage, error) {
	f.executeCalls++
	return f.raw, f.err
}

func (f *fakeSandbox) FetchProxyURL() string {
	return "http://127.0.0.1:0"
}

// newToolServer returns an httptest.Server that speaks the minimal MCP
// stdio-over-HTTP handshake provider.ConnectHTTP expects, exposing exactly
// one tool.
func newToolServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.Method {
		case "initialize":
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":{}}`))
		case "tools/list":
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":{"tools":[{"name":"search","input_schema":{"type":"object"}}]}}`))
		case "prompts/list":
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":{"prompts":[]}}`))
		case "tools/call":
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":{"content":[{"type":"text","text":"{\"ok\":true}","mimeType":"application/json"}]}}`))
		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
		}
	}))
}

func newTestSupervisor(t *testing.T, host sandboxExecutor) *Supervisor {
	t.Helper()
	sup, err := New(Options{
		Policies: policy.New(policy.Options{Settings: policy.DefaultSettings()}),
		Cache:    schemacache.NewTwoTier(nil),
		Host:     host,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sup.Shutdown(context.Background())
	})
	return sup
}

// listingPersistentStore is a minimal schemacache.PersistentStore that also
// implements schemacache.SchemaLister, used to exercise the
// DiagnosePersistedSchemas path without a real MongoDB.
type listingPersistentStore struct {
	byProvider map[string][]*schemacache.CachedSchema
}

func (l *listingPersistentStore) Get(context.Context, string) (*schemacache.CachedSchema, error) {
	return nil, nil
}
func (l *listingPersistentStore) Put(context.Context, string, *schemacache.CachedSchema) error {
	return nil
}
func (l *listingPersistentStore) Delete(context.Context, string) error { return nil }
func (l *listingPersistentStore) DeleteByProvider(context.Context, string) error {
	return nil
}
func (l *listingPersistentStore) ListByProvider(_ context.Context, providerName string) ([]*schemacache.CachedSchema, error) {
	return l.byProvider[providerName], nil
}

// TestDiagnosePersistedSchemasListsEntriesFromListerCapableStore covers the
// operator-diagnostics path: when the configured persistent tier implements
// SchemaLister (as MongoStore does), DiagnosePersistedSchemas surfaces its
// entries; with no persistent tier configured it returns nil without error.
func TestDiagnosePersistedSchemasListsEntriesFromListerCapableStore(t *testing.T) {
	store := &listingPersistentStore{byProvider: map[string][]*schemacache.CachedSchema{
		"search-provider": {{ProviderName: "search-provider", ConfigHash: "abc"}},
	}}
	sup, err := New(Options{
		Policies: policy.New(policy.Options{Settings: policy.DefaultSettings()}),
		Cache:    schemacache.NewTwoTier(store),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sup.Shutdown(context.Background()) })

	schemas, err := sup.DiagnosePersistedSchemas(context.Background(), "search-provider")
	require.NoError(t, err)
	require.Len(t, schemas, 1)
	require.Equal(t, "abc", schemas[0].ConfigHash)

	schemas, err = sup.DiagnosePersistedSchemas(context.Background(), "nonexistent")
	require.NoError(t, err)
	require.Empty(t, schemas)

	noCache := newTestSupervisor(t, nil)
	noCache.cache = nil
	schemas, err = noCache.DiagnosePersistedSchemas(context.Background(), "search-provider")
	require.NoError(t, err)
	require.Nil(t, schemas)
}

func TestLoadProviderRegistersInstanceWithDiscoveredTools(t *testing.T) {
	srv := newToolServer(t)
	defer srv.Close()

	sup := newTestSupervisor(t, nil)
	inst, err := sup.LoadProvider(context.Background(), "search-provider", provider.Config{URL: srv.URL})
	require.NoError(t, err)
	require.NotEmpty(t, inst.ID)
	require.Len(t, inst.Schema.Tools, 1)
	require.Equal(t, "search", inst.Schema.Tools[0].Name)

	got, ok := sup.GetInstance(inst.ID)
	require.True(t, ok)
	require.Equal(t, inst.Name, got.Name)

	byName, ok := sup.GetInstanceByName("search-provider")
	require.True(t, ok)
	require.Equal(t, inst.ID, byName.ID)
}

func TestLoadProviderRollsBackOnConnectFailure(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	_, err := sup.LoadProvider(context.Background(), "broken", provider.Config{})
	require.Error(t, err)

	var connErr *gatewayerr.ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Empty(t, sup.ListInstances())
}

// TestLoadProviderUnderSameNameLeavesPriorInstanceLoaded covers spec.md
// §4.1: a prior instance under the same name may coexist with a newly
// loaded one and stays addressable by its own id until explicitly
// unloaded; only the name lookup repoints to the newest instance.
func TestLoadProviderUnderSameNameLeavesPriorInstanceLoaded(t *testing.T) {
	srv := newToolServer(t)
	defer srv.Close()

	sup := newTestSupervisor(t, nil)
	first, err := sup.LoadProvider(context.Background(), "search-provider", provider.Config{URL: srv.URL})
	require.NoError(t, err)

	second, err := sup.LoadProvider(context.Background(), "search-provider", provider.Config{URL: srv.URL})
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	_, ok := sup.GetInstance(first.ID)
	require.True(t, ok, "a prior instance under the same name must stay loaded and addressable by id")
	_, ok = sup.GetInstance(second.ID)
	require.True(t, ok)
	require.Len(t, sup.ListInstances(), 2)

	byName, ok := sup.GetInstanceByName("search-provider")
	require.True(t, ok)
	require.Equal(t, second.ID, byName.ID, "the name lookup must repoint to the newest instance")

	require.NoError(t, sup.UnloadProvider(context.Background(), first.ID))
	_, ok = sup.GetInstance(first.ID)
	require.False(t, ok)
	_, ok = sup.GetInstance(second.ID)
	require.True(t, ok, "unloading the old instance by id must not affect the newer one")
}

// TestLoadUnloadLoadProducesEqualToolsAndTypedAPIText is the §8 round-trip
// property: loading a provider, unloading it, and loading again with the
// same config produces equal tools and equal typed_api_text.
func TestLoadUnloadLoadProducesEqualToolsAndTypedAPIText(t *testing.T) {
	srv := newToolServer(t)
	defer srv.Close()

	sup := newTestSupervisor(t, nil)
	cfg := provider.Config{URL: srv.URL}

	first, err := sup.LoadProvider(context.Background(), "search-provider", cfg)
	require.NoError(t, err)

	require.NoError(t, sup.UnloadProvider(context.Background(), first.ID))

	second, err := sup.LoadProvider(context.Background(), "search-provider", cfg)
	require.NoError(t, err)

	require.Equal(t, first.Schema.Tools, second.Schema.Tools)
	require.Equal(t, first.Schema.TypedAPIText, second.Schema.TypedAPIText)
}

func TestUnloadProviderIsIdempotentAgainstUnknownID(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	err := sup.UnloadProvider(context.Background(), "does-not-exist")
	require.Error(t, err)

	var workerErr *gatewayerr.WorkerError
	require.ErrorAs(t, err, &workerErr)
}

func TestUnloadProviderRemovesInstance(t *testing.T) {
	srv := newToolServer(t)
	defer srv.Close()

	sup := newTestSupervisor(t, nil)
	inst, err := sup.LoadProvider(context.Background(), "search-provider", provider.Config{URL: srv.URL})
	require.NoError(t, err)

	require.NoError(t, sup.UnloadProvider(context.Background(), inst.ID))
	_, ok := sup.GetInstance(inst.ID)
	require.False(t, ok)
}

func TestExecuteInSandboxRequiresKnownInstance(t *testing.T) {
	sup := newTestSupervisor(t, &fakeSandbox{raw: json.RawMessage(`{}`)})
	_, err := sup.ExecuteInSandbox(context.Background(), "nope", "return 1;", time.Second)
	require.Error(t, err)

	var workerErr *gatewayerr.WorkerError
	require.ErrorAs(t, err, &workerErr)
}

func TestExecuteInSandboxRejectsOversizedCode(t *testing.T) {
	srv := newToolServer(t)
	defer srv.Close()

	sup := newTestSupervisor(t, &fakeSandbox{raw: json.RawMessage(`{}`)})
	inst, err := sup.LoadProvider(context.Background(), "search-provider", provider.Config{URL: srv.URL})
	require.NoError(t, err)

	oversized := make([]byte, 50_001)
	for i := range oversized {
		oversized[i] = 'a'
	}
	_, err = sup.ExecuteInSandbox(context.Background(), inst.ID, string(oversized), time.Second)
	require.Error(t, err)

	var validationErr *gatewayerr.ValidationError
	require.ErrorAs(t, err, &validationErr)
}

// TestExecuteInSandboxRejectsDisallowedPattern covers spec.md §7's
// SecurityError kind: code that reaches for the global object directly or
// constructs new code dynamically must be rejected before the worker
// program is ever generated or dispatched to the sandbox host.
func TestExecuteInSandboxRejectsDisallowedPattern(t *testing.T) {
	srv := newToolServer(t)
	defer srv.Close()

	fake := &fakeSandbox{raw: json.RawMessage(`{}`)}
	sup := newTestSupervisor(t, fake)
	inst, err := sup.LoadProvider(context.Background(), "search-provider", provider.Config{URL: srv.URL})
	require.NoError(t, err)

	for _, code := range []string{
		`eval("tools.search({})");`,
		`const f = new Function("return 1");`,
		`globalThis.process.exit(1);`,
		`require("fs").readFileSync("/etc/passwd");`,
	} {
		_, err := sup.ExecuteInSandbox(context.Background(), inst.ID, code, time.Second)
		require.Error(t, err, "code %q should have been rejected", code)

		var secErr *gatewayerr.SecurityError
		require.ErrorAs(t, err, &secErr, "code %q should surface a SecurityError", code)
	}
	require.Equal(t, 0, fake.executeCalls, "a rejected submission must never reach the sandbox host")

	_, err = sup.ExecuteInSandbox(context.Background(), inst.ID, "return tools.search({});", time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, fake.executeCalls)
}

func TestExecuteInSandboxRequiresSandboxHost(t *testing.T) {
	srv := newToolServer(t)
	defer srv.Close()

	sup := newTestSupervisor(t, nil)
	inst, err := sup.LoadProvider(context.Background(), "search-provider", provider.Config{URL: srv.URL})
	require.NoError(t, err)

	_, err = sup.ExecuteInSandbox(context.Background(), inst.ID, "return 1;", time.Second)
	require.Error(t, err)

	var workerErr *gatewayerr.WorkerError
	require.ErrorAs(t, err, &workerErr)
}

func TestExecuteInSandboxReturnsWorkerResultVerbatim(t *testing.T) {
	srv := newToolServer(t)
	defer srv.Close()

	fake := &fakeSandbox{raw: json.RawMessage(`{"success":true,"result":42}`)}
	sup := newTestSupervisor(t, fake)
	inst, err := sup.LoadProvider(context.Background(), "search-provider", provider.Config{URL: srv.URL})
	require.NoError(t, err)

	result, err := sup.ExecuteInSandbox(context.Background(), inst.ID, "return 42;", time.Second)
	require.NoError(t, err)
	require.JSONEq(t, `{"success":true,"result":42}`, string(result.Raw))
}

func TestExecuteInSandboxAugmentsMetricsWithSchemaEfficiencyAndSecurity(t *testing.T) {
	srv := newToolServer(t)
	defer srv.Close()

	fake := &fakeSandbox{raw: json.RawMessage(`{"success":true,"result":1,"metrics":{"tool_calls_made":1,"tools_called":["search"],"execution_time_ms":5}}`)}
	sup := newTestSupervisor(t, fake)
	inst, err := sup.LoadProvider(context.Background(), "search-provider", provider.Config{URL: srv.URL})
	require.NoError(t, err)

	result, err := sup.ExecuteInSandbox(context.Background(), inst.ID, "return tools.search({});", time.Second)
	require.NoError(t, err)

	var decoded struct {
		Metrics struct {
			SchemaEfficiency struct {
				ToolsTotal         int     `json:"tools_total"`
				ToolsInvoked       int     `json:"tools_invoked"`
				UtilizationPercent float64 `json:"schema_utilization_percent"`
			} `json:"schema_efficiency"`
			Security struct {
				NetworkIsolationEnabled bool `json:"network_isolation_enabled"`
			} `json:"security"`
		} `json:"metrics"`
	}
	require.NoError(t, json.Unmarshal(result.Raw, &decoded))
	require.Equal(t, 1, decoded.Metrics.SchemaEfficiency.ToolsTotal)
	require.Equal(t, 1, decoded.Metrics.SchemaEfficiency.ToolsInvoked)
	require.True(t, decoded.Metrics.Security.NetworkIsolationEnabled)
}

func TestUptimeIsMonotonicallyNonNegative(t *testing.T) {
	srv := newToolServer(t)
	defer srv.Close()

	sup := newTestSupervisor(t, nil)
	inst, err := sup.LoadProvider(context.Background(), "search-provider", provider.Config{URL: srv.URL})
	require.NoError(t, err)

	first := inst.Uptime()
	time.Sleep(5 * time.Millisecond)
	second := inst.Uptime()
	require.GreaterOrEqual(t, second, first)
	require.GreaterOrEqual(t, first, time.Duration(0))
}

// TestLoadProviderZeroToolURLSchemaReattemptsFetchOnSubsequentLoad covers
// the §8 boundary behavior: a zero-tool URL-based schema is never
// persisted to the cache, so a second load re-attempts the fetch instead
// of returning a stale empty result.
func TestLoadProviderZeroToolURLSchemaReattemptsFetchOnSubsequentLoad(t *testing.T) {
	var listCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.Method {
		case "initialize":
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":{}}`))
		case "tools/list":
			listCalls++
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":{"tools":[]}}`))
		case "prompts/list":
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":{"prompts":[]}}`))
		default:
			http.Error(w, "unknown method", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	sup := newTestSupervisor(t, nil)
	cfg := provider.Config{URL: srv.URL}

	_, err := sup.LoadProvider(context.Background(), "empty-provider", cfg)
	require.NoError(t, err)
	require.NoError(t, sup.UnloadProvider(context.Background(), func() string {
		inst, _ := sup.GetInstanceByName("empty-provider")
		return inst.ID
	}()))

	_, err = sup.LoadProvider(context.Background(), "empty-provider", cfg)
	require.NoError(t, err)

	require.Equal(t, 2, listCalls, "a zero-tool schema must not be served from cache on the second load")
}

func TestShutdownUnloadsEveryInstance(t *testing.T) {
	srv := newToolServer(t)
	defer srv.Close()

	sup, err := New(Options{
		Policies: policy.New(policy.Options{Settings: policy.DefaultSettings()}),
		Cache:    schemacache.NewTwoTier(nil),
	})
	require.NoError(t, err)

	_, err = sup.LoadProvider(context.Background(), "a", provider.Config{URL: srv.URL})
	require.NoError(t, err)
	_, err = sup.LoadProvider(context.Background(), "b", provider.Config{URL: srv.URL})
	require.NoError(t, err)
	require.Len(t, sup.ListInstances(), 2)

	require.NoError(t, sup.Shutdown(context.Background()))
	require.Empty(t, sup.ListInstances())
}
