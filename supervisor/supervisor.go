// Package supervisor implements the Supervisor: the component that owns
// the lifecycle of every loaded provider instance, binding together the
// Provider Connector, Schema Cache, Policy Registry, RPC Bridge, Worker
// Program Generator, and Sandbox Host into the three operations an AI
// client actually calls — load_provider, execute_in_sandbox, and
// unload_provider — plus the read-only instance inspection operations.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/goadesign/toolgate/internal/gatewayerr"
	"github.com/goadesign/toolgate/internal/telemetry"
	"github.com/goadesign/toolgate/policy"
	"github.com/goadesign/toolgate/provider"
	"github.com/goadesign/toolgate/rpcbridge"
	"github.com/goadesign/toolgate/sandbox"
	"github.com/goadesign/toolgate/schema"
	"github.com/goadesign/toolgate/schemacache"
	"github.com/goadesign/toolgate/workergen"
)

// shutdownDeadline bounds how long Shutdown waits for every instance to
// unload concurrently before giving up on stragglers.
const shutdownDeadline = 5 * time.Second

// defaultExecutionTimeout bounds an execute_in_sandbox call when the
// caller passes no positive timeout.
const defaultExecutionTimeout = 30 * time.Second

// maxUserCodeChars rejects oversized submissions before any worker program
// is generated or dispatched, per spec.md §8's boundary behavior.
const maxUserCodeChars = 50_000

// ProviderInstance is the Supervisor's record of one loaded provider: its
// live session, cached schema, resolved policy, and generated worker
// metadata needed for subsequent execute_in_sandbox calls.
type ProviderInstance struct {
	ID         string
	Name       string
	Config     provider.Config
	Policy     policy.Policy
	Schema     *schemacache.CachedSchema
	LoadedAt   time.Time

	session provider.Session
}

// Uptime reports how long this instance has been loaded.
func (pi *ProviderInstance) Uptime() time.Duration {
	return time.Since(pi.LoadedAt)
}

// ExecutionResult is the verbatim-forwarded result of one
// execute_in_sandbox call, decoded only enough to report success/failure
// to callers that need it; the full body is passed through unchanged.
type ExecutionResult struct {
	Raw json.RawMessage
}

// sandboxExecutor is the narrow surface Supervisor needs from a Sandbox
// Host. Defining it here rather than depending on *sandbox.Host directly
// lets tests substitute a fake host without spawning a real subprocess.
type sandboxExecutor interface {
	Execute(ctx context.Context, workerID string, program workergen.Program, code string, timeout time.Duration) (json.RawMessage, error)
	FetchProxyURL() string
}

var _ sandboxExecutor = (*sandbox.Host)(nil)

// Supervisor owns every loaded ProviderInstance plus the shared
// infrastructure (RPC Bridge, Sandbox Host, Schema Cache, Policy Registry)
// each instance's executions are dispatched through.
type Supervisor struct {
	logger   telemetry.Logger
	policies *policy.Registry
	cache    *schemacache.TwoTier
	bridge   *rpcbridge.Bridge
	host     sandboxExecutor

	mu        sync.RWMutex
	instances map[string]*ProviderInstance
	byName    map[string]string
}

// Options configures a new Supervisor.
type Options struct {
	Logger   telemetry.Logger
	Policies *policy.Registry
	Cache    *schemacache.TwoTier
	Host     sandboxExecutor
}

// New constructs a Supervisor and starts its RPC Bridge, looking up live
// sessions by provider id through the Supervisor's own instance registry.
func New(opts Options) (*Supervisor, error) {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	sup := &Supervisor{
		logger:    logger,
		policies:  opts.Policies,
		cache:     opts.Cache,
		host:      opts.Host,
		instances: make(map[string]*ProviderInstance),
		byName:    make(map[string]string),
	}
	bridge, err := rpcbridge.New(sup.lookupSession, logger)
	if err != nil {
		return nil, fmt.Errorf("supervisor: failed to start rpc bridge: %w", err)
	}
	sup.bridge = bridge
	return sup, nil
}

func (s *Supervisor) lookupSession(providerID string) (provider.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[providerID]
	if !ok {
		return nil, false
	}
	return inst.session, true
}

// LoadProvider opens a session against cfg, discovers its tools and
// prompts (consulting the Schema Cache first), resolves its policy, and
// registers a new ProviderInstance. On any failure after the session is
// opened, LoadProvider rolls back by closing the session before returning
// — a ConnectionError for a failed schema fetch, the ValidationError from
// schema.ValidateToolSchemas for a malformed tool schema — so no
// partially-registered instance is ever left behind.
func (s *Supervisor) LoadProvider(ctx context.Context, name string, cfg provider.Config) (*ProviderInstance, error) {
	sess, err := provider.Connect(ctx, cfg, s.logger)
	if err != nil {
		return nil, &gatewayerr.ConnectionError{Provider: name, Cause: err}
	}

	cached, schemaErr := s.resolveSchema(ctx, name, cfg, sess)
	if schemaErr != nil {
		_ = sess.Close()
		return nil, &gatewayerr.ConnectionError{Provider: name, Cause: schemaErr}
	}

	if err := schema.ValidateToolSchemas(cached.Tools); err != nil {
		_ = sess.Close()
		return nil, err
	}

	pol := policy.DefaultPolicy()
	if s.policies != nil {
		pol = s.policies.Resolve(name)
	}

	inst := &ProviderInstance{
		ID:       uuid.NewString(),
		Name:     name,
		Config:   cfg,
		Policy:   pol,
		Schema:   cached,
		LoadedAt: time.Now(),
		session:  sess,
	}

	// A prior instance under the same name is left loaded and addressable
	// by its own id; only the name-to-id pointer is repointed to the
	// newest instance. The old instance is torn down solely by an
	// explicit UnloadProvider call.
	s.mu.Lock()
	s.instances[inst.ID] = inst
	s.byName[name] = inst.ID
	s.mu.Unlock()

	s.logger.Info(ctx, "provider loaded", "provider", name, "instance_id", inst.ID, "tool_count", len(cached.Tools))
	return inst, nil
}

func (s *Supervisor) resolveSchema(ctx context.Context, name string, cfg provider.Config, sess provider.Session) (*schemacache.CachedSchema, error) {
	key := schemacache.Key(name, cfg)
	if s.cache != nil {
		if cached, err := s.cache.Lookup(ctx, key, cfg); err == nil && cached != nil {
			return cached, nil
		}
	}

	tools, err := sess.ListTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	prompts, err := sess.ListPrompts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}

	cached := &schemacache.CachedSchema{
		ProviderName: name,
		ConfigHash:   schemacache.ConfigHash(name, cfg),
		Tools:        tools,
		Prompts:      prompts,
		TypedAPIText: schema.ToTypedAPIText(tools),
		CachedAt:     time.Now().Unix(),
	}
	if s.cache != nil {
		_ = s.cache.Store(ctx, key, cached, cfg)
	}
	return cached, nil
}

// GetInstance returns the instance registered under id.
func (s *Supervisor) GetInstance(id string) (*ProviderInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	return inst, ok
}

// GetInstanceByName returns the most recently loaded instance registered
// under name.
func (s *Supervisor) GetInstanceByName(name string) (*ProviderInstance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	inst, ok := s.instances[id]
	return inst, ok
}

// ListInstances returns every currently loaded instance in no particular
// order.
func (s *Supervisor) ListInstances() []*ProviderInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*ProviderInstance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst)
	}
	return out
}

// UnloadProvider closes id's session, purges the provider's schema cache
// entries from both tiers, and removes it from the registry.
// UnloadProvider is idempotent in the sense that unloading an id that was
// already removed returns a WorkerError rather than panicking, so a caller
// racing a duplicate unload never crashes the Supervisor.
func (s *Supervisor) UnloadProvider(ctx context.Context, id string) error {
	s.mu.Lock()
	inst, ok := s.instances[id]
	if !ok {
		s.mu.Unlock()
		return &gatewayerr.WorkerError{Message: "no such provider instance", Detail: map[string]any{"instance_id": id}}
	}
	delete(s.instances, id)
	if s.byName[inst.Name] == id {
		delete(s.byName, inst.Name)
	}
	s.mu.Unlock()

	if err := inst.session.Close(); err != nil {
		s.logger.Warn(ctx, "provider session close failed", "provider", inst.Name, "instance_id", id, "error", err)
	}
	if s.cache != nil {
		if err := s.cache.InvalidateProvider(ctx, inst.Name); err != nil {
			s.logger.Warn(ctx, "schema cache invalidation failed", "provider", inst.Name, "instance_id", id, "error", err)
		}
	}
	s.logger.Info(ctx, "provider unloaded", "provider", inst.Name, "instance_id", id)
	return nil
}

// ExecuteInSandbox generates a worker program for instance id's current
// tool set and policy, then runs userCode inside the Sandbox Host.
func (s *Supervisor) ExecuteInSandbox(ctx context.Context, id string, userCode string, timeout time.Duration) (*ExecutionResult, error) {
	inst, ok := s.GetInstance(id)
	if !ok {
		return nil, &gatewayerr.WorkerError{Message: "no such provider instance", Detail: map[string]any{"instance_id": id}}
	}
	if utf8.RuneCountInString(userCode) > maxUserCodeChars {
		return nil, &gatewayerr.ValidationError{Field: "code", Message: fmt.Sprintf("code exceeds the %d character limit", maxUserCodeChars)}
	}
	if secErr := checkCodeSecurity(userCode); secErr != nil {
		return nil, secErr
	}
	if timeout <= 0 {
		timeout = defaultExecutionTimeout
	}
	if s.host == nil {
		return nil, &gatewayerr.WorkerError{Message: "sandbox host is not running"}
	}

	program := workergen.Generate(inst.ID, inst.Schema.Tools, userCode, inst.Policy, s.bridge.BaseURL(), s.host.FetchProxyURL())
	raw, err := s.host.Execute(ctx, inst.ID, program, userCode, timeout)
	if err != nil {
		return nil, err
	}
	return &ExecutionResult{Raw: augmentMetrics(raw, inst.Schema.Tools, inst.Policy)}, nil
}

// augmentMetrics enriches the worker's metrics with the two summaries only
// the Supervisor can compute: schema_efficiency (joining the worker's own
// tools_called list, tracked by workergen's invocation-counting proxy,
// against the Supervisor's cached tool set) and security (the isolation the
// instance's resolved Policy actually enforced). If raw isn't the expected
// {metrics:{...}} shape, it is returned unchanged.
func augmentMetrics(raw json.RawMessage, tools []provider.ToolDescriptor, pol policy.Policy) json.RawMessage {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		return raw
	}
	rawMetrics, ok := body["metrics"]
	if !ok {
		return raw
	}
	var metrics map[string]json.RawMessage
	if err := json.Unmarshal(rawMetrics, &metrics); err != nil {
		return raw
	}
	var toolsCalled []string
	if rawCalled, ok := metrics["tools_called"]; ok {
		_ = json.Unmarshal(rawCalled, &toolsCalled)
	}

	efficiency, err := json.Marshal(schema.ComputeEfficiency(tools, toolsCalled))
	if err != nil {
		return raw
	}
	metrics["schema_efficiency"] = efficiency

	security, err := json.Marshal(pol.ToSecurity())
	if err != nil {
		return raw
	}
	metrics["security"] = security

	rawMetrics, err = json.Marshal(metrics)
	if err != nil {
		return raw
	}
	body["metrics"] = rawMetrics

	out, err := json.Marshal(body)
	if err != nil {
		return raw
	}
	return out
}

// DiagnosePersistedSchemas returns every schema persisted for providerName
// in the Supervisor's persistent cache tier, for operator troubleshooting
// of stale or unexpectedly large cache entries. It returns nil, nil when no
// cache is configured, no persistent tier is wired, or the wired persistent
// tier does not implement schemacache.SchemaLister.
func (s *Supervisor) DiagnosePersistedSchemas(ctx context.Context, providerName string) ([]*schemacache.CachedSchema, error) {
	if s.cache == nil {
		return nil, nil
	}
	return s.cache.ListPersistedByProvider(ctx, providerName)
}

// Shutdown unloads every loaded instance concurrently, bounded by
// shutdownDeadline, and stops the RPC Bridge. Instances that do not finish
// unloading within the deadline are abandoned; their sessions were already
// asked to close and will be reaped by the OS if their child processes
// linger.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, shutdownDeadline)
	defer cancel()

	s.mu.RLock()
	ids := make([]string, 0, len(s.instances))
	for id := range s.instances {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_ = s.UnloadProvider(ctx, id)
		}(id)
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn(ctx, "shutdown deadline reached before all instances unloaded")
	}

	if err := s.bridge.Close(ctx); err != nil {
		return fmt.Errorf("supervisor: rpc bridge shutdown: %w", err)
	}
	return nil
}
