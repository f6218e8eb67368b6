// Command toolgated embeds the Supervisor as a long-running process: it
// loads the Policy Registry's settings document, imports any configured
// provider launch configs, starts the optional persistent Schema Cache
// tier and the Sandbox Host subprocess, and keeps every configured
// provider loaded until it receives a termination signal.
//
// The AI-client-facing meta-tool dispatcher that would expose
// load_provider/execute_in_sandbox/unload_provider over a concrete wire
// protocol to an external caller is out of scope here (see spec.md's
// Non-goals); this command demonstrates embedding the Supervisor the way
// a host application would.
//
// # Configuration
//
// Environment variables:
//
//	TOOLGATE_PRODUCT           - settings directory name under $HOME (default: "toolgate")
//	TOOLGATE_MCP_CONFIG        - path to a provider launch config document (optional)
//	TOOLGATE_MONGO_URI         - Mongo connection string for the persistent schema cache tier (optional)
//	TOOLGATE_MONGO_DATABASE    - Mongo database name (default: "toolgate")
//	TOOLGATE_REDIS_ADDR        - Redis address for an alternate hot cache tier (optional)
//	TOOLGATE_SANDBOX_COMMAND   - command that launches the sandbox host subprocess (required to serve execute_in_sandbox)
//	TOOLGATE_SANDBOX_ARGS      - space-separated arguments passed to the sandbox host command
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/goadesign/toolgate/internal/telemetry"
	"github.com/goadesign/toolgate/policy"
	"github.com/goadesign/toolgate/sandbox"
	"github.com/goadesign/toolgate/schemacache"
	"github.com/goadesign/toolgate/supervisor"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := telemetry.NewClueLogger()

	product := envOr("TOOLGATE_PRODUCT", "toolgate")
	settingsPath, err := policy.SettingsPath(product)
	if err != nil {
		return fmt.Errorf("resolve settings path: %w", err)
	}
	settings := policy.LoadSettings(settingsPath)
	registry := policy.New(policy.Options{Settings: settings})

	persistent, closePersistent, err := buildPersistentStore(ctx)
	if err != nil {
		return fmt.Errorf("build schema cache persistent tier: %w", err)
	}
	if closePersistent != nil {
		defer closePersistent()
	}
	cache := schemacache.NewTwoTier(persistent)
	if hot := buildRedisHotTier(); hot != nil {
		cache.Memory = hot
		logger.Info(ctx, "schema cache hot tier is redis-backed")
	}

	opts := supervisor.Options{Logger: logger, Policies: registry, Cache: cache}
	if cmd := os.Getenv("TOOLGATE_SANDBOX_COMMAND"); cmd != "" {
		args := strings.Fields(os.Getenv("TOOLGATE_SANDBOX_ARGS"))
		host, err := sandbox.Start(ctx, sandbox.Options{Command: cmd, Args: args, Logger: logger})
		if err != nil {
			return fmt.Errorf("start sandbox host: %w", err)
		}
		defer func() { _ = host.Stop() }()
		// Only set opts.Host when a real *sandbox.Host was created: assigning
		// a nil *sandbox.Host to the interface-typed field would produce a
		// non-nil interface wrapping a nil pointer.
		opts.Host = host
	} else {
		logger.Warn(ctx, "TOOLGATE_SANDBOX_COMMAND not set; execute_in_sandbox will be unavailable")
	}

	sup, err := supervisor.New(opts)
	if err != nil {
		return fmt.Errorf("start supervisor: %w", err)
	}

	if err := loadConfiguredProviders(ctx, sup, logger); err != nil {
		logger.Warn(ctx, "failed to load one or more configured providers", "error", err)
	}

	logger.Info(ctx, "toolgate supervisor running", "instances", len(sup.ListInstances()))
	<-ctx.Done()

	logger.Info(ctx, "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return sup.Shutdown(shutdownCtx)
}

// buildPersistentStore wires the Mongo-backed persistent tier when
// TOOLGATE_MONGO_URI is set, and returns a nil store otherwise — TwoTier
// tolerates a nil PersistentStore and behaves as a pure memory cache.
func buildPersistentStore(ctx context.Context) (schemacache.PersistentStore, func(), error) {
	uri := os.Getenv("TOOLGATE_MONGO_URI")
	if uri == "" {
		return nil, nil, nil
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, nil, fmt.Errorf("ping mongo: %w", err)
	}
	dbName := envOr("TOOLGATE_MONGO_DATABASE", "toolgate")
	collection := client.Database(dbName).Collection("schema_cache")
	store := schemacache.NewMongoStore(client, collection)
	closer := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.Disconnect(shutdownCtx)
	}
	return store, closer, nil
}

// buildRedisHotTier wires the optional Redis alternative cache tier. It is
// not used by default — TOOLGATE_REDIS_ADDR opts a deployment into it as
// a drop-in replacement for the in-process MemoryCache when the
// Supervisor runs as multiple processes sharing one cache.
func buildRedisHotTier() *schemacache.RedisCache {
	addr := os.Getenv("TOOLGATE_REDIS_ADDR")
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	return schemacache.NewRedisCache(client, "")
}

// loadConfiguredProviders imports TOOLGATE_MCP_CONFIG (if set) and loads
// every enabled entry into the Supervisor, continuing past individual
// failures so one misconfigured provider doesn't block the rest.
func loadConfiguredProviders(ctx context.Context, sup *supervisor.Supervisor, logger telemetry.Logger) error {
	path := os.Getenv("TOOLGATE_MCP_CONFIG")
	if path == "" {
		return nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read mcp config: %w", err)
	}
	imported, err := policy.ImportMCPConfigs(json.RawMessage(raw))
	if err != nil {
		return fmt.Errorf("parse mcp config: %w", err)
	}
	var firstErr error
	for _, p := range imported {
		if p.Disabled {
			continue
		}
		if _, err := sup.LoadProvider(ctx, p.Name, p.Config); err != nil {
			logger.Warn(ctx, "failed to load provider", "provider", p.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		logger.Info(ctx, "provider loaded from config", "provider", p.Name)
	}
	return firstErr
}

func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
