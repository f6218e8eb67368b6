package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/goadesign/toolgate/internal/gatewayerr"
	"github.com/goadesign/toolgate/workergen"
)

// TestMain lets this test binary re-exec itself as a fake sandbox host
// subprocess when invoked with helperProcessEnv set, the same technique
// os/exec's own tests use to avoid depending on an external binary.
func TestMain(m *testing.M) {
	if os.Getenv(helperProcessEnv) == "1" {
		runHelperProcess()
		return
	}
	os.Exit(m.Run())
}

const helperProcessEnv = "SANDBOX_HOST_TEST_HELPER"

func helperCommand(mode string) (string, []string) {
	return os.Args[0], []string{"-test.run=TestMain", mode}
}

func runHelperProcess() {
	mode := ""
	if len(os.Args) > 0 {
		mode = os.Args[len(os.Args)-1]
	}
	switch mode {
	case "buildfail":
		fmt.Fprintln(os.Stderr, buildErrorMarker+": worker program failed to compile")
		os.Exit(1)
	case "crash":
		fmt.Fprintln(os.Stderr, "unexpected panic in helper")
		os.Exit(1)
	default:
		serveFakeHost()
	}
}

func serveFakeHost() {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		os.Exit(1)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "echo": body})
	})
	fmt.Printf("LISTENING:%d\n", port)
	_ = http.Serve(ln, mux)
}

func TestHostStartReadyAndExecute(t *testing.T) {
	t.Setenv(helperProcessEnv, "1")
	name, args := helperCommand("serve")
	host, err := Start(context.Background(), Options{Command: name, Args: args})
	require.NoError(t, err)
	defer func() { _ = host.Stop() }()

	program := workergen.Program{MainModule: "entry.js", Modules: map[string]string{"entry.js": "export default () => 1;"}}
	raw, err := host.Execute(context.Background(), "worker-1", program, "return 1;", time.Second)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.Equal(t, true, decoded["success"])
}

func TestHostStartSurfacesBuildError(t *testing.T) {
	t.Setenv(helperProcessEnv, "1")
	name, args := helperCommand("buildfail")
	_, err := Start(context.Background(), Options{Command: name, Args: args})
	require.Error(t, err)

	worker, ok := gatewayerr.AsWorker(err)
	require.True(t, ok)
	require.Equal(t, true, worker.Detail["build_error"])
}

func TestHostStartSurfacesGenericCrash(t *testing.T) {
	t.Setenv(helperProcessEnv, "1")
	name, args := helperCommand("crash")
	_, err := Start(context.Background(), Options{Command: name, Args: args})
	require.Error(t, err)

	worker, ok := gatewayerr.AsWorker(err)
	require.True(t, ok)
	require.NotEqual(t, true, worker.Detail["build_error"])
}
