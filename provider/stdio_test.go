package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const stdioHelperEnv = "TOOLGATE_STDIO_HELPER"
const stdioGrandchildEnv = "TOOLGATE_STDIO_HELPER_GRANDCHILD"
const stdioGrandchildPIDFileEnv = "TOOLGATE_STDIO_GRANDCHILD_PIDFILE"

func TestStdioSessionCallTool(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := ConnectStdio(ctx, Config{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestStdioHelperProcess", "--"},
		Env:     []string{stdioHelperEnv + "=1"},
	})
	require.NoError(t, err)
	defer func() { _ = session.Close() }()

	tools, err := session.ListTools(ctx)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	require.Equal(t, "echo", tools[0].Name)

	result, err := session.CallTool(ctx, "echo", json.RawMessage(`{"value":"hi"}`))
	require.NoError(t, err)
	require.JSONEq(t, `{"value":"hi"}`, string(result))
}

// TestStdioSessionHardKillsGrandchildOnClose is the §8 seed test: a
// command-based provider whose child spawns a grandchild sleeping 60s must
// leave neither process alive more than a few seconds after Close, via
// terminateTree's process-group signalling.
func TestStdioSessionHardKillsGrandchildOnClose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("process-group signalling is POSIX-specific; see process_windows.go for the taskkill equivalent")
	}
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pidFile := filepath.Join(t.TempDir(), "grandchild.pid")
	session, err := ConnectStdio(ctx, Config{
		Command: os.Args[0],
		Args:    []string{"-test.run=TestStdioHelperProcess", "--"},
		Env:     []string{stdioHelperEnv + "=1", stdioGrandchildEnv + "=1", stdioGrandchildPIDFileEnv + "=" + pidFile},
	})
	require.NoError(t, err)

	childPID := session.cmd.Process.Pid
	grandchildPID := waitForPIDFile(t, pidFile)

	require.NoError(t, session.Close())

	require.Eventually(t, func() bool {
		return !processAlive(childPID) && !processAlive(grandchildPID)
	}, 3*time.Second, 50*time.Millisecond, "child and grandchild should both be gone within the hard-kill grace window")
}

func waitForPIDFile(t *testing.T, path string) int {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			pid, err := strconv.Atoi(string(data))
			require.NoError(t, err)
			return pid
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("grandchild pid file was never written")
	return 0
}

func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// TestStdioHelperProcess is not a real test: it is re-exec'd as a child
// process by TestStdioSessionCallTool and acts as a toy MCP server.
func TestStdioHelperProcess(t *testing.T) {
	if os.Getenv(stdioHelperEnv) != "1" {
		t.Skip("helper process")
	}
	if os.Getenv(stdioGrandchildEnv) == "1" {
		spawnGrandchildSleeper()
	}
	runStdioHelperProcess()
}

// spawnGrandchildSleeper starts a long-lived grandchild in this helper's
// process group (it does not call setProcessGroup itself, so it inherits
// this process's group) and writes its PID to stdioGrandchildPIDFileEnv for
// the test to observe.
func spawnGrandchildSleeper() {
	cmd := exec.Command("sleep", "60")
	if err := cmd.Start(); err != nil {
		return
	}
	if path := os.Getenv(stdioGrandchildPIDFileEnv); path != "" {
		_ = os.WriteFile(path, []byte(strconv.Itoa(cmd.Process.Pid)), 0o600)
	}
	go func() { _ = cmd.Wait() }()
}

func runStdioHelperProcess() {
	reader := bufio.NewReader(os.Stdin)
	writer := bufio.NewWriter(os.Stdout)
	for {
		frame, err := readFrame(reader)
		if err != nil {
			break
		}
		var req rpcRequest
		if err := json.Unmarshal(frame, &req); err != nil {
			continue
		}
		switch req.Method {
		case "initialize":
			writeFrame(writer, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`{}`)})
		case "tools/list":
			writeFrame(writer, rpcResponse{JSONRPC: "2.0", ID: req.ID,
				Result: json.RawMessage(`{"tools":[{"name":"echo","input_schema":{"type":"object"}}]}`)})
		case "tools/call":
			params, _ := req.Params.(map[string]any)
			args, _ := json.Marshal(params["arguments"])
			text := string(args)
			result := toolsCallResult{Content: []contentItem{{Type: "text", Text: &text}}}
			data, _ := json.Marshal(result)
			writeFrame(writer, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: data})
		default:
			writeFrame(writer, rpcResponse{JSONRPC: "2.0", ID: req.ID,
				Error: &rpcError{Code: JSONRPCMethodNotFound, Message: "unknown method"}})
		}
	}
	_ = writer.Flush()
	os.Exit(0)
}

func writeFrame(writer *bufio.Writer, resp rpcResponse) {
	data, _ := json.Marshal(resp)
	_, _ = fmt.Fprintf(writer, "Content-Length: %d\r\n\r\n", len(data))
	_, _ = writer.Write(data)
	_ = writer.Flush()
}
