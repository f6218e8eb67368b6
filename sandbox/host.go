package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/goadesign/toolgate/internal/gatewayerr"
	"github.com/goadesign/toolgate/internal/telemetry"
	"github.com/goadesign/toolgate/workergen"
)

const (
	readinessAttempts = 50
	readinessInterval = 200 * time.Millisecond
	readinessWallClock = 10 * time.Second
)

// buildErrorMarker is looked for in the sandbox host subprocess's stderr
// when it exits before becoming ready, distinguishing a worker-program
// compile failure from a generic crash.
const buildErrorMarker = "SANDBOX_BUILD_ERROR"

// Host supervises the sandbox host subprocess: a long-lived process that
// owns an isolate runtime with no ambient filesystem or network access.
// Host owns the subprocess and the HTTP client used to reach it; it does
// not own the RPC Bridge or any Provider Connector.
type Host struct {
	cmd        *exec.Cmd
	baseURL    string
	client     *http.Client
	logger     telemetry.Logger
	stderr     *lineBuffer
	mu         sync.Mutex
	exited     bool
	fetchProxy *FetchProxyServer
}

// Options configures Host startup.
type Options struct {
	Command string
	Args    []string
	Logger  telemetry.Logger
}

type executeRequest struct {
	WorkerID        string            `json:"workerId"`
	WorkerProgram   workergen.Program `json:"workerProgram"`
	ExecutionRequest execPayload      `json:"executionRequest"`
}

type execPayload struct {
	Code    string `json:"code"`
	Timeout int    `json:"timeout"`
}

// Start launches the sandbox host subprocess and polls it for readiness.
// Start fails with a worker-error kind if the process exits before
// becoming ready without a build-error marker, or a build-error-flavored
// WorkerError (Detail["build_error"]=true) if the marker is present.
func Start(ctx context.Context, opts Options) (*Host, error) {
	cmd := exec.CommandContext(context.Background(), opts.Command, opts.Args...)
	cmd.Env = os.Environ()
	stderr := newLineBuffer()
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &gatewayerr.WorkerError{Message: "sandbox host: failed to open stdout pipe", Cause: err}
	}
	if err := cmd.Start(); err != nil {
		return nil, &gatewayerr.WorkerError{Message: "sandbox host: failed to start subprocess", Cause: err}
	}

	portCh := make(chan string, 1)
	go scanForPort(stdout, portCh)

	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	fetchProxy, err := ListenFetchProxy(nil, logger)
	if err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}
	host := &Host{cmd: cmd, client: &http.Client{Timeout: 30 * time.Second}, logger: logger, stderr: stderr, fetchProxy: fetchProxy}

	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	deadline := time.Now().Add(readinessWallClock)
	var port string
	select {
	case port = <-portCh:
	case err := <-exitCh:
		_ = fetchProxy.Close(context.Background())
		return nil, host.buildErrorOrWorkerError(err)
	case <-time.After(readinessWallClock):
		_ = cmd.Process.Kill()
		_ = fetchProxy.Close(context.Background())
		return nil, &gatewayerr.WorkerError{Message: "sandbox host: subprocess did not report a port before the wall-clock deadline"}
	}
	host.baseURL = "http://127.0.0.1:" + port

	for attempt := 0; attempt < readinessAttempts && time.Now().Before(deadline); attempt++ {
		select {
		case err := <-exitCh:
			_ = fetchProxy.Close(context.Background())
			return nil, host.buildErrorOrWorkerError(err)
		default:
		}
		if host.ping(ctx) {
			go host.watchExit(exitCh)
			return host, nil
		}
		time.Sleep(readinessInterval)
	}
	_ = cmd.Process.Kill()
	_ = fetchProxy.Close(context.Background())
	return nil, &gatewayerr.WorkerError{Message: "sandbox host: subprocess never became ready"}
}

func (h *Host) watchExit(exitCh <-chan error) {
	err := <-exitCh
	h.mu.Lock()
	h.exited = true
	h.mu.Unlock()
	h.logger.Warn(context.Background(), "sandbox host subprocess exited", "error", err)
}

func (h *Host) buildErrorOrWorkerError(exitErr error) error {
	if strings.Contains(h.stderr.String(), buildErrorMarker) {
		return &gatewayerr.WorkerError{
			Message: "sandbox host: worker program failed to build",
			Detail:  map[string]any{"build_error": true, "stderr": h.stderr.String()},
			Cause:   exitErr,
		}
	}
	return &gatewayerr.WorkerError{
		Message: "sandbox host: subprocess exited before readiness",
		Detail:  map[string]any{"stderr": h.stderr.String()},
		Cause:   exitErr,
	}
}

func (h *Host) ping(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Execute runs workerProgram inside the sandbox host under the given
// timeout, returning the worker's structured response verbatim.
func (h *Host) Execute(ctx context.Context, workerID string, program workergen.Program, code string, timeout time.Duration) (json.RawMessage, error) {
	h.mu.Lock()
	exited := h.exited
	h.mu.Unlock()
	if exited {
		return nil, &gatewayerr.WorkerError{Message: "sandbox host: subprocess is not running"}
	}

	body, err := json.Marshal(executeRequest{
		WorkerID:      workerID,
		WorkerProgram: program,
		ExecutionRequest: execPayload{
			Code:    code,
			Timeout: int(timeout.Milliseconds()),
		},
	})
	if err != nil {
		return nil, &gatewayerr.WorkerError{Message: "sandbox host: failed to encode execution request", Cause: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/", bytes.NewReader(body))
	if err != nil {
		return nil, &gatewayerr.WorkerError{Message: "sandbox host: failed to build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &gatewayerr.WorkerError{Message: "sandbox host: request failed", Cause: err}
	}
	defer func() { _ = resp.Body.Close() }()
	var raw json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, &gatewayerr.WorkerError{Message: "sandbox host: malformed response body", Cause: err}
	}
	if resp.StatusCode >= 500 {
		return nil, &gatewayerr.SandboxError{Code: "host_failure", Status: resp.StatusCode, Message: "sandbox host reported a failure"}
	}
	return raw, nil
}

// FetchProxyURL returns the loopback base URL of this Host's fetch-proxy
// capability (§4.7), embedded into a worker program as its globalOutbound
// address whenever the instance's policy enables egress.
func (h *Host) FetchProxyURL() string {
	return h.fetchProxy.BaseURL()
}

// Stop stops the fetch-proxy listener and kills the sandbox host
// subprocess at once with Process.Kill. No polite signal is sent first, and
// only the subprocess itself is signalled, not its process group or any
// children it spawned.
func (h *Host) Stop() error {
	_ = h.fetchProxy.Close(context.Background())
	if h.cmd.Process == nil {
		return nil
	}
	return h.cmd.Process.Kill()
}

func scanForPort(r interface{ Read([]byte) (int, error) }, out chan<- string) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		const prefix = "LISTENING:"
		if idx := strings.Index(line, prefix); idx >= 0 {
			out <- strings.TrimSpace(line[idx+len(prefix):])
			return
		}
	}
}

// lineBuffer is a concurrency-safe io.Writer that accumulates subprocess
// stderr for build-error-marker detection.
type lineBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func newLineBuffer() *lineBuffer { return &lineBuffer{} }

func (b *lineBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lineBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
