package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// connectDeadline bounds how long opening a session (process spawn plus the
// MCP initialize handshake) may take, per §4.2.
const connectDeadline = 10 * time.Second

// StdioSession implements Session over a child process speaking framed
// JSON-RPC on its standard streams. The session owns the child and kills
// its entire process group on Close, reaching any grandchildren it spawned.
type StdioSession struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	pending map[uint64]chan callResult

	pendingMu sync.Mutex
	writeMu   sync.Mutex
	nextID    uint64

	closed     chan struct{}
	closeOnce  sync.Once
	closeErrMu sync.Mutex
	closeErr   error
}

type callResult struct {
	resp rpcResponse
	err  error
}

// ConnectStdio launches cfg.Command, performs the MCP initialize handshake,
// and returns a live Session. Env is the child's inherited environment
// overlaid with cfg.Env.
func ConnectStdio(ctx context.Context, cfg Config) (*StdioSession, error) {
	if cfg.Command == "" {
		return nil, errors.New("command is required")
	}
	ctx, cancel := context.WithTimeout(ctx, connectDeadline)
	defer cancel()

	cmd, resolvedArgs := resolveCommand(cfg.Command, cfg.Args)
	proc := exec.Command(cmd, resolvedArgs...)
	if len(cfg.Env) > 0 {
		proc.Env = append(os.Environ(), cfg.Env...)
	}
	setProcessGroup(proc)

	stdin, err := proc.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := proc.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, _ := proc.StderrPipe()
	if err := proc.Start(); err != nil {
		return nil, err
	}

	session := &StdioSession{
		cmd:     proc,
		stdin:   stdin,
		pending: make(map[uint64]chan callResult),
		closed:  make(chan struct{}),
	}
	go session.readLoop(stdout)
	if stderr != nil {
		go func() { _, _ = io.Copy(io.Discard, stderr) }()
	}
	if err := session.initialize(ctx); err != nil {
		_ = session.Close()
		return nil, err
	}
	return session, nil
}

// resolveCommand applies the platform-specific resolution npx-style wrappers
// need: on Windows these are .cmd shims that must be run through the shell.
func resolveCommand(command string, args []string) (string, []string) {
	if runtime.GOOS == "windows" && needsShellWrapper(command) {
		joined := append([]string{"/c", command}, args...)
		return "cmd.exe", joined
	}
	return command, args
}

func needsShellWrapper(command string) bool {
	lower := strings.ToLower(command)
	return strings.HasSuffix(lower, ".cmd") || strings.HasSuffix(lower, ".bat") || command == "npx" || command == "npm"
}

// ListTools implements Session.
func (s *StdioSession) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	var result listToolsResult
	if err := s.call(ctx, "tools/list", map[string]any{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// ListPrompts implements Session.
func (s *StdioSession) ListPrompts(ctx context.Context) ([]PromptDescriptor, error) {
	var result listPromptsResult
	if err := s.call(ctx, "prompts/list", map[string]any{}, &result); err != nil {
		return nil, err
	}
	return result.Prompts, nil
}

// CallTool implements Session.
func (s *StdioSession) CallTool(ctx context.Context, name string, input json.RawMessage) (json.RawMessage, error) {
	params := map[string]any{"name": name, "arguments": rawOrEmptyObject(input)}
	var raw json.RawMessage
	if err := s.call(ctx, "tools/call", params, &raw); err != nil {
		return nil, err
	}
	return decodeToolCallResult(raw)
}

// Close terminates the child process tree and releases resources.
// Idempotent and safe to call multiple times.
func (s *StdioSession) Close() error {
	s.closeOnce.Do(func() {
		if s.stdin != nil {
			_ = s.stdin.Close()
		}
		s.terminateTree()
		close(s.closed)
	})
	return nil
}

func (s *StdioSession) initialize(ctx context.Context) error {
	payload := map[string]any{
		"protocolVersion": DefaultProtocolVersion,
		"clientInfo":      map[string]any{"name": "toolgate", "version": "dev"},
	}
	return s.call(ctx, "initialize", payload, nil)
}

func (s *StdioSession) call(ctx context.Context, method string, params any, result any) error {
	id := s.next()
	ch := make(chan callResult, 1)
	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", Method: method, ID: id, Params: params}
	if err := s.writeMessage(req); err != nil {
		s.removePending(id)
		return err
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return res.err
		}
		if res.resp.Error != nil {
			return res.resp.Error.callerError()
		}
		if result != nil && res.resp.Result != nil {
			if raw, ok := result.(*json.RawMessage); ok {
				*raw = res.resp.Result
				return nil
			}
			return json.Unmarshal(res.resp.Result, result)
		}
		return nil
	case <-ctx.Done():
		s.removePending(id)
		return ctx.Err()
	case <-s.closed:
		return s.closeError()
	}
}

func (s *StdioSession) writeMessage(req rpcRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := io.WriteString(s.stdin, header); err != nil {
		return err
	}
	_, err = s.stdin.Write(data)
	return err
}

func (s *StdioSession) readLoop(stdout io.Reader) {
	reader := bufio.NewReader(stdout)
	for {
		frame, err := readFrame(reader)
		if err != nil {
			s.failPending(err)
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(frame, &resp); err != nil {
			continue
		}
		if resp.ID == 0 {
			continue
		}
		s.pendingMu.Lock()
		ch, ok := s.pending[resp.ID]
		if ok {
			delete(s.pending, resp.ID)
		}
		s.pendingMu.Unlock()
		if ok {
			ch <- callResult{resp: resp}
			close(ch)
		}
	}
}

func (s *StdioSession) failPending(err error) {
	s.pendingMu.Lock()
	for id, ch := range s.pending {
		delete(s.pending, id)
		ch <- callResult{err: err}
		close(ch)
	}
	s.pendingMu.Unlock()
	s.setCloseError(err)
	_ = s.Close()
}

func (s *StdioSession) removePending(id uint64) {
	s.pendingMu.Lock()
	delete(s.pending, id)
	s.pendingMu.Unlock()
}

func (s *StdioSession) next() uint64 {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	s.nextID++
	return s.nextID
}

func (s *StdioSession) setCloseError(err error) {
	if err == nil {
		return
	}
	s.closeErrMu.Lock()
	if s.closeErr == nil {
		s.closeErr = err
	}
	s.closeErrMu.Unlock()
}

func (s *StdioSession) closeError() error {
	s.closeErrMu.Lock()
	defer s.closeErrMu.Unlock()
	if s.closeErr == nil {
		return errors.New("stdio session closed")
	}
	return s.closeErr
}

func readFrame(reader *bufio.Reader) ([]byte, error) {
	length := -1
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if length < 0 {
				continue
			}
			break
		}
		if after, ok := strings.CutPrefix(strings.ToLower(line), "content-length:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(after))
			if err != nil {
				return nil, err
			}
			length = n
		}
	}
	if length < 0 {
		return nil, errors.New("content-length header missing")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func rawOrEmptyObject(input json.RawMessage) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(`{}`)
	}
	return input
}

// terminateTree sends a polite termination to the child's process group,
// then escalates to a hard kill of the full group after a short grace
// period. On POSIX this reaches any grandchildren via negative-PID
// signalling; see killProcessGroup.
func (s *StdioSession) terminateTree() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	killProcessGroup(s.cmd.Process.Pid, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		_ = s.cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		killProcessGroup(s.cmd.Process.Pid, syscall.SIGKILL)
		<-done
	}
}
