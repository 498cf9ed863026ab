package upstream

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/giantswarm/mcp-gateway/internal/jsonrpc"
	"github.com/giantswarm/mcp-gateway/pkg/logging"

	"github.com/mark3labs/mcp-go/mcp"
)

// Graceful-termination timing (spec §4.1 "Stdio lifecycle").
const (
	terminateGracePeriod = 5 * time.Second
	killGracePeriod      = 2 * time.Second
)

// childState is the small state machine a stdio child process moves
// through: running -> term-sent -> killed -> reaped. No other component
// touches the child once it is spawned.
type childState int32

const (
	childRunning childState = iota
	childTermSent
	childKilled
	childReaped
)

// stdioClient is a Client that owns a subprocess speaking line-delimited
// JSON-RPC over stdin/stdout. It is hand-rolled rather than built on a
// library transport because the gateway needs exact control over the
// line-framing and the terminate/kill timing spec §4.1 specifies.
type stdioClient struct {
	baseClient

	command string
	args    []string
	env     map[string]string
	name    string

	cmd   *exec.Cmd
	stdin io.WriteCloser

	reqMu   sync.Mutex
	nextID  int64
	pending map[int64]chan jsonrpc.Envelope

	notifyHandler func(mcp.JSONRPCNotification)

	state    atomic.Int32
	exitedCh chan struct{}
}

func newStdioClient(name, command string, args []string, env map[string]string) *stdioClient {
	return &stdioClient{
		name:     name,
		command:  command,
		args:     args,
		env:      env,
		pending:  make(map[int64]chan jsonrpc.Envelope),
		exitedCh: make(chan struct{}),
	}
}

func (c *stdioClient) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connected {
		return nil
	}

	cmd := exec.Command(c.command, c.args...)
	cmd.Env = mergedEnv(c.env)
	configureProcAttr(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", c.command, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.state.Store(int32(childRunning))

	go c.pumpStdout(stdout)
	go c.waitExit()

	var result mcp.InitializeResult
	if err := c.call(ctx, "initialize", initializeRequest().Params, &result); err != nil {
		c.terminate()
		return fmt.Errorf("initializing mcp protocol over stdio: %w", err)
	}

	c.connected = true
	logging.Debug("upstream.stdio", "connected to %s %v (pid %d)", c.command, c.args, cmd.Process.Pid)
	return nil
}

// mergedEnv merges the gateway's own environment with per-upstream
// overrides, the overrides winning (spec §4.1).
func mergedEnv(overrides map[string]string) []string {
	base := os.Environ()
	if len(overrides) == 0 {
		return base
	}
	merged := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				merged[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}

// pumpStdout reads line-delimited JSON-RPC messages from the child's
// stdout. bufio.Scanner naturally buffers a partial tail across reads
// until a full line is available (spec §4.1: "partial tails are
// buffered").
func (c *stdioClient) pumpStdout(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var env jsonrpc.Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			logging.Warn("upstream.stdio", "malformed line from %s: %v", c.name, err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *stdioClient) dispatch(env jsonrpc.Envelope) {
	if len(env.ID) == 0 {
		if c.notifyHandler == nil {
			return
		}
		raw, err := json.Marshal(env)
		if err != nil {
			return
		}
		var note mcp.JSONRPCNotification
		if err := json.Unmarshal(raw, &note); err != nil {
			logging.Debug("upstream.stdio", "malformed notification from %s: %v", c.name, err)
			return
		}
		c.notifyHandler(note)
		return
	}
	var id int64
	if err := json.Unmarshal(env.ID, &id); err != nil {
		return
	}

	c.reqMu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.reqMu.Unlock()

	if ok {
		ch <- env
	}
}

func (c *stdioClient) waitExit() {
	_ = c.cmd.Wait()
	close(c.exitedCh)
	logging.Info("upstream.stdio", "child process for %s exited", c.name)
}

// call sends a JSON-RPC request and waits for its matching response,
// unmarshalling the result into out.
func (c *stdioClient) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return err
	}

	c.reqMu.Lock()
	c.nextID++
	id := c.nextID
	idRaw, _ := json.Marshal(id)
	respCh := make(chan jsonrpc.Envelope, 1)
	c.pending[id] = respCh
	c.reqMu.Unlock()

	req := jsonrpc.Envelope{JSONRPC: jsonrpc.Version, ID: idRaw, Method: method, Params: paramsRaw}
	line, err := json.Marshal(req)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	if _, err := c.stdin.Write(line); err != nil {
		c.reqMu.Lock()
		delete(c.pending, id)
		c.reqMu.Unlock()
		return fmt.Errorf("writing to child stdin: %w", err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return &rpcError{code: resp.Error.Code, message: resp.Error.Message}
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		return json.Unmarshal(resp.Result, out)
	case <-ctx.Done():
		c.reqMu.Lock()
		delete(c.pending, id)
		c.reqMu.Unlock()
		return ctx.Err()
	case <-c.exitedCh:
		return fmt.Errorf("child process for %s exited before responding", c.name)
	}
}

type rpcError struct {
	code    int
	message string
}

func (e *rpcError) Error() string { return fmt.Sprintf("upstream error %d: %s", e.code, e.message) }

// Code returns the JSON-RPC error code the upstream replied with.
func (e *rpcError) Code() int { return e.code }

func (c *stdioClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	var result mcp.ListToolsResult
	if err := c.call(ctx, "tools/list", struct{}{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

func (c *stdioClient) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	var result mcp.CallToolResult
	params := mcp.CallToolParams{Name: name, Arguments: args}
	if err := c.call(ctx, "tools/call", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *stdioClient) ListResources(ctx context.Context) ([]mcp.Resource, error) {
	var result mcp.ListResourcesResult
	if err := c.call(ctx, "resources/list", struct{}{}, &result); err != nil {
		return nil, err
	}
	return result.Resources, nil
}

func (c *stdioClient) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	var result mcp.ReadResourceResult
	params := struct {
		URI       string         `json:"uri"`
		Arguments map[string]any `json:"arguments,omitempty"`
	}{URI: uri}
	if err := c.call(ctx, "resources/read", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *stdioClient) ListPrompts(ctx context.Context) ([]mcp.Prompt, error) {
	var result mcp.ListPromptsResult
	if err := c.call(ctx, "prompts/list", struct{}{}, &result); err != nil {
		return nil, err
	}
	return result.Prompts, nil
}

func (c *stdioClient) GetPrompt(ctx context.Context, name string, args map[string]interface{}) (*mcp.GetPromptResult, error) {
	var result mcp.GetPromptResult
	stringArgs := make(map[string]string, len(args))
	for k, v := range args {
		stringArgs[k] = fmt.Sprintf("%v", v)
	}
	params := struct {
		Name      string            `json:"name"`
		Arguments map[string]string `json:"arguments,omitempty"`
	}{Name: name, Arguments: stringArgs}
	if err := c.call(ctx, "prompts/get", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *stdioClient) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", struct{}{}, nil)
}

// OnNotification registers handler to receive every id-less message the
// child writes to stdout. Must be called before Initialize since
// pumpStdout starts reading immediately after the process is spawned.
func (c *stdioClient) OnNotification(handler func(mcp.JSONRPCNotification)) {
	c.notifyHandler = handler
}

func (c *stdioClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil
	}
	c.connected = false
	c.terminate()
	return nil
}

// terminate runs the child-process state machine: running -> term-sent ->
// killed -> reaped (spec §4.1, design note "Child-process ownership").
// Must be called with c.mu held.
func (c *stdioClient) terminate() {
	if c.cmd == nil || c.cmd.Process == nil {
		return
	}

	select {
	case <-c.exitedCh:
		c.state.Store(int32(childReaped))
		return
	default:
	}

	c.state.Store(int32(childTermSent))
	if err := sendTerminate(c.cmd.Process); err != nil {
		logging.Warn("upstream.stdio", "terminate signal to %s failed: %v", c.name, err)
	}

	select {
	case <-c.exitedCh:
		c.state.Store(int32(childReaped))
		return
	case <-time.After(terminateGracePeriod):
	}

	c.state.Store(int32(childKilled))
	if err := sendKill(c.cmd.Process); err != nil {
		logging.Warn("upstream.stdio", "kill signal to %s failed: %v", c.name, err)
	}

	select {
	case <-c.exitedCh:
	case <-time.After(killGracePeriod):
		logging.Error("upstream.stdio", nil, "child process for %s did not exit after kill; giving up", c.name)
	}
	c.state.Store(int32(childReaped))
}
