package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tetherhq/tether-core/logger"
)

// closeTimeout is how long Close waits for a graceful exit before killing.
const closeTimeout = 2 * time.Second

// eventBufferSize is the capacity of the events channel. Large enough that
// a briefly slow consumer doesn't stall the output reader.
const eventBufferSize = 100

// readResult holds the result of a read operation for cancellation handling.
type readResult struct {
	line string
	err  error
}

// CLIConn runs the agent CLI as a child process and speaks stream-json to
// it over stdin/stdout. One CLIConn manages one process lifetime; the
// events channel closes when the process exits.
type CLIConn struct {
	log *slog.Logger

	// Process state (protected by mu)
	mu            sync.Mutex
	opts          StartOptions
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	stdout        *bufio.Reader
	stderr        io.ReadCloser
	stderrContent string        // Captured stderr content (read by drainStderr goroutine)
	stderrDone    chan struct{} // Signals when stderr has been fully read
	streamLog     *os.File      // Per-session mirror of raw stream lines
	running       bool
	closing       bool

	// waitDone is closed by monitorExit when cmd.Wait() completes.
	// Close() selects on this channel instead of calling cmd.Wait() again,
	// preventing undefined behavior from double Wait().
	waitDone chan struct{}

	events    chan Event
	closeOnce sync.Once

	reqID atomic.Int64

	// Context for process goroutines
	ctx    context.Context
	cancel context.CancelFunc

	// Goroutine lifecycle management
	wg sync.WaitGroup
}

// NewCLIConn creates an unstarted CLI connection. A nil log uses the
// package logger.
func NewCLIConn(log *slog.Logger) *CLIConn {
	if log == nil {
		log = logger.WithComponent("backend")
	}
	return &CLIConn{
		log:    log,
		events: make(chan Event, eventBufferSize),
	}
}

// BuildCommandArgs builds the command line arguments for the agent CLI
// based on the start options. Exported for testing.
func BuildCommandArgs(opts StartOptions) ([]string, error) {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
	}

	switch {
	case opts.ResumeSessionID != "" && opts.ForkSession:
		// Fork inherits the parent conversation under our own UUID.
		// Without --session-id the CLI picks its own ID and we can't
		// resume the fork later.
		if opts.SessionID == "" {
			return nil, fmt.Errorf("fork requires a session ID")
		}
		args = append(args,
			"--resume", opts.ResumeSessionID,
			"--fork-session",
			"--session-id", opts.SessionID,
		)
	case opts.ResumeSessionID != "":
		args = append(args, "--resume", opts.ResumeSessionID)
	case opts.SessionID != "":
		args = append(args, "--session-id", opts.SessionID)
	}

	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	for _, tool := range opts.DisallowedTools {
		args = append(args, "--disallowedTools", tool)
	}
	for _, dir := range opts.AllowedPaths {
		args = append(args, "--add-dir", dir)
	}

	if len(opts.ToolServers) > 0 {
		cfg, err := json.Marshal(map[string]any{"mcpServers": opts.ToolServers})
		if err != nil {
			return nil, fmt.Errorf("failed to encode tool server config: %w", err)
		}
		args = append(args, "--mcp-config", string(cfg))
	}

	return args, nil
}

// Start starts the agent CLI process. Idempotent when already running.
func (c *CLIConn) Start(ctx context.Context, opts StartOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	if c.closing {
		return fmt.Errorf("connection already closed")
	}

	c.log.Info("starting backend process", "workingDir", opts.WorkingDir)
	startTime := time.Now()

	args, err := BuildCommandArgs(opts)
	if err != nil {
		return err
	}

	binary := opts.BinaryPath
	if binary == "" {
		binary = "claude"
	}

	if opts.ResumeSessionID != "" {
		c.log.Debug("resuming session", "resumeSessionID", opts.ResumeSessionID, "fork", opts.ForkSession)
	}

	cmd := exec.Command(binary, args...)
	cmd.Dir = opts.WorkingDir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.log.Error("failed to get stdin pipe", "error", err)
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		c.log.Error("failed to get stdout pipe", "error", err)
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		c.log.Error("failed to get stderr pipe", "error", err)
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		c.log.Error("failed to start backend process", "error", err)
		return fmt.Errorf("failed to start backend process: %w", err)
	}

	c.opts = opts
	c.cmd = cmd
	c.stdin = stdin
	c.stdout = bufio.NewReader(stdout)
	c.stderr = stderr
	c.stderrContent = ""
	c.stderrDone = make(chan struct{})
	c.waitDone = make(chan struct{})
	c.running = true

	// Cancel any previous context to prevent goroutine leaks from prior runs
	if c.cancel != nil {
		c.cancel()
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.log.Info("backend process started", "elapsed", time.Since(startTime), "pid", cmd.Process.Pid)

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.readOutput()
	}()
	go func() {
		defer c.wg.Done()
		c.drainStderr()
	}()
	go func() {
		defer c.wg.Done()
		c.monitorExit()
	}()

	return nil
}

// Events returns the event stream. The channel is closed when the process
// exits or the connection is closed.
func (c *CLIConn) Events() <-chan Event {
	return c.events
}

// Send writes one user turn to the process stdin as a stream-json message.
func (c *CLIConn) Send(msg Message) error {
	content := make([]map[string]any, 0, len(msg.Blocks))
	for _, block := range msg.Blocks {
		switch block.Type {
		case "image":
			content = append(content, map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": block.MediaType,
					"data":       block.Data,
				},
			})
		default:
			content = append(content, map[string]any{
				"type": "text",
				"text": block.Text,
			})
		}
	}

	data, err := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	return c.writeLine(data)
}

// SetModel switches the model for subsequent turns without a restart. An
// empty model selects the backend's default.
func (c *CLIConn) SetModel(model string) error {
	payload := map[string]any{}
	if model != "" {
		payload["model"] = model
	}
	return c.sendControlRequest("set_model", payload)
}

// SetThinkingBudget adjusts the thinking token budget in place.
// A budget of 0 disables extended thinking.
func (c *CLIConn) SetThinkingBudget(tokens int) error {
	return c.sendControlRequest("set_max_thinking_tokens", map[string]any{"max_thinking_tokens": tokens})
}

// SetPermissionMode switches the backend-native permission mode in place.
func (c *CLIConn) SetPermissionMode(mode string) error {
	return c.sendControlRequest("set_permission_mode", map[string]any{"mode": mode})
}

// SetToolServers replaces the connected tool server set in place.
func (c *CLIConn) SetToolServers(servers map[string]ToolServer) error {
	return c.sendControlRequest("set_mcp_servers", map[string]any{"mcpServers": servers})
}

// Interrupt sends SIGINT to the process to interrupt the current turn.
func (c *CLIConn) Interrupt() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.cmd == nil || c.cmd.Process == nil {
		c.log.Debug("interrupt called but process not running")
		return nil
	}

	c.log.Info("sending SIGINT", "pid", c.cmd.Process.Pid)

	if err := c.cmd.Process.Signal(syscall.SIGINT); err != nil {
		c.log.Error("failed to send SIGINT", "error", err)
		return fmt.Errorf("failed to send interrupt signal: %w", err)
	}
	return nil
}

// Close shuts the process down gracefully: close stdin, wait briefly, then
// kill. Safe to call multiple times. The events channel is closed before
// Close returns.
func (c *CLIConn) Close() error {
	c.mu.Lock()
	wasRunning := c.running
	c.closing = true

	// Cancel context first to signal goroutines to exit
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}

	if !wasRunning {
		c.mu.Unlock()
		c.closeOnce.Do(func() { close(c.events) })
		return nil
	}

	c.log.Debug("closing backend connection")

	// Mark as not running immediately so a concurrent Close doesn't
	// duplicate cleanup
	c.running = false

	// Close stdin to signal EOF to the process
	if c.stdin != nil {
		c.stdin.Close()
		c.stdin = nil
	}

	cmd := c.cmd
	waitDone := c.waitDone
	c.mu.Unlock()

	// Wait for the process to exit using the waitDone channel from
	// monitorExit. monitorExit is the sole caller of cmd.Wait().
	if cmd != nil && cmd.Process != nil && waitDone != nil {
		select {
		case <-waitDone:
			c.log.Debug("process exited gracefully")
		case <-time.After(closeTimeout):
			c.log.Debug("force killing process")
			cmd.Process.Kill()
			<-waitDone
		}
	}

	// Wait for goroutines to complete before releasing pipes
	c.wg.Wait()

	c.mu.Lock()
	if c.stderr != nil {
		c.stderr.Close()
		c.stderr = nil
	}
	if c.streamLog != nil {
		c.streamLog.Close()
		c.streamLog = nil
	}
	c.cmd = nil
	c.stdout = nil
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.events) })
	return nil
}

// writeLine writes data plus a trailing newline to the process stdin.
func (c *CLIConn) writeLine(data []byte) error {
	c.mu.Lock()
	stdin := c.stdin
	running := c.running
	c.mu.Unlock()

	if !running || stdin == nil {
		return fmt.Errorf("backend process not running")
	}

	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write to backend process: %w", err)
	}
	return nil
}

// sendControlRequest writes a control_request line with the given subtype
// and payload. Fire-and-forget: the CLI's control_response ack is logged
// and dropped by the output reader.
func (c *CLIConn) sendControlRequest(subtype string, payload map[string]any) error {
	request := map[string]any{"subtype": subtype}
	for k, v := range payload {
		request[k] = v
	}

	data, err := json.Marshal(map[string]any{
		"type":       "control_request",
		"request_id": fmt.Sprintf("req-%d", c.reqID.Add(1)),
		"request":    request,
	})
	if err != nil {
		return fmt.Errorf("failed to encode control request: %w", err)
	}

	c.log.Debug("sending control request", "subtype", subtype)
	return c.writeLine(data)
}

// readOutput continuously reads stdout lines, answering control requests
// and forwarding stream events to the events channel.
func (c *CLIConn) readOutput() {
	c.log.Debug("output reader started")

	for {
		select {
		case <-c.ctx.Done():
			c.log.Debug("output reader exiting - context cancelled")
			return
		default:
		}

		c.mu.Lock()
		running := c.running
		reader := c.stdout
		ctx := c.ctx
		c.mu.Unlock()

		if !running || reader == nil {
			c.log.Debug("output reader exiting - process not running")
			return
		}

		line, err := c.readLine(ctx, reader)
		if err != nil {
			select {
			case <-ctx.Done():
				c.log.Debug("output reader exiting - context cancelled during read")
				return
			default:
			}

			if err == io.EOF {
				c.log.Debug("EOF on stdout - process exited")
			} else {
				c.log.Debug("error reading stdout", "error", err)
			}
			// Process exit is handled by the monitorExit goroutine
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		c.handleLine(line)
	}
}

// handleLine classifies one stdout line and dispatches it.
func (c *CLIConn) handleLine(line string) {
	// The CLI with --verbose may emit non-JSON informational lines
	if !strings.HasPrefix(line, "{") || !gjson.Valid(line) {
		c.log.Debug("skipping non-JSON line from backend", "line", truncateForLog(line))
		return
	}

	lineType := gjson.Get(line, "type").Str
	if lineType == "system" && gjson.Get(line, "subtype").Str == "init" {
		c.openStreamLog(gjson.Get(line, "session_id").Str)
	}
	c.mirrorLine(line)

	switch lineType {
	case "control_request":
		// Permission requests block on the host's decision, so answer
		// them off the reader goroutine to keep events flowing.
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleControlRequest(line)
		}()
	case "control_response":
		c.log.Debug("control response", "subtype", gjson.Get(line, "response.subtype").Str)
	default:
		for _, ev := range parseLine(line) {
			c.fireToolHooks(ev)
			c.deliver(ev)
		}
	}
}

// openStreamLog opens the raw stream mirror for a session. Best effort: the
// mirror is a debugging aid, failures only log.
func (c *CLIConn) openStreamLog(sessionID string) {
	if sessionID == "" {
		return
	}
	path, err := logger.StreamLogPath(sessionID)
	if err != nil {
		c.log.Debug("stream log path unavailable", "error", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		c.log.Debug("cannot create logs directory", "error", err)
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		c.log.Debug("cannot open stream log", "path", path, "error", err)
		return
	}

	c.mu.Lock()
	old := c.streamLog
	c.streamLog = f
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// mirrorLine appends one raw stream line to the per-session stream log.
func (c *CLIConn) mirrorLine(line string) {
	c.mu.Lock()
	f := c.streamLog
	c.mu.Unlock()

	if f == nil {
		return
	}
	if _, err := fmt.Fprintln(f, line); err != nil {
		c.log.Debug("stream log write failed", "error", err)
	}
}

// fireToolHooks invokes the pre/post tool hooks around tool events.
func (c *CLIConn) fireToolHooks(ev Event) {
	c.mu.Lock()
	hooks := c.opts.Hooks
	c.mu.Unlock()

	switch ev.Type {
	case EventToolUse:
		if hooks.PreToolUse != nil {
			hooks.PreToolUse(ev.ToolName, ev.ToolInput, ev.ToolUseID)
		}
	case EventToolResult:
		if hooks.PostToolUse != nil {
			hooks.PostToolUse(ev.ToolUseID)
		}
	}
}

// deliver sends an event to the events channel, honoring cancellation.
func (c *CLIConn) deliver(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

// handleControlRequest answers a can_use_tool request from the CLI by
// invoking the CanUseTool hook and writing a control_response.
func (c *CLIConn) handleControlRequest(line string) {
	requestID := gjson.Get(line, "request_id").Str
	subtype := gjson.Get(line, "request.subtype").Str

	if subtype != "can_use_tool" {
		c.log.Debug("ignoring control request", "subtype", subtype, "requestID", requestID)
		return
	}

	toolName := gjson.Get(line, "request.tool_name").Str
	input := json.RawMessage(gjson.Get(line, "request.input").Raw)
	toolUseID := gjson.Get(line, "request.tool_use_id").Str

	c.mu.Lock()
	hook := c.opts.Hooks.CanUseTool
	c.mu.Unlock()

	var result PermissionResult
	if hook == nil {
		c.log.Warn("can_use_tool request with no permission hook", "tool", toolName)
		result = Deny("no permission handler registered")
	} else {
		result = hook(toolName, input, toolUseID)
	}

	var response map[string]any
	if result.Behavior == "allow" {
		updated := result.UpdatedInput
		if updated == nil {
			updated = input
		}
		response = map[string]any{
			"behavior":     "allow",
			"updatedInput": updated,
		}
	} else {
		response = map[string]any{
			"behavior": "deny",
			"message":  result.Message,
		}
	}

	data, err := json.Marshal(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   response,
		},
	})
	if err != nil {
		c.log.Error("failed to encode control response", "error", err)
		return
	}

	c.log.Debug("answering permission request", "tool", toolName, "behavior", result.Behavior, "interrupt", result.Interrupt)

	if err := c.writeLine(data); err != nil {
		c.log.Error("failed to write control response", "error", err)
		return
	}

	// Interrupt after responding so the deny lands before the SIGINT
	if result.Interrupt {
		if err := c.Interrupt(); err != nil {
			c.log.Warn("interrupt after permission decision failed", "error", err)
		}
	}
}

// readLine reads a line from the reader, blocking until data is available.
//
// The spawned goroutine doing ReadString cannot be cancelled (blocking I/O).
// On context cancel, Close() closes stdin or kills the process, which
// unblocks the read with EOF. The channel is buffered so the goroutine can
// always send its result even after we've returned.
func (c *CLIConn) readLine(ctx context.Context, reader *bufio.Reader) (string, error) {
	resultCh := make(chan readResult, 1)

	go func() {
		line, err := reader.ReadString('\n')
		resultCh <- readResult{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case result := <-resultCh:
		return result.line, result.err
	}
}

// drainStderr reads all stderr content and stores it for exit reporting.
// Must run concurrently with the process so stderr is captured before
// cmd.Wait() closes the pipe.
func (c *CLIConn) drainStderr() {
	defer close(c.stderrDone)

	c.mu.Lock()
	stderr := c.stderr
	c.mu.Unlock()

	if stderr == nil {
		return
	}

	stderrBytes, err := io.ReadAll(stderr)
	if err != nil {
		c.log.Debug("error reading stderr", "error", err)
		return
	}
	if len(stderrBytes) > 0 {
		c.mu.Lock()
		c.stderrContent = strings.TrimSpace(string(stderrBytes))
		c.mu.Unlock()
		c.log.Debug("captured stderr", "content", c.stderrContent)
	}
}

// monitorExit waits for the process to exit and handles cleanup.
// It is the sole caller of cmd.Wait(); Close() coordinates via waitDone.
func (c *CLIConn) monitorExit() {
	c.mu.Lock()
	cmd := c.cmd
	waitDone := c.waitDone
	c.mu.Unlock()

	if cmd == nil {
		if waitDone != nil {
			close(waitDone)
		}
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		c.log.Debug("backend process exited", "error", err)
		// Signal that cmd.Wait() completed before handling the exit,
		// so Close() can proceed while handleExit runs
		if waitDone != nil {
			close(waitDone)
		}
		c.handleExit(err)
	case <-c.ctx.Done():
		c.log.Debug("process monitor - context cancelled, waiting for cmd.Wait()")
		// Close() was called. Still consume cmd.Wait() to avoid a
		// goroutine leak; Close() unblocks it by closing stdin or killing.
		<-done
		if waitDone != nil {
			close(waitDone)
		}
	}
}

// handleExit reports an unexpected process exit and closes the event stream.
// Restart decisions belong to the caller; the transport only reports.
func (c *CLIConn) handleExit(err error) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.stdin = nil
	stderrDone := c.stderrDone
	c.mu.Unlock()

	// Wait for stderr to be fully drained before reading it
	if stderrDone != nil {
		<-stderrDone
	}

	c.mu.Lock()
	stderrContent := c.stderrContent
	c.mu.Unlock()

	var exitErr string
	switch {
	case stderrContent != "" && err != nil:
		exitErr = fmt.Sprintf("backend process exited: %v: %s", err, stderrContent)
	case stderrContent != "":
		exitErr = fmt.Sprintf("backend process exited: %s", stderrContent)
	case err != nil:
		exitErr = fmt.Sprintf("backend process exited: %v", err)
	default:
		exitErr = "backend process exited unexpectedly"
	}

	c.log.Warn("unexpected backend exit", "error", exitErr)

	c.deliver(Event{Type: EventError, Err: exitErr})
	c.closeOnce.Do(func() { close(c.events) })
}

// truncateForLog truncates long strings for log messages
func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}

// Ensure CLIConn implements Conn at compile time.
var _ Conn = (*CLIConn)(nil)
