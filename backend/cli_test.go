package backend

import (
	"context"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"testing"

	"github.com/tetherhq/tether-core/logger"
	"github.com/tetherhq/tether-core/paths"
)

// hasFlagValue returns true if args contains flag immediately followed by value.
func hasFlagValue(args []string, flag, value string) bool {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag && args[i+1] == value {
			return true
		}
	}
	return false
}

func TestBuildCommandArgs_NewSession(t *testing.T) {
	args, err := BuildCommandArgs(StartOptions{
		SessionID: "test-session-123",
	})
	if err != nil {
		t.Fatalf("BuildCommandArgs: %v", err)
	}

	for _, required := range []string{"--print", "--verbose", "--include-partial-messages"} {
		if !slices.Contains(args, required) {
			t.Errorf("args should contain %s: %v", required, args)
		}
	}
	if !hasFlagValue(args, "--output-format", "stream-json") {
		t.Errorf("args should contain --output-format stream-json: %v", args)
	}
	if !hasFlagValue(args, "--input-format", "stream-json") {
		t.Errorf("args should contain --input-format stream-json: %v", args)
	}
	if !hasFlagValue(args, "--session-id", "test-session-123") {
		t.Errorf("args should contain --session-id test-session-123: %v", args)
	}
	if slices.Contains(args, "--resume") {
		t.Errorf("new session should not contain --resume: %v", args)
	}
}

func TestBuildCommandArgs_Resume(t *testing.T) {
	args, err := BuildCommandArgs(StartOptions{
		SessionID:       "ignored-when-resuming",
		ResumeSessionID: "prior-session",
	})
	if err != nil {
		t.Fatalf("BuildCommandArgs: %v", err)
	}

	if !hasFlagValue(args, "--resume", "prior-session") {
		t.Errorf("args should contain --resume prior-session: %v", args)
	}
	if slices.Contains(args, "--session-id") {
		t.Errorf("resume should not contain --session-id: %v", args)
	}
	if slices.Contains(args, "--fork-session") {
		t.Errorf("plain resume should not contain --fork-session: %v", args)
	}
}

func TestBuildCommandArgs_Fork(t *testing.T) {
	args, err := BuildCommandArgs(StartOptions{
		SessionID:       "child-session",
		ResumeSessionID: "parent-session",
		ForkSession:     true,
	})
	if err != nil {
		t.Fatalf("BuildCommandArgs: %v", err)
	}

	if !hasFlagValue(args, "--resume", "parent-session") {
		t.Errorf("fork should resume the parent: %v", args)
	}
	if !slices.Contains(args, "--fork-session") {
		t.Errorf("fork should contain --fork-session: %v", args)
	}
	if !hasFlagValue(args, "--session-id", "child-session") {
		t.Errorf("fork should pin the child session ID: %v", args)
	}
}

func TestBuildCommandArgs_ForkRequiresSessionID(t *testing.T) {
	_, err := BuildCommandArgs(StartOptions{
		ResumeSessionID: "parent-session",
		ForkSession:     true,
	})
	if err == nil {
		t.Fatal("fork without session ID should fail")
	}
}

func TestBuildCommandArgs_Configuration(t *testing.T) {
	args, err := BuildCommandArgs(StartOptions{
		SessionID:       "s",
		SystemPrompt:    "be terse",
		Model:           "sonnet",
		PermissionMode:  "plan",
		DisallowedTools: []string{"WebSearch", "Task"},
		AllowedPaths:    []string{"/tmp/a", "/tmp/b"},
	})
	if err != nil {
		t.Fatalf("BuildCommandArgs: %v", err)
	}

	if !hasFlagValue(args, "--append-system-prompt", "be terse") {
		t.Errorf("args should contain system prompt: %v", args)
	}
	if !hasFlagValue(args, "--model", "sonnet") {
		t.Errorf("args should contain --model sonnet: %v", args)
	}
	if !hasFlagValue(args, "--permission-mode", "plan") {
		t.Errorf("args should contain --permission-mode plan: %v", args)
	}
	if !hasFlagValue(args, "--disallowedTools", "WebSearch") || !hasFlagValue(args, "--disallowedTools", "Task") {
		t.Errorf("args should contain both disallowed tools: %v", args)
	}
	if !hasFlagValue(args, "--add-dir", "/tmp/a") || !hasFlagValue(args, "--add-dir", "/tmp/b") {
		t.Errorf("args should contain both allowed paths: %v", args)
	}
}

func TestBuildCommandArgs_OmitsEmptyFlags(t *testing.T) {
	args, err := BuildCommandArgs(StartOptions{SessionID: "s"})
	if err != nil {
		t.Fatalf("BuildCommandArgs: %v", err)
	}

	for _, absent := range []string{"--append-system-prompt", "--model", "--permission-mode", "--disallowedTools", "--add-dir", "--mcp-config"} {
		if slices.Contains(args, absent) {
			t.Errorf("args should not contain %s when unset: %v", absent, args)
		}
	}
}

func TestCLIConn_MirrorsStreamLines(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	paths.Reset()
	t.Cleanup(paths.Reset)

	c := NewCLIConn(slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.ctx, c.cancel = context.WithCancel(context.Background())
	defer c.cancel()
	t.Cleanup(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.streamLog != nil {
			c.streamLog.Close()
		}
	})

	initLine := `{"type":"system","subtype":"init","session_id":"sess-log","model":"haiku"}`
	textLine := `{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":"hi"}}}`
	c.handleLine(initLine)
	c.handleLine(textLine)

	path, err := logger.StreamLogPath("sess-log")
	if err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("stream log not written: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 || lines[0] != initLine || lines[1] != textLine {
		t.Fatalf("mirrored lines = %q", lines)
	}
}

func TestBuildCommandArgs_ToolServers(t *testing.T) {
	args, err := BuildCommandArgs(StartOptions{
		SessionID: "s",
		ToolServers: map[string]ToolServer{
			"notes": {Command: "notes-mcp", Args: []string{"--stdio"}},
		},
	})
	if err != nil {
		t.Fatalf("BuildCommandArgs: %v", err)
	}

	idx := slices.Index(args, "--mcp-config")
	if idx == -1 || idx == len(args)-1 {
		t.Fatalf("args should contain --mcp-config with a value: %v", args)
	}
	cfg := args[idx+1]
	if !strings.Contains(cfg, `"mcpServers"`) || !strings.Contains(cfg, `"notes-mcp"`) {
		t.Errorf("mcp config should embed the server definition: %s", cfg)
	}
}
