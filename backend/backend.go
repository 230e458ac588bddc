// Package backend defines the transport contract for a tool-using agent
// process and provides two implementations: CLIConn, which speaks
// newline-delimited stream-json to the agent CLI over stdin/stdout, and
// MockConn, a scripted transport for tests.
package backend

import (
	"context"
	"encoding/json"
)

// EventType identifies the kind of event read from the backend stream.
type EventType string

const (
	// EventSessionInit is emitted once per process start, carrying the
	// backend-assigned session ID and the model actually bound.
	EventSessionInit EventType = "session_init"
	// EventText is an incremental text delta from the assistant.
	EventText EventType = "text"
	// EventToolUse announces a tool invocation with its full input.
	EventToolUse EventType = "tool_use"
	// EventToolResult reports completion of a tool invocation.
	EventToolResult EventType = "tool_result"
	// EventUsage carries token accounting for the in-flight turn.
	EventUsage EventType = "usage"
	// EventTurnDone marks successful completion of the current turn.
	EventTurnDone EventType = "turn_done"
	// EventError reports a turn or process failure. The events channel may
	// close after an error when the process exited.
	EventError EventType = "error"
)

// Usage holds token accounting reported by the backend.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
}

// Event is a single typed item from the backend's output stream.
// Fields beyond Type are populated per event kind.
type Event struct {
	Type EventType

	// Session init
	SessionID string
	Model     string

	// Text delta
	Text string

	// Tool use / tool result
	ToolUseID   string
	ToolName    string
	ToolInput   json.RawMessage
	ResultError bool

	// Usage
	Usage *Usage

	// Turn done
	DurationMs int
	CostUSD    float64

	// Error
	Err string
}

// ContentBlock is one element of an outgoing user message. Image blocks
// must precede text blocks within a message.
type ContentBlock struct {
	Type      string `json:"type"` // "text" or "image"
	Text      string `json:"text,omitempty"`
	MediaType string `json:"media_type,omitempty"` // e.g. "image/png"
	Data      string `json:"data,omitempty"`       // base64 payload for images
}

// Message is one user turn sent to the backend.
type Message struct {
	Blocks []ContentBlock
}

// PermissionResult is the outcome of a CanUseTool hook. Behavior is either
// "allow" or "deny". UpdatedInput replaces the tool input on allow;
// Message carries the deny reason or follow-up instruction. Interrupt
// requests that the current turn be interrupted after the response is sent.
type PermissionResult struct {
	Behavior     string
	UpdatedInput json.RawMessage
	Message      string
	Interrupt    bool
}

// Allow returns an allow result, optionally with replacement input.
func Allow(updatedInput json.RawMessage) PermissionResult {
	return PermissionResult{Behavior: "allow", UpdatedInput: updatedInput}
}

// Deny returns a deny result with the given reason.
func Deny(message string) PermissionResult {
	return PermissionResult{Behavior: "deny", Message: message}
}

// Hooks are invoked by the transport around tool invocations. All hooks are
// called from the transport's control goroutine, never from the goroutine
// delivering Events, so they may block (e.g. waiting on a human decision)
// without stalling the output stream.
type Hooks struct {
	// CanUseTool gates a tool invocation. Required when the backend is
	// started in a mode that asks for permission. A nil hook denies.
	CanUseTool func(toolName string, input json.RawMessage, toolUseID string) PermissionResult

	// PreToolUse fires when a tool invocation is announced, before
	// execution. Used to capture pre-images for diffing.
	PreToolUse func(toolName string, input json.RawMessage, toolUseID string)

	// PostToolUse fires when a tool invocation completes.
	PostToolUse func(toolUseID string)
}

// ToolServer describes an external tool server the backend should connect to.
type ToolServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// StartOptions configures a backend process.
type StartOptions struct {
	// BinaryPath is the agent CLI binary. Defaults to "claude".
	BinaryPath string
	// WorkingDir is the directory the agent operates in. Must exist.
	WorkingDir string
	// SessionID is the UUID the new session should be created under.
	// Ignored when ResumeSessionID is set without ForkSession.
	SessionID string
	// ResumeSessionID resumes an existing backend session.
	ResumeSessionID string
	// ForkSession, with ResumeSessionID set, inherits the parent
	// conversation under SessionID instead of continuing the parent.
	ForkSession bool
	// SystemPrompt is appended to the backend's base system prompt.
	SystemPrompt string
	// Model requested at startup. Empty uses the backend default.
	Model string
	// PermissionMode is the backend-native permission mode ("default",
	// "plan", "acceptEdits", "bypassPermissions").
	PermissionMode string
	// DisallowedTools are tool names the backend must never offer.
	DisallowedTools []string
	// AllowedPaths are extra directories beyond WorkingDir the agent may
	// access, passed as --add-dir.
	AllowedPaths []string
	// ToolServers are external tool servers, keyed by server name.
	ToolServers map[string]ToolServer
	// Env is extra environment for the process, in KEY=VALUE form.
	Env []string
	// Hooks are the tool-invocation callbacks.
	Hooks Hooks
}

// Conn is a live connection to a backend agent process.
//
// Events returns the same channel for the lifetime of the connection; it is
// closed when the process exits. The Set* methods reconfigure the running
// process in place via control messages and fail if the process is down.
type Conn interface {
	Start(ctx context.Context, opts StartOptions) error
	Send(msg Message) error
	Events() <-chan Event
	SetModel(model string) error
	SetThinkingBudget(tokens int) error
	SetPermissionMode(mode string) error
	SetToolServers(servers map[string]ToolServer) error
	Interrupt() error
	Close() error
}
