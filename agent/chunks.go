package agent

import (
	"encoding/json"

	"github.com/tetherhq/tether-core/backend"
)

// ChunkKind identifies the kind of a streamed chunk.
type ChunkKind string

const (
	// ChunkText is an incremental piece of assistant text.
	ChunkText ChunkKind = "text"
	// ChunkToolUse announces a tool invocation the backend is performing.
	ChunkToolUse ChunkKind = "tool_use"
	// ChunkToolResult reports a finished tool invocation.
	ChunkToolResult ChunkKind = "tool_result"
	// ChunkUsage carries token accounting, stamped with the session id
	// current at the moment of forwarding.
	ChunkUsage ChunkKind = "usage"
	// ChunkError terminates the stream with a failure.
	ChunkError ChunkKind = "error"
	// ChunkDone terminates the stream after a completed turn.
	ChunkDone ChunkKind = "done"
)

// Chunk is one unit of streamed turn output. Every turn's stream ends with
// exactly one done or error chunk; fields beyond Kind are populated per
// kind.
type Chunk struct {
	Kind ChunkKind

	// Text delta
	Text string

	// Tool use / tool result
	ToolUseID string
	ToolName  string
	ToolInput json.RawMessage
	ToolError bool

	// Usage
	Usage     *backend.Usage
	SessionID string

	// Error
	Err error
}
