package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"

	"github.com/tetherhq/tether-core/backend"
)

// ConnSnapshot captures the configuration a connection is running with.
// Snapshots are compared on every turn: model, thinking budget, permission
// mode and tool servers can change on the running process via control
// messages; the remaining fields are fixed at process start and force a
// restart when they differ.
type ConnSnapshot struct {
	Model           string
	ThinkingBudget  int
	PermissionMode  string
	SystemPromptSHA string
	DisallowedSHA   string
	ToolServersSHA  string
	AllowedPathsSHA string
	BinaryPath      string
	WorkingDir      string
}

// snapshotFrom derives a snapshot from start options.
func snapshotFrom(opts backend.StartOptions, thinkingBudget int) ConnSnapshot {
	return ConnSnapshot{
		Model:           opts.Model,
		ThinkingBudget:  thinkingBudget,
		PermissionMode:  opts.PermissionMode,
		SystemPromptSHA: hashString(opts.SystemPrompt),
		DisallowedSHA:   hashStrings(opts.DisallowedTools),
		ToolServersSHA:  hashToolServers(opts.ToolServers),
		AllowedPathsSHA: hashStrings(opts.AllowedPaths),
		BinaryPath:      opts.BinaryPath,
		WorkingDir:      opts.WorkingDir,
	}
}

// NeedsRestart reports whether moving to next requires a process restart
// rather than in-place updates.
func (s ConnSnapshot) NeedsRestart(next ConnSnapshot) bool {
	return s.SystemPromptSHA != next.SystemPromptSHA ||
		s.DisallowedSHA != next.DisallowedSHA ||
		s.AllowedPathsSHA != next.AllowedPathsSHA ||
		s.BinaryPath != next.BinaryPath ||
		s.WorkingDir != next.WorkingDir
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// hashStrings hashes a string set order-insensitively.
func hashStrings(items []string) string {
	sorted := slices.Clone(items)
	slices.Sort(sorted)
	return hashString(strings.Join(sorted, "\x00"))
}

// hashToolServers hashes the tool server set by name and definition.
func hashToolServers(servers map[string]backend.ToolServer) string {
	if len(servers) == 0 {
		return hashString("")
	}
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	slices.Sort(names)

	var sb strings.Builder
	for _, name := range names {
		def, _ := json.Marshal(servers[name])
		sb.WriteString(name)
		sb.WriteByte(0)
		sb.Write(def)
		sb.WriteByte(0)
	}
	return hashString(sb.String())
}
