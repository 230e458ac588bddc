package permission

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func bashInput(command string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"command":%q}`, command))
}

func fileInput(path string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"file_path":%q}`, path))
}

func TestRuleMatches_Wildcard(t *testing.T) {
	assert.True(t, RuleMatches("*", "Bash", bashInput("rm -rf /")))
	assert.True(t, RuleMatches("*", "Read", fileInput("/etc/passwd")))
}

func TestRuleMatches_BareTool(t *testing.T) {
	assert.True(t, RuleMatches("Read", "Read", fileInput("/anything")))
	assert.False(t, RuleMatches("Read", "Write", fileInput("/anything")))
}

func TestRuleMatches_Shell(t *testing.T) {
	tests := []struct {
		rule    string
		command string
		want    bool
	}{
		// Exact match always counts
		{"Bash(git status)", "git status", true},
		{"Bash(git status)", "git status --short", false},

		// Space-form trailing wildcard
		{"Bash(git *)", "git status", true},
		{"Bash(git *)", "git push origin main", true},
		{"Bash(git *)", "git", true},
		{"Bash(git *)", "gitstatus", false},

		// Colon-form trailing wildcard
		{"Bash(git:*)", "git status", true},
		{"Bash(git:*)", "gitstatus", false},

		// No implicit prefix for shell commands
		{"Bash(git)", "git push", false},
		{"Bash(git)", "git", true},
	}

	for _, tt := range tests {
		t.Run(tt.rule+" vs "+tt.command, func(t *testing.T) {
			assert.Equal(t, tt.want, RuleMatches(tt.rule, "Bash", bashInput(tt.command)))
		})
	}
}

func TestRuleMatches_FilePath(t *testing.T) {
	tests := []struct {
		rule string
		path string
		want bool
	}{
		{"Read(/notes/a)", "/notes/a", true},
		{"Read(/notes/a)", "/notes/a/b.md", true},
		{"Read(/notes/a)", "/notes/a/deep/c.md", true},

		// Segment boundary: /notes/ab.md is not under /notes/a
		{"Read(/notes/a)", "/notes/ab.md", false},
		{"Read(/notes/a)", "/notes", false},
		{"Edit(/src)", "/srcfile.go", false},
		{"Edit(/src)", "/src/main.go", true},
	}

	for _, tt := range tests {
		t.Run(tt.rule+" vs "+tt.path, func(t *testing.T) {
			tool, _, _ := parseRule(tt.rule)
			assert.Equal(t, tt.want, RuleMatches(tt.rule, tool, fileInput(tt.path)))
		})
	}
}

func TestRuleMatches_GenericPrefix(t *testing.T) {
	input := json.RawMessage(`{"url":"https://example.com/docs/page"}`)
	assert.True(t, RuleMatches("WebFetch(https://example.com)", "WebFetch", input))
	assert.False(t, RuleMatches("WebFetch(https://other.com)", "WebFetch", input))
}

func TestRuleMatches_EmptyInput(t *testing.T) {
	assert.False(t, RuleMatches("Bash(git *)", "Bash", nil))
	assert.False(t, RuleMatches("Read(/notes)", "Read", json.RawMessage(`{}`)))
}

func TestRuleSet_Allows(t *testing.T) {
	rs := NewRuleSet("Bash(git *)")
	assert.True(t, rs.Allows("Bash", bashInput("git status")))
	assert.False(t, rs.Allows("Bash", bashInput("rm -rf /")))

	rs.Add("Bash(ls *)")
	assert.True(t, rs.Allows("Bash", bashInput("ls -la /tmp")))
}

func TestRuleSet_AddDeduplicates(t *testing.T) {
	rs := NewRuleSet()
	rs.Add("Read(/notes)")
	rs.Add("Read(/notes)")
	rs.Add("")
	assert.Equal(t, []string{"Read(/notes)"}, rs.Rules())
}

func TestSuggestRule(t *testing.T) {
	tests := []struct {
		name  string
		tool  string
		input json.RawMessage
		want  string
	}{
		{"shell multi-word", "Bash", bashInput("git push origin main"), "Bash(git *)"},
		{"shell single word", "Bash", bashInput("make"), "Bash(make)"},
		{"file path", "Edit", fileInput("/src/pkg/main.go"), "Edit(/src/pkg)"},
		{"other tool", "WebSearch", json.RawMessage(`{"query":"golang"}`), "WebSearch"},
		{"empty input", "Bash", nil, "Bash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SuggestRule(tt.tool, tt.input))
		})
	}
}

func TestParseRule(t *testing.T) {
	tool, spec, ok := parseRule("Bash(git *)")
	assert.Equal(t, "Bash", tool)
	assert.Equal(t, "git *", spec)
	assert.True(t, ok)

	tool, _, ok = parseRule("Read")
	assert.Equal(t, "Read", tool)
	assert.False(t, ok)
}
