package permission

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// Rules take the form "*", "Tool", or "Tool(specifier)". A bare tool name
// allows every invocation of that tool; a specifier narrows the allowance
// to matching inputs. How a specifier matches depends on the tool class:
//
//   - shell tools compare against the command and honor only an exact
//     match or an explicit trailing wildcard ("git *" or "git:*") —
//     never an implicit prefix
//   - file-path tools compare against the target path and match at
//     path segment boundaries
//   - all other tools use plain string prefix on the primary input field

// shellTools are tools whose specifier is a command line.
var shellTools = map[string]bool{
	"Bash": true,
}

// filePathTools map tool names to the input field holding the target path.
var filePathTools = map[string]string{
	"Read":         "file_path",
	"Edit":         "file_path",
	"Write":        "file_path",
	"NotebookEdit": "notebook_path",
}

// prefixToolFields map remaining known tools to their primary input field
// for generic prefix matching.
var prefixToolFields = map[string]string{
	"Bash":      "command",
	"Glob":      "pattern",
	"Grep":      "pattern",
	"WebFetch":  "url",
	"WebSearch": "query",
	"Task":      "description",
}

// RuleSet is a thread-safe collection of allow rules.
type RuleSet struct {
	mu    sync.Mutex
	rules []string
}

// NewRuleSet creates a rule set seeded with the given rules.
func NewRuleSet(rules ...string) *RuleSet {
	rs := &RuleSet{}
	rs.rules = append(rs.rules, rules...)
	return rs
}

// Add appends a rule if not already present.
func (rs *RuleSet) Add(rule string) {
	if rule == "" {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, r := range rs.rules {
		if r == rule {
			return
		}
	}
	rs.rules = append(rs.rules, rule)
}

// Rules returns a copy of the current rules.
func (rs *RuleSet) Rules() []string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	out := make([]string, len(rs.rules))
	copy(out, rs.rules)
	return out
}

// Allows reports whether any rule in the set matches the invocation.
func (rs *RuleSet) Allows(toolName string, input json.RawMessage) bool {
	for _, rule := range rs.Rules() {
		if RuleMatches(rule, toolName, input) {
			return true
		}
	}
	return false
}

// RuleMatches reports whether a single rule matches the invocation.
func RuleMatches(rule, toolName string, input json.RawMessage) bool {
	if rule == "*" {
		return true
	}

	ruleTool, specifier, hasSpecifier := parseRule(rule)
	if ruleTool != toolName {
		return false
	}
	if !hasSpecifier {
		return true
	}

	value := specifierValue(toolName, input)
	if value == "" {
		return false
	}

	switch {
	case shellTools[toolName]:
		return matchShell(specifier, value)
	case filePathTools[toolName] != "":
		return matchPath(specifier, value)
	default:
		return strings.HasPrefix(value, specifier)
	}
}

// parseRule splits "Tool(specifier)" into its parts.
func parseRule(rule string) (tool, specifier string, hasSpecifier bool) {
	open := strings.IndexByte(rule, '(')
	if open == -1 || !strings.HasSuffix(rule, ")") {
		return rule, "", false
	}
	return rule[:open], rule[open+1 : len(rule)-1], true
}

// specifierValue extracts the input field a rule specifier is compared
// against for the given tool.
func specifierValue(toolName string, input json.RawMessage) string {
	if len(input) == 0 {
		return ""
	}
	root := gjson.ParseBytes(input)

	if field, ok := filePathTools[toolName]; ok {
		return root.Get(field).Str
	}
	if field, ok := prefixToolFields[toolName]; ok {
		return root.Get(field).Str
	}

	// Unknown tool: first string field, matching how descriptions fall back
	var first string
	root.ForEach(func(_, value gjson.Result) bool {
		if value.Type == gjson.String && value.Str != "" {
			first = value.Str
			return false
		}
		return true
	})
	return first
}

// matchShell matches a shell command against a specifier. Only exact
// matches and explicit trailing wildcards count: "git *" and "git:*" both
// match "git status" but not "gitstatus". An implicit prefix never matches,
// so "git" does not allow "git push".
func matchShell(specifier, command string) bool {
	if specifier == command {
		return true
	}

	var prefix string
	switch {
	case strings.HasSuffix(specifier, " *"):
		prefix = strings.TrimSuffix(specifier, " *")
	case strings.HasSuffix(specifier, ":*"):
		prefix = strings.TrimSuffix(specifier, ":*")
	default:
		return false
	}

	return command == prefix || strings.HasPrefix(command, prefix+" ")
}

// matchPath matches a file path against a directory-or-file specifier at
// segment boundaries: "/notes/a" matches "/notes/a" and "/notes/a/b.md"
// but not "/notes/ab.md".
func matchPath(specifier, path string) bool {
	specifier = filepath.Clean(specifier)
	path = filepath.Clean(path)
	if specifier == path {
		return true
	}
	return strings.HasPrefix(path, specifier+string(filepath.Separator))
}

// SuggestRule builds the generalized rule offered alongside an approval
// prompt: shell commands generalize to their first token with a trailing
// wildcard, file operations to their parent directory, and everything else
// to the bare tool name.
func SuggestRule(toolName string, input json.RawMessage) string {
	value := specifierValue(toolName, input)

	switch {
	case shellTools[toolName]:
		if fields := strings.Fields(value); len(fields) > 1 {
			return toolName + "(" + fields[0] + " *)"
		}
		if value != "" {
			return toolName + "(" + value + ")"
		}
	case filePathTools[toolName] != "":
		if value != "" {
			return toolName + "(" + filepath.Dir(value) + ")"
		}
	}
	return toolName
}
