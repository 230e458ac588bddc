package agent

import (
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/sergi/go-diff/diffmatchpatch"
	"github.com/tidwall/gjson"

	"github.com/tetherhq/tether-core/logger"
)

// fileWriteTools map tools that modify files to the input field holding the
// target path.
var fileWriteTools = map[string]string{
	"Write":        "file_path",
	"Edit":         "file_path",
	"MultiEdit":    "file_path",
	"NotebookEdit": "notebook_path",
}

// DiffEntry holds the before/after content and computed diff for one file
// modification.
type DiffEntry struct {
	FilePath string
	Original string
	Updated  string
	Diff     string
	Added    int
	Removed  int
}

// DiffStore captures "before" file content and computed edit diffs keyed by
// tool invocation. The pre-hook records the original content of a file the
// first time it is touched in a turn; the post-hook reads the file back and
// computes a line diff. Entries are consumed read-once via Take.
type DiffStore struct {
	log *slog.Logger

	mu        sync.Mutex
	originals map[string]string    // file path → content at first touch this turn
	inflight  map[string]string    // tool use id → file path
	pending   map[string]DiffEntry // tool use id → finalized entry
}

// NewDiffStore creates an empty store. A nil log uses the package logger.
func NewDiffStore(log *slog.Logger) *DiffStore {
	if log == nil {
		log = logger.WithComponent("diff")
	}
	return &DiffStore{
		log:       log,
		originals: make(map[string]string),
		inflight:  make(map[string]string),
		pending:   make(map[string]DiffEntry),
	}
}

// BeginTurn clears the per-turn original captures so the first write of the
// new turn re-captures each file.
func (d *DiffStore) BeginTurn() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.originals = make(map[string]string)
}

// PreToolUse captures the current content of the file a write-class tool is
// about to modify. The first capture per file per turn wins; later writes to
// the same file diff against it.
func (d *DiffStore) PreToolUse(toolName string, input json.RawMessage, toolUseID string) {
	field, ok := fileWriteTools[toolName]
	if !ok || toolUseID == "" {
		return
	}
	path := gjson.GetBytes(input, field).Str
	if path == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight[toolUseID] = path
	if _, seen := d.originals[path]; seen {
		return
	}

	content, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		d.log.Warn("failed to capture original content", "path", path, "error", err)
		return
	}
	d.originals[path] = string(content)
	d.log.Debug("captured original content", "path", path, "bytes", len(content))
}

// PostToolUse finalizes the diff for a completed write-class invocation by
// reading the file back and diffing against the captured original.
func (d *DiffStore) PostToolUse(toolUseID string) {
	d.mu.Lock()
	path, ok := d.inflight[toolUseID]
	if ok {
		delete(d.inflight, toolUseID)
	}
	original, captured := d.originals[path]
	d.mu.Unlock()

	if !ok || !captured {
		return
	}

	content, err := os.ReadFile(path)
	if err != nil {
		d.log.Warn("failed to read updated content", "path", path, "error", err)
		return
	}
	updated := string(content)
	if updated == original {
		return
	}

	diff, added, removed := computeLineDiff(original, updated)
	d.mu.Lock()
	d.pending[toolUseID] = DiffEntry{
		FilePath: path,
		Original: original,
		Updated:  updated,
		Diff:     diff,
		Added:    added,
		Removed:  removed,
	}
	d.mu.Unlock()

	d.log.Debug("stored diff", "tool_use_id", toolUseID, "added", added, "removed", removed)
}

// Take returns and removes the entry for a tool invocation. A second call
// for the same id returns nothing.
func (d *DiffStore) Take(toolUseID string) (DiffEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.pending[toolUseID]
	if ok {
		delete(d.pending, toolUseID)
	}
	return entry, ok
}

// Reset discards all captured state.
func (d *DiffStore) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.originals = make(map[string]string)
	d.inflight = make(map[string]string)
	d.pending = make(map[string]DiffEntry)
}

// computeLineDiff produces a line-oriented diff in +/- form with added and
// removed line counts.
func computeLineDiff(original, updated string) (text string, added, removed int) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(original, updated)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var sb strings.Builder
	for _, diff := range diffs {
		if diff.Text == "" {
			continue
		}
		prefix := "  "
		switch diff.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		}
		for _, line := range strings.Split(strings.TrimSuffix(diff.Text, "\n"), "\n") {
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteByte('\n')
			switch diff.Type {
			case diffmatchpatch.DiffInsert:
				added++
			case diffmatchpatch.DiffDelete:
				removed++
			}
		}
	}
	return sb.String(), added, removed
}
