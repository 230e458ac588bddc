package agent

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func editInput(path string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"file_path":%q}`, path))
}

func writeTestFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func newTestDiffStore() *DiffStore {
	return NewDiffStore(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestDiffStore_CaptureAndDiff(t *testing.T) {
	d := newTestDiffStore()
	path := filepath.Join(t.TempDir(), "notes.md")
	writeTestFile(t, path, "alpha\nbeta\n")

	d.PreToolUse("Edit", editInput(path), "toolu_1")
	writeTestFile(t, path, "alpha\ngamma\n")
	d.PostToolUse("toolu_1")

	entry, ok := d.Take("toolu_1")
	if !ok {
		t.Fatal("expected a diff entry")
	}
	if entry.FilePath != path {
		t.Errorf("FilePath = %q", entry.FilePath)
	}
	if entry.Original != "alpha\nbeta\n" || entry.Updated != "alpha\ngamma\n" {
		t.Errorf("content = %q → %q", entry.Original, entry.Updated)
	}
	if entry.Added != 1 || entry.Removed != 1 {
		t.Errorf("counts = +%d/-%d, want +1/-1", entry.Added, entry.Removed)
	}
	if !strings.Contains(entry.Diff, "- beta") || !strings.Contains(entry.Diff, "+ gamma") {
		t.Errorf("diff missing changed lines:\n%s", entry.Diff)
	}
}

func TestDiffStore_ReadOnce(t *testing.T) {
	d := newTestDiffStore()
	path := filepath.Join(t.TempDir(), "a.txt")
	writeTestFile(t, path, "one\n")

	d.PreToolUse("Write", editInput(path), "toolu_1")
	writeTestFile(t, path, "two\n")
	d.PostToolUse("toolu_1")

	if _, ok := d.Take("toolu_1"); !ok {
		t.Fatal("first read should hit")
	}
	if _, ok := d.Take("toolu_1"); ok {
		t.Error("second read should miss")
	}
}

func TestDiffStore_FirstWriteWinsPerTurn(t *testing.T) {
	d := newTestDiffStore()
	path := filepath.Join(t.TempDir(), "a.txt")
	writeTestFile(t, path, "v0\n")

	d.BeginTurn()
	d.PreToolUse("Edit", editInput(path), "toolu_1")
	writeTestFile(t, path, "v1\n")
	d.PostToolUse("toolu_1")

	d.PreToolUse("Edit", editInput(path), "toolu_2")
	writeTestFile(t, path, "v2\n")
	d.PostToolUse("toolu_2")

	entry, ok := d.Take("toolu_2")
	if !ok {
		t.Fatal("expected an entry for the second edit")
	}
	if entry.Original != "v0\n" {
		t.Errorf("Original = %q, want the turn's first capture v0", entry.Original)
	}
	if entry.Updated != "v2\n" {
		t.Errorf("Updated = %q", entry.Updated)
	}

	// A new turn re-captures
	d.BeginTurn()
	d.PreToolUse("Edit", editInput(path), "toolu_3")
	writeTestFile(t, path, "v3\n")
	d.PostToolUse("toolu_3")

	entry, _ = d.Take("toolu_3")
	if entry.Original != "v2\n" {
		t.Errorf("after BeginTurn Original = %q, want v2", entry.Original)
	}
}

func TestDiffStore_NewFile(t *testing.T) {
	d := newTestDiffStore()
	path := filepath.Join(t.TempDir(), "new.txt")

	d.PreToolUse("Write", editInput(path), "toolu_1")
	writeTestFile(t, path, "created\n")
	d.PostToolUse("toolu_1")

	entry, ok := d.Take("toolu_1")
	if !ok {
		t.Fatal("expected an entry for a created file")
	}
	if entry.Original != "" {
		t.Errorf("Original = %q, want empty for a new file", entry.Original)
	}
	if entry.Added != 1 || entry.Removed != 0 {
		t.Errorf("counts = +%d/-%d, want +1/-0", entry.Added, entry.Removed)
	}
}

func TestDiffStore_NoEntryWhenUnchanged(t *testing.T) {
	d := newTestDiffStore()
	path := filepath.Join(t.TempDir(), "same.txt")
	writeTestFile(t, path, "same\n")

	d.PreToolUse("Edit", editInput(path), "toolu_1")
	d.PostToolUse("toolu_1")

	if _, ok := d.Take("toolu_1"); ok {
		t.Error("no-op edit should produce no entry")
	}
}

func TestDiffStore_IgnoresNonWriteTools(t *testing.T) {
	d := newTestDiffStore()
	path := filepath.Join(t.TempDir(), "a.txt")
	writeTestFile(t, path, "x\n")

	d.PreToolUse("Read", editInput(path), "toolu_1")
	d.PreToolUse("Bash", json.RawMessage(`{"command":"ls"}`), "toolu_2")
	d.PostToolUse("toolu_1")
	d.PostToolUse("toolu_2")

	if _, ok := d.Take("toolu_1"); ok {
		t.Error("Read must not be diffed")
	}
	if _, ok := d.Take("toolu_2"); ok {
		t.Error("Bash must not be diffed")
	}
}

func TestComputeLineDiff_MultilineCounts(t *testing.T) {
	diff, added, removed := computeLineDiff("a\nb\nc\n", "a\nx\ny\nc\nd\n")
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if added != 3 {
		t.Errorf("added = %d, want 3", added)
	}
	if !strings.Contains(diff, "- b") {
		t.Errorf("diff missing removal:\n%s", diff)
	}
}
