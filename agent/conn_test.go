package agent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tetherhq/tether-core/backend"
	"github.com/tetherhq/tether-core/paths"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestManager wires a manager whose factory hands out the given
// connections in order, sticking on the last one. HOME is isolated because
// the output loop derives a session logger once the backend announces itself.
func newTestManager(t *testing.T, conns ...backend.Conn) (*ConnManager, *SessionState) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	paths.Reset()
	t.Cleanup(paths.Reset)

	session := NewSessionState()
	router := NewResponseRouter(session.SessionID, discardLog())
	diffs := NewDiffStore(discardLog())

	var mu sync.Mutex
	idx := 0
	factory := func() backend.Conn {
		mu.Lock()
		defer mu.Unlock()
		c := conns[idx]
		if idx < len(conns)-1 {
			idx++
		}
		return c
	}
	return NewConnManager(factory, session, router, diffs, discardLog()), session
}

func textMsg(text string) backend.Message {
	return backend.Message{Blocks: []backend.ContentBlock{{Type: "text", Text: text}}}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// collect reads the stream until it closes.
func collect(t *testing.T, out <-chan Chunk) []Chunk {
	t.Helper()
	var chunks []Chunk
	timeout := time.After(2 * time.Second)
	for {
		select {
		case c, ok := <-out:
			if !ok {
				return chunks
			}
			chunks = append(chunks, c)
		case <-timeout:
			t.Fatalf("stream never finished, got %d chunks", len(chunks))
		}
	}
}

func nextChunk(t *testing.T, out <-chan Chunk) Chunk {
	t.Helper()
	select {
	case c, ok := <-out:
		if !ok {
			t.Fatal("stream closed early")
		}
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a chunk")
	}
	return Chunk{}
}

func TestConnManager_SimpleTurn(t *testing.T) {
	mock := backend.NewMockConn("sess-1", "haiku")
	mock.Script(
		backend.Event{Type: backend.EventText, Text: "Hello"},
		backend.Event{Type: backend.EventText, Text: " there"},
		backend.Event{Type: backend.EventUsage, Usage: &backend.Usage{OutputTokens: 5}},
		backend.Event{Type: backend.EventTurnDone},
	)
	m, session := newTestManager(t, mock)
	defer m.Close("test done")

	opts := backend.StartOptions{Model: "haiku", WorkingDir: "/work"}
	if err := m.EnsureStarted(context.Background(), opts, 0); err != nil {
		t.Fatal(err)
	}
	if !m.Active() {
		t.Fatal("manager should be active after EnsureStarted")
	}
	if got := mock.ModelCalls; len(got) != 1 || got[0] != "haiku" {
		t.Fatalf("ModelCalls = %v, want the initial selection", got)
	}
	waitFor(t, func() bool { return session.SessionID() == "sess-1" }, "session never captured")

	out, err := m.SubmitTurn(textMsg("hi"))
	if err != nil {
		t.Fatal(err)
	}
	chunks := collect(t, out)

	if len(chunks) != 4 {
		t.Fatalf("got %d chunks: %+v", len(chunks), chunks)
	}
	if chunks[0].Kind != ChunkText || chunks[0].Text != "Hello" {
		t.Errorf("chunk 0 = %+v", chunks[0])
	}
	if chunks[2].Kind != ChunkUsage || chunks[2].SessionID != "sess-1" {
		t.Errorf("usage chunk not stamped: %+v", chunks[2])
	}
	if chunks[3].Kind != ChunkDone {
		t.Errorf("stream must end with done, got %+v", chunks[3])
	}
}

func TestConnManager_EnsureStartedIdempotent(t *testing.T) {
	mock := backend.NewMockConn("sess-1", "haiku")
	m, _ := newTestManager(t, mock)
	defer m.Close("test done")

	opts := backend.StartOptions{Model: "haiku", WorkingDir: "/work"}
	for i := 0; i < 3; i++ {
		if err := m.EnsureStarted(context.Background(), opts, 0); err != nil {
			t.Fatal(err)
		}
	}
	if mock.StartCount != 1 {
		t.Errorf("StartCount = %d, want 1", mock.StartCount)
	}
}

func TestConnManager_ConcurrentStartsShareOneAttempt(t *testing.T) {
	mock := backend.NewMockConn("sess-1", "haiku")
	m, _ := newTestManager(t, mock)
	defer m.Close("test done")

	opts := backend.StartOptions{Model: "haiku", WorkingDir: "/work"}
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := m.EnsureStarted(context.Background(), opts, 0); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if mock.StartCount != 1 {
		t.Errorf("StartCount = %d, want 1", mock.StartCount)
	}
}

func TestConnManager_ModelChangeAppliedInPlace(t *testing.T) {
	mock := backend.NewMockConn("sess-1", "haiku")
	mock.Script(backend.Event{Type: backend.EventTurnDone})
	m, _ := newTestManager(t, mock)
	defer m.Close("test done")

	opts := backend.StartOptions{Model: "haiku", WorkingDir: "/work"}
	if err := m.EnsureStarted(context.Background(), opts, 0); err != nil {
		t.Fatal(err)
	}

	opts.Model = "sonnet"
	if err := m.EnsureStarted(context.Background(), opts, 0); err != nil {
		t.Fatal(err)
	}
	if mock.StartCount != 1 {
		t.Fatalf("model change restarted the connection, StartCount = %d", mock.StartCount)
	}

	out, err := m.SubmitTurn(textMsg("hi"))
	if err != nil {
		t.Fatal(err)
	}
	collect(t, out)

	if got := mock.ModelCalls; len(got) != 2 || got[1] != "sonnet" {
		t.Errorf("ModelCalls = %v, want the staged update applied on submit", got)
	}
}

func TestConnManager_SystemPromptChangeRestarts(t *testing.T) {
	first := backend.NewMockConn("sess-1", "haiku")
	second := backend.NewMockConn("sess-2", "haiku")
	m, session := newTestManager(t, first, second)
	defer m.Close("test done")

	opts := backend.StartOptions{Model: "haiku", WorkingDir: "/work", SystemPrompt: "one"}
	if err := m.EnsureStarted(context.Background(), opts, 0); err != nil {
		t.Fatal(err)
	}

	opts.SystemPrompt = "two"
	if err := m.EnsureStarted(context.Background(), opts, 0); err != nil {
		t.Fatal(err)
	}

	if first.CloseCount == 0 {
		t.Error("old connection was not closed")
	}
	if second.StartCount != 1 {
		t.Errorf("new connection StartCount = %d, want 1", second.StartCount)
	}
	waitFor(t, func() bool { return session.SessionID() == "sess-2" }, "new session never captured")
}

func TestConnManager_ColdStartRetry(t *testing.T) {
	failing := backend.NewMockConn("sess-1", "haiku")
	failing.ScriptBatch(backend.Batch{
		Events:     []backend.Event{{Type: backend.EventError, Err: "spawn failed"}},
		CloseAfter: true,
	})
	healthy := backend.NewMockConn("sess-2", "haiku")
	healthy.Script(
		backend.Event{Type: backend.EventText, Text: "recovered"},
		backend.Event{Type: backend.EventTurnDone},
	)
	m, _ := newTestManager(t, failing, healthy)
	defer m.Close("test done")

	opts := backend.StartOptions{Model: "haiku", WorkingDir: "/work"}
	if err := m.EnsureStarted(context.Background(), opts, 0); err != nil {
		t.Fatal(err)
	}

	out, err := m.SubmitTurn(textMsg("hi"))
	if err != nil {
		t.Fatal(err)
	}
	chunks := collect(t, out)

	if len(chunks) != 2 || chunks[0].Text != "recovered" || chunks[1].Kind != ChunkDone {
		t.Fatalf("retried turn produced %+v", chunks)
	}
	if len(healthy.Sent) != 1 {
		t.Fatalf("message was not resent, Sent = %d", len(healthy.Sent))
	}
	if got := healthy.Sent[0].Blocks[0].Text; got != "hi" {
		t.Errorf("resent text = %q, want the original message", got)
	}
}

func TestConnManager_SecondColdStartFailureSurfaced(t *testing.T) {
	failures := func() *backend.MockConn {
		c := backend.NewMockConn("sess-x", "haiku")
		c.ScriptBatch(backend.Batch{
			Events:     []backend.Event{{Type: backend.EventError, Err: "spawn failed"}},
			CloseAfter: true,
		})
		return c
	}
	m, _ := newTestManager(t, failures(), failures())
	defer m.Close("test done")

	opts := backend.StartOptions{Model: "haiku", WorkingDir: "/work"}
	if err := m.EnsureStarted(context.Background(), opts, 0); err != nil {
		t.Fatal(err)
	}

	out, err := m.SubmitTurn(textMsg("hi"))
	if err != nil {
		t.Fatal(err)
	}
	chunks := collect(t, out)

	last := chunks[len(chunks)-1]
	if last.Kind != ChunkError {
		t.Fatalf("second failure must surface, got %+v", chunks)
	}
	if !strings.Contains(last.Err.Error(), "spawn failed") {
		t.Errorf("error chunk = %v", last.Err)
	}
}

func TestConnManager_MidTurnErrorSurfaced(t *testing.T) {
	mock := backend.NewMockConn("sess-1", "haiku")
	mock.Script(
		backend.Event{Type: backend.EventText, Text: "partial"},
		backend.Event{Type: backend.EventError, Err: "boom"},
	)
	m, _ := newTestManager(t, mock)
	defer m.Close("test done")

	opts := backend.StartOptions{Model: "haiku", WorkingDir: "/work"}
	if err := m.EnsureStarted(context.Background(), opts, 0); err != nil {
		t.Fatal(err)
	}

	out, err := m.SubmitTurn(textMsg("hi"))
	if err != nil {
		t.Fatal(err)
	}
	chunks := collect(t, out)

	if len(chunks) != 2 || chunks[0].Kind != ChunkText || chunks[1].Kind != ChunkError {
		t.Fatalf("chunks = %+v, want partial text then error", chunks)
	}
	if mock.StartCount != 1 {
		t.Error("mid-turn failure must not be retried")
	}
}

func TestConnManager_CancelResolvesViaCompletion(t *testing.T) {
	mock := backend.NewMockConn("sess-1", "haiku")
	mock.Script(backend.Event{Type: backend.EventText, Text: "partial"})
	m, session := newTestManager(t, mock)
	defer m.Close("test done")

	opts := backend.StartOptions{Model: "haiku", WorkingDir: "/work"}
	if err := m.EnsureStarted(context.Background(), opts, 0); err != nil {
		t.Fatal(err)
	}

	out, err := m.SubmitTurn(textMsg("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if c := nextChunk(t, out); c.Kind != ChunkText {
		t.Fatalf("expected the partial text first, got %+v", c)
	}

	m.Cancel()
	rest := collect(t, out)

	if len(rest) != 1 || rest[0].Kind != ChunkDone {
		t.Fatalf("cancelled turn must resolve via done, got %+v", rest)
	}
	if !session.WasInterrupted() {
		t.Error("WasInterrupted() should be true after Cancel")
	}
	if mock.InterruptCount != 1 {
		t.Errorf("InterruptCount = %d, want 1", mock.InterruptCount)
	}
}

func TestConnManager_CancelledTurnTailNotDelivered(t *testing.T) {
	mock := backend.NewMockConn("sess-1", "haiku")
	mock.Script(backend.Event{Type: backend.EventText, Text: "partial"})
	// The interrupted turn's remaining output flushes only after the next
	// submit, interleaved ahead of the new turn's events.
	mock.Script(
		backend.Event{Type: backend.EventText, Text: "stale tail"},
		backend.Event{Type: backend.EventTurnDone},
		backend.Event{Type: backend.EventText, Text: "turn two"},
		backend.Event{Type: backend.EventTurnDone},
	)
	m, _ := newTestManager(t, mock)
	defer m.Close("test done")

	opts := backend.StartOptions{Model: "haiku", WorkingDir: "/work"}
	if err := m.EnsureStarted(context.Background(), opts, 0); err != nil {
		t.Fatal(err)
	}

	out, err := m.SubmitTurn(textMsg("one"))
	if err != nil {
		t.Fatal(err)
	}
	if c := nextChunk(t, out); c.Kind != ChunkText {
		t.Fatalf("expected the partial text first, got %+v", c)
	}
	m.Cancel()
	collect(t, out)

	out2, err := m.SubmitTurn(textMsg("two"))
	if err != nil {
		t.Fatal(err)
	}
	chunks := collect(t, out2)

	if len(chunks) != 2 || chunks[0].Text != "turn two" || chunks[1].Kind != ChunkDone {
		t.Fatalf("second turn saw the interrupted turn's output: %+v", chunks)
	}
}

func TestConnManager_EstablishesWithoutModel(t *testing.T) {
	mock := backend.NewMockConn("sess-1", "")
	m, _ := newTestManager(t, mock)
	defer m.Close("test done")

	opts := backend.StartOptions{WorkingDir: "/work"}
	if err := m.EnsureStarted(context.Background(), opts, 0); err != nil {
		t.Fatal(err)
	}

	if !m.Active() {
		t.Fatal("manager should be active without a model override")
	}
	if got := mock.ModelCalls; len(got) != 1 {
		t.Errorf("ModelCalls = %v, want the establishing call even without a model", got)
	}
}

func TestConnManager_AbandonedStreamDoesNotBlockRouting(t *testing.T) {
	mock := backend.NewMockConn("sess-1", "haiku")
	m, _ := newTestManager(t, mock)
	defer m.Close("test done")

	opts := backend.StartOptions{Model: "haiku", WorkingDir: "/work"}
	if err := m.EnsureStarted(context.Background(), opts, 0); err != nil {
		t.Fatal(err)
	}

	// The stream is never drained; routing more chunks than its buffer
	// holds must still complete.
	if _, err := m.SubmitTurn(textMsg("hi")); err != nil {
		t.Fatal(err)
	}

	routed := make(chan struct{})
	go func() {
		defer close(routed)
		for i := 0; i < chunkBufferSize+20; i++ {
			m.router.RouteChunk(Chunk{Kind: ChunkText, Text: "x"})
		}
		m.router.CompleteHead()
	}()

	select {
	case <-routed:
	case <-time.After(2 * time.Second):
		t.Fatal("routing stalled on an abandoned stream")
	}
}

func TestConnManager_CloseDrainsPendingHandlers(t *testing.T) {
	mock := backend.NewMockConn("sess-1", "haiku")
	m, _ := newTestManager(t, mock)

	opts := backend.StartOptions{Model: "haiku", WorkingDir: "/work"}
	if err := m.EnsureStarted(context.Background(), opts, 0); err != nil {
		t.Fatal(err)
	}

	// No events scripted: the handler would hang forever without the drain
	out, err := m.SubmitTurn(textMsg("hi"))
	if err != nil {
		t.Fatal(err)
	}

	m.Close("shutdown")
	chunks := collect(t, out)

	if len(chunks) != 1 || chunks[0].Kind != ChunkDone {
		t.Fatalf("drained handler got %+v, want a single done", chunks)
	}
	if m.Active() {
		t.Error("manager should be unconnected after Close")
	}
}

func TestConnManager_SubmitTurnRequiresActive(t *testing.T) {
	m, _ := newTestManager(t, backend.NewMockConn("sess-1", "haiku"))

	if _, err := m.SubmitTurn(textMsg("hi")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}
