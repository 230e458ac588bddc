package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/tetherhq/tether-core/backend"
	"github.com/tetherhq/tether-core/logger"
)

// chunkBufferSize is the per-turn chunk channel capacity.
const chunkBufferSize = 100

// ErrNotConnected is returned by SubmitTurn when no connection is active.
var ErrNotConnected = errors.New("backend connection not active")

type connState int

const (
	stateUnconnected connState = iota
	stateStarting
	stateActive
	stateClosing
)

// ConnFactory produces a fresh backend connection. Tests substitute
// scripted connections here.
type ConnFactory func() backend.Conn

// ConnManager owns the lifecycle of the long-lived backend connection:
// deduplicated start, reconfigure in place when the change allows it,
// restart when it does not, and close. It wires the message channel and
// response router together and runs the output loop that turns backend
// events into routed chunks.
type ConnManager struct {
	log     *slog.Logger
	factory ConnFactory
	session *SessionState
	router  *ResponseRouter
	diffs   *DiffStore

	start singleflight.Group

	mu              sync.Mutex
	state           connState
	conn            backend.Conn
	ch              *MessageChannel[backend.Message]
	loopDone        chan struct{}
	applied         ConnSnapshot
	desired         ConnSnapshot
	desiredOpts     backend.StartOptions
	desiredThinking int
	// discardTurns counts interrupted turns whose remaining backend
	// output, up to and including their completion, must be dropped so it
	// never reaches the next turn's handler.
	discardTurns    int
	lastMessage     *backend.Message
	retried         bool
	retrying        bool
}

// NewConnManager creates a manager in the unconnected state.
func NewConnManager(factory ConnFactory, session *SessionState, router *ResponseRouter, diffs *DiffStore, log *slog.Logger) *ConnManager {
	if log == nil {
		log = logger.WithComponent("conn")
	}
	return &ConnManager{
		log:     log,
		factory: factory,
		session: session,
		router:  router,
		diffs:   diffs,
	}
}

// Active reports whether a connection is live.
func (m *ConnManager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateActive
}

// EnsureStarted makes sure a connection matching opts is active. A running
// connection is kept when the differences apply in place (deltas are staged
// and sent with the next SubmitTurn); changes to the system prompt, tool
// restrictions, paths or binary force a restart. Concurrent callers share
// one start attempt.
func (m *ConnManager) EnsureStarted(ctx context.Context, opts backend.StartOptions, thinkingBudget int) error {
	next := snapshotFrom(opts, thinkingBudget)

	m.mu.Lock()
	if m.state == stateActive {
		if !m.applied.NeedsRestart(next) {
			m.desired = next
			m.desiredOpts = opts
			m.desiredThinking = thinkingBudget
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		m.log.Info("configuration change requires restart")
		m.Close("configuration changed")
	} else {
		m.mu.Unlock()
	}

	_, err, _ := m.start.Do("start", func() (any, error) {
		return nil, m.startConn(ctx, opts, thinkingBudget)
	})
	return err
}

// startConn spawns a connection and transitions to active, rolling back to
// unconnected on failure.
func (m *ConnManager) startConn(ctx context.Context, opts backend.StartOptions, thinkingBudget int) error {
	m.mu.Lock()
	if m.state == stateActive {
		m.mu.Unlock()
		return nil
	}
	m.state = stateStarting
	m.mu.Unlock()

	conn := m.factory()
	if err := conn.Start(ctx, opts); err != nil {
		m.mu.Lock()
		m.state = stateUnconnected
		m.mu.Unlock()
		return fmt.Errorf("failed to start backend: %w", err)
	}

	// The initial model selection is what forces the connection fully
	// alive, even when no model override is requested; deferring it would
	// delay establishment until the first turn.
	if err := conn.SetModel(opts.Model); err != nil {
		_ = conn.Close()
		m.mu.Lock()
		m.state = stateUnconnected
		m.mu.Unlock()
		return fmt.Errorf("failed to select model: %w", err)
	}

	ch := NewMessageChannel[backend.Message]()
	loopDone := make(chan struct{})
	snap := snapshotFrom(opts, thinkingBudget)

	m.mu.Lock()
	m.conn = conn
	m.ch = ch
	m.loopDone = loopDone
	m.applied = snap
	m.desired = snap
	m.desiredOpts = opts
	m.desiredThinking = thinkingBudget
	m.discardTurns = 0
	m.state = stateActive
	m.mu.Unlock()

	go m.writeLoop(conn, ch)
	go m.outputLoop(conn, loopDone)

	m.log.Info("backend connection active", "working_dir", opts.WorkingDir)
	return nil
}

// SubmitTurn sends one user message on the active connection and returns
// the chunk stream for that turn. Staged configuration deltas are applied
// before the message goes out.
func (m *ConnManager) SubmitTurn(msg backend.Message) (<-chan Chunk, error) {
	m.mu.Lock()
	if m.state != stateActive {
		m.mu.Unlock()
		return nil, ErrNotConnected
	}
	ch := m.ch
	m.lastMessage = &msg
	m.retried = false
	m.mu.Unlock()

	m.applyDeltas()
	m.diffs.BeginTurn()
	m.session.ClearInterrupted()

	// Sends never block the output loop: a caller that abandons the
	// stream loses overflow chunks instead of stalling the connection.
	out := make(chan Chunk, chunkBufferSize)
	m.router.Register(
		func(c Chunk) {
			select {
			case out <- c:
			default:
				m.log.Warn("dropping chunk, stream not drained", "kind", c.Kind)
			}
		},
		func() {
			select {
			case out <- Chunk{Kind: ChunkDone}:
			default:
			}
			close(out)
		},
		func(err error) {
			select {
			case out <- Chunk{Kind: ChunkError, Err: err}:
			default:
			}
			close(out)
		},
	)
	ch.Send(msg)
	return out, nil
}

// applyDeltas reconfigures the running process in place for staged changes
// that do not require a restart. Failures are logged; the turn proceeds.
func (m *ConnManager) applyDeltas() {
	m.mu.Lock()
	conn := m.conn
	applied := m.applied
	desired := m.desired
	opts := m.desiredOpts
	thinking := m.desiredThinking
	m.applied = desired
	m.mu.Unlock()

	if conn == nil {
		return
	}
	if applied.Model != desired.Model && opts.Model != "" {
		m.session.SetPendingModel(opts.Model)
		if err := conn.SetModel(opts.Model); err != nil {
			m.log.Error("failed to update model", "error", err)
		}
	}
	if applied.ThinkingBudget != desired.ThinkingBudget {
		if err := conn.SetThinkingBudget(thinking); err != nil {
			m.log.Error("failed to update thinking budget", "error", err)
		}
	}
	if applied.PermissionMode != desired.PermissionMode {
		if err := conn.SetPermissionMode(opts.PermissionMode); err != nil {
			m.log.Error("failed to update permission mode", "error", err)
		}
	}
	if applied.ToolServersSHA != desired.ToolServersSHA {
		if err := conn.SetToolServers(opts.ToolServers); err != nil {
			m.log.Error("failed to update tool servers", "error", err)
		}
	}
}

// Cancel interrupts the in-flight turn. The pending handler resolves via
// normal completion, never an error, and the session is marked interrupted
// so the next turn rebuilds context from history.
func (m *ConnManager) Cancel() {
	m.mu.Lock()
	conn := m.conn
	if m.lastMessage != nil {
		// The backend still flushes the interrupted turn's remaining
		// output and its completion; none of it may reach the next turn.
		m.discardTurns++
		m.lastMessage = nil
	}
	m.mu.Unlock()

	m.session.MarkInterrupted()
	if conn != nil {
		if err := conn.Interrupt(); err != nil {
			m.log.Warn("failed to interrupt backend", "error", err)
		}
	}
	m.router.CompleteHead()
}

// Close tears the connection down: best-effort interrupt, channel close,
// handler drain, and snapshot reset so the next start re-applies everything
// from scratch.
func (m *ConnManager) Close(reason string) {
	m.mu.Lock()
	if m.state == stateUnconnected || m.state == stateClosing {
		m.mu.Unlock()
		return
	}
	m.state = stateClosing
	conn := m.conn
	ch := m.ch
	loopDone := m.loopDone
	m.mu.Unlock()

	m.log.Info("closing backend connection", "reason", reason)

	if conn != nil {
		_ = conn.Interrupt()
	}
	if ch != nil {
		ch.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if loopDone != nil {
		<-loopDone
	}

	m.mu.Lock()
	m.state = stateUnconnected
	m.conn = nil
	m.ch = nil
	m.loopDone = nil
	m.applied = ConnSnapshot{}
	m.lastMessage = nil
	m.discardTurns = 0
	m.mu.Unlock()
}

// writeLoop feeds queued user turns to the connection until the channel
// closes.
func (m *ConnManager) writeLoop(conn backend.Conn, ch *MessageChannel[backend.Message]) {
	for {
		msg, ok := ch.Receive(context.Background())
		if !ok {
			return
		}
		if err := conn.Send(msg); err != nil {
			// The output loop observes the dead process and resolves the
			// pending handler.
			m.log.Error("failed to send message", "error", err)
		}
	}
}

// outputLoop consumes the connection's event stream for one active period.
// Once the backend announces its session, logging switches to a
// session-scoped logger.
func (m *ConnManager) outputLoop(conn backend.Conn, done chan struct{}) {
	defer close(done)
	log := m.log
	for ev := range conn.Events() {
		if ev.Type == backend.EventSessionInit {
			log = logger.WithSession(ev.SessionID)
		}
		m.handleEvent(ev, log)
	}
	m.handleDisconnect(conn)
}

func (m *ConnManager) handleEvent(ev backend.Event, log *slog.Logger) {
	if ev.Type == backend.EventSessionInit {
		m.session.Capture(ev.SessionID, ev.Model)
		log.Debug("session established", "model", ev.Model)
		return
	}

	m.mu.Lock()
	discarding := m.discardTurns > 0
	if discarding && (ev.Type == backend.EventTurnDone || ev.Type == backend.EventError) {
		m.discardTurns--
	}
	m.mu.Unlock()
	if discarding {
		// Tail of an interrupted turn, consumed up to its completion so
		// the next turn's handler only ever sees its own output.
		return
	}

	switch ev.Type {
	case backend.EventText:
		m.router.RouteChunk(Chunk{Kind: ChunkText, Text: ev.Text})
	case backend.EventToolUse:
		m.router.RouteChunk(Chunk{
			Kind:      ChunkToolUse,
			ToolUseID: ev.ToolUseID,
			ToolName:  ev.ToolName,
			ToolInput: ev.ToolInput,
		})
	case backend.EventToolResult:
		m.router.RouteChunk(Chunk{
			Kind:      ChunkToolResult,
			ToolUseID: ev.ToolUseID,
			ToolError: ev.ResultError,
		})
	case backend.EventUsage:
		m.router.RouteChunk(Chunk{Kind: ChunkUsage, Usage: ev.Usage})
	case backend.EventTurnDone:
		m.mu.Lock()
		m.lastMessage = nil
		m.mu.Unlock()
		m.router.CompleteHead()
	case backend.EventError:
		m.handleTurnError(ev.Err, log)
	}
}

// handleTurnError distinguishes a cold start that never produced output,
// retried once on a fresh process with the handler kept registered, from a
// mid-turn failure, which is surfaced because partial output may already be
// user-visible.
func (m *ConnManager) handleTurnError(msg string, log *slog.Logger) {
	m.mu.Lock()
	last := m.lastMessage
	canRetry := last != nil && !m.retried && m.router.HasPending() && !m.router.HeadSawAnyChunk()
	if canRetry {
		m.retried = true
		m.retrying = true
	}
	m.mu.Unlock()

	if !canRetry {
		log.Error("turn failed", "error", msg, "streamed_text", m.router.HeadSawStreamText())
		m.router.FailHead(errors.New(msg))
		return
	}

	log.Warn("backend failed before producing output, restarting once", "error", msg)
	resend := *last
	go m.retryColdStart(resend)
}

// retryColdStart tears down the failed connection, starts a fresh one with
// the same configuration, and resends the message. The original handler
// stays registered and receives the retried turn's output.
func (m *ConnManager) retryColdStart(msg backend.Message) {
	m.mu.Lock()
	if m.state == stateClosing {
		m.retrying = false
		m.mu.Unlock()
		m.router.DrainAll()
		return
	}
	conn := m.conn
	ch := m.ch
	opts := m.desiredOpts
	thinking := m.desiredThinking
	m.conn = nil
	m.ch = nil
	m.state = stateUnconnected
	m.mu.Unlock()

	if ch != nil {
		ch.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}

	err := m.startConn(context.Background(), opts, thinking)

	m.mu.Lock()
	m.retrying = false
	newCh := m.ch
	m.mu.Unlock()

	if err != nil {
		m.router.FailHead(fmt.Errorf("backend restart failed: %w", err))
		return
	}
	newCh.Send(msg)
}

// handleDisconnect runs when a connection's event stream closes. Stale loops
// from a superseded connection, and a connection being replaced by a
// cold-start retry, leave state alone.
func (m *ConnManager) handleDisconnect(conn backend.Conn) {
	m.mu.Lock()
	if m.conn != conn || m.retrying {
		m.mu.Unlock()
		return
	}
	m.state = stateUnconnected
	m.conn = nil
	if m.ch != nil {
		m.ch.Close()
		m.ch = nil
	}
	m.applied = ConnSnapshot{}
	m.discardTurns = 0
	m.mu.Unlock()

	m.log.Info("backend connection closed")
	m.router.DrainAll()
}
