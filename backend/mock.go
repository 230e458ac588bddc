package backend

import (
	"context"
	"fmt"
	"sync"
)

// Batch is a scripted sequence of events a MockConn emits in response to
// one Send call.
type Batch struct {
	Events []Event
	// CloseAfter closes the events channel after the batch, simulating
	// a process exit.
	CloseAfter bool
}

// MockConn is a scripted Conn for tests. Each Send consumes the next
// scripted batch and emits its events on the events channel. All calls are
// recorded for assertions.
type MockConn struct {
	// InitSessionID and InitModel populate the session_init event emitted
	// on Start. Leave InitSessionID empty to suppress the init event.
	InitSessionID string
	InitModel     string

	// StartErr and SendErr, when set, are returned by Start and Send.
	StartErr error
	SendErr  error

	// InterruptEvents are emitted when Interrupt is called, simulating
	// the backend finishing the turn after a SIGINT.
	InterruptEvents []Event

	mu      sync.Mutex
	started bool
	closed  bool
	opts    StartOptions
	batches []Batch

	// Recorded calls
	Sent            []Message
	ModelCalls      []string
	ThinkingCalls   []int
	PermissionCalls []string
	ToolServerCalls []map[string]ToolServer
	InterruptCount  int
	CloseCount      int
	StartCount      int

	events    chan Event
	closeOnce sync.Once
}

// NewMockConn creates a mock connection that will announce the given
// session on Start.
func NewMockConn(sessionID, model string) *MockConn {
	return &MockConn{
		InitSessionID: sessionID,
		InitModel:     model,
		events:        make(chan Event, eventBufferSize),
	}
}

// Script appends a batch of events to emit on the next unconsumed Send.
func (m *MockConn) Script(events ...Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, Batch{Events: events})
}

// ScriptBatch appends a full batch, allowing CloseAfter.
func (m *MockConn) ScriptBatch(b Batch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, b)
}

// StartOpts returns the options the connection was started with.
func (m *MockConn) StartOpts() StartOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opts
}

func (m *MockConn) Start(_ context.Context, opts StartOptions) error {
	m.mu.Lock()
	if m.StartErr != nil {
		err := m.StartErr
		m.mu.Unlock()
		return err
	}
	m.opts = opts
	m.StartCount++
	alreadyStarted := m.started
	m.started = true
	m.mu.Unlock()

	if !alreadyStarted && m.InitSessionID != "" {
		m.emit(Event{Type: EventSessionInit, SessionID: m.InitSessionID, Model: m.InitModel})
	}
	return nil
}

func (m *MockConn) Send(msg Message) error {
	m.mu.Lock()
	if m.SendErr != nil {
		err := m.SendErr
		m.mu.Unlock()
		return err
	}
	if !m.started || m.closed {
		m.mu.Unlock()
		return fmt.Errorf("backend process not running")
	}
	m.Sent = append(m.Sent, msg)

	var batch Batch
	hasBatch := len(m.batches) > 0
	if hasBatch {
		batch = m.batches[0]
		m.batches = m.batches[1:]
	}
	m.mu.Unlock()

	if hasBatch {
		for _, ev := range batch.Events {
			m.emit(ev)
		}
		if batch.CloseAfter {
			m.mu.Lock()
			m.started = false
			m.mu.Unlock()
			m.closeOnce.Do(func() { close(m.events) })
		}
	}
	return nil
}

func (m *MockConn) Events() <-chan Event {
	return m.events
}

func (m *MockConn) SetModel(model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ModelCalls = append(m.ModelCalls, model)
	return nil
}

func (m *MockConn) SetThinkingBudget(tokens int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ThinkingCalls = append(m.ThinkingCalls, tokens)
	return nil
}

func (m *MockConn) SetPermissionMode(mode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PermissionCalls = append(m.PermissionCalls, mode)
	return nil
}

func (m *MockConn) SetToolServers(servers map[string]ToolServer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ToolServerCalls = append(m.ToolServerCalls, servers)
	return nil
}

func (m *MockConn) Interrupt() error {
	m.mu.Lock()
	m.InterruptCount++
	events := m.InterruptEvents
	m.mu.Unlock()

	for _, ev := range events {
		m.emit(ev)
	}
	return nil
}

func (m *MockConn) Close() error {
	m.mu.Lock()
	m.closed = true
	m.started = false
	m.CloseCount++
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.events) })
	return nil
}

// emit sends an event without blocking forever: the channel is buffered and
// tests drain it, so a full channel indicates a test bug.
func (m *MockConn) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		panic("mock event channel full")
	}
}

var _ Conn = (*MockConn)(nil)
