package agent

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/tetherhq/tether-core/logger"
)

// pendingHandler is one in-flight caller awaiting a turn's output. Exactly
// one of onDone/onError fires exactly once; after that the handler is
// removed and receives nothing further.
type pendingHandler struct {
	id      string
	onChunk func(Chunk)
	onDone  func()
	onError func(error)

	// Crash-recovery heuristics: whether any chunk, and specifically any
	// streamed text, reached this handler.
	sawAnyChunk   bool
	sawStreamText bool
}

// ResponseRouter multiplexes the connection's single output stream to the
// one caller currently awaiting a turn. Handlers form a FIFO queue; chunks
// go to the head only, and handlers resolve in registration order.
type ResponseRouter struct {
	log       *slog.Logger
	sessionID func() string

	mu       sync.Mutex
	handlers []*pendingHandler
}

// NewResponseRouter creates a router. sessionID supplies the late-bound
// session id stamped onto usage chunks; nil leaves them unstamped.
func NewResponseRouter(sessionID func() string, log *slog.Logger) *ResponseRouter {
	if log == nil {
		log = logger.WithComponent("router")
	}
	if sessionID == nil {
		sessionID = func() string { return "" }
	}
	return &ResponseRouter{log: log, sessionID: sessionID}
}

// Register appends a handler to the queue and returns its id.
func (r *ResponseRouter) Register(onChunk func(Chunk), onDone func(), onError func(error)) string {
	h := &pendingHandler{
		id:      uuid.NewString(),
		onChunk: onChunk,
		onDone:  onDone,
		onError: onError,
	}
	r.mu.Lock()
	r.handlers = append(r.handlers, h)
	pending := len(r.handlers)
	r.mu.Unlock()

	r.log.Debug("handler registered", "handler_id", h.id, "pending", pending)
	return h.id
}

// RouteChunk delivers a chunk to the head handler. Usage chunks are stamped
// with the session id current at this moment, since the id may only become
// known partway through the turn. Chunks with no handler are dropped.
func (r *ResponseRouter) RouteChunk(c Chunk) {
	r.mu.Lock()
	if len(r.handlers) == 0 {
		r.mu.Unlock()
		r.log.Debug("chunk dropped, no pending handler", "kind", c.Kind)
		return
	}
	head := r.handlers[0]
	head.sawAnyChunk = true
	if c.Kind == ChunkText {
		head.sawStreamText = true
	}
	if c.Kind == ChunkUsage {
		c.SessionID = r.sessionID()
	}
	onChunk := head.onChunk
	r.mu.Unlock()

	onChunk(c)
}

// CompleteHead pops the head handler and resolves it via onDone.
func (r *ResponseRouter) CompleteHead() {
	if h := r.pop(); h != nil {
		h.onDone()
		r.log.Debug("handler completed", "handler_id", h.id)
	}
}

// FailHead pops the head handler and resolves it via onError.
func (r *ResponseRouter) FailHead(err error) {
	if h := r.pop(); h != nil {
		h.onError(err)
		r.log.Debug("handler failed", "handler_id", h.id, "error", err)
	}
}

// DrainAll resolves every still-registered handler via onDone, in order, so
// no caller hangs after a forced shutdown.
func (r *ResponseRouter) DrainAll() {
	r.mu.Lock()
	drained := r.handlers
	r.handlers = nil
	r.mu.Unlock()

	for _, h := range drained {
		h.onDone()
	}
	if len(drained) > 0 {
		r.log.Debug("drained pending handlers", "count", len(drained))
	}
}

// HasPending reports whether any handler is registered.
func (r *ResponseRouter) HasPending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers) > 0
}

// HeadSawAnyChunk reports whether the head handler received any chunk.
// False for an empty queue.
func (r *ResponseRouter) HeadSawAnyChunk() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers) > 0 && r.handlers[0].sawAnyChunk
}

// HeadSawStreamText reports whether streamed text reached the head handler.
func (r *ResponseRouter) HeadSawStreamText() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers) > 0 && r.handlers[0].sawStreamText
}

func (r *ResponseRouter) pop() *pendingHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.handlers) == 0 {
		return nil
	}
	h := r.handlers[0]
	r.handlers = r.handlers[1:]
	return h
}
