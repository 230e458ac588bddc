package agent

import "sync"

// SessionState tracks the backend session identity for one service: the
// current session id, the model bound to it, a staged model waiting for the
// backend to confirm, and whether the prior turn was interrupted.
//
// boundModel is non-empty only while sessionID is non-empty.
type SessionState struct {
	mu             sync.Mutex
	sessionID      string
	boundModel     string
	pendingModel   string
	wasInterrupted bool
}

// NewSessionState creates an empty session state.
func NewSessionState() *SessionState {
	return &SessionState{}
}

// Capture records the session identity announced by the backend, consuming
// the staged pending model. The backend-reported model is used when nothing
// was staged.
func (s *SessionState) Capture(sessionID, model string) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = sessionID
	if s.pendingModel != "" {
		s.boundModel = s.pendingModel
		s.pendingModel = ""
	} else {
		s.boundModel = model
	}
}

// SessionID returns the current session id, or "" when none is bound.
func (s *SessionState) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// SetSessionID binds an externally known session id. The bound model is
// cleared because the backend has not confirmed one for this session.
func (s *SessionState) SetSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
	s.boundModel = ""
}

// BoundModel returns the model the backend confirmed for this session.
func (s *SessionState) BoundModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundModel
}

// SetPendingModel stages a model to be bound when the backend next
// announces a session.
func (s *SessionState) SetPendingModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingModel = model
}

// PendingModel returns the staged model, or "" when none is staged.
func (s *SessionState) PendingModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pendingModel
}

// Switch binds the state to a different existing session.
func (s *SessionState) Switch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = id
	s.boundModel = ""
	s.wasInterrupted = false
}

// Reset clears everything; the next turn starts a brand new session.
func (s *SessionState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = ""
	s.boundModel = ""
	s.pendingModel = ""
	s.wasInterrupted = false
}

// Invalidate drops the session identity while keeping the interrupted flag,
// used when the backend session diverged and history must be rebuilt.
func (s *SessionState) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessionID = ""
	s.boundModel = ""
}

// MarkInterrupted records that the current turn was interrupted.
func (s *SessionState) MarkInterrupted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wasInterrupted = true
}

// ClearInterrupted resets the interrupted flag at the start of a new turn.
func (s *SessionState) ClearInterrupted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wasInterrupted = false
}

// WasInterrupted reports whether the prior turn was interrupted.
func (s *SessionState) WasInterrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wasInterrupted
}
