package agent

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/google/uuid"

	"github.com/tetherhq/tether-core/backend"
	"github.com/tetherhq/tether-core/config"
	"github.com/tetherhq/tether-core/logger"
	"github.com/tetherhq/tether-core/permission"
)

// Attachment is an image attached to a user turn.
type Attachment struct {
	MediaType string // e.g. "image/png"
	Data      []byte // raw bytes, encoded on send
}

// Turn is one prior exchange, used to rebuild context when the backend
// session cannot be resumed.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// QueryOptions adjust a single query. The zero value uses the configured
// defaults.
type QueryOptions struct {
	Model          string
	ThinkingBudget int
	PermissionMode string // "default", "plan", "acceptEdits", "bypassPermissions"
	AutoApprove    bool
	SystemPrompt   string
	ToolServers    map[string]backend.ToolServer
}

// ServiceOptions configure a Service.
type ServiceOptions struct {
	// Config provides settings and the persist target for permission rules.
	Config *config.Config
	// WorkingDir is the directory the agent operates in. Must exist.
	WorkingDir string
	// ConnFactory overrides how backend connections are created. Nil uses
	// the CLI transport.
	ConnFactory ConnFactory
	// Log overrides the default component logger.
	Log *slog.Logger
}

// Service is the host-facing facade. One Service handles one conversation
// session with one turn in flight at a time; hosts needing concurrent
// conversations run one Service per session.
type Service struct {
	log     *slog.Logger
	cfg     *config.Config
	workDir string

	session *SessionState
	router  *ResponseRouter
	diffs   *DiffStore
	plan    *PlanState
	engine  *permission.Engine
	manager *ConnManager
}

// New creates a Service. The connection is not started until the first
// query.
func New(opts ServiceOptions) *Service {
	log := opts.Log
	if log == nil {
		log = logger.WithComponent("agent")
	}
	factory := opts.ConnFactory
	if factory == nil {
		factory = func() backend.Conn { return backend.NewCLIConn(nil) }
	}

	var store permission.RuleStore
	if opts.Config != nil {
		store = opts.Config
		logger.SetDebug(opts.Config.GetDebug())
	}

	s := &Service{
		log:     log,
		cfg:     opts.Config,
		workDir: opts.WorkingDir,
		session: NewSessionState(),
		diffs:   NewDiffStore(nil),
		plan:    &PlanState{},
	}
	s.router = NewResponseRouter(s.session.SessionID, log)
	s.engine = permission.NewEngine(store, nil)
	// Exit-plan handling reads the plan file the backend last wrote, not
	// the possibly stale copy embedded in the tool input.
	s.engine.SetPlanPathProvider(s.plan.CurrentPlanFilePath)
	s.manager = NewConnManager(factory, s.session, s.router, s.diffs, log)
	return s
}

// Query submits one user turn. The returned channel streams the turn's
// chunks and always terminates with a done or error chunk; failures never
// surface as panics or returned errors.
func (s *Service) Query(ctx context.Context, prompt string, attachments []Attachment, history []Turn, opts *QueryOptions) <-chan Chunk {
	var q QueryOptions
	if opts != nil {
		q = *opts
	}

	if err := s.validate(); err != nil {
		s.log.Error("query rejected", "error", err)
		return errorStream(err)
	}

	s.engine.SetAutoApprove(q.AutoApprove)

	if s.session.WasInterrupted() {
		// The backend session diverged mid-turn; rebuild from history
		// instead of resuming.
		s.session.Invalidate()
	}
	resume := s.session.SessionID()

	startOpts, thinking := s.buildStartOptions(q, resume)
	if startOpts.Model != "" {
		s.session.SetPendingModel(startOpts.Model)
	}

	if err := s.manager.EnsureStarted(ctx, startOpts, thinking); err != nil {
		return errorStream(err)
	}

	msg := buildMessage(prompt, attachments, history, resume == "")
	out, err := s.manager.SubmitTurn(msg)
	if err != nil {
		return errorStream(err)
	}
	return out
}

// Cancel interrupts the in-flight turn. The turn's stream resolves via a
// done chunk, never an error.
func (s *Service) Cancel() {
	s.manager.Cancel()
}

// WasInterrupted reports whether the prior turn was interrupted.
func (s *Service) WasInterrupted() bool {
	return s.session.WasInterrupted()
}

// GetSessionID returns the current backend session id, or "".
func (s *Service) GetSessionID() string {
	return s.session.SessionID()
}

// SetSessionID binds an externally known session id; the next query resumes
// it on the current connection settings.
func (s *Service) SetSessionID(id string) {
	s.session.SetSessionID(id)
}

// SwitchSession closes the current connection and binds the service to a
// different backend session; the next query resumes it.
func (s *Service) SwitchSession(id string) {
	s.manager.Close("session switch")
	s.session.Switch(id)
}

// ResetSession forgets the current session and its session-scoped
// permission rules. The next query starts a brand new backend session.
func (s *Service) ResetSession() {
	s.manager.Close("session reset")
	s.session.Reset()
	s.engine.ResetSessionRules()
}

// SetApprovalCallback sets the per-action approval callback.
func (s *Service) SetApprovalCallback(cb permission.ApprovalCallback) {
	s.engine.SetApprovalCallback(cb)
}

// SetQuestionCallback sets the AskUserQuestion callback.
func (s *Service) SetQuestionCallback(cb permission.QuestionCallback) {
	s.engine.SetQuestionCallback(cb)
}

// SetPlanNotifyCallback sets the callback fired when plan mode is entered.
func (s *Service) SetPlanNotifyCallback(cb permission.PlanNotifyCallback) {
	s.engine.SetPlanNotifyCallback(cb)
}

// SetPlanDecisionCallback sets the callback that judges a finished plan.
func (s *Service) SetPlanDecisionCallback(cb permission.PlanDecisionCallback) {
	s.engine.SetPlanDecisionCallback(cb)
}

// SetAutoApprove toggles auto-approval of regular tools outside a query.
func (s *Service) SetAutoApprove(enabled bool) {
	s.engine.SetAutoApprove(enabled)
}

// GetDiffData returns the diff captured for a tool invocation. Read-once: a
// second call for the same id returns nothing.
func (s *Service) GetDiffData(toolUseID string) (DiffEntry, bool) {
	return s.diffs.Take(toolUseID)
}

// TakeQuestionAnswers returns the answers recorded for an AskUserQuestion
// invocation. Read-once.
func (s *Service) TakeQuestionAnswers(toolUseID string) (map[string]string, bool) {
	return s.engine.TakeAnswers(toolUseID)
}

// CurrentPlanFilePath returns the plan file the backend last wrote, or "".
func (s *Service) CurrentPlanFilePath() string {
	return s.plan.CurrentPlanFilePath()
}

// WatchPlans watches the plans directory until ctx is cancelled.
func (s *Service) WatchPlans(ctx context.Context, onChange func(path string)) error {
	return WatchPlans(ctx, onChange)
}

// ClearLogs removes accumulated log files, including per-session stream
// logs. Returns the number of files removed.
func (s *Service) ClearLogs() (int, error) {
	return logger.ClearLogs()
}

// Cleanup tears down the connection and drops per-session state.
func (s *Service) Cleanup() {
	s.manager.Close("cleanup")
	s.diffs.Reset()
	s.plan.Reset()
}

// validate checks the configuration a turn depends on, so failures surface
// before any connection work.
func (s *Service) validate() error {
	if s.cfg == nil {
		return errors.New("no configuration provided")
	}
	if s.workDir == "" {
		return errors.New("no working directory configured")
	}
	if info, err := os.Stat(s.workDir); err != nil || !info.IsDir() {
		return fmt.Errorf("working directory does not exist: %s", s.workDir)
	}

	bin := s.cfg.GetBinaryPath()
	if strings.ContainsRune(bin, os.PathSeparator) {
		if _, err := os.Stat(bin); err != nil {
			return fmt.Errorf("backend binary not found at %s", bin)
		}
	} else if _, err := exec.LookPath(bin); err != nil {
		return fmt.Errorf("backend binary %q not found in PATH", bin)
	}
	return nil
}

// buildStartOptions assembles the connection configuration for one query.
// Approved plan content is consumed here and folded into the system prompt,
// which forces the restart that ends plan-mode restrictions.
func (s *Service) buildStartOptions(q QueryOptions, resume string) (backend.StartOptions, int) {
	model := q.Model
	if model == "" {
		model = s.cfg.GetDefaultModel()
	}

	systemPrompt := q.SystemPrompt
	if plan, ok := s.plan.TakeApprovedPlan(); ok {
		if systemPrompt != "" {
			systemPrompt += "\n\n"
		}
		systemPrompt += "The user approved the following plan. Execute it now:\n\n" + plan
	}

	opts := backend.StartOptions{
		BinaryPath:      s.cfg.GetBinaryPath(),
		WorkingDir:      s.workDir,
		ResumeSessionID: resume,
		SystemPrompt:    systemPrompt,
		Model:           model,
		PermissionMode:  q.PermissionMode,
		DisallowedTools: s.cfg.GetDisallowedTools(),
		AllowedPaths:    s.cfg.GetAllowedPaths(),
		ToolServers:     q.ToolServers,
		Hooks: backend.Hooks{
			CanUseTool:  s.canUseTool,
			PreToolUse:  s.preToolUse,
			PostToolUse: s.diffs.PostToolUse,
		},
	}
	if resume == "" {
		opts.SessionID = uuid.NewString()
	}
	return opts, q.ThinkingBudget
}

// canUseTool adapts the permission engine's decision to the transport hook.
func (s *Service) canUseTool(toolName string, input json.RawMessage, toolUseID string) backend.PermissionResult {
	decision := s.engine.Decide(toolName, input, toolUseID)

	if decision.PlanApproved {
		s.plan.SetApprovedPlan(decision.PlanContent)
		if decision.NewSession {
			s.session.Reset()
		}
	}

	if decision.Allow {
		return backend.Allow(decision.UpdatedInput)
	}
	return backend.PermissionResult{
		Behavior:  "deny",
		Message:   decision.Message,
		Interrupt: decision.Interrupt,
	}
}

func (s *Service) preToolUse(toolName string, input json.RawMessage, toolUseID string) {
	s.plan.ObserveWrite(toolName, input)
	s.diffs.PreToolUse(toolName, input, toolUseID)
}

// buildMessage assembles one user turn: image attachments first, then the
// text block, with prior history folded into the text when the backend
// session cannot be resumed.
func buildMessage(prompt string, attachments []Attachment, history []Turn, includeHistory bool) backend.Message {
	blocks := make([]backend.ContentBlock, 0, len(attachments)+1)
	for _, att := range attachments {
		blocks = append(blocks, backend.ContentBlock{
			Type:      "image",
			MediaType: att.MediaType,
			Data:      base64.StdEncoding.EncodeToString(att.Data),
		})
	}

	text := prompt
	if includeHistory && len(history) > 0 {
		var sb strings.Builder
		sb.WriteString("Here is the conversation so far:\n\n")
		for _, turn := range history {
			sb.WriteString(turn.Role)
			sb.WriteString(": ")
			sb.WriteString(turn.Content)
			sb.WriteString("\n\n")
		}
		sb.WriteString("Continue the conversation.\n\nuser: ")
		sb.WriteString(prompt)
		text = sb.String()
	}
	blocks = append(blocks, backend.ContentBlock{Type: "text", Text: text})
	return backend.Message{Blocks: blocks}
}

// errorStream returns an already-terminated stream carrying one error chunk.
func errorStream(err error) <-chan Chunk {
	out := make(chan Chunk, 1)
	out <- Chunk{Kind: ChunkError, Err: err}
	close(out)
	return out
}
