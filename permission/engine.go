// Package permission mediates every tool invocation the backend asks about.
// It resolves the special interactive tools (AskUserQuestion, EnterPlanMode,
// ExitPlanMode), applies remembered allow rules, and otherwise defers to the
// host's approval callback.
package permission

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/tetherhq/tether-core/logger"
	"github.com/tetherhq/tether-core/paths"
)

// Special tool names the engine handles outside the approval flow.
const (
	ToolAskUserQuestion = "AskUserQuestion"
	ToolEnterPlanMode   = "EnterPlanMode"
	ToolExitPlanMode    = "ExitPlanMode"
)

// Decision is the engine's verdict on one tool invocation.
type Decision struct {
	Allow        bool
	UpdatedInput json.RawMessage // replacement input on allow (nil keeps the original)
	Message      string          // deny reason or follow-up instruction for the backend
	Interrupt    bool            // interrupt the current turn after the decision lands

	// Plan outcome, populated by ExitPlanMode handling
	PlanApproved bool   // the plan was accepted for execution
	NewSession   bool   // execute the plan in a brand new session
	PlanContent  string // the plan text that was decided on
}

// ApprovalRequest describes a pending tool invocation for the host.
type ApprovalRequest struct {
	ToolName      string
	Description   string
	Input         json.RawMessage
	ToolUseID     string
	SuggestedRule string
}

// ApprovalResponse is the host's verdict on an ApprovalRequest.
type ApprovalResponse struct {
	Allowed     bool
	Cancelled   bool   // the user dismissed the prompt: deny and interrupt the turn
	AlwaysAllow bool   // persist the suggested rule permanently
	SessionOnly bool   // remember the suggested rule for this session
	Message     string // deny reason shown to the backend
}

// QuestionOption is one selectable answer for a question.
type QuestionOption struct {
	Label       string
	Description string
}

// Question is one question from an AskUserQuestion invocation.
type Question struct {
	Question    string
	Header      string
	MultiSelect bool
	Options     []QuestionOption
}

// PlanDecisionType enumerates the host's choices when a plan is presented.
type PlanDecisionType int

const (
	// PlanApprove executes the plan in the current session.
	PlanApprove PlanDecisionType = iota
	// PlanApproveNewSession executes the plan in a fresh session.
	PlanApproveNewSession
	// PlanRevise sends feedback back so the plan is reworked.
	PlanRevise
	// PlanCancel abandons the plan and interrupts the turn.
	PlanCancel
)

// PlanDecision is the host's verdict on a presented plan.
type PlanDecision struct {
	Type     PlanDecisionType
	Feedback string // revision feedback, for PlanRevise
}

// Callback types. All callbacks may block indefinitely waiting on a human;
// they run on the transport's control goroutine.
type (
	ApprovalCallback     func(req ApprovalRequest) (ApprovalResponse, error)
	QuestionCallback     func(questions []Question) (answers map[string]string, answered bool, err error)
	PlanNotifyCallback   func()
	PlanDecisionCallback func(plan string) (PlanDecision, error)
)

// RuleStore persists permanent allow rules. *config.Config satisfies it.
type RuleStore interface {
	GetPermissionRules() []string
	AppendPermissionRule(rule string) error
}

// Engine decides tool invocations for one session.
type Engine struct {
	log *slog.Logger

	mu           sync.Mutex
	autoApprove  bool
	session      *RuleSet
	store        RuleStore
	approval     ApprovalCallback
	question     QuestionCallback
	planNotify   PlanNotifyCallback
	planDecision PlanDecisionCallback
	planPath     func() string                // tracked plan file, see SetPlanPathProvider
	answers      map[string]map[string]string // toolUseID → answers, read-once
}

// NewEngine creates an engine. store may be nil when permanent rules are
// not persisted.
func NewEngine(store RuleStore, log *slog.Logger) *Engine {
	if log == nil {
		log = logger.WithComponent("permission")
	}
	return &Engine{
		log:     log,
		session: NewRuleSet(),
		store:   store,
		answers: make(map[string]map[string]string),
	}
}

// SetAutoApprove toggles auto-approval of regular tools. The interactive
// tools still route through their callbacks.
func (e *Engine) SetAutoApprove(enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.autoApprove = enabled
}

// SetApprovalCallback sets the per-action approval callback.
func (e *Engine) SetApprovalCallback(cb ApprovalCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.approval = cb
}

// SetQuestionCallback sets the AskUserQuestion callback.
func (e *Engine) SetQuestionCallback(cb QuestionCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.question = cb
}

// SetPlanNotifyCallback sets the callback fired when plan mode is entered.
func (e *Engine) SetPlanNotifyCallback(cb PlanNotifyCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.planNotify = cb
}

// SetPlanDecisionCallback sets the callback that judges a finished plan.
func (e *Engine) SetPlanDecisionCallback(cb PlanDecisionCallback) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.planDecision = cb
}

// SetPlanPathProvider sets a provider for the plan file the backend most
// recently wrote. When set, exit-plan handling reads that file in preference
// to the content embedded in the tool input, which can be stale.
func (e *Engine) SetPlanPathProvider(fn func() string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.planPath = fn
}

// AddSessionRule remembers an allow rule for the rest of the session.
func (e *Engine) AddSessionRule(rule string) {
	e.session.Add(rule)
}

// SessionRules returns the session-scoped rules.
func (e *Engine) SessionRules() []string {
	return e.session.Rules()
}

// ResetSessionRules drops all session-scoped rules.
func (e *Engine) ResetSessionRules() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.session = NewRuleSet()
}

// TakeAnswers returns and removes the cached answers for a tool use.
// Second reads miss.
func (e *Engine) TakeAnswers(toolUseID string) (map[string]string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	answers, ok := e.answers[toolUseID]
	if ok {
		delete(e.answers, toolUseID)
	}
	return answers, ok
}

// Decide resolves one tool invocation. It never returns an error: every
// failure mode maps onto a deny decision.
func (e *Engine) Decide(toolName string, input json.RawMessage, toolUseID string) Decision {
	switch toolName {
	case ToolAskUserQuestion:
		return e.decideQuestion(input, toolUseID)
	case ToolEnterPlanMode:
		return e.decideEnterPlan(input)
	case ToolExitPlanMode:
		return e.decideExitPlan(input)
	}

	e.mu.Lock()
	autoApprove := e.autoApprove
	session := e.session
	store := e.store
	approval := e.approval
	e.mu.Unlock()

	if autoApprove {
		e.log.Debug("auto-approving tool", "tool", toolName)
		return Decision{Allow: true}
	}

	if session.Allows(toolName, input) {
		e.log.Debug("allowed by session rule", "tool", toolName)
		return Decision{Allow: true}
	}
	if store != nil && NewRuleSet(store.GetPermissionRules()...).Allows(toolName, input) {
		e.log.Debug("allowed by permanent rule", "tool", toolName)
		return Decision{Allow: true}
	}

	if approval == nil {
		e.log.Warn("no approval callback registered", "tool", toolName)
		return Decision{Message: "no approval handler registered"}
	}

	req := ApprovalRequest{
		ToolName:      toolName,
		Description:   buildToolDescription(toolName, input),
		Input:         input,
		ToolUseID:     toolUseID,
		SuggestedRule: SuggestRule(toolName, input),
	}

	resp, err := approval(req)
	if err != nil {
		e.log.Warn("approval callback failed", "tool", toolName, "error", err)
		return Decision{
			Message:   fmt.Sprintf("approval failed: %v", err),
			Interrupt: true,
		}
	}

	if resp.Cancelled {
		// Dismissing the prompt means stop the turn, not just skip the
		// tool; a plain deny lets the backend carry on without it.
		msg := resp.Message
		if msg == "" {
			msg = "cancelled by user"
		}
		e.log.Info("tool approval cancelled", "tool", toolName)
		return Decision{Message: msg, Interrupt: true}
	}

	if !resp.Allowed {
		msg := resp.Message
		if msg == "" {
			msg = "denied by user"
		}
		e.log.Info("tool denied", "tool", toolName)
		return Decision{Message: msg}
	}

	if resp.AlwaysAllow || resp.SessionOnly {
		e.rememberRule(req.SuggestedRule, resp.AlwaysAllow)
	}

	e.log.Info("tool approved", "tool", toolName, "always", resp.AlwaysAllow)
	return Decision{Allow: true}
}

// rememberRule records an approved rule for the session and, when permanent,
// persists it through the store.
func (e *Engine) rememberRule(rule string, permanent bool) {
	e.session.Add(rule)
	if !permanent {
		return
	}

	e.mu.Lock()
	store := e.store
	e.mu.Unlock()

	if store == nil {
		e.log.Warn("cannot persist rule without a store", "rule", rule)
		return
	}
	if err := store.AppendPermissionRule(rule); err != nil {
		// Session rule still applies; persistence failure is non-fatal
		e.log.Error("failed to persist permission rule", "rule", rule, "error", err)
	}
}

// decideQuestion resolves an AskUserQuestion invocation: present the
// questions, merge the answers back into the tool input, and cache them for
// read-once retrieval by the host.
func (e *Engine) decideQuestion(input json.RawMessage, toolUseID string) Decision {
	e.mu.Lock()
	question := e.question
	e.mu.Unlock()

	questions := parseQuestions(input)
	if len(questions) == 0 {
		e.log.Warn("AskUserQuestion with no valid questions")
		return Decision{Message: "no valid questions"}
	}

	if question == nil {
		e.log.Warn("AskUserQuestion with no question callback")
		return Decision{Message: "no question handler registered"}
	}

	answers, answered, err := question(questions)
	if err != nil {
		e.log.Warn("question callback failed", "error", err)
		return Decision{Message: fmt.Sprintf("question failed: %v", err)}
	}
	if !answered {
		// User dismissed the prompt: deny and stop the turn so the
		// backend doesn't press on with unanswered questions
		e.log.Info("questions cancelled by user")
		return Decision{Message: "user cancelled the questions", Interrupt: true}
	}

	updated, err := mergeAnswers(input, answers)
	if err != nil {
		e.log.Error("failed to merge answers into input", "error", err)
		return Decision{Message: "failed to record answers"}
	}

	if toolUseID != "" {
		e.mu.Lock()
		e.answers[toolUseID] = answers
		e.mu.Unlock()
	}

	return Decision{Allow: true, UpdatedInput: updated}
}

// decideEnterPlan lets the backend enter plan mode, notifying the host.
func (e *Engine) decideEnterPlan(_ json.RawMessage) Decision {
	e.mu.Lock()
	notify := e.planNotify
	e.mu.Unlock()

	if notify != nil {
		notify()
	}
	e.log.Info("plan mode entered")
	return Decision{Allow: true}
}

// decideExitPlan presents the finished plan and maps the host's verdict.
// Every outcome denies the ExitPlanMode call itself; what differs is the
// message and whether the turn is interrupted. Approval interrupts so the
// plan can be executed in a fresh, unrestricted turn.
func (e *Engine) decideExitPlan(input json.RawMessage) Decision {
	e.mu.Lock()
	planDecision := e.planDecision
	e.mu.Unlock()

	plan := e.extractPlan(input)

	if planDecision == nil {
		e.log.Warn("ExitPlanMode with no plan decision callback")
		return Decision{Message: "no plan handler registered", PlanContent: plan}
	}

	decision, err := planDecision(plan)
	if err != nil {
		e.log.Warn("plan decision callback failed", "error", err)
		return Decision{
			Message:     fmt.Sprintf("plan review failed: %v", err),
			Interrupt:   true,
			PlanContent: plan,
		}
	}

	switch decision.Type {
	case PlanApprove:
		e.log.Info("plan approved")
		return Decision{
			Message:      "The plan has been approved. The current turn will be interrupted and the plan executed in a fresh turn without plan-mode restrictions.",
			Interrupt:    true,
			PlanApproved: true,
			PlanContent:  plan,
		}
	case PlanApproveNewSession:
		e.log.Info("plan approved for new session")
		return Decision{
			Message:      "The plan has been approved and will be executed in a new session.",
			Interrupt:    true,
			PlanApproved: true,
			NewSession:   true,
			PlanContent:  plan,
		}
	case PlanRevise:
		e.log.Info("plan sent back for revision")
		return Decision{
			Message:     decision.Feedback,
			PlanContent: plan,
		}
	default: // PlanCancel
		e.log.Info("plan cancelled")
		return Decision{
			Interrupt:   true,
			PlanContent: plan,
		}
	}
}

// parseQuestions extracts the questions array from AskUserQuestion input.
func parseQuestions(input json.RawMessage) []Question {
	var questions []Question
	gjson.GetBytes(input, "questions").ForEach(func(_, q gjson.Result) bool {
		question := Question{
			Question:    q.Get("question").Str,
			Header:      q.Get("header").Str,
			MultiSelect: q.Get("multiSelect").Bool(),
		}
		q.Get("options").ForEach(func(_, opt gjson.Result) bool {
			question.Options = append(question.Options, QuestionOption{
				Label:       opt.Get("label").Str,
				Description: opt.Get("description").Str,
			})
			return true
		})
		if question.Question != "" {
			questions = append(questions, question)
		}
		return true
	})
	return questions
}

// mergeAnswers rebuilds the tool input with the answers attached, so the
// backend sees what the user chose.
func mergeAnswers(input json.RawMessage, answers map[string]string) (json.RawMessage, error) {
	var inputMap map[string]any
	if err := json.Unmarshal(input, &inputMap); err != nil {
		return nil, err
	}
	inputMap["answers"] = answers
	return json.Marshal(inputMap)
}

// extractPlan resolves the plan text for an ExitPlanMode invocation: the
// tracked plan file first, because the inline input can be a stale copy,
// then the input's own "plan" and "filePath" fields.
func (e *Engine) extractPlan(input json.RawMessage) string {
	e.mu.Lock()
	provider := e.planPath
	e.mu.Unlock()

	if provider != nil {
		if path := provider(); path != "" {
			if content, ok := readTrackedPlan(path, e.log); ok {
				return content
			}
		}
	}

	if plan := gjson.GetBytes(input, "plan").Str; plan != "" {
		return plan
	}

	log := e.log
	filePath := gjson.GetBytes(input, "filePath").Str
	if filePath == "" {
		log.Warn("ExitPlanMode missing both plan and filePath")
		return "*No plan content provided.*"
	}

	if err := ValidatePlanPath(filePath); err != nil {
		log.Warn("plan path validation failed", "path", filePath, "error", err)
		return fmt.Sprintf("*Invalid plan path: %v*", err)
	}

	content, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Warn("plan file not found", "path", filePath)
			return fmt.Sprintf("*Plan file not found at %s*", filePath)
		}
		log.Error("failed to read plan file", "error", err)
		return fmt.Sprintf("*Error reading plan file: %v*", err)
	}

	log.Debug("read plan file", "bytes", len(content), "path", filePath)
	return string(content)
}

// readTrackedPlan reads the tracked plan file, reporting whether it was
// usable. Any failure falls back to the tool input.
func readTrackedPlan(path string, log *slog.Logger) (string, bool) {
	if err := ValidatePlanPath(path); err != nil {
		log.Warn("tracked plan path invalid", "path", path, "error", err)
		return "", false
	}
	content, err := os.ReadFile(path)
	if err != nil {
		log.Warn("cannot read tracked plan file", "path", path, "error", err)
		return "", false
	}
	log.Debug("read tracked plan file", "bytes", len(content), "path", path)
	return string(content), true
}

// ValidatePlanPath ensures the given path resolves to within the plans
// directory, preventing traversal to arbitrary files via a malicious
// filePath argument.
func ValidatePlanPath(planPath string) error {
	plansDir, err := paths.PlansDir()
	if err != nil {
		return fmt.Errorf("cannot determine plans directory: %w", err)
	}

	absPath, err := filepath.Abs(planPath)
	if err != nil {
		return fmt.Errorf("cannot resolve path: %w", err)
	}
	cleanPath := filepath.Clean(absPath)

	// Append the separator so ~/.claude/plans-evil does not match
	if !strings.HasPrefix(cleanPath, plansDir+string(os.PathSeparator)) && cleanPath != plansDir {
		return fmt.Errorf("path must be within %s", plansDir)
	}
	return nil
}

// buildToolDescription creates a human-readable description for known tools.
func buildToolDescription(tool string, input json.RawMessage) string {
	root := gjson.ParseBytes(input)

	switch tool {
	case "Edit":
		if p := root.Get("file_path").Str; p != "" {
			return "Edit file: " + p
		}
	case "Write":
		if p := root.Get("file_path").Str; p != "" {
			return "Write file: " + p
		}
	case "Read":
		if p := root.Get("file_path").Str; p != "" {
			return "Read file: " + p
		}
	case "Bash":
		if cmd := root.Get("command").Str; cmd != "" {
			return "Run: " + cmd
		}
	case "Glob":
		if pattern := root.Get("pattern").Str; pattern != "" {
			desc := "Search for files: " + pattern
			if p := root.Get("path").Str; p != "" {
				desc += " in " + p
			}
			return desc
		}
	case "Grep":
		if pattern := root.Get("pattern").Str; pattern != "" {
			desc := "Search for: " + pattern
			if p := root.Get("path").Str; p != "" {
				desc += " in " + p
			}
			return desc
		}
	case "Task":
		if desc := root.Get("description").Str; desc != "" {
			return "Delegate task: " + desc
		}
	case "WebFetch":
		if url := root.Get("url").Str; url != "" {
			return "Fetch URL: " + url
		}
	case "WebSearch":
		if query := root.Get("query").Str; query != "" {
			return "Web search: " + query
		}
	case "NotebookEdit":
		if p := root.Get("notebook_path").Str; p != "" {
			return "Edit notebook: " + p
		}
	}

	// Unknown tool: try common field names
	for _, field := range []string{"file_path", "command", "url", "path"} {
		if v := root.Get(field).Str; v != "" {
			return tool + ": " + v
		}
	}
	return tool
}
