package agent

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/gjson"

	"github.com/tetherhq/tether-core/logger"
	"github.com/tetherhq/tether-core/paths"
	"github.com/tetherhq/tether-core/permission"
)

// PlanState tracks the plan file the backend last wrote and the plan content
// the user approved. Approved content is consumed once, when the next turn's
// system prompt is built.
type PlanState struct {
	mu                  sync.Mutex
	currentPlanFilePath string
	approvedPlanContent string
}

// ObserveWrite records the target of a write-class tool call when it lands
// inside the plans directory.
func (p *PlanState) ObserveWrite(toolName string, input json.RawMessage) {
	field, ok := fileWriteTools[toolName]
	if !ok {
		return
	}
	path := gjson.GetBytes(input, field).Str
	if path == "" || !IsPlanPath(path) {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentPlanFilePath = path
}

// CurrentPlanFilePath returns the most recently observed plan file, or "".
func (p *PlanState) CurrentPlanFilePath() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentPlanFilePath
}

// SetApprovedPlan stores plan content accepted for execution.
func (p *PlanState) SetApprovedPlan(content string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.approvedPlanContent = content
}

// TakeApprovedPlan returns and clears the approved plan content. A second
// call returns nothing.
func (p *PlanState) TakeApprovedPlan() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	content := p.approvedPlanContent
	if content == "" {
		return "", false
	}
	p.approvedPlanContent = ""
	return content, true
}

// Reset clears all plan state.
func (p *PlanState) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentPlanFilePath = ""
	p.approvedPlanContent = ""
}

// IsPlanPath reports whether path resolves under the plans directory.
func IsPlanPath(path string) bool {
	return permission.ValidatePlanPath(path) == nil
}

// WatchPlans watches the plans directory and invokes onChange with the path
// of any plan file created or written, until ctx is cancelled. The directory
// is created if missing.
func WatchPlans(ctx context.Context, onChange func(path string)) error {
	dir, err := paths.PlansDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	log := logger.WithComponent("plans")
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					log.Debug("plan file changed", "path", ev.Name)
					onChange(ev.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("plan watcher error", "error", err)
			}
		}
	}()
	return nil
}
