// Package watcher implements the Watcher Loop (spec section 4.9): a
// best-effort plan-revision pass run after each tool step in the Stage 4
// tool loop. It reads the current live plan, asks the model whether the
// just-completed tool step changes it, and rewrites the plan only when the
// model emits a genuinely different one.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/relayforge/reasonflow/internal/anchor"
	"github.com/relayforge/reasonflow/internal/engerr"
	"github.com/relayforge/reasonflow/internal/llm"
	"github.com/relayforge/reasonflow/internal/memory"
	"github.com/relayforge/reasonflow/internal/toolloop"
)

const (
	auditMarker        = "WATCHER_AUDIT"
	auditHeader        = "## Watcher Audit Report"
	outputPreviewChars = 2000
)

var revisedPlanPattern = regexp.MustCompile(`(?s)` + "```plan" + `\s*(.*?)\s*` + "```")

// Watcher is bound to one run's collaboration form and model.
type Watcher struct {
	doc          *anchor.Store
	model        llm.Model
	systemPrompt string
}

// New builds a Watcher. promptPath names an optional system-prompt file;
// a missing file yields no system message.
func New(doc *anchor.Store, promptPath string, model llm.Model) (*Watcher, error) {
	prompt, err := loadPrompt(promptPath)
	if err != nil {
		return nil, err
	}
	return &Watcher{doc: doc, model: model, systemPrompt: prompt}, nil
}

func loadPrompt(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", engerr.Wrap(engerr.KindConfiguration, "watcher.loadPrompt", err)
	}
	return strings.TrimSpace(string(raw)), nil
}

// RevisePlan implements toolloop.Watcher: it is the hook the tool loop
// calls after every tool step.
func (w *Watcher) RevisePlan(ctx context.Context, in toolloop.WatcherInput) (bool, error) {
	currentPlan, err := w.doc.ReadLivePlan()
	if err != nil {
		return false, engerr.Wrap(engerr.KindWatcher, "watcher.RevisePlan", err)
	}
	if currentPlan == nil || strings.TrimSpace(*currentPlan) == "" {
		return false, nil
	}

	auditContext, err := memory.BuildWatcherAuditContext(w.doc, in.Objective)
	if err != nil {
		return false, engerr.Wrap(engerr.KindWatcher, "watcher.RevisePlan", err)
	}

	context := w.buildRevisionContext(*currentPlan, in, auditContext)

	var messages []llm.Message
	if w.systemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: w.systemPrompt})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: context})

	resp, err := w.model.Generate(ctx, messages)
	if err != nil {
		return false, engerr.Wrap(engerr.KindWatcher, "watcher.RevisePlan", err)
	}
	responseText := strings.TrimSpace(resp.Text())

	revisedPlan := extractRevisedPlan(responseText)
	if revisedPlan == "" || strings.TrimSpace(revisedPlan) == strings.TrimSpace(*currentPlan) {
		return false, nil
	}

	if err := w.doc.UpdateLivePlan(revisedPlan); err != nil {
		return false, engerr.Wrap(engerr.KindWatcher, "watcher.RevisePlan", err)
	}
	if err := w.writeAuditLog(in.ToolName, responseText); err != nil {
		return false, engerr.Wrap(engerr.KindWatcher, "watcher.RevisePlan", err)
	}
	return true, nil
}

func (w *Watcher) buildRevisionContext(currentPlan string, in toolloop.WatcherInput, auditContext string) string {
	var sections []string
	sections = append(sections, "# Plan Revision Request")

	if in.Objective != "" {
		sections = append(sections, "\n## Objective\n"+strings.TrimSpace(in.Objective))
	}

	sections = append(sections, fmt.Sprintf("\n## Current Live Plan\n```\n%s\n```", currentPlan))

	sections = append(sections, "\n## Tool Execution Result")
	sections = append(sections, "- Tool: "+in.ToolName)
	argsStr, err := json.Marshal(in.ToolArgs)
	if err != nil {
		argsStr = []byte(fmt.Sprintf("%v", in.ToolArgs))
	}
	sections = append(sections, "- Args: "+string(argsStr))

	outputPreview := in.ToolOutput
	if len(outputPreview) > outputPreviewChars {
		outputPreview = outputPreview[:outputPreviewChars] + "... [truncated]"
	}
	sections = append(sections, "- Output: "+outputPreview)

	if in.ToolError != "" {
		sections = append(sections, "- Error: "+in.ToolError)
	}

	if auditContext != "" {
		sections = append(sections, "\n## Audit Context\n"+auditContext)
	}
	if in.ContextSnapshot != "" {
		sections = append(sections, "\n## Context\n"+strings.TrimSpace(in.ContextSnapshot))
	}

	sections = append(sections, `
## Your Task

Analyze the tool result and decide if the plan needs revision.

If the tool execution failed or returned inadequate results:
1. Diagnose the root cause
2. Revise the current step in the plan with corrected parameters/approach
3. Output the COMPLETE revised plan

If the tool execution succeeded:
1. Mark the current step as completed
2. Ensure the next step is ready for execution
3. Output the COMPLETE plan (with status updates)

## Output Format

Output ONLY the revised plan in this exact format:

`+"```plan"+`
[Your complete revised plan here, with step statuses]
`+"```"+`

If NO revision is needed, output:
`+"```plan"+`
NO_CHANGE
`+"```"+`
`)

	return strings.Join(sections, "\n")
}

func extractRevisedPlan(responseText string) string {
	match := revisedPlanPattern.FindStringSubmatch(responseText)
	if match == nil {
		return ""
	}
	content := strings.TrimSpace(match[1])
	if content == "NO_CHANGE" {
		return ""
	}
	return content
}

func (w *Watcher) writeAuditLog(toolName, auditText string) error {
	content := fmt.Sprintf("Last revision for tool: %s\n\n%s", toolName, auditText)
	return w.doc.Update(auditMarker, content, auditHeader)
}
