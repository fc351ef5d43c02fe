// Package toolloop implements the Tool-Loop Engine (spec section 4.8): the
// Stage 4 core that iterates a live execution plan, lets the model call
// tools, logs every call to the collaboration form, and optionally asks a
// watcher to revise the plan after each step.
package toolloop

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/relayforge/reasonflow/internal/anchor"
	"github.com/relayforge/reasonflow/internal/engerr"
	"github.com/relayforge/reasonflow/internal/llm"
	"github.com/relayforge/reasonflow/internal/tool"
)

const stage4ToolCallsMarker = "STAGE4_TOOL_CALLS"
const finalAnswerRequired = "[FINAL_ANSWER_REQUIRED] Output your Final Answer now. No more tool calls."

// Config bounds one Engine's loop. MaxIterations is a pointer so that an
// explicit zero ("run no iterations, jump straight to forced finalization")
// is distinguishable from an unset field, which defaults to 10.
type Config struct {
	MaxIterations *int
}

func (c Config) withDefaults() Config {
	if c.MaxIterations == nil {
		defaultMax := 10
		c.MaxIterations = &defaultMax
	}
	return c
}

// maxIterations returns the resolved iteration ceiling.
func (c Config) maxIterations() int {
	return *c.MaxIterations
}

// BridgeCaller is the minimal surface the loop needs from a tool bridge —
// satisfied directly by *toolbridge.Bridge.
type BridgeCaller interface {
	Call(ctx tool.Context, name string, args map[string]any) tool.Result
}

// WatcherInput is everything a plan-revision hook needs about the tool
// step that just completed.
type WatcherInput struct {
	ToolName        string
	ToolArgs        map[string]any
	ToolOutput      string
	ToolError       string
	Objective       string
	ContextSnapshot string
}

// Watcher revises the live plan after a tool step. Failures are the
// caller's concern to log and swallow — the loop itself treats a Watcher
// error as non-fatal.
type Watcher interface {
	RevisePlan(ctx context.Context, in WatcherInput) (revised bool, err error)
}

// Engine drives the iterate/tool-call/log loop against one model.
type Engine struct {
	cfg   Config
	model llm.Model
}

// New builds an Engine bound to model.
func New(cfg Config, model llm.Model) *Engine {
	return &Engine{cfg: cfg.withDefaults(), model: model}
}

// RunInput is everything one Run call needs: the seed messages (system
// prompt plus the composed stage context as the first user message), the
// collaboration form to read/write the live plan and tool log against, the
// tool bridge, and an optional watcher.
type RunInput struct {
	Messages        []llm.Message
	Doc             *anchor.Store
	Bridge          BridgeCaller
	Watcher         Watcher
	Objective       string
	ContextSnapshot string
	RunID           string
	Stage           string
	ModelOptions    []llm.Option
}

// InitLivePlan seeds the LIVE_EXECUTION_PLAN anchor with the stage 3
// execution plan before the loop starts.
func InitLivePlan(doc *anchor.Store, objective, executionPlan string) error {
	header := ""
	if objective != "" {
		header = "Objective: " + objective + "\n\n"
	}
	plan := header + "## Steps\n\n" + executionPlan
	if err := doc.UpdateLivePlan(plan); err != nil {
		return engerr.Wrap(engerr.KindDocument, "toolloop.InitLivePlan", err)
	}
	return nil
}

// Run executes the live-document loop: read the plan, prompt for the next
// step, execute any tool calls the model emits, log them, let the watcher
// revise the plan, and repeat until the model stops calling tools or the
// iteration ceiling is hit — at which point one forced-finalization turn
// is issued if a tool call was still outstanding, or if the ceiling is zero
// and the loop never ran.
func (e *Engine) Run(ctx context.Context, in RunInput) (string, error) {
	messages := append([]llm.Message(nil), in.Messages...)
	iteration := 0
	lastResponseText := ""

	for iteration < e.cfg.maxIterations() {
		iteration++

		livePlan := ""
		if in.Doc != nil {
			plan, err := in.Doc.ReadLivePlan()
			if err != nil {
				return "", engerr.Wrap(engerr.KindDocument, "toolloop.Run", err)
			}
			if plan != nil {
				livePlan = *plan
			}
		}

		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: buildIterationPrompt(livePlan, iteration)})

		responseText, err := e.generate(ctx, messages, in.ModelOptions)
		if err != nil {
			return "", err
		}
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: responseText})
		lastResponseText = responseText

		calls := ParseToolCalls(responseText)
		if len(calls) == 0 {
			break
		}

		for _, call := range calls {
			toolCtx := tool.Context{Context: ctx, RunID: in.RunID, Stage: in.Stage}
			result := in.Bridge.Call(toolCtx, call.Tool, call.Args)

			messages = append(messages, llm.Message{Role: llm.RoleUser, Content: FormatToolResult(call, result)})

			if in.Doc != nil {
				if err := AppendToolLog(in.Doc, iteration, call.Tool, call.Args, result.Output, result.Error); err != nil {
					slog.Warn("toolloop: failed to append tool log", "error", err)
				}
			}

			if in.Watcher != nil {
				revised, err := in.Watcher.RevisePlan(ctx, WatcherInput{
					ToolName:        call.Tool,
					ToolArgs:        call.Args,
					ToolOutput:      result.Output,
					ToolError:       result.Error,
					Objective:       in.Objective,
					ContextSnapshot: in.ContextSnapshot,
				})
				if err != nil {
					slog.Warn("toolloop: watcher revision failed", "error", err)
				} else if revised {
					slog.Info("toolloop: watcher revised the live plan")
				}
			}
		}
	}

	if iteration == 0 || len(ParseToolCalls(lastResponseText)) > 0 {
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: finalAnswerRequired})
		responseText, err := e.generate(ctx, messages, in.ModelOptions)
		if err != nil {
			return "", err
		}
		lastResponseText = responseText
	}

	return lastResponseText, nil
}

func (e *Engine) generate(ctx context.Context, messages []llm.Message, opts []llm.Option) (string, error) {
	resp, err := e.model.Generate(ctx, messages, opts...)
	if err != nil {
		return "", engerr.Wrap(engerr.KindTransport, "toolloop.generate", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

func buildIterationPrompt(livePlan string, iteration int) string {
	return fmt.Sprintf(
		"# Current Live Plan (Iteration %d)\n\nRead the plan below and execute the next pending step.\n\n```plan\n%s\n```\n\nExecute the next step by outputting a [TOOL_CALL] block, or output Final Answer if done.",
		iteration, livePlan,
	)
}

// FormatToolResult renders a tool's result as the [TOOL_RESULT] block fed
// back to the model as the next user message.
func FormatToolResult(call ToolCall, result tool.Result) string {
	parts := []string{"[TOOL_RESULT]", "tool: " + call.Tool}
	if result.Output != "" {
		parts = append(parts, "output: "+result.Output)
	}
	if result.Error != "" {
		parts = append(parts, "error: "+result.Error)
	}
	return strings.Join(parts, "\n")
}

// AppendToolLog appends one iteration's tool call/result as a markdown
// entry to the STAGE4_TOOL_CALLS anchor, preserving whatever was already
// logged.
func AppendToolLog(doc *anchor.Store, iteration int, toolName string, toolArgs map[string]any, toolOutput, toolError string) error {
	existing, err := doc.Read(stage4ToolCallsMarker)
	if err != nil {
		return engerr.Wrap(engerr.KindDocument, "toolloop.AppendToolLog", err)
	}
	existingText := ""
	if existing != nil && *existing != anchor.Placeholder {
		existingText = strings.TrimSpace(*existing)
	}

	argsJSON, err := json.MarshalIndent(toolArgs, "", "  ")
	if err != nil {
		return engerr.Wrap(engerr.KindParse, "toolloop.AppendToolLog", err)
	}

	outputDisplay := toolOutput
	if outputDisplay == "" {
		outputDisplay = "(none)"
	}
	errorDisplay := toolError
	if errorDisplay == "" {
		errorDisplay = "(none)"
	}

	entry := fmt.Sprintf(
		"### Iteration %d | Tool: %s\n**Args:**\n```json\n%s\n```\n**Output:** %s\n**Error:** %s",
		iteration, toolName, argsJSON, outputDisplay, errorDisplay,
	)

	newContent := strings.TrimSpace(entry)
	if existingText != "" {
		newContent = existingText + "\n" + newContent
	}

	if err := doc.Update(stage4ToolCallsMarker, newContent, "### 1. Execution Log"); err != nil {
		return engerr.Wrap(engerr.KindDocument, "toolloop.AppendToolLog", err)
	}
	return nil
}
