// Package pipeline implements the Pipeline Runner (spec section 4.10): the
// fixed-stage-order orchestrator that wires the Template Provisioner, the
// Memory Bridge, every stage agent, the Library Patch Engine, the Tool-Loop
// Engine, and the Watcher Loop into one end-to-end run against a single
// collaboration form.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/relayforge/reasonflow/internal/agent"
	"github.com/relayforge/reasonflow/internal/anchor"
	"github.com/relayforge/reasonflow/internal/engerr"
	"github.com/relayforge/reasonflow/internal/library"
	"github.com/relayforge/reasonflow/internal/llm"
	"github.com/relayforge/reasonflow/internal/memory"
	"github.com/relayforge/reasonflow/internal/provision"
	"github.com/relayforge/reasonflow/internal/tool"
	"github.com/relayforge/reasonflow/internal/toolbridge"
	"github.com/relayforge/reasonflow/internal/toolloop"
	"github.com/relayforge/reasonflow/internal/watcher"
)

const (
	stage1Header  = "## Stage 1: Metacognitive Analysis"
	stage2aHeader = "## Stage 2-A: Candidate Strategies"
	stage2bHeader = "## Stage 2-B: Strategy Selection"
	stage2cHeader = "## Stage 2-C: Capability Upgrade Evaluation"
	stage3Header  = "## Stage 3: Execution Plan"
	stage4Header  = "## Stage 4: Final Answer"
)

// HeaderFor returns the section header insertion point for a marker
// constant, or "" if marker isn't a recognized stage-output anchor — used
// by cmd/stage so a single-stage CLI run inserts its block in the same
// place a full Run would.
func HeaderFor(marker string) string {
	switch marker {
	case MarkerStage1:
		return stage1Header
	case MarkerStage2A:
		return stage2aHeader
	case MarkerStage2B:
		return stage2bHeader
	case MarkerStage2C:
		return stage2cHeader
	case MarkerStage3:
		return stage3Header
	case MarkerStage4:
		return stage4Header
	default:
		return ""
	}
}

// Anchor marker names, exported so a per-stage CLI front-end (cmd/stage)
// can read/write the same collaboration-form sections a full Run does
// without duplicating the literal strings.
const (
	MarkerStage1   = "STAGE1_ANALYSIS"
	MarkerStage2A  = "STAGE2A_ANALYSIS"
	MarkerStage2B  = "STAGE2B_ANALYSIS"
	MarkerStage2C  = "STAGE2C_ANALYSIS"
	MarkerStage3   = "STAGE3_PLAN"
	MarkerStage4   = "STAGE4_FINAL_ANSWER"
	MarkerWatcher  = "WATCHER_AUDIT"
	MarkerExternal = "EXTERNAL_INFO"
)

// Config assembles every stage agent, library engine, and the tool bridge
// a Runner needs. Agent prompt/library paths are supplied per-stage via
// agent.Config; Name/Stage are filled in by New if left empty.
type Config struct {
	Model        llm.Model
	WatcherModel llm.Model // defaults to Model if nil and WatcherEnabled

	TemplatePath      string
	FinishFormDir     string
	TemplateThreshold int

	Stage1          agent.Config
	Stage2Candidate agent.Config
	Stage2Selection agent.Config
	Stage2Upgrade   agent.Config
	Stage3          agent.Config
	Stage4          agent.Config

	WatcherEnabled    bool
	WatcherPromptPath string

	StrategyLibraryFile   string
	StrategyAutoApply     bool
	CapabilityLibraryFile string
	CapabilityAutoApply   bool
	CapabilityUpgrade     agent.Config

	Bridge *toolbridge.Bridge

	MaxToolIterations int

	Stage2SelectionRetryAttempts int
	Stage2SelectionRetryDelay    time.Duration

	Metrics *Metrics
}

func (c Config) withDefaults() Config {
	if c.TemplateThreshold <= 0 {
		c.TemplateThreshold = 1
	}
	if c.Stage2SelectionRetryAttempts <= 0 {
		c.Stage2SelectionRetryAttempts = 3
	}
	if c.Stage2SelectionRetryDelay <= 0 {
		c.Stage2SelectionRetryDelay = time.Second
	}
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = 10
	}
	if c.Bridge == nil {
		c.Bridge = toolbridge.New(toolbridge.Config{})
	}
	return c
}

// Runner drives one fixed-order pipeline run. It holds no per-call state;
// everything specific to a run lives in the collaboration form the run
// provisions, so one Runner can be reused sequentially across many runs.
type Runner struct {
	cfg Config

	provisioner *provision.Provisioner
	bridge      *toolbridge.Bridge

	stage1          *agent.Agent
	stage2Candidate *agent.Agent
	stage2Selection *agent.Agent
	stage2Upgrade   *agent.Agent
	stage3          *agent.Agent
	stage4          *agent.Agent
	capabilityAgent *agent.Agent

	strategyLibrary   *library.Engine
	capabilityLibrary *library.Engine

	toolLoop *toolloop.Engine

	watcherEnabled    bool
	watcherPromptPath string
	watcherModel      llm.Model
}

// New builds a Runner. It eagerly constructs every stage agent (which
// eagerly loads its prompt/library material), so a configuration mistake
// surfaces at construction time rather than mid-run.
func New(cfg Config) (*Runner, error) {
	cfg = cfg.withDefaults()
	if cfg.Model == nil {
		return nil, engerr.Wrap(engerr.KindConfiguration, "pipeline.New", fmt.Errorf("model is required"))
	}

	r := &Runner{cfg: cfg, bridge: cfg.Bridge}

	r.provisioner = provision.New(cfg.TemplatePath, cfg.FinishFormDir)
	r.provisioner.Threshold = cfg.TemplateThreshold

	var err error
	if r.stage1, err = buildAgent(cfg.Stage1, "stage1_agent", "stage1", cfg.Model); err != nil {
		return nil, err
	}
	if r.stage2Candidate, err = buildAgent(cfg.Stage2Candidate, "stage2a_agent", "stage2a", cfg.Model); err != nil {
		return nil, err
	}
	if r.stage2Selection, err = buildAgent(cfg.Stage2Selection, "stage2b_agent", "stage2b", cfg.Model); err != nil {
		return nil, err
	}
	if r.stage2Upgrade, err = buildAgent(cfg.Stage2Upgrade, "stage2c_upgrade_agent", "stage2c", cfg.Model); err != nil {
		return nil, err
	}
	if r.stage3, err = buildAgent(cfg.Stage3, "stage3_agent", "stage3", cfg.Model); err != nil {
		return nil, err
	}
	if r.stage4, err = buildAgent(cfg.Stage4, "stage4_agent", "stage4", cfg.Model); err != nil {
		return nil, err
	}
	if r.capabilityAgent, err = buildAgent(cfg.CapabilityUpgrade, "capability_upgrade_agent", "capability", cfg.Model); err != nil {
		return nil, err
	}

	r.strategyLibrary = library.New(library.Config{
		Variant:     library.Strategy,
		LibraryFile: cfg.StrategyLibraryFile,
		SkipApply:   !cfg.StrategyAutoApply,
	})
	r.capabilityLibrary = library.New(library.Config{
		Variant:     library.Capability,
		LibraryFile: cfg.CapabilityLibraryFile,
		SkipApply:   !cfg.CapabilityAutoApply,
	})

	maxToolIterations := cfg.MaxToolIterations
	r.toolLoop = toolloop.New(toolloop.Config{MaxIterations: &maxToolIterations}, cfg.Model)

	r.watcherEnabled = cfg.WatcherEnabled
	r.watcherPromptPath = cfg.WatcherPromptPath
	r.watcherModel = cfg.WatcherModel
	if r.watcherModel == nil {
		r.watcherModel = cfg.Model
	}

	return r, nil
}

// newRunWatcher builds the per-run watcher.Watcher: the document it audits
// against only exists once Run has provisioned it, so construction can't
// happen in New.
func (r *Runner) newRunWatcher(doc *anchor.Store) (toolloop.Watcher, error) {
	if !r.watcherEnabled {
		return nil, nil
	}
	w, err := watcher.New(doc, r.watcherPromptPath, r.watcherModel)
	if err != nil {
		return nil, err
	}
	return watcherAdapter{w: w, metrics: r.cfg.Metrics}, nil
}

// watcherAdapter adds metrics observation around a watcher.Watcher's
// RevisePlan call to satisfy toolloop.Watcher.
type watcherAdapter struct {
	w       *watcher.Watcher
	metrics *Metrics
}

func (a watcherAdapter) RevisePlan(ctx context.Context, in toolloop.WatcherInput) (bool, error) {
	revised, err := a.w.RevisePlan(ctx, in)
	if revised {
		a.metrics.IncWatcherRevision()
	}
	return revised, err
}

// meteredBridge wraps a toolbridge.Bridge to count every dispatched tool
// call, so the Tool-Loop Engine (which has no metrics hook of its own)
// still contributes to the Runner's Metrics.
type meteredBridge struct {
	*toolbridge.Bridge
	metrics *Metrics
}

func (b meteredBridge) Call(ctx tool.Context, name string, args map[string]any) tool.Result {
	b.metrics.IncToolCall(name)
	return b.Bridge.Call(ctx, name, args)
}

func buildAgent(cfg agent.Config, defaultName, defaultStage string, model llm.Model) (*agent.Agent, error) {
	if cfg.Name == "" {
		cfg.Name = defaultName
	}
	if cfg.Stage == "" {
		cfg.Stage = defaultStage
	}
	return agent.New(cfg, model)
}

// RunInput is everything one pipeline run needs beyond the Runner's static
// configuration.
type RunInput struct {
	Objective       string
	ContextSnapshot string
	CandidateLimit  *int
	ToolCatalog     []string
}

// Result is the runner's output record: the document path plus each
// stage's normalized text. Stage2Upgrade, WatcherAudit, and
// CapabilityUpgrade are "" when that stage produced nothing, matching the
// original's `| None` fields.
type Result struct {
	Document          string
	Stage1            string
	Stage2Candidate   string
	Stage2Selection   string
	Stage2Upgrade     string
	Stage3            string
	Stage4            string
	WatcherAudit      string
	CapabilityUpgrade string
}

// AsMap renders Result as the exact nine-key output dict spec.md section 8's
// first end-to-end scenario names, with unset optional stages as nil rather
// than "".
func (r Result) AsMap() map[string]any {
	optional := func(s string) any {
		if s == "" {
			return nil
		}
		return s
	}
	return map[string]any{
		"document":           r.Document,
		"stage1":             r.Stage1,
		"stage2_candidate":   r.Stage2Candidate,
		"stage2_selection":   r.Stage2Selection,
		"stage2_upgrade":     optional(r.Stage2Upgrade),
		"stage3":             r.Stage3,
		"stage4":             r.Stage4,
		"watcher_audit":      optional(r.WatcherAudit),
		"capability_upgrade": optional(r.CapabilityUpgrade),
	}
}

// Run executes the fixed stage order: Stage 1 -> 2A -> 2B -> 2C (optional)
// -> 3 -> 4 -> capability upgrade (optional), then finalizes the document.
func (r *Runner) Run(ctx context.Context, in RunInput) (Result, error) {
	runID := uuid.New().String()

	toolCatalog := in.ToolCatalog
	if len(toolCatalog) == 0 {
		toolCatalog = tool.Catalog(r.bridge.Registry())
	}

	documentPath, err := r.provisioner.Ensure()
	if err != nil {
		return Result{}, engerr.Wrap(engerr.KindConfiguration, "pipeline.Run", err)
	}
	doc := anchor.New(documentPath)

	runWatcher, err := r.newRunWatcher(doc)
	if err != nil {
		return Result{}, err
	}

	externalInfo := provision.ExternalInfo(in.Objective, in.ContextSnapshot, toolCatalog)
	if err := doc.Update(MarkerExternal, externalInfo, ""); err != nil {
		return Result{}, engerr.Wrap(engerr.KindDocument, "pipeline.Run", err)
	}

	result := Result{Document: documentPath}

	stage1Text, err := r.runStage(ctx, runID, "stage1", r.stage1, doc, MarkerStage1, stage1Header,
		memory.StageInput{Objective: in.Objective, ContextSnapshot: in.ContextSnapshot}, memory.Stage1Descriptors())
	if err != nil {
		return Result{}, err
	}
	result.Stage1 = stage1Text

	candidateAttachments := map[string]string{}
	if in.CandidateLimit != nil {
		candidateAttachments["candidate_limit"] = strconv.Itoa(*in.CandidateLimit)
	}
	stage2CandidateText, err := r.runStage(ctx, runID, "stage2_candidate", r.stage2Candidate, doc, MarkerStage2A, stage2aHeader,
		memory.StageInput{Objective: in.Objective, Attachments: candidateAttachments}, memory.Stage2ADescriptors())
	if err != nil {
		return Result{}, err
	}
	result.Stage2Candidate = stage2CandidateText

	stage2SelectionText, err := r.runStage2Selection(ctx, runID, doc, in.Objective)
	if err != nil {
		return Result{}, err
	}
	result.Stage2Selection = stage2SelectionText

	stage2UpgradeText, err := r.runStage2Upgrade(ctx, runID, doc)
	if err != nil {
		return Result{}, err
	}
	result.Stage2Upgrade = stage2UpgradeText

	stage3Text, err := r.runStage(ctx, runID, "stage3", r.stage3, doc, MarkerStage3, stage3Header,
		memory.StageInput{Objective: in.Objective}, memory.Stage3Descriptors())
	if err != nil {
		return Result{}, err
	}
	result.Stage3 = stage3Text

	stage4Text, err := r.runStage4(ctx, runID, doc, in, stage3Text, runWatcher)
	if err != nil {
		return Result{}, err
	}
	result.Stage4 = stage4Text

	if audit, err := doc.Read(MarkerWatcher); err == nil && audit != nil {
		result.WatcherAudit = *audit
	}

	capabilityText, err := r.runCapabilityUpgrade(ctx, runID, doc)
	if err != nil {
		return Result{}, err
	}
	result.CapabilityUpgrade = capabilityText

	r.FinalizeDocument(doc)

	return result, nil
}

// runStage is the common shape steps 1-4 of spec section 4.10 describe:
// build context, call the agent, normalize, write through the Anchor
// Store.
func (r *Runner) runStage(ctx context.Context, runID, stageName string, a *agent.Agent, doc *anchor.Store, marker, header string, in memory.StageInput, descriptors []memory.Descriptor) (string, error) {
	start := time.Now()
	stageContext, err := memory.BuildStageContext(doc, in, descriptors)
	if err != nil {
		return "", engerr.Wrap(engerr.KindDocument, "pipeline.runStage", err)
	}

	raw, err := a.Analyze(ctx, agent.Input{Context: stageContext})
	r.cfg.Metrics.observeStage(stageName, time.Since(start))
	if err != nil {
		logStageException(stageName, err)
		return "", err
	}

	normalized := normalizeStageOutput(raw)
	if err := doc.Update(marker, normalized, header); err != nil {
		return "", engerr.Wrap(engerr.KindDocument, "pipeline.runStage", err)
	}
	return normalized, nil
}

func (r *Runner) runStage2Selection(ctx context.Context, runID string, doc *anchor.Store, objective string) (string, error) {
	start := time.Now()
	stageContext, err := memory.BuildStageContext(doc, memory.StageInput{Objective: objective}, memory.Stage2BDescriptors())
	if err != nil {
		return "", engerr.Wrap(engerr.KindDocument, "pipeline.runStage2Selection", err)
	}

	var raw string
	attempts := r.cfg.Stage2SelectionRetryAttempts
	for attempt := 1; ; attempt++ {
		raw, err = r.stage2Selection.Analyze(ctx, agent.Input{Context: stageContext})
		if err == nil || !engerr.Is(err, engerr.KindTransport) || attempt >= attempts {
			break
		}
		time.Sleep(r.cfg.Stage2SelectionRetryDelay)
	}
	r.cfg.Metrics.observeStage("stage2_selection", time.Since(start))
	if err != nil {
		logStageException("stage2_selection", err)
		return "", err
	}

	normalized := normalizeStageOutput(raw)
	if err := doc.Update(MarkerStage2B, normalized, stage2bHeader); err != nil {
		return "", engerr.Wrap(engerr.KindDocument, "pipeline.runStage2Selection", err)
	}
	return normalized, nil
}

func (r *Runner) runStage2Upgrade(ctx context.Context, runID string, doc *anchor.Store) (string, error) {
	start := time.Now()
	stageContext, err := memory.BuildStageContext(doc, memory.StageInput{}, memory.Stage2BDescriptors())
	if err != nil {
		return "", engerr.Wrap(engerr.KindDocument, "pipeline.runStage2Upgrade", err)
	}

	raw, err := r.stage2Upgrade.Analyze(ctx, agent.Input{Context: stageContext})
	r.cfg.Metrics.observeStage("stage2_upgrade", time.Since(start))
	if err != nil {
		logStageException("stage2_upgrade", err)
		return "", err
	}

	evaluated, err := r.strategyLibrary.Evaluate(raw)
	if err != nil {
		return "", err
	}

	normalized := strings.TrimSpace(normalizeStageOutput(evaluated))
	if normalized == "" {
		return "", nil
	}
	if err := doc.Update(MarkerStage2C, normalized, stage2cHeader); err != nil {
		return "", engerr.Wrap(engerr.KindDocument, "pipeline.runStage2Upgrade", err)
	}
	return normalized, nil
}

func (r *Runner) runStage4(ctx context.Context, runID string, doc *anchor.Store, in RunInput, executionPlan string, runWatcher toolloop.Watcher) (string, error) {
	start := time.Now()
	if err := toolloop.InitLivePlan(doc, in.Objective, executionPlan); err != nil {
		return "", err
	}

	stage4Context, err := memory.BuildStageContext(doc, memory.StageInput{Objective: in.Objective, ContextSnapshot: in.ContextSnapshot}, memory.Stage4Descriptors())
	if err != nil {
		return "", engerr.Wrap(engerr.KindDocument, "pipeline.runStage4", err)
	}

	var messages []llm.Message
	if prompt := r.stage4.SystemPrompt(); prompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: prompt})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: stage4Context})

	raw, err := r.toolLoop.Run(ctx, toolloop.RunInput{
		Messages:        messages,
		Doc:             doc,
		Bridge:          meteredBridge{Bridge: r.bridge, metrics: r.cfg.Metrics},
		Watcher:         runWatcher,
		Objective:       in.Objective,
		ContextSnapshot: in.ContextSnapshot,
		RunID:           runID,
		Stage:           "stage4",
	})
	r.cfg.Metrics.observeStage("stage4", time.Since(start))
	if err != nil {
		logStageException("stage4", err)
		return "", err
	}

	normalized := normalizeStageOutput(raw)
	if err := doc.Update(MarkerStage4, normalized, stage4Header); err != nil {
		return "", engerr.Wrap(engerr.KindDocument, "pipeline.runStage4", err)
	}
	return normalized, nil
}

func (r *Runner) runCapabilityUpgrade(ctx context.Context, runID string, doc *anchor.Store) (string, error) {
	start := time.Now()
	stageContext, err := memory.BuildStageContext(doc, memory.StageInput{}, memory.Stage1Descriptors())
	if err != nil {
		return "", engerr.Wrap(engerr.KindDocument, "pipeline.runCapabilityUpgrade", err)
	}

	raw, err := r.capabilityAgent.Analyze(ctx, agent.Input{Context: stageContext})
	r.cfg.Metrics.observeStage("capability_upgrade", time.Since(start))
	if err != nil {
		logStageException("capability_upgrade", err)
		return "", err
	}

	evaluated, err := r.capabilityLibrary.Evaluate(raw)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(normalizeStageOutput(evaluated)), nil
}

// FinalizeDocument is an intentional no-op seam (spec section 9's open
// question on document finalization): idempotent, with no behavior today,
// so a future export/freeze step has a named place to attach to.
func (r *Runner) FinalizeDocument(doc *anchor.Store) {}

// normalizeStageOutput unwraps a stage response into a plain string,
// mirroring the original's tolerant shape handling: strings pass through;
// slices concatenate their normalized, trimmed, non-empty elements; maps
// prefer a "text"/"content" key before falling back to "key: value" lines;
// anything else is rendered with fmt.Sprintf. Go's stage agents only ever
// return plain strings today, so in practice this reduces to an identity
// pass — it is implemented in full because a Model swapped in later may
// not.
func normalizeStageOutput(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []string:
		var segments []string
		for _, item := range v {
			if s := strings.TrimSpace(normalizeStageOutput(item)); s != "" {
				segments = append(segments, s)
			}
		}
		return strings.Join(segments, "\n")
	case []any:
		var segments []string
		for _, item := range v {
			if s := strings.TrimSpace(normalizeStageOutput(item)); s != "" {
				segments = append(segments, s)
			}
		}
		return strings.Join(segments, "\n")
	case map[string]any:
		for _, key := range []string{"text", "content"} {
			if candidate, ok := v[key]; ok && candidate != nil {
				return normalizeStageOutput(candidate)
			}
		}
		var segments []string
		for _, key := range sortedKeys(v) {
			if s := strings.TrimSpace(normalizeStageOutput(v[key])); s != "" {
				segments = append(segments, key+": "+s)
			}
		}
		return strings.Join(segments, "\n")
	default:
		return fmt.Sprintf("%v", v)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// logStageException prints a boxed, width-aware traceback to the operator
// console, matching the original's "print divider / exception / divider"
// console diagnostic, widened to the real terminal width where available.
func logStageException(stage string, err error) {
	width := consoleWidth()
	line := strings.Repeat("=", width)

	fmt.Println()
	fmt.Println(line)
	fmt.Printf("%s failed: %v\n", stage, err)
	for cause := errors.Unwrap(err); cause != nil; cause = errors.Unwrap(cause) {
		fmt.Printf("  caused by: %v\n", cause)
	}
	fmt.Println(line)
	fmt.Println()
}

func consoleWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 60
}
