package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/relayforge/reasonflow/internal/anchor"
	"github.com/relayforge/reasonflow/internal/llm"
)

func TestNormalizeStageOutput(t *testing.T) {
	cases := []struct {
		name  string
		input any
		want  string
	}{
		{"nil", nil, ""},
		{"string", "plain text", "plain text"},
		{"string slice", []string{"  first  ", "", "second"}, "first\nsecond"},
		{"any slice", []any{"a", "", "b"}, "a\nb"},
		{"map with text key", map[string]any{"text": "body", "other": "ignored"}, "body"},
		{"map with content key", map[string]any{"content": "body2"}, "body2"},
		{
			"map without text/content",
			map[string]any{"beta": "two", "alpha": "one"},
			"alpha: one\nbeta: two",
		},
		{"fallback stringer", 42, "42"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := normalizeStageOutput(tc.input); got != tc.want {
				t.Fatalf("normalizeStageOutput(%#v) = %q, want %q", tc.input, got, tc.want)
			}
		})
	}
}

// --- shared test fixtures -------------------------------------------------

type fixedModel struct {
	reply string
}

func (f fixedModel) Generate(ctx context.Context, messages []llm.Message, opts ...llm.Option) (llm.Response, error) {
	return llm.TextResponse{Content: f.reply}, nil
}

func (f fixedModel) GenerateStream(ctx context.Context, messages []llm.Message, opts ...llm.Option) (<-chan llm.StreamChunk, error) {
	panic("not used")
}

// failThenSucceedModel fails its first `failures` calls with a transport
// error, then returns reply.
type failThenSucceedModel struct {
	mu       sync.Mutex
	failures int
	calls    int
	reply    string
}

func (m *failThenSucceedModel) Generate(ctx context.Context, messages []llm.Message, opts ...llm.Option) (llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.calls <= m.failures {
		return nil, errors.New("connection reset")
	}
	return llm.TextResponse{Content: m.reply}, nil
}

func (m *failThenSucceedModel) GenerateStream(ctx context.Context, messages []llm.Message, opts ...llm.Option) (<-chan llm.StreamChunk, error) {
	panic("not used")
}

func newTempDoc(t *testing.T) *anchor.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "form.md")
	if err := os.WriteFile(path, []byte("# Finish Form\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return anchor.New(path)
}

func newMinimalRunner(t *testing.T, model llm.Model) *Runner {
	t.Helper()
	r, err := New(Config{Model: model, StrategyLibraryFile: filepath.Join(t.TempDir(), "strategy.md"), CapabilityLibraryFile: filepath.Join(t.TempDir(), "capability.md")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func TestRunStage2SelectionRetriesOnTransportError(t *testing.T) {
	model := &failThenSucceedModel{failures: 2, reply: "selected strategy"}
	r := newMinimalRunner(t, model)
	doc := newTempDoc(t)

	text, err := r.runStage2Selection(context.Background(), "run-1", doc, "objective")
	if err != nil {
		t.Fatalf("runStage2Selection: %v", err)
	}
	if !strings.Contains(text, "selected strategy") {
		t.Fatalf("expected selection text, got %q", text)
	}
	if model.calls != 3 {
		t.Fatalf("expected 3 calls (2 failures + 1 success), got %d", model.calls)
	}
}

func TestRunStage2SelectionGivesUpAfterExhaustingRetries(t *testing.T) {
	model := &failThenSucceedModel{failures: 10, reply: "never reached"}
	r := newMinimalRunner(t, model)
	doc := newTempDoc(t)

	_, err := r.runStage2Selection(context.Background(), "run-1", doc, "objective")
	if err == nil {
		t.Fatal("expected an error after exhausting retry attempts")
	}
	if model.calls != 3 {
		t.Fatalf("expected exactly Stage2SelectionRetryAttempts (3) calls, got %d", model.calls)
	}
}

// --- end-to-end scenarios (spec section 8) --------------------------------

// stageScriptModel drives a whole pipeline run: calls whose last message
// reads as a Stage 4 tool-loop turn (either an iteration prompt or the
// forced-finalization prompt) are routed to onStage4 with a 1-based
// per-run counter; every other call (stage1, stage2-candidate,
// stage2-selection, stage2-upgrade, stage3, capability-upgrade — which run
// strictly in that order with no interleaving) is routed to onPlain with
// its own 1-based counter.
type stageScriptModel struct {
	mu         sync.Mutex
	plainCalls int
	stage4Calls int
	onPlain    func(call int) string
	onStage4   func(call int, messages []llm.Message) string
}

func isStage4Turn(messages []llm.Message) bool {
	if len(messages) == 0 {
		return false
	}
	last := messages[len(messages)-1].Content
	return strings.Contains(last, "Current Live Plan (Iteration") || strings.Contains(last, "[FINAL_ANSWER_REQUIRED]")
}

func (m *stageScriptModel) Generate(ctx context.Context, messages []llm.Message, opts ...llm.Option) (llm.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if isStage4Turn(messages) {
		m.stage4Calls++
		return llm.TextResponse{Content: m.onStage4(m.stage4Calls, messages)}, nil
	}
	m.plainCalls++
	return llm.TextResponse{Content: m.onPlain(m.plainCalls)}, nil
}

func (m *stageScriptModel) GenerateStream(ctx context.Context, messages []llm.Message, opts ...llm.Option) (<-chan llm.StreamChunk, error) {
	panic("not used")
}

func newScenarioConfig(t *testing.T, model llm.Model) Config {
	t.Helper()
	return Config{
		Model:                 model,
		TemplatePath:          newTestTemplate(t),
		FinishFormDir:         t.TempDir(),
		StrategyLibraryFile:   filepath.Join(t.TempDir(), "strategy.md"),
		CapabilityLibraryFile: filepath.Join(t.TempDir(), "capability.md"),
	}
}

func newTestTemplate(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "template.md")
	if err := os.WriteFile(path, []byte("# Collaboration Form\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// genericPlain returns a distinguishable non-empty reply for any plain
// (non stage2-upgrade) stage call.
func genericPlain(call int) string {
	return fmt.Sprintf("analysis output for plain call %d", call)
}

func TestScenarioEmptyContextRun(t *testing.T) {
	model := &stageScriptModel{
		onPlain: genericPlain,
		onStage4: func(call int, messages []llm.Message) string {
			return "Final Answer: done."
		},
	}
	r, err := New(newScenarioConfig(t, model))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result, err := r.Run(context.Background(), RunInput{Objective: "Say hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, field := range []struct {
		name, value string
	}{
		{"stage1", result.Stage1},
		{"stage2_candidate", result.Stage2Candidate},
		{"stage2_selection", result.Stage2Selection},
		{"stage3", result.Stage3},
		{"stage4", result.Stage4},
	} {
		if strings.TrimSpace(field.value) == "" {
			t.Fatalf("expected %s to be non-empty", field.name)
		}
	}

	doc := anchor.New(result.Document)
	for _, marker := range []string{"STAGE1_ANALYSIS", "STAGE2A_ANALYSIS", "STAGE2B_ANALYSIS", "STAGE3_PLAN", "STAGE4_FINAL_ANSWER"} {
		content, err := doc.Read(marker)
		if err != nil {
			t.Fatalf("Read(%s): %v", marker, err)
		}
		if content == nil || strings.TrimSpace(*content) == "" || *content == anchor.Placeholder {
			t.Fatalf("expected %s to have non-empty content, got %v", marker, content)
		}
	}

	out := result.AsMap()
	wantKeys := []string{"document", "stage1", "stage2_candidate", "stage2_selection", "stage2_upgrade", "stage3", "stage4", "watcher_audit", "capability_upgrade"}
	if len(out) != len(wantKeys) {
		t.Fatalf("output dict has %d keys, want %d: %v", len(out), len(wantKeys), out)
	}
	for _, k := range wantKeys {
		if _, ok := out[k]; !ok {
			t.Fatalf("output dict missing key %q: %v", k, out)
		}
	}
}

func TestScenarioToolLoopWithOneCall(t *testing.T) {
	model := &stageScriptModel{
		onPlain: genericPlain,
		onStage4: func(call int, messages []llm.Message) string {
			if call == 1 {
				return "[TOOL_CALL]\ntool: calculate\nexpression: \"2+2\"\n[/TOOL_CALL]"
			}
			return "Final Answer: 4"
		},
	}
	r, err := New(newScenarioConfig(t, model))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result, err := r.Run(context.Background(), RunInput{Objective: "Compute 2+2"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !strings.Contains(result.Stage4, "4") {
		t.Fatalf("expected final response to contain 4, got %q", result.Stage4)
	}

	doc := anchor.New(result.Document)
	toolCalls, err := doc.Read("STAGE4_TOOL_CALLS")
	if err != nil {
		t.Fatalf("Read(STAGE4_TOOL_CALLS): %v", err)
	}
	if toolCalls == nil || !strings.Contains(*toolCalls, "**Output:** 4") {
		t.Fatalf("expected one tool-call entry with **Output:** 4, got %v", toolCalls)
	}
	if strings.Count(*toolCalls, "### Iteration") != 1 {
		t.Fatalf("expected exactly one iteration entry, got: %v", *toolCalls)
	}
}

func TestScenarioForcedFinalization(t *testing.T) {
	model := &stageScriptModel{
		onPlain: genericPlain,
		onStage4: func(call int, messages []llm.Message) string {
			if strings.Contains(messages[len(messages)-1].Content, "[FINAL_ANSWER_REQUIRED]") {
				return "Final Answer: forced."
			}
			return "[TOOL_CALL]\ntool: calculate\nexpression: \"1+1\"\n[/TOOL_CALL]"
		},
	}
	cfg := newScenarioConfig(t, model)
	cfg.MaxToolIterations = 2
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result, err := r.Run(context.Background(), RunInput{Objective: "Loop forever"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if strings.TrimSpace(result.Stage4) == "" {
		t.Fatal("expected a non-empty forced-finalization response")
	}
	if !strings.Contains(result.Stage4, "forced") {
		t.Fatalf("expected the forced-finalization reply to be recorded, got %q", result.Stage4)
	}
	// main loop ran MaxToolIterations (2) times, plus one forced call.
	if model.stage4Calls != 3 {
		t.Fatalf("expected 3 stage4 calls (2 iterations + 1 forced), got %d", model.stage4Calls)
	}
}

func TestScenarioWatcherRevision(t *testing.T) {
	model := &stageScriptModel{
		onPlain: genericPlain,
		onStage4: func(call int, messages []llm.Message) string {
			if call == 1 {
				return "[TOOL_CALL]\ntool: calculate\nexpression: \"undefined_var\"\n[/TOOL_CALL]"
			}
			return "Final Answer: after watcher revision."
		},
	}
	watcherReply := "Objective: Investigate\n\n## Steps\n\n1. [done] first attempt failed\n2. retry with a valid expression"
	cfg := newScenarioConfig(t, model)
	cfg.WatcherEnabled = true
	cfg.WatcherModel = fixedModel{reply: "```plan\n" + watcherReply + "\n```"}
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result, err := r.Run(context.Background(), RunInput{Objective: "Investigate"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	doc := anchor.New(result.Document)
	plan, err := doc.ReadLivePlan()
	if err != nil {
		t.Fatalf("ReadLivePlan: %v", err)
	}
	if plan == nil || !strings.Contains(*plan, "retry with a valid expression") {
		t.Fatalf("expected live plan to be revised, got %v", plan)
	}

	if result.WatcherAudit == "" || !strings.Contains(result.WatcherAudit, "Last revision for tool: calculate") {
		t.Fatalf("expected watcher audit to record the revision, got %q", result.WatcherAudit)
	}
}

const strategyPatchTemplate = `DECISION: APPLY
ACTION: create_new
CATEGORY: I
REFERENCE_IDS: I1, I2
coverage_gap: no coverage for this case
reuse_failure: existing entries too narrow
new_value: adds a missing capability
REASON: fills a real gap

### I. Infra Strategies

#### ` + "`foo`" + ` (%s)
- **applies to**: infra_failure
- **description**: retries with backoff.
`

func TestScenarioStrategyPatchAccepted(t *testing.T) {
	strategyFile := filepath.Join(t.TempDir(), "strategy.md")
	if err := os.WriteFile(strategyFile, []byte("## Strategy Library\n\n### I. Infra Strategies\n\n#### `existing_one` (I1)\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	patch := fmt.Sprintf(strategyPatchTemplate, "I3")
	model := &stageScriptModel{
		onPlain: func(call int) string {
			if call == 4 {
				return patch
			}
			return genericPlain(call)
		},
		onStage4: func(call int, messages []llm.Message) string {
			return "Final Answer: done."
		},
	}

	cfg := newScenarioConfig(t, model)
	cfg.StrategyLibraryFile = strategyFile
	cfg.StrategyAutoApply = true
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result, err := r.Run(context.Background(), RunInput{Objective: "Harden infra"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !strings.Contains(result.Stage2Upgrade, "AUTO_APPLY_STATUS: applied") {
		t.Fatalf("expected applied status, got %q", result.Stage2Upgrade)
	}

	updated, err := os.ReadFile(strategyFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(updated), "(I3)") {
		t.Fatalf("expected library file to contain the new entry, got: %s", updated)
	}
	if r.strategyLibrary.LastAppliedPath() == nil || *r.strategyLibrary.LastAppliedPath() != strategyFile {
		t.Fatalf("expected last applied path to equal the library file, got %v", r.strategyLibrary.LastAppliedPath())
	}
}

func TestScenarioStrategyPatchRejected(t *testing.T) {
	strategyFile := filepath.Join(t.TempDir(), "strategy.md")
	seed := "## Strategy Library\n\n### I. Infra Strategies\n\n#### `existing_one` (I1)\n\n#### `existing_two` (I2)\n"
	if err := os.WriteFile(strategyFile, []byte(seed), 0o644); err != nil {
		t.Fatal(err)
	}

	patch := fmt.Sprintf(strategyPatchTemplate, "I2")
	model := &stageScriptModel{
		onPlain: func(call int) string {
			if call == 4 {
				return patch
			}
			return genericPlain(call)
		},
		onStage4: func(call int, messages []llm.Message) string {
			return "Final Answer: done."
		},
	}

	cfg := newScenarioConfig(t, model)
	cfg.StrategyLibraryFile = strategyFile
	cfg.StrategyAutoApply = true
	r, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	result, err := r.Run(context.Background(), RunInput{Objective: "Harden infra"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !strings.Contains(result.Stage2Upgrade, "AUTO_APPLY_STATUS: skipped (strategy id I2 already exists)") {
		t.Fatalf("expected rejection reason for duplicate id, got %q", result.Stage2Upgrade)
	}

	updated, err := os.ReadFile(strategyFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(updated) != seed {
		t.Fatalf("expected library file unchanged, got: %s", updated)
	}
}
