package toolloop

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/relayforge/reasonflow/internal/anchor"
	"github.com/relayforge/reasonflow/internal/llm"
	"github.com/relayforge/reasonflow/internal/tool"
)

func TestParseToolCallsSimple(t *testing.T) {
	text := "preamble\n[TOOL_CALL]\ntool: calculate\nexpression: \"2 + 2\"\n[/TOOL_CALL]\ntrailer"
	calls := ParseToolCalls(text)
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	if calls[0].Tool != "calculate" {
		t.Fatalf("tool = %q", calls[0].Tool)
	}
	if calls[0].Args["expression"] != "2 + 2" {
		t.Fatalf("args = %+v", calls[0].Args)
	}
}

func TestParseToolCallsCodeBlockStopsAtTopLevelKey(t *testing.T) {
	text := "[TOOL_CALL]\ntool: code_interpreter\ncode:\n    x = 1\n    y = 2\n    result = x + y\nmax_results: 3\n[/TOOL_CALL]"
	calls := ParseToolCalls(text)
	if len(calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(calls))
	}
	code, _ := calls[0].Args["code"].(string)
	if !strings.Contains(code, "result = x + y") {
		t.Fatalf("code missing expected line: %q", code)
	}
	if strings.Contains(code, "max_results") {
		t.Fatalf("code should not have absorbed the trailing top-level key: %q", code)
	}
	if calls[0].Args["max_results"] != float64(3) {
		t.Fatalf("max_results = %+v, want 3", calls[0].Args["max_results"])
	}
}

func TestParseToolCallsSkipsUnterminatedBlock(t *testing.T) {
	calls := ParseToolCalls("[TOOL_CALL]\ntool: calculate\nexpression: 1\n")
	if len(calls) != 0 {
		t.Fatalf("expected no calls for unterminated block, got %d", len(calls))
	}
}

func TestFormatToolResult(t *testing.T) {
	got := FormatToolResult(ToolCall{Tool: "calculate"}, tool.Result{Success: true, Output: "4"})
	want := "[TOOL_RESULT]\ntool: calculate\noutput: 4"
	if got != want {
		t.Fatalf("FormatToolResult() = %q, want %q", got, want)
	}
}

func newDoc(t *testing.T) *anchor.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "form.md")
	if err := os.WriteFile(path, []byte("# Form\n\n### 1. Execution Log\n\n<!-- STAGE4_TOOL_CALLS_START -->\n`待填写`\n<!-- STAGE4_TOOL_CALLS_END -->\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	return anchor.New(path)
}

func TestAppendToolLogReplacesPlaceholder(t *testing.T) {
	doc := newDoc(t)
	if err := AppendToolLog(doc, 1, "calculate", map[string]any{"expression": "2+2"}, "4", ""); err != nil {
		t.Fatalf("AppendToolLog: %v", err)
	}
	content, err := doc.Read("STAGE4_TOOL_CALLS")
	if err != nil {
		t.Fatal(err)
	}
	if content == nil || !strings.Contains(*content, "Iteration 1 | Tool: calculate") {
		t.Fatalf("log content = %v", content)
	}
}

func TestAppendToolLogAccumulates(t *testing.T) {
	doc := newDoc(t)
	if err := AppendToolLog(doc, 1, "calculate", map[string]any{}, "4", ""); err != nil {
		t.Fatal(err)
	}
	if err := AppendToolLog(doc, 2, "web_search", map[string]any{}, "results", ""); err != nil {
		t.Fatal(err)
	}
	content, err := doc.Read("STAGE4_TOOL_CALLS")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(*content, "Iteration 1") || !strings.Contains(*content, "Iteration 2") {
		t.Fatalf("log content missing an iteration: %v", content)
	}
}

func intPtr(n int) *int { return &n }

type fakeModel struct {
	replies []string
	calls   int
}

func (f *fakeModel) Generate(ctx context.Context, messages []llm.Message, opts ...llm.Option) (llm.Response, error) {
	reply := f.replies[f.calls]
	if f.calls < len(f.replies)-1 {
		f.calls++
	}
	return llm.TextResponse{Content: reply}, nil
}

func (f *fakeModel) GenerateStream(ctx context.Context, messages []llm.Message, opts ...llm.Option) (<-chan llm.StreamChunk, error) {
	panic("not used")
}

type fakeBridge struct{ lastArgs map[string]any }

func (b *fakeBridge) Call(ctx tool.Context, name string, args map[string]any) tool.Result {
	b.lastArgs = args
	return tool.Ok("4")
}

func TestRunEndsWhenNoToolCalls(t *testing.T) {
	doc := newDoc(t)
	m := &fakeModel{replies: []string{"Final Answer: all done, no tools needed."}}
	e := New(Config{MaxIterations: intPtr(10)}, m)

	out, err := e.Run(context.Background(), RunInput{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "seed"}},
		Doc:      doc,
		Bridge:   &fakeBridge{},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out, "all done") {
		t.Fatalf("Run() = %q", out)
	}
}

func TestRunExecutesToolCallThenFinishes(t *testing.T) {
	doc := newDoc(t)
	m := &fakeModel{replies: []string{
		"[TOOL_CALL]\ntool: calculate\nexpression: \"2+2\"\n[/TOOL_CALL]",
		"Final Answer: the result is 4.",
	}}
	bridge := &fakeBridge{}
	e := New(Config{MaxIterations: intPtr(10)}, m)

	out, err := e.Run(context.Background(), RunInput{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "seed"}},
		Doc:      doc,
		Bridge:   bridge,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out, "the result is 4") {
		t.Fatalf("Run() = %q", out)
	}
	if bridge.lastArgs["expression"] != "2+2" {
		t.Fatalf("bridge.lastArgs = %+v", bridge.lastArgs)
	}

	logged, err := doc.Read("STAGE4_TOOL_CALLS")
	if err != nil {
		t.Fatal(err)
	}
	if logged == nil || !strings.Contains(*logged, "Tool: calculate") {
		t.Fatalf("expected tool call logged, got: %v", logged)
	}
}

func TestRunForcesFinalizationAtIterationCeiling(t *testing.T) {
	doc := newDoc(t)
	toolReply := "[TOOL_CALL]\ntool: calculate\nexpression: \"1+1\"\n[/TOOL_CALL]"
	m := &fakeModel{replies: []string{toolReply, toolReply, "Final Answer: forced."}}
	e := New(Config{MaxIterations: intPtr(2)}, m)

	out, err := e.Run(context.Background(), RunInput{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "seed"}},
		Doc:      doc,
		Bridge:   &fakeBridge{},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(out, "forced") {
		t.Fatalf("Run() = %q, want forced finalization text", out)
	}
}

func TestRunHonorsExplicitZeroMaxIterations(t *testing.T) {
	doc := newDoc(t)
	m := &fakeModel{replies: []string{"Final Answer: forced immediately.", "unused"}}
	e := New(Config{MaxIterations: intPtr(0)}, m)

	out, err := e.Run(context.Background(), RunInput{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "seed"}},
		Doc:      doc,
		Bridge:   &fakeBridge{},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if m.calls != 1 {
		t.Fatalf("model.Generate called %d times, want exactly the one forced-finalization call with MaxIterations=0", m.calls)
	}
	if !strings.Contains(out, "forced immediately") {
		t.Fatalf("Run() = %q, want the forced-finalization reply when the loop never iterates", out)
	}
}

func TestConfigWithDefaultsLeavesExplicitZeroUnchanged(t *testing.T) {
	zero := 0
	cfg := Config{MaxIterations: &zero}.withDefaults()
	if cfg.maxIterations() != 0 {
		t.Fatalf("maxIterations() = %d, want 0", cfg.maxIterations())
	}
}

func TestConfigWithDefaultsFillsUnset(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.maxIterations() != 10 {
		t.Fatalf("maxIterations() = %d, want default 10", cfg.maxIterations())
	}
}

func TestInitLivePlanSeedsObjectiveAndSteps(t *testing.T) {
	doc := newDoc(t)
	if err := InitLivePlan(doc, "ship the feature", "1. do x\n2. do y"); err != nil {
		t.Fatalf("InitLivePlan: %v", err)
	}
	plan, err := doc.ReadLivePlan()
	if err != nil {
		t.Fatal(err)
	}
	if plan == nil || !strings.Contains(*plan, "Objective: ship the feature") || !strings.Contains(*plan, "## Steps") {
		t.Fatalf("live plan = %v", plan)
	}
}
