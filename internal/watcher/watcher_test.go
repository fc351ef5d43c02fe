package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/relayforge/reasonflow/internal/anchor"
	"github.com/relayforge/reasonflow/internal/llm"
	"github.com/relayforge/reasonflow/internal/toolloop"
)

type fakeModel struct {
	reply string
}

func (f *fakeModel) Generate(ctx context.Context, messages []llm.Message, opts ...llm.Option) (llm.Response, error) {
	return llm.TextResponse{Content: f.reply}, nil
}

func (f *fakeModel) GenerateStream(ctx context.Context, messages []llm.Message, opts ...llm.Option) (<-chan llm.StreamChunk, error) {
	panic("not used")
}

func newDoc(t *testing.T, livePlan string) *anchor.Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "form.md")
	content := "# Form\n\n## Live Execution Plan\n\n<!-- LIVE_EXECUTION_PLAN_START -->\n" + livePlan + "\n<!-- LIVE_EXECUTION_PLAN_END -->\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return anchor.New(path)
}

func TestRevisePlanNoOpWhenPlanEmpty(t *testing.T) {
	doc := newDoc(t, "")
	w, err := New(doc, "", &fakeModel{reply: "```plan\nrevised\n```"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	revised, err := w.RevisePlan(context.Background(), toolloop.WatcherInput{ToolName: "calculate"})
	if err != nil {
		t.Fatalf("RevisePlan: %v", err)
	}
	if revised {
		t.Fatal("expected no revision when the live plan is empty")
	}
}

func TestRevisePlanNoChangeIsRespected(t *testing.T) {
	doc := newDoc(t, "Objective: x\n\n## Steps\n\n1. do a thing")
	w, err := New(doc, "", &fakeModel{reply: "```plan\nNO_CHANGE\n```"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	revised, err := w.RevisePlan(context.Background(), toolloop.WatcherInput{ToolName: "calculate", ToolOutput: "4"})
	if err != nil {
		t.Fatalf("RevisePlan: %v", err)
	}
	if revised {
		t.Fatal("expected no revision for NO_CHANGE response")
	}
}

func TestRevisePlanAppliesGenuineRevision(t *testing.T) {
	doc := newDoc(t, "Objective: x\n\n## Steps\n\n1. do a thing")
	w, err := New(doc, "", &fakeModel{reply: "```plan\nObjective: x\n\n## Steps\n\n1. [done] do a thing\n2. next step\n```"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	revised, err := w.RevisePlan(context.Background(), toolloop.WatcherInput{ToolName: "calculate", ToolOutput: "4"})
	if err != nil {
		t.Fatalf("RevisePlan: %v", err)
	}
	if !revised {
		t.Fatal("expected plan to be revised")
	}

	newPlan, err := doc.ReadLivePlan()
	if err != nil {
		t.Fatal(err)
	}
	if newPlan == nil || !strings.Contains(*newPlan, "next step") {
		t.Fatalf("live plan not updated: %v", newPlan)
	}

	audit, err := doc.Read("WATCHER_AUDIT")
	if err != nil {
		t.Fatal(err)
	}
	if audit == nil || !strings.Contains(*audit, "Last revision for tool: calculate") {
		t.Fatalf("expected audit log written, got: %v", audit)
	}
}

func TestRevisePlanSkipsWhenRevisionIdenticalToCurrent(t *testing.T) {
	plan := "Objective: x\n\n## Steps\n\n1. do a thing"
	doc := newDoc(t, plan)
	w, err := New(doc, "", &fakeModel{reply: "```plan\n" + plan + "\n```"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	revised, err := w.RevisePlan(context.Background(), toolloop.WatcherInput{ToolName: "calculate"})
	if err != nil {
		t.Fatalf("RevisePlan: %v", err)
	}
	if revised {
		t.Fatal("expected no revision when response matches the current plan")
	}
}
