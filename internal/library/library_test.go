package library

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const patchBody = `### H. Ethics & Safety

#### ` + "`compliance_audit`" + ` (H3)
- **applies to**: regulation_update
- **description**: checks new policy against old.
`

func strategyText(body string) string {
	return strings.Join([]string{
		"DECISION: APPLY",
		"ACTION: create_new",
		"CATEGORY: H",
		"REFERENCE_IDS: H1, H2",
		"coverage_gap: no compliance coverage",
		"reuse_failure: existing entries too narrow",
		"new_value: adds regulatory checks",
		"REASON: fills a real gap",
		"",
		body,
	}, "\n")
}

func TestParseDecisionExtractsHeadersAndBody(t *testing.T) {
	d := ParseDecision(strategyText(patchBody))
	if d.Decision != "APPLY" || d.Action != "create_new" || d.Category != "H" {
		t.Fatalf("parsed decision = %+v", d)
	}
	if len(d.ReferenceIDs) != 2 || d.ReferenceIDs[0] != "H1" {
		t.Fatalf("reference ids = %v", d.ReferenceIDs)
	}
	if d.Justification["coverage_gap"] != "no compliance coverage" {
		t.Fatalf("justification = %v", d.Justification)
	}
	if !strings.Contains(d.Body, "compliance_audit") {
		t.Fatalf("body missing patch content: %q", d.Body)
	}
	if strings.Contains(d.Body, "DECISION:") {
		t.Fatalf("body should not contain header lines: %q", d.Body)
	}
}

func newLibraryFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "strategy.md")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEvaluateAcceptsNewStrategy(t *testing.T) {
	libFile := newLibraryFile(t, "## Strategy Library\n\n### H. Ethics & Safety\n\n#### `ethical_judgment` (H1)\n")

	e := New(Config{Variant: Strategy, LibraryFile: libFile})
	out, err := e.Evaluate(strategyText(patchBody))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !strings.Contains(out, "AUTO_APPLY_STATUS: applied") {
		t.Fatalf("expected applied status, got: %q", out)
	}

	updated, err := os.ReadFile(libFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(updated), "compliance_audit") {
		t.Fatalf("library file not updated: %q", updated)
	}
	if e.LastPatchMarkdown() == nil || e.LastAppliedPath() == nil {
		t.Fatal("expected last patch/applied path to be set")
	}
}

func TestEvaluateRejectsDuplicateID(t *testing.T) {
	libFile := newLibraryFile(t, "#### `compliance_audit` (H3)\n")

	e := New(Config{Variant: Strategy, LibraryFile: libFile})
	out, err := e.Evaluate(strategyText(patchBody))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !strings.Contains(out, "AUTO_APPLY_STATUS: skipped") {
		t.Fatalf("expected skipped status, got: %q", out)
	}
	if !strings.Contains(out, "already exists") {
		t.Fatalf("expected duplicate-id reason, got: %q", out)
	}
	if e.LastPatchMarkdown() != nil {
		t.Fatal("expected last patch markdown to be nil after rejection")
	}
}

func TestEvaluateRejectsMissingJustification(t *testing.T) {
	libFile := newLibraryFile(t, "")
	text := strings.Join([]string{
		"DECISION: APPLY",
		"ACTION: create_new",
		"CATEGORY: H",
		"REFERENCE_IDS: H1, H2",
		"coverage_gap: present",
		"REASON: fills a gap",
		"",
		patchBody,
	}, "\n")

	e := New(Config{Variant: Strategy, LibraryFile: libFile})
	out, err := e.Evaluate(text)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !strings.Contains(out, "missing justification for reuse_failure") {
		t.Fatalf("expected missing-justification reason, got: %q", out)
	}
}

func TestEvaluateRejectsInsufficientReferenceIDs(t *testing.T) {
	libFile := newLibraryFile(t, "")
	text := strings.Join([]string{
		"DECISION: APPLY",
		"ACTION: create_new",
		"CATEGORY: H",
		"REFERENCE_IDS: H1",
		"coverage_gap: present",
		"reuse_failure: present",
		"new_value: present",
		"REASON: fills a gap",
		"",
		patchBody,
	}, "\n")

	e := New(Config{Variant: Strategy, LibraryFile: libFile, MinReferenceIDs: 2})
	out, err := e.Evaluate(text)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !strings.Contains(out, "insufficient reference_ids") {
		t.Fatalf("expected insufficient-reference-ids reason, got: %q", out)
	}
}

func TestEvaluateEnforcesPerCategoryQuota(t *testing.T) {
	libFile := newLibraryFile(t, "")
	e := New(Config{Variant: Strategy, LibraryFile: libFile, MaxNewPerCategory: 1})

	first := strategyText(patchBody)
	out1, err := e.Evaluate(first)
	if err != nil {
		t.Fatalf("Evaluate (first): %v", err)
	}
	if !strings.Contains(out1, "applied") {
		t.Fatalf("expected first patch applied, got: %q", out1)
	}

	secondBody := "### H. Ethics & Safety\n\n#### `new_entry` (H9)\n- detail\n"
	out2, err := e.Evaluate(strategyText(secondBody))
	if err != nil {
		t.Fatalf("Evaluate (second): %v", err)
	}
	if !strings.Contains(out2, "reached new strategy quota") {
		t.Fatalf("expected quota rejection on second patch, got: %q", out2)
	}
}

func TestEvaluateCapabilityVariantWithoutActionHeader(t *testing.T) {
	libFile := newLibraryFile(t, "#### `ethical_judgment` (H1)\n")
	text := strings.Join([]string{
		"DECISION: APPLY",
		"CATEGORY: H",
		"REFERENCE_IDS: H1, H2",
		"coverage_gap: present",
		"reuse_failure: present",
		"new_value: present",
		"REASON: fills a gap",
		"",
		patchBody,
	}, "\n")

	e := New(Config{Variant: Capability, LibraryFile: libFile})
	out, err := e.Evaluate(text)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !strings.Contains(out, "AUTO_APPLY_STATUS: applied") {
		t.Fatalf("expected applied status for capability variant, got: %q", out)
	}
}

func TestEvaluateSkipsApplyWhenDisabled(t *testing.T) {
	libFile := newLibraryFile(t, "## Strategy Library\n\n### H. Ethics & Safety\n\n#### `ethical_judgment` (H1)\n")

	e := New(Config{Variant: Strategy, LibraryFile: libFile, SkipApply: true})
	out, err := e.Evaluate(strategyText(patchBody))
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !strings.Contains(out, "AUTO_APPLY_STATUS: skipped (auto-apply disabled)") {
		t.Fatalf("expected disabled-auto-apply status, got: %q", out)
	}
	updated, err := os.ReadFile(libFile)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(updated), "compliance_audit") {
		t.Fatalf("library file should be unchanged when auto-apply is disabled: %q", updated)
	}
}

func TestEvaluateRejectsNonApplyDecision(t *testing.T) {
	e := New(Config{Variant: Strategy, LibraryFile: newLibraryFile(t, "")})
	out, err := e.Evaluate("DECISION: REJECT\nREASON: not novel enough\n")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !strings.Contains(out, "AUTO_APPLY_STATUS: skipped (decision=REJECT)") {
		t.Fatalf("expected skipped-with-reason status, got: %q", out)
	}
}
