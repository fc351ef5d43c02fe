// Package memory implements the Memory Bridge (spec section 4.2): a pure
// composer that turns an ordered list of context sections, plus whatever
// prior-stage anchor content a stage-specific descriptor list selects, into
// the single markdown context string handed to a stage agent.
package memory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/relayforge/reasonflow/internal/anchor"
)

// Section is an in-memory context fragment: spec.md's ContextSection.
type Section struct {
	Header  string
	Content string
	Source  string
}

// Bridge accumulates Sections in the order they are added and renders them
// as a single markdown string. It holds no document state of its own.
type Bridge struct {
	sections []Section
}

// New returns an empty Bridge.
func New() *Bridge { return &Bridge{} }

// Clear removes all accumulated sections, letting one Bridge be reused
// across stages within a run if a caller wants to.
func (b *Bridge) Clear() { b.sections = nil }

// AddSection appends header/content/source as a Section, skipping it
// entirely if content is empty after trimming — spec.md's rule that
// "Context Snapshot... Task Attachments — each only if non-empty after
// trimming" generalizes to every section, matching the original's
// add_section guard.
func (b *Bridge) AddSection(header, content, source string) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return
	}
	b.sections = append(b.sections, Section{
		Header:  strings.TrimSpace(header),
		Content: trimmed,
		Source:  strings.TrimSpace(source),
	})
}

// AddObjective adds the required "Objective" section.
func (b *Bridge) AddObjective(objective string) {
	b.AddSection("Objective", objective, "user_input")
}

// AddContextSnapshot adds the optional "Context Snapshot" section.
func (b *Bridge) AddContextSnapshot(snapshot string) {
	b.AddSection("Context Snapshot", snapshot, "environment")
}

// AddUserContext adds the optional user-supplied additional-context section.
func (b *Bridge) AddUserContext(content string) {
	b.AddSection("用户附加上下文", content, "user_input")
}

// AddToolCatalog renders a tool-name list as the "Available Tools" section,
// one "- " line per non-blank entry.
func (b *Bridge) AddToolCatalog(tools []string) {
	var lines []string
	for _, t := range tools {
		if strings.TrimSpace(t) == "" {
			continue
		}
		lines = append(lines, "- "+t)
	}
	b.AddSection("Available Tools", strings.Join(lines, "\n"), "system")
}

// AddAttachments renders a name->value map as the "Task Attachments"
// section, one line per entry in ascending key order.
func (b *Bridge) AddAttachments(attachments map[string]string) {
	keys := make([]string, 0, len(attachments))
	for k := range attachments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var lines []string
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("- %s: %s", k, attachments[k]))
	}
	b.AddSection("Task Attachments", strings.Join(lines, "\n"), "user_input")
}

// Build renders accumulated sections as:
//
//	## {header} (from {source})
//
//	{content}
//
// separated by blank lines, matching spec.md section 4.2 exactly.
func (b *Bridge) Build() string {
	if len(b.sections) == 0 {
		return ""
	}
	var parts []string
	for _, s := range b.sections {
		headerLine := "## " + s.Header
		if s.Source != "" {
			headerLine += fmt.Sprintf(" (from %s)", s.Source)
		}
		parts = append(parts, headerLine, "", s.Content, "")
	}
	return strings.TrimSpace(strings.Join(parts, "\n"))
}

// Descriptor is an (anchor name, rendered header, source) triple used to
// pull prior-stage anchor content into a later stage's context.
type Descriptor struct {
	Anchor string
	Header string
	Source string
}

var (
	externalDescriptors = []Descriptor{
		{"EXTERNAL_INFO", "External Information", "external_input"},
		{"EXTERNAL_OBJECTIVE", "Task Objective", "external_input"},
		{"EXTERNAL_CONTEXT", "External Context", "external_input"},
		{"EXTERNAL_TOOL_CATALOG", "Available Tools", "external_input"},
	}
	stage1Descriptors = []Descriptor{
		{"STAGE1_ANALYSIS", "Stage 1 Analysis", "stage1_agent"},
		{"STAGE1_FAILURE_MODES", "Common Failure Modes", "stage1_agent"},
	}
	stage2aDescriptors = []Descriptor{
		{"STAGE2A_ANALYSIS", "Stage 2-A Analysis", "stage2a_agent"},
	}
	stage2bDescriptors = []Descriptor{
		{"STAGE2B_ANALYSIS", "Stage 2-B Analysis", "stage2b_agent"},
		{"STAGE2B_STRATEGY_SNAPSHOT", "Final Strategy Snapshot", "stage2b_agent"},
	}
	stage2cDescriptors = []Descriptor{
		{"STAGE2C_ANALYSIS", "Stage 2-C Capability Upgrade Evaluation", "stage2c_agent"},
	}
	stage3Descriptors = []Descriptor{
		{"STAGE3_PLAN", "Stage 3 Plan", "stage3_agent"},
		{"STAGE3_EXECUTION_PLAN", "Execution Plan Overview", "stage3_agent"},
	}
	stage4Descriptors = []Descriptor{
		{"LIVE_EXECUTION_PLAN", "Live Execution Plan", "system"},
		{"STAGE4_TOOL_CALLS", "Execution Log", "stage4_agent"},
		{"STAGE4_FINAL_ANSWER", "Final Answer to User", "stage4_agent"},
		{"STAGE4_FEEDBACK", "Feedback to Upstream", "stage4_agent"},
	}
	watcherDescriptors = []Descriptor{
		{"WATCHER_AUDIT", "Watcher Audit Report", "watcher_agent"},
		{"WATCHER_REALTIME", "Watcher Realtime Guidance", "watcher_agent"},
	}
	watcherAuditDescriptors = []Descriptor{
		{"STAGE1_FAILURE_MODES", "Common Failure Modes", "stage1_agent"},
		{"STAGE2B_STRATEGY_SNAPSHOT", "Final Strategy Snapshot", "stage2b_agent"},
		{"STAGE3_EXECUTION_PLAN", "Execution Plan Overview", "stage3_agent"},
	}
)

func concat(lists ...[]Descriptor) []Descriptor {
	var out []Descriptor
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}

// Stage1Descriptors returns the cumulative descriptor list visible to
// Stage 1: external inputs plus stage 1's own anchors.
func Stage1Descriptors() []Descriptor { return concat(externalDescriptors, stage1Descriptors) }

// Stage2ADescriptors adds stage 2-A's own anchors on top of Stage1Descriptors.
func Stage2ADescriptors() []Descriptor { return concat(Stage1Descriptors(), stage2aDescriptors) }

// Stage2BDescriptors adds stage 2-B's own anchors.
func Stage2BDescriptors() []Descriptor { return concat(Stage2ADescriptors(), stage2bDescriptors) }

// Stage2CDescriptors adds the capability-upgrade evaluation anchor, seen by
// the library-upgrade stage and anything downstream of it.
func Stage2CDescriptors() []Descriptor { return concat(Stage2BDescriptors(), stage2cDescriptors) }

// Stage3Descriptors adds stage 3's own anchors.
func Stage3Descriptors() []Descriptor { return concat(Stage2CDescriptors(), stage3Descriptors) }

// Stage4Descriptors is the full cumulative list: everything prior plus
// stage 4's own anchors and both watcher anchors.
func Stage4Descriptors() []Descriptor {
	return concat(Stage3Descriptors(), stage4Descriptors, watcherDescriptors)
}

// WatcherAuditDescriptors is the narrow three-anchor list the Watcher's
// audit context is restricted to (spec.md section 4.2).
func WatcherAuditDescriptors() []Descriptor {
	out := make([]Descriptor, len(watcherAuditDescriptors))
	copy(out, watcherAuditDescriptors)
	return out
}

// ApplyDescriptors scans doc for each descriptor's anchor and, if it
// resolves to non-empty content other than anchor.Placeholder (the marker
// for a known-empty section), appends it to the bridge using the
// descriptor's header/source — in descriptor order, per spec.md's
// invariant: "the built context contains sections only for anchors in D
// present in S with non-empty content, in the order of D."
func ApplyDescriptors(b *Bridge, doc *anchor.Store, descriptors []Descriptor) error {
	for _, d := range descriptors {
		content, err := doc.Read(d.Anchor)
		if err != nil {
			return fmt.Errorf("memory: read anchor %s: %w", d.Anchor, err)
		}
		if content == nil || strings.TrimSpace(*content) == "" || strings.TrimSpace(*content) == anchor.Placeholder {
			continue
		}
		b.AddSection(d.Header, *content, d.Source)
	}
	return nil
}

// BuildStageContext is the common shape of create_stage{1,2a,2b,3,4}_context:
// seed Objective (+ optional snapshot/user-context/attachments), then apply
// a descriptor list, then render.
type StageInput struct {
	Objective       string
	ContextSnapshot string
	UserContext     string
	Attachments     map[string]string
}

// BuildStageContext composes a stage's context string against doc using
// descriptors, following the protocol in spec.md section 4.2 steps 1-3.
func BuildStageContext(doc *anchor.Store, in StageInput, descriptors []Descriptor) (string, error) {
	b := New()
	b.AddObjective(in.Objective)
	if in.ContextSnapshot != "" {
		b.AddContextSnapshot(in.ContextSnapshot)
	}
	if in.UserContext != "" {
		b.AddUserContext(in.UserContext)
	}
	if len(in.Attachments) > 0 {
		b.AddAttachments(in.Attachments)
	}
	if err := ApplyDescriptors(b, doc, descriptors); err != nil {
		return "", err
	}
	return b.Build(), nil
}

// BuildWatcherAuditContext composes the Watcher's narrow audit context:
// Objective plus only the three anchors in WatcherAuditDescriptors.
func BuildWatcherAuditContext(doc *anchor.Store, objective string) (string, error) {
	b := New()
	b.AddObjective(objective)
	if err := ApplyDescriptors(b, doc, WatcherAuditDescriptors()); err != nil {
		return "", err
	}
	return b.Build(), nil
}
