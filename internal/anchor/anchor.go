// Package anchor implements the collaboration form's marker-delimited
// section store (spec section 4.1): atomic-per-call read/update/ensure
// against `<!-- NAME_START -->...<!-- NAME_END -->` pairs inside a markdown
// file, always read-whole / mutate / write-whole, never a partial append.
package anchor

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
)

// Placeholder is substituted for empty section content so readers can
// distinguish "known but empty" from "anchor missing entirely".
const Placeholder = "`待填写`"

// LivePlanMarker is the anchor name backing the LIVE_EXECUTION_PLAN section.
const LivePlanMarker = "LIVE_EXECUTION_PLAN"

const livePlanHeader = "## Live Execution Plan"

// Store serializes reads and writes against one collaboration-form file.
// One Store exists per run (spec section 5: "the collaboration form is
// mutated only through the Anchor Store from the runner's task").
type Store struct {
	mu   sync.Mutex
	path string
}

// New returns a Store bound to path. It does not require the file to exist
// yet — Read returns nil for a missing document the way spec.md requires;
// Update errors.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the bound document path.
func (s *Store) Path() string { return s.path }

func markerPair(name string) (start, end string) {
	return fmt.Sprintf("<!-- %s_START -->", name), fmt.Sprintf("<!-- %s_END -->", name)
}

func sectionPattern(name string) *regexp.Regexp {
	start, end := markerPair(name)
	return regexp.MustCompile(`(?s)` + regexp.QuoteMeta(start) + `\s*(.*?)\s*` + regexp.QuoteMeta(end))
}

func replacePattern(name string) *regexp.Regexp {
	start, end := markerPair(name)
	return regexp.MustCompile(`(?s)` + regexp.QuoteMeta(start) + `.*?` + regexp.QuoteMeta(end))
}

func normalizeNewlines(s string) string {
	return strings.ReplaceAll(s, "\r\n", "\n")
}

// Read returns the trimmed content between name's marker pair, or nil if
// either marker is missing or the document does not exist.
func (s *Store) Read(name string) (*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("anchor: read %s: %w", s.path, err)
	}

	text := normalizeNewlines(string(raw))
	match := sectionPattern(name).FindStringSubmatch(text)
	if match == nil {
		return nil, nil
	}
	content := strings.TrimSpace(match[1])
	return &content, nil
}

// ReadLivePlan is a convenience specialization of Read for LivePlanMarker.
func (s *Store) ReadLivePlan() (*string, error) {
	return s.Read(LivePlanMarker)
}

// Update replaces the first occurrence of name's marker pair with content,
// inserting a new block after header (if found) or at end-of-file when the
// pair does not already exist. Empty content is replaced by Placeholder
// before writing. The whole document is reserialized exactly once.
func (s *Store) Update(name, content, header string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("anchor: missing document %s: %w", s.path, err)
	}

	normalized := normalizeNewlines(string(raw))
	sanitized := sanitize(content)
	start, end := markerPair(name)
	block := start + "\n" + sanitized + "\n" + end

	pattern := replacePattern(name)
	var newText string
	if pattern.MatchString(normalized) {
		newText = replaceFirstOnly(normalized, pattern, block)
	} else {
		newText = insertBlock(normalized, header, block)
	}

	return os.WriteFile(s.path, []byte(newText), 0o644)
}

// replaceFirstOnly substitutes only the first match of pattern in text with
// replacement, leaving any further (spec-disallowed, but tolerated) matches
// untouched.
func replaceFirstOnly(text string, pattern *regexp.Regexp, replacement string) string {
	loc := pattern.FindStringIndex(text)
	if loc == nil {
		return text
	}
	return text[:loc[0]] + replacement + text[loc[1]:]
}

// insertBlock appends block immediately after header's line if header is
// found, otherwise at end-of-file, matching finish_form_utils.py's
// update_form_section insertion algorithm exactly.
func insertBlock(text, header, block string) string {
	if header != "" {
		if idx := strings.Index(text, header); idx != -1 {
			lineEnd := strings.IndexByte(text[idx:], '\n')
			insertPos := idx
			if lineEnd == -1 {
				insertPos = len(text)
			} else {
				insertPos = idx + lineEnd + 1
			}
			before := strings.TrimRight(text[:insertPos], "\n")
			after := strings.TrimLeft(text[insertPos:], "\n")
			return before + "\n\n" + block + "\n" + after
		}
	}
	return strings.TrimRight(text, "\n") + "\n\n" + block + "\n"
}

func sanitize(content string) string {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return Placeholder
	}
	return trimmed
}

// UpdateLivePlan is the fixed-header specialization for LIVE_EXECUTION_PLAN.
func (s *Store) UpdateLivePlan(content string) error {
	return s.Update(LivePlanMarker, content, livePlanHeader)
}

// Pair names an anchor and the placeholder to seed it with when absent.
type Pair struct {
	Name        string
	Placeholder string
}

// Ensure appends an empty block for every pair missing from the document.
// It is idempotent and is a no-op if the document does not exist yet (the
// Template Provisioner is responsible for creating it first).
func (s *Store) Ensure(pairs []Pair) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("anchor: ensure read %s: %w", s.path, err)
	}

	text := normalizeNewlines(string(raw))
	changed := false

	for _, p := range pairs {
		start, end := markerPair(p.Name)
		if strings.Contains(text, start) && strings.Contains(text, end) {
			continue
		}
		ph := p.Placeholder
		if ph == "" {
			ph = Placeholder
		}
		block := start + "\n" + ph + "\n" + end
		text = strings.TrimRight(text, "\n") + "\n\n" + block + "\n"
		changed = true
	}

	if !changed {
		return nil
	}
	return os.WriteFile(s.path, []byte(text), 0o644)
}
