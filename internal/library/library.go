// Package library implements the Library Patch Engine (spec section 4.7):
// parsing the decision-header prefix an upgrade agent emits, applying the
// acceptance policy, and appending an accepted patch to the capability or
// strategy library file.
package library

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relayforge/reasonflow/internal/engerr"
)

// Variant selects which acceptance-policy shape applies: the strategy
// variant requires ACTION, the capability variant drops it.
type Variant string

const (
	Strategy   Variant = "strategy"
	Capability Variant = "capability"
)

// Config configures one Engine. MinReferenceIDs and MaxNewPerCategory
// default to 2 and 1 respectively, matching the teacher's defaults.
type Config struct {
	Variant           Variant
	LibraryFile       string
	MinReferenceIDs   int
	MaxNewPerCategory int
	BackupBeforeWrite bool

	// SkipApply disables writing even a policy-accepted patch, matching the
	// original agents' auto_apply_patch=False default for the capability
	// variant. An APPLY decision with a patch body then reports
	// "skipped (auto-apply disabled)" without the acceptance policy being
	// run; a non-APPLY decision or an empty body still reports its own reason.
	SkipApply bool
}

func (c Config) withDefaults() Config {
	if c.MinReferenceIDs <= 0 {
		c.MinReferenceIDs = 2
	}
	if c.MaxNewPerCategory <= 0 {
		c.MaxNewPerCategory = 1
	}
	return c
}

// Decision is the parsed structured-header prefix of an upgrade agent's
// raw text output.
type Decision struct {
	Decision      string
	Action        string
	Category      string
	TargetID      string
	ReferenceIDs  []string
	Justification map[string]string
	Reason        string
	Body          string
}

var (
	decisionPattern   = regexp.MustCompile(`(?mi)^DECISION:\s*(?P<value>\w+)`)
	actionPattern     = regexp.MustCompile(`(?mi)^ACTION:\s*(?P<value>[a-z_]+)`)
	categoryPattern   = regexp.MustCompile(`(?mi)^CATEGORY:\s*(?P<value>[A-Z])`)
	targetPattern     = regexp.MustCompile(`(?mi)^TARGET_ID:\s*(?P<value>[A-Z0-9\-]+)`)
	referencePattern  = regexp.MustCompile(`(?mi)^REFERENCE_IDS?:\s*(?P<value>[A-Z0-9,\-\s]+)`)
	justificationLine = regexp.MustCompile(`(?mi)^(?P<key>coverage_gap|reuse_failure|new_value)\s*:\s*(?P<value>.+)$`)
	reasonPattern     = regexp.MustCompile(`(?mi)^REASON:\s*(?P<value>.+)$`)
	strategyIDPattern = regexp.MustCompile(`(?m)^####\s+.*\((?P<id>[A-Z][A-Z0-9\-]+)\)\s*$`)
	categoryHeaderPat = regexp.MustCompile(`(?m)^###\s+(?P<letter>[A-Z])\.`)

	headerLinePattern = regexp.MustCompile(`(?i)^(DECISION|ACTION|CATEGORY|TARGET_ID|REFERENCE_IDS?|coverage_gap|reuse_failure|new_value|REASON)\s*:`)
)

func firstSubmatch(re *regexp.Regexp, text string) (string, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.TrimSpace(m[len(m)-1]), true
}

// ParseDecision parses text's structured-header prefix, stopping the
// header block at the first line that is neither blank nor a recognized
// header key; everything after that is Body.
func ParseDecision(text string) Decision {
	d := Decision{Justification: map[string]string{}}
	if text == "" {
		return d
	}

	if v, ok := firstSubmatch(decisionPattern, text); ok {
		d.Decision = strings.ToUpper(v)
	}
	if v, ok := firstSubmatch(actionPattern, text); ok {
		d.Action = strings.ToLower(v)
	}
	if v, ok := firstSubmatch(categoryPattern, text); ok {
		d.Category = strings.ToUpper(v)
	}
	if v, ok := firstSubmatch(targetPattern, text); ok {
		d.TargetID = strings.ToUpper(v)
	}
	if v, ok := firstSubmatch(referencePattern, text); ok {
		for _, item := range strings.Split(v, ",") {
			item = strings.ToUpper(strings.TrimSpace(item))
			if item != "" {
				d.ReferenceIDs = append(d.ReferenceIDs, item)
			}
		}
	}
	for _, m := range justificationLine.FindAllStringSubmatch(text, -1) {
		key := strings.ToLower(strings.TrimSpace(m[1]))
		d.Justification[key] = strings.TrimSpace(m[2])
	}
	if v, ok := firstSubmatch(reasonPattern, text); ok {
		d.Reason = v
	}
	d.Body = strings.TrimSpace(extractBody(text))
	return d
}

// extractBody consumes the leading run of blank lines and recognized
// header lines, returning everything after as the markdown body.
func extractBody(text string) string {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	i := 0
	for ; i < len(lines); i++ {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" || headerLinePattern.MatchString(trimmed) {
			continue
		}
		break
	}
	return strings.Join(lines[i:], "\n")
}

func (d Decision) primaryID() (string, bool) {
	m := strategyIDPattern.FindStringSubmatch(d.Body)
	if m == nil {
		return "", false
	}
	return strings.ToUpper(m[1]), true
}

func (d Decision) categoryLetter() (string, bool) {
	m := categoryHeaderPat.FindStringSubmatch(d.Body)
	if m == nil {
		return "", false
	}
	return strings.ToUpper(m[1]), true
}

// Engine holds the session-local new-per-category quota counter and the
// last accepted patch, scoped to one run — never a process-wide singleton.
type Engine struct {
	cfg               Config
	mu                sync.Mutex
	sessionNewCounts  map[string]int
	lastPatchMarkdown *string
	lastAppliedPath   *string
}

// New builds an Engine bound to cfg.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg.withDefaults(), sessionNewCounts: map[string]int{}}
}

// LastPatchMarkdown returns the most recently accepted patch body, or nil.
func (e *Engine) LastPatchMarkdown() *string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPatchMarkdown
}

// LastAppliedPath returns the library file path the last accepted patch was
// written to, or nil if the last evaluation was rejected.
func (e *Engine) LastAppliedPath() *string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastAppliedPath
}

// Evaluate parses rawText's decision header, applies the acceptance
// policy, appends the patch body to the library file when accepted, and
// returns rawText with an `AUTO_APPLY_STATUS: ...` line appended if one
// isn't already present.
func (e *Engine) Evaluate(rawText string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	decision := ParseDecision(rawText)
	applied := false
	reason := ""

	switch {
	case decision.Decision != "APPLY":
		if decision.Decision == "" {
			reason = "missing decision header"
		} else {
			reason = "decision=" + decision.Decision
		}
	case decision.Body == "":
		reason = "no patch content detected"
	default:
		ok, why := e.shouldApply(decision)
		reason = why
		if ok {
			if err := e.applyPatch(decision); err != nil {
				return "", err
			}
			applied = true
		}
	}

	if !applied {
		e.lastPatchMarkdown = nil
		e.lastAppliedPath = nil
	}

	status := "AUTO_APPLY_STATUS: " + statusWord(applied)
	if !applied && reason != "" {
		status += " (" + reason + ")"
	}
	if strings.Contains(rawText, "AUTO_APPLY_STATUS:") {
		return rawText, nil
	}
	return strings.TrimRight(rawText, "\n") + "\n\n" + status, nil
}

func statusWord(applied bool) string {
	if applied {
		return "applied"
	}
	return "skipped"
}

// shouldApply implements spec section 4.7's six-point acceptance policy.
// The capability variant drops the ACTION requirement; lacking an explicit
// action, a patch naming TARGET_ID is treated as an enhancement and
// anything else as a new entry.
func (e *Engine) shouldApply(d Decision) (bool, string) {
	if e.cfg.SkipApply {
		return false, "auto-apply disabled"
	}

	action := d.Action
	if e.cfg.Variant == Strategy {
		if action != "create_new" && action != "enhance_existing" {
			return false, fmt.Sprintf("unsupported action: %s", orMissing(action))
		}
	} else if action == "" {
		if d.TargetID != "" {
			action = "enhance_existing"
		} else {
			action = "create_new"
		}
	}

	for _, key := range []string{"coverage_gap", "reuse_failure", "new_value"} {
		if strings.TrimSpace(d.Justification[key]) == "" {
			return false, "missing justification for " + key
		}
	}

	if len(d.ReferenceIDs) < e.cfg.MinReferenceIDs {
		return false, "insufficient reference_ids to prove novelty"
	}

	existingIDs, err := e.readExistingIDs()
	if err != nil {
		return false, err.Error()
	}

	if action == "create_new" {
		newID, ok := d.primaryID()
		if !ok {
			return false, "unable to locate new id in patch"
		}
		if existingIDs[newID] {
			return false, fmt.Sprintf("strategy id %s already exists", newID)
		}
		letter := string(newID[0])
		if e.sessionNewCounts[letter] >= e.cfg.MaxNewPerCategory {
			return false, fmt.Sprintf("category %s reached new strategy quota", letter)
		}
		e.sessionNewCounts[letter]++
		return true, fmt.Sprintf("accepted new entry %s", newID)
	}

	if d.TargetID == "" {
		return false, "missing target_id for enhancement action"
	}
	if !existingIDs[d.TargetID] {
		return false, fmt.Sprintf("target %s not found", d.TargetID)
	}
	return true, fmt.Sprintf("enhanced existing entry %s", d.TargetID)
}

func orMissing(s string) string {
	if s == "" {
		return "missing"
	}
	return s
}

var idPattern = regexp.MustCompile(`\(([A-Z][A-Z0-9\-]+)\)`)

func (e *Engine) readExistingIDs() (map[string]bool, error) {
	raw, err := os.ReadFile(e.cfg.LibraryFile)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]bool{}, nil
		}
		return nil, engerr.Wrap(engerr.KindDocument, "library.readExistingIDs", err)
	}
	ids := map[string]bool{}
	for _, m := range idPattern.FindAllStringSubmatch(string(raw), -1) {
		ids[strings.ToUpper(m[1])] = true
	}
	return ids, nil
}

// applyPatch appends d.Body to the library file under a sibling advisory
// lock (spec section 9's open question on cross-runner idempotence is
// resolved this way: an O_EXCL lock file brackets the
// read-existing-ids-then-append sequence so two runners racing to create
// the same ID can't both win), optionally writing a timestamped backup
// copy first.
func (e *Engine) applyPatch(d Decision) error {
	unlock, err := acquireLock(e.cfg.LibraryFile)
	if err != nil {
		return err
	}
	defer unlock()

	if e.cfg.BackupBeforeWrite {
		if err := writeBackup(e.cfg.LibraryFile); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(e.cfg.LibraryFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return engerr.Wrap(engerr.KindDocument, "library.applyPatch", err)
	}
	defer f.Close()

	if _, err := f.WriteString("\n" + d.Body + "\n"); err != nil {
		return engerr.Wrap(engerr.KindDocument, "library.applyPatch", err)
	}

	body := d.Body
	path := e.cfg.LibraryFile
	e.lastPatchMarkdown = &body
	e.lastAppliedPath = &path
	return nil
}

func writeBackup(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return engerr.Wrap(engerr.KindDocument, "library.writeBackup", err)
	}
	backupPath := path + "." + strconv.FormatInt(time.Now().UnixNano(), 10) + ".bak"
	if err := os.WriteFile(backupPath, raw, 0o644); err != nil {
		return engerr.Wrap(engerr.KindDocument, "library.writeBackup", err)
	}
	return nil
}

// acquireLock creates path+".lock" exclusively, returning an unlock func
// that removes it. It blocks briefly, retrying, rather than failing
// outright on first contention, since a concurrent evaluate is expected to
// finish quickly.
func acquireLock(path string) (func(), error) {
	lockPath := path + ".lock"
	deadline := time.Now().Add(2 * time.Second)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, engerr.Wrap(engerr.KindDocument, "library.acquireLock", err)
		}
		if time.Now().After(deadline) {
			return nil, engerr.Wrap(engerr.KindDocument, "library.acquireLock", fmt.Errorf("timed out waiting for lock on %s", lockPath))
		}
		time.Sleep(10 * time.Millisecond)
	}
}
