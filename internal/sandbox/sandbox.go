// Package sandbox implements the Sandbox Executor (spec section 4.5): three
// escalating isolation tiers for running untrusted interpreter snippets,
// each tagged with a method discriminator so a post-hoc audit can tell
// which path actually ran.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// Tier selects an isolation level.
type Tier string

const (
	Low    Tier = "low"
	Medium Tier = "medium"
	High   Tier = "high"
)

// Limits bounds a sandboxed run. Zero values fall back to sane defaults.
type Limits struct {
	Timeout       time.Duration
	MemoryLimitMB int64
	MaxOutputChars int
}

func (l Limits) withDefaults() Limits {
	if l.Timeout <= 0 {
		l.Timeout = 5 * time.Second
	}
	if l.MemoryLimitMB <= 0 {
		l.MemoryLimitMB = 256
	}
	if l.MaxOutputChars <= 0 {
		l.MaxOutputChars = 2000
	}
	return l
}

// Result is what a run produces regardless of tier.
type Result struct {
	Method string // discriminator: "low_eval", "medium_subprocess", "high_denylist_subprocess"
	Output string
	Err    error

	// ResultKey/ResultValue report a binding the run produced under one of
	// the conventional result-variable names (see ResultKeys), for the
	// caller to persist into its namespace. ResultKey is "" if the run
	// produced none.
	ResultKey   string
	ResultValue string
}

// ResultKeys is the convention a run is scanned for afterward: whichever of
// these names holds a value gets reported back as a Result binding, matching
// the original interpreter's "_result_/result/answer" scan.
var ResultKeys = []string{"_result_", "result", "answer"}

// resultSentinel tags the line runSubprocess's trailer script prints so
// output parsing can find it even if the snippet's own output contains an
// "=" sign; \x1e (ASCII record separator) doesn't occur in ordinary text
// output.
const resultSentinel = "\x1e__sandbox_result__\x1e"

// resultProbeScript runs after a medium/high snippet and its exit status
// have already been captured into $__sandbox_exit: it checks each
// conventional result-variable name in turn and, if any is non-empty,
// prints one sentinel-tagged line the bridge parses back into its
// persistent namespace. It never alters $__sandbox_exit, so the snippet's
// own success/failure is preserved regardless of whether a result was
// found.
var resultProbeScript = "for __sandbox_key in " + strings.Join(ResultKeys, " ") + `; do
  eval "__sandbox_val=\"\${$__sandbox_key-}\""
  if [ -n "$__sandbox_val" ]; then
    printf '` + resultSentinel + `%s=%s\n' "$__sandbox_key" "$__sandbox_val"
    break
  fi
done
exit $__sandbox_exit`

// extractResult scans combined output for resultProbeScript's sentinel
// line, returning the remaining output with that line removed plus the
// key/value it carried (both "" if no sentinel line is present).
func extractResult(combined string) (rest, key, value string) {
	lines := strings.Split(combined, "\n")
	var kept []string
	for _, line := range lines {
		if strings.HasPrefix(line, resultSentinel) {
			kv := strings.SplitN(strings.TrimPrefix(line, resultSentinel), "=", 2)
			if len(kv) == 2 {
				key, value = kv[0], kv[1]
			}
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n"), key, value
}

// denylist matches constructs spec.md forbids regardless of tier: import
// machinery, raw eval, file/process escape hatches, and shell redirection.
var denylist = regexp.MustCompile(`__import__|(?:^|[^A-Za-z0-9_])eval\s*\(|(?:^|[^A-Za-z0-9_])open\s*\(|\bos\.|\bsubprocess\.|[<>]{1,2}\s*/|\|\s*sh\b|\brm\s+-rf\b`)

// Validate reports the first denylist match, if any, as an error.
func Validate(code string) error {
	if m := denylist.FindString(code); m != "" {
		return fmt.Errorf("sandbox: disallowed construct: %q", strings.TrimSpace(m))
	}
	return nil
}

// Executor runs interpreter snippets at a chosen tier.
type Executor struct {
	limits Limits
}

// New returns an Executor with the given limits (zero-valued fields get
// defaults).
func New(limits Limits) *Executor {
	return &Executor{limits: limits.withDefaults()}
}

// Run dispatches to the tier's execution strategy.
func (e *Executor) Run(ctx context.Context, tier Tier, code string) Result {
	switch tier {
	case Medium:
		return e.runSubprocess(ctx, code, "medium_subprocess", false)
	case High:
		if err := Validate(code); err != nil {
			return Result{Method: "high_denylist_subprocess", Err: err}
		}
		return e.runSubprocess(ctx, code, "high_denylist_subprocess", true)
	default:
		return e.runLow(code)
	}
}

// runLow evaluates code as a restricted arithmetic/math expression after a
// denylist check — no process is spawned. This mirrors spec.md's
// description of "low" as in-process restricted evaluation over a curated
// safe-builtins table.
func (e *Executor) runLow(code string) Result {
	if err := Validate(code); err != nil {
		return Result{Method: "low_eval", Err: err}
	}
	value, err := EvalExpression(strings.TrimSpace(code))
	if err != nil {
		return Result{Method: "low_eval", Err: err}
	}
	out := formatNumber(value)
	// A single expression has no assignment syntax to bind _result_/result/
	// answer, so its value is the result: report it under "result" the same
	// way the medium/high tiers report an explicit binding.
	return Result{Method: "low_eval", Output: out, ResultKey: "result", ResultValue: out}
}

// runSubprocess execs /bin/sh -c code with stdin closed, a wall-clock
// timeout via context, and (on Linux) a CPU-seconds and address-space
// rlimit matching spec.md's "medium" tier description. validated indicates
// the caller already ran Validate (the "high" tier does; "medium" does not,
// matching spec.md's distinction between the two).
func (e *Executor) runSubprocess(ctx context.Context, code, method string, validated bool) Result {
	_ = validated
	runCtx, cancel := context.WithTimeout(ctx, e.limits.Timeout)
	defer cancel()

	cpuSeconds := int64(e.limits.Timeout.Seconds())
	if cpuSeconds < 1 {
		cpuSeconds = 1
	}
	addressSpaceKB := e.limits.MemoryLimitMB * 1024
	wrapped := fmt.Sprintf("ulimit -t %d; ulimit -v %d\n%s\n__sandbox_exit=$?\n%s", cpuSeconds, addressSpaceKB, code, resultProbeScript)

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", wrapped)
	cmd.Env = []string{"PATH="}
	cmd.Stdin = nil

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	stdoutText, resultKey, resultValue := extractResult(stdout.String())

	combined := stdoutText
	if stderr.Len() > 0 {
		if combined != "" {
			combined += "\n"
		}
		combined += "Stderr: " + stderr.String()
	}
	combined = truncate(combined, e.limits.MaxOutputChars)

	if err != nil {
		if runCtx.Err() != nil {
			return Result{Method: method, Output: combined, Err: fmt.Errorf("sandbox: timed out after %s", e.limits.Timeout)}
		}
		return Result{Method: method, Output: combined, Err: fmt.Errorf("sandbox: %w", err)}
	}
	return Result{Method: method, Output: combined, ResultKey: resultKey, ResultValue: resultValue}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
