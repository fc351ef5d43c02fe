package toolbridge

import (
	"fmt"
	"strings"

	"github.com/relayforge/reasonflow/internal/sandbox"
	"github.com/relayforge/reasonflow/internal/tool"
)

// CodeInterpreterArgs mirrors tools_bridge.py's code_interpreter signature.
type CodeInterpreterArgs struct {
	Code string `json:"code" jsonschema:"required,description=Code snippet to execute"`
}

func (b *Bridge) codeInterpreter(ctx tool.Context, args CodeInterpreterArgs) tool.Result {
	clean := strings.TrimSpace(dedent(args.Code))
	if clean == "" {
		return tool.Err("code_interpreter received empty code snippet")
	}

	res := b.sandbox.Run(ctx.Context, b.cfg.SandboxTier, clean)

	var parts []string
	if res.Output != "" {
		parts = append(parts, res.Output)
	}

	// A run that binds one of sandbox.ResultKeys persists it into the
	// bridge's namespace, so it survives (and keeps getting reported) across
	// later calls until ResetInterpreter clears it — the "persistent
	// globals namespace" tools_bridge.py describes.
	b.nsMu.Lock()
	if res.ResultKey != "" {
		b.namespace[res.ResultKey] = res.ResultValue
	}
	for _, key := range sandbox.ResultKeys {
		if v, ok := b.namespace[key]; ok {
			parts = append(parts, fmt.Sprintf("Return: %v", v))
			break
		}
	}
	b.nsMu.Unlock()

	if res.Err != nil {
		return tool.Err("Exception: %v\nMethod: %s", res.Err, res.Method)
	}
	if len(parts) == 0 {
		return tool.Ok("Executed with no output")
	}
	return tool.Ok(strings.Join(parts, "\n"))
}

// dedent strips a common leading-whitespace prefix the way textwrap.dedent
// does, so tool callers can paste in an indented multi-line snippet.
func dedent(code string) string {
	lines := strings.Split(code, "\n")
	prefix := ""
	for _, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" {
			continue
		}
		indent := line[:len(line)-len(trimmed)]
		if prefix == "" {
			prefix = indent
			continue
		}
		prefix = commonPrefix(prefix, indent)
	}
	if prefix == "" {
		return code
	}
	for i, line := range lines {
		lines[i] = strings.TrimPrefix(line, prefix)
	}
	return strings.Join(lines, "\n")
}

func commonPrefix(a, b string) string {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return a[:i]
}

// CalculateArgs mirrors tools_bridge.py's calculate signature.
type CalculateArgs struct {
	Expression string `json:"expression" jsonschema:"required,description=Math expression to evaluate"`
}

func (b *Bridge) calculate(ctx tool.Context, args CalculateArgs) tool.Result {
	value, err := sandbox.EvalExpression(strings.TrimSpace(args.Expression))
	if err != nil {
		return tool.Err("Calculate error for expression %q: %v", args.Expression, err)
	}
	return tool.Ok(formatCalcResult(value))
}

func formatCalcResult(f float64) string {
	if f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
