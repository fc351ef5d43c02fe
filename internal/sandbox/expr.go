package sandbox

import (
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
)

// mathFuncs is the whitelist spec.md calls "a curated safe-builtins table":
// the subset of math functions and numeric built-ins EvalExpression exposes,
// mirroring Python's calculate() tool allowing dir(math) plus abs/round/etc.
var mathFuncs = map[string]func(float64) float64{
	"sqrt":  math.Sqrt,
	"abs":   math.Abs,
	"floor": math.Floor,
	"ceil":  math.Ceil,
	"round": math.Round,
	"log":   math.Log,
	"log2":  math.Log2,
	"log10": math.Log10,
	"exp":   math.Exp,
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
}

var mathConsts = map[string]float64{
	"pi": math.Pi,
	"e":  math.E,
}

// EvalExpression evaluates a restricted numeric expression: literals, the
// four arithmetic operators plus %, unary +/-, parentheses, and calls into
// mathFuncs/mathConsts. It never executes arbitrary Go code — it parses the
// expression as a Go expression AST and walks only the node kinds a
// calculator needs, rejecting everything else (identifiers, calls,
// statements) outside that whitelist.
func EvalExpression(expr string) (float64, error) {
	node, err := parser.ParseExpr(expr)
	if err != nil {
		return 0, fmt.Errorf("sandbox: invalid expression: %w", err)
	}
	return evalNode(node)
}

func evalNode(n ast.Expr) (float64, error) {
	switch v := n.(type) {
	case *ast.BasicLit:
		if v.Kind != token.INT && v.Kind != token.FLOAT {
			return 0, fmt.Errorf("sandbox: unsupported literal %q", v.Value)
		}
		var f float64
		if _, err := fmt.Sscanf(v.Value, "%g", &f); err != nil {
			return 0, fmt.Errorf("sandbox: bad number %q", v.Value)
		}
		return f, nil

	case *ast.Ident:
		if val, ok := mathConsts[v.Name]; ok {
			return val, nil
		}
		return 0, fmt.Errorf("sandbox: unknown identifier %q", v.Name)

	case *ast.ParenExpr:
		return evalNode(v.X)

	case *ast.UnaryExpr:
		x, err := evalNode(v.X)
		if err != nil {
			return 0, err
		}
		switch v.Op {
		case token.SUB:
			return -x, nil
		case token.ADD:
			return x, nil
		}
		return 0, fmt.Errorf("sandbox: unsupported unary operator %v", v.Op)

	case *ast.BinaryExpr:
		x, err := evalNode(v.X)
		if err != nil {
			return 0, err
		}
		y, err := evalNode(v.Y)
		if err != nil {
			return 0, err
		}
		switch v.Op {
		case token.ADD:
			return x + y, nil
		case token.SUB:
			return x - y, nil
		case token.MUL:
			return x * y, nil
		case token.QUO:
			if y == 0 {
				return 0, fmt.Errorf("sandbox: division by zero")
			}
			return x / y, nil
		case token.REM:
			return math.Mod(x, y), nil
		}
		return 0, fmt.Errorf("sandbox: unsupported operator %v", v.Op)

	case *ast.CallExpr:
		ident, ok := v.Fun.(*ast.Ident)
		if !ok {
			return 0, fmt.Errorf("sandbox: unsupported call target")
		}
		fn, ok := mathFuncs[ident.Name]
		if !ok {
			return 0, fmt.Errorf("sandbox: unknown function %q", ident.Name)
		}
		if len(v.Args) != 1 {
			return 0, fmt.Errorf("sandbox: %s expects exactly one argument", ident.Name)
		}
		arg, err := evalNode(v.Args[0])
		if err != nil {
			return 0, err
		}
		return fn(arg), nil

	default:
		return 0, fmt.Errorf("sandbox: unsupported expression")
	}
}

func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%g", f)
}
