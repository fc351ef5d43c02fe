// Package functiontool builds tool.Callable values from typed Go functions,
// generating each tool's argument schema from struct tags instead of a
// hand-written map, mirroring the teacher engine's FunctionTool pattern.
package functiontool

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/mitchellh/mapstructure"

	"github.com/relayforge/reasonflow/internal/tool"
)

// Config names and describes the tool being built.
type Config struct {
	Name        string
	Description string
}

// New builds a tool.Callable from fn, deriving its JSON schema from Args's
// struct tags via github.com/invopop/jsonschema. fn takes a typed context
// and a typed argument struct and returns a tool.Result directly rather
// than an (any, error) pair — tool failures are data, not exceptions,
// matching spec.md's ToolResult contract.
func New[Args any](cfg Config, fn func(tool.Context, Args) tool.Result) (tool.Callable, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("functiontool: name is required")
	}
	if cfg.Description == "" {
		return nil, fmt.Errorf("functiontool: description is required")
	}

	reflector := &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}
	schema := reflector.Reflect(new(Args))
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("functiontool: reflect schema for %s: %w", cfg.Name, err)
	}
	var schemaMap map[string]any
	if err := json.Unmarshal(raw, &schemaMap); err != nil {
		return nil, fmt.Errorf("functiontool: decode schema for %s: %w", cfg.Name, err)
	}

	return &functionTool[Args]{cfg: cfg, fn: fn, schema: schemaMap}, nil
}

type functionTool[Args any] struct {
	cfg    Config
	fn     func(tool.Context, Args) tool.Result
	schema map[string]any
}

func (t *functionTool[Args]) Name() string           { return t.cfg.Name }
func (t *functionTool[Args]) Description() string    { return t.cfg.Description }
func (t *functionTool[Args]) Schema() map[string]any { return t.schema }

func (t *functionTool[Args]) Call(ctx tool.Context, args map[string]any) tool.Result {
	var typed Args
	// Decode by the same json tags the schema is generated from, so
	// snake_case keys such as max_results reach their fields.
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{TagName: "json", Result: &typed})
	if err != nil {
		return tool.Err("invalid arguments for %s: %s", t.cfg.Name, err)
	}
	if err := decoder.Decode(args); err != nil {
		return tool.Err("invalid arguments for %s: %s", t.cfg.Name, err)
	}
	return t.fn(ctx, typed)
}

var _ tool.Callable = (*functionTool[struct{}])(nil)
