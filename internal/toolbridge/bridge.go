// Package toolbridge implements the Tool Registry & Bridge (spec section
// 4.4): a process-local registry of tool.Callable values plus the four
// built-ins (web_search, web_scrape, code_interpreter, calculate), bound to
// a persistent code-interpreter namespace scoped to one Bridge instance.
package toolbridge

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/relayforge/reasonflow/internal/httpclient"
	"github.com/relayforge/reasonflow/internal/sandbox"
	"github.com/relayforge/reasonflow/internal/tool"
	"github.com/relayforge/reasonflow/internal/tool/functiontool"
)

// Config tunes the bridge's outbound providers and sandbox. Missing API
// keys simply disable the corresponding provider — the tools still run,
// returning a configuration-error Result rather than panicking.
type Config struct {
	TavilyAPIKey     string
	FirecrawlAPIKey  string
	TavilyBaseURL    string
	FirecrawlBaseURL string
	HTTPClient       *httpclient.Client
	SandboxLimits    sandbox.Limits
	SandboxTier      sandbox.Tier
}

func (c Config) withDefaults() Config {
	if c.TavilyBaseURL == "" {
		c.TavilyBaseURL = "https://api.tavily.com"
	}
	if c.FirecrawlBaseURL == "" {
		c.FirecrawlBaseURL = "https://api.firecrawl.dev"
	}
	if c.HTTPClient == nil {
		c.HTTPClient = httpclient.New()
	}
	if c.SandboxTier == "" {
		c.SandboxTier = sandbox.Low
	}
	if c.TavilyAPIKey == "" {
		c.TavilyAPIKey = os.Getenv("TAVILY_API_KEY")
	}
	if c.FirecrawlAPIKey == "" {
		c.FirecrawlAPIKey = os.Getenv("FIRECRAWL_API_KEY")
	}
	return c
}

// Bridge is the runtime home for tool invocation: it owns the registry, the
// interpreter's persistent namespace, and whatever provider clients the
// built-in tools need.
type Bridge struct {
	cfg      Config
	registry *tool.Registry
	sandbox  *sandbox.Executor

	nsMu      sync.Mutex
	namespace map[string]any
}

// New constructs a Bridge with the four built-in tools registered.
func New(cfg Config) *Bridge {
	cfg = cfg.withDefaults()
	b := &Bridge{
		cfg:       cfg,
		registry:  tool.NewRegistry(),
		sandbox:   sandbox.New(cfg.SandboxLimits),
		namespace: freshNamespace(),
	}
	b.registerBuiltins()
	return b
}

func freshNamespace() map[string]any {
	return make(map[string]any)
}

// ResetInterpreter clears accumulated code_interpreter state, matching
// tools_bridge.py's reset_interpreter.
func (b *Bridge) ResetInterpreter() {
	b.nsMu.Lock()
	defer b.nsMu.Unlock()
	b.namespace = freshNamespace()
}

// Registry exposes the bridge's tool registry, e.g. for building the
// EXTERNAL_TOOL_CATALOG anchor via tool.Catalog.
func (b *Bridge) Registry() *tool.Registry { return b.registry }

// Call looks up name and invokes it, recovering from panics into an
// invocation-error Result the way the Python bridge's call_tool wraps
// exceptions into ToolResult.error rather than propagating them.
func (b *Bridge) Call(ctx tool.Context, name string, args map[string]any) (result tool.Result) {
	callable, ok := b.registry.Get(name)
	if !ok {
		return tool.Err("Unknown tool: %s. Available: %s", name, strings.Join(b.registry.Names(), ", "))
	}

	defer func() {
		if r := recover(); r != nil {
			result = tool.Err("Tool invocation error: %v\nArgs: %v", r, args)
		}
	}()
	return callable.Call(ctx, args)
}

func (b *Bridge) registerBuiltins() {
	mustRegister(b.registry, mustTool(functiontool.New(functiontool.Config{
		Name:        "web_search",
		Description: "Unified web search with layered queries (broad then narrow), dedup, and automatic provider fallback.",
	}, b.webSearch)))

	mustRegister(b.registry, mustTool(functiontool.New(functiontool.Config{
		Name:        "web_scrape",
		Description: "Single-URL markdown extraction (Firecrawl-backed).",
	}, b.webScrape)))

	mustRegister(b.registry, mustTool(functiontool.New(functiontool.Config{
		Name:        "code_interpreter",
		Description: "Executes a code snippet in a persistent sandboxed namespace scoped to this run.",
	}, b.codeInterpreter)))

	mustRegister(b.registry, mustTool(functiontool.New(functiontool.Config{
		Name:        "calculate",
		Description: "Evaluates a restricted math expression over a whitelist of math functions and numeric built-ins.",
	}, b.calculate)))
}

func mustTool(t tool.Callable, err error) tool.Callable {
	if err != nil {
		panic(fmt.Sprintf("toolbridge: building built-in tool: %v", err))
	}
	return t
}

func mustRegister(r *tool.Registry, t tool.Callable) {
	if err := r.Register(t.Name(), t); err != nil {
		panic(fmt.Sprintf("toolbridge: registering built-in tool: %v", err))
	}
}
