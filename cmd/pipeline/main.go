// Command pipeline runs the full stage 1-4 + capability-upgrade orchestrator
// against one collaboration form end to end.
//
// Usage:
//
//	pipeline --objective "Investigate checkout latency regression" --finish-dir ./finish_form
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/relayforge/reasonflow/internal/applog"
	"github.com/relayforge/reasonflow/internal/envconfig"
	"github.com/relayforge/reasonflow/internal/llm"
	"github.com/relayforge/reasonflow/internal/pipeline"
	"github.com/relayforge/reasonflow/internal/provision"
	"github.com/relayforge/reasonflow/internal/toolbridge"
)

// CLI is the exact flag surface spec section 6 names for the full-pipeline
// runner.
type CLI struct {
	Objective      string `help:"Task objective."`
	Context        string `help:"Supplementary context."`
	CandidateLimit *int   `name:"candidate-limit" help:"Upper bound on stage 2-A candidate strategies."`
	FinishDir      string `name:"finish-dir" default:"./finish_form" help:"Collaboration-form directory."`
	Template       string `help:"Standard template file path."`
	Encoding       string `default:"utf-8" help:"Document read/write encoding."`

	APIKey  string `name:"api-key" help:"Model API key (falls back to DEEPSEEK_API_KEY/OPENAI_API_KEY/KIMI_API_KEY)."`
	Model   string `default:"gemini-3-pro" help:"Model name."`
	BaseURL string `name:"base-url" default:"https://api.openai.com/v1" help:"Model service base URL."`
	Stream  bool   `help:"Has no effect: model output is not streamed."`

	NoStrategyAutoApply bool `name:"no-strategy-auto-apply" help:"Disable stage 2 strategy-library auto-apply."`
	AutoApplyCapability bool `name:"auto-apply-capability" help:"Enable capability-library auto-apply."`

	ToolCatalog string `name:"tool-catalog" help:"Comma-separated tool catalog override."`

	NoWatcher              bool   `name:"no-watcher" help:"Disable the watcher audit agent."`
	WatcherAPIKey          string `name:"watcher-api-key" help:"API key for the watcher agent."`
	WatcherModel           string `name:"watcher-model" help:"Model name for the watcher agent."`
	WatcherBaseURL         string `name:"watcher-base-url" help:"Base URL for the watcher agent."`
	WatcherReasoningEffort string `name:"watcher-reasoning-effort" enum:"low,medium,high," default:"" help:"Watcher agent reasoning depth."`
	WatcherStream          bool   `name:"watcher-stream" help:"Has no effect: watcher output is not streamed."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"warn"`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`

	MetricsAddr string `name:"metrics-addr" help:"If set, serve Prometheus metrics on this address (e.g. :9090)."`
}

func main() {
	envconfig.LoadDotEnv()

	cli := CLI{}
	kong.Parse(&cli,
		kong.Name("pipeline"),
		kong.Description("Runs the full stage 1-4 + capability-upgrade pipeline against one collaboration form."),
		kong.UsageOnError(),
	)

	applog.Init(applog.ParseLevel(cli.LogLevel), os.Stderr, cli.LogFormat)

	objective := cli.Objective
	if objective == "" {
		fmt.Print("Enter task objective: ")
		var line string
		if _, err := fmt.Scanln(&line); err != nil && line == "" {
			fmt.Println("\ncancelled.")
			os.Exit(130)
		}
		objective = strings.TrimSpace(line)
	}
	if objective == "" {
		fmt.Fprintln(os.Stderr, "no objective provided, aborting.")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\ncancelled.")
		cancel()
		os.Exit(130)
	}()

	if cli.Encoding != "" && cli.Encoding != "utf-8" {
		fmt.Fprintf(os.Stderr, "execution failed: unsupported --encoding %q (only utf-8 is implemented)\n", cli.Encoding)
		os.Exit(1)
	}

	result, err := run(ctx, cli, objective)
	if err != nil {
		fmt.Fprintf(os.Stderr, "execution failed: %v\n", err)
		os.Exit(1)
	}

	printStageOutputs(result)

	fmt.Println("\npipeline run complete.")
	fmt.Printf("- collaboration form: %s\n", result.Document)
	if result.Stage2Upgrade != "" {
		fmt.Println("- a strategy-library upgrade patch was evaluated.")
	}
	if result.CapabilityUpgrade != "" {
		fmt.Println("- a capability-library upgrade was evaluated.")
	}
}

func run(ctx context.Context, cli CLI, objective string) (pipeline.Result, error) {
	apiKey := envconfig.ModelAPIKey()
	if apiKey == "" {
		apiKey = cli.APIKey
	}
	modelName := envconfig.ModelName()
	if modelName == "" {
		modelName = cli.Model
	}
	baseURL := envconfig.ModelBaseURL()
	if baseURL == "" {
		baseURL = cli.BaseURL
	}

	model := llm.NewOpenAICompatClient(llm.OpenAIConfig{APIKey: apiKey, Model: modelName, BaseURL: baseURL})

	watcherModelName := cli.WatcherModel
	if watcherModelName == "" {
		watcherModelName = modelName
	}
	watcherBaseURL := cli.WatcherBaseURL
	if watcherBaseURL == "" {
		watcherBaseURL = baseURL
	}
	watcherAPIKey := cli.WatcherAPIKey
	if watcherAPIKey == "" {
		watcherAPIKey = apiKey
	}
	var watcherModel llm.Model = llm.NewOpenAICompatClient(llm.OpenAIConfig{APIKey: watcherAPIKey, Model: watcherModelName, BaseURL: watcherBaseURL})
	if cli.WatcherReasoningEffort != "" {
		watcherModel = reasoningEffortModel{Model: watcherModel, effort: cli.WatcherReasoningEffort}
	}

	bridge := toolbridge.New(toolbridge.Config{
		TavilyAPIKey:    envconfig.TavilyAPIKey(),
		FirecrawlAPIKey: envconfig.FirecrawlAPIKey(),
	})

	metrics := pipeline.NewMetrics()
	if cli.MetricsAddr != "" {
		go serveMetrics(cli.MetricsAddr, metrics)
	}

	runner, err := pipeline.New(pipeline.Config{
		Model:                 model,
		WatcherModel:          watcherModel,
		TemplatePath:          cli.Template,
		FinishFormDir:         cli.FinishDir,
		WatcherEnabled:        !cli.NoWatcher,
		StrategyLibraryFile:   "strategy_library/strategy.md",
		StrategyAutoApply:     !cli.NoStrategyAutoApply,
		CapabilityLibraryFile: "ability_library/ability.md",
		CapabilityAutoApply:   cli.AutoApplyCapability,
		Bridge:                bridge,
		Metrics:               metrics,
	})
	if err != nil {
		return pipeline.Result{}, err
	}

	var toolCatalog []string
	if cli.ToolCatalog != "" {
		for _, item := range strings.Split(cli.ToolCatalog, ",") {
			if item = strings.TrimSpace(item); item != "" {
				toolCatalog = append(toolCatalog, item)
			}
		}
	}
	if len(toolCatalog) == 0 && cli.Template != "" {
		if meta, metaErr := provision.New(cli.Template, cli.FinishDir).TemplateMeta(); metaErr == nil {
			toolCatalog = meta.DefaultToolCatalog
		} else {
			slog.Debug("pipeline: no template front-matter tool catalog", "error", metaErr)
		}
	}

	return runner.Run(ctx, pipeline.RunInput{
		Objective:       objective,
		ContextSnapshot: cli.Context,
		CandidateLimit:  cli.CandidateLimit,
		ToolCatalog:     toolCatalog,
	})
}

// reasoningEffortModel decorates a Model with a default reasoning-effort
// option on every call, since watcher.Watcher issues Generate calls with no
// per-call options of its own.
type reasoningEffortModel struct {
	llm.Model
	effort string
}

func (m reasoningEffortModel) Generate(ctx context.Context, messages []llm.Message, opts ...llm.Option) (llm.Response, error) {
	return m.Model.Generate(ctx, messages, append(opts, llm.WithReasoningEffort(m.effort))...)
}

func (m reasoningEffortModel) GenerateStream(ctx context.Context, messages []llm.Message, opts ...llm.Option) (<-chan llm.StreamChunk, error) {
	return m.Model.GenerateStream(ctx, messages, append(opts, llm.WithReasoningEffort(m.effort))...)
}

func serveMetrics(addr string, metrics *pipeline.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	slog.Info("pipeline: serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Warn("pipeline: metrics server stopped", "error", err)
	}
}

func printStageOutputs(result pipeline.Result) {
	divider := strings.Repeat("=", 80)
	sections := []struct {
		title, content string
	}{
		{"Stage 1 output", result.Stage1},
		{"Stage 2 candidate strategies", result.Stage2Candidate},
		{"Stage 2 strategy selection", result.Stage2Selection},
		{"Stage 3 execution plan", result.Stage3},
		{"Stage 4 final answer", result.Stage4},
	}

	fmt.Println(divider)
	fmt.Println("pipeline stage log")
	fmt.Println(divider)
	for _, s := range sections {
		fmt.Printf("\n%s\n%s\n", s.title, strings.Repeat("-", len(s.title)))
		if strings.TrimSpace(s.content) != "" {
			fmt.Println(strings.TrimSpace(s.content))
		} else {
			fmt.Println("(no output)")
		}
	}
	fmt.Println("\n" + divider)
}
