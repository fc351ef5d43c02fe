// Command stage runs one pipeline stage agent against an existing (or
// freshly provisioned) collaboration form, for ad-hoc/interactive
// debugging of a single stage without running the full pipeline.
//
// Usage:
//
//	stage stage1 --objective "Investigate checkout latency regression"
//	stage stage4 --finish-dir ./finish_form
//	stage capability-upgrade --finish-dir ./finish_form
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"

	"github.com/relayforge/reasonflow/internal/agent"
	"github.com/relayforge/reasonflow/internal/anchor"
	"github.com/relayforge/reasonflow/internal/applog"
	"github.com/relayforge/reasonflow/internal/envconfig"
	"github.com/relayforge/reasonflow/internal/library"
	"github.com/relayforge/reasonflow/internal/llm"
	"github.com/relayforge/reasonflow/internal/memory"
	"github.com/relayforge/reasonflow/internal/pipeline"
	"github.com/relayforge/reasonflow/internal/provision"
)

// Common is the flag surface every single-stage subcommand shares: the
// same model/document-location flags cmd/pipeline exposes, minus anything
// that only makes sense for an end-to-end run (watcher, tool catalog,
// library auto-apply toggles are per-command instead, see below).
type Common struct {
	Objective string `help:"Task objective."`
	Context   string `name:"context" help:"Supplementary context."`

	FinishDir string `name:"finish-dir" default:"./finish_form" help:"Collaboration-form directory."`
	Template  string `help:"Standard template file path."`

	APIKey  string `name:"api-key" help:"Model API key (falls back to DEEPSEEK_API_KEY/OPENAI_API_KEY/KIMI_API_KEY)."`
	Model   string `default:"gemini-3-pro" help:"Model name."`
	BaseURL string `name:"base-url" default:"https://api.openai.com/v1" help:"Model service base URL."`
	Stream  bool   `help:"Enable streaming output."`

	SystemPrompt string `name:"system-prompt" help:"Optional custom system prompt file (default: stage runs with no system prompt)."`
}

func (c Common) buildModel() llm.Model {
	apiKey := envconfig.ModelAPIKey()
	if apiKey == "" {
		apiKey = c.APIKey
	}
	modelName := envconfig.ModelName()
	if modelName == "" {
		modelName = c.Model
	}
	baseURL := envconfig.ModelBaseURL()
	if baseURL == "" {
		baseURL = c.BaseURL
	}
	return llm.NewOpenAICompatClient(llm.OpenAIConfig{APIKey: apiKey, Model: modelName, BaseURL: baseURL})
}

func (c Common) openDocument() (*anchor.Store, error) {
	p := provision.New(c.Template, c.FinishDir)
	path, err := p.Ensure()
	if err != nil {
		return nil, err
	}
	return anchor.New(path), nil
}

// runStage builds one agent against doc, runs it (streaming if requested),
// writes its normalized output to marker/header, and prints the result.
func runStage(ctx context.Context, c Common, agentName, agentStage string, descriptors []memory.Descriptor, marker, header string, attachments map[string]string) error {
	doc, err := c.openDocument()
	if err != nil {
		return err
	}
	model := c.buildModel()

	a, err := agent.New(agent.Config{
		Name:       agentName,
		Stage:      agentStage,
		PromptPath: c.SystemPrompt,
	}, model)
	if err != nil {
		return err
	}

	stageContext, err := memory.BuildStageContext(doc, memory.StageInput{
		Objective:       c.Objective,
		ContextSnapshot: c.Context,
		Attachments:     attachments,
	}, descriptors)
	if err != nil {
		return err
	}

	input := agent.Input{Context: stageContext}
	finish := agent.Finish{Doc: doc, Marker: marker, Header: header}

	var text string
	if c.Stream {
		text, err = a.AnalyzeStream(ctx, input)
		if err == nil {
			if writeErr := doc.Update(marker, text, header); writeErr != nil {
				err = writeErr
			}
		}
	} else {
		text, err = a.AnalyzeAndFinish(ctx, input, finish)
	}
	if err != nil {
		return err
	}

	fmt.Println(strings.TrimSpace(text))
	fmt.Fprintf(os.Stderr, "\nwritten to %s (%s)\n", doc.Path(), marker)
	return nil
}

// runLibraryStage is runStage's capability/strategy-upgrade variant: the
// raw agent output is first run through a library.Engine before being
// written to the document, matching how pipeline.Runner's
// runStage2Upgrade/runCapabilityUpgrade compose the two concerns.
func runLibraryStage(ctx context.Context, c Common, agentName, agentStage string, descriptors []memory.Descriptor, marker, header string, libCfg library.Config) error {
	doc, err := c.openDocument()
	if err != nil {
		return err
	}
	model := c.buildModel()

	a, err := agent.New(agent.Config{
		Name:       agentName,
		Stage:      agentStage,
		PromptPath: c.SystemPrompt,
	}, model)
	if err != nil {
		return err
	}

	stageContext, err := memory.BuildStageContext(doc, memory.StageInput{
		Objective:       c.Objective,
		ContextSnapshot: c.Context,
	}, descriptors)
	if err != nil {
		return err
	}

	raw, err := a.Analyze(ctx, agent.Input{Context: stageContext})
	if err != nil {
		return err
	}

	engine := library.New(libCfg)
	evaluated, err := engine.Evaluate(raw)
	if err != nil {
		return err
	}
	evaluated = strings.TrimSpace(evaluated)

	if marker != "" && evaluated != "" {
		if err := doc.Update(marker, evaluated, header); err != nil {
			return err
		}
	}

	fmt.Println(evaluated)
	if marker != "" && evaluated != "" {
		fmt.Fprintf(os.Stderr, "\nwritten to %s (%s)\n", doc.Path(), marker)
	}
	return nil
}

type Stage1Cmd struct {
	Common
}

func (cmd *Stage1Cmd) Run(ctx context.Context) error {
	return runStage(ctx, cmd.Common, "stage1_agent", "stage1", memory.Stage1Descriptors(), pipeline.MarkerStage1, pipeline.HeaderFor(pipeline.MarkerStage1), nil)
}

type Stage2CandidateCmd struct {
	Common
	CandidateLimit *int `name:"candidate-limit" help:"Upper bound on candidate strategies."`
}

func (cmd *Stage2CandidateCmd) Run(ctx context.Context) error {
	attachments := map[string]string{}
	if cmd.CandidateLimit != nil {
		attachments["candidate_limit"] = strconv.Itoa(*cmd.CandidateLimit)
	}
	return runStage(ctx, cmd.Common, "stage2a_agent", "stage2a", memory.Stage2ADescriptors(), pipeline.MarkerStage2A, pipeline.HeaderFor(pipeline.MarkerStage2A), attachments)
}

type Stage2SelectionCmd struct {
	Common
}

func (cmd *Stage2SelectionCmd) Run(ctx context.Context) error {
	return runStage(ctx, cmd.Common, "stage2b_agent", "stage2b", memory.Stage2BDescriptors(), pipeline.MarkerStage2B, pipeline.HeaderFor(pipeline.MarkerStage2B), nil)
}

type Stage2UpgradeCmd struct {
	Common
	StrategyLibraryFile string `name:"strategy-library-file" default:"strategy_library/strategy.md" help:"Strategy library markdown file."`
	AutoApply           bool   `name:"auto-apply" help:"Write the proposed patch to the library file if accepted."`
}

func (cmd *Stage2UpgradeCmd) Run(ctx context.Context) error {
	return runLibraryStage(ctx, cmd.Common, "stage2c_upgrade_agent", "stage2c", memory.Stage2BDescriptors(), pipeline.MarkerStage2C, pipeline.HeaderFor(pipeline.MarkerStage2C), library.Config{
		Variant:     library.Strategy,
		LibraryFile: cmd.StrategyLibraryFile,
		SkipApply:   !cmd.AutoApply,
	})
}

type Stage3Cmd struct {
	Common
}

func (cmd *Stage3Cmd) Run(ctx context.Context) error {
	return runStage(ctx, cmd.Common, "stage3_agent", "stage3", memory.Stage3Descriptors(), pipeline.MarkerStage3, pipeline.HeaderFor(pipeline.MarkerStage3), nil)
}

// Stage4Cmd is deliberately narrow: the full tool-loop/watcher protocol
// needs a live run context the full pipeline provides (see cmd/pipeline);
// this command runs one plain turn of the stage 4 agent against the
// document for inspection, without driving the tool loop.
type Stage4Cmd struct {
	Common
}

func (cmd *Stage4Cmd) Run(ctx context.Context) error {
	return runStage(ctx, cmd.Common, "stage4_agent", "stage4", memory.Stage4Descriptors(), pipeline.MarkerStage4, pipeline.HeaderFor(pipeline.MarkerStage4), nil)
}

type CapabilityUpgradeCmd struct {
	Common
	CapabilityLibraryFile string `name:"capability-library-file" default:"ability_library/ability.md" help:"Capability library markdown file."`
	AutoApply             bool   `name:"auto-apply" help:"Write the proposed patch to the library file if accepted."`
}

func (cmd *CapabilityUpgradeCmd) Run(ctx context.Context) error {
	return runLibraryStage(ctx, cmd.Common, "capability_upgrade_agent", "capability", memory.Stage1Descriptors(), "", "", library.Config{
		Variant:     library.Capability,
		LibraryFile: cmd.CapabilityLibraryFile,
		SkipApply:   !cmd.AutoApply,
	})
}

// CLI groups every single-stage subcommand under one "stage" program.
type CLI struct {
	Stage1            Stage1Cmd            `cmd:"" name:"stage1" help:"Run the stage 1 metacognitive analysis agent."`
	Stage2Candidate   Stage2CandidateCmd   `cmd:"" name:"stage2-candidate" help:"Run the stage 2-A candidate-strategy agent."`
	Stage2Selection   Stage2SelectionCmd   `cmd:"" name:"stage2-selection" help:"Run the stage 2-B strategy-selection agent."`
	Stage2Upgrade     Stage2UpgradeCmd     `cmd:"" name:"stage2-upgrade" help:"Run the stage 2-C strategy-library upgrade agent."`
	Stage3            Stage3Cmd            `cmd:"" name:"stage3" help:"Run the stage 3 execution-plan agent."`
	Stage4            Stage4Cmd            `cmd:"" name:"stage4" help:"Run one plain turn of the stage 4 executor agent."`
	CapabilityUpgrade CapabilityUpgradeCmd `cmd:"" name:"capability-upgrade" help:"Run the capability-library upgrade agent."`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"warn"`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

func main() {
	envconfig.LoadDotEnv()

	var cli CLI
	parser := kong.Parse(&cli,
		kong.Name("stage"),
		kong.Description("Runs one pipeline stage agent against a collaboration form, for ad-hoc single-stage debugging."),
		kong.UsageOnError(),
	)

	applog.Init(applog.ParseLevel(cli.LogLevel), os.Stderr, cli.LogFormat)

	ctx := context.Background()
	if err := parser.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "execution failed: %v\n", err)
		os.Exit(1)
	}
}
