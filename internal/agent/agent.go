// Package agent implements the uniform stage-agent invoke contract (spec
// section 4.6): compose a system prompt from a prompt file plus an optional
// library directory, form a user message from the composed context, call
// the model, collate streaming fragments if any, and return text —
// optionally writing that text into the collaboration form as a
// convenience.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/relayforge/reasonflow/internal/anchor"
	"github.com/relayforge/reasonflow/internal/engerr"
	"github.com/relayforge/reasonflow/internal/llm"
)

// Config names an agent and locates its prompt/library material on disk.
// PromptPath and LibraryDir are both optional — a missing or empty prompt
// file yields no system message, matching the teacher's "_load_default_prompt
// returns None" behavior.
type Config struct {
	Name         string
	Stage        string
	PromptPath   string
	TruncateAt   string // if non-empty, the prompt is cut at this marker's first occurrence
	LibraryDir   string
	LibraryLabel string // heading prefix, e.g. "Strategy Library" or "Ability Library"
}

// Agent is one stage's bound (prompt, library, model) triple.
type Agent struct {
	cfg          Config
	model        llm.Model
	systemPrompt string
}

// New constructs an Agent, eagerly loading and concatenating its prompt and
// library material — a stage agent's prompt doesn't change mid-run, so
// there's no reason to re-read it on every call.
func New(cfg Config, model llm.Model) (*Agent, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("agent: name is required")
	}
	prompt, err := loadSystemPrompt(cfg)
	if err != nil {
		return nil, err
	}
	return &Agent{cfg: cfg, model: model, systemPrompt: prompt}, nil
}

func loadSystemPrompt(cfg Config) (string, error) {
	base, err := loadPromptFile(cfg.PromptPath, cfg.TruncateAt)
	if err != nil {
		return "", err
	}

	sections, err := loadLibrarySections(cfg.LibraryDir, cfg.LibraryLabel)
	if err != nil {
		return "", err
	}
	if len(sections) == 0 {
		return base, nil
	}

	merged := strings.Join(sections, "\n\n")
	if base == "" {
		return merged, nil
	}
	return base + "\n\n" + merged, nil
}

func loadPromptFile(path, truncateAt string) (string, error) {
	if path == "" {
		return "", nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", engerr.Wrap(engerr.KindConfiguration, "agent.loadPromptFile", err)
	}
	content := string(raw)
	if truncateAt != "" {
		if idx := strings.Index(content, truncateAt); idx != -1 {
			content = content[:idx]
		}
	}
	return strings.TrimSpace(content), nil
}

func loadLibrarySections(dir, label string) ([]string, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := filepath.Glob(filepath.Join(dir, "*.md"))
	if err != nil {
		return nil, engerr.Wrap(engerr.KindConfiguration, "agent.loadLibrarySections", err)
	}
	sort.Strings(entries)

	var sections []string
	for _, path := range entries {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, engerr.Wrap(engerr.KindConfiguration, "agent.loadLibrarySections", err)
		}
		data := strings.TrimSpace(string(raw))
		if data == "" {
			continue
		}
		title := strings.ReplaceAll(strings.TrimSuffix(filepath.Base(path), ".md"), "_", " ")
		sections = append(sections, fmt.Sprintf("## %s: %s\n\n%s", label, title, data))
	}
	return sections, nil
}

// SystemPrompt returns the loaded (and possibly library-augmented) system
// prompt, or "" if none was configured.
func (a *Agent) SystemPrompt() string { return a.systemPrompt }

// Name returns the agent's configured name, for logging.
func (a *Agent) Name() string { return a.cfg.Name }

// Stage returns the agent's configured stage label, for logging.
func (a *Agent) Stage() string { return a.cfg.Stage }

// Input is the material one Analyze call needs beyond the bound
// prompt/library state: the composed context string (spec section 4.2's
// memory-bridge output) and any per-call model options.
type Input struct {
	Context string
	Options []llm.Option
}

func (a *Agent) buildMessages(input Input) []llm.Message {
	var messages []llm.Message
	if a.systemPrompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: a.systemPrompt})
	}
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: strings.TrimSpace(input.Context)})
	return messages
}

// Analyze invokes the model once and returns its extracted text.
func (a *Agent) Analyze(ctx context.Context, input Input) (string, error) {
	resp, err := a.model.Generate(ctx, a.buildMessages(input), input.Options...)
	if err != nil {
		return "", engerr.Wrap(engerr.KindTransport, "agent.Analyze", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

// AnalyzeStream invokes the model in streaming mode and collates every
// fragment into the final text, matching the teacher's
// "chunks.append(...); ''.join(chunks)" collation.
func (a *Agent) AnalyzeStream(ctx context.Context, input Input) (string, error) {
	ch, err := a.model.GenerateStream(ctx, a.buildMessages(input), input.Options...)
	if err != nil {
		return "", engerr.Wrap(engerr.KindTransport, "agent.AnalyzeStream", err)
	}

	var sb strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			return "", engerr.Wrap(engerr.KindTransport, "agent.AnalyzeStream", chunk.Err)
		}
		sb.WriteString(chunk.Text)
		if chunk.Done {
			break
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

// Finish names where Analyze's result should be written as a convenience.
// Doc may be nil, meaning "don't write" — Analyze itself never touches the
// document; only AnalyzeAndFinish does, and only through the Anchor Store.
type Finish struct {
	Doc    *anchor.Store
	Marker string
	Header string
}

// AnalyzeAndFinish runs Analyze and, if finish.Doc is set, writes the
// resulting text to finish.Marker via the Anchor Store. The text is
// returned regardless of whether the write succeeds or is skipped.
func (a *Agent) AnalyzeAndFinish(ctx context.Context, input Input, finish Finish) (string, error) {
	text, err := a.Analyze(ctx, input)
	if err != nil {
		return "", err
	}
	if finish.Doc != nil {
		if writeErr := finish.Doc.Update(finish.Marker, text, finish.Header); writeErr != nil {
			slog.Warn("agent: convenience write failed", "agent", a.cfg.Name, "marker", finish.Marker, "error", writeErr)
			return text, engerr.Wrap(engerr.KindDocument, "agent.AnalyzeAndFinish", writeErr)
		}
	}
	return text, nil
}
