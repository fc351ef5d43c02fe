// Package provision implements the Template Provisioner (spec section 4.3):
// ensures a collaboration-form document exists for a run by copying a
// template into a target directory, then adopts either the file the copy
// created or the most-recently-modified existing file. ExternalInfo
// composes the EXTERNAL_INFO anchor body; writing it into the document is
// left to the caller.
package provision

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mitchellh/mapstructure"
)

// Meta is optional YAML front-matter a template file may carry (delimited
// by "---" lines at the top of the file) describing defaults for the run,
// e.g. a default tool catalog. Most templates carry none of this; it is a
// convenience, not a requirement.
type Meta struct {
	DefaultToolCatalog []string `mapstructure:"default_tool_catalog" yaml:"default_tool_catalog"`
}

// Provisioner copies templatePath into dir when the directory holds no
// documents yet, and always adopts the newest .md file in dir afterward.
type Provisioner struct {
	TemplatePath string
	Dir          string
	Threshold    int // copy a fresh template if dir has fewer than Threshold existing docs
}

// New returns a Provisioner with Threshold defaulting to 1 (copy the
// template only when the directory is empty).
func New(templatePath, dir string) *Provisioner {
	return &Provisioner{TemplatePath: templatePath, Dir: dir, Threshold: 1}
}

// Ensure guarantees dir exists, optionally copies the template into it, and
// returns the path of the document the run should adopt: the newly created
// file if one was created, otherwise the most-recently-modified existing
// .md file in dir.
func (p *Provisioner) Ensure() (string, error) {
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return "", fmt.Errorf("provision: create dir %s: %w", p.Dir, err)
	}

	info, err := os.Stat(p.TemplatePath)
	if err != nil || info.IsDir() {
		return "", fmt.Errorf("provision: template not found: %s", p.TemplatePath)
	}

	before, err := listMarkdown(p.Dir)
	if err != nil {
		return "", err
	}

	var created string
	if len(before) < p.Threshold {
		created, err = p.copyTemplate()
		if err != nil {
			return "", err
		}
	}

	if created != "" {
		return created, nil
	}

	after, err := listMarkdown(p.Dir)
	if err != nil {
		return "", err
	}
	if len(after) == 0 {
		return "", fmt.Errorf("provision: no document could be created or located in %s", p.Dir)
	}
	return newest(after), nil
}

func (p *Provisioner) copyTemplate() (string, error) {
	content, err := os.ReadFile(p.TemplatePath)
	if err != nil {
		return "", fmt.Errorf("provision: read template: %w", err)
	}
	name := fmt.Sprintf("finish_form_%d.md", time.Now().UnixNano())
	dest := filepath.Join(p.Dir, name)
	if err := os.WriteFile(dest, content, 0o644); err != nil {
		return "", fmt.Errorf("provision: write %s: %w", dest, err)
	}
	return dest, nil
}

func listMarkdown(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("provision: list %s: %w", dir, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}

func newest(paths []string) string {
	sort.Slice(paths, func(i, j int) bool {
		ii, _ := os.Stat(paths[i])
		jj, _ := os.Stat(paths[j])
		if ii == nil || jj == nil {
			return false
		}
		return ii.ModTime().After(jj.ModTime())
	})
	return paths[0]
}

// ExternalInfo composes the EXTERNAL_INFO anchor body: objective, external
// context snapshot, and tool catalog subsections, matching
// full_pipeline_runner.py's _write_external_context layout.
func ExternalInfo(objective, contextSnapshot string, toolCatalog []string) string {
	var b strings.Builder
	b.WriteString("### Task Objective\n\n")
	b.WriteString(objective)
	b.WriteString("\n\n### External Context\n\n")
	if contextSnapshot != "" {
		b.WriteString(contextSnapshot)
		b.WriteString("\n")
	}
	b.WriteString("\n### Available Tools\n")
	if len(toolCatalog) > 0 {
		for _, t := range toolCatalog {
			b.WriteString("- ")
			b.WriteString(t)
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// TemplateMeta reads and parses p.TemplatePath's optional front-matter,
// so a caller can fall back to its DefaultToolCatalog when the run didn't
// specify one explicitly.
func (p *Provisioner) TemplateMeta() (Meta, error) {
	content, err := os.ReadFile(p.TemplatePath)
	if err != nil {
		return Meta{}, fmt.Errorf("provision: read template: %w", err)
	}
	return ParseTemplateMeta(content)
}

// ParseTemplateMeta extracts and decodes an optional leading YAML
// front-matter block ("---\n...\n---\n") from a template file's content.
// Returns a zero Meta and no error if no front-matter block is present.
func ParseTemplateMeta(content []byte) (Meta, error) {
	var meta Meta
	text := string(content)
	if !strings.HasPrefix(text, "---\n") {
		return meta, nil
	}
	rest := text[4:]
	end := strings.Index(rest, "\n---")
	if end == -1 {
		return meta, nil
	}
	raw := rest[:end]

	var generic map[string]any
	if err := yaml.Unmarshal([]byte(raw), &generic); err != nil {
		return meta, fmt.Errorf("provision: parse template front-matter: %w", err)
	}
	if err := mapstructure.Decode(generic, &meta); err != nil {
		return meta, fmt.Errorf("provision: decode template front-matter: %w", err)
	}
	return meta, nil
}
