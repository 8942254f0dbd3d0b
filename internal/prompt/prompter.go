// Package prompt renders raw user input into the final text sent to a node.
// Rendering is a pure transform of (template, variables); generation
// parameters and target models ride along from the prompt directory.
package prompt

import (
	"fmt"
	"strings"
	"text/template"

	"herd-backend/internal/config"
)

type Rendered struct {
	Text    string
	Version string
	Param   map[string]any
}

type Renderer struct {
	directory *config.Directory
}

func NewRenderer(directory *config.Directory) *Renderer {
	return &Renderer{directory: directory}
}

// Render embeds raw input into the prompt's template. Every template variable
// without an explicit value falls back to the prompt's configured default;
// the raw input is always bound to "text".
func (r *Renderer) Render(promptKey, rawInput string, vars map[string]string) (*Rendered, error) {
	prompts := r.directory.Snapshot().Prompts
	p, ok := prompts[promptKey]
	if !ok {
		return nil, fmt.Errorf("unknown prompt key %q", promptKey)
	}

	tmpl, err := template.New(promptKey).Option("missingkey=zero").Parse(p.Template)
	if err != nil {
		return nil, fmt.Errorf("error parsing template for prompt %q: %w", promptKey, err)
	}

	data := make(map[string]string, len(p.Defaults)+len(vars)+1)
	for k, v := range p.Defaults {
		data[k] = v
	}
	for k, v := range vars {
		data[k] = v
	}
	data["text"] = rawInput

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return nil, fmt.Errorf("error rendering prompt %q: %w", promptKey, err)
	}

	return &Rendered{Text: sb.String(), Version: p.Version, Param: p.Param}, nil
}
