package agents

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/insightengine/orchestrator/internal/research"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// PromptSpec is one role's prompt and sampling settings.
type PromptSpec struct {
	Temperature float64 `yaml:"temperature"`
	JSON        bool    `yaml:"json"`
	Template    string  `yaml:"template"`

	tmpl *template.Template
}

// Prompts holds the prompt of every role.
type Prompts struct {
	Manager  PromptSpec `yaml:"manager"`
	Writer   PromptSpec `yaml:"writer"`
	Critique PromptSpec `yaml:"critique"`
}

// DefaultPrompts parses the embedded prompt set.
func DefaultPrompts() (*Prompts, error) {
	return LoadPrompts(defaultPrompts)
}

// LoadPrompts parses a YAML prompt set. Unknown fields are rejected.
func LoadPrompts(data []byte) (*Prompts, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var p Prompts
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode prompts: %w", err)
	}
	for role, spec := range map[research.AgentRole]*PromptSpec{
		research.RoleManager:  &p.Manager,
		research.RoleWriter:   &p.Writer,
		research.RoleCritique: &p.Critique,
	} {
		if strings.TrimSpace(spec.Template) == "" {
			return nil, fmt.Errorf("prompt for %s is empty", role)
		}
		t, err := template.New(string(role)).
			Funcs(template.FuncMap{"join": strings.Join}).
			Option("missingkey=error").
			Parse(spec.Template)
		if err != nil {
			return nil, fmt.Errorf("parse %s prompt: %w", role, err)
		}
		spec.tmpl = t
	}
	return &p, nil
}

// Render executes the template with data.
func (s PromptSpec) Render(data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := s.tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}
