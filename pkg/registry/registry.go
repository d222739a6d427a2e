// Package registry loads the capability registry: the known agents and
// skills, each with the tool allowlist it needs. The registry is read-only
// at runtime; discovery and authoring happen outside the service.
package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Agent is a named sub-agent a task may spawn.
type Agent struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Tools       []string `yaml:"tools" json:"tools"`
}

// Skill is a named capability a task may invoke.
type Skill struct {
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Tools       []string `yaml:"tools" json:"tools"`
}

// Registry is the immutable capability catalogue.
type Registry struct {
	Agents []Agent `yaml:"agents" json:"agents"`
	Skills []Skill `yaml:"skills" json:"skills"`
}

// Default returns the built-in catalogue used when no registry file is
// configured.
func Default() *Registry {
	return &Registry{
		Agents: []Agent{
			{Name: "researcher", Description: "Searches and summarizes external sources", Tools: []string{"Read", "Grep", "WebFetch"}},
			{Name: "summarizer", Description: "Condenses long documents", Tools: []string{"Read"}},
			{Name: "coder", Description: "Writes and edits source files", Tools: []string{"Read", "Write", "Edit", "Grep", "Glob"}},
			{Name: "reviewer", Description: "Reviews diffs and flags issues", Tools: []string{"Read", "Grep", "Glob"}},
		},
		Skills: []Skill{
			{Name: "web-search", Description: "Query the web and extract answers", Tools: []string{"WebFetch"}},
			{Name: "code-review", Description: "Structured review of a change set", Tools: []string{"Read", "Grep"}},
			{Name: "data-analysis", Description: "Tabular data exploration", Tools: []string{"Read", "Bash"}},
		},
	}
}

// Load reads the registry from a YAML file; an empty path yields the
// built-in defaults.
func Load(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file: %w", err)
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse registry file %s: %w", path, err)
	}
	if err := reg.validate(); err != nil {
		return nil, fmt.Errorf("invalid registry file %s: %w", path, err)
	}
	return &reg, nil
}

func (r *Registry) validate() error {
	seen := make(map[string]bool)
	for _, a := range r.Agents {
		if a.Name == "" {
			return fmt.Errorf("agent with empty name")
		}
		if seen["agent:"+a.Name] {
			return fmt.Errorf("duplicate agent %q", a.Name)
		}
		seen["agent:"+a.Name] = true
	}
	for _, s := range r.Skills {
		if s.Name == "" {
			return fmt.Errorf("skill with empty name")
		}
		if seen["skill:"+s.Name] {
			return fmt.Errorf("duplicate skill %q", s.Name)
		}
		seen["skill:"+s.Name] = true
	}
	return nil
}

// AgentNames lists the catalogue's agent names.
func (r *Registry) AgentNames() []string {
	names := make([]string, 0, len(r.Agents))
	for _, a := range r.Agents {
		names = append(names, a.Name)
	}
	return names
}

// SkillNames lists the catalogue's skill names.
func (r *Registry) SkillNames() []string {
	names := make([]string, 0, len(r.Skills))
	for _, s := range r.Skills {
		names = append(names, s.Name)
	}
	return names
}
