// Package templates loads and resolves the prompt template packs used to
// instruct the generation model at each pipeline step.
package templates

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/scriptfactory/script-factory-be/internal/domain"
)

// Template is one named instruction text for a pipeline step.
type Template struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Instruction string `yaml:"instruction"`
	Default     bool   `yaml:"default"`
}

// manifest is the on-disk shape of a template pack.
type manifest struct {
	Steps map[int][]Template `yaml:"steps"`
}

// Registry resolves (step, template id) pairs to instruction text. It is
// immutable after Load and safe for concurrent reads.
type Registry struct {
	byStep map[domain.Step][]Template
}

// Load reads a template manifest file and validates that every pipeline
// step has at least one template and exactly one default.
func Load(manifestPath string) (*Registry, error) {
	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read template manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse template manifest: %w", err)
	}

	reg := &Registry{byStep: make(map[domain.Step][]Template)}
	for step := domain.StepDiscovery; step <= domain.StepMetadata; step++ {
		entries, ok := m.Steps[int(step)]
		if !ok || len(entries) == 0 {
			return nil, fmt.Errorf("template manifest has no templates for step %d (%s)", step, step)
		}

		defaults := 0
		for _, tpl := range entries {
			if tpl.ID == "" {
				return nil, fmt.Errorf("template for step %d (%s) is missing an id", step, step)
			}
			if tpl.Instruction == "" {
				return nil, fmt.Errorf("template %q for step %d (%s) has no instruction text", tpl.ID, step, step)
			}
			if tpl.Default {
				defaults++
			}
		}
		if defaults != 1 {
			return nil, fmt.Errorf("step %d (%s) must have exactly one default template, got %d", step, step, defaults)
		}

		reg.byStep[step] = entries
	}

	return reg, nil
}

// Resolve returns the instruction text for the given step and template id.
// An empty id selects the step's default template. Resolution failure is a
// configuration error and must be surfaced before any remote call.
func (r *Registry) Resolve(step domain.Step, templateID string) (string, error) {
	entries, ok := r.byStep[step]
	if !ok {
		return "", fmt.Errorf("%w: step %d (%s)", domain.ErrTemplateNotFound, step, step)
	}

	if templateID == "" {
		for _, tpl := range entries {
			if tpl.Default {
				return tpl.Instruction, nil
			}
		}
		return "", fmt.Errorf("%w: no default for step %d (%s)", domain.ErrTemplateNotFound, step, step)
	}

	for _, tpl := range entries {
		if tpl.ID == templateID {
			return tpl.Instruction, nil
		}
	}

	return "", fmt.Errorf("%w: %q for step %d (%s)", domain.ErrTemplateNotFound, templateID, step, step)
}

// List returns the templates registered for a step, in manifest order.
func (r *Registry) List(step domain.Step) []Template {
	return r.byStep[step]
}
