package pipeline

import (
	"github.com/jmylchreest/fetcharr/internal/apperrors"
	"github.com/jmylchreest/fetcharr/internal/models"
)

// Registry maps step types to their implementations. Steps register once at
// startup; templates are validated against the registry before they run.
type Registry struct {
	steps map[models.StepType]Step
}

// NewRegistry creates an empty step registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[models.StepType]Step)}
}

// Register adds a step implementation, replacing any previous one of the
// same type.
func (r *Registry) Register(step Step) {
	r.steps[step.Type()] = step
}

// Get returns the implementation for a step type, or nil when unregistered.
func (r *Registry) Get(t models.StepType) Step {
	return r.steps[t]
}

// Types returns the registered step types.
func (r *Registry) Types() []models.StepType {
	out := make([]models.StepType, 0, len(r.steps))
	for t := range r.steps {
		out = append(out, t)
	}
	return out
}

// ValidateTemplate checks that a template only references registered step
// types, that every step carries a unique non-empty name, that each step's
// config passes its implementation's validation, and that conditional jump
// targets name real steps.
func (r *Registry) ValidateTemplate(tmpl *models.PipelineTemplate) error {
	if err := tmpl.Validate(); err != nil {
		return apperrors.Wrap(apperrors.KindConfig, err, "template %q", tmpl.Name)
	}

	flat := Flatten(tmpl.Steps)
	names := make(map[string]struct{}, len(flat))

	for _, fs := range flat {
		def := fs.Def
		if def.Name == "" {
			return apperrors.New(apperrors.KindConfig, "template %q: step of type %q has no name", tmpl.Name, def.Type)
		}
		if _, dup := names[def.Name]; dup {
			return apperrors.New(apperrors.KindConfig, "template %q: duplicate step name %q", tmpl.Name, def.Name)
		}
		names[def.Name] = struct{}{}

		step := r.Get(def.Type)
		if step == nil {
			return apperrors.New(apperrors.KindConfig, "template %q: step %q has unregistered type %q", tmpl.Name, def.Name, def.Type)
		}
		if err := step.ValidateConfig(def.Config); err != nil {
			return apperrors.Wrap(apperrors.KindConfig, err, "template %q: step %q", tmpl.Name, def.Name)
		}
	}

	// Jump targets can only be checked once every name is known.
	for _, fs := range flat {
		target, ok := fs.Def.Config["next"].(string)
		if !ok || target == "" {
			continue
		}
		if _, exists := names[target]; !exists {
			return apperrors.New(apperrors.KindConfig, "template %q: step %q jumps to unknown step %q", tmpl.Name, fs.Def.Name, target)
		}
	}

	return nil
}
