package steps

import (
	"context"

	"github.com/jmylchreest/fetcharr/internal/apperrors"
	"github.com/jmylchreest/fetcharr/internal/models"
	"github.com/jmylchreest/fetcharr/internal/pipeline"
)

// ConditionalStep is a pure control-flow node: its template condition decides
// whether its subtree runs, and an optional next target jumps the walk
// elsewhere. It touches nothing.
type ConditionalStep struct{}

// NewConditionalStep creates the conditional step.
func NewConditionalStep() *ConditionalStep {
	return &ConditionalStep{}
}

// Type implements pipeline.Step.
func (c *ConditionalStep) Type() models.StepType { return models.StepTypeConditional }

// ValidateConfig accepts an optional next jump target; the registry checks
// the target exists.
func (c *ConditionalStep) ValidateConfig(cfg map[string]any) error {
	if raw, ok := cfg["next"]; ok {
		if _, isStr := raw.(string); !isStr {
			return apperrors.New(apperrors.KindConfig, "next must be a step name, got %T", raw)
		}
	}
	return nil
}

// Execute implements pipeline.Step.
func (c *ConditionalStep) Execute(ctx context.Context, state *pipeline.State, cfg map[string]any) (*pipeline.StepOutput, error) {
	if next := configString(cfg, "next"); next != "" {
		return &pipeline.StepOutput{Success: true, NextStep: &next}, nil
	}
	return pipeline.Succeed(), nil
}

var _ pipeline.Step = (*ConditionalStep)(nil)
