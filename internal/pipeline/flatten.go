package pipeline

import "github.com/jmylchreest/fetcharr/internal/models"

// FlatStep is one node of a template flattened into pre-order execution
// order. SkipTo is the index just past the node's subtree: when the node's
// condition evaluates false the walk jumps straight there, skipping the node
// and every child under it.
type FlatStep struct {
	Def    models.StepDefinition
	Depth  int
	SkipTo int
}

// Flatten walks the template's step tree depth-first and returns the
// pre-order list the executor iterates. Children run immediately after their
// parent unless the parent redirects the walk.
func Flatten(steps []models.StepDefinition) []FlatStep {
	var out []FlatStep
	flattenInto(&out, steps, 0)
	return out
}

func flattenInto(out *[]FlatStep, steps []models.StepDefinition, depth int) {
	for _, def := range steps {
		idx := len(*out)
		*out = append(*out, FlatStep{Def: def, Depth: depth})
		flattenInto(out, def.Children, depth+1)
		(*out)[idx].SkipTo = len(*out)
	}
}

// IndexOf returns the position of the named step, or -1 when the template
// has no step by that name.
func IndexOf(steps []FlatStep, name string) int {
	for i, s := range steps {
		if s.Def.Name == name {
			return i
		}
	}
	return -1
}

// FirstIndexOfType returns the position of the first step of the given type,
// or -1. Branch executions use this to start at the encode stage.
func FirstIndexOfType(steps []FlatStep, t models.StepType) int {
	for i, s := range steps {
		if s.Def.Type == t {
			return i
		}
	}
	return -1
}
