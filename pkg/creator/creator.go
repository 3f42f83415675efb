// Package creator builds the step instances needed when new input data
// arrives.
//
// For a new work range every step flagged CreatesInstancesOnNewData gets
// instances covering the range, cut into chunks of at most
// MaxUnitsPerInstance units. Each chunk depends on the chunks of its
// upstream steps that overlap it. Steps of completion jobs get a single
// instance over the whole range that waits for every analysis instance of
// the batch.
package creator

import (
	"fmt"
	"maps"

	"github.com/jdziat/scanflow/pkg/core"
)

// Creator builds instance graphs for a pipeline.
type Creator struct {
	pipeline *core.Pipeline
}

// New creates a Creator for pipeline.
func New(pipeline *core.Pipeline) *Creator {
	return &Creator{pipeline: pipeline}
}

// ForNewData returns the instances for a newly loaded range, in dependency
// order. Every instance carries its own copy of params.
func (c *Creator) ForNewData(r core.WorkRange, params map[string]string) ([]*core.StepInstance, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	byStep := make(map[string][]*core.StepInstance)
	var analysis, completion []*core.StepInstance

	for _, step := range c.pipeline.Steps() {
		if !step.CreatesInstancesOnNewData || c.isCompletion(step) {
			continue
		}
		for _, chunk := range r.Split(step.MaxUnitsPerInstance) {
			inst := core.NewStepInstance(step, chunk, overlapping(step, chunk, byStep), maps.Clone(params))
			byStep[step.ID] = append(byStep[step.ID], inst)
			analysis = append(analysis, inst)
		}
	}

	for _, step := range c.pipeline.Steps() {
		if !step.CreatesInstancesOnNewData || !c.isCompletion(step) {
			continue
		}
		deps := make([]string, 0, len(analysis))
		for _, inst := range analysis {
			deps = append(deps, inst.ID)
		}
		deps = append(deps, overlapping(step, r, byStep)...)

		inst := core.NewStepInstance(step, r, deps, maps.Clone(params))
		byStep[step.ID] = append(byStep[step.ID], inst)
		completion = append(completion, inst)
	}

	if len(analysis)+len(completion) == 0 {
		return nil, fmt.Errorf("creator: no step creates instances on new data")
	}
	return append(analysis, completion...), nil
}

func (c *Creator) isCompletion(step *core.Step) bool {
	job, ok := c.pipeline.Job(step.JobID)
	return ok && job.Completion
}

// overlapping returns the ids of already-created instances of step's
// dependencies whose range overlaps r.
func overlapping(step *core.Step, r core.WorkRange, byStep map[string][]*core.StepInstance) []string {
	var ids []string
	for _, dep := range step.DependsUpon {
		for _, inst := range byStep[dep] {
			if inst.Range.Overlaps(r) {
				ids = append(ids, inst.ID)
			}
		}
	}
	return ids
}
