package core

import "fmt"

// Job is an ordered group of steps forming one sub-pipeline.
type Job struct {
	ID          string
	Description string

	// Completion jobs run once over a whole input range after every
	// analysis instance created for that range.
	Completion bool

	Steps []*Step
}

// Pipeline is the validated, immutable set of jobs and steps a scheduler
// and its workers agree on.
type Pipeline struct {
	jobs  []*Job
	jobBy map[string]*Job
	steps map[string]*Step
	order []*Step
}

// NewPipeline validates the jobs and indexes their steps.
// Step ids are unique across the pipeline, dependencies must name known
// steps, and the dependency relation must be acyclic.
func NewPipeline(jobs ...*Job) (*Pipeline, error) {
	p := &Pipeline{
		jobBy: make(map[string]*Job, len(jobs)),
		steps: make(map[string]*Step),
	}

	var declared []*Step
	for _, job := range jobs {
		if job.ID == "" {
			return nil, ErrInvalidID
		}
		if _, ok := p.jobBy[job.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
		}
		p.jobBy[job.ID] = job
		p.jobs = append(p.jobs, job)

		for _, step := range job.Steps {
			if err := checkStep(step); err != nil {
				return nil, err
			}
			if _, ok := p.steps[step.ID]; ok {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateStep, step.ID)
			}
			step.JobID = job.ID
			p.steps[step.ID] = step
			declared = append(declared, step)
		}
	}

	for _, step := range declared {
		for _, dep := range step.DependsUpon {
			if dep == step.ID {
				return nil, fmt.Errorf("%w: %s depends on itself", ErrDependencyCycle, step.ID)
			}
			if _, ok := p.steps[dep]; !ok {
				return nil, fmt.Errorf("%w: %s (dependency of %s)", ErrUnknownStep, dep, step.ID)
			}
		}
	}

	order, err := topoSort(declared)
	if err != nil {
		return nil, err
	}
	p.order = order
	return p, nil
}

func checkStep(step *Step) error {
	switch {
	case step.ID == "":
		return ErrInvalidID
	case step.Kind == nil:
		return fmt.Errorf("%w: %s", ErrMissingStepKind, step.ID)
	case step.Retries < 0:
		return fmt.Errorf("%w: %s", ErrNegativeRetries, step.ID)
	case step.MaxUnitsPerInstance < 0:
		return fmt.Errorf("%w: %s", ErrNegativeMaxUnits, step.ID)
	}
	return nil
}

// topoSort orders steps so every step follows its dependencies, keeping
// declaration order among steps that are ready at the same time.
func topoSort(declared []*Step) ([]*Step, error) {
	placed := make(map[string]bool, len(declared))
	order := make([]*Step, 0, len(declared))

	for len(order) < len(declared) {
		progressed := false
		for _, step := range declared {
			if placed[step.ID] {
				continue
			}
			ready := true
			for _, dep := range step.DependsUpon {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				placed[step.ID] = true
				order = append(order, step)
				progressed = true
			}
		}
		if !progressed {
			return nil, ErrDependencyCycle
		}
	}
	return order, nil
}

// Step returns the step with the given id.
func (p *Pipeline) Step(id string) (*Step, bool) {
	s, ok := p.steps[id]
	return s, ok
}

// Job returns the job with the given id.
func (p *Pipeline) Job(id string) (*Job, bool) {
	j, ok := p.jobBy[id]
	return j, ok
}

// Jobs returns the jobs in declaration order.
func (p *Pipeline) Jobs() []*Job {
	return p.jobs
}

// Steps returns every step in dependency order.
func (p *Pipeline) Steps() []*Step {
	return p.order
}
