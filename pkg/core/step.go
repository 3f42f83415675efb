package core

import "time"

// Names of the step kinds understood by workers.
const (
	KindCommand     = "command"
	KindDeleteFiles = "delete-files"
	KindBuiltin     = "builtin"
	KindNoop        = "noop"
)

// StepKind is the closed set of things a step can do. Each variant carries
// only the data its execution needs; workers dispatch on the concrete type.
type StepKind interface {
	KindName() string
	isStepKind()
}

// RunCommand runs an external binary in the execution's work directory.
// Args and Env values may contain placeholders such as [RANGE_START].
type RunCommand struct {
	Args    []string
	Env     map[string]string
	Timeout time.Duration
}

func (RunCommand) KindName() string { return KindCommand }
func (RunCommand) isStepKind()      {}

// DeleteFiles removes files produced by earlier steps. Missing files are not an error.
// Paths are glob patterns that must be absolute once placeholders are filled.
type DeleteFiles struct {
	Paths []string
}

func (DeleteFiles) KindName() string { return KindDeleteFiles }
func (DeleteFiles) isStepKind()      {}

// Builtin runs a Go function registered on the worker under Name.
type Builtin struct {
	Name string
}

func (Builtin) KindName() string { return KindBuiltin }
func (Builtin) isStepKind()      {}

// Noop succeeds without doing anything. Useful for barrier steps.
type Noop struct{}

func (Noop) KindName() string { return KindNoop }
func (Noop) isStepKind()      {}

// Step is the static definition of one kind of pipeline work.
// Steps are loaded once at startup and never mutated afterwards.
type Step struct {
	ID          string
	Description string
	JobID       string // set by NewPipeline
	Kind        StepKind

	// DependsUpon lists the ids of steps whose instances must succeed first.
	DependsUpon []string

	// Retries is the total attempt budget once an instance has failed:
	// a failed instance is resubmitted while its execution count is below Retries.
	Retries int

	// Parallel steps are dispatched on a per-job queue.
	Parallel bool

	// MaxUnitsPerInstance bounds the size of the work range of one instance.
	// Zero means unbounded.
	MaxUnitsPerInstance int64

	CreatesInstancesOnNewData bool

	// CronSchedule, when set, creates a fresh instance of the step on every tick.
	CronSchedule string
}

// DependsOnStep reports whether id is a direct dependency of s.
func (s *Step) DependsOnStep(id string) bool {
	for _, dep := range s.DependsUpon {
		if dep == id {
			return true
		}
	}
	return false
}
