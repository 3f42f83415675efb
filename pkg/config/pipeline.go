package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jdziat/scanflow/pkg/core"
	"github.com/jdziat/scanflow/pkg/schedule"
	"github.com/jdziat/scanflow/pkg/security"
	"github.com/jdziat/scanflow/pkg/steps"
)

// ErrAmbiguousKind is returned for a step that declares more than one kind.
var ErrAmbiguousKind = errors.New("config: step declares more than one kind")

// PipelineFile is the YAML form of a pipeline.
type PipelineFile struct {
	Jobs []JobDef `yaml:"jobs" validate:"required,min=1,dive"`
}

// JobDef is the YAML form of a job.
type JobDef struct {
	ID          string    `yaml:"id" validate:"required"`
	Description string    `yaml:"description"`
	Completion  bool      `yaml:"completion"`
	Steps       []StepDef `yaml:"steps" validate:"required,min=1,dive"`
}

// StepDef is the YAML form of a step. Exactly one of Command, DeleteFiles,
// Builtin and Noop must be set.
type StepDef struct {
	ID                        string   `yaml:"id" validate:"required"`
	Description               string   `yaml:"description"`
	DependsUpon               []string `yaml:"depends_upon" validate:"omitempty,dive,required"`
	Retries                   int      `yaml:"retries" validate:"gte=0"`
	Parallel                  bool     `yaml:"parallel"`
	MaxUnitsPerInstance       int64    `yaml:"max_units_per_instance" validate:"gte=0"`
	CreatesInstancesOnNewData bool     `yaml:"creates_instances_on_new_data"`
	Cron                      string   `yaml:"cron"`

	Command     *CommandDef     `yaml:"command"`
	DeleteFiles *DeleteFilesDef `yaml:"delete_files"`
	Builtin     string          `yaml:"builtin"`
	Noop        bool            `yaml:"noop"`
}

// CommandDef is the YAML form of core.RunCommand.
type CommandDef struct {
	Args    []string          `yaml:"args" validate:"required,min=1,dive,required"`
	Env     map[string]string `yaml:"env"`
	Timeout time.Duration     `yaml:"timeout" validate:"gte=0"`
}

// DeleteFilesDef is the YAML form of core.DeleteFiles.
type DeleteFilesDef struct {
	Paths []string `yaml:"paths" validate:"required,min=1,dive,required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// LoadPipeline reads and builds the pipeline defined in the file at path.
func LoadPipeline(path string) (*core.Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read pipeline: %w", err)
	}
	p, err := ParsePipeline(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParsePipeline decodes a pipeline definition, rejecting unknown keys, and
// builds it.
func ParsePipeline(r io.Reader) (*core.Pipeline, error) {
	var def PipelineFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("config: empty pipeline definition")
		}
		return nil, fmt.Errorf("config: decode pipeline: %w", err)
	}
	return def.Build()
}

// Build validates the definition and converts it to a core.Pipeline.
func (def *PipelineFile) Build() (*core.Pipeline, error) {
	if err := validate.Struct(def); err != nil {
		return nil, fmt.Errorf("config: invalid pipeline: %w", err)
	}

	jobs := make([]*core.Job, 0, len(def.Jobs))
	for _, jd := range def.Jobs {
		if err := security.ValidateID(jd.ID); err != nil {
			return nil, fmt.Errorf("job %q: %w", jd.ID, err)
		}
		job := &core.Job{ID: jd.ID, Description: jd.Description, Completion: jd.Completion}
		for _, sd := range jd.Steps {
			step, err := sd.toStep()
			if err != nil {
				return nil, fmt.Errorf("job %s: step %q: %w", jd.ID, sd.ID, err)
			}
			job.Steps = append(job.Steps, step)
		}
		jobs = append(jobs, job)
	}
	return core.NewPipeline(jobs...)
}

func (sd StepDef) toStep() (*core.Step, error) {
	if err := security.ValidateID(sd.ID); err != nil {
		return nil, err
	}
	if sd.Cron != "" {
		if err := schedule.Validate(sd.Cron); err != nil {
			return nil, err
		}
	}
	kind, err := sd.kind()
	if err != nil {
		return nil, err
	}
	return &core.Step{
		ID:                        sd.ID,
		Description:               sd.Description,
		Kind:                      kind,
		DependsUpon:               sd.DependsUpon,
		Retries:                   security.ClampRetries(sd.Retries),
		Parallel:                  sd.Parallel,
		MaxUnitsPerInstance:       sd.MaxUnitsPerInstance,
		CreatesInstancesOnNewData: sd.CreatesInstancesOnNewData,
		CronSchedule:              sd.Cron,
	}, nil
}

func (sd StepDef) kind() (core.StepKind, error) {
	var kinds []core.StepKind
	if sd.Command != nil {
		kinds = append(kinds, core.RunCommand{Args: sd.Command.Args, Env: sd.Command.Env, Timeout: sd.Command.Timeout})
	}
	if sd.DeleteFiles != nil {
		for _, p := range sd.DeleteFiles.Paths {
			if err := steps.ValidateDeletePath(p); err != nil {
				return nil, err
			}
		}
		kinds = append(kinds, core.DeleteFiles{Paths: sd.DeleteFiles.Paths})
	}
	if sd.Builtin != "" {
		kinds = append(kinds, core.Builtin{Name: sd.Builtin})
	}
	if sd.Noop {
		kinds = append(kinds, core.Noop{})
	}
	switch len(kinds) {
	case 0:
		return nil, core.ErrMissingStepKind
	case 1:
		return kinds[0], nil
	default:
		return nil, ErrAmbiguousKind
	}
}
