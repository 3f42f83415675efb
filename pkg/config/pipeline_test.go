package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/scanflow/pkg/core"
	"github.com/jdziat/scanflow/pkg/steps"
)

const pfamPipeline = `
jobs:
  - id: pfam
    description: Pfam-A analysis
    steps:
      - id: search
        retries: 3
        parallel: true
        max_units_per_instance: 5000
        creates_instances_on_new_data: true
        command:
          args: [hmmsearch, --cut_ga, "[WORK_DIR]/out", "[RANGE_START]"]
          env:
            THREADS: "4"
          timeout: 2h
      - id: parse
        depends_upon: [search]
        retries: 2
        creates_instances_on_new_data: true
        builtin: parse-hmmer
      - id: cleanup
        depends_upon: [parse]
        delete_files:
          paths: ["[OUTPUT_DIR]/raw_[RANGE_START].*"]
  - id: completion
    completion: true
    steps:
      - id: finish
        noop: true
      - id: nightly
        cron: "@daily"
        noop: true
`

func parse(t *testing.T, doc string) (*core.Pipeline, error) {
	t.Helper()
	return ParsePipeline(strings.NewReader(doc))
}

func TestParsePipeline(t *testing.T) {
	p, err := parse(t, pfamPipeline)
	require.NoError(t, err)

	require.Len(t, p.Jobs(), 2)
	job, ok := p.Job("completion")
	require.True(t, ok)
	assert.True(t, job.Completion)

	search, ok := p.Step("search")
	require.True(t, ok)
	assert.Equal(t, "pfam", search.JobID)
	assert.Equal(t, 3, search.Retries)
	assert.True(t, search.Parallel)
	assert.Equal(t, int64(5000), search.MaxUnitsPerInstance)
	assert.Equal(t, core.RunCommand{
		Args:    []string{"hmmsearch", "--cut_ga", "[WORK_DIR]/out", "[RANGE_START]"},
		Env:     map[string]string{"THREADS": "4"},
		Timeout: 2 * time.Hour,
	}, search.Kind)

	parseStep, _ := p.Step("parse")
	assert.Equal(t, core.Builtin{Name: "parse-hmmer"}, parseStep.Kind)
	assert.Equal(t, []string{"search"}, parseStep.DependsUpon)

	cleanup, _ := p.Step("cleanup")
	assert.Equal(t, core.DeleteFiles{Paths: []string{"[OUTPUT_DIR]/raw_[RANGE_START].*"}}, cleanup.Kind)

	nightly, _ := p.Step("nightly")
	assert.Equal(t, "@daily", nightly.CronSchedule)
	assert.Equal(t, core.Noop{}, nightly.Kind)
}

func TestParsePipeline_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		is   error
		want string
	}{
		{
			name: "empty",
			doc:  "",
			want: "empty pipeline",
		},
		{
			name: "unknown key",
			doc:  "jobs:\n  - id: a\n    steps:\n      - id: s\n        noop: true\n        retry: 3\n",
			want: "field retry not found",
		},
		{
			name: "no jobs",
			doc:  "jobs: []\n",
			want: "'jobs' failed on the",
		},
		{
			name: "negative retries",
			doc:  "jobs:\n  - id: a\n    steps:\n      - id: s\n        noop: true\n        retries: -1\n",
			want: "'retries' failed on the 'gte' tag",
		},
		{
			name: "command without args",
			doc:  "jobs:\n  - id: a\n    steps:\n      - id: s\n        command: {timeout: 1m}\n",
			want: "'args' failed on the 'required' tag",
		},
		{
			name: "no kind",
			doc:  "jobs:\n  - id: a\n    steps:\n      - id: s\n",
			is:   core.ErrMissingStepKind,
		},
		{
			name: "two kinds",
			doc:  "jobs:\n  - id: a\n    steps:\n      - id: s\n        noop: true\n        builtin: x\n",
			is:   ErrAmbiguousKind,
		},
		{
			name: "invalid id",
			doc:  "jobs:\n  - id: a\n    steps:\n      - id: 9lives\n        noop: true\n",
			is:   core.ErrInvalidID,
		},
		{
			name: "relative delete path",
			doc:  "jobs:\n  - id: a\n    steps:\n      - id: s\n        delete_files:\n          paths: [out/raw_1.txt]\n",
			is:   steps.ErrRelativePath,
		},
		{
			name: "delete in scratch dir",
			doc:  "jobs:\n  - id: a\n    steps:\n      - id: s\n        delete_files:\n          paths: [\"[WORK_DIR]/out\"]\n",
			is:   steps.ErrRelativePath,
		},
		{
			name: "bad cron",
			doc:  "jobs:\n  - id: a\n    steps:\n      - id: s\n        noop: true\n        cron: every tuesday\n",
			is:   core.ErrInvalidCronSpec,
		},
		{
			name: "unknown dependency",
			doc:  "jobs:\n  - id: a\n    steps:\n      - id: s\n        noop: true\n        depends_upon: [t]\n",
			is:   core.ErrUnknownStep,
		},
		{
			name: "cycle",
			doc: "jobs:\n  - id: a\n    steps:\n" +
				"      - id: s\n        noop: true\n        depends_upon: [t]\n" +
				"      - id: t\n        noop: true\n        depends_upon: [s]\n",
			is: core.ErrDependencyCycle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parse(t, tt.doc)
			require.Error(t, err)
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
			if tt.want != "" {
				assert.Contains(t, err.Error(), tt.want)
			}
		})
	}
}

func TestParsePipeline_ValidationErrorsUseYAMLNames(t *testing.T) {
	_, err := parse(t, "jobs:\n  - id: a\n    steps: []\n")

	var verrs validator.ValidationErrors
	require.ErrorAs(t, err, &verrs)
	require.Len(t, verrs, 1)
	assert.Equal(t, "steps", verrs[0].Field())
}

func TestParsePipeline_ClampsRetries(t *testing.T) {
	p, err := parse(t, "jobs:\n  - id: a\n    steps:\n      - id: s\n        noop: true\n        retries: 100000\n")
	require.NoError(t, err)

	s, _ := p.Step("s")
	assert.Equal(t, 100, s.Retries)
}

func TestLoadPipeline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(pfamPipeline), 0o600))

	p, err := LoadPipeline(path)
	require.NoError(t, err)
	assert.Len(t, p.Steps(), 5)

	_, err = LoadPipeline(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
