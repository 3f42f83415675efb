package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/scanflow/pkg/core"
	"github.com/jdziat/scanflow/pkg/storage"
)

const testPipeline = `
jobs:
  - id: pfam
    steps:
      - id: search
        parallel: true
        retries: 1
        max_units_per_instance: 5
        creates_instances_on_new_data: true
        command:
          args: [hmmsearch, "[RANGE_START]", "[RANGE_END]"]
      - id: parse
        depends_upon: [search]
        creates_instances_on_new_data: true
        builtin: parse-hmmer
  - id: output
    completion: true
    steps:
      - id: write
        creates_instances_on_new_data: true
        noop: true
`

func writePipeline(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testPipeline), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestGraph(t *testing.T) {
	out, err := run(t, "graph", "--pipeline", writePipeline(t))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(out, "digraph scanflow {"))
	assert.Contains(t, out, "subgraph cluster_0 {")
	assert.Contains(t, out, `label="output";`)
	assert.Contains(t, out, `"search" [label="search\ncommand, parallel"];`)
	assert.Contains(t, out, `"search" -> "parse";`)
	assert.Contains(t, out, "style=dashed;")
}

func TestMissingPipeline(t *testing.T) {
	_, err := run(t, "graph")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--pipeline")
}

func TestLoad_DryRun(t *testing.T) {
	out, err := run(t, "load", "--pipeline", writePipeline(t), "--lower", "1", "--upper", "10", "--dry-run")
	require.NoError(t, err)

	// Two search chunks, one parse and one completion instance.
	assert.Contains(t, out, "4 instances")
	assert.Contains(t, out, "1-5")
	assert.Contains(t, out, "6-10")
}

func TestLoad_InvalidRange(t *testing.T) {
	_, err := run(t, "load", "--pipeline", writePipeline(t), "--lower", "10", "--upper", "1", "--dry-run")
	assert.ErrorIs(t, err, core.ErrInvalidRange)
}

func TestLoadThenFailures(t *testing.T) {
	ctx := context.Background()
	pipeline := writePipeline(t)
	dsn := "sqlite://" + filepath.Join(t.TempDir(), "scanflow.db")

	_, err := run(t, "load", "--pipeline", pipeline, "--database-dsn", dsn, "--lower", "1", "--upper", "10",
		"--param", "DB=pfam-a")
	require.NoError(t, err)

	out, err := run(t, "failures", "--pipeline", pipeline, "--database-dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "no permanent failures")

	store, err := storage.Open(dsn)
	require.NoError(t, err)
	instances, err := store.RetrieveInstances(ctx, "search")
	require.NoError(t, err)
	require.Len(t, instances, 2)
	assert.Equal(t, "pfam-a", instances[0].Parameters["DB"])

	exec := core.NewStepExecution(instances[0].ID)
	exec.Fail("hmmsearch: exit status 1\nsegfault")
	require.NoError(t, store.InsertExecution(ctx, exec))

	out, err = run(t, "failures", "--pipeline", pipeline, "--database-dsn", dsn)
	require.NoError(t, err)
	assert.Contains(t, out, "LAST ERROR")
	assert.Contains(t, out, instances[0].ID)
	assert.Contains(t, out, "hmmsearch: exit status 1 ...")

	out, err = run(t, "failures", "--pipeline", pipeline, "--database-dsn", dsn, "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"StepID": "search"`)
}

func TestWorkerNeedsRedis(t *testing.T) {
	_, err := run(t, "worker", "--pipeline", writePipeline(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--redis-addr")
}

func TestBadLogLevel(t *testing.T) {
	_, err := run(t, "graph", "--pipeline", writePipeline(t), "--log-level", "chatty")
	assert.Error(t, err)
}
