package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jdziat/scanflow/pkg/core"
)

// ──────────────────────────────────────────────────────────────────────────────
// Instances
// ──────────────────────────────────────────────────────────────────────────────

func TestInsertInstances_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	upstream := newTestInstance(1, 100)
	inst := core.NewStepInstance(testStep, core.WorkRange{Lower: 1, Upper: 100},
		[]string{upstream.ID}, map[string]string{"fasta": "/data/in.fasta"})
	require.NoError(t, s.InsertInstances(ctx, []*core.StepInstance{upstream, inst}))

	got, err := s.GetInstance(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "pfam.hmmscan", got.StepID)
	assert.Equal(t, "pfam", got.JobID)
	assert.Equal(t, core.WorkRange{Lower: 1, Upper: 100}, got.Range)
	assert.Equal(t, []string{upstream.ID}, got.DependsOn)
	assert.Equal(t, "/data/in.fasta", got.Parameters["fasta"])
	assert.Empty(t, got.Executions)
	assert.Equal(t, core.StateNew, got.State())
}

func TestInsertInstances_Empty(t *testing.T) {
	s := newTestStorage(t)
	assert.NoError(t, s.InsertInstances(context.Background(), nil))
}

func TestInsertInstances_AssignsID(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	inst := &core.StepInstance{StepID: "pfam.hmmscan"}
	require.NoError(t, s.InsertInstances(ctx, []*core.StepInstance{inst}))
	assert.NotEmpty(t, inst.ID)
}

func TestInsertInstances_Duplicate(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	inst := newTestInstance(1, 10)
	require.NoError(t, s.InsertInstances(ctx, []*core.StepInstance{inst}))
	assert.Error(t, s.InsertInstances(ctx, []*core.StepInstance{inst}))
}

func TestGetInstance_NotFound(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.GetInstance(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrInstanceNotFound)
}

func TestListInstances_WithExecutions(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	a := newTestInstance(1, 10)
	b := newTestInstance(11, 20)
	require.NoError(t, s.InsertInstances(ctx, []*core.StepInstance{a, b}))

	first := core.NewStepExecution(a.ID)
	first.Fail("crashed")
	require.NoError(t, s.InsertExecution(ctx, first))
	second := core.NewStepExecution(a.ID)
	require.NoError(t, s.InsertExecution(ctx, second))

	all, err := s.ListInstances(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	byID := map[string]*core.StepInstance{}
	for _, inst := range all {
		byID[inst.ID] = inst
	}
	require.Len(t, byID[a.ID].Executions, 2)
	assert.Equal(t, first.ID, byID[a.ID].Executions[0].ID)
	assert.Equal(t, core.StateFailed, byID[a.ID].Executions[0].State)
	assert.Equal(t, "crashed", byID[a.ID].Executions[0].LastError)
	assert.Equal(t, core.StateNew, byID[a.ID].State())
	assert.Empty(t, byID[b.ID].Executions)
}

func TestRetrieveInstances_FiltersByDerivedState(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	fresh := newTestInstance(1, 10)
	done := newTestInstance(11, 20)
	other := core.NewStepInstance(&core.Step{ID: "other", Kind: core.Noop{}}, core.WorkRange{}, nil, nil)
	require.NoError(t, s.InsertInstances(ctx, []*core.StepInstance{fresh, done, other}))

	e := core.NewStepExecution(done.ID)
	require.NoError(t, e.CompleteSuccessfully())
	require.NoError(t, s.InsertExecution(ctx, e))

	all, err := s.RetrieveInstances(ctx, "pfam.hmmscan")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	successful, err := s.RetrieveInstances(ctx, "pfam.hmmscan", core.StateSuccessful)
	require.NoError(t, err)
	require.Len(t, successful, 1)
	assert.Equal(t, done.ID, successful[0].ID)

	pending, err := s.RetrieveInstances(ctx, "pfam.hmmscan", core.StateNew, core.StateFailed)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, fresh.ID, pending[0].ID)
}

// ──────────────────────────────────────────────────────────────────────────────
// Executions
// ──────────────────────────────────────────────────────────────────────────────

func TestUpdateExecution(t *testing.T) {
	ctx := context.Background()
	s := newTestStorage(t)

	inst := newTestInstance(1, 10)
	require.NoError(t, s.InsertInstances(ctx, []*core.StepInstance{inst}))
	e := core.NewStepExecution(inst.ID)
	require.NoError(t, s.InsertExecution(ctx, e))

	require.NoError(t, e.Submit())
	require.NoError(t, e.SetRunning("worker-1"))
	e.SetProgress(0.5)
	require.NoError(t, s.UpdateExecution(ctx, e))

	got, err := s.GetExecution(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, core.StateRunning, got.State)
	assert.Equal(t, "worker-1", got.WorkerID)
	require.NotNil(t, got.SubmittedAt)
	assert.WithinDuration(t, *e.SubmittedAt, *got.SubmittedAt, time.Millisecond)
	require.NotNil(t, got.Progress)
	assert.Equal(t, 0.5, *got.Progress)
	assert.Nil(t, got.CompletedAt)

	// Writing the same values again is not an error.
	require.NoError(t, s.UpdateExecution(ctx, e))
}

func TestUpdateExecution_NotFound(t *testing.T) {
	s := newTestStorage(t)
	err := s.UpdateExecution(context.Background(), core.NewStepExecution("inst"))
	assert.ErrorIs(t, err, core.ErrExecutionNotFound)
}

func TestGetExecution_NotFound(t *testing.T) {
	s := newTestStorage(t)
	_, err := s.GetExecution(context.Background(), "missing")
	assert.ErrorIs(t, err, core.ErrExecutionNotFound)
}
