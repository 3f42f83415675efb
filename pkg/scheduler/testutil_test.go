package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jdziat/scanflow/pkg/core"
	"github.com/jdziat/scanflow/pkg/storage"
	"github.com/jdziat/scanflow/pkg/transport"
)

type sentMessage struct {
	queue string
	body  []byte
}

// fakeTransport records sends and can be told to fail some of them.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []sentMessage
	failNext int
}

func (f *fakeTransport) Send(_ context.Context, queue string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return errors.New("broker unavailable")
	}
	f.sent = append(f.sent, sentMessage{queue: queue, body: append([]byte(nil), body...)})
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context, _ string, _ transport.Handler, _ ...transport.ReceiveOption) error {
	<-ctx.Done()
	return nil
}

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) failSends(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNext = n
}

// take returns and forgets everything sent so far, decoded.
func (f *fakeTransport) take(t *testing.T) []*transport.Envelope {
	t.Helper()
	f.mu.Lock()
	sent := f.sent
	f.sent = nil
	f.mu.Unlock()

	envs := make([]*transport.Envelope, 0, len(sent))
	for _, m := range sent {
		env, err := transport.Decode(m.body)
		require.NoError(t, err)
		envs = append(envs, env)
	}
	return envs
}

func (f *fakeTransport) queues() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	qs := make([]string, len(f.sent))
	for i, m := range f.sent {
		qs[i] = m.queue
	}
	return qs
}

// flakyStorage fails UpdateExecution while failUpdates is set.
type flakyStorage struct {
	core.Storage
	mu          sync.Mutex
	failUpdates bool
}

func (s *flakyStorage) setFailUpdates(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failUpdates = v
}

func (s *flakyStorage) UpdateExecution(ctx context.Context, e *core.StepExecution) error {
	s.mu.Lock()
	fail := s.failUpdates
	s.mu.Unlock()
	if fail {
		return errors.New("database is locked")
	}
	return s.Storage.UpdateExecution(ctx, e)
}

func newTestStorage(t *testing.T) *storage.GormStorage {
	t.Helper()
	store, err := storage.Open("sqlite://:memory:")
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() {
		if sqlDB, err := store.DB().DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return store
}

func noop(id string, retries int, deps ...string) *core.Step {
	return &core.Step{ID: id, Kind: core.Noop{}, Retries: retries, DependsUpon: deps}
}

func newPipeline(t *testing.T, steps ...*core.Step) *core.Pipeline {
	t.Helper()
	p, err := core.NewPipeline(&core.Job{ID: "analysis", Steps: steps})
	require.NoError(t, err)
	return p
}

func newTestScheduler(t *testing.T, p *core.Pipeline, store core.Storage, tr transport.Transport, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(p, store, tr, opts...)
	require.NoError(t, err)
	return s
}

// addInstance creates and registers an instance of step.
func addInstance(t *testing.T, s *Scheduler, stepID string, r core.WorkRange, deps ...string) *core.StepInstance {
	t.Helper()
	step, ok := s.Pipeline().Step(stepID)
	require.True(t, ok)
	inst := core.NewStepInstance(step, r, deps, nil)
	require.NoError(t, s.AddInstances(context.Background(), []*core.StepInstance{inst}))
	return inst
}

// respond plays the worker: it applies mutate to a copy of the dispatched
// execution and feeds the result to the scheduler.
func respond(t *testing.T, s *Scheduler, env *transport.Envelope, mutate func(e *core.StepExecution)) error {
	t.Helper()
	remote := env.Execution.Clone()
	mutate(remote)
	body, err := transport.Encode(&transport.Envelope{Execution: remote, Instance: env.Instance})
	require.NoError(t, err)
	return s.HandleResult(context.Background(), &transport.Message{ID: "result", Body: body})
}

func succeed(e *core.StepExecution) {
	_ = e.SetRunning("worker-1")
	_ = e.CompleteSuccessfully()
}

func failWith(reason string) func(*core.StepExecution) {
	return func(e *core.StepExecution) {
		_ = e.SetRunning("worker-1")
		e.Fail(reason)
	}
}

// collect drains whatever events are buffered on ch.
func collect(ch <-chan core.Event) []core.Event {
	var events []core.Event
	for {
		select {
		case e := <-ch:
			events = append(events, e)
		case <-time.After(20 * time.Millisecond):
			return events
		}
	}
}

func stateOf(t *testing.T, s *Scheduler, id string) core.State {
	t.Helper()
	st, ok := s.State(id)
	require.True(t, ok, "instance %s not tracked", id)
	return st
}
