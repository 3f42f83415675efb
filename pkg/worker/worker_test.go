package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/jdziat/scanflow/pkg/core"
	"github.com/jdziat/scanflow/pkg/metrics"
	"github.com/jdziat/scanflow/pkg/steps"
	"github.com/jdziat/scanflow/pkg/transport"
)

// recordTransport keeps what is sent and can fail the next sends.
type recordTransport struct {
	mu       sync.Mutex
	sent     [][]byte
	failNext int
}

func (r *recordTransport) Send(_ context.Context, _ string, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failNext > 0 {
		r.failNext--
		return errors.New("connection refused")
	}
	r.sent = append(r.sent, append([]byte(nil), body...))
	return nil
}

func (r *recordTransport) Receive(ctx context.Context, _ string, _ transport.Handler, _ ...transport.ReceiveOption) error {
	<-ctx.Done()
	return nil
}

func (r *recordTransport) Close() error { return nil }

func (r *recordTransport) responses(t *testing.T) []*core.StepExecution {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*core.StepExecution, 0, len(r.sent))
	for _, body := range r.sent {
		env, err := transport.Decode(body)
		require.NoError(t, err)
		out = append(out, env.Execution)
	}
	return out
}

type fixture struct {
	pipeline *core.Pipeline
	executor *steps.Executor

	mu    sync.Mutex
	tasks []steps.Task
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	p, err := core.NewPipeline(&core.Job{ID: "analysis", Steps: []*core.Step{
		{ID: "index", Kind: core.Builtin{Name: "record"}, Retries: 2},
		{ID: "crash", Kind: core.RunCommand{Args: []string{"sh", "-c", "echo bad input >&2; exit 3"}}, Retries: 1},
		{ID: "explode", Kind: core.Builtin{Name: "explode"}, Retries: 1},
	}})
	require.NoError(t, err)

	f := &fixture{pipeline: p, executor: steps.NewExecutor()}
	require.NoError(t, f.executor.Register("record", func(_ context.Context, task steps.Task) error {
		_, statErr := os.Stat(task.WorkDir)
		f.mu.Lock()
		defer f.mu.Unlock()
		f.tasks = append(f.tasks, task)
		return statErr
	}))
	require.NoError(t, f.executor.Register("explode", func(context.Context, steps.Task) error {
		panic("index out of range")
	}))
	return f
}

func (f *fixture) worker(t *testing.T, tr transport.Transport, opts ...WorkerOption) *Worker {
	t.Helper()
	base := []WorkerOption{
		WorkerID("worker-1"),
		WorkDir(t.TempDir()),
		SendRetry(fastRetry(3)),
	}
	return NewWorker(f.pipeline, tr, f.executor, append(base, opts...)...)
}

// request builds a submitted execution of stepID as the scheduler would send it.
func request(t *testing.T, stepID string, params map[string]string) (*transport.Message, *core.StepExecution) {
	t.Helper()
	step := &core.Step{ID: stepID, Kind: core.Noop{}, Retries: 1}
	inst := core.NewStepInstance(step, core.WorkRange{Lower: 100, Upper: 199}, nil, params)
	exec := core.NewStepExecution(inst.ID)
	require.NoError(t, exec.Submit())
	body, err := transport.Encode(transport.NewEnvelope(inst, exec))
	require.NoError(t, err)
	return &transport.Message{ID: "1", Queue: defaultRequestQueue, Body: body}, exec
}

func TestHandle_Success(t *testing.T) {
	f := newFixture(t)
	tr := &recordTransport{}
	w := f.worker(t, tr)

	msg, exec := request(t, "index", map[string]string{"CORPUS": "news"})
	require.NoError(t, w.handle(context.Background(), msg))

	got := tr.responses(t)
	require.Len(t, got, 2)
	assert.Equal(t, core.StateRunning, got[0].State)
	assert.Equal(t, "worker-1", got[0].WorkerID)

	final := got[1]
	assert.Equal(t, exec.ID, final.ID)
	assert.Equal(t, core.StateSuccessful, final.State)
	assert.NotNil(t, final.CompletedAt)
	assert.True(t, exec.AdvancedBy(final))

	require.Len(t, f.tasks, 1)
	task := f.tasks[0]
	assert.Equal(t, core.WorkRange{Lower: 100, Upper: 199}, task.Range)
	assert.Equal(t, "news", task.Parameters["CORPUS"])
	assert.Equal(t, exec.ID, filepath.Base(task.WorkDir))

	_, err := os.Stat(task.WorkDir)
	assert.True(t, os.IsNotExist(err), "scratch dir removed after execution")
}

func TestHandle_KeepWorkDirs(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, &recordTransport{}, KeepWorkDirs(true))

	msg, _ := request(t, "index", nil)
	require.NoError(t, w.handle(context.Background(), msg))

	require.Len(t, f.tasks, 1)
	assert.DirExists(t, f.tasks[0].WorkDir)
}

func TestHandle_CommandFailure(t *testing.T) {
	f := newFixture(t)
	tr := &recordTransport{}
	w := f.worker(t, tr)

	msg, _ := request(t, "crash", nil)
	require.NoError(t, w.handle(context.Background(), msg))

	got := tr.responses(t)
	require.NotEmpty(t, got)
	final := got[len(got)-1]
	assert.Equal(t, core.StateFailed, final.State)
	assert.Contains(t, final.LastError, "command failed")
	assert.Contains(t, final.LastError, "bad input")
}

func TestHandle_PanicBecomesFailure(t *testing.T) {
	f := newFixture(t)
	tr := &recordTransport{}
	w := f.worker(t, tr)

	msg, _ := request(t, "explode", nil)
	require.NoError(t, w.handle(context.Background(), msg))

	got := tr.responses(t)
	final := got[len(got)-1]
	assert.Equal(t, core.StateFailed, final.State)
	assert.Contains(t, final.LastError, "panic: index out of range")
}

func TestHandle_UnknownStep(t *testing.T) {
	f := newFixture(t)
	tr := &recordTransport{}
	w := f.worker(t, tr)

	msg, exec := request(t, "reindex", nil)
	require.NoError(t, w.handle(context.Background(), msg))

	got := tr.responses(t)
	require.Len(t, got, 1, "no running update for a step that never starts")
	assert.Equal(t, exec.ID, got[0].ID)
	assert.Equal(t, core.StateFailed, got[0].State)
	assert.Contains(t, got[0].LastError, "unknown step")
}

func TestHandle_MalformedRequestIsAcked(t *testing.T) {
	f := newFixture(t)
	tr := &recordTransport{}
	w := f.worker(t, tr)

	err := w.handle(context.Background(), &transport.Message{ID: "1", Body: []byte("{not json")})
	assert.NoError(t, err)
	assert.Empty(t, tr.responses(t))
}

func TestHandle_FinishedExecutionIgnored(t *testing.T) {
	f := newFixture(t)
	tr := &recordTransport{}
	w := f.worker(t, tr)

	step, _ := f.pipeline.Step("index")
	inst := core.NewStepInstance(step, core.WorkRange{Lower: 1, Upper: 2}, nil, nil)
	exec := core.NewStepExecution(inst.ID)
	require.NoError(t, exec.CompleteSuccessfully())
	body, err := transport.Encode(transport.NewEnvelope(inst, exec))
	require.NoError(t, err)

	require.NoError(t, w.handle(context.Background(), &transport.Message{ID: "1", Body: body}))
	assert.Empty(t, tr.responses(t))
	assert.Empty(t, f.tasks)
}

func TestHandle_RetriesResultDelivery(t *testing.T) {
	f := newFixture(t)
	// The running update and the first result send both fail.
	tr := &recordTransport{failNext: 2}
	w := f.worker(t, tr)

	msg, _ := request(t, "index", nil)
	require.NoError(t, w.handle(context.Background(), msg))

	got := tr.responses(t)
	require.Len(t, got, 1)
	assert.Equal(t, core.StateSuccessful, got[0].State)
}

func TestHandle_UndeliveredResultLeavesRequestUnacked(t *testing.T) {
	f := newFixture(t)
	tr := &recordTransport{failNext: 100}
	reg := prometheus.NewRegistry()
	w := f.worker(t, tr, WithMetrics(metrics.NewWorker(reg)))

	msg, _ := request(t, "index", nil)
	err := w.handle(context.Background(), msg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	assert.Equal(t, 1.0, gaugeValue(t, reg, "scanflow_worker_response_send_errors_total"))
	assert.Equal(t, 0.0, gaugeValue(t, reg, "scanflow_worker_inflight"))
}

func TestHandle_RecordsSpan(t *testing.T) {
	f := newFixture(t)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	w := f.worker(t, &recordTransport{}, WithTracer(tp.Tracer("test")))

	msg, exec := request(t, "crash", nil)
	require.NoError(t, w.handle(context.Background(), msg))

	spans := rec.Ended()
	require.Len(t, spans, 1)
	span := spans[0]
	assert.Equal(t, "scanflow.execute", span.Name())
	assert.Equal(t, codes.Error, span.Status().Code)

	attrs := map[string]string{}
	for _, kv := range span.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, exec.ID, attrs["scanflow.execution_id"])
	assert.Equal(t, "crash", attrs["scanflow.step_id"])
	assert.Equal(t, "failed", attrs["scanflow.state"])
}

func TestStart_StopsWhenIdle(t *testing.T) {
	f := newFixture(t)
	tr := transport.NewMemoryTransport(0)
	w := f.worker(t, tr,
		WorkerQueue(defaultRequestQueue, Concurrency(2)),
		MaxIdle(200*time.Millisecond),
		LifetimePoll(20*time.Millisecond))

	msg, _ := request(t, "index", nil)
	require.NoError(t, tr.Send(context.Background(), defaultRequestQueue, msg.Body))

	done := make(chan error, 1)
	go func() { done <- w.Start(context.Background()) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after idling")
	}

	assert.Len(t, f.tasks, 1)
	assert.Equal(t, 2, tr.Pending(defaultResponseQueue), "running update and result")
	assert.Equal(t, 0, tr.Pending(defaultRequestQueue))
}

func TestStart_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, transport.NewMemoryTransport(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on cancel")
	}
}

func TestStart_RejectsInvalidQueue(t *testing.T) {
	f := newFixture(t)
	w := f.worker(t, transport.NewMemoryTransport(0), WorkerQueue("bad queue"))

	err := w.Start(context.Background())
	assert.ErrorIs(t, err, core.ErrInvalidQueueName)
}

func TestNewWorker_Defaults(t *testing.T) {
	w := NewWorker(newFixture(t).pipeline, &recordTransport{}, steps.NewExecutor())

	assert.Equal(t, map[string]int{defaultRequestQueue: DefaultConcurrency}, w.config.Queues)
	assert.Equal(t, defaultResponseQueue, w.config.ResponseQueue)
	assert.NotEmpty(t, w.ID())
	require.NotNil(t, w.config.SendRetry)
	assert.Equal(t, DefaultRetryConfig(), *w.config.SendRetry)
	assert.NotNil(t, w.tracer)
}

func TestConcurrency_Clamped(t *testing.T) {
	config := WorkerConfig{Queues: map[string]int{"requests": 1, "requests.indexing": 1}}

	Concurrency(5).ApplyWorker(&config)
	assert.Equal(t, 5, config.Queues["requests"])
	assert.Equal(t, 5, config.Queues["requests.indexing"])

	Concurrency(5000).ApplyWorker(&config)
	assert.Equal(t, 1000, config.Queues["requests"])

	Concurrency(0).ApplyWorker(&config)
	assert.Equal(t, 1, config.Queues["requests"])
}

func TestWorkerQueue(t *testing.T) {
	var config WorkerConfig

	WorkerQueue("requests").ApplyWorker(&config)
	WorkerQueue("requests.indexing", Concurrency(8)).ApplyWorker(&config)

	assert.Equal(t, DefaultConcurrency, config.Queues["requests"])
	assert.Equal(t, 8, config.Queues["requests.indexing"])
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		m := mf.GetMetric()[0]
		if c := m.GetCounter(); c != nil {
			return c.GetValue()
		}
		return m.GetGauge().GetValue()
	}
	t.Fatalf("metric %s not registered", name)
	return 0
}
