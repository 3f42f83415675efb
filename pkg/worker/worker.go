package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/scanflow/pkg/core"
	"github.com/jdziat/scanflow/pkg/lifetime"
	"github.com/jdziat/scanflow/pkg/security"
	"github.com/jdziat/scanflow/pkg/steps"
	"github.com/jdziat/scanflow/pkg/transport"
)

const (
	tracerName = "github.com/jdziat/scanflow/pkg/worker"

	defaultRequestQueue  = "scanflow.requests"
	defaultResponseQueue = "scanflow.responses"
)

// Worker executes step executions taken from request queues and sends the
// updated executions to the response queue.
type Worker struct {
	pipeline  *core.Pipeline
	transport transport.Transport
	executor  *steps.Executor
	config    WorkerConfig
	logger    *slog.Logger
	tracer    trace.Tracer

	// lc is set for the duration of Start.
	lc *lifetime.Controller
}

// NewWorker creates a worker that resolves steps in pipeline and runs them
// with executor.
func NewWorker(pipeline *core.Pipeline, t transport.Transport, executor *steps.Executor, opts ...WorkerOption) *Worker {
	config := WorkerConfig{
		ResponseQueue: defaultResponseQueue,
		WorkerID:      xid.New().String(),
		WorkDir:       filepath.Join(os.TempDir(), "scanflow"),
	}
	for _, opt := range opts {
		opt.ApplyWorker(&config)
	}

	if config.Queues == nil {
		config.Queues = map[string]int{defaultRequestQueue: DefaultConcurrency}
	}
	if config.SendRetry == nil {
		defaultCfg := DefaultRetryConfig()
		config.SendRetry = &defaultCfg
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Tracer == nil {
		config.Tracer = otel.Tracer(tracerName)
	}

	return &Worker{
		pipeline:  pipeline,
		transport: t,
		executor:  executor,
		config:    config,
		logger:    config.Logger.With("worker_id", config.WorkerID),
		tracer:    config.Tracer,
	}
}

// ID returns the id recorded on executions this worker runs.
func (w *Worker) ID() string {
	return w.config.WorkerID
}

// Start consumes the configured queues until ctx is cancelled or the
// lifetime thresholds stop the worker. Executions already running are
// finished and their results sent before Start returns.
func (w *Worker) Start(ctx context.Context) error {
	for q := range w.config.Queues {
		if err := security.ValidateQueueName(q); err != nil {
			return fmt.Errorf("queue %q: %w", q, err)
		}
	}
	if err := os.MkdirAll(w.config.WorkDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	receiveCtx, stop := context.WithCancel(ctx)
	defer stop()

	w.lc = lifetime.New(w.config.MaxLifetime, w.config.MaxIdle, stop,
		lifetime.WithPollInterval(w.config.LifetimePoll),
		lifetime.WithLogger(w.logger))

	g, gctx := errgroup.WithContext(receiveCtx)
	for q, n := range w.config.Queues {
		g.Go(func() error {
			w.logger.Info("consuming queue", "queue", q, "concurrency", n)
			return w.transport.Receive(gctx, q, w.handle, transport.Concurrency(n))
		})
	}
	g.Go(func() error {
		err := w.lc.Run(gctx)
		// Stopping by lifetime leaves the receive loops to drain.
		stop()
		return err
	})
	return g.Wait()
}

// handle runs one request. It returns an error only when the result could
// not be delivered, leaving the request to be delivered again.
func (w *Worker) handle(ctx context.Context, msg *transport.Message) error {
	env, err := transport.Decode(msg.Body)
	if err != nil {
		w.logger.Error("dropping malformed request", "queue", msg.Queue, "message_id", msg.ID, "error", err)
		return nil
	}
	exec := env.Execution
	if exec.State.Terminal() {
		w.logger.Warn("dropping request for finished execution",
			"execution_id", exec.ID, "state", exec.State)
		return nil
	}
	logger := w.logger.With("execution_id", exec.ID, "instance_id", env.Instance.ID, "step_id", env.Instance.StepID)
	if msg.Deliveries > 0 {
		logger.Info("request redelivered", "deliveries", msg.Deliveries)
	}

	step, ok := w.pipeline.Step(env.Instance.StepID)
	if !ok {
		logger.Error("request names an unknown step")
		exec.Fail(fmt.Sprintf("%s: %s", core.ErrUnknownStep, env.Instance.StepID))
		return w.respond(ctx, logger, env)
	}

	if w.lc != nil {
		w.lc.JobStarted(exec.ID)
		defer w.lc.JobFinished(exec.ID)
	}
	w.config.Metrics.Started()
	started := time.Now()

	ctx, span := w.tracer.Start(ctx, "scanflow.execute", trace.WithAttributes(
		attribute.String("scanflow.step_id", step.ID),
		attribute.String("scanflow.instance_id", env.Instance.ID),
		attribute.String("scanflow.execution_id", exec.ID),
		attribute.String("scanflow.worker_id", w.config.WorkerID),
	))
	defer span.End()

	if err := exec.SetRunning(w.config.WorkerID); err != nil {
		logger.Error("cannot start execution", "error", err)
		w.config.Metrics.Finished(step.ID, string(exec.State), time.Since(started))
		return nil
	}
	w.notifyRunning(ctx, logger, env)

	runErr := w.execute(ctx, step, env)
	if runErr == nil {
		if err := exec.CompleteSuccessfully(); err != nil {
			runErr = err
		}
	}
	if runErr != nil {
		exec.Fail(security.SanitizeErrorMessage(runErr.Error()))
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		logger.Warn("execution failed", "error", runErr, "duration", time.Since(started))
	} else {
		logger.Info("execution succeeded", "duration", time.Since(started))
	}
	w.config.Metrics.Finished(step.ID, string(exec.State), time.Since(started))
	span.SetAttributes(attribute.String("scanflow.state", string(exec.State)))

	return w.respond(ctx, logger, env)
}

// execute runs the step inside a scratch directory named after the execution.
func (w *Worker) execute(ctx context.Context, step *core.Step, env *transport.Envelope) error {
	dir := filepath.Join(w.config.WorkDir, env.Execution.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	if !w.config.KeepWorkDirs {
		defer func() {
			if err := os.RemoveAll(dir); err != nil {
				w.logger.Warn("could not remove scratch dir", "dir", dir, "error", err)
			}
		}()
	}

	return w.executor.Execute(ctx, step, steps.Task{
		InstanceID: env.Instance.ID,
		StepID:     step.ID,
		Range:      env.Instance.Range,
		Parameters: env.Instance.Parameters,
		WorkDir:    dir,
	})
}

// notifyRunning tells the scheduler the execution has started. Losing this
// update is harmless since the final result supersedes it.
func (w *Worker) notifyRunning(ctx context.Context, logger *slog.Logger, env *transport.Envelope) {
	body, err := transport.Encode(env)
	if err == nil {
		err = w.transport.Send(ctx, w.config.ResponseQueue, body)
	}
	if err != nil {
		logger.Debug("running update not sent", "error", err)
	}
}

// respond sends the execution back with retries.
func (w *Worker) respond(ctx context.Context, logger *slog.Logger, env *transport.Envelope) error {
	body, err := transport.EncodeVerified(env)
	if errors.Is(err, transport.ErrMessageTooLarge) {
		// Parameters are what makes an envelope large; the scheduler only
		// needs the execution and the instance id.
		env = &transport.Envelope{
			Execution: env.Execution,
			Instance:  transport.InstanceContext{ID: env.Instance.ID, StepID: env.Instance.StepID, JobID: env.Instance.JobID},
		}
		body, err = transport.EncodeVerified(env)
	}
	if err != nil {
		w.config.Metrics.SendFailed()
		logger.Error("cannot encode result", "error", err)
		return nil
	}

	err = retryWithBackoff(ctx, *w.config.SendRetry, func() error {
		return w.transport.Send(ctx, w.config.ResponseQueue, body)
	})
	if err != nil {
		w.config.Metrics.SendFailed()
		logger.Error("result not delivered, request will be redelivered", "error", err)
		return fmt.Errorf("send result for %s: %w", env.Execution.ID, err)
	}
	return nil
}
