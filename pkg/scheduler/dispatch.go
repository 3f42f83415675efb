package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jdziat/scanflow/pkg/core"
	"github.com/jdziat/scanflow/pkg/transport"
)

// QueueFor returns the request queue executions of step are sent to.
func (s *Scheduler) QueueFor(step *core.Step) string {
	if q, ok := s.jobQueues[step.JobID]; ok && step.Parallel {
		return q
	}
	return s.config.RequestQueue
}

// Queues returns every request queue the pipeline's steps are sent to, sorted.
func (s *Scheduler) Queues() []string {
	seen := make(map[string]bool)
	var queues []string
	for _, step := range s.pipeline.Steps() {
		q := s.QueueFor(step)
		if !seen[q] {
			seen[q] = true
			queues = append(queues, q)
		}
	}
	sort.Strings(queues)
	return queues
}

// dispatch sends one execution for the instance if it can be submitted.
//
// Everything happens under the instance lock. The execution is persisted in
// NEW before it is sent and is only marked SUBMITTED once the transport has
// accepted it, so a failed send leaves an unsent execution that the next
// poll sends again under the same id.
func (s *Scheduler) dispatch(ctx context.Context, id string) (bool, error) {
	var (
		sent  bool
		event core.Event
	)
	err := s.reg.Do(id, func(inst *core.StepInstance) error {
		step, ok := s.pipeline.Step(inst.StepID)
		if !ok {
			return fmt.Errorf("%w: %s", core.ErrUnknownStep, inst.StepID)
		}
		if !inst.CanBeSubmitted(step, s.reg.State) {
			return nil
		}

		exec := inst.PendingExecution()
		if exec == nil {
			exec = core.NewStepExecution(inst.ID)
			if err := inst.AddExecution(exec); err != nil {
				return err
			}
			if err := s.storage.InsertExecution(ctx, exec); err != nil {
				if rmErr := inst.RemovePendingExecution(exec.ID); rmErr != nil {
					s.logger.Error("could not drop unsaved execution", "execution_id", exec.ID, "error", rmErr)
				}
				return fmt.Errorf("insert execution: %w", err)
			}
		}

		queue := s.QueueFor(step)
		if err := s.send(ctx, queue, step, inst, exec); err != nil {
			s.config.Metrics.DispatchFailed(step.ID)
			return err
		}
		if err := s.storage.UpdateExecution(ctx, exec); err != nil {
			s.logger.Error("failed to persist submitted execution",
				"execution_id", exec.ID, "instance_id", inst.ID, "error", err)
		}

		sent = true
		s.config.Metrics.Dispatched(step.ID)
		event = &core.ExecutionSubmitted{
			Execution: exec.Clone(),
			StepID:    step.ID,
			Queue:     queue,
			Timestamp: time.Now(),
		}
		return nil
	})
	if event != nil {
		s.emit(event)
	}
	return sent, err
}

// send submits a copy of exec, verifies it survives the codec and hands it
// to the transport. exec itself becomes SUBMITTED only after a successful send.
func (s *Scheduler) send(ctx context.Context, queue string, step *core.Step, inst *core.StepInstance, exec *core.StepExecution) error {
	ctx, span := s.config.Tracer.Start(ctx, "scanflow.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("scanflow.step_id", step.ID),
		attribute.String("scanflow.instance_id", inst.ID),
		attribute.String("scanflow.execution_id", exec.ID),
		attribute.String("scanflow.queue", queue),
	)

	outbound := exec.Clone()
	if err := outbound.Submit(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	body, err := transport.EncodeVerified(transport.NewEnvelope(inst, outbound))
	if err == nil {
		err = s.transport.Send(ctx, queue, body)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("send to %s: %w", queue, err)
	}
	return exec.Refresh(outbound)
}
