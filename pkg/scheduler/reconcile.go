package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jdziat/scanflow/pkg/core"
	"github.com/jdziat/scanflow/pkg/transport"
)

// HandleResult merges a worker result into the tracked execution with the
// same id. It is the handler of the response queue.
//
// Results that cannot be used (malformed, unknown id, stale or duplicate)
// are logged and acknowledged. Only a storage failure returns an error, so
// that the result is delivered again.
func (s *Scheduler) HandleResult(ctx context.Context, msg *transport.Message) error {
	env, err := transport.Decode(msg.Body)
	if err != nil {
		s.logger.Error("dropping malformed result", "message_id", msg.ID, "error", err)
		s.emit(&core.ResultDropped{Reason: err.Error(), Timestamp: time.Now()})
		return nil
	}
	return s.Reconcile(ctx, env.Execution)
}

// Reconcile applies a remote snapshot of an execution. Applying the same
// snapshot twice, or an older one, changes nothing.
func (s *Scheduler) Reconcile(ctx context.Context, remote *core.StepExecution) error {
	var events []core.Event
	err := s.reg.DoExecution(remote.ID, func(inst *core.StepInstance, local *core.StepExecution) error {
		if !local.AdvancedBy(remote) {
			if local.State.Terminal() && remote.State.Terminal() && remote.State != local.State {
				s.logger.Warn("dropping result for finished execution",
					"execution_id", local.ID, "local_state", local.State, "remote_state", remote.State)
				events = append(events, &core.ResultDropped{
					ExecutionID: remote.ID,
					Reason:      fmt.Sprintf("execution already %s", local.State),
					Timestamp:   time.Now(),
				})
			} else {
				s.logger.Debug("ignoring stale or duplicate result",
					"execution_id", local.ID, "local_state", local.State, "remote_state", remote.State)
			}
			return nil
		}

		before := local.Clone()
		if err := local.Refresh(remote); err != nil {
			return err
		}
		if err := s.storage.UpdateExecution(ctx, local); err != nil {
			*local = *before
			return fmt.Errorf("persist result: %w", err)
		}

		s.config.Metrics.Result(string(local.State))
		if !local.State.Terminal() {
			return nil
		}
		events = append(events, &core.ExecutionFinished{
			Execution: local.Clone(),
			StepID:    inst.StepID,
			Timestamp: time.Now(),
		})
		events = append(events, s.failureEvents(inst)...)
		return nil
	})

	switch {
	case err == nil:
		s.emit(events...)
		return nil
	case errors.Is(err, core.ErrExecutionNotFound):
		s.logger.Warn("dropping result for unknown execution", "execution_id", remote.ID)
		s.config.Metrics.UnknownResult()
		s.emit(&core.ResultDropped{ExecutionID: remote.ID, Reason: "unknown execution", Timestamp: time.Now()})
		return nil
	case core.IsInvariantViolation(err):
		s.logger.Error("refusing result", "execution_id", remote.ID, "error", err)
		s.config.Metrics.InvariantViolation()
		return nil
	default:
		s.logger.Error("reconcile failed", "execution_id", remote.ID, "error", err)
		return err
	}
}

// failureEvents reports the instance when its last attempt used up the
// retry budget. Must be called with the instance lock held.
func (s *Scheduler) failureEvents(inst *core.StepInstance) []core.Event {
	step, ok := s.pipeline.Step(inst.StepID)
	if !ok || !inst.RetriesExhausted(step) {
		return nil
	}
	report := core.NewFailureReport(inst)
	s.logger.Error("step instance failed permanently",
		"instance_id", inst.ID, "step_id", inst.StepID, "range", inst.Range.String(),
		"attempts", report.Attempts, "last_error", report.LastError)
	return []core.Event{&core.InstanceFailed{Report: report, Timestamp: time.Now()}}
}
