package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/jdziat/scanflow/pkg/core"
)

// reasonLostOnRestart is recorded on executions that were in flight on an
// in-memory transport when the previous scheduler process stopped.
const reasonLostOnRestart = "lost on restart: the in-memory transport did not survive the process"

// Reclaim fails every SUBMITTED or RUNNING execution whose last activity is
// older than the ReclaimAfter threshold and returns how many it failed. The
// failure counts against the instance's retries. A result arriving later for
// a reclaimed execution is dropped.
func (s *Scheduler) Reclaim(ctx context.Context) int {
	if s.config.ReclaimAfter <= 0 {
		return 0
	}
	now := s.config.Now()
	var events []core.Event
	reclaimed := 0

	s.reg.Each(func(inst *core.StepInstance) bool {
		exec := inFlight(inst)
		if exec == nil {
			return true
		}
		idle := now.Sub(exec.LastActivity())
		if idle <= s.config.ReclaimAfter {
			return true
		}
		reason := fmt.Sprintf("reclaimed: no result for %s", idle.Round(time.Second))
		if ev := s.failInFlight(ctx, inst, exec, reason, now); ev != nil {
			reclaimed++
			events = append(events, ev...)
		}
		return true
	})

	s.emit(events...)
	return reclaimed
}

// failLost fails the in-flight execution of an instance adopted from the
// store when no worker can still hold its request. Called outside the
// instance lock.
func (s *Scheduler) failLost(ctx context.Context, id string) []core.Event {
	var events []core.Event
	_ = s.reg.Do(id, func(inst *core.StepInstance) error {
		if exec := inFlight(inst); exec != nil {
			events = s.failInFlight(ctx, inst, exec, reasonLostOnRestart, s.config.Now())
		}
		return nil
	})
	return events
}

// inFlight returns the execution a worker may still be running, or nil.
func inFlight(inst *core.StepInstance) *core.StepExecution {
	exec := inst.LiveExecution()
	if exec == nil || (exec.State != core.StateSubmitted && exec.State != core.StateRunning) {
		return nil
	}
	return exec
}

// failInFlight fails exec locally and persists it. When the store rejects
// the update the execution is restored and nil is returned. Must be called
// with the instance lock held.
func (s *Scheduler) failInFlight(ctx context.Context, inst *core.StepInstance, exec *core.StepExecution, reason string, now time.Time) []core.Event {
	idle := now.Sub(exec.LastActivity())
	before := exec.Clone()
	exec.Fail(reason)
	if err := s.storage.UpdateExecution(ctx, exec); err != nil {
		*exec = *before
		s.logger.Error("failed to persist reclaimed execution", "execution_id", exec.ID, "error", err)
		return nil
	}

	s.config.Metrics.Reclaimed()
	s.logger.Warn("reclaimed execution",
		"execution_id", exec.ID, "instance_id", inst.ID, "worker_id", exec.WorkerID,
		"idle", idle, "reason", reason)
	events := []core.Event{&core.ExecutionReclaimed{
		Execution: exec.Clone(),
		StepID:    inst.StepID,
		Idle:      idle,
		Timestamp: now,
	}}
	return append(events, s.failureEvents(inst)...)
}
