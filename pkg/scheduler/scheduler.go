// Package scheduler is the master side of scanflow: it decides which step
// instances can run, dispatches executions to workers and merges the
// results they send back.
//
// All instance state lives in a registry.Registry. The poll loop and the
// reconciler only touch an instance inside the registry's per-instance lock,
// so a poll never sees a half-merged result and never submits the same
// instance twice.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/scanflow/pkg/core"
	"github.com/jdziat/scanflow/pkg/registry"
	"github.com/jdziat/scanflow/pkg/schedule"
	"github.com/jdziat/scanflow/pkg/security"
	"github.com/jdziat/scanflow/pkg/transport"
)

const tracerName = "github.com/jdziat/scanflow/pkg/scheduler"

// Scheduler owns the authoritative view of every step instance.
type Scheduler struct {
	pipeline  *core.Pipeline
	storage   core.Storage
	transport transport.Transport
	reg       *registry.Registry
	config    Config
	logger    *slog.Logger

	cron      map[string]schedule.Schedule // step id -> schedule
	jobQueues map[string]string            // job id -> request queue of its parallel steps

	subMu sync.RWMutex
	subs  []chan core.Event
}

// New creates a scheduler for pipeline. Instances are read from and written
// to storage; executions travel over t.
func New(pipeline *core.Pipeline, storage core.Storage, t transport.Transport, opts ...Option) (*Scheduler, error) {
	config := Config{
		RequestQueue:         DefaultRequestQueue,
		ResponseQueue:        DefaultResponseQueue,
		PollInterval:         DefaultPollInterval,
		SyncInterval:         DefaultSyncInterval,
		ReconcileConcurrency: 1,
		CronTick:             DefaultCronTick,
		Now:                  time.Now,
	}
	for _, opt := range opts {
		opt.ApplyScheduler(&config)
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Tracer == nil {
		config.Tracer = otel.Tracer(tracerName)
	}

	for _, q := range []string{config.RequestQueue, config.ResponseQueue} {
		if err := security.ValidateQueueName(q); err != nil {
			return nil, fmt.Errorf("queue %q: %w", q, err)
		}
	}

	s := &Scheduler{
		pipeline:  pipeline,
		storage:   storage,
		transport: t,
		reg:       registry.New(),
		config:    config,
		logger:    config.Logger,
		cron:      make(map[string]schedule.Schedule),
		jobQueues: make(map[string]string),
	}
	for _, step := range pipeline.Steps() {
		if step.Parallel && step.JobID != "" {
			q, err := security.JobQueueName(config.RequestQueue, step.JobID)
			if err != nil {
				return nil, fmt.Errorf("step %s: %w", step.ID, err)
			}
			s.jobQueues[step.JobID] = q
		}
		if step.CronSchedule == "" {
			continue
		}
		sched, err := schedule.Cron(step.CronSchedule)
		if err != nil {
			return nil, fmt.Errorf("step %s: %w", step.ID, err)
		}
		s.cron[step.ID] = sched
	}
	return s, nil
}

// Pipeline returns the pipeline being scheduled.
func (s *Scheduler) Pipeline() *core.Pipeline {
	return s.pipeline
}

// Sync adopts every stored instance the scheduler does not track yet and
// returns how many were added. Calling it at startup restores the state of
// a previous run, including executions that were created but never sent.
// On an ephemeral transport the requests of adopted SUBMITTED or RUNNING
// executions died with the process that sent them, so those executions are
// failed as lost and retried like reclaimed ones.
func (s *Scheduler) Sync(ctx context.Context) (int, error) {
	instances, err := s.storage.ListInstances(ctx)
	if err != nil {
		return 0, fmt.Errorf("list instances: %w", err)
	}
	lost := transport.IsEphemeral(s.transport)
	var events []core.Event
	defer func() { s.emit(events...) }()

	added := 0
	for _, inst := range instances {
		if s.reg.Has(inst.ID) {
			continue
		}
		if _, ok := s.pipeline.Step(inst.StepID); !ok {
			s.logger.Warn("skipping instance of unknown step", "instance_id", inst.ID, "step_id", inst.StepID)
			continue
		}
		if err := s.reg.Add(inst); err != nil {
			return added, err
		}
		added++
		if lost {
			events = append(events, s.failLost(ctx, inst.ID)...)
		}
	}
	if added > 0 {
		s.logger.Info("adopted stored instances", "count", added)
	}
	return added, nil
}

// AddInstances persists new instances and starts tracking them.
func (s *Scheduler) AddInstances(ctx context.Context, instances []*core.StepInstance) error {
	for _, inst := range instances {
		if _, ok := s.pipeline.Step(inst.StepID); !ok {
			return fmt.Errorf("%w: %s", core.ErrUnknownStep, inst.StepID)
		}
		if s.reg.Has(inst.ID) {
			return fmt.Errorf("%w: %s", core.ErrDuplicateInstance, inst.ID)
		}
	}
	if err := s.storage.InsertInstances(ctx, instances); err != nil {
		return fmt.Errorf("insert instances: %w", err)
	}
	for _, inst := range instances {
		if err := s.reg.Add(inst); err != nil {
			return err
		}
	}
	return nil
}

// State returns the derived state of an instance.
func (s *Scheduler) State(instanceID string) (core.State, bool) {
	return s.reg.State(instanceID)
}

// Instance returns a snapshot of an instance and its executions.
func (s *Scheduler) Instance(id string) (*core.StepInstance, bool) {
	var snapshot *core.StepInstance
	err := s.reg.Do(id, func(inst *core.StepInstance) error {
		snapshot = cloneInstance(inst)
		return nil
	})
	return snapshot, err == nil
}

// Counts returns the number of tracked instances per derived state.
func (s *Scheduler) Counts() map[core.State]int {
	counts := make(map[core.State]int)
	s.reg.Each(func(inst *core.StepInstance) bool {
		counts[inst.State()]++
		return true
	})
	return counts
}

// PermanentFailures lists the instances that failed with no retries left.
func (s *Scheduler) PermanentFailures() []core.FailureReport {
	var reports []core.FailureReport
	s.reg.Each(func(inst *core.StepInstance) bool {
		if step, ok := s.pipeline.Step(inst.StepID); ok && inst.RetriesExhausted(step) {
			reports = append(reports, core.NewFailureReport(inst))
		}
		return true
	})
	core.SortFailureReports(reports)
	return reports
}

// Poll dispatches an execution for every instance that can be submitted and
// returns how many were sent. A failure for one instance is logged and does
// not stop the others.
func (s *Scheduler) Poll(ctx context.Context) int {
	sent := 0
	for _, id := range s.reg.IDs() {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.dispatch(ctx, id)
		if err != nil {
			s.logger.Error("dispatch failed", "instance_id", id, "error", err)
			if core.IsInvariantViolation(err) {
				s.config.Metrics.InvariantViolation()
			}
			continue
		}
		if ok {
			sent++
		}
	}
	s.publishGauges()
	return sent
}

func (s *Scheduler) publishGauges() {
	counts := s.Counts()
	byName := make(map[string]int, len(counts))
	for state, n := range counts {
		byName[string(state)] = n
	}
	s.config.Metrics.SetInstances(byName)
	s.config.Metrics.SetPermanentFailures(len(s.PermanentFailures()))
}

// Start restores stored state and runs the poll loop, the result receiver,
// the store sync, cron-triggered steps and the reclaim sweep until ctx is
// cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if _, err := s.Sync(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.every(ctx, schedule.Every(s.config.PollInterval), func() {
			if n := s.Poll(ctx); n > 0 {
				s.logger.Debug("poll dispatched executions", "count", n)
			}
		})
		return nil
	})
	g.Go(func() error {
		return s.transport.Receive(ctx, s.config.ResponseQueue, s.HandleResult,
			transport.Concurrency(s.config.ReconcileConcurrency))
	})
	if s.config.SyncInterval > 0 {
		g.Go(func() error {
			s.every(ctx, schedule.Every(s.config.SyncInterval), func() {
				if _, err := s.Sync(ctx); err != nil {
					s.logger.Warn("store sync failed", "error", err)
				}
			})
			return nil
		})
	}
	if s.config.ReclaimAfter > 0 {
		g.Go(func() error {
			s.every(ctx, schedule.Every(max(s.config.ReclaimAfter/2, 100*time.Millisecond)), func() { s.Reclaim(ctx) })
			return nil
		})
	}
	if len(s.cron) > 0 {
		g.Go(func() error {
			s.runCron(ctx)
			return nil
		})
	}
	return g.Wait()
}

// every runs fn at the activations of sched until ctx is cancelled.
func (s *Scheduler) every(ctx context.Context, sched schedule.Schedule, fn func()) {
	for {
		fn()
		now := time.Now()
		timer := time.NewTimer(sched.Next(now).Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func cloneInstance(inst *core.StepInstance) *core.StepInstance {
	c := *inst
	c.DependsOn = append([]string(nil), inst.DependsOn...)
	c.Parameters = maps.Clone(inst.Parameters)
	c.Executions = make([]*core.StepExecution, len(inst.Executions))
	for i, e := range inst.Executions {
		c.Executions[i] = e.Clone()
	}
	return &c
}
