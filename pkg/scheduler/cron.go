package scheduler

import (
	"context"
	"time"

	"github.com/jdziat/scanflow/pkg/core"
)

// runCron creates an instance of every cron-triggered step each time its
// schedule fires.
func (s *Scheduler) runCron(ctx context.Context) {
	next := make(map[string]time.Time, len(s.cron))
	now := s.config.Now()
	for id, sched := range s.cron {
		next[id] = sched.Next(now)
	}

	ticker := time.NewTicker(s.config.CronTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireCron(ctx, s.config.Now(), next)
		}
	}
}

// fireCron creates instances for the steps due at now and advances their
// next activation. It returns the instances it created.
func (s *Scheduler) fireCron(ctx context.Context, now time.Time, next map[string]time.Time) []*core.StepInstance {
	var created []*core.StepInstance
	for id, sched := range s.cron {
		due, ok := next[id]
		if !ok {
			next[id] = sched.Next(now)
			continue
		}
		if now.Before(due) {
			continue
		}
		step, _ := s.pipeline.Step(id)
		inst := core.NewStepInstance(step, core.WorkRange{}, nil, map[string]string{
			"TRIGGERED_AT": due.UTC().Format(time.RFC3339),
		})
		if err := s.AddInstances(ctx, []*core.StepInstance{inst}); err != nil {
			s.logger.Error("failed to create cron instance", "step_id", id, "error", err)
			continue
		}
		s.logger.Info("cron step triggered", "step_id", id, "instance_id", inst.ID)
		created = append(created, inst)
		next[id] = sched.Next(now)
	}
	return created
}
