package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/scanflow/pkg/core"
	"github.com/jdziat/scanflow/pkg/metrics"
	"github.com/jdziat/scanflow/pkg/scheduler"
	"github.com/jdziat/scanflow/pkg/status"
	"github.com/jdziat/scanflow/pkg/steps"
	"github.com/jdziat/scanflow/pkg/transport"
	"github.com/jdziat/scanflow/pkg/worker"
)

func newMasterCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "master",
		Short: "run the scheduler",
		Long: "Run the scheduler. Without --redis-addr the master also runs an " +
			"in-process worker over an in-memory transport.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return a.runMaster(ctx)
		},
	}
	a.opts.AddDatabaseFlags(cmd.Flags())
	a.opts.AddTransportFlags(cmd.Flags())
	a.opts.AddMasterFlags(cmd.Flags())
	return cmd
}

func (a *app) runMaster(ctx context.Context) error {
	p, err := a.pipeline()
	if err != nil {
		return err
	}
	store, err := a.store(ctx)
	if err != nil {
		return err
	}

	var t transport.Transport
	inline := false
	if rt := a.transport(); rt != nil {
		t = rt
	} else {
		a.logger.Warn("no redis address, running an in-process worker")
		t = transport.NewMemoryTransport(0)
		inline = true
	}
	defer closeQuietly(t, a.logger, "transport")

	reg := newRegistry()
	o := a.opts
	s, err := scheduler.New(p, store, t,
		scheduler.RequestQueue(o.Transport.RequestQueue),
		scheduler.ResponseQueue(o.Transport.ResponseQueue),
		scheduler.PollInterval(o.Master.PollInterval),
		scheduler.SyncInterval(o.Master.SyncInterval),
		scheduler.ReclaimAfter(o.Master.ReclaimAfter),
		scheduler.ReconcileConcurrency(o.Master.ReconcileConcurrency),
		scheduler.WithMetrics(metrics.NewScheduler(reg)),
		scheduler.WithLogger(a.logger.With("component", "scheduler")),
	)
	if err != nil {
		return err
	}

	stats := status.NewGormStatsStorage(store.DB())
	if err := stats.MigrateStats(ctx); err != nil {
		return fmt.Errorf("migrate stats: %w", err)
	}
	collector := status.NewCollector(s,
		status.WithStats(stats),
		status.WithRetention(o.Master.StatsRetention),
		status.WithLogger(a.logger.With("component", "status")))

	g, ctx := errgroup.WithContext(ctx)
	events := s.Events()
	g.Go(func() error {
		defer s.Unsubscribe(events)
		logEvents(ctx, events, a.logger)
		return nil
	})
	g.Go(func() error {
		collector.Run(ctx)
		return nil
	})
	collector.WaitReady()
	g.Go(func() error { return s.Start(ctx) })
	if inline {
		queues := make(map[string]int)
		for _, q := range s.Queues() {
			queues[q] = o.Worker.Concurrency
		}
		w := a.newWorker(p, t, metrics.NewWorker(reg), queues)
		g.Go(func() error { return w.Start(ctx) })
	}
	if o.Master.MetricsAddr != "" {
		h := status.Handler(s, status.WithCollector(collector), status.WithHistory(stats))
		g.Go(func() error { return serveMetrics(ctx, o.Master.MetricsAddr, reg, h, a.logger) })
	}
	return g.Wait()
}

// newWorker builds a worker from the worker options that consumes queues,
// a map of queue name to concurrency.
func (a *app) newWorker(p *core.Pipeline, t transport.Transport, m *metrics.Worker, queues map[string]int) *worker.Worker {
	o := a.opts
	logger := a.logger.With("component", "worker")
	executor := steps.NewExecutor()
	executor.SetLogger(logger)

	opts := []worker.WorkerOption{
		worker.ResponseQueue(o.Transport.ResponseQueue),
		worker.KeepWorkDirs(o.Worker.KeepWorkDirs),
		worker.MaxLifetime(o.Worker.MaxLifetime),
		worker.MaxIdle(o.Worker.MaxIdle),
		worker.LifetimePoll(o.Worker.LifetimePoll),
		worker.WithMetrics(m),
		worker.WithLogger(logger),
	}
	if o.Worker.ID != "" {
		opts = append(opts, worker.WorkerID(o.Worker.ID))
	}
	if o.Worker.WorkDir != "" {
		opts = append(opts, worker.WorkDir(o.Worker.WorkDir))
	}
	for q, n := range queues {
		opts = append(opts, worker.WorkerQueue(q, worker.Concurrency(n)))
	}
	return worker.NewWorker(p, t, executor, opts...)
}

func logEvents(ctx context.Context, events <-chan core.Event, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			switch e := ev.(type) {
			case *core.ExecutionFinished:
				logger.Info("execution finished", "execution_id", e.Execution.ID,
					"step_id", e.StepID, "state", e.Execution.State)
			case *core.ExecutionReclaimed:
				logger.Warn("execution reclaimed", "execution_id", e.Execution.ID,
					"step_id", e.StepID, "idle", e.Idle)
			case *core.InstanceFailed:
				logger.Error("instance failed permanently", "instance_id", e.Report.InstanceID,
					"step_id", e.Report.StepID, "range", e.Report.Range.String(),
					"attempts", e.Report.Attempts, "last_error", e.Report.LastError)
			case *core.ResultDropped:
				logger.Warn("result dropped", "execution_id", e.ExecutionID, "reason", e.Reason)
			}
		}
	}
}
