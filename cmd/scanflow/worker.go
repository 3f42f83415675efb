package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jdziat/scanflow/pkg/metrics"
)

func newWorkerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "run step executions sent by the master",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			return a.runWorker(ctx)
		},
	}
	a.opts.AddTransportFlags(cmd.Flags())
	a.opts.AddWorkerFlags(cmd.Flags())
	return cmd
}

func (a *app) runWorker(ctx context.Context) error {
	p, err := a.pipeline()
	if err != nil {
		return err
	}
	queues, err := a.opts.QueueConcurrency()
	if err != nil {
		return err
	}
	t := a.transport()
	if t == nil {
		return errors.New("worker needs a shared transport: set --redis-addr")
	}
	defer closeQuietly(t, a.logger, "transport")

	reg := newRegistry()
	w := a.newWorker(p, t, metrics.NewWorker(reg), queues)
	a.logger.Info("worker starting", "worker_id", w.ID())

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// A lifetime stop ends the process, metrics server included.
		defer stop()
		return w.Start(ctx)
	})
	if addr := a.opts.Worker.MetricsAddr; addr != "" {
		g.Go(func() error { return serveMetrics(ctx, addr, reg, nil, a.logger) })
	}
	return g.Wait()
}
