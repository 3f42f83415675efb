package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/jdziat/scanflow/pkg/config"
	"github.com/jdziat/scanflow/pkg/core"
	"github.com/jdziat/scanflow/pkg/storage"
	"github.com/jdziat/scanflow/pkg/transport"
)

// app carries what every subcommand shares.
type app struct {
	opts       *config.Options
	configFile string
	logger     *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{opts: config.NewOptions(), logger: slog.Default()}

	cmd := &cobra.Command{
		Use:           "scanflow",
		Short:         "distributed step-pipeline scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.Load(cmd.Flags(), a.configFile); err != nil {
				return err
			}
			logger, err := config.NewLogger(a.opts.LogLevel, a.opts.LogFormat, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a.logger = logger
			slog.SetDefault(logger)
			return nil
		},
	}
	cmd.PersistentFlags().StringVar(&a.configFile, "config", "", "config file (default ./scanflow.yaml or ./config/scanflow.yaml)")
	a.opts.AddCommonFlags(cmd.PersistentFlags())

	cmd.AddCommand(
		newMasterCmd(a),
		newWorkerCmd(a),
		newRelayCmd(a),
		newLoadCmd(a),
		newFailuresCmd(a),
		newGraphCmd(a),
	)
	return cmd
}

func (a *app) pipeline() (*core.Pipeline, error) {
	if a.opts.Pipeline == "" {
		return nil, errors.New("no pipeline definition: set --pipeline")
	}
	return config.LoadPipeline(a.opts.Pipeline)
}

func (a *app) store(ctx context.Context) (*storage.GormStorage, error) {
	store, err := storage.Open(a.opts.Database.DSN,
		storage.MaxOpenConns(a.opts.Database.MaxOpenConns),
		storage.ReconcileConcurrency(a.opts.Master.ReconcileConcurrency))
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

// transport connects to Redis, or returns nil when no address is configured.
func (a *app) transport() *transport.RedisTransport {
	t := a.opts.Transport
	if t.RedisAddr == "" {
		return nil
	}
	opts := []transport.RedisOption{
		transport.WithStreamPrefix(t.StreamPrefix),
		transport.WithConsumerGroup(t.ConsumerGroup),
		transport.WithClaimIdle(t.ClaimIdle),
		transport.WithRedisLogger(a.logger),
	}
	switch {
	case t.ConsumerName != "":
		opts = append(opts, transport.WithConsumerName(t.ConsumerName))
	case a.opts.Worker.ID != "":
		opts = append(opts, transport.WithConsumerName(a.opts.Worker.ID))
	}
	return transport.NewRedisTransport(&redis.Options{
		Addr:     t.RedisAddr,
		Password: t.RedisPassword,
		DB:       t.RedisDB,
	}, opts...)
}

// newRegistry returns a registry with the process and runtime collectors.
func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// serveMetrics serves reg on addr until ctx is cancelled. A non-nil status
// handler is mounted under /status.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, status http.Handler, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	}))
	if status != nil {
		mux.Handle("/status", status)
		mux.Handle("/status/", status)
	}
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

func closeQuietly(c io.Closer, logger *slog.Logger, what string) {
	if err := c.Close(); err != nil {
		logger.Warn("close failed", "what", what, "error", err)
	}
}
