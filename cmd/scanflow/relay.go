package main

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jdziat/scanflow/pkg/transport"
)

func newRelayCmd(a *app) *cobra.Command {
	var (
		from        string
		targets     []string
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "forward a submission queue to one or more target queues",
		Long: "Consume --from and forward every message to the --to queues in turn. " +
			"A message is acknowledged only after it has been forwarded.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			t := a.transport()
			if t == nil {
				return errors.New("relay needs a shared transport: set --redis-addr")
			}
			defer closeQuietly(t, a.logger, "transport")

			r, err := transport.NewRelay(t, from, t, targets, transport.Concurrency(concurrency))
			if err != nil {
				return err
			}
			r.SetLogger(a.logger.With("component", "relay", "from", from))

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			a.logger.Info("relaying", "from", from, "to", targets)
			return r.Run(ctx)
		},
	}
	a.opts.AddTransportFlags(cmd.Flags())
	cmd.Flags().StringVar(&from, "from", "scanflow.submissions", "queue to consume")
	cmd.Flags().StringSliceVar(&targets, "to", nil, "target queue (repeatable)")
	cmd.Flags().IntVar(&concurrency, "relay-concurrency", 4, "messages forwarded at once")
	return cmd
}
