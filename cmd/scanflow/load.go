package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jdziat/scanflow/pkg/core"
	"github.com/jdziat/scanflow/pkg/creator"
)

func newLoadCmd(a *app) *cobra.Command {
	var (
		lower, upper int64
		params       map[string]string
		dryRun       bool
	)
	cmd := &cobra.Command{
		Use:   "load",
		Short: "create step instances for a new range of input data",
		Long: "Create the instances of every step that runs on new data for the range " +
			"[--lower, --upper] and store them. A running master adopts them on its next sync.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.pipeline()
			if err != nil {
				return err
			}
			instances, err := creator.New(p).ForNewData(core.WorkRange{Lower: lower, Upper: upper}, params)
			if err != nil {
				return err
			}
			if !dryRun {
				store, err := a.store(cmd.Context())
				if err != nil {
					return err
				}
				if err := store.InsertInstances(cmd.Context(), instances); err != nil {
					return fmt.Errorf("store instances: %w", err)
				}
			}
			return printInstances(cmd.OutOrStdout(), instances)
		},
	}
	a.opts.AddDatabaseFlags(cmd.Flags())
	cmd.Flags().Int64Var(&lower, "lower", 0, "first unit of the new range")
	cmd.Flags().Int64Var(&upper, "upper", 0, "last unit of the new range")
	cmd.Flags().StringToStringVar(&params, "param", nil, "parameter passed to every instance, as KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the instances without storing them")
	_ = cmd.MarkFlagRequired("upper")
	return cmd
}
