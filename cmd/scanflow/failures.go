package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jdziat/scanflow/pkg/core"
)

func newFailuresCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "failures",
		Short: "list instances that failed after exhausting their retries",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.pipeline()
			if err != nil {
				return err
			}
			store, err := a.store(cmd.Context())
			if err != nil {
				return err
			}
			instances, err := store.ListInstances(cmd.Context())
			if err != nil {
				return err
			}
			reports := core.PermanentFailures(p, instances)
			switch output {
			case "table":
				return printFailures(cmd.OutOrStdout(), reports)
			case "json":
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(reports)
			default:
				return fmt.Errorf("unknown output format %q", output)
			}
		},
	}
	a.opts.AddDatabaseFlags(cmd.Flags())
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table or json")
	return cmd
}

func printFailures(w io.Writer, reports []core.FailureReport) error {
	if len(reports) == 0 {
		_, err := fmt.Fprintln(w, "no permanent failures")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tJOB\tRANGE\tATTEMPTS\tFAILED AT\tINSTANCE\tLAST ERROR")
	for _, r := range reports {
		failedAt := "-"
		if r.CompletedAt != nil {
			failedAt = r.CompletedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.StepID, r.JobID, r.Range, r.Attempts, failedAt, r.InstanceID, firstLine(r.LastError))
	}
	return tw.Flush()
}

func printInstances(w io.Writer, instances []*core.StepInstance) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tRANGE\tDEPENDS ON\tINSTANCE")
	for _, inst := range instances {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", inst.StepID, inst.Range, len(inst.DependsOn), inst.ID)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d instances\n", len(instances))
	return err
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i] + " ..."
		}
	}
	return s
}
