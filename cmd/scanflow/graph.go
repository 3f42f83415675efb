package main

import (
	"io"
	"strings"
	"text/template"

	"github.com/spf13/cobra"

	"github.com/jdziat/scanflow/pkg/core"
)

var dotTemplate = template.Must(template.New("dot").Funcs(template.FuncMap{
	"quote": dotQuote,
	"label": stepLabel,
}).Parse(`digraph scanflow {
  rankdir=LR;
  node [shape=box];
{{- range $i, $job := .Jobs }}
  subgraph cluster_{{ $i }} {
    label={{ quote $job.ID }};
{{- if $job.Completion }}
    style=dashed;
{{- end }}
{{- range $job.Steps }}
    {{ quote .ID }} [label={{ quote (label .) }}];
{{- end }}
  }
{{- end }}
{{- range .Steps }}
{{- $step := . }}
{{- range .DependsUpon }}
  {{ quote . }} -> {{ quote $step.ID }};
{{- end }}
{{- end }}
}
`))

func newGraphCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "print the step dependency graph in DOT format",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := a.pipeline()
			if err != nil {
				return err
			}
			return writeDOT(cmd.OutOrStdout(), p)
		},
	}
}

func writeDOT(w io.Writer, p *core.Pipeline) error {
	return dotTemplate.Execute(w, struct {
		Jobs  []*core.Job
		Steps []*core.Step
	}{p.Jobs(), p.Steps()})
}

func stepLabel(s *core.Step) string {
	label := s.ID + "\n" + s.Kind.KindName()
	if s.Parallel {
		label += ", parallel"
	}
	if s.CronSchedule != "" {
		label += "\n" + s.CronSchedule
	}
	return label
}

func dotQuote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}
