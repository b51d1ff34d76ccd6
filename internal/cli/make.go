package cli

import (
	"errors"
	"sort"

	"github.com/spf13/cobra"

	"pipeweaver/internal/dag"
	"pipeweaver/internal/engine"
)

func (a *app) makeCommand() *cobra.Command {
	var (
		recoverAll  bool
		tracePath   string
		metricsPath string
	)
	cmd := &cobra.Command{
		Use:   "make [target...]",
		Short: "Build outdated targets",
		Long: `Builds every outdated target of the plan, or only the named targets and
their dependencies. Current targets are skipped. With --recover, a target whose
fingerprint matches any earlier successful build reuses that value instead of
running its command.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			plan, err := s.plan()
			if err != nil {
				return err
			}
			opts := engine.MakeOptions{
				Jobs:    s.cfg.Jobs,
				Recover: s.cfg.Recover || recoverAll,
				Targets: args,
			}
			if !cmd.Flags().Changed("trace") {
				tracePath = s.cfg.TraceFile
			}
			if !cmd.Flags().Changed("metrics") {
				metricsPath = s.cfg.MetricsFile
			}
			if opts.TraceFile, err = s.path(tracePath); err != nil {
				return err
			}
			if opts.MetricsFile, err = s.path(metricsPath); err != nil {
				return err
			}

			res, err := s.engine.Make(cmd.Context(), plan, opts)
			a.made = res
			if res != nil {
				a.printMake(res)
			}
			if err != nil && res != nil {
				var runErr *engine.RunError
				if errors.As(err, &runErr) {
					for _, name := range runErr.Failed {
						if ferr := res.Err(name); ferr != nil {
							a.printer().println("%s: %v", name, ferr)
						}
					}
				}
			}
			return err
		},
	}
	f := cmd.Flags()
	f.BoolVar(&recoverAll, "recover", false, "reuse values of earlier builds with the same fingerprint")
	f.StringVar(&tracePath, "trace", "", "write the canonical build trace to this file")
	f.StringVar(&metricsPath, "metrics", "", "write metrics in Prometheus text format to this file")
	return cmd
}

func (a *app) printMake(res *engine.Result) {
	p := a.printer()
	g := res.GraphResult
	for _, name := range orderedNames(g) {
		st := g.FinalState[name]
		line := p.state(st) + " " + name
		if r := g.Results[name]; r != nil {
			switch st {
			case dag.TaskSucceeded:
				line += p.faint.Sprintf("  %s, %s", r.Reason, elapsed(r.Elapsed))
			case dag.TaskRecovered:
				line += p.faint.Sprintf("  from %s", r.RecoveredFrom)
			}
		}
		p.println("%s", line)
	}
	failed := len(g.NotAttempted())
	for _, st := range g.FinalState {
		if dag.IsFailed(st) {
			failed++
		}
	}
	p.println("%s: %s built, %s current, %s recovered, %s failed",
		p.bold.Sprint("run "+res.RunID),
		count(len(g.Built()), "target"),
		humanizeInt(len(g.Skipped())),
		humanizeInt(len(g.Recovered())),
		humanizeInt(failed),
	)
}

// orderedNames returns the targets of g in execution order followed by the
// ones that never started, sorted.
func orderedNames(g *dag.GraphResult) []string {
	seen := make(map[string]bool, len(g.FinalState))
	out := make([]string, 0, len(g.FinalState))
	for _, n := range g.ExecutionOrder {
		seen[n] = true
		out = append(out, n)
	}
	var rest []string
	for n := range g.FinalState {
		if !seen[n] {
			rest = append(rest, n)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}
