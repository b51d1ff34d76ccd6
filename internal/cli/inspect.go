package cli

import (
	"errors"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"pipeweaver/internal/recovery/state"
	"pipeweaver/internal/staleness"
	"pipeweaver/internal/store"
)

func (a *app) outdatedCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "outdated",
		Short: "List targets the next make would rebuild",
		Args:  exactArgs(0),
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
			verdicts, err := s.engine.Status(cmd.Context(), plan)
			if err != nil {
				return err
			}

			names := make([]string, 0, len(verdicts))
			for name := range verdicts {
				names = append(names, name)
			}
			sort.Strings(names)

			p := a.printer()
			for _, name := range names {
				v := verdicts[name]
				switch {
				case v.Outdated():
					p.println("%s %s  %s", p.warn.Sprintf("%-9s", "outdated"), name, p.faint.Sprint(v.Reason))
				case all:
					p.println("%s %s", p.faint.Sprintf("%-9s", "current"), name)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "also list current targets")
	return cmd
}

func (a *app) depsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "deps TARGET",
		Short: "Show the detected dependencies of a target",
		Args:  exactArgs(1),
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
			d, err := s.engine.DepsTarget(cmd.Context(), plan, args[0])
			var gf *state.GraphFailureError
			switch {
			case errors.As(err, &gf):
				return err
			case err != nil:
				return invalidInvocationf("%v", err)
			}

			p := a.printer()
			p.println("%s  %s", p.bold.Sprint(d.Target), reasonLabel(p, d.Reason))
			list := func(label string, items []string) {
				if len(items) > 0 {
					p.println("  %-12s %s", label+":", strings.Join(items, ", "))
				}
			}
			list("targets", d.Reads.Targets)
			list("globals", d.Reads.Globals)
			list("files in", d.Reads.FilesIn)
			list("files out", d.Writes.FilesOut)
			withReasons := make([]string, 0, len(d.Dependencies))
			for _, dep := range d.Dependencies {
				withReasons = append(withReasons, dep+" ("+reasonLabel(p, d.Reasons[dep])+")")
			}
			list("depends on", withReasons)
			list("needed by", d.Dependents)
			for _, amb := range d.Ambiguities {
				p.println("  %s %v", p.warn.Sprint("warning:"), amb)
			}
			return nil
		},
	}
}

// reasonLabel renders a staleness reason, "current" for none.
func reasonLabel(p *printer, r staleness.Reason) string {
	if r == staleness.ReasonNone || r == "" {
		return p.faint.Sprint("current")
	}
	return p.warn.Sprint(string(r))
}

func (a *app) diagnoseCommand() *cobra.Command {
	var stack bool
	cmd := &cobra.Command{
		Use:   "diagnose TARGET",
		Short: "Show the latest build record of a target and its error",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			rec, err := s.engine.Diagnose(args[0])
			if errors.Is(err, store.ErrNotFound) {
				return invalidInvocationf("no record of target %q", args[0])
			}
			if err != nil {
				return err
			}

			p := a.printer()
			p.println("target:       %s", rec.Target)
			p.println("outcome:      %s", p.outcome(rec.Outcome))
			p.println("built:        %s (%s)", rec.Time.Format("2006-01-02 15:04:05"), ago(rec.Time))
			p.println("elapsed:      %s", elapsed(rec.Elapsed))
			p.println("fingerprint:  %s", rec.Fingerprint)
			p.println("seed:         %d", rec.Seed)
			if rec.ValueHash != "" {
				p.println("value:        %s", rec.ValueHash)
			}
			if rec.RecoveredFrom != "" {
				p.println("recovered:    from %s", rec.RecoveredFrom)
			}
			if rec.RunID != "" {
				p.println("run:          %s", rec.RunID)
			}
			if rec.Error == nil {
				return nil
			}
			p.println("error:        %s", p.bad.Sprint(rec.Error.Message))
			if len(rec.Error.Trace) > 0 {
				p.println("trace:")
				for i, frame := range rec.Error.Trace {
					p.println("  %s%s", strings.Repeat("  ", i), frame)
				}
			}
			if stack && rec.Error.Stack != "" {
				p.println("stack:%s", rec.Error.Stack)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&stack, "stack", false, "print the Go stack captured at the failure")
	return cmd
}
