package cli

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pipeweaver/internal/core"
	"pipeweaver/internal/store"
)

func (a *app) gcCommand() *cobra.Command {
	var (
		mode   string
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "gc [target...]",
		Short: "Remove values from the content store",
		Long: `Removes values no history record references (--mode unreferenced, the
default) or every value except the latest one of each target (--mode current).
In current mode the targets of the plan are kept unless targets are named.
Without a plan file, every target in the history log is kept.
History records are never removed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := store.GCOptions{Mode: store.GCMode(mode), Targets: args, DryRun: dryRun}
			switch opts.Mode {
			case store.GCUnreferenced, store.GCCurrent:
			default:
				return invalidInvocationf("invalid --mode %q (expected unreferenced|current)", mode)
			}

			s, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			var plan *core.Plan
			if opts.Mode == store.GCCurrent && len(opts.Targets) == 0 && s.hasPlan() {
				if plan, err = s.plan(); err != nil {
					return err
				}
			}
			res, err := s.engine.Collect(cmd.Context(), plan, opts)
			if err != nil {
				return err
			}

			p := a.printer()
			verb := "removed"
			if dryRun {
				verb = "would remove"
			}
			p.println("%s %s (%s), kept %s",
				verb, count(len(res.Removed), "value"), humanize.Bytes(uint64(res.Bytes)), count(res.Kept, "value"))
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&mode, "mode", string(store.GCUnreferenced), "unreferenced or current")
	f.BoolVar(&dryRun, "dry-run", false, "report what would be removed")
	return cmd
}

func (a *app) runsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List recorded make runs",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			runs, listErr := s.engine.Runs()
			p := a.printer()
			p.println("%-36s %-9s %-7s %5s %5s %5s %5s  %-10s %s",
				"RUN", "STATUS", "MODE", "BUILT", "CURR", "RECOV", "FAIL", "DURATION", "STARTED")
			for _, r := range runs {
				var d time.Duration
				if r.EndTime != nil {
					d = r.EndTime.Sub(r.StartTime)
				}
				failed := r.Counts.Failed + r.Counts.UpstreamFailed + r.Counts.NotAttempted
				p.println("%-36s %s %-7s %5d %5d %5d %5d  %-10s %s",
					r.RunID, p.runStatus(r.Status), r.Mode,
					r.Counts.Built, r.Counts.Skipped, r.Counts.Recovered, failed,
					elapsed(d), ago(r.StartTime))
				if f, err := s.engine.RunFailure(r.RunID); err == nil && f != nil {
					p.println("    %s %s", p.bad.Sprint(f.ErrorCode+":"), f.ErrorMessage)
				}
			}
			return listErr
		},
	}
}
