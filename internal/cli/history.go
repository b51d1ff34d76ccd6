package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"pipeweaver/internal/core"
	"pipeweaver/internal/store"
)

func (a *app) historyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "history [TARGET]",
		Short: "List build records in the order they were made",
		Args:  maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			entries, err := s.engine.History()
			if err != nil {
				return err
			}

			p := a.printer()
			p.println("%-6s %-24s %-9s %-13s %-6s %s", "SEQ", "TARGET", "OUTCOME", "VALUE", "STORED", "WHEN")
			for _, e := range entries {
				if len(args) == 1 && e.Target != args[0] {
					continue
				}
				stored := "-"
				if e.ValueHash != "" {
					stored = "no"
					if e.Exists {
						stored = "yes"
					}
				}
				target := e.Target
				if e.RecoveredFrom != "" {
					target += " <- " + e.RecoveredFrom
				}
				p.println("%-6d %-24s %s %-13s %-6s %s",
					e.Seq, target, p.outcome(e.Outcome), e.ValueHash.Short(), stored, ago(e.Time))
			}
			return nil
		},
	}
}

func (a *app) showCommand() *cobra.Command {
	var hash string
	cmd := &cobra.Command{
		Use:   "show [TARGET]",
		Short: "Print the latest value of a target, or a value by hash",
		Args:  maxArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (hash == "") == (len(args) == 0) {
				return invalidInvocationf("show: give either a target or --hash")
			}
			s, err := a.open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			var v core.Value
			if hash != "" {
				v, err = s.engine.ShowHash(core.ValueHash(hash))
			} else {
				v, _, err = s.engine.Show(args[0])
			}
			var missing *store.MissingContentError
			switch {
			case errors.As(err, &missing):
				return invalidInvocationf("%v (collected)", err)
			case errors.Is(err, store.ErrNotFound):
				return invalidInvocationf("%v", err)
			case err != nil:
				return err
			}
			a.printer().println("%s", core.FormatValue(v))
			return nil
		},
	}
	cmd.Flags().StringVar(&hash, "hash", "", "value hash to print")
	return cmd
}
