package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/strata-db/strata/pkg/engine"
)

func newRevertCommand() *cobra.Command {
	var (
		to      string
		logOnly bool
		yes     bool
	)

	cmd := &cobra.Command{
		Use:   "revert [target]",
		Short: "Revert deployed changes from a target",
		Long: `Revert deployed changes in reverse deploy order.

--to names the last change to keep: everything after it is reverted,
the change itself stays deployed. Without --to the whole project is
reverted. Reverting more than one change asks for confirmation unless
-y is given. Each revert checkpoints the registry individually, so a
failure leaves every completed revert recorded.`,
		Example: `  # Revert everything after a tag
  strata revert --to @v1.0

  # Revert everything on a named target, no questions
  strata revert staging -y

  # Record the reverts without running revert scripts
  strata revert --to users --log-only`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := newSession(ctx, args)
			if err != nil {
				return err
			}
			defer s.Close()

			if vars := mergedVars(nil); len(vars) > 0 {
				if err := s.engine.SetVariables(engine.ScopeRevert, vars); err != nil {
					return err
				}
			}
			s.engine.NoPrompt(yes)

			log.WithTarget(s.name, s.target.Engine).Info("Starting revert")

			rep, err := s.engine.Revert(ctx, to, logOnly)
			if err != nil {
				return err
			}

			if len(rep.Reverted) == 0 {
				fmt.Printf("Nothing to revert on %s\n", s.name)
				return nil
			}
			for _, name := range rep.Reverted {
				fmt.Printf("✓ %s\n", name)
			}
			fmt.Printf("\n✅ Reverted %s from %s in %s\n",
				plural(len(rep.Reverted), "change"), s.name, rep.Duration.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "revert everything after this change or tag")
	cmd.Flags().BoolVar(&logOnly, "log-only", false, "write the registry without running scripts")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")

	return cmd
}
