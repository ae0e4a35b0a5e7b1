package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/strata-db/strata/pkg/engine"
)

func newVerifyCommand() *cobra.Command {
	var to string

	cmd := &cobra.Command{
		Use:   "verify [target]",
		Short: "Verify deployed changes against the target",
		Long: `Run the verify script of every deployed change against the target.

Changes without a verify script are skipped. A change deployed out of
plan order, or no longer present in the plan, counts as a failure.
Nothing is mutated; the exit code reports the outcome.`,
		Example: `  # Verify the default target
  strata verify

  # Verify a named target up to a tag
  strata verify prod --to @v1.0`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := newSession(ctx, args)
			if err != nil {
				return err
			}
			defer s.Close()

			// Verify scripts see the deploy-scope variables.
			if vars := mergedVars(nil); len(vars) > 0 {
				if err := s.engine.SetVariables(engine.ScopeDeploy, vars); err != nil {
					return err
				}
			}

			log.WithTarget(s.name, s.target.Engine).Info("Starting verify")

			rep, err := s.engine.Verify(ctx, to)
			if err != nil {
				return err
			}

			for _, f := range rep.Failures {
				fmt.Printf("✗ %s: %s\n", f.Change, f.Reason)
				if f.Output != "" {
					for _, line := range strings.Split(strings.TrimRight(f.Output, "\n"), "\n") {
						fmt.Printf("    %s\n", line)
					}
				}
			}
			if !rep.Ok() {
				return fmt.Errorf("verify failed: %s on %s", plural(len(rep.Failures), "failure"), s.name)
			}

			fmt.Printf("✅ Verified %s on %s (%d skipped) in %s\n",
				plural(rep.Checked, "change"), s.name, rep.Skipped, rep.Duration.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "verify deployed changes up to this change or tag")

	return cmd
}
