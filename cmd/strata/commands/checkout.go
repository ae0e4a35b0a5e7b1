package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/strata-db/strata/pkg/engine"
	"github.com/strata-db/strata/pkg/vcs"
)

func newCheckoutCommand() *cobra.Command {
	var (
		mode      string
		verify    bool
		logOnly   bool
		yes       bool
		setDeploy []string
		setRevert []string
	)

	cmd := &cobra.Command{
		Use:   "checkout <branch> [target]",
		Short: "Switch branches, migrating the database with them",
		Long: `Switch the git branch and migrate the database to match its plan.

The target branch's plan is read without touching the working tree and
compared against the current one. Changes after the last common entry
are reverted, the branch is checked out, and the new plan's changes
deploy forward from the shared ancestor.`,
		Example: `  # Move the database onto a feature branch
  strata checkout feature/widgets

  # Switch a named target without prompts
  strata checkout main prod -y`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			branch := args[0]

			s, err := newSession(ctx, args[1:])
			if err != nil {
				return err
			}
			defer s.Close()

			git, err := vcs.NewGit(".")
			if err != nil {
				return err
			}

			if mode == "" {
				mode = cfg.Deploy.Mode
			}
			m, err := engine.ParseMode(mode)
			if err != nil {
				return err
			}

			deployVars, err := parseVars(setDeploy)
			if err != nil {
				return err
			}
			revertVars, err := parseVars(setRevert)
			if err != nil {
				return err
			}

			s.engine.WithVerify(verify || cfg.Deploy.Verify).NoPrompt(yes)

			log.WithTarget(s.name, s.target.Engine).WithField("branch", branch).Info("Starting checkout")

			rep, err := s.engine.Checkout(ctx, engine.CheckoutRequest{
				Branch:     branch,
				VCS:        git,
				PlanPath:   cfg.PlanPath(),
				Mode:       m,
				LogOnly:    logOnly,
				DeployVars: mergedVars(deployVars),
				RevertVars: mergedVars(revertVars),
			})
			if err != nil {
				return err
			}

			fmt.Printf("Common ancestor: %s\n", rep.Ancestor)
			for _, name := range rep.Reverted {
				fmt.Printf("✓ reverted %s\n", name)
			}
			for _, name := range rep.Deployed {
				fmt.Printf("✓ deployed %s\n", name)
			}
			fmt.Printf("\n✅ Switched %s to %s in %s\n",
				s.name, rep.Branch, rep.Duration.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "", "registry checkpoint mode for the forward deploy")
	cmd.Flags().BoolVar(&verify, "verify", false, "run verify scripts after each deployed change")
	cmd.Flags().BoolVar(&logOnly, "log-only", false, "write the registry without running scripts")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompts")
	cmd.Flags().StringArrayVar(&setDeploy, "set-deploy", nil, "deploy script variable as key=value (repeatable)")
	cmd.Flags().StringArrayVar(&setRevert, "set-revert", nil, "revert script variable as key=value (repeatable)")

	return cmd
}
