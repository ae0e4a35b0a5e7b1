package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/strata-db/strata/pkg/engine"
)

func newDeployCommand() *cobra.Command {
	var (
		to      string
		mode    string
		verify  bool
		setVars []string
		logOnly bool
	)

	cmd := &cobra.Command{
		Use:   "deploy [target]",
		Short: "Deploy plan changes to a target",
		Long: `Deploy pending changes to a database target.

Changes deploy in plan order after the hash chain, the dependency
graph, and the registry prefix are validated. --mode sets the registry
checkpoint granularity: change commits after every change, tag at each
tag boundary, all only once the whole requested span succeeds. With
--log-only the registry is written but no scripts run.`,
		Example: `  # Deploy everything pending to the default target
  strata deploy

  # Deploy up to a change or tag on a named target
  strata deploy prod --to @v1.0

  # Checkpoint after every change and run verify scripts
  strata deploy --mode change --verify

  # Pass variables into the scripts
  strata deploy --set schema=app --set owner=dba`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			s, err := newSession(ctx, args)
			if err != nil {
				return err
			}
			defer s.Close()

			if mode == "" {
				mode = cfg.Deploy.Mode
			}
			m, err := engine.ParseMode(mode)
			if err != nil {
				return err
			}

			extra, err := parseVars(setVars)
			if err != nil {
				return err
			}
			if vars := mergedVars(extra); len(vars) > 0 {
				if err := s.engine.SetVariables(engine.ScopeDeploy, vars); err != nil {
					return err
				}
			}

			s.engine.WithVerify(verify || cfg.Deploy.Verify)

			log.WithTarget(s.name, s.target.Engine).Info("Starting deploy")

			rep, err := s.engine.Deploy(ctx, to, m, logOnly)
			if err != nil {
				return err
			}

			if len(rep.Deployed) == 0 {
				fmt.Printf("Nothing to deploy (up-to-date on %s)\n", s.name)
				return nil
			}
			for _, name := range rep.Deployed {
				fmt.Printf("✓ %s\n", name)
			}
			fmt.Printf("\n✅ Deployed %s to %s in %s\n",
				plural(len(rep.Deployed), "change"), s.name, rep.Duration.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVar(&to, "to", "", "deploy through this change or tag (default: everything)")
	cmd.Flags().StringVar(&mode, "mode", "", "registry checkpoint mode: change, tag, or all")
	cmd.Flags().BoolVar(&verify, "verify", false, "run verify scripts after each change")
	cmd.Flags().StringArrayVar(&setVars, "set", nil, "script variable as key=value (repeatable)")
	cmd.Flags().BoolVar(&logOnly, "log-only", false, "write the registry without running scripts")

	return cmd
}
