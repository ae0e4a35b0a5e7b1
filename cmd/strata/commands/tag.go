package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/strata-db/strata/pkg/plan"
)

func newTagCommand() *cobra.Command {
	var note string

	cmd := &cobra.Command{
		Use:   "tag <name>",
		Short: "Tag the latest change in the plan",
		Long: `Tag the plan's latest change as a release point.

Tags pin a position in the ledger: deploys and reverts can target them
with --to @name, dependency refs can pin them (change@name), and a
tagged change name becomes reusable for rework.`,
		Example: `  # Tag the current plan head
  strata tag v1.0 -n 'First release'

  # The leading @ is optional
  strata tag @v1.1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plan.ParseFile(cfg.PlanPath())
			if err != nil {
				return err
			}

			plannerName, plannerEmail := committer()
			tag, err := p.AddTag(args[0], plannerName, plannerEmail, note, time.Now().UTC())
			if err != nil {
				return err
			}

			if err := writePlan(p); err != nil {
				return err
			}

			pinned := p.ChangeAt(p.ChangeIndex(tag.ChangeID))
			log.WithField("tag", tag.Name).WithChange(pinned.Name).Info("Tagged plan")
			fmt.Printf("✓ Tagged %s with %s\n", pinned.Name, tag.DisplayName())
			return nil
		},
	}

	cmd.Flags().StringVarP(&note, "note", "n", "", "note recorded with the tag")

	return cmd
}
