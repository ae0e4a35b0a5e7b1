package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/strata-db/strata/pkg/plan"
)

func newPlanCommand() *cobra.Command {
	var verifyChain bool

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the plan ledger",
		Long: `Print the plan's changes and tags in ledger order.

With --verify every entry id is recomputed from its content and its
predecessor first, so an edited or reordered ledger is rejected before
anything is shown.`,
		Example: `  # Print the plan
  strata plan

  # Check the hash chain too
  strata plan --verify`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := plan.ParseFile(cfg.PlanPath())
			if err != nil {
				return err
			}

			if verifyChain {
				if err := p.VerifyChain(); err != nil {
					return err
				}
				fmt.Println("✓ Ledger hash chain verified")
				fmt.Println()
			}

			fmt.Printf("# Project: %s\n", p.Project())
			if p.URI() != "" {
				fmt.Printf("# URI:     %s\n", p.URI())
			}
			fmt.Printf("# File:    %s\n\n", p.File())

			tags := 0
			for _, entry := range p.Entries() {
				id := entry.EntryID()
				if len(id) > 8 {
					id = id[:8]
				}
				switch e := entry.(type) {
				case *plan.Change:
					line := fmt.Sprintf("%s  %s  %-20s %s",
						id, e.PlannedAt.Format(time.RFC3339), e.Name, e.Planner())
					for _, r := range e.Requires {
						line += "  [requires " + r.String() + "]"
					}
					for _, r := range e.Conflicts {
						line += "  [conflicts " + r.String() + "]"
					}
					if e.Note != "" {
						line += "  # " + e.Note
					}
					fmt.Println(line)
				case *plan.Tag:
					tags++
					line := fmt.Sprintf("%s  %s  %-20s %s",
						id, e.PlannedAt.Format(time.RFC3339), e.DisplayName(), e.Planner())
					if e.Note != "" {
						line += "  # " + e.Note
					}
					fmt.Println(line)
				}
			}

			fmt.Printf("\n%s, %s\n", plural(p.NumChanges(), "change"), plural(tags, "tag"))
			return nil
		},
	}

	cmd.Flags().BoolVar(&verifyChain, "verify", false, "verify the ledger hash chain")

	return cmd
}
