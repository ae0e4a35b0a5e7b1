package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/strata-db/strata/pkg/plan"
)

func newLogCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "log [target]",
		Short: "Show the target's event history",
		Long: `Show the registry's audit log for a target, most recent first.

Every deploy, revert, and failure is recorded as an event with the
committer identity and the run id of the operation that produced it.
Events survive reverts: a change deployed and reverted twice shows
four entries.`,
		Example: `  # Recent events on the default target
  strata log

  # Page through a named target's history
  strata log prod --limit 50 --offset 50`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			p, err := plan.ParseFile(cfg.PlanPath())
			if err != nil {
				return err
			}

			_, _, reg, err := openTarget(ctx, args)
			if err != nil {
				return err
			}
			defer reg.Close()

			events, err := reg.Events(ctx, p.Project(), limit, offset)
			if err != nil {
				return err
			}
			if len(events) == 0 {
				fmt.Println("No events recorded")
				return nil
			}

			for i, ev := range events {
				if i > 0 {
					fmt.Println()
				}
				fmt.Printf("%s %s\n", ev.Event, ev.ChangeID)
				fmt.Printf("Name:      %s\n", ev.Name)
				if len(ev.Tags) > 0 {
					fmt.Printf("Tags:      %s\n", strings.Join(ev.Tags, ", "))
				}
				fmt.Printf("Date:      %s\n", ev.CommittedAt.Format(time.RFC3339))
				fmt.Printf("Committer: %s <%s>\n", ev.CommitterName, ev.CommitterEmail)
				fmt.Printf("Run:       %s\n", ev.RunID)
				if ev.Note != "" {
					fmt.Printf("\n    %s\n", ev.Note)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 25, "maximum number of events to show")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of events to skip")

	return cmd
}
