package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/strata-db/strata/pkg/check"
)

func newCheckCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [path...]",
		Short: "Lint scripts for non-idempotent statements",
		Long: `Scan SQL scripts for statements that break on redeploy.

Flagged patterns include CREATE TABLE without IF NOT EXISTS, DROP
without IF EXISTS, unguarded CREATE INDEX and CREATE VIEW, and ADD
COLUMN. Comments are ignored. Without arguments the configured script
directories are scanned.

The check reads only the script text; it never touches the plan, the
registry, or a target.`,
		Example: `  # Lint the project's scripts
  strata check

  # Lint specific files or directories
  strata check deploy/users.sql revert/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := args
			if len(paths) == 0 {
				root := cfg.ScriptsDir()
				for _, kind := range []string{"deploy", "revert", "verify"} {
					dir := filepath.Join(root, kind)
					if _, err := os.Stat(dir); err == nil {
						paths = append(paths, dir)
					}
				}
				if len(paths) == 0 {
					paths = []string{root}
				}
			}

			findings, err := check.New().CheckPaths(paths)
			if err != nil {
				return err
			}
			if len(findings) == 0 {
				fmt.Println("✓ No idempotency findings")
				return nil
			}

			for _, f := range findings {
				fmt.Println(f.String())
			}
			return fmt.Errorf("found %s", plural(len(findings), "idempotency issue"))
		},
	}

	return cmd
}
