package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/strata-db/strata/pkg/config"
	"github.com/strata-db/strata/pkg/drivers"
	"github.com/strata-db/strata/pkg/plan"
	"github.com/strata-db/strata/pkg/registry"
)

const defaultConfigTemplate = `# Strata project configuration
#
# Layers merge in order: /etc/strata/config.yaml, then
# ~/.config/strata/config.yaml, then this file. STRATA_* environment
# variables override everything.

project: %s
uri: %s
plan_file: %s

# Default deployment target.
target: dev

targets:
  dev:
    engine: %s
    uri: %s
    registry: %s

# Identity recorded in the registry with every deploy and revert.
committer:
  name: ""
  email: ""

deploy:
  mode: all
  verify: false

log:
  level: info
  format: console

# Uncomment to gate deploys and reverts with OPA policies.
# policy:
#   dir: ./policies
`

func newInitCommand() *cobra.Command {
	var (
		uri       string
		eng       string
		targetURI string
	)

	cmd := &cobra.Command{
		Use:   "init <project>",
		Short: "Initialize a strata project",
		Long: `Initialize a strata project: an empty plan ledger, the deploy, revert,
and verify script directories, a registry database for the default
target, and a starter strata.yaml.

The project name leads every change and tag id in the plan's hash
chain, so it cannot be renamed later without rewriting history.`,
		Example: `  # Start a project deploying to a local SQLite database
  strata init flipr

  # Record a project identity URI in the plan
  strata init flipr --uri https://github.com/example/flipr

  # Manage a database through its CLI client instead
  strata init flipr --engine shell --target-uri flipr_dev`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project := args[0]
			ctx := cmd.Context()

			log.WithProject(project).WithField("engine", eng).Info("Initializing project")

			if !slices.Contains(drivers.Engines(), eng) {
				return fmt.Errorf("unknown engine %q (available: %s)", eng, strings.Join(drivers.Engines(), ", "))
			}
			if targetURI == "" {
				targetURI = project
				if eng == "sqlite" {
					targetURI = "./" + project + ".db"
				}
			}

			planPath := cfg.PlanPath()
			if _, err := os.Stat(planPath); err == nil {
				return fmt.Errorf("plan file %s already exists", planPath)
			}

			fmt.Printf("Initializing project %s\n\n", project)

			// Step 1: Write the empty plan ledger
			p, err := plan.New(project, uri, planPath)
			if err != nil {
				return err
			}
			f, err := os.OpenFile(planPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
			if err != nil {
				return fmt.Errorf("failed to create plan file: %w", err)
			}
			if _, err := p.WriteTo(f); err != nil {
				f.Close()
				return fmt.Errorf("failed to write plan file: %w", err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("failed to write plan file: %w", err)
			}
			fmt.Printf("✓ Created plan file: %s\n", planPath)

			// Step 2: Create the script directories
			for _, kind := range []string{"deploy", "revert", "verify"} {
				dir := filepath.Join(cfg.ScriptsDir(), kind)
				if err := os.MkdirAll(dir, 0755); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", dir, err)
				}
				fmt.Printf("✓ Created directory: %s%c\n", dir, os.PathSeparator)
			}

			// Step 3: Initialize the default target's registry database
			registryPath := config.DefaultRegistryFile
			reg, err := registry.New(registry.Config{Path: registryPath})
			if err != nil {
				return err
			}
			if err := reg.Init(ctx); err != nil {
				return fmt.Errorf("failed to initialize registry: %w", err)
			}
			defer reg.Close()
			if err := reg.Migrate(ctx); err != nil {
				return fmt.Errorf("failed to migrate registry: %w", err)
			}
			committerName, committerEmail := committer()
			if err := reg.EnsureProject(ctx, project, uri, committerName, committerEmail); err != nil {
				return fmt.Errorf("failed to register project: %w", err)
			}
			fmt.Printf("✓ Initialized registry database: %s\n", registryPath)

			// Step 4: Write the starter config, unless one is already there
			path := configPath
			if path == "" {
				path = "strata.yaml"
			}
			if _, err := os.Stat(path); err == nil {
				fmt.Printf("✓ Config file already exists: %s\n", path)
			} else {
				content := fmt.Sprintf(defaultConfigTemplate,
					project, uri, planPath, eng, targetURI, registryPath)
				if err := os.WriteFile(path, []byte(content), 0644); err != nil {
					return fmt.Errorf("failed to write config file: %w", err)
				}
				fmt.Printf("✓ Created config file: %s\n", path)
			}

			fmt.Printf("\n✅ Project %s initialized!\n\n", project)
			fmt.Printf("Next steps:\n")
			fmt.Printf("  1. Add your first change:\n")
			fmt.Printf("     strata add users -n 'Adds the users table'\n\n")
			fmt.Printf("  2. Write its scripts, then deploy:\n")
			fmt.Printf("     strata deploy\n\n")

			return nil
		},
	}

	cmd.Flags().StringVar(&uri, "uri", "", "project identity URI recorded in the plan")
	cmd.Flags().StringVar(&eng, "engine", "sqlite", "engine of the default target (sqlite, shell, remote)")
	cmd.Flags().StringVar(&targetURI, "target-uri", "", "database URI of the default target")

	return cmd
}
