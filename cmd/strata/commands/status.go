package commands

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/strata-db/strata/pkg/config"
	"github.com/strata-db/strata/pkg/plan"
	"github.com/strata-db/strata/pkg/registry"
)

func newStatusCommand() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "status [target]",
		Short: "Show the target's position against the plan",
		Long: `Show where a target stands relative to the plan: the last deployed
change, pending changes, and deployed changes the plan no longer
contains.

With --follow the status re-renders whenever the plan file or the
registry database changes, until interrupted.`,
		Example: `  # Status of the default target
  strata status

  # Watch a named target during a long deploy
  strata status prod --follow`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			name, target, err := resolveTarget(args)
			if err != nil {
				return err
			}

			if err := renderStatus(ctx, name, target); err != nil {
				return err
			}
			if !follow {
				return nil
			}
			return followStatus(ctx, name, target)
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "re-render when the plan or registry changes")

	return cmd
}

func renderStatus(ctx context.Context, name string, target *config.Target) error {
	p, err := plan.ParseFile(cfg.PlanPath())
	if err != nil {
		return err
	}

	reg, err := registry.New(registry.Config{Path: target.RegistryPath()})
	if err != nil {
		return err
	}
	if err := reg.Init(ctx); err != nil {
		return err
	}
	defer reg.Close()
	if err := reg.Migrate(ctx); err != nil {
		return err
	}

	deployed, err := reg.DeployedChanges(ctx, p.Project())
	if err != nil {
		return err
	}

	fmt.Printf("# Project:  %s\n", p.Project())
	fmt.Printf("# Target:   %s (%s)\n", name, target.Engine)

	if len(deployed) == 0 {
		fmt.Println("\nNo changes deployed")
	} else {
		last := deployed[len(deployed)-1]
		fmt.Printf("# Change:   %s\n", last.ChangeID)
		fmt.Printf("# Name:     %s\n", last.Name)
		if len(last.Tags) > 0 {
			fmt.Printf("# Tags:     %s\n", strings.Join(last.Tags, ", "))
		}
		fmt.Printf("# Deployed: %s by %s <%s>\n",
			last.CommittedAt.Format(time.RFC3339), last.CommitterName, last.CommitterEmail)
	}

	// A deployed change the plan no longer contains means the ledger
	// was edited behind the registry's back.
	deployedSet := make(map[string]bool, len(deployed))
	for _, rec := range deployed {
		deployedSet[rec.ChangeID] = true
		if !p.Contains(rec.ChangeID) {
			fmt.Printf("\n! %s is deployed but not in the plan\n", rec.Name)
		}
	}

	var pending []*plan.Change
	for c := range p.Changes() {
		if !deployedSet[c.ID] {
			pending = append(pending, c)
		}
	}

	if len(pending) == 0 {
		fmt.Println("\nNothing to deploy (up-to-date)")
		return nil
	}
	fmt.Printf("\nUndeployed changes:\n")
	for _, c := range pending {
		fmt.Printf("  * %s\n", c.NameWithTags())
	}
	return nil
}

// followStatus re-renders on plan or registry writes until the context
// is canceled.
func followStatus(ctx context.Context, name string, target *config.Target) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	planPath := cfg.PlanPath()
	regPath := target.RegistryPath()

	// Watch the directories: registry writes land in the -wal file,
	// and the plan is replaced by rename, which only the directory
	// sees.
	watched := map[string]bool{
		filepath.Base(planPath):         true,
		filepath.Base(regPath):          true,
		filepath.Base(regPath) + "-wal": true,
	}
	dirs := map[string]bool{
		filepath.Dir(planPath): true,
		filepath.Dir(regPath):  true,
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	log.WithTarget(name, target.Engine).Info("Watching for changes")

	renders := make(chan struct{}, 1)
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !watched[filepath.Base(ev.Name)] {
				continue
			}
			// Deploys touch the registry in bursts; debounce them
			// into one render.
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(300*time.Millisecond, func() {
				select {
				case renders <- struct{}{}:
				default:
				}
			})
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(werr).Warn("Watch error")
		case <-renders:
			fmt.Println("\n---")
			if err := renderStatus(ctx, name, target); err != nil {
				log.WithError(err).Warn("Failed to refresh status")
			}
		}
	}
}
