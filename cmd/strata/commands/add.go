package commands

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"text/template"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/strata-db/strata/pkg/plan"
)

// Built-in script stubs, overridable per kind through a templates.yaml
// manifest in the script directory.
const (
	defaultDeployTemplate = `-- Deploy {{.Project}}:{{.Change}}
{{- range .Requires}}
-- requires: {{.}}
{{- end}}
{{- range .Conflicts}}
-- conflicts: {{.}}
{{- end}}

-- XXX Add deploy statements here.
`

	defaultRevertTemplate = `-- Revert {{.Project}}:{{.Change}}

-- XXX Add revert statements here.
`

	defaultVerifyTemplate = `-- Verify {{.Project}}:{{.Change}}

-- XXX Add verify statements here.
`
)

// stubData is the data every script template renders with.
type stubData struct {
	Project   string
	Change    string
	Note      string
	Requires  []string
	Conflicts []string
}

func newAddCommand() *cobra.Command {
	var (
		requires  []string
		conflicts []string
		note      string
	)

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Add a change to the plan",
		Long: `Add a change to the plan and create its script stubs.

The change is appended to the plan ledger with its dependencies and
planner identity, and deploy, revert, and verify stubs are created
under the script directory. A templates.yaml manifest in the script
directory seeds the stubs instead of the built-in defaults.

A name already in the plan can be reused once a tag sealed it. The
sealed version's scripts are then pinned under name@tag, and the plain
name keeps serving the new version.`,
		Example: `  # Add a change with a note
  strata add users -n 'Adds the users table'

  # Declare dependencies on earlier changes
  strata add widgets --requires users --requires schema@v1.0

  # Depend on a change from another configured project
  strata add reports --requires warehouse:facts`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			log.WithChange(name).Info("Adding change to plan")

			p, err := plan.ParseFile(cfg.PlanPath())
			if err != nil {
				return err
			}

			reqRefs, err := parseRefs(requires)
			if err != nil {
				return err
			}
			conRefs, err := parseRefs(conflicts)
			if err != nil {
				return err
			}

			// A sealed prior version keeps its scripts under name@tag.
			var pinned string
			if old, ok := p.GetChange(name); ok && len(old.Tags) > 0 {
				pinned = old.Name + "@" + old.Tags[0]
			}

			plannerName, plannerEmail := committer()
			change, err := p.AddChange(name, reqRefs, conRefs, plannerName, plannerEmail, note, time.Now().UTC())
			if err != nil {
				return err
			}

			if err := writePlan(p); err != nil {
				return err
			}
			fmt.Printf("✓ Added %s to %s\n", change.Name, cfg.PlanPath())

			if pinned != "" {
				kept, err := pinScripts(cfg.ScriptsDir(), change.Name, pinned)
				if err != nil {
					return err
				}
				for _, path := range kept {
					fmt.Printf("✓ Pinned previous version: %s\n", path)
				}
			}

			created, err := writeScriptStubs(cfg.ScriptsDir(), p, change)
			if err != nil {
				return err
			}
			for _, path := range created {
				fmt.Printf("✓ Created script: %s\n", path)
			}

			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&requires, "requires", "r", nil, "change this change requires (repeatable)")
	cmd.Flags().StringArrayVarP(&conflicts, "conflicts", "x", nil, "change this change conflicts with (repeatable)")
	cmd.Flags().StringVarP(&note, "note", "n", "", "note recorded with the change")

	return cmd
}

func parseRefs(specs []string) ([]plan.Ref, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	refs := make([]plan.Ref, 0, len(specs))
	for _, s := range specs {
		r, err := plan.ParseRef(s)
		if err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, nil
}

// writePlan rewrites the plan file atomically. A crash mid-write must
// never leave a truncated ledger behind.
func writePlan(p *plan.Plan) error {
	path := cfg.PlanPath()
	tmp, err := os.CreateTemp(filepath.Dir(path), ".strata-plan-*")
	if err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := p.WriteTo(tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write plan: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("failed to write plan: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// pinScripts copies a reworked change's scripts to their name@tag
// form, where deploys of the sealed version keep finding them.
func pinScripts(dir, name, pinned string) ([]string, error) {
	var kept []string
	for _, kind := range []string{"deploy", "revert", "verify"} {
		src := filepath.Join(dir, kind, name+".sql")
		dst := filepath.Join(dir, kind, pinned+".sql")
		data, err := os.ReadFile(src)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return kept, err
		}
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := os.WriteFile(dst, data, 0644); err != nil {
			return kept, err
		}
		kept = append(kept, dst)
	}
	return kept, nil
}

// scriptTemplates returns the stub template per script kind, merging a
// templates.yaml manifest from the script directory over the defaults.
func scriptTemplates(dir string) (map[string]string, error) {
	templates := map[string]string{
		"deploy": defaultDeployTemplate,
		"revert": defaultRevertTemplate,
		"verify": defaultVerifyTemplate,
	}

	manifest := filepath.Join(dir, "templates.yaml")
	data, err := os.ReadFile(manifest)
	if errors.Is(err, os.ErrNotExist) {
		return templates, nil
	}
	if err != nil {
		return nil, err
	}

	var custom map[string]string
	if err := yaml.Unmarshal(data, &custom); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", manifest, err)
	}
	for kind, body := range custom {
		if _, ok := templates[kind]; !ok {
			return nil, fmt.Errorf("unknown script kind %q in %s", kind, manifest)
		}
		templates[kind] = body
	}
	return templates, nil
}

// writeScriptStubs renders and writes the change's scripts, skipping
// files that already exist.
func writeScriptStubs(dir string, p *plan.Plan, c *plan.Change) ([]string, error) {
	templates, err := scriptTemplates(dir)
	if err != nil {
		return nil, err
	}

	data := stubData{
		Project: p.Project(),
		Change:  c.Name,
		Note:    c.Note,
	}
	for _, r := range c.Requires {
		data.Requires = append(data.Requires, r.String())
	}
	for _, r := range c.Conflicts {
		data.Conflicts = append(data.Conflicts, r.String())
	}

	var created []string
	for _, kind := range []string{"deploy", "revert", "verify"} {
		kindDir := filepath.Join(dir, kind)
		if err := os.MkdirAll(kindDir, 0755); err != nil {
			return created, err
		}
		path := filepath.Join(kindDir, c.Name+".sql")
		if _, err := os.Stat(path); err == nil {
			continue
		}

		tmpl, err := template.New(kind).Parse(templates[kind])
		if err != nil {
			return created, fmt.Errorf("invalid %s template: %w", kind, err)
		}
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return created, fmt.Errorf("failed to render %s script: %w", kind, err)
		}
		if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
			return created, err
		}
		created = append(created, path)
	}
	return created, nil
}
