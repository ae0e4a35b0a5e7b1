// Package vcs provides the version control operations checkout needs.
// The git implementation shells out to the git binary, which is what
// ends up on every machine that has a plan to check out.
package vcs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/strata-db/strata/pkg/engine"
)

// commandTimeout bounds one git invocation. Switching branches in a
// large repository can take a while; queries never do.
const commandTimeout = 30 * time.Second

// Git runs version control operations against one repository.
type Git struct {
	root string
}

var _ engine.VCS = (*Git)(nil)

// NewGit opens the repository containing dir.
func NewGit(dir string) (*Git, error) {
	root, err := RepoRoot(dir)
	if err != nil {
		return nil, err
	}
	return &Git{root: root}, nil
}

// Root returns the repository's top-level directory.
func (g *Git) Root() string { return g.root }

// CurrentBranch returns the checked-out branch name. A detached HEAD
// reports as "HEAD".
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// FileContentAt returns the file's content at the named ref without
// touching the working tree.
func (g *Git) FileContentAt(ctx context.Context, ref, path string) ([]byte, error) {
	rel, err := g.relPath(path)
	if err != nil {
		return nil, err
	}
	return g.output(ctx, "show", ref+":"+rel)
}

// SwitchTo checks out the named branch.
func (g *Git) SwitchTo(ctx context.Context, branch string) error {
	_, err := g.run(ctx, "checkout", branch)
	return err
}

// relPath maps a plan path onto its repository-relative, slash-separated
// form, the only spelling git show accepts.
func (g *Git) relPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	rel, err := filepath.Rel(g.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s is outside the repository %s", path, g.root)
	}
	return filepath.ToSlash(rel), nil
}

// run executes git and returns its trimmed stdout. File content goes
// through output instead, which preserves the bytes exactly.
func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	out, err := g.output(ctx, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (g *Git) output(ctx context.Context, args ...string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	cmd := exec.CommandContext(cctx, "git", args...)
	cmd.Dir = g.root

	out, err := cmd.Output()
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("git %s timed out after %s", args[0], commandTimeout)
		}
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return nil, fmt.Errorf("git %s: %s", strings.Join(args, " "),
				strings.TrimSpace(string(exit.Stderr)))
		}
		return nil, fmt.Errorf("git %s: %w", args[0], err)
	}
	return out, nil
}

// IsRepository reports whether dir is inside a git repository.
func IsRepository(dir string) bool {
	cmd := exec.Command("git", "rev-parse", "--git-dir")
	cmd.Dir = dir
	return cmd.Run() == nil
}

// RepoRoot finds the repository's top-level directory from dir.
func RepoRoot(dir string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "--show-toplevel")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("not a git repository: %s", dir)
	}
	return strings.TrimSpace(string(out)), nil
}
