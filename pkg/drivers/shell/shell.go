// Package shell drives targets through an external client command. The
// change script is piped to the client's stdin. The client owns the
// target-side transaction; registry bookkeeping runs in its own
// transaction on the registry database.
package shell

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/strata-db/strata/pkg/drivers"
	"github.com/strata-db/strata/pkg/engine"
	"github.com/strata-db/strata/pkg/registry"
	"github.com/strata-db/strata/pkg/telemetry"
)

// defaultTimeout bounds one client invocation.
const defaultTimeout = 5 * time.Minute

// envPrefix is prepended to variable names exported to the client.
const envPrefix = "STRATA_VAR_"

func init() {
	drivers.Register("shell", func(cfg drivers.Config) (engine.Driver, error) {
		return New(cfg)
	})
}

// Driver runs scripts through a client process such as psql or sqlite3.
type Driver struct {
	reg     *registry.Registry
	tx      *sql.Tx
	client  string
	args    []string
	uri     string
	timeout time.Duration
}

// New builds a shell driver from the target configuration. The client
// command is required; extra arguments come from the args option and
// the target URI is appended last.
func New(cfg drivers.Config) (*Driver, error) {
	if cfg.Client == "" {
		return nil, fmt.Errorf("shell driver requires a client command")
	}

	timeout := defaultTimeout
	if v := cfg.Options["timeout"]; v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", v, err)
		}
		timeout = parsed
	}

	return &Driver{
		reg:     cfg.Registry,
		client:  cfg.Client,
		args:    strings.Fields(cfg.Options["args"]),
		uri:     cfg.URI,
		timeout: timeout,
	}, nil
}

// Name returns the engine name.
func (d *Driver) Name() string { return "shell" }

// Begin opens a registry transaction. The client process is outside it.
func (d *Driver) Begin(ctx context.Context) error {
	if d.tx != nil {
		return fmt.Errorf("transaction already open")
	}
	tx, err := d.reg.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin registry transaction: %w", err)
	}
	d.tx = tx
	return nil
}

// Commit makes the registry rows durable.
func (d *Driver) Commit(_ context.Context) error {
	if d.tx == nil {
		return fmt.Errorf("no open transaction")
	}
	err := d.tx.Commit()
	d.tx = nil
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Rollback discards the registry rows. Calling it without an open
// transaction is a no-op.
func (d *Driver) Rollback(_ context.Context) error {
	if d.tx == nil {
		return nil
	}
	err := d.tx.Rollback()
	d.tx = nil
	if err != nil {
		return fmt.Errorf("failed to roll back: %w", err)
	}
	return nil
}

// RunScript pipes the script to the client and returns its combined
// output. Variables reach the client as STRATA_VAR_<NAME> environment
// entries.
func (d *Driver) RunScript(ctx context.Context, path string, vars map[string]string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open script: %w", err)
	}
	defer f.Close()

	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	argv := d.args
	if d.uri != "" {
		argv = append(append([]string{}, d.args...), d.uri)
	}
	cmd := exec.CommandContext(cctx, d.client, argv...)
	cmd.Stdin = f
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	cmd.Env = append(os.Environ(), varsEnv(vars)...)
	// Stop draining output if a grandchild keeps the pipes open after
	// the client dies.
	cmd.WaitDelay = time.Second

	telemetry.FromContext(ctx).WithField("path", path).WithField("client", d.client).Debug("running script")

	err = cmd.Run()
	output := buf.String()
	if err != nil {
		if cctx.Err() == context.DeadlineExceeded {
			return output, fmt.Errorf("client %s timed out after %s", d.client, d.timeout)
		}
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			return output, fmt.Errorf("client %s exited with status %d", d.client, exit.ExitCode())
		}
		return output, fmt.Errorf("failed to run client %s: %w", d.client, err)
	}
	return output, nil
}

// RecordChange writes the change and a deploy event inside the open
// registry transaction.
func (d *Driver) RecordChange(ctx context.Context, rec *registry.ChangeRecord, deps []registry.Dependency, runID string) error {
	if d.tx == nil {
		return fmt.Errorf("no open transaction")
	}
	if err := d.reg.InsertChangeTx(ctx, d.tx, rec, deps); err != nil {
		return err
	}
	return d.reg.InsertEventTx(ctx, d.tx, registry.NewEvent(registry.EventDeploy, rec, runID))
}

// RemoveChange deletes the change's rows and writes a revert event
// inside the open registry transaction.
func (d *Driver) RemoveChange(ctx context.Context, rec *registry.ChangeRecord, runID string) error {
	if d.tx == nil {
		return fmt.Errorf("no open transaction")
	}
	if err := d.reg.DeleteChangeTx(ctx, d.tx, rec.ChangeID); err != nil {
		return err
	}
	return d.reg.InsertEventTx(ctx, d.tx, registry.NewEvent(registry.EventRevert, rec, runID))
}

// Close rolls back any open transaction. The registry connection
// belongs to the caller.
func (d *Driver) Close() error {
	if d.tx != nil {
		_ = d.tx.Rollback()
		d.tx = nil
	}
	return nil
}

func varsEnv(vars map[string]string) []string {
	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, envPrefix+strings.ToUpper(k)+"="+v)
	}
	return env
}
