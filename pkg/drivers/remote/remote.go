// Package remote drives targets on another host over SSH. The change
// script is uploaded via SFTP and fed to the client command there.
// Registry bookkeeping runs locally in its own transaction, like the
// shell driver.
package remote

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/strata-db/strata/pkg/drivers"
	"github.com/strata-db/strata/pkg/engine"
	"github.com/strata-db/strata/pkg/registry"
	"github.com/strata-db/strata/pkg/telemetry"
)

const (
	defaultPort           = 22
	defaultConnectTimeout = 30 * time.Second
	defaultTimeout        = 5 * time.Minute
)

func init() {
	drivers.Register("remote", func(cfg drivers.Config) (engine.Driver, error) {
		return New(cfg)
	})
}

// Driver runs scripts through a client on a remote host. The SSH
// connection is established on first use.
type Driver struct {
	reg       *registry.Registry
	tx        *sql.Tx
	client    string
	args      []string
	uri       string
	addr      string
	sshConfig *ssh.ClientConfig
	timeout   time.Duration

	conn *ssh.Client
	sftp *sftp.Client
}

// New builds a remote driver. The host option and the client command
// are required; user defaults to $USER and authentication falls back
// from the password option to key files under ~/.ssh.
func New(cfg drivers.Config) (*Driver, error) {
	if cfg.Client == "" {
		return nil, fmt.Errorf("remote driver requires a client command")
	}
	host := cfg.Options["host"]
	if host == "" {
		return nil, fmt.Errorf("remote driver requires a host option")
	}

	port := defaultPort
	if v := cfg.Options["port"]; v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 || parsed > 65535 {
			return nil, fmt.Errorf("invalid port %q", v)
		}
		port = parsed
	}

	user := cfg.Options["user"]
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		return nil, fmt.Errorf("remote driver requires a user option")
	}

	timeout := defaultTimeout
	if v := cfg.Options["timeout"]; v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", v, err)
		}
		timeout = parsed
	}
	connectTimeout := defaultConnectTimeout
	if v := cfg.Options["connect_timeout"]; v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid connect_timeout %q: %w", v, err)
		}
		connectTimeout = parsed
	}

	sshConfig, err := buildSSHConfig(cfg.Options, user, connectTimeout)
	if err != nil {
		return nil, err
	}

	return &Driver{
		reg:       cfg.Registry,
		client:    cfg.Client,
		args:      strings.Fields(cfg.Options["args"]),
		uri:       cfg.URI,
		addr:      fmt.Sprintf("%s:%d", host, port),
		sshConfig: sshConfig,
		timeout:   timeout,
	}, nil
}

// buildSSHConfig assembles the client configuration from target
// options. A password option wins over key authentication; key
// authentication discovers the usual ~/.ssh key files when no key
// option is set.
func buildSSHConfig(options map[string]string, user string, connectTimeout time.Duration) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if password := options["password"]; password != "" {
		auth = append(auth, ssh.Password(password))
		// Many servers present password auth as a keyboard-interactive
		// prompt instead.
		auth = append(auth, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			},
		))
	} else {
		keyPath := options["key"]
		if keyPath == "" {
			home := os.Getenv("HOME")
			for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
				candidate := filepath.Join(home, ".ssh", name)
				if _, err := os.Stat(candidate); err == nil {
					keyPath = candidate
					break
				}
			}
		}
		if keyPath == "" {
			return nil, fmt.Errorf("no private key found and no password configured")
		}
		keyBytes, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if passphrase := options["passphrase"]; passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}

	strict := true
	if v := options["strict"]; v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid strict option %q", v)
		}
		strict = parsed
	}
	var hostKeyCallback ssh.HostKeyCallback
	if strict {
		knownHosts := options["known_hosts"]
		if knownHosts == "" {
			knownHosts = filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts")
		}
		var err error
		hostKeyCallback, err = knownhosts.New(knownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         connectTimeout,
	}, nil
}

// Name returns the engine name.
func (d *Driver) Name() string { return "remote" }

func (d *Driver) connect(ctx context.Context) error {
	if d.conn != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	conn, err := ssh.Dial("tcp", d.addr, d.sshConfig)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", d.addr, err)
	}
	sftpClient, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open sftp session: %w", err)
	}
	d.conn = conn
	d.sftp = sftpClient
	return nil
}

// Begin opens a registry transaction. The remote client is outside it.
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

// RunScript uploads the script with variables substituted and runs the
// client against it on the remote host.
func (d *Driver) RunScript(ctx context.Context, path string, vars map[string]string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read script: %w", err)
	}
	script := drivers.Substitute(string(data), vars)

	if err := d.connect(ctx); err != nil {
		return "", err
	}

	remotePath := fmt.Sprintf("/tmp/strata-%d%s", time.Now().UnixNano(), filepath.Ext(path))
	if err := d.upload(remotePath, script); err != nil {
		return "", err
	}
	defer func() {
		if err := d.sftp.Remove(remotePath); err != nil {
			telemetry.FromContext(ctx).WithError(err).Warn("failed to remove uploaded script")
		}
	}()

	telemetry.FromContext(ctx).
		WithField("host", d.addr).
		WithField("path", path).
		Debug("running script")

	return d.run(ctx, d.commandLine(remotePath))
}

func (d *Driver) upload(remotePath, content string) error {
	f, err := d.sftp.Create(remotePath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", remotePath, err)
	}
	if _, err := f.Write([]byte(content)); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to upload script: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to upload script: %w", err)
	}
	return nil
}

// commandLine builds the remote shell command: the client, its
// arguments, the target URI, and the uploaded script on stdin.
func (d *Driver) commandLine(remotePath string) string {
	parts := append([]string{d.client}, d.args...)
	if d.uri != "" {
		parts = append(parts, d.uri)
	}
	parts = append(parts, "<", remotePath)
	return strings.Join(parts, " ")
}

func (d *Driver) run(ctx context.Context, cmd string) (string, error) {
	session, err := d.conn.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to create session: %w", err)
	}
	defer session.Close()

	var buf bytes.Buffer
	session.Stdout = &buf
	session.Stderr = &buf

	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-cctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		if cctx.Err() == context.DeadlineExceeded {
			return buf.String(), fmt.Errorf("client %s timed out after %s", d.client, d.timeout)
		}
		return buf.String(), cctx.Err()
	case err = <-done:
	}

	if err != nil {
		var exit *ssh.ExitError
		if errors.As(err, &exit) {
			return buf.String(), fmt.Errorf("client %s exited with status %d", d.client, exit.ExitStatus())
		}
		return buf.String(), fmt.Errorf("failed to run client %s: %w", d.client, err)
	}
	return buf.String(), nil
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

// Close rolls back any open transaction and drops the SSH connection.
func (d *Driver) Close() error {
	if d.tx != nil {
		_ = d.tx.Rollback()
		d.tx = nil
	}
	if d.sftp != nil {
		_ = d.sftp.Close()
		d.sftp = nil
	}
	if d.conn != nil {
		err := d.conn.Close()
		d.conn = nil
		return err
	}
	return nil
}
