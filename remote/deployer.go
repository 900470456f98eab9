package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alessio/shellescape"
	"github.com/avast/retry-go/v4"
	"tangled.sh/tangled.sh/dockship/config"
	"tangled.sh/tangled.sh/dockship/credentials"
	"tangled.sh/tangled.sh/dockship/docker"
)

type DeployOptions struct {
	ContainerName string
	Registry      config.Registry
	Env           docker.EnvVars
}

// Deployer replaces a named container on the remote host with a freshly
// pulled image.
type Deployer struct {
	exec Executor
	l    *slog.Logger
	opts DeployOptions

	image       string
	containerID string

	// timer overrides the log retry timer, for tests
	timer retry.Timer
}

// NewDeployer logs the remote engine in to the registry. A deployer that
// cannot log in is never returned.
func NewDeployer(ctx context.Context, exec Executor, opts DeployOptions, creds credentials.Provider, l *slog.Logger) (*Deployer, error) {
	d := &Deployer{
		exec: exec,
		l:    l.With("component", "deployer", "container", opts.ContainerName),
		opts: opts,
	}

	if err := d.login(ctx, creds); err != nil {
		return nil, err
	}
	return d, nil
}

// Attach returns a deployer for a container that is already running. It
// does not log in, so it can only stop the container or read its logs.
func Attach(exec Executor, opts DeployOptions, l *slog.Logger) *Deployer {
	return &Deployer{
		exec: exec,
		l:    l.With("component", "deployer", "container", opts.ContainerName),
		opts: opts,
	}
}

func (d *Deployer) login(ctx context.Context, creds credentials.Provider) error {
	cred, err := creds.Credential(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRemoteLogin, err)
	}

	args := []string{"docker", "login", "-u", cred.Username, "--password-stdin"}
	if !d.opts.Registry.IsDefault() {
		args = append(args, d.opts.Registry.URL)
	}

	res, err := d.exec.ExecuteInput(ctx, shellescape.QuoteCommand(args), strings.NewReader(cred.Password+"\n"))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrRemoteLogin, err)
	}
	if !res.OK() {
		return fmt.Errorf("%w: exit code %d: %s", ErrRemoteLogin, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	d.l.Info("remote registry login succeeded", "credential", cred)
	return nil
}

func (d *Deployer) run(ctx context.Context, args ...string) (Result, error) {
	cmd := shellescape.QuoteCommand(args)
	res, err := d.exec.Execute(ctx, cmd)
	if err != nil {
		return res, fmt.Errorf("%w: %s: %w", ErrRemoteCommand, cmd, err)
	}
	return res, nil
}

func commandFailed(args []string, res Result) error {
	return fmt.Errorf("%w: %s: exit code %d: %s", ErrRemoteCommand, strings.Join(args, " "), res.ExitCode, strings.TrimSpace(res.Stderr))
}

// PullImage pulls ref on the remote host and remembers it for RunNew.
func (d *Deployer) PullImage(ctx context.Context, ref string) error {
	if ref == "" {
		return ErrNoImage
	}

	args := []string{"docker", "pull", ref}
	res, err := d.run(ctx, args...)
	if err != nil {
		return err
	}
	if !res.OK() {
		return commandFailed(args, res)
	}

	d.image = ref
	d.l.Info("pulled image", "ref", ref)
	return nil
}

// StopExisting force-removes the named container. Its absence is success.
func (d *Deployer) StopExisting(ctx context.Context) error {
	args := []string{"docker", "rm", "-f", d.opts.ContainerName}
	res, err := d.run(ctx, args...)
	if err != nil {
		return err
	}
	if !res.OK() {
		if strings.Contains(res.Stderr, "No such container") {
			d.l.Info("no existing container")
			return nil
		}
		return commandFailed(args, res)
	}

	d.l.Info("removed existing container")
	return nil
}

// RunNew starts the pulled image detached under the container name.
func (d *Deployer) RunNew(ctx context.Context) (string, error) {
	if d.image == "" {
		return "", ErrNoImage
	}

	args := []string{"docker", "run", "-d", "--name", d.opts.ContainerName}
	for _, kv := range d.opts.Env.Slice() {
		args = append(args, "-e", kv)
	}
	args = append(args, d.image)

	res, err := d.run(ctx, args...)
	if err != nil {
		return "", err
	}
	if !res.OK() {
		return "", commandFailed(args, res)
	}

	d.containerID = strings.TrimSpace(res.Stdout)
	d.l.Info("started container", "id", shortID(d.containerID), "image", d.image)
	return d.containerID, nil
}

// FetchLogs reads the container's logs, retrying while they are empty. It
// makes at most attempts tries, sleeping delay between them.
func (d *Deployer) FetchLogs(ctx context.Context, attempts uint, delay time.Duration) (string, error) {
	if attempts == 0 {
		attempts = 1
	}

	var logs string
	retryOpts := []retry.Option{
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			d.l.Debug("logs not ready", "attempt", n+1, "error", err)
		}),
	}
	if d.timer != nil {
		retryOpts = append(retryOpts, retry.WithTimer(d.timer))
	}

	err := retry.Do(func() error {
		args := []string{"docker", "logs", d.opts.ContainerName}
		res, err := d.run(ctx, args...)
		if err != nil {
			return err
		}
		if !res.OK() {
			return commandFailed(args, res)
		}

		out := joinOutput(res.Stdout, res.Stderr)
		if out == "" {
			return ErrNoLogs
		}
		logs = out
		return nil
	}, retryOpts...)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", fmt.Errorf("after %d attempts: %w", attempts, err)
	}

	return logs, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// joinOutput puts stderr on its own line after stdout, both trimmed.
func joinOutput(stdout, stderr string) string {
	stdout, stderr = strings.TrimSpace(stdout), strings.TrimSpace(stderr)
	switch {
	case stdout == "":
		return stderr
	case stderr == "":
		return stdout
	}
	return stdout + "\n" + stderr
}
