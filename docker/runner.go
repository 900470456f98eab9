package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

type RunOptions struct {
	Env            EnvVars
	SettleWindow   time.Duration
	SettleInterval time.Duration
}

// Runner runs one image as a detached container and owns that container
// until it is removed.
type Runner struct {
	api  API
	l    *slog.Logger
	opts RunOptions

	c *Container
}

func NewRunner(api API, l *slog.Logger, opts RunOptions) *Runner {
	return &Runner{
		api:  api,
		l:    l.With("component", "runner"),
		opts: opts,
	}
}

func (r *Runner) Container() *Container {
	return r.c
}

// Start runs img detached and waits for it to settle. A container that
// exits zero inside the settle window (a one-shot script) succeeds, as does
// one still running when the window closes.
func (r *Runner) Start(ctx context.Context, img Image) error {
	resp, err := r.api.ContainerCreate(ctx, &container.Config{
		Image: img.Ref(),
		Env:   r.opts.Env.Slice(),
		Tty:   false,
	}, nil, nil, nil, "")
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}
	r.c = newContainer(resp.ID, img)

	if err := r.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}
	r.l.Info("started container", "id", shortID(resp.ID), "image", img.Ref())

	res, err := Settle(ctx, r.api, resp.ID, SettleOptions{
		Window:   r.opts.SettleWindow,
		Interval: r.opts.SettleInterval,
	})
	if err != nil {
		return fmt.Errorf("waiting for container: %w", err)
	}
	if err := r.c.observe(res.State); err != nil {
		r.l.Warn("unexpected container state", "error", err)
	}

	switch res.Kind {
	case Exited:
		r.c.ExitCode = res.ExitCode
		if res.ExitCode == 0 {
			r.l.Info("container completed successfully")
			return nil
		}
		stdout, stderr, logErr := r.Logs(ctx)
		if logErr != nil {
			r.l.Warn("failed to read container logs", "error", logErr)
		}
		r.l.Error("container failed", "exit_code", res.ExitCode, "stdout", stdout, "stderr", stderr)
		return fmt.Errorf("%w: exit code %d", ErrContainerExited, res.ExitCode)
	case Stable:
		r.l.Info("container running", "status", res.State)
		return nil
	default:
		return fmt.Errorf("%w: status %s after %s", ErrContainerUnsettled, res.State, r.opts.SettleWindow)
	}
}

// refresh re-reads the container state from the engine.
func (r *Runner) refresh(ctx context.Context) error {
	info, err := r.api.ContainerInspect(ctx, r.c.ID)
	if err != nil {
		return err
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return nil
	}
	r.c.ExitCode = info.State.ExitCode
	return r.c.observe(ContainerState(string(info.State.Status)))
}

// Stop is a no-op when nothing was started or the container is not running.
func (r *Runner) Stop(ctx context.Context) error {
	if r.c == nil {
		r.l.Debug("no container to stop")
		return nil
	}

	if err := r.refresh(ctx); err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}

	if r.c.State() != StateRunning {
		r.l.Info("container not running", "status", r.c.State())
		return nil
	}

	if err := r.api.ContainerStop(ctx, r.c.ID, container.StopOptions{}); err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return fmt.Errorf("stopping container: %w", err)
	}
	if err := r.refresh(ctx); err != nil && !isNotFound(err) {
		return err
	}

	r.l.Info("container stopped", "id", shortID(r.c.ID))
	return nil
}

// Remove deletes a stopped container. It refuses to remove a running one.
func (r *Runner) Remove(ctx context.Context) error {
	if r.c == nil {
		r.l.Debug("no container to remove")
		return nil
	}

	if err := r.refresh(ctx); err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}

	if !r.c.Removable() {
		return fmt.Errorf("%w: status %s", ErrContainerRunning, r.c.State())
	}

	if err := r.api.ContainerRemove(ctx, r.c.ID, container.RemoveOptions{}); err != nil && !isNotFound(err) {
		return fmt.Errorf("removing container: %w", err)
	}

	r.l.Info("container removed", "id", shortID(r.c.ID))
	r.c = nil
	return nil
}

// Logs returns everything the container has written so far.
func (r *Runner) Logs(ctx context.Context) (string, string, error) {
	if r.c == nil {
		return "", "", ErrNoContainer
	}

	rc, err := r.api.ContainerLogs(ctx, r.c.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return stdout.String(), stderr.String(), fmt.Errorf("demultiplexing logs: %w", err)
	}

	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), nil
}

var errExecRunning = errors.New("exec still running")

// ExecResult is the outcome of a command run inside the container.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Output is stdout followed by stderr, trimmed.
func (e ExecResult) Output() string {
	out := strings.TrimSpace(e.Stdout)
	if errOut := strings.TrimSpace(e.Stderr); errOut != "" {
		if out != "" {
			out += "\n"
		}
		out += errOut
	}
	return out
}

// Exec runs cmd inside the running container and returns its exit code and
// output.
func (r *Runner) Exec(ctx context.Context, cmd []string) (ExecResult, error) {
	res := ExecResult{ExitCode: -1}
	if r.c == nil {
		return res, ErrNoContainer
	}

	created, err := r.api.ContainerExecCreate(ctx, r.c.ID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return res, fmt.Errorf("creating exec: %w", err)
	}

	attached, err := r.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return res, fmt.Errorf("starting exec: %w", err)
	}
	defer attached.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attached.Reader); err != nil {
		return res, fmt.Errorf("reading exec output: %w", err)
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	interval := r.opts.SettleInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	// the output stream can close before the engine records the exit code
	err = retry.Do(func() error {
		info, err := r.api.ContainerExecInspect(ctx, created.ID)
		if err != nil {
			return retry.Unrecoverable(err)
		}
		if info.Running {
			return errExecRunning
		}
		res.ExitCode = info.ExitCode
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(interval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		res.ExitCode = -1
		return res, fmt.Errorf("waiting for exec: %w", err)
	}

	r.l.Info("exec finished", "cmd", strings.Join(cmd, " "), "exit_code", res.ExitCode)
	return res, nil
}
