package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"tangled.sh/tangled.sh/dockship/docker"
)

var errBoom = errors.New("boom")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// journal records calls across all fakes of one test, in order.
type journal struct {
	calls []string
}

func (j *journal) add(call string) {
	j.calls = append(j.calls, call)
}

func (j *journal) count(call string) int {
	n := 0
	for _, c := range j.calls {
		if c == call {
			n++
		}
	}
	return n
}

type fakeBuilder struct {
	j        *journal
	buildErr error

	// renameCtxErr is the context error seen by RenameOnFailure
	renameCtxErr error
}

func (b *fakeBuilder) Build(ctx context.Context) (docker.Image, error) {
	b.j.add("build")
	if b.buildErr != nil {
		return docker.Image{}, b.buildErr
	}
	return docker.Image{ID: "sha256:abc", Name: "app", Tag: "v1"}, nil
}

func (b *fakeBuilder) RenameOnFailure(ctx context.Context) error {
	b.j.add("rename")
	b.renameCtxErr = ctx.Err()
	if b.buildErr != nil {
		return docker.ErrNotBuilt
	}
	return nil
}

func (b *fakeBuilder) Cleanup(ctx context.Context) error {
	b.j.add("remove-image")
	return nil
}

type fakeRunner struct {
	j          *journal
	startErr   error
	stopErr    error
	execCode   int
	execStdout string
	execStderr string
	execCmds   [][]string

	// context errors seen by Stop and Remove
	stopCtxErr   error
	removeCtxErr error
}

func (r *fakeRunner) Start(ctx context.Context, img docker.Image) error {
	r.j.add("start")
	return r.startErr
}

func (r *fakeRunner) Stop(ctx context.Context) error {
	r.j.add("stop")
	r.stopCtxErr = ctx.Err()
	return r.stopErr
}

func (r *fakeRunner) Remove(ctx context.Context) error {
	r.j.add("remove")
	r.removeCtxErr = ctx.Err()
	return nil
}

func (r *fakeRunner) Exec(ctx context.Context, cmd []string) (docker.ExecResult, error) {
	r.j.add("exec")
	r.execCmds = append(r.execCmds, cmd)
	return docker.ExecResult{ExitCode: r.execCode, Stdout: r.execStdout, Stderr: r.execStderr}, nil
}

type fakePusher struct {
	j       *journal
	pushErr error
	latest  []bool
	ref     string
}

func (p *fakePusher) Push(ctx context.Context, img docker.Image, pushLatest bool) (string, error) {
	p.j.add("push")
	p.latest = append(p.latest, pushLatest)
	if p.pushErr != nil {
		return "", p.pushErr
	}
	p.ref = "alice/" + img.Ref()
	return p.ref, nil
}

func (p *fakePusher) PushedRef() string {
	return p.ref
}

type fakeDeployer struct {
	j       *journal
	pullErr error
	stopErr error
	runErr  error
	logsErr error
	pulled  string
}

func (d *fakeDeployer) PullImage(ctx context.Context, ref string) error {
	d.j.add("remote-pull")
	d.pulled = ref
	return d.pullErr
}

func (d *fakeDeployer) StopExisting(ctx context.Context) error {
	d.j.add("remote-stop")
	return d.stopErr
}

func (d *fakeDeployer) RunNew(ctx context.Context) (string, error) {
	d.j.add("remote-run")
	return "4f2a9c1b7d3e", d.runErr
}

func (d *fakeDeployer) FetchLogs(ctx context.Context, attempts uint, delay time.Duration) (string, error) {
	d.j.add("remote-logs")
	if d.logsErr != nil {
		return "", d.logsErr
	}
	return "listening on :8080", nil
}

type fakeLocal struct {
	j       *journal
	removed []string
	ctxErrs []error
}

func (l *fakeLocal) RemoveLocal(ctx context.Context, ref string) error {
	l.j.add("remove-local")
	l.ctxErrs = append(l.ctxErrs, ctx.Err())
	l.removed = append(l.removed, ref)
	return nil
}

// recordingSleep replaces the pipelines' sleep.
type recordingSleep struct {
	slept []time.Duration
}

func (s *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	s.slept = append(s.slept, d)
	return ctx.Err()
}
