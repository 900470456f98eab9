package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tangled.sh/tangled.sh/dockship/docker"
	"tangled.sh/tangled.sh/dockship/fsm"
)

type CIState string

const (
	CIPending    CIState = "pending"
	CIBuilding   CIState = "building"
	CIRunning    CIState = "running"
	CITesting    CIState = "testing"
	CIPushing    CIState = "pushing"
	CICleaningUp CIState = "cleaning up"
	CISucceeded  CIState = "succeeded"
	CIFailed     CIState = "failed"
)

// Every stage may fail straight into cleanup; cleanup is the only way to a
// terminal state.
var ciTable = fsm.Table[CIState]{
	CIPending:    {CIBuilding},
	CIBuilding:   {CIRunning, CICleaningUp},
	CIRunning:    {CITesting, CICleaningUp},
	CITesting:    {CIPushing, CICleaningUp},
	CIPushing:    {CICleaningUp},
	CICleaningUp: {CISucceeded, CIFailed},
	CISucceeded:  {},
	CIFailed:     {},
}

type ImageBuilder interface {
	Build(ctx context.Context) (docker.Image, error)
	RenameOnFailure(ctx context.Context) error
	Cleanup(ctx context.Context) error
}

type ContainerRunner interface {
	TestTarget
	Start(ctx context.Context, img docker.Image) error
	Stop(ctx context.Context) error
	Remove(ctx context.Context) error
}

type ImagePusher interface {
	Push(ctx context.Context, img docker.Image, pushLatest bool) (string, error)
}

// TestTarget is what a test hook may do with the running container.
type TestTarget interface {
	Exec(ctx context.Context, cmd []string) (docker.ExecResult, error)
}

// TestFunc checks the running container. A nil TestFunc passes.
type TestFunc func(ctx context.Context, target TestTarget) error

// CommandTest runs cmd inside the container and passes on exit code 0. A
// failure carries the command's output.
func CommandTest(cmd []string) TestFunc {
	return func(ctx context.Context, target TestTarget) error {
		res, err := target.Exec(ctx, cmd)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			err := fmt.Errorf("%w: %q exited with code %d", ErrTestFailed, strings.Join(cmd, " "), res.ExitCode)
			if out := res.Output(); out != "" {
				err = fmt.Errorf("%w: %s", err, out)
			}
			return err
		}
		return nil
	}
}

type CIOptions struct {
	Test      TestFunc
	TestDelay time.Duration

	// Push gates the push stage; a nil pusher also skips it.
	Push       bool
	PushLatest bool
}

type CI struct {
	builder ImageBuilder
	runner  ContainerRunner
	pusher  ImagePusher
	opts    CIOptions
	l       *slog.Logger

	state *fsm.Machine[CIState]
	sleep func(context.Context, time.Duration) error
}

func NewCI(builder ImageBuilder, runner ContainerRunner, pusher ImagePusher, opts CIOptions, l *slog.Logger) *CI {
	return &CI{
		builder: builder,
		runner:  runner,
		pusher:  pusher,
		opts:    opts,
		l:       l.With("pipeline", KindCI),
		sleep:   sleep,
	}
}

// Tune applies the orchestrator's test and push toggles.
func (c *CI) Tune(opts Options) {
	if opts.SkipTests {
		c.opts.Test = nil
	}
	c.opts.Push = opts.Push
	c.opts.PushLatest = opts.Push && opts.PushLatest
}

// State is the current state of the last execution.
func (c *CI) State() CIState {
	if c.state == nil {
		return CIPending
	}
	return c.state.Current()
}

// Execute runs build, run, test and push in order, stopping at the first
// failure. Cleanup runs exactly once whatever happened before it.
func (c *CI) Execute(ctx context.Context) *Run {
	run := newRun(KindCI)
	c.state = fsm.MustNew(CIPending, ciTable)
	s := &stepper[CIState]{m: c.state, run: run, l: c.l.With("run", run.ID)}

	s.l.Info("pipeline started")

	var img docker.Image
	ok := s.do(ctx, CIBuilding, StageBuild, func(ctx context.Context) error {
		var err error
		img, err = c.builder.Build(ctx)
		if err == nil {
			run.Image = img.Ref()
		}
		return err
	})

	ok = ok && s.do(ctx, CIRunning, StageRun, func(ctx context.Context) error {
		return c.runner.Start(ctx, img)
	})

	ok = ok && s.step(ctx, CITesting, StageTest, c.test)

	ok = ok && s.step(ctx, CIPushing, StagePush, func(ctx context.Context) (StageResult, error) {
		if c.pusher == nil || !c.opts.Push {
			return Skip(StagePush, "push disabled"), nil
		}
		ref, err := c.pusher.Push(ctx, img, c.opts.PushLatest)
		if err != nil {
			return StageResult{}, err
		}
		return StageResult{Outcome: Succeeded, Note: ref}, nil
	})

	// cleanup runs even when ctx was cancelled mid-run
	cleanupCtx := context.WithoutCancel(ctx)
	c.cleanup(cleanupCtx, s)

	if ok && run.Err == nil {
		_ = c.state.Transition(CISucceeded)
		if err := c.builder.Cleanup(cleanupCtx); err != nil {
			s.l.Warn("failed to remove local image", "error", err)
		}
	} else {
		_ = c.state.Transition(CIFailed)
		if err := c.builder.RenameOnFailure(cleanupCtx); err != nil && !errors.Is(err, docker.ErrNotBuilt) {
			s.l.Warn("failed to rename failed image", "error", err)
		}
	}

	run.finish()
	if run.Succeeded() {
		s.l.Info("pipeline succeeded", "image", run.Image, "took", run.Duration())
	} else {
		s.l.Error("pipeline failed", "stage", run.FailedAt, "error", run.Err)
	}
	return run
}

func (c *CI) test(ctx context.Context) (StageResult, error) {
	if c.opts.Test == nil {
		return Skip(StageTest, "no test configured"), nil
	}

	if err := c.sleep(ctx, c.opts.TestDelay); err != nil {
		return StageResult{}, err
	}
	if err := c.opts.Test(ctx, c.runner); err != nil {
		return StageResult{}, err
	}
	return Success(StageTest), nil
}

// cleanup stops and removes the container. Its failure is recorded but does
// not change the outcome of the stages before it.
func (c *CI) cleanup(ctx context.Context, s *stepper[CIState]) {
	s.step(ctx, CICleaningUp, StageCleanup, func(ctx context.Context) (StageResult, error) {
		err := errors.Join(c.runner.Stop(ctx), c.runner.Remove(ctx))
		if err != nil {
			res := Failure(StageCleanup, err)
			res.BestEffort = true
			return res, nil
		}
		return Success(StageCleanup), nil
	})
}
