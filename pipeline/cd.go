package pipeline

import (
	"context"
	"log/slog"
	"time"

	"tangled.sh/tangled.sh/dockship/docker"
	"tangled.sh/tangled.sh/dockship/fsm"
)

type CDState string

const (
	CDPending   CDState = "pending"
	CDPulling   CDState = "pulling"
	CDStopping  CDState = "stopping"
	CDRunning   CDState = "running"
	CDLogFetch  CDState = "log fetch"
	CDSucceeded CDState = "succeeded"
	CDFailed    CDState = "failed"
)

var cdTable = fsm.Table[CDState]{
	CDPending:   {CDPulling},
	CDPulling:   {CDStopping, CDLogFetch},
	CDStopping:  {CDRunning, CDLogFetch},
	CDRunning:   {CDLogFetch},
	CDLogFetch:  {CDSucceeded, CDFailed},
	CDSucceeded: {},
	CDFailed:    {},
}

type RemoteDeployer interface {
	PullImage(ctx context.Context, ref string) error
	StopExisting(ctx context.Context) error
	RunNew(ctx context.Context) (string, error)
	FetchLogs(ctx context.Context, attempts uint, delay time.Duration) (string, error)
}

// ImageSource supplies the reference the CI phase pushed.
type ImageSource interface {
	PushedRef() string
}

// LocalImages removes image tags from the local engine.
type LocalImages interface {
	RemoveLocal(ctx context.Context, ref string) error
}

type CDOptions struct {
	// Image is deployed when set; otherwise the source's pushed reference.
	Image string

	LogDelay      time.Duration
	LogAttempts   uint
	LogRetryDelay time.Duration
}

type CD struct {
	deployer RemoteDeployer
	source   ImageSource
	local    LocalImages
	opts     CDOptions
	l        *slog.Logger

	state *fsm.Machine[CDState]
	sleep func(context.Context, time.Duration) error
}

// NewCD builds a CD pipeline. source and local may be nil.
func NewCD(deployer RemoteDeployer, source ImageSource, local LocalImages, opts CDOptions, l *slog.Logger) *CD {
	return &CD{
		deployer: deployer,
		source:   source,
		local:    local,
		opts:     opts,
		l:        l.With("pipeline", KindCD),
		sleep:    sleep,
	}
}

func (c *CD) State() CDState {
	if c.state == nil {
		return CDPending
	}
	return c.state.Current()
}

func (c *CD) image() string {
	if c.opts.Image != "" {
		return c.opts.Image
	}
	if c.source != nil {
		return c.source.PushedRef()
	}
	return ""
}

// Execute pulls, replaces and starts the remote container, stopping at the
// first failure. Logs are always fetched afterwards and never change the
// outcome. A container started before a later failure is left running.
func (c *CD) Execute(ctx context.Context) *Run {
	run := newRun(KindCD)
	c.state = fsm.MustNew(CDPending, cdTable)
	s := &stepper[CDState]{m: c.state, run: run, l: c.l.With("run", run.ID)}

	s.l.Info("pipeline started")

	ref := c.image()
	run.Image = ref

	ok := s.do(ctx, CDPulling, StagePull, func(ctx context.Context) error {
		if ref == "" {
			return ErrNoImage
		}
		return c.deployer.PullImage(ctx, ref)
	})

	ok = ok && s.do(ctx, CDStopping, StageStop, c.deployer.StopExisting)

	ok = ok && s.step(ctx, CDRunning, StageDeploy, func(ctx context.Context) (StageResult, error) {
		id, err := c.deployer.RunNew(ctx)
		if err != nil {
			return StageResult{}, err
		}
		return StageResult{Outcome: Succeeded, Note: id}, nil
	})

	s.step(ctx, CDLogFetch, StageLogs, c.fetchLogs)

	if ok {
		_ = c.state.Transition(CDSucceeded)
	} else {
		_ = c.state.Transition(CDFailed)
	}

	c.removeLocal(context.WithoutCancel(ctx), ref)

	run.finish()
	if run.Succeeded() {
		s.l.Info("pipeline succeeded", "image", ref, "took", run.Duration())
	} else {
		s.l.Error("pipeline failed", "stage", run.FailedAt, "error", run.Err)
	}
	return run
}

func (c *CD) fetchLogs(ctx context.Context) (StageResult, error) {
	res := StageResult{Outcome: Succeeded, BestEffort: true}

	if err := c.sleep(ctx, c.opts.LogDelay); err != nil {
		res.Outcome, res.Err = Failed, err
		return res, nil
	}

	logs, err := c.deployer.FetchLogs(ctx, c.opts.LogAttempts, c.opts.LogRetryDelay)
	if err != nil {
		c.l.Warn("could not fetch container logs", "error", err)
		res.Outcome, res.Err = Failed, err
		return res, nil
	}

	c.l.Info("container logs", "logs", logs)
	res.Note = logs
	return res, nil
}

// removeLocal drops the local copies of the deployed reference and its
// :latest alias. Failures are logged only.
func (c *CD) removeLocal(ctx context.Context, ref string) {
	if c.local == nil || ref == "" {
		return
	}

	refs := []string{ref}
	if latest, err := docker.LatestOf(ref); err == nil && latest != ref {
		refs = append(refs, latest)
	}

	for _, r := range refs {
		if err := c.local.RemoveLocal(ctx, r); err != nil {
			c.l.Warn("failed to remove local image", "ref", r, "error", err)
			continue
		}
		c.l.Debug("removed local image", "ref", r)
	}
}
