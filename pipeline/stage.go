package pipeline

import (
	"context"
	"log/slog"
	"time"

	"tangled.sh/tangled.sh/dockship/fsm"
)

// stepper moves a pipeline's state machine and records one StageResult per
// stage it runs.
type stepper[S comparable] struct {
	m   *fsm.Machine[S]
	run *Run
	l   *slog.Logger
}

// enter moves to state. An illegal move fails the given stage.
func (s *stepper[S]) enter(state S, stage Stage) bool {
	if err := s.m.Transition(state); err != nil {
		return s.run.record(s.stamp(Failure(stage, err), time.Now()))
	}
	return true
}

func (s *stepper[S]) step(ctx context.Context, state S, stage Stage, fn func(context.Context) (StageResult, error)) bool {
	if !s.enter(state, stage) {
		return false
	}

	started := time.Now()
	s.l.Info("stage started", "stage", stage)

	res, err := fn(ctx)
	if err != nil {
		res = Failure(stage, err)
	}
	res.Stage = stage
	res = s.stamp(res, started)

	switch res.Outcome {
	case Failed:
		s.l.Error("stage failed", "stage", stage, "error", res.Err, "took", res.Duration())
	case Skipped:
		s.l.Info("stage skipped", "stage", stage, "reason", res.Note)
	default:
		s.l.Info("stage succeeded", "stage", stage, "took", res.Duration())
	}

	return s.run.record(res)
}

// do is step for stages that either succeed or fail.
func (s *stepper[S]) do(ctx context.Context, state S, stage Stage, fn func(context.Context) error) bool {
	return s.step(ctx, state, stage, func(ctx context.Context) (StageResult, error) {
		return Success(stage), fn(ctx)
	})
}

func (s *stepper[S]) stamp(res StageResult, started time.Time) StageResult {
	res.Started = started
	res.Finished = time.Now()
	return res
}

// sleep waits d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
