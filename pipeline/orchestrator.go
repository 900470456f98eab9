package pipeline

import (
	"context"
	"fmt"
	"log/slog"
)

// Executor is one pipeline, CI or CD.
type Executor interface {
	Execute(ctx context.Context) *Run
}

// Recorder persists finished runs.
type Recorder interface {
	SaveRun(ctx context.Context, run *Run) error
}

type PhaseStatus string

const (
	PhaseSucceeded PhaseStatus = "succeeded"
	PhaseFailed    PhaseStatus = "failed"
	PhaseSkipped   PhaseStatus = "skipped"
)

func phaseOf(run *Run) PhaseStatus {
	if run.Succeeded() {
		return PhaseSucceeded
	}
	return PhaseFailed
}

type Options struct {
	RunCI     bool
	RunCD     bool
	SkipTests bool
	// Push enables the registry push; PushLatest only applies with it.
	Push       bool
	PushLatest bool
}

// Tunable is implemented by pipelines that honour the run-wide toggles.
type Tunable interface {
	Tune(opts Options)
}

type Report struct {
	CI    PhaseStatus
	CD    PhaseStatus
	CIRun *Run
	CDRun *Run
}

// Succeeded reports whether no phase failed.
func (r Report) Succeeded() bool {
	return r.CI != PhaseFailed && r.CD != PhaseFailed
}

func (r Report) String() string {
	return fmt.Sprintf("CI: %s, CD: %s", r.CI, r.CD)
}

type Orchestrator struct {
	ci       Executor
	cd       Executor
	recorder Recorder
	l        *slog.Logger
}

// NewOrchestrator wires the phases together. ci, cd and recorder may each be
// nil; a nil phase is always skipped.
func NewOrchestrator(ci, cd Executor, recorder Recorder, l *slog.Logger) *Orchestrator {
	return &Orchestrator{
		ci:       ci,
		cd:       cd,
		recorder: recorder,
		l:        l.With("component", "orchestrator"),
	}
}

// Execute runs CI, then CD only if CI did not fail.
func (o *Orchestrator) Execute(ctx context.Context, opts Options) Report {
	report := Report{CI: PhaseSkipped, CD: PhaseSkipped}

	if opts.RunCI && o.ci != nil {
		o.l.Info("running CI phase")
		if t, ok := o.ci.(Tunable); ok {
			t.Tune(opts)
		}
		report.CIRun = o.ci.Execute(ctx)
		report.CI = phaseOf(report.CIRun)
		o.save(ctx, report.CIRun)

		if report.CI == PhaseFailed {
			o.l.Error("CI failed, skipping deployment")
			return report
		}
	} else {
		o.l.Info("CI phase skipped")
	}

	if opts.RunCD && o.cd != nil {
		o.l.Info("running CD phase")
		report.CDRun = o.cd.Execute(ctx)
		report.CD = phaseOf(report.CDRun)
		o.save(ctx, report.CDRun)
	} else {
		o.l.Info("CD phase skipped")
	}

	o.l.Info("pipeline summary", "ci", report.CI, "cd", report.CD)
	return report
}

func (o *Orchestrator) save(ctx context.Context, run *Run) {
	if o.recorder == nil || run == nil {
		return
	}
	if err := o.recorder.SaveRun(ctx, run); err != nil {
		o.l.Warn("failed to record run", "run", run.ID, "error", err)
	}
}
