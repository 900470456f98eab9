package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindCI Kind = "ci"
	KindCD Kind = "cd"
)

type Stage string

const (
	StageBuild   Stage = "build"
	StageRun     Stage = "run"
	StageTest    Stage = "test"
	StagePush    Stage = "push"
	StageCleanup Stage = "cleanup"
	StagePull    Stage = "pull"
	StageStop    Stage = "stop"
	StageDeploy  Stage = "deploy"
	StageLogs    Stage = "logs"
)

type Outcome int

const (
	Succeeded Outcome = iota
	Failed
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// StageResult is the outcome of one stage. Err is set exactly when Outcome
// is Failed. A best-effort stage may fail without failing its run.
type StageResult struct {
	Stage      Stage
	Outcome    Outcome
	Err        error
	Note       string
	BestEffort bool
	Started    time.Time
	Finished   time.Time
}

func (r StageResult) OK() bool {
	return r.Outcome != Failed
}

func (r StageResult) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

func Success(stage Stage) StageResult {
	return StageResult{Stage: stage, Outcome: Succeeded}
}

func Failure(stage Stage, err error) StageResult {
	return StageResult{Stage: stage, Outcome: Failed, Err: err}
}

func Skip(stage Stage, note string) StageResult {
	return StageResult{Stage: stage, Outcome: Skipped, Note: note}
}

// Run is the record of one pipeline execution. It is only written by the
// pipeline that created it.
type Run struct {
	ID       string
	Kind     Kind
	Image    string
	Stages   []StageResult
	Outcome  Outcome
	FailedAt Stage
	Err      error
	Started  time.Time
	Finished time.Time
}

func newRun(kind Kind) *Run {
	return &Run{
		ID:      uuid.NewString(),
		Kind:    kind,
		Started: time.Now(),
	}
}

// record appends res and reports whether the run may continue. The first
// failure of a stage that is not best-effort fails the run.
func (r *Run) record(res StageResult) bool {
	r.Stages = append(r.Stages, res)
	if res.OK() || res.BestEffort {
		return true
	}
	if r.Err == nil {
		r.FailedAt = res.Stage
		r.Err = res.Err
	}
	return false
}

func (r *Run) finish() {
	r.Finished = time.Now()
	if r.Err != nil {
		r.Outcome = Failed
	} else {
		r.Outcome = Succeeded
	}
}

func (r *Run) Succeeded() bool {
	return r.Outcome == Succeeded && r.Err == nil
}

func (r *Run) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Stage returns the result recorded for s, if any.
func (r *Run) Stage(s Stage) (StageResult, bool) {
	for _, res := range r.Stages {
		if res.Stage == s {
			return res, true
		}
	}
	return StageResult{}, false
}

func (r *Run) String() string {
	if r.Succeeded() {
		return fmt.Sprintf("%s %s: succeeded", r.Kind, r.ID)
	}
	return fmt.Sprintf("%s %s: failed at %s: %v", r.Kind, r.ID, r.FailedAt, r.Err)
}
