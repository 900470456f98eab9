package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tangled.sh/tangled.sh/dockship/pipeline"
)

var ErrRunNotFound = errors.New("run not found")

// RunRecord is a stored pipeline run. Errors are kept as text.
type RunRecord struct {
	ID       string
	Kind     string
	Image    string
	Outcome  string
	FailedAt string
	Error    string
	Started  time.Time
	Finished time.Time
	Stages   []StageRecord
}

func (r RunRecord) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

type StageRecord struct {
	Stage      string
	Outcome    string
	Note       string
	Error      string
	BestEffort bool
	Started    time.Time
	Finished   time.Time
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// SaveRun stores a finished run and its stages in one transaction.
func (d *DB) SaveRun(ctx context.Context, run *pipeline.Run) error {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`insert into runs (id, kind, image, outcome, failed_at, error, started, finished)
		values (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		string(run.Kind),
		run.Image,
		run.Outcome.String(),
		string(run.FailedAt),
		errText(run.Err),
		run.Started.UnixNano(),
		run.Finished.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}

	for i, s := range run.Stages {
		_, err = tx.ExecContext(ctx,
			`insert into stages (run_id, seq, stage, outcome, note, error, best_effort, started, finished)
			values (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID,
			i,
			string(s.Stage),
			s.Outcome.String(),
			s.Note,
			errText(s.Err),
			s.BestEffort,
			s.Started.UnixNano(),
			s.Finished.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("inserting stage %s: %w", s.Stage, err)
		}
	}

	return tx.Commit()
}

// ListRuns returns the most recent runs first, without their stages.
func (d *DB) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := d.QueryContext(ctx, `
		select id, kind, image, outcome, failed_at, error, started, finished
		from runs
		order by started desc
		limit ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// GetRun returns one run with its stages in order.
func (d *DB) GetRun(ctx context.Context, id string) (RunRecord, error) {
	row := d.QueryRowContext(ctx, `
		select id, kind, image, outcome, failed_at, error, started, finished
		from runs
		where id = ?
	`, id)

	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return RunRecord{}, err
	}

	rows, err := d.QueryContext(ctx, `
		select stage, outcome, note, error, best_effort, started, finished
		from stages
		where run_id = ?
		order by seq asc
	`, id)
	if err != nil {
		return RunRecord{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var s StageRecord
		var started, finished int64
		if err := rows.Scan(&s.Stage, &s.Outcome, &s.Note, &s.Error, &s.BestEffort, &started, &finished); err != nil {
			return RunRecord{}, err
		}
		s.Started = time.Unix(0, started)
		s.Finished = time.Unix(0, finished)
		r.Stages = append(r.Stages, s)
	}

	if err := rows.Err(); err != nil {
		return RunRecord{}, err
	}

	return r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (RunRecord, error) {
	var r RunRecord
	var started, finished int64
	err := s.Scan(&r.ID, &r.Kind, &r.Image, &r.Outcome, &r.FailedAt, &r.Error, &started, &finished)
	if err != nil {
		return r, err
	}
	r.Started = time.Unix(0, started)
	r.Finished = time.Unix(0, finished)
	return r, nil
}

var _ pipeline.Recorder = (*DB)(nil)
