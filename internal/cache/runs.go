package cache

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Run statuses.
const (
	RunOK     = "ok"
	RunFailed = "failed"
)

// SyncRun records one execution of one reconciliation stage.
type SyncRun struct {
	ID         int64
	RunID      string // shared by the stages of one pipeline pass
	Stage      string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     string
	Detail     string
}

// RecordRun stores a finished stage execution.
func (db *DB) RecordRun(ctx context.Context, run SyncRun) error {
	_, err := db.exec(ctx, `
		INSERT INTO sync_runs (run_id, stage, started_at, finished_at, status, detail)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		run.RunID,
		run.Stage,
		db.dialect.timeArg(run.StartedAt),
		db.dialect.timeArg(run.FinishedAt),
		run.Status,
		nullString(run.Detail),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent stage executions, newest first.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := db.query(ctx, `
		SELECT id, run_id, stage, started_at, finished_at, status, detail
		FROM sync_runs
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []SyncRun{}
	for rows.Next() {
		var r SyncRun
		var started, finished utcTime
		var detail sql.NullString
		if err := rows.Scan(&r.ID, &r.RunID, &r.Stage, &started, &finished, &r.Status, &detail); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt = started.Time
		r.FinishedAt = finished.Time
		r.Detail = detail.String
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return runs, nil
}
