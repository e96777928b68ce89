package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const timeEntryColumns = `id, remote_id, description, user_name, project, start_at, stop_at,
       duration_seconds, issue_key, issue_id, bad_issue_key`

// DeleteTimeEntries removes every entry starting within [since, until).
// Returns the number of rows deleted.
func (db *DB) DeleteTimeEntries(ctx context.Context, since, until time.Time) (int64, error) {
	result, err := db.exec(ctx,
		"DELETE FROM time_entries WHERE start_at >= ? AND start_at < ?",
		db.dialect.timeArg(since), db.dialect.timeArg(until))
	if err != nil {
		return 0, fmt.Errorf("failed to delete time entries: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// InsertTimeEntries bulk inserts entries in one transaction.
// ID, IssueID and BadIssueKey of the given entries are ignored.
func (db *DB) InsertTimeEntries(ctx context.Context, entries []TimeEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, db.dialect.rebind(`
		INSERT INTO time_entries (
			remote_id, description, user_name, project, start_at, stop_at,
			duration_seconds, issue_key
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`))
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		_, err := stmt.ExecContext(ctx,
			e.RemoteID,
			nullString(e.Description),
			nullString(e.User),
			nullString(e.Project),
			db.dialect.timeArg(e.Start),
			db.dialect.timeArg(e.Stop),
			e.DurationSeconds,
			nullString(e.IssueKey),
		)
		if err != nil {
			return fmt.Errorf("failed to insert time entry %d: %w", e.RemoteID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListTimeEntries returns the entries starting within [since, until), oldest first.
func (db *DB) ListTimeEntries(ctx context.Context, since, until time.Time) ([]TimeEntry, error) {
	return db.queryTimeEntries(ctx, `
		SELECT `+timeEntryColumns+`
		FROM time_entries
		WHERE start_at >= ? AND start_at < ?
		ORDER BY start_at ASC, remote_id ASC
	`, db.dialect.timeArg(since), db.dialect.timeArg(until))
}

// UnlinkedTimeEntries returns entries carrying an issue key that is neither
// linked nor flagged bad.
func (db *DB) UnlinkedTimeEntries(ctx context.Context) ([]TimeEntry, error) {
	return db.queryTimeEntries(ctx, `
		SELECT `+timeEntryColumns+`
		FROM time_entries
		WHERE issue_key IS NOT NULL AND issue_id IS NULL AND bad_issue_key = ?
		ORDER BY id ASC
	`, false)
}

// LinkTimeEntries points every entry in ids at the issue.
func (db *DB) LinkTimeEntries(ctx context.Context, ids []int64, issueID int64) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	args = append([]interface{}{issueID}, args...)
	if _, err := db.exec(ctx, "UPDATE time_entries SET issue_id = ? WHERE id IN "+in, args...); err != nil {
		return fmt.Errorf("failed to link time entries: %w", err)
	}
	return nil
}

// FlagBadIssueKey marks every entry in ids as carrying an unresolvable key.
func (db *DB) FlagBadIssueKey(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	args = append([]interface{}{true}, args...)
	if _, err := db.exec(ctx, "UPDATE time_entries SET bad_issue_key = ? WHERE id IN "+in, args...); err != nil {
		return fmt.Errorf("failed to flag bad issue keys: %w", err)
	}
	return nil
}

// KeyCount is an issue key with the number of entries carrying it.
type KeyCount struct {
	Key   string
	Count int
}

// BadIssueKeys returns the flagged keys with their entry counts, most used first.
func (db *DB) BadIssueKeys(ctx context.Context) ([]KeyCount, error) {
	rows, err := db.query(ctx, `
		SELECT issue_key, COUNT(*)
		FROM time_entries
		WHERE bad_issue_key = ? AND issue_key IS NOT NULL
		GROUP BY issue_key
		ORDER BY COUNT(*) DESC, issue_key ASC
	`, true)
	if err != nil {
		return nil, fmt.Errorf("failed to query bad issue keys: %w", err)
	}
	defer rows.Close()

	var keys []KeyCount
	for rows.Next() {
		var kc KeyCount
		if err := rows.Scan(&kc.Key, &kc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan bad issue key: %w", err)
		}
		keys = append(keys, kc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return keys, nil
}

// ClearBadIssueKeys clears the bad flag for the given keys, or for every
// entry when no key is given, so the next linking pass retries them.
// Returns the number of entries cleared.
func (db *DB) ClearBadIssueKeys(ctx context.Context, keys ...string) (int64, error) {
	query := "UPDATE time_entries SET bad_issue_key = ? WHERE bad_issue_key = ?"
	args := []interface{}{false, true}
	if len(keys) > 0 {
		marks := make([]string, len(keys))
		for i, k := range keys {
			marks[i] = "?"
			args = append(args, k)
		}
		query += " AND issue_key IN (" + strings.Join(marks, ", ") + ")"
	}

	result, err := db.exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to clear bad issue keys: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func (db *DB) queryTimeEntries(ctx context.Context, query string, args ...interface{}) ([]TimeEntry, error) {
	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query time entries: %w", err)
	}
	defer rows.Close()

	entries := []TimeEntry{}
	for rows.Next() {
		e, err := scanTimeEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return entries, nil
}

func scanTimeEntry(s scanner) (TimeEntry, error) {
	var e TimeEntry
	var description, user, project, issueKey sql.NullString
	var issueID sql.NullInt64
	var start, stop utcTime

	err := s.Scan(
		&e.ID,
		&e.RemoteID,
		&description,
		&user,
		&project,
		&start,
		&stop,
		&e.DurationSeconds,
		&issueKey,
		&issueID,
		&e.BadIssueKey,
	)
	if err != nil {
		return TimeEntry{}, fmt.Errorf("failed to scan time entry: %w", err)
	}

	e.Description = description.String
	e.User = user.String
	e.Project = project.String
	e.Start = start.Time
	e.Stop = stop.Time
	e.IssueKey = issueKey.String
	e.IssueID = issueID.Int64
	return e, nil
}
