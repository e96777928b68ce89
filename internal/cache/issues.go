package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const issueColumns = `id, issue_key, remote_id, summary, type, status, epic_key, epic_id,
       parent_key, parent_id, is_roadmap_item, initiative`

// EnsureIssue inserts the issue unless one with the same key already exists,
// and returns the local id of the stored issue. An existing row is left untouched.
func (db *DB) EnsureIssue(ctx context.Context, issue Issue) (int64, error) {
	if issue.Key == "" {
		return 0, errors.New("failed to ensure issue: empty key")
	}

	_, err := db.exec(ctx, `
		INSERT INTO issues (
			issue_key, remote_id, summary, type, status, epic_key, parent_key,
			is_roadmap_item, initiative
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (issue_key) DO NOTHING
	`,
		issue.Key,
		nullString(issue.RemoteID),
		nullString(issue.Summary),
		nullString(issue.Type),
		nullString(issue.Status),
		nullString(issue.EpicKey),
		nullString(issue.ParentKey),
		issue.IsRoadmapItem,
		nullString(issue.Initiative),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert issue %s: %w", issue.Key, err)
	}

	var id int64
	if err := db.queryRow(ctx, "SELECT id FROM issues WHERE issue_key = ?", issue.Key).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to look up issue %s: %w", issue.Key, err)
	}
	return id, nil
}

// GetIssueByKey retrieves an issue by its remote key. Returns nil if absent.
func (db *DB) GetIssueByKey(ctx context.Context, key string) (*Issue, error) {
	row := db.queryRow(ctx, "SELECT "+issueColumns+" FROM issues WHERE issue_key = ?", key)
	return scanIssueFrom(row)
}

// GetIssue retrieves an issue by local id. Returns nil if absent.
func (db *DB) GetIssue(ctx context.Context, id int64) (*Issue, error) {
	row := db.queryRow(ctx, "SELECT "+issueColumns+" FROM issues WHERE id = ?", id)
	return scanIssueFrom(row)
}

// UnlinkedIssues returns issues that declare a key for the relation but have no id for it.
func (db *DB) UnlinkedIssues(ctx context.Context, r Relation) ([]Issue, error) {
	return db.queryIssues(ctx, fmt.Sprintf(`
		SELECT %s
		FROM issues
		WHERE %s IS NOT NULL AND %s IS NULL
		ORDER BY id ASC
	`, issueColumns, r.keyColumn(), r.idColumn()))
}

// LinkIssues sets the relation id of every issue in ids to targetID.
func (db *DB) LinkIssues(ctx context.Context, r Relation, ids []int64, targetID int64) error {
	if len(ids) == 0 {
		return nil
	}
	in, args := inClause(ids)
	args = append([]interface{}{targetID}, args...)
	query := fmt.Sprintf("UPDATE issues SET %s = ? WHERE id IN %s", r.idColumn(), in)
	if _, err := db.exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to link %s: %w", r, err)
	}
	return nil
}

// DistinctRelatedIDs returns the distinct non-null ids referenced through the relation.
func (db *DB) DistinctRelatedIDs(ctx context.Context, r Relation) ([]int64, error) {
	rows, err := db.query(ctx, fmt.Sprintf(
		"SELECT DISTINCT %[1]s FROM issues WHERE %[1]s IS NOT NULL ORDER BY %[1]s ASC", r.idColumn()))
	if err != nil {
		return nil, fmt.Errorf("failed to query distinct %s ids: %w", r, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan %s id: %w", r, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return ids, nil
}

// IssuesByIDs returns the issues whose id is in ids.
func (db *DB) IssuesByIDs(ctx context.Context, ids []int64) ([]Issue, error) {
	if len(ids) == 0 {
		return []Issue{}, nil
	}
	in, args := inClause(ids)
	return db.queryIssues(ctx, "SELECT "+issueColumns+" FROM issues WHERE id IN "+in+" ORDER BY id ASC", args...)
}

// ApplyInherited writes props onto every issue whose relation id is ancestorID.
// Returns the number of issues updated.
func (db *DB) ApplyInherited(ctx context.Context, r Relation, ancestorID int64, props Inherited) (int64, error) {
	result, err := db.exec(ctx,
		fmt.Sprintf("UPDATE issues SET is_roadmap_item = ?, initiative = ? WHERE %s = ?", r.idColumn()),
		props.IsRoadmapItem, nullString(props.Initiative), ancestorID)
	if err != nil {
		return 0, fmt.Errorf("failed to apply inherited properties of %s %d: %w", r, ancestorID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func (db *DB) queryIssues(ctx context.Context, query string, args ...interface{}) ([]Issue, error) {
	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query issues: %w", err)
	}
	defer rows.Close()

	issues := []Issue{}
	for rows.Next() {
		issue, err := scanIssueFrom(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, *issue)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return issues, nil
}

// scanIssueFrom scans a row into an Issue. It returns nil, nil for sql.ErrNoRows.
func scanIssueFrom(s scanner) (*Issue, error) {
	var issue Issue
	var remoteID, summary, typ, status, epicKey, parentKey, initiative sql.NullString
	var epicID, parentID sql.NullInt64

	err := s.Scan(
		&issue.ID,
		&issue.Key,
		&remoteID,
		&summary,
		&typ,
		&status,
		&epicKey,
		&epicID,
		&parentKey,
		&parentID,
		&issue.IsRoadmapItem,
		&initiative,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan issue: %w", err)
	}

	issue.RemoteID = remoteID.String
	issue.Summary = summary.String
	issue.Type = typ.String
	issue.Status = status.String
	issue.EpicKey = epicKey.String
	issue.EpicID = epicID.Int64
	issue.ParentKey = parentKey.String
	issue.ParentID = parentID.Int64
	issue.Initiative = initiative.String
	return &issue, nil
}
