// Package cache provides the local relational mirror of time entries and issues.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// DB represents a database connection holding the mirror.
type DB struct {
	path    string
	conn    *sql.DB
	dialect dialect
}

// Relation names one of the two issue self-references.
type Relation string

const (
	RelationEpic   Relation = "epic"
	RelationParent Relation = "parent"
)

// Relations lists the hierarchy relations in linking order.
var Relations = []Relation{RelationEpic, RelationParent}

// ParseRelation converts a user supplied name ("epic", "epics", "parent", ...) to a Relation.
func ParseRelation(s string) (Relation, error) {
	switch strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s") {
	case "epic":
		return RelationEpic, nil
	case "parent":
		return RelationParent, nil
	}
	return "", fmt.Errorf("unknown relation %q: valid relations are epic, parent", s)
}

// keyColumn returns the column holding the related issue key.
func (r Relation) keyColumn() string {
	switch r {
	case RelationEpic:
		return "epic_key"
	case RelationParent:
		return "parent_key"
	}
	panic(fmt.Sprintf("cache: invalid relation %q", string(r)))
}

// idColumn returns the column holding the related issue id.
func (r Relation) idColumn() string {
	switch r {
	case RelationEpic:
		return "epic_id"
	case RelationParent:
		return "parent_id"
	}
	panic(fmt.Sprintf("cache: invalid relation %q", string(r)))
}

// TimeEntry represents a mirrored time-tracking entry.
type TimeEntry struct {
	ID              int64
	RemoteID        int64
	Description     string
	User            string
	Project         string
	Start           time.Time
	Stop            time.Time
	DurationSeconds int64
	IssueKey        string // "" if the description carries no key
	IssueID         int64  // 0 while unlinked
	BadIssueKey     bool
}

// Inherited holds the issue properties pushed from parents and epics onto their children.
type Inherited struct {
	IsRoadmapItem bool
	Initiative    string
}

// Issue represents a mirrored issue. Leaves, parents and epics share this type.
type Issue struct {
	ID        int64
	Key       string
	RemoteID  string
	Summary   string
	Type      string
	Status    string
	EpicKey   string
	EpicID    int64 // 0 while unlinked
	ParentKey string
	ParentID  int64 // 0 while unlinked
	Inherited
}

// RelatedKey returns the key the issue declares for the relation.
func (i Issue) RelatedKey(r Relation) string {
	if r == RelationEpic {
		return i.EpicKey
	}
	return i.ParentKey
}

// Open opens the mirror. driver is "sqlite" (path is a file path) or
// "postgres" (path is a connection string). The schema is created if missing.
func Open(ctx context.Context, driver, path string) (*DB, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(d.driver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if d.name == dialectSQLite {
		// SQLite only supports a single writer, so we limit to one connection
		// to prevent "database is locked" errors under concurrent group updates.
		conn.SetMaxOpenConns(1)
		conn.SetMaxIdleConns(1)
		conn.SetConnMaxLifetime(0)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	for _, stmt := range d.schema {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &DB{
		path:    path,
		conn:    conn,
		dialect: d,
	}, nil
}

// InitDB opens a SQLite mirror at the given path.
func InitDB(path string) (*DB, error) {
	return Open(context.Background(), dialectSQLite, path)
}

// Close closes the database connection.
func (db *DB) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

// Driver returns the dialect name the mirror was opened with.
func (db *DB) Driver() string {
	return db.dialect.name
}

func (db *DB) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return db.conn.ExecContext(ctx, db.dialect.rebind(query), args...)
}

func (db *DB) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return db.conn.QueryContext(ctx, db.dialect.rebind(query), args...)
}

func (db *DB) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return db.conn.QueryRowContext(ctx, db.dialect.rebind(query), args...)
}

// scanner is an interface that both *sql.Row and *sql.Rows implement.
type scanner interface {
	Scan(dest ...interface{}) error
}

// inClause returns "(?, ?, ...)" for n values and the values as arguments.
func inClause(ids []int64) (string, []interface{}) {
	args := make([]interface{}, len(ids))
	marks := make([]string, len(ids))
	for i, id := range ids {
		args[i] = id
		marks[i] = "?"
	}
	return "(" + strings.Join(marks, ", ") + ")", args
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
