package cache

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	dialectSQLite   = "sqlite"
	dialectPostgres = "postgres"
)

// sqliteTimeLayout is fixed width so that TEXT comparisons order chronologically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// dialect captures the differences between the SQLite and PostgreSQL mirrors.
// Queries are written once with "?" placeholders.
type dialect struct {
	name   string
	driver string
	schema []string
}

func dialectFor(name string) (dialect, error) {
	switch strings.ToLower(name) {
	case "", "sqlite", "sqlite3":
		return dialect{name: dialectSQLite, driver: "sqlite", schema: sqliteSchema}, nil
	case "postgres", "postgresql", "pgx":
		return dialect{name: dialectPostgres, driver: "pgx", schema: postgresSchema}, nil
	}
	return dialect{}, fmt.Errorf("unsupported database driver %q: valid drivers are sqlite, postgres", name)
}

// rebind rewrites "?" placeholders to "$1", "$2", ... for PostgreSQL.
func (d dialect) rebind(query string) string {
	if d.name != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// timeArg converts a timestamp to the driver argument for a time column.
func (d dialect) timeArg(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	if d.name == dialectSQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

// utcTime scans TEXT (SQLite) and TIMESTAMPTZ (PostgreSQL) columns into UTC times.
type utcTime struct {
	Time time.Time
}

func (u *utcTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		u.Time = time.Time{}
	case time.Time:
		u.Time = v.UTC()
	case string:
		return u.parse(v)
	case []byte:
		return u.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into time", src)
	}
	return nil
}

func (u *utcTime) parse(s string) error {
	if s == "" {
		u.Time = time.Time{}
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	u.Time = t.UTC()
	return nil
}

var sqliteSchema = []string{`
CREATE TABLE IF NOT EXISTS issues (
    id INTEGER PRIMARY KEY,
    issue_key TEXT NOT NULL UNIQUE,
    remote_id TEXT,
    summary TEXT,
    type TEXT,
    status TEXT,
    epic_key TEXT,
    epic_id INTEGER REFERENCES issues(id),
    parent_key TEXT,
    parent_id INTEGER REFERENCES issues(id),
    is_roadmap_item INTEGER NOT NULL DEFAULT 0,
    initiative TEXT
);`, `
CREATE TABLE IF NOT EXISTS time_entries (
    id INTEGER PRIMARY KEY,
    remote_id INTEGER NOT NULL,
    description TEXT,
    user_name TEXT,
    project TEXT,
    start_at TEXT NOT NULL,
    stop_at TEXT,
    duration_seconds INTEGER NOT NULL DEFAULT 0,
    issue_key TEXT,
    issue_id INTEGER REFERENCES issues(id),
    bad_issue_key INTEGER NOT NULL DEFAULT 0
);`, `
CREATE TABLE IF NOT EXISTS sync_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL,
    stage TEXT NOT NULL,
    started_at TEXT NOT NULL,
    finished_at TEXT,
    status TEXT NOT NULL,
    detail TEXT
);`,
	`CREATE INDEX IF NOT EXISTS idx_time_entries_start ON time_entries(start_at);`,
	`CREATE INDEX IF NOT EXISTS idx_time_entries_issue_key ON time_entries(issue_key);`,
	`CREATE INDEX IF NOT EXISTS idx_issues_epic_id ON issues(epic_id);`,
	`CREATE INDEX IF NOT EXISTS idx_issues_parent_id ON issues(parent_id);`,
}

var postgresSchema = []string{`
CREATE TABLE IF NOT EXISTS issues (
    id BIGSERIAL PRIMARY KEY,
    issue_key TEXT NOT NULL UNIQUE,
    remote_id TEXT,
    summary TEXT,
    type TEXT,
    status TEXT,
    epic_key TEXT,
    epic_id BIGINT REFERENCES issues(id),
    parent_key TEXT,
    parent_id BIGINT REFERENCES issues(id),
    is_roadmap_item BOOLEAN NOT NULL DEFAULT FALSE,
    initiative TEXT
);`, `
CREATE TABLE IF NOT EXISTS time_entries (
    id BIGSERIAL PRIMARY KEY,
    remote_id BIGINT NOT NULL,
    description TEXT,
    user_name TEXT,
    project TEXT,
    start_at TIMESTAMPTZ NOT NULL,
    stop_at TIMESTAMPTZ,
    duration_seconds BIGINT NOT NULL DEFAULT 0,
    issue_key TEXT,
    issue_id BIGINT REFERENCES issues(id),
    bad_issue_key BOOLEAN NOT NULL DEFAULT FALSE
);`, `
CREATE TABLE IF NOT EXISTS sync_runs (
    id BIGSERIAL PRIMARY KEY,
    run_id TEXT NOT NULL,
    stage TEXT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ,
    status TEXT NOT NULL,
    detail TEXT
);`,
	`CREATE INDEX IF NOT EXISTS idx_time_entries_start ON time_entries(start_at);`,
	`CREATE INDEX IF NOT EXISTS idx_time_entries_issue_key ON time_entries(issue_key);`,
	`CREATE INDEX IF NOT EXISTS idx_issues_epic_id ON issues(epic_id);`,
	`CREATE INDEX IF NOT EXISTS idx_issues_parent_id ON issues(parent_id);`,
}
