package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

// createTestDB creates a temporary database for testing and returns the DB and a cleanup function.
func createTestDB(t *testing.T) (*DB, func()) {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := InitDB(dbPath)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
	}

	return db, cleanup
}

var day = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func entryAt(remoteID int64, start time.Time, key string) TimeEntry {
	return TimeEntry{
		RemoteID:        remoteID,
		Description:     key + " work",
		User:            "alice",
		Project:         "Platform",
		Start:           start,
		Stop:            start.Add(30 * time.Minute),
		DurationSeconds: 1800,
		IssueKey:        key,
	}
}

func TestInitDB_CreatesTables(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	db, err := InitDB(dbPath)
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}

	for _, table := range []string{"issues", "time_entries", "sync_runs"} {
		var name string
		err = db.conn.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("failed to find %s table: %v", table, err)
		}
	}
}

func TestInitDB_CanReopenExistingDB(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	db1, err := InitDB(dbPath)
	if err != nil {
		t.Fatalf("first InitDB failed: %v", err)
	}
	if _, err := db1.EnsureIssue(ctx, Issue{Key: "AB-1", Summary: "Test Issue"}); err != nil {
		t.Fatalf("failed to insert issue: %v", err)
	}
	db1.Close()

	db2, err := InitDB(dbPath)
	if err != nil {
		t.Fatalf("second InitDB failed: %v", err)
	}
	defer db2.Close()

	retrieved, err := db2.GetIssueByKey(ctx, "AB-1")
	if err != nil {
		t.Fatalf("failed to get issue: %v", err)
	}
	if retrieved == nil {
		t.Fatal("issue not found after reopening database")
	}
	if retrieved.Summary != "Test Issue" {
		t.Errorf("expected summary 'Test Issue', got %s", retrieved.Summary)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), "mysql", "x"); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestInsertAndListTimeEntries(t *testing.T) {
	db, cleanup := createTestDB(t)
	defer cleanup()
	ctx := context.Background()

	in := []TimeEntry{
		entryAt(2, day.Add(10*time.Hour), "AB-1"),
		entryAt(1, day.Add(9*time.Hour), ""),
	}
	if err := db.InsertTimeEntries(ctx, in); err != nil {
		t.Fatalf("InsertTimeEntries failed: %v", err)
	}

	got, err := db.ListTimeEntries(ctx, day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("ListTimeEntries failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}

	// Oldest first, ids assigned.
	want := in[1]
	want.ID = got[0].ID
	if diff := cmp.Diff(want, got[0]); diff != "" {
		t.Errorf("first entry mismatch (-want +got):\n%s", diff)
	}
	if got[0].IssueKey != "" {
		t.Errorf("expected empty issue key to round-trip as empty, got %q", got[0].IssueKey)
	}
	if got[1].IssueKey != "AB-1" {
		t.Errorf("expected issue key AB-1, got %q", got[1].IssueKey)
	}
}

func TestInsertTimeEntries_NormalizesToUTC(t *testing.T) {
	db, cleanup := createTestDB(t)
	defer cleanup()
	ctx := context.Background()

	berlin := time.FixedZone("CET", 3600)
	start := time.Date(2024, 3, 4, 1, 30, 0, 0, berlin) // 00:30 UTC
	if err := db.InsertTimeEntries(ctx, []TimeEntry{entryAt(1, start, "AB-1")}); err != nil {
		t.Fatalf("InsertTimeEntries failed: %v", err)
	}

	got, err := db.ListTimeEntries(ctx, day, day.Add(time.Hour))
	if err != nil {
		t.Fatalf("ListTimeEntries failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected entry inside UTC range, got %d entries", len(got))
	}
	if got[0].Start.Location() != time.UTC || !got[0].Start.Equal(start) {
		t.Errorf("expected %v in UTC, got %v", start.UTC(), got[0].Start)
	}
}

func TestDeleteTimeEntries_HalfOpenRange(t *testing.T) {
	db, cleanup := createTestDB(t)
	defer cleanup()
	ctx := context.Background()

	since := day
	until := day.AddDate(0, 0, 1)
	entries := []TimeEntry{
		entryAt(1, since.Add(-time.Second), "AB-1"), // before
		entryAt(2, since, "AB-1"),                   // inclusive lower bound
		entryAt(3, until.Add(-time.Nanosecond), ""), // last instant inside
		entryAt(4, until, "AB-2"),                   // exclusive upper bound
	}
	if err := db.InsertTimeEntries(ctx, entries); err != nil {
		t.Fatalf("InsertTimeEntries failed: %v", err)
	}

	n, err := db.DeleteTimeEntries(ctx, since, until)
	if err != nil {
		t.Fatalf("DeleteTimeEntries failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 rows deleted, got %d", n)
	}

	left, err := db.ListTimeEntries(ctx, since.AddDate(0, 0, -1), until.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("ListTimeEntries failed: %v", err)
	}
	var remote []int64
	for _, e := range left {
		remote = append(remote, e.RemoteID)
	}
	if diff := cmp.Diff([]int64{1, 4}, remote); diff != "" {
		t.Errorf("remaining entries mismatch (-want +got):\n%s", diff)
	}
}

func TestUnlinkedTimeEntries_LinkAndFlag(t *testing.T) {
	db, cleanup := createTestDB(t)
	defer cleanup()
	ctx := context.Background()

	entries := []TimeEntry{
		entryAt(1, day.Add(1*time.Hour), "AB-1"),
		entryAt(2, day.Add(2*time.Hour), "AB-2"),
		entryAt(3, day.Add(3*time.Hour), ""),
		entryAt(4, day.Add(4*time.Hour), "AB-3"),
	}
	if err := db.InsertTimeEntries(ctx, entries); err != nil {
		t.Fatalf("InsertTimeEntries failed: %v", err)
	}

	unlinked, err := db.UnlinkedTimeEntries(ctx)
	if err != nil {
		t.Fatalf("UnlinkedTimeEntries failed: %v", err)
	}
	if len(unlinked) != 3 {
		t.Fatalf("expected 3 unlinked entries with keys, got %d", len(unlinked))
	}

	issueID, err := db.EnsureIssue(ctx, Issue{Key: "AB-1"})
	if err != nil {
		t.Fatalf("EnsureIssue failed: %v", err)
	}
	if err := db.LinkTimeEntries(ctx, []int64{unlinked[0].ID}, issueID); err != nil {
		t.Fatalf("LinkTimeEntries failed: %v", err)
	}
	if err := db.FlagBadIssueKey(ctx, []int64{unlinked[1].ID}); err != nil {
		t.Fatalf("FlagBadIssueKey failed: %v", err)
	}

	unlinked, err = db.UnlinkedTimeEntries(ctx)
	if err != nil {
		t.Fatalf("UnlinkedTimeEntries failed: %v", err)
	}
	if len(unlinked) != 1 || unlinked[0].IssueKey != "AB-3" {
		t.Fatalf("expected only AB-3 to remain unlinked, got %+v", unlinked)
	}

	all, err := db.ListTimeEntries(ctx, day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("ListTimeEntries failed: %v", err)
	}
	if all[0].IssueID != issueID {
		t.Errorf("expected entry 1 linked to %d, got %d", issueID, all[0].IssueID)
	}
	if !all[1].BadIssueKey {
		t.Error("expected entry 2 flagged bad")
	}
}

func TestBadIssueKeys_Clear(t *testing.T) {
	db, cleanup := createTestDB(t)
	defer cleanup()
	ctx := context.Background()

	entries := []TimeEntry{
		entryAt(1, day.Add(1*time.Hour), "XX-1"),
		entryAt(2, day.Add(2*time.Hour), "XX-1"),
		entryAt(3, day.Add(3*time.Hour), "YY-9"),
	}
	if err := db.InsertTimeEntries(ctx, entries); err != nil {
		t.Fatalf("InsertTimeEntries failed: %v", err)
	}
	all, _ := db.ListTimeEntries(ctx, day, day.AddDate(0, 0, 1))
	if err := db.FlagBadIssueKey(ctx, []int64{all[0].ID, all[1].ID, all[2].ID}); err != nil {
		t.Fatalf("FlagBadIssueKey failed: %v", err)
	}

	bad, err := db.BadIssueKeys(ctx)
	if err != nil {
		t.Fatalf("BadIssueKeys failed: %v", err)
	}
	if diff := cmp.Diff([]KeyCount{{"XX-1", 2}, {"YY-9", 1}}, bad); diff != "" {
		t.Errorf("bad keys mismatch (-want +got):\n%s", diff)
	}

	n, err := db.ClearBadIssueKeys(ctx, "YY-9")
	if err != nil {
		t.Fatalf("ClearBadIssueKeys failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 entry cleared, got %d", n)
	}

	n, err = db.ClearBadIssueKeys(ctx)
	if err != nil {
		t.Fatalf("ClearBadIssueKeys failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 entries cleared, got %d", n)
	}

	unlinked, _ := db.UnlinkedTimeEntries(ctx)
	if len(unlinked) != 3 {
		t.Errorf("expected all entries eligible again, got %d", len(unlinked))
	}
}

func TestEnsureIssue_DoesNotDuplicateOrOverwrite(t *testing.T) {
	db, cleanup := createTestDB(t)
	defer cleanup()
	ctx := context.Background()

	id1, err := db.EnsureIssue(ctx, Issue{Key: "AB-1", Summary: "first", EpicKey: "AB-100"})
	if err != nil {
		t.Fatalf("EnsureIssue failed: %v", err)
	}
	id2, err := db.EnsureIssue(ctx, Issue{Key: "AB-1", Summary: "second"})
	if err != nil {
		t.Fatalf("EnsureIssue failed: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected same id for same key, got %d and %d", id1, id2)
	}

	var count int
	if err := db.queryRow(ctx, "SELECT COUNT(*) FROM issues").Scan(&count); err != nil {
		t.Fatalf("count issues: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 issue, got %d", count)
	}
	issue, err := db.GetIssueByKey(ctx, "AB-1")
	if err != nil {
		t.Fatalf("GetIssueByKey failed: %v", err)
	}
	if issue.Summary != "first" || issue.EpicKey != "AB-100" {
		t.Errorf("existing issue was overwritten: %+v", issue)
	}

	if _, err := db.EnsureIssue(ctx, Issue{}); err == nil {
		t.Error("expected error for empty key")
	}
}

func TestHierarchyQueries(t *testing.T) {
	db, cleanup := createTestDB(t)
	defer cleanup()
	ctx := context.Background()

	epicID, _ := db.EnsureIssue(ctx, Issue{Key: "AB-100", Type: "Epic", Inherited: Inherited{IsRoadmapItem: true, Initiative: "Growth"}})
	parentID, _ := db.EnsureIssue(ctx, Issue{Key: "AB-10", Type: "Story"})
	childID, _ := db.EnsureIssue(ctx, Issue{Key: "AB-11", Type: "Sub-task", EpicKey: "AB-100", ParentKey: "AB-10"})
	otherID, _ := db.EnsureIssue(ctx, Issue{Key: "AB-12", ParentKey: "AB-10"})

	for _, r := range Relations {
		unlinked, err := db.UnlinkedIssues(ctx, r)
		if err != nil {
			t.Fatalf("UnlinkedIssues(%s) failed: %v", r, err)
		}
		want := map[Relation]int{RelationEpic: 1, RelationParent: 2}[r]
		if len(unlinked) != want {
			t.Errorf("UnlinkedIssues(%s) = %d issues, want %d", r, len(unlinked), want)
		}
	}

	if err := db.LinkIssues(ctx, RelationEpic, []int64{childID}, epicID); err != nil {
		t.Fatalf("LinkIssues failed: %v", err)
	}
	if err := db.LinkIssues(ctx, RelationParent, []int64{childID, otherID}, parentID); err != nil {
		t.Fatalf("LinkIssues failed: %v", err)
	}

	for _, r := range Relations {
		unlinked, _ := db.UnlinkedIssues(ctx, r)
		if len(unlinked) != 0 {
			t.Errorf("expected no unlinked %s after linking, got %d", r, len(unlinked))
		}
	}

	parents, err := db.DistinctRelatedIDs(ctx, RelationParent)
	if err != nil {
		t.Fatalf("DistinctRelatedIDs failed: %v", err)
	}
	if diff := cmp.Diff([]int64{parentID}, parents); diff != "" {
		t.Errorf("distinct parent ids mismatch (-want +got):\n%s", diff)
	}

	ancestors, err := db.IssuesByIDs(ctx, []int64{epicID, parentID})
	if err != nil {
		t.Fatalf("IssuesByIDs failed: %v", err)
	}
	if len(ancestors) != 2 {
		t.Fatalf("expected 2 ancestors, got %d", len(ancestors))
	}

	n, err := db.ApplyInherited(ctx, RelationEpic, epicID, ancestors[0].Inherited)
	if err != nil {
		t.Fatalf("ApplyInherited failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 issue updated, got %d", n)
	}

	child, err := db.GetIssue(ctx, childID)
	if err != nil || child == nil {
		t.Fatalf("GetIssue failed: %v", err)
	}
	if diff := cmp.Diff(Inherited{IsRoadmapItem: true, Initiative: "Growth"}, child.Inherited); diff != "" {
		t.Errorf("inherited mismatch (-want +got):\n%s", diff)
	}
	if child.EpicID != epicID || child.ParentID != parentID {
		t.Errorf("unexpected links epic=%d parent=%d", child.EpicID, child.ParentID)
	}
}

func TestGetIssue_NotFound(t *testing.T) {
	db, cleanup := createTestDB(t)
	defer cleanup()

	issue, err := db.GetIssueByKey(context.Background(), "NOPE-1")
	if err != nil {
		t.Fatalf("GetIssueByKey failed: %v", err)
	}
	if issue != nil {
		t.Errorf("expected nil for missing issue, got %+v", issue)
	}
}

func TestRecordAndListRuns(t *testing.T) {
	db, cleanup := createTestDB(t)
	defer cleanup()
	ctx := context.Background()

	start := day.Add(time.Hour)
	for i, stage := range []string{"entries", "issues"} {
		err := db.RecordRun(ctx, SyncRun{
			RunID:      "run-1",
			Stage:      stage,
			StartedAt:  start.Add(time.Duration(i) * time.Minute),
			FinishedAt: start.Add(time.Duration(i)*time.Minute + time.Second),
			Status:     RunOK,
			Detail:     "done",
		})
		if err != nil {
			t.Fatalf("RecordRun failed: %v", err)
		}
	}

	runs, err := db.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].Stage != "issues" {
		t.Errorf("expected newest first, got %s", runs[0].Stage)
	}
	if !runs[1].StartedAt.Equal(start) {
		t.Errorf("expected start %v, got %v", start, runs[1].StartedAt)
	}
}

func TestParseRelation(t *testing.T) {
	tests := []struct {
		input   string
		want    Relation
		wantErr bool
	}{
		{"epic", RelationEpic, false},
		{"Epics", RelationEpic, false},
		{"parent", RelationParent, false},
		{" parents ", RelationParent, false},
		{"child", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseRelation(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRelation(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseRelation(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestRebind(t *testing.T) {
	pg, _ := dialectFor("postgres")
	lite, _ := dialectFor("sqlite")
	q := "UPDATE t SET a = ? WHERE id IN (?, ?)"

	if got := pg.rebind(q); got != "UPDATE t SET a = $1 WHERE id IN ($2, $3)" {
		t.Errorf("postgres rebind = %q", got)
	}
	if got := lite.rebind(q); got != q {
		t.Errorf("sqlite rebind changed query: %q", got)
	}
}

func TestUTCTimeScan(t *testing.T) {
	want := time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC)
	for _, src := range []interface{}{
		want.Format(sqliteTimeLayout),
		[]byte(want.Format(time.RFC3339)),
		want.In(time.FixedZone("X", -7200)),
	} {
		var u utcTime
		if err := u.Scan(src); err != nil {
			t.Fatalf("Scan(%v) failed: %v", src, err)
		}
		if !u.Time.Equal(want) || u.Time.Location() != time.UTC {
			t.Errorf("Scan(%v) = %v, want %v", src, u.Time, want)
		}
	}

	var u utcTime
	if err := u.Scan(42); err == nil {
		t.Error("expected error for unsupported type")
	}
}
