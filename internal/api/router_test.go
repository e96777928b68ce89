package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/JohanCodinha/timelink/internal/cache"
	"github.com/JohanCodinha/timelink/internal/jobs"
	"github.com/JohanCodinha/timelink/internal/sync"
	"github.com/gin-gonic/gin"
	"github.com/google/go-cmp/cmp"
)

type fakeTrigger struct {
	mu      gosync.Mutex
	busy    bool
	started [][]sync.Stage
}

func (f *fakeTrigger) Start(ctx context.Context, stages ...sync.Stage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return jobs.ErrBusy
	}
	f.started = append(f.started, stages)
	return nil
}

func (f *fakeTrigger) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func setupRouter(t *testing.T) (*gin.Engine, *fakeTrigger, *cache.DB) {
	t.Helper()
	db, err := cache.InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to init db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	trigger := &fakeTrigger{}
	return NewRouter(trigger, db, false), trigger, db
}

func do(r http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r, trigger, _ := setupRouter(t)
	trigger.busy = true

	w := do(r, http.MethodGet, "/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]bool
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if !body["ok"] || !body["running"] {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func TestSync_Queued(t *testing.T) {
	r, trigger, _ := setupRouter(t)

	w := do(r, http.MethodPost, "/sync")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	if len(trigger.started) != 1 || len(trigger.started[0]) != 0 {
		t.Errorf("expected one full pass, got %v", trigger.started)
	}
}

func TestSync_Busy(t *testing.T) {
	r, trigger, _ := setupRouter(t)
	trigger.busy = true

	w := do(r, http.MethodPost, "/sync")
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	if !strings.Contains(w.Body.String(), "already running") {
		t.Errorf("unexpected body: %s", w.Body.String())
	}
}

func TestRunStage(t *testing.T) {
	r, trigger, _ := setupRouter(t)

	w := do(r, http.MethodPost, "/stages/epics")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if diff := cmp.Diff([][]sync.Stage{{sync.StageEpics}}, trigger.started); diff != "" {
		t.Errorf("started mismatch (-want +got):\n%s", diff)
	}

	w = do(r, http.MethodPost, "/stages/deploy")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown stage status = %d, want 404", w.Code)
	}
	if len(trigger.started) != 1 {
		t.Errorf("unknown stage must not start a pass")
	}
}

func TestRuns(t *testing.T) {
	r, _, db := setupRouter(t)
	ctx := context.Background()
	start := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

	for i, stage := range []string{"entries", "issues", "epics"} {
		run := cache.SyncRun{
			RunID:      "r1",
			Stage:      stage,
			StartedAt:  start.Add(time.Duration(i) * time.Second),
			FinishedAt: start.Add(time.Duration(i)*time.Second + 500*time.Millisecond),
			Status:     cache.RunOK,
			Detail:     stage + " done",
		}
		if err := db.RecordRun(ctx, run); err != nil {
			t.Fatalf("RecordRun() error = %v", err)
		}
	}

	w := do(r, http.MethodGet, "/runs?limit=2")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var runs []runJSON
	if err := json.Unmarshal(w.Body.Bytes(), &runs); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].Stage != "epics" || runs[1].Stage != "issues" {
		t.Errorf("runs should be newest first, got %s, %s", runs[0].Stage, runs[1].Stage)
	}
	if !runs[0].StartedAt.Equal(start.Add(2 * time.Second)) {
		t.Errorf("started_at = %v", runs[0].StartedAt)
	}

	for _, bad := range []string{"0", "-1", "abc", "1000"} {
		if w := do(r, http.MethodGet, "/runs?limit="+bad); w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", bad, w.Code)
		}
	}
}

func TestStatus(t *testing.T) {
	r, _, db := setupRouter(t)
	if _, err := db.EnsureIssue(context.Background(), cache.Issue{Key: "AB-1", EpicKey: "AB-404"}); err != nil {
		t.Fatalf("EnsureIssue() error = %v", err)
	}

	w := do(r, http.MethodGet, "/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/markdown") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(w.Body.String(), "| AB-1 | AB-404 |") {
		t.Errorf("report should list AB-1:\n%s", w.Body.String())
	}
}
