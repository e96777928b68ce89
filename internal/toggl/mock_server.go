package toggl

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MockEntry is a time entry served by the mock server.
type MockEntry struct {
	ID          int64
	Description string
	Username    string
	ProjectID   int64
	Start       time.Time
	Seconds     int64
}

// MockServer provides a fake Toggl Reports API for testing.
type MockServer struct {
	*httptest.Server
	mu        sync.RWMutex
	entries   map[int64]MockEntry
	pageSize  int
	nextError *mockError
	requests  int
	loc       *time.Location
	lastStart string
	lastEnd   string
}

type mockError struct {
	status int
	body   string
}

// NewMockServer creates a mock Toggl Reports API server.
func NewMockServer() *MockServer {
	m := &MockServer{
		entries: make(map[int64]MockEntry),
		loc:     time.UTC,
	}

	mux := http.NewServeMux()

	// POST /reports/api/v3/workspace/{wid}/search/time_entries
	mux.HandleFunc("/reports/api/v3/workspace/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/search/time_entries") {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if token, pass, ok := r.BasicAuth(); !ok || token == "" || pass != "api_token" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		m.handleSearch(w, r)
	})

	m.Server = httptest.NewServer(mux)
	return m
}

// AddEntry adds a time entry to the mock server.
func (m *MockServer) AddEntry(e MockEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.ID] = e
}

// RemoveEntry deletes a time entry from the mock server.
func (m *MockServer) RemoveEntry(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

// SetPageSize overrides the page size requested by clients.
func (m *MockServer) SetPageSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pageSize = n
}

// SetNextError makes the next search request fail with the given status and body.
func (m *MockServer) SetNextError(status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextError = &mockError{status: status, body: body}
}

// SetLocation sets the time zone the report dates are read in, like a Toggl
// user profile time zone. The default is UTC.
func (m *MockServer) SetLocation(loc *time.Location) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loc = loc
}

// LastDates returns the start_date and end_date of the last search request.
func (m *MockServer) LastDates() (start, end string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastStart, m.lastEnd
}

// Requests returns the number of search requests served.
func (m *MockServer) Requests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests
}

func (m *MockServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.requests++
	if e := m.nextError; e != nil {
		m.nextError = nil
		m.mu.Unlock()
		http.Error(w, e.body, e.status)
		return
	}
	m.mu.Unlock()

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.lastStart, m.lastEnd = req.StartDate, req.EndDate
	loc := m.loc
	m.mu.Unlock()

	startDate, err1 := time.ParseInLocation(time.DateOnly, req.StartDate, loc)
	endDate, err2 := time.ParseInLocation(time.DateOnly, req.EndDate, loc)
	if err1 != nil || err2 != nil {
		http.Error(w, "invalid dates", http.StatusBadRequest)
		return
	}
	endDate = endDate.AddDate(0, 0, 1)

	m.mu.RLock()
	size := req.PageSize
	if m.pageSize > 0 {
		size = m.pageSize
	}
	var matched []MockEntry
	for _, e := range m.entries {
		if !e.Start.Before(startDate) && e.Start.Before(endDate) {
			matched = append(matched, e)
		}
	}
	m.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Start.Equal(matched[j].Start) {
			return matched[i].ID < matched[j].ID
		}
		return matched[i].Start.Before(matched[j].Start)
	})

	first := req.FirstRowNumber
	if first < 1 {
		first = 1
	}
	rows := []reportRow{}
	for i := first - 1; i < len(matched) && len(rows) < size; i++ {
		e := matched[i]
		row := reportRow{
			UserID:      1,
			Username:    e.Username,
			Description: e.Description,
			RowNumber:   i + 1,
			TimeEntries: []reportItem{{
				ID:      e.ID,
				Seconds: e.Seconds,
				Start:   e.Start,
				Stop:    e.Start.Add(time.Duration(e.Seconds) * time.Second),
			}},
		}
		if e.ProjectID != 0 {
			pid := e.ProjectID
			row.ProjectID = &pid
		}
		rows = append(rows, row)
	}

	if next := first + len(rows); len(rows) > 0 && next <= len(matched) {
		w.Header().Set("X-Next-Row-Number", strconv.Itoa(next))
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(rows)
}
