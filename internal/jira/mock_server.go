package jira

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"
)

// Custom field ids served by the mock server.
const (
	MockEpicLinkField   = "customfield_10014"
	MockRoadmapField    = "customfield_10200"
	MockInitiativeField = "customfield_10300"
)

// MockServer provides a fake Jira REST API for testing.
type MockServer struct {
	*httptest.Server
	mu       sync.RWMutex
	issues   map[string]*Issue // key -> issue
	failures map[string]int    // key -> remaining 503 responses
	delay    time.Duration
	calls    map[string]int
	inFlight int
	maxPar   int
}

// NewMockServer creates a mock Jira API server.
func NewMockServer() *MockServer {
	m := &MockServer{
		issues:   make(map[string]*Issue),
		failures: make(map[string]int),
		calls:    make(map[string]int),
	}

	mux := http.NewServeMux()

	// GET /rest/api/{version}/issue/{key}
	mux.HandleFunc("/rest/api/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/rest/api/"), "/")
		if len(parts) != 3 || parts[1] != "issue" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		m.handleGetIssue(w, r, parts[2])
	})

	m.Server = httptest.NewServer(mux)
	return m
}

// Options returns client options pointing at the mock server.
func (m *MockServer) Options() Options {
	return Options{
		BaseURL:         m.URL,
		Token:           "test-token",
		EpicLinkField:   MockEpicLinkField,
		RoadmapField:    MockRoadmapField,
		InitiativeField: MockInitiativeField,
	}
}

// AddIssue adds an issue to the mock server.
func (m *MockServer) AddIssue(issue *Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issues[issue.Key] = issue
}

// FailNext makes the next n requests for key fail with 503.
func (m *MockServer) FailNext(key string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[key] = n
}

// SetDelay delays every response, to observe request concurrency.
func (m *MockServer) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Calls returns how many requests were made for key.
func (m *MockServer) Calls(key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[key]
}

// MaxConcurrent returns the highest number of requests served at once.
func (m *MockServer) MaxConcurrent() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxPar
}

func (m *MockServer) handleGetIssue(w http.ResponseWriter, r *http.Request, key string) {
	m.mu.Lock()
	m.calls[key]++
	m.inFlight++
	if m.inFlight > m.maxPar {
		m.maxPar = m.inFlight
	}
	delay := m.delay
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.inFlight--
		m.mu.Unlock()
	}()

	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	if m.failures[key] > 0 {
		m.failures[key]--
		m.mu.Unlock()
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	issue, ok := m.issues[key]
	m.mu.Unlock()

	if !ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"errorMessages":["Issue does not exist or you do not have permission to see it."],"errors":{}}`))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(mockPayload(issue))
}

func mockPayload(issue *Issue) map[string]interface{} {
	fields := map[string]interface{}{
		"summary":   issue.Summary,
		"issuetype": map[string]string{"name": issue.Type},
		"status":    map[string]string{"name": issue.Status},
		"parent":    nil,
	}
	if issue.ParentKey != "" {
		fields["parent"] = map[string]interface{}{
			"key":    issue.ParentKey,
			"fields": map[string]interface{}{"issuetype": map[string]string{"name": "Story"}},
		}
	}
	if issue.EpicKey != "" {
		fields[MockEpicLinkField] = issue.EpicKey
	}
	if issue.IsRoadmapItem {
		fields[MockRoadmapField] = map[string]string{"value": "Yes"}
	} else {
		fields[MockRoadmapField] = map[string]string{"value": "No"}
	}
	if issue.Initiative != "" {
		fields[MockInitiativeField] = map[string]string{"value": issue.Initiative}
	}
	return map[string]interface{}{
		"id":     issue.ID,
		"key":    issue.Key,
		"fields": fields,
	}
}
