// Package toggl provides a Toggl Track Reports API client for pulling time entries.
package toggl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/JohanCodinha/timelink/internal/logger"
	"github.com/rs/zerolog"
)

const (
	apiBaseURL = "https://api.track.toggl.com"
	pageSize   = 50
)

var issueKeyPattern = regexp.MustCompile(`\b([A-Z][A-Z0-9]+-[0-9]+)\b`)

// TimeEntry is one line item of a detailed report.
type TimeEntry struct {
	ID          int64
	Description string
	User        string
	ProjectID   int64 // 0 if the entry has no project
	Start       time.Time
	Stop        time.Time
	Seconds     int64
	IssueKey    string // "" if the description carries no key
}

// reportRow is a detailed report row: entries grouped by shared attributes.
type reportRow struct {
	UserID      int64        `json:"user_id"`
	Username    string       `json:"username"`
	ProjectID   *int64       `json:"project_id"`
	Description string       `json:"description"`
	TimeEntries []reportItem `json:"time_entries"`
	RowNumber   int          `json:"row_number"`
}

type reportItem struct {
	ID      int64     `json:"id"`
	Seconds int64     `json:"seconds"`
	Start   time.Time `json:"start"`
	Stop    time.Time `json:"stop"`
}

type searchRequest struct {
	StartDate      string `json:"start_date"`
	EndDate        string `json:"end_date"`
	PageSize       int    `json:"page_size"`
	FirstRowNumber int    `json:"first_row_number,omitempty"`
	OrderBy        string `json:"order_by"`
	OrderDir       string `json:"order_dir"`
}

// Client is a Toggl Track Reports API client.
type Client struct {
	token       string
	workspaceID int64
	baseURL     string
	httpClient  *http.Client
	log         zerolog.Logger
}

// New creates a new Toggl client for the workspace.
func New(token string, workspaceID int64) *Client {
	return NewWithBaseURL(token, workspaceID, apiBaseURL)
}

// NewWithBaseURL creates a Toggl client with a custom base URL (for testing).
func NewWithBaseURL(token string, workspaceID int64, baseURL string) *Client {
	return &Client{
		token:       token,
		workspaceID: workspaceID,
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		log:         logger.Component("toggl"),
	}
}

// ExtractIssueKey returns the first issue key (e.g. "AB-123") found in text, or "".
func ExtractIssueKey(text string) string {
	m := issueKeyPattern.FindStringSubmatch(text)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// DetailedReport fetches every time entry starting within [since, until).
// The report API filters by whole days in the user's time zone, so the request
// is widened by a day on each side and entries outside the exact range are dropped.
func (c *Client) DetailedReport(ctx context.Context, since, until time.Time) ([]TimeEntry, error) {
	since, until = since.UTC(), until.UTC()
	if !until.After(since) {
		return nil, fmt.Errorf("invalid report range: %s is not after %s", until.Format(time.RFC3339), since.Format(time.RFC3339))
	}

	url := fmt.Sprintf("%s/reports/api/v3/workspace/%d/search/time_entries", c.baseURL, c.workspaceID)
	req := searchRequest{
		StartDate: since.AddDate(0, 0, -1).Format(time.DateOnly),
		EndDate:   until.Add(-time.Nanosecond).AddDate(0, 0, 1).Format(time.DateOnly),
		PageSize:  pageSize,
		OrderBy:   "date",
		OrderDir:  "asc",
	}

	var entries []TimeEntry
	for {
		rows, next, err := c.searchPage(ctx, url, req)
		if err != nil {
			return nil, err
		}

		for _, row := range rows {
			for _, item := range row.TimeEntries {
				start := item.Start.UTC()
				if start.Before(since) || !start.Before(until) {
					continue
				}
				e := TimeEntry{
					ID:          item.ID,
					Description: row.Description,
					User:        row.Username,
					Start:       start,
					Stop:        item.Stop.UTC(),
					Seconds:     item.Seconds,
					IssueKey:    ExtractIssueKey(row.Description),
				}
				if row.ProjectID != nil {
					e.ProjectID = *row.ProjectID
				}
				entries = append(entries, e)
			}
		}

		if next == 0 {
			break
		}
		req.FirstRowNumber = next
	}

	c.log.Debug().Int("entries", len(entries)).
		Str("since", since.Format(time.RFC3339)).Str("until", until.Format(time.RFC3339)).
		Msg("fetched detailed report")
	return entries, nil
}

// searchPage fetches one report page. next is the first row of the following page, 0 when done.
func (c *Client) searchPage(ctx context.Context, url string, body searchRequest) ([]reportRow, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to marshal payload: %w", err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	c.checkRateLimit(resp)

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, 0, fmt.Errorf("Toggl API error: %s - %s", resp.Status, string(respBody))
	}

	var rows []reportRow
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, 0, fmt.Errorf("failed to decode response: %w", err)
	}

	next := 0
	if h := resp.Header.Get("X-Next-Row-Number"); h != "" {
		n, err := strconv.Atoi(h)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid X-Next-Row-Number %q: %w", h, err)
		}
		next = n
	}
	return rows, next, nil
}

// doRequest performs an HTTP request with authentication and returns the response.
func (c *Client) doRequest(ctx context.Context, method, url string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.SetBasicAuth(c.token, "api_token")
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// checkRateLimit logs quota information from response headers.
func (c *Client) checkRateLimit(resp *http.Response) {
	remaining := resp.Header.Get("X-Toggl-Quota-Remaining")
	reset := resp.Header.Get("X-Toggl-Quota-Resets-In")

	if remaining == "0" && reset != "" {
		c.log.Warn().Str("resets_in_seconds", reset).Msg("Toggl API quota exhausted")
	}
}
