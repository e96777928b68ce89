// Package jira provides a Jira REST API client for resolving issues by key.
package jira

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/JohanCodinha/timelink/internal/logger"
	"github.com/rs/zerolog"
)

// ErrNotFound is returned when the issue does not exist or is not visible.
var ErrNotFound = errors.New("jira: issue not found")

// ErrUnauthorized is returned on 401 and 403.
var ErrUnauthorized = errors.New("jira: unauthorized")

const maxAttempts = 3

// Issue is the subset of a Jira issue the mirror keeps.
type Issue struct {
	ID            string
	Key           string
	Summary       string
	Type          string
	Status        string
	EpicKey       string
	ParentKey     string
	IsRoadmapItem bool
	Initiative    string
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIVersion string // "2" or "3"
	Token      string // personal access token (bearer), or API token with Email
	Email      string // enables basic auth for Jira Cloud API tokens

	// Custom field ids, e.g. "customfield_10014".
	EpicLinkField   string
	RoadmapField    string
	InitiativeField string

	Timeout time.Duration
}

// Client is a Jira API client. It is safe for concurrent use.
type Client struct {
	opts       Options
	httpClient *http.Client
	backoff    time.Duration
	log        zerolog.Logger
}

// New creates a new Jira client.
func New(opts Options) *Client {
	if opts.APIVersion == "" {
		opts.APIVersion = "2"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{
		opts:       opts,
		httpClient: &http.Client{Timeout: opts.Timeout},
		backoff:    300 * time.Millisecond,
		log:        logger.Component("jira"),
	}
}

// wire format
type issueResponse struct {
	ID     string                     `json:"id"`
	Key    string                     `json:"key"`
	Fields map[string]json.RawMessage `json:"fields"`
}

type named struct {
	Name string `json:"name"`
}

type parentRef struct {
	Key    string `json:"key"`
	Fields struct {
		IssueType named `json:"issuetype"`
	} `json:"fields"`
}

// GetIssue fetches a single issue by key. Returns ErrNotFound on 404.
// 429 and 5xx responses are retried with exponential backoff.
func (c *Client) GetIssue(ctx context.Context, key string) (*Issue, error) {
	if key == "" {
		return nil, errors.New("jira: empty issue key")
	}

	fields := []string{"summary", "issuetype", "status", "parent"}
	for _, f := range []string{c.opts.EpicLinkField, c.opts.RoadmapField, c.opts.InitiativeField} {
		if f != "" {
			fields = append(fields, f)
		}
	}
	q := url.Values{}
	q.Set("fields", strings.Join(fields, ","))
	u := fmt.Sprintf("%s/rest/api/%s/issue/%s?%s", c.opts.BaseURL, c.opts.APIVersion, url.PathEscape(key), q.Encode())

	var raw issueResponse
	if err := c.getJSON(ctx, u, &raw); err != nil {
		return nil, fmt.Errorf("get issue %s: %w", key, err)
	}
	return c.decodeIssue(raw)
}

func (c *Client) decodeIssue(raw issueResponse) (*Issue, error) {
	issue := &Issue{ID: raw.ID, Key: raw.Key}

	var typ, status named
	var parent *parentRef
	if err := decodeField(raw.Fields, "summary", &issue.Summary); err != nil {
		return nil, err
	}
	if err := decodeField(raw.Fields, "issuetype", &typ); err != nil {
		return nil, err
	}
	if err := decodeField(raw.Fields, "status", &status); err != nil {
		return nil, err
	}
	if err := decodeField(raw.Fields, "parent", &parent); err != nil {
		return nil, err
	}
	issue.Type = typ.Name
	issue.Status = status.Name

	// Team-managed projects link epics through "parent".
	if parent != nil && parent.Key != "" {
		if strings.EqualFold(parent.Fields.IssueType.Name, "epic") {
			issue.EpicKey = parent.Key
		} else {
			issue.ParentKey = parent.Key
		}
	}
	if c.opts.EpicLinkField != "" {
		if k := optionValue(raw.Fields[c.opts.EpicLinkField]); k != "" {
			issue.EpicKey = k
		}
	}
	if c.opts.RoadmapField != "" {
		issue.IsRoadmapItem = truthy(raw.Fields[c.opts.RoadmapField])
	}
	if c.opts.InitiativeField != "" {
		issue.Initiative = optionValue(raw.Fields[c.opts.InitiativeField])
	}
	return issue, nil
}

func decodeField(fields map[string]json.RawMessage, name string, dst interface{}) error {
	raw, ok := fields[name]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to decode field %s: %w", name, err)
	}
	return nil
}

// optionValue reads a custom field holding a string, a select option or an issue reference.
func optionValue(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var opt struct {
		Value string `json:"value"`
		Key   string `json:"key"`
		Name  string `json:"name"`
	}
	if err := json.Unmarshal(raw, &opt); err == nil {
		for _, v := range []string{opt.Value, opt.Key, opt.Name} {
			if v != "" {
				return strings.TrimSpace(v)
			}
		}
	}
	return ""
}

// truthy reads a boolean-like custom field: a boolean, a yes/true option,
// or a checkbox field with at least one option ticked.
func truthy(raw json.RawMessage) bool {
	if len(raw) == 0 || string(raw) == "null" {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		return len(list) > 0
	}
	switch strings.ToLower(optionValue(raw)) {
	case "yes", "true", "y", "1":
		return true
	}
	return false
}

func (c *Client) getJSON(ctx context.Context, u string, dst interface{}) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff * time.Duration(1<<(attempt-1))):
			}
		}

		retry, err := c.tryGet(ctx, u, dst)
		if err == nil {
			return nil
		}
		if !retry {
			return err
		}
		lastErr = err
		c.log.Debug().Err(err).Int("attempt", attempt+1).Msg("retrying jira request")
	}
	return lastErr
}

// tryGet performs one request. retry reports whether the failure is transient.
func (c *Client) tryGet(ctx context.Context, u string, dst interface{}) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.opts.Email != "" {
		req.SetBasicAuth(c.opts.Email, c.opts.Token)
	} else if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ctx.Err() == nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return false, fmt.Errorf("%w: %s", ErrUnauthorized, resp.Status)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		body, _ := io.ReadAll(resp.Body)
		return true, fmt.Errorf("Jira API error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return false, fmt.Errorf("Jira API error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return false, fmt.Errorf("failed to decode response: %w", err)
	}
	return false, nil
}
