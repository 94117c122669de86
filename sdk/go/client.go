package agileflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal AgileFlow HTTP API client.
type Client struct {
	BaseURL     string
	ProjectID   string
	APIKey      string
	BearerToken string
	ActorID     string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, projectID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		ProjectID: projectID,
		Timeout:   10 * time.Second,
	}
}

// Issue represents the API issue model (partial).
type Issue struct {
	ID          string   `json:"id"`
	ProjectID   string   `json:"project_id"`
	Key         string   `json:"key"`
	Summary     string   `json:"summary"`
	Type        string   `json:"type"`
	Priority    string   `json:"priority,omitempty"`
	Status      string   `json:"status"`
	StoryPoints *int     `json:"story_points,omitempty"`
	Assignees   []string `json:"assignees"`
	Version     int64    `json:"version"`
	ResolvedAt  *string  `json:"resolved_at,omitempty"`
}

// TransitionOption is one legal move for the acting user.
type TransitionOption struct {
	Name               string `json:"transition_name"`
	ToStatus           string `json:"to_status"`
	RequiredPermission string `json:"required_permission,omitempty"`
	ConditionPresent   bool   `json:"condition_present"`
}

// ActivityRecord is one entry of an issue's activity stream.
type ActivityRecord struct {
	ID         string         `json:"id"`
	Seq        int64          `json:"seq"`
	IssueID    string         `json:"issue_id"`
	Kind       string         `json:"kind"`
	FromStatus string         `json:"from_status,omitempty"`
	ToStatus   string         `json:"to_status,omitempty"`
	ActorID    string         `json:"actor_id"`
	TS         string         `json:"ts"`
	Comment    string         `json:"comment,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// TransitionResult is the outcome of an executed transition.
type TransitionResult struct {
	Status   string         `json:"status"`
	Activity ActivityRecord `json:"activity"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateIssue creates an issue in the client's project.
func (c *Client) CreateIssue(ctx context.Context, summary, issueType string) (Issue, error) {
	body := map[string]any{
		"summary": summary,
		"type":    issueType,
	}
	var resp Issue
	err := c.do(ctx, http.MethodPost, c.projectPath("issues"), body, &resp)
	return resp, err
}

// Issue fetches an issue by key.
func (c *Client) Issue(ctx context.Context, key string) (Issue, error) {
	var resp Issue
	err := c.do(ctx, http.MethodGet, c.issuePath(key, ""), nil, &resp)
	return resp, err
}

// Issues lists the project's issues, optionally filtered by status.
func (c *Client) Issues(ctx context.Context, status string) ([]Issue, error) {
	endpoint := c.projectPath("issues")
	if status != "" {
		endpoint = fmt.Sprintf("%s?status=%s", endpoint, url.QueryEscape(status))
	}
	var resp []Issue
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transitions returns the legal transitions for the acting user.
func (c *Client) Transitions(ctx context.Context, key string) ([]TransitionOption, error) {
	var resp struct {
		Transitions []TransitionOption `json:"transitions"`
	}
	err := c.do(ctx, http.MethodGet, c.issuePath(key, "transitions"), nil, &resp)
	return resp.Transitions, err
}

// Transition moves an issue to targetStatus.
func (c *Client) Transition(ctx context.Context, key, targetStatus, comment string) (TransitionResult, error) {
	body := map[string]any{
		"to_status": targetStatus,
	}
	if comment != "" {
		body["comment"] = comment
	}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, c.issuePath(key, "transition"), body, &resp)
	return resp, err
}

// Assign adds an assignee to an issue.
func (c *Client) Assign(ctx context.Context, key, assignee string) (Issue, error) {
	body := map[string]any{"assignee": assignee}
	var resp Issue
	err := c.do(ctx, http.MethodPost, c.issuePath(key, "assign"), body, &resp)
	return resp, err
}

// Comment appends a comment to an issue's activity stream.
func (c *Client) Comment(ctx context.Context, key, text string) (ActivityRecord, error) {
	body := map[string]any{"comment": text}
	var resp ActivityRecord
	err := c.do(ctx, http.MethodPost, c.issuePath(key, "comment"), body, &resp)
	return resp, err
}

// Activity returns an issue's activity, newest first.
func (c *Client) Activity(ctx context.Context, key string, limit int) ([]ActivityRecord, error) {
	endpoint := c.issuePath(key, "activity")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []ActivityRecord
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) issuePath(key, p string) string {
	endpoint := fmt.Sprintf("v0/issues/%s", url.PathEscape(key))
	if p != "" {
		endpoint += "/" + strings.TrimLeft(p, "/")
	}
	return endpoint
}

func (c *Client) projectPath(p string) string {
	project := url.PathEscape(c.ProjectID)
	return fmt.Sprintf("v0/projects/%s/%s", project, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
