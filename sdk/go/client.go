package pdcaflowsdk

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

// Client is a minimal Pdcaflow HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Document represents an inspection or task record (partial).
type Document struct {
	ID         string `json:"id"`
	Module     string `json:"module"`
	CategoryID string `json:"category_id"`
	Name       string `json:"name"`
	StatusID   string `json:"status_id"`
	StationID  string `json:"station_id"`
	ReportedBy string `json:"reported_by"`
	Deadline   string `json:"deadline,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitInspection creates or updates an inspection, with answers keyed by
// field id, and triggers the corrective-action workflow.
func (c *Client) SubmitInspection(ctx context.Context, id, categoryID, name, stationID string, answers map[string]string) (Document, error) {
	body := map[string]any{
		"id":          id,
		"category_id": categoryID,
		"name":        name,
		"station_id":  stationID,
		"answers":     answers,
	}
	var resp Document
	err := c.do(ctx, http.MethodPost, "v0/inspections", body, &resp)
	return resp, err
}

// DeleteInspection removes an inspection and its follow-up tasks.
func (c *Client) DeleteInspection(ctx context.Context, id string) error {
	endpoint := fmt.Sprintf("v0/inspections/%s", url.PathEscape(id))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// InspectionTasks lists the corrective-action tasks of an inspection.
func (c *Client) InspectionTasks(ctx context.Context, id string) ([]Document, error) {
	var resp []Document
	endpoint := fmt.Sprintf("v0/inspections/%s/tasks", url.PathEscape(id))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// UpdateTaskStatus sets a task's status, triggering the completion check on
// the parent inspection.
func (c *Client) UpdateTaskStatus(ctx context.Context, id, statusID string) (Document, error) {
	body := map[string]any{"status_id": statusID}
	var resp Document
	endpoint := fmt.Sprintf("v0/tasks/%s/status", url.PathEscape(id))
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

// Events returns audit events after the given cursor.
func (c *Client) Events(ctx context.Context, limit int, after int64) ([]Event, error) {
	endpoint := "v0/events"
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if after > 0 {
		params.Set("after", fmt.Sprint(after))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Event
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

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
