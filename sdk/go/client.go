package paylinesdk

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

// Client is a minimal Payline HTTP API client.
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

// Stream represents the API stream model.
type Stream struct {
	ID              int64  `json:"id"`
	Worker          string `json:"worker"`
	Payer           string `json:"payer"`
	TotalAmount     int64  `json:"total_amount"`
	ReleasedAmount  int64  `json:"released_amount"`
	ClaimedAmount   int64  `json:"claimed_amount"`
	StartTime       int64  `json:"start_time"`
	Duration        int64  `json:"duration"`
	ReleaseInterval int64  `json:"release_interval"`
	LastReleaseTime int64  `json:"last_release_time"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at"`
}

// Account represents an available balance.
type Account struct {
	Principal string `json:"principal"`
	Balance   int64  `json:"balance"`
}

// Reputation represents a worker's reputation record with derived rates.
type Reputation struct {
	Worker            string `json:"worker"`
	Score             int64  `json:"score"`
	TotalTasks        int64  `json:"total_tasks"`
	CompletedOnTime   int64  `json:"completed_on_time"`
	TotalDisputes     int64  `json:"total_disputes"`
	CompletionRateBP  int64  `json:"completion_rate_bp"`
	AverageRatingX100 int64  `json:"average_rating_x100"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Kind       string         `json:"kind"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Deposit credits a principal's balance.
func (c *Client) Deposit(ctx context.Context, principal string, amount int64) (Account, error) {
	var resp Account
	endpoint := fmt.Sprintf("v0/accounts/%s/deposit", url.PathEscape(principal))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"amount": amount}, &resp)
	return resp, err
}

// Account fetches a balance.
func (c *Client) Account(ctx context.Context, principal string) (Account, error) {
	var resp Account
	endpoint := fmt.Sprintf("v0/accounts/%s", url.PathEscape(principal))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateStream opens a payment stream towards worker.
func (c *Client) CreateStream(ctx context.Context, worker string, total, duration, interval int64) (Stream, error) {
	body := map[string]any{
		"worker":           worker,
		"total_amount":     total,
		"duration":         duration,
		"release_interval": interval,
	}
	var resp Stream
	err := c.do(ctx, http.MethodPost, "v0/streams", body, &resp)
	return resp, err
}

// GetStream fetches a stream by id.
func (c *Client) GetStream(ctx context.Context, id int64) (Stream, error) {
	var resp Stream
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/streams/%d", id), nil, &resp)
	return resp, err
}

// Release releases the pro-rata earned amount.
func (c *Client) Release(ctx context.Context, id int64) (Stream, error) {
	return c.streamAction(ctx, id, "release")
}

// Claim pays out released funds to the worker.
func (c *Client) Claim(ctx context.Context, id int64) (Stream, error) {
	return c.streamAction(ctx, id, "claim")
}

// Pause suspends a stream.
func (c *Client) Pause(ctx context.Context, id int64) (Stream, error) {
	return c.streamAction(ctx, id, "pause")
}

// Resume reactivates a paused stream.
func (c *Client) Resume(ctx context.Context, id int64) (Stream, error) {
	return c.streamAction(ctx, id, "resume")
}

// Cancel settles and closes a stream.
func (c *Client) Cancel(ctx context.Context, id int64) (Stream, error) {
	return c.streamAction(ctx, id, "cancel")
}

func (c *Client) streamAction(ctx context.Context, id int64, verb string) (Stream, error) {
	var resp Stream
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/streams/%d/%s", id, verb), nil, &resp)
	return resp, err
}

// Reputation fetches a worker's reputation.
func (c *Client) Reputation(ctx context.Context, worker string) (Reputation, error) {
	var resp Reputation
	endpoint := fmt.Sprintf("v0/reputation/%s", url.PathEscape(worker))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RecordCompletion records a completed task (recorder only).
func (c *Client) RecordCompletion(ctx context.Context, worker, taskID string, onTime bool, rating int64) (Reputation, error) {
	body := map[string]any{"task_id": taskID, "on_time": onTime, "rating": rating}
	var resp Reputation
	endpoint := fmt.Sprintf("v0/reputation/%s/completions", url.PathEscape(worker))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// RecordDispute records a dispute (recorder only).
func (c *Client) RecordDispute(ctx context.Context, worker, taskID string, severity int64) (Reputation, error) {
	var resp Reputation
	endpoint := fmt.Sprintf("v0/reputation/%s/disputes", url.PathEscape(worker))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"task_id": taskID, "severity": severity}, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	if cursor != "" {
		sep := "?"
		if strings.Contains(endpoint, "?") {
			sep = "&"
		}
		endpoint = fmt.Sprintf("%s%scursor=%s", endpoint, sep, url.QueryEscape(cursor))
	}
	var resp PaginatedEvents
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
