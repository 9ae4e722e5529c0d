package todolinesdk

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

// Client is a minimal todoline HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Done        bool   `json:"done"`
	TaskDate    string `json:"task_date"`
	ServerID    int64  `json:"server_id"`
	ChannelID   int64  `json:"channel_id"`
	UserID      int64  `json:"user_id"`
}

type TaskList struct {
	Date  string `json:"date"`
	Tasks []Task `json:"tasks"`
}

// Status reports store totals and live sessions.
type Status struct {
	TotalTasks     int    `json:"total_tasks"`
	UniqueUsers    int    `json:"unique_users"`
	SchemaVersion  int    `json:"schema_version"`
	LatestSchema   int    `json:"latest_schema"`
	StorePath      string `json:"store_path"`
	ActiveSessions int    `json:"active_sessions"`
	LastRollover   string `json:"last_rollover,omitempty"`
}

type Button struct {
	TaskID int64  `json:"task_id"`
	Label  string `json:"label"`
	Done   bool   `json:"done"`
}

// Content is one render of a live task list.
type Content struct {
	SessionID string   `json:"session_id"`
	Date      string   `json:"date"`
	Text      string   `json:"text"`
	Tasks     []Task   `json:"tasks"`
	Buttons   []Button `json:"buttons,omitempty"`
	Disabled  bool     `json:"disabled"`
}

type Session struct {
	ID        string    `json:"id"`
	ExpiresAt time.Time `json:"expires_at"`
	Content   Content   `json:"content"`
}

// SessionOptions are optional parameters for OpenSession.
type SessionOptions struct {
	Date        string
	CallbackURL string
	Secret      string
	TTL         time.Duration
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// AddTask creates a task. An empty date means today.
func (c *Client) AddTask(ctx context.Context, description, priority, date string) (Task, error) {
	body := map[string]any{
		"description": description,
		"priority":    priority,
	}
	if date != "" {
		body["date"] = date
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

// ListTasks returns the caller's tasks for date, today when empty.
func (c *Client) ListTasks(ctx context.Context, date string, includeDone bool) (TaskList, error) {
	q := url.Values{}
	if date != "" {
		q.Set("date", date)
	}
	q.Set("include_done", fmt.Sprint(includeDone))
	var resp TaskList
	err := c.do(ctx, http.MethodGet, "tasks?"+q.Encode(), nil, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%d", id), nil, &resp)
	return resp, err
}

// EditTask changes the description, the priority, or both. Nil leaves a field unchanged.
func (c *Client) EditTask(ctx context.Context, id int64, description, priority *string) (Task, error) {
	body := map[string]any{}
	if description != nil {
		body["description"] = *description
	}
	if priority != nil {
		body["priority"] = *priority
	}
	var resp Task
	err := c.do(ctx, http.MethodPatch, fmt.Sprintf("tasks/%d", id), body, &resp)
	return resp, err
}

func (c *Client) MarkDone(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/done", id), nil, &resp)
	return resp, err
}

func (c *Client) MarkUndone(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/undone", id), nil, &resp)
	return resp, err
}

// DeleteTask removes a task and returns it as it was.
func (c *Client) DeleteTask(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("tasks/%d", id), nil, &resp)
	return resp, err
}

// ClearCompleted deletes done tasks for date and returns how many went.
func (c *Client) ClearCompleted(ctx context.Context, date string) (int, error) {
	endpoint := "tasks/clear-completed"
	if date != "" {
		endpoint += "?date=" + url.QueryEscape(date)
	}
	var resp struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp.Count, err
}

// RolloverResult carries the dates the server resolved and how many tasks moved.
type RolloverResult struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Moved int    `json:"moved"`
}

// Rollover copies incomplete tasks from one date to the next. Empty dates
// default to yesterday and today. Requires the admin role.
func (c *Client) Rollover(ctx context.Context, from, to string) (RolloverResult, error) {
	body := map[string]any{}
	if from != "" {
		body["from"] = from
	}
	if to != "" {
		body["to"] = to
	}
	var resp RolloverResult
	err := c.do(ctx, http.MethodPost, "rollover", body, &resp)
	return resp, err
}

// Cleanup deletes tasks older than days. Requires the admin role.
func (c *Client) Cleanup(ctx context.Context, days int) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodPost, "cleanup", map[string]any{"days": days}, &resp)
	return resp.Count, err
}

// Status requires the admin role.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "status", nil, &resp)
	return resp, err
}

// OpenSession opens a live task list.
func (c *Client) OpenSession(ctx context.Context, opts SessionOptions) (Session, error) {
	body := map[string]any{}
	if opts.Date != "" {
		body["date"] = opts.Date
	}
	if opts.CallbackURL != "" {
		body["callback_url"] = opts.CallbackURL
	}
	if opts.Secret != "" {
		body["secret"] = opts.Secret
	}
	if opts.TTL > 0 {
		body["ttl_seconds"] = int(opts.TTL / time.Second)
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, "sessions", body, &resp)
	return resp, err
}

func (c *Client) Session(ctx context.Context, id string) (Session, error) {
	var resp Session
	err := c.do(ctx, http.MethodGet, "sessions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

func (c *Client) CloseSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "sessions/"+url.PathEscape(id), nil, nil)
}

// Toggle flips a task shown in a live list and returns the task and the new render.
func (c *Client) Toggle(ctx context.Context, sessionID string, taskID int64) (Task, Content, error) {
	var resp struct {
		Task    Task    `json:"task"`
		Content Content `json:"content"`
	}
	endpoint := "sessions/" + url.PathEscape(sessionID) + "/toggle"
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"task_id": taskID}, &resp)
	return resp.Task, resp.Content, err
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
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
