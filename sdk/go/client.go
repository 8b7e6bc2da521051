package servlinesdk

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

// Client is a minimal Servline JSON API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/api/v0",
		Timeout:  10 * time.Second,
	}
}

// Employee represents the API employee model.
type Employee struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// Task represents the API task model (partial).
type Task struct {
	ID               int64   `json:"id"`
	ImplementationID int64   `json:"implementation_id"`
	StepName         string  `json:"step_name"`
	ServiceName      string  `json:"service_name"`
	ClientName       string  `json:"client_name"`
	Ready            bool    `json:"ready"`
	AssigneeID       *int64  `json:"assignee_id,omitempty"`
	AssigneeName     string  `json:"assignee_name,omitempty"`
	CompletedOn      *string `json:"completed_on,omitempty"`
	OpenRequests     int     `json:"open_requests"`
}

// Assignment is one entry of a task's assignment history.
type Assignment struct {
	ID           int64  `json:"id"`
	TaskID       int64  `json:"task_id"`
	AssignedBy   int64  `json:"assigned_by"`
	AssignedTo   int64  `json:"assigned_to"`
	AssignedOn   string `json:"assigned_on"`
	AssigneeName string `json:"assignee_name,omitempty"`
}

// Request represents an information request.
type Request struct {
	ID            int64   `json:"id"`
	TaskID        int64   `json:"task_id"`
	RequestedBy   int64   `json:"requested_by"`
	AssignedTo    int64   `json:"assigned_to"`
	RequestedOn   string  `json:"requested_on"`
	RequestedInfo string  `json:"requested_info"`
	CompletedOn   *string `json:"completed_on,omitempty"`
	CompletedInfo *string `json:"completed_info,omitempty"`
}

// TaskDetail is a task with its blocker, assignments and requests.
type TaskDetail struct {
	Task
	BlockedBy *struct {
		TaskID   int64  `json:"task_id"`
		StepName string `json:"step_name"`
	} `json:"blocked_by,omitempty"`
	Assignments []Assignment `json:"assignments"`
	Requests    []Request    `json:"requests"`
}

// Implementation represents a service delivered to a client.
type Implementation struct {
	ID             int64  `json:"id"`
	ServiceID      int64  `json:"service_id"`
	ClientID       int64  `json:"client_id"`
	Identifier     string `json:"identifier"`
	RequestedOn    string `json:"requested_on"`
	Notes          string `json:"notes,omitempty"`
	TotalTasks     int    `json:"total_tasks"`
	CompletedTasks int    `json:"completed_tasks"`
	Tasks          []Task `json:"tasks,omitempty"`
}

// Service represents a catalog entry.
type Service struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	TypicalTime     int    `json:"typical_time"`
	TypicalTimeUnit string `json:"typical_time_unit"`
}

// ClientRecord is a customer of the company.
type ClientRecord struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Address   string `json:"address"`
	Email     string `json:"email"`
	ManagedBy *int64 `json:"managed_by,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    *int64         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
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

// Login exchanges credentials for a bearer token and keeps it on the client.
func (c *Client) Login(ctx context.Context, email, password string) (Employee, error) {
	var resp struct {
		Token    string   `json:"token"`
		Employee Employee `json:"employee"`
	}
	body := map[string]any{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, "auth/login", body, &resp); err != nil {
		return Employee{}, err
	}
	c.BearerToken = resp.Token
	return resp.Employee, nil
}

// Me returns the authenticated employee.
func (c *Client) Me(ctx context.Context) (Employee, error) {
	var resp struct {
		Employee Employee `json:"employee"`
	}
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp.Employee, err
}

// Tasks lists tasks for a view: assigned, unassigned or completed.
func (c *Client) Tasks(ctx context.Context, view string) ([]Task, error) {
	var resp struct {
		Items []Task `json:"items"`
	}
	endpoint := "tasks"
	if view != "" {
		endpoint += "?view=" + url.QueryEscape(view)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Task(ctx context.Context, id int64) (TaskDetail, error) {
	var resp TaskDetail
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("tasks/%d", id), nil, &resp)
	return resp, err
}

// AssignTask assigns a task. A nil workerID assigns the caller.
func (c *Client) AssignTask(ctx context.Context, taskID int64, workerID *int64) (Assignment, error) {
	body := map[string]any{}
	if workerID != nil {
		body["worker_id"] = *workerID
	}
	var resp Assignment
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/assign", taskID), body, &resp)
	return resp, err
}

// RequestInformation asks the client's manager a question about a task.
func (c *Client) RequestInformation(ctx context.Context, taskID int64, info string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/request", taskID), map[string]any{"info": info}, &resp)
	return resp, err
}

func (c *Client) CompleteTask(ctx context.Context, taskID int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%d/complete", taskID), nil, &resp)
	return resp, err
}

// CreateImplementation creates an implementation and its tasks.
func (c *Client) CreateImplementation(ctx context.Context, serviceID, clientID int64, notes string) (Implementation, error) {
	body := map[string]any{
		"service_id": serviceID,
		"client_id":  clientID,
	}
	if notes != "" {
		body["notes"] = notes
	}
	var resp Implementation
	err := c.do(ctx, http.MethodPost, "implementations", body, &resp)
	return resp, err
}

// Implementations lists the caller's implementations.
func (c *Client) Implementations(ctx context.Context, openOnly bool) ([]Implementation, error) {
	var resp struct {
		Items []Implementation `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("implementations?open=%t", openOnly), nil, &resp)
	return resp.Items, err
}

func (c *Client) Implementation(ctx context.Context, id int64) (Implementation, error) {
	var resp Implementation
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("implementations/%d", id), nil, &resp)
	return resp, err
}

// OpenRequests lists the requests waiting on the calling manager.
func (c *Client) OpenRequests(ctx context.Context) ([]Request, error) {
	var resp struct {
		Items []Request `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "requests", nil, &resp)
	return resp.Items, err
}

func (c *Client) Reply(ctx context.Context, requestID int64, reply string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("requests/%d/reply", requestID), map[string]any{"reply": reply}, &resp)
	return resp, err
}

func (c *Client) Services(ctx context.Context) ([]Service, error) {
	var resp struct {
		Items []Service `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "services", nil, &resp)
	return resp.Items, err
}

func (c *Client) Clients(ctx context.Context) ([]ClientRecord, error) {
	var resp struct {
		Items []ClientRecord `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "clients", nil, &resp)
	return resp.Items, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	endpoint := "events"
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
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
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
