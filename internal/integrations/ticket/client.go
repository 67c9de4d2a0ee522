package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"triagebot/internal/domain"
	"triagebot/internal/httpx"
	"triagebot/internal/logger"
)

const defaultBaseURL = "https://api.clickup.com/api/v2"

// Client talks to a ClickUp-style task API: tasks live in a list and are
// created with POST /list/{list_id}/task and updated with PUT /task/{id}.
type Client struct {
	BaseURL string
	Token   string
	ListID  string
	http    *http.Client
}

func New(baseURL, token, listID string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{BaseURL: baseURL, Token: token, ListID: listID, http: httpx.ExternalHTTPClient()}
}

type createTaskRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Priority    int      `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Assignees   []string `json:"assignees,omitempty"`
}

type taskResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// priorityValue maps to the API's 1 (urgent) .. 4 (low) scale.
func priorityValue(p domain.Priority) int {
	switch p {
	case domain.PriorityUrgent:
		return 1
	case domain.PriorityHigh:
		return 2
	case domain.PriorityNormal:
		return 3
	case domain.PriorityLow:
		return 4
	default:
		return 0
	}
}

func (c *Client) CreateTicket(ctx context.Context, req domain.TicketRequest) (domain.TicketRef, error) {
	if strings.TrimSpace(c.ListID) == "" {
		return domain.TicketRef{}, fmt.Errorf("ticket list id is not configured")
	}
	payload, err := json.Marshal(createTaskRequest{
		Name:        req.Title,
		Description: req.Description,
		Priority:    priorityValue(req.Priority),
		Tags:        req.Tags,
		Assignees:   req.Assignees,
	})
	if err != nil {
		return domain.TicketRef{}, fmt.Errorf("marshaling request: %w", err)
	}

	var task taskResponse
	apiURL := fmt.Sprintf("%s/list/%s/task", strings.TrimRight(c.BaseURL, "/"), c.ListID)
	if err := c.do(ctx, http.MethodPost, apiURL, payload, &task); err != nil {
		return domain.TicketRef{}, err
	}
	if task.ID == "" {
		return domain.TicketRef{}, fmt.Errorf("ticket API returned no task id")
	}
	logger.Infof("ticket created id=%s priority=%s", task.ID, req.Priority)
	return domain.TicketRef{ID: task.ID, URL: task.URL}, nil
}

// UpdateTicket sends fields as-is, e.g. {"status": "closed"}.
func (c *Client) UpdateTicket(ctx context.Context, id string, fields map[string]any) error {
	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}
	apiURL := fmt.Sprintf("%s/task/%s", strings.TrimRight(c.BaseURL, "/"), id)
	var task taskResponse
	if err := c.do(ctx, http.MethodPut, apiURL, payload, &task); err != nil {
		return err
	}
	logger.Infof("ticket updated id=%s fields=%d", id, len(fields))
	return nil
}

func (c *Client) do(ctx context.Context, method, apiURL string, payload []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, apiURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", c.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ticket API returned %d: %s", resp.StatusCode, string(body))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
