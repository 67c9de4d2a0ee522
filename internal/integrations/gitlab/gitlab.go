package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"triagebot/internal/domain"
	"triagebot/internal/httpx"
	"triagebot/internal/logger"
)

type Client struct {
	BaseURL string // e.g. https://gitlab.example.com
	Token   string
	http    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{BaseURL: baseURL, Token: token, http: httpx.ExternalHTTPClient()}
}

type createIssueRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Labels      string `json:"labels,omitempty"` // comma separated
}

type issueResponse struct {
	IID    int    `json:"iid"`
	WebURL string `json:"web_url"`
	State  string `json:"state"` // "opened" or "closed"
}

// CreateIssue opens an issue in project, which may be a numeric id or a
// namespaced path such as "group/proj".
func (c *Client) CreateIssue(ctx context.Context, project, title, body string, labels []string) (domain.IssueRef, error) {
	payload, err := json.Marshal(createIssueRequest{Title: title, Description: body, Labels: strings.Join(labels, ",")})
	if err != nil {
		return domain.IssueRef{}, fmt.Errorf("marshaling request: %w", err)
	}
	apiURL := fmt.Sprintf("%s/api/v4/projects/%s/issues", strings.TrimRight(c.BaseURL, "/"), url.PathEscape(project))

	var issue issueResponse
	if err := c.do(ctx, http.MethodPost, apiURL, payload, http.StatusCreated, &issue); err != nil {
		return domain.IssueRef{}, err
	}
	logger.Infof("gitlab issue created project=%s iid=%d", project, issue.IID)
	return domain.IssueRef{Number: issue.IID, URL: issue.WebURL}, nil
}

func (c *Client) IssueState(ctx context.Context, project string, iid int) (string, error) {
	apiURL := fmt.Sprintf("%s/api/v4/projects/%s/issues/%d", strings.TrimRight(c.BaseURL, "/"), url.PathEscape(project), iid)

	var issue issueResponse
	if err := c.do(ctx, http.MethodGet, apiURL, nil, http.StatusOK, &issue); err != nil {
		return "", err
	}
	if strings.EqualFold(strings.TrimSpace(issue.State), "closed") {
		return domain.IssueClosed, nil
	}
	return domain.IssueOpen, nil
}

func (c *Client) do(ctx context.Context, method, apiURL string, payload []byte, wantStatus int, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, apiURL, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", c.Token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != wantStatus {
		return fmt.Errorf("GitLab API returned %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
