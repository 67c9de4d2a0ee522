package github

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

const defaultBaseURL = "https://api.github.com"

type Client struct {
	BaseURL string
	Token   string
	http    *http.Client
}

func New(token string) *Client {
	return &Client{BaseURL: defaultBaseURL, Token: token, http: httpx.ExternalHTTPClient()}
}

type createIssueRequest struct {
	Title  string   `json:"title"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

type issueResponse struct {
	Number  int    `json:"number"`
	HTMLURL string `json:"html_url"`
	State   string `json:"state"` // "open" or "closed"
}

// CreateIssue opens an issue in repo ("owner/name").
func (c *Client) CreateIssue(ctx context.Context, repo, title, body string, labels []string) (domain.IssueRef, error) {
	payload, err := json.Marshal(createIssueRequest{Title: title, Body: body, Labels: labels})
	if err != nil {
		return domain.IssueRef{}, fmt.Errorf("marshaling request: %w", err)
	}
	apiURL := fmt.Sprintf("%s/repos/%s/issues", strings.TrimRight(c.BaseURL, "/"), strings.Trim(repo, "/"))

	var issue issueResponse
	if err := c.do(ctx, http.MethodPost, apiURL, payload, http.StatusCreated, &issue); err != nil {
		return domain.IssueRef{}, err
	}
	logger.Infof("github issue created repo=%s number=%d", repo, issue.Number)
	return domain.IssueRef{Number: issue.Number, URL: issue.HTMLURL}, nil
}

// IssueState returns domain.IssueOpen or domain.IssueClosed.
func (c *Client) IssueState(ctx context.Context, repo string, number int) (string, error) {
	apiURL := fmt.Sprintf("%s/repos/%s/issues/%d", strings.TrimRight(c.BaseURL, "/"), strings.Trim(repo, "/"), number)

	var issue issueResponse
	if err := c.do(ctx, http.MethodGet, apiURL, nil, http.StatusOK, &issue); err != nil {
		return "", err
	}
	if strings.EqualFold(issue.State, "closed") {
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
	req.Header.Set("Authorization", "Bearer "+c.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
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
		return fmt.Errorf("GitHub API returned %d: %s", resp.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}
