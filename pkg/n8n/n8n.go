// Package n8n is a small client for the n8n automation API, used to manage
// the workflows that feed tasks into the hub (list, toggle, trigger, and
// inspect executions).
package n8n

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrNotConfigured is returned when no n8n host is configured.
var ErrNotConfigured = errors.New("n8n: host and api key are required")

// Client talks to one n8n instance.
type Client struct {
	httpc   *http.Client
	baseURL string
	apiKey  string
}

// New builds a Client for the instance at host.
func New(host, apiKey string) (*Client, error) {
	if host == "" || apiKey == "" {
		return nil, ErrNotConfigured
	}
	return &Client{
		httpc:   http.DefaultClient,
		baseURL: strings.TrimRight(host, "/") + "/api/v1",
		apiKey:  apiKey,
	}, nil
}

// Workflow is one n8n workflow as reported by the API.
type Workflow struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

// Execution is the status of one workflow execution.
type Execution struct {
	ID        string `json:"id"`
	Finished  bool   `json:"finished"`
	Mode      string `json:"mode"`
	Status    string `json:"status"`
	StoppedAt string `json:"stoppedAt"`
}

// Workflows lists every workflow on the instance.
func (c *Client) Workflows(ctx context.Context) ([]Workflow, error) {
	var out struct {
		Data []Workflow `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/workflows", nil, &out); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	return out.Data, nil
}

// SetActive enables or disables a workflow.
func (c *Client) SetActive(ctx context.Context, workflowID string, active bool) error {
	action := "deactivate"
	if active {
		action = "activate"
	}
	path := fmt.Sprintf("/workflows/%s/%s", workflowID, action)
	if err := c.do(ctx, http.MethodPost, path, nil, nil); err != nil {
		return fmt.Errorf("%s workflow %s: %w", action, workflowID, err)
	}
	return nil
}

// Execute triggers a workflow run and returns the execution id.
func (c *Client) Execute(ctx context.Context, workflowID string) (string, error) {
	body := map[string]string{"workflowId": workflowID}
	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/executions", body, &out); err != nil {
		return "", fmt.Errorf("execute workflow %s: %w", workflowID, err)
	}
	return out.ID, nil
}

// ExecutionStatus fetches the state of one execution.
func (c *Client) ExecutionStatus(ctx context.Context, executionID string) (Execution, error) {
	var out Execution
	if err := c.do(ctx, http.MethodGet, "/executions/"+executionID, nil, &out); err != nil {
		return Execution{}, fmt.Errorf("execution %s: %w", executionID, err)
	}
	if out.Status == "" {
		out.Status = "unknown"
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("X-N8N-API-KEY", c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("n8n returned %d: %s", resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
