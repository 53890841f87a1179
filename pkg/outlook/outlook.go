// Package outlook pulls Microsoft To Do tasks via the Microsoft Graph API
// using the client-credentials (daemon) flow. Resolving a task marks it
// completed, which requires the parent list id; the adapter surfaces that
// id as origin context at fetch time so the engine can hand it back later.
package outlook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/mhollis/taskhub/pkg/model"
)

const defaultBaseURL = "https://graph.microsoft.com/v1.0"

// ErrNotConfigured is returned when the Graph app registration is missing.
var ErrNotConfigured = errors.New("outlook: client id, tenant id and client secret are required")

// ErrMissingListID is returned by Resolve when no parent list id was
// captured for the task, which makes a Graph completion call impossible.
var ErrMissingListID = errors.New("outlook: task has no parent list id, cannot complete")

// Client is the Outlook origin adapter.
type Client struct {
	httpc   *http.Client
	baseURL string
}

// New builds a Client using the client-credentials flow against the given
// tenant.
func New(ctx context.Context, clientID, tenantID, clientSecret string) (*Client, error) {
	if clientID == "" || tenantID == "" || clientSecret == "" {
		return nil, ErrNotConfigured
	}
	cc := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	return &Client{httpc: cc.Client(ctx), baseURL: defaultBaseURL}, nil
}

// Source identifies this adapter's platform.
func (c *Client) Source() model.TaskSource {
	return model.SourceOutlook
}

type todoList struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

type todoTask struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Status      string `json:"status"`
	Importance  string `json:"importance"`
	DueDateTime *struct {
		DateTime string `json:"dateTime"`
		TimeZone string `json:"timeZone"`
	} `json:"dueDateTime"`
}

type listsPage struct {
	Value    []todoList `json:"value"`
	NextLink string     `json:"@odata.nextLink"`
}

type tasksPage struct {
	Value    []todoTask `json:"value"`
	NextLink string     `json:"@odata.nextLink"`
}

// FetchOpen walks every To Do list and returns its non-completed tasks,
// following @odata.nextLink pagination.
func (c *Client) FetchOpen(ctx context.Context) ([]model.UnifiedTask, error) {
	var lists []todoList
	url := c.baseURL + "/me/todo/lists"
	for url != "" {
		var page listsPage
		if err := c.getJSON(ctx, url, &page); err != nil {
			return nil, fmt.Errorf("fetch task lists: %w", err)
		}
		lists = append(lists, page.Value...)
		url = page.NextLink
	}

	var tasks []model.UnifiedTask
	for _, list := range lists {
		url := fmt.Sprintf("%s/me/todo/lists/%s/tasks", c.baseURL, list.ID)
		for url != "" {
			var page tasksPage
			if err := c.getJSON(ctx, url, &page); err != nil {
				return nil, fmt.Errorf("fetch tasks for list %s: %w", list.ID, err)
			}
			for _, t := range page.Value {
				if t.Status == "completed" {
					continue
				}
				tasks = append(tasks, unifiedFromTodo(t, list.ID))
			}
			url = page.NextLink
		}
	}
	return tasks, nil
}

// Resolve marks the task completed. originContext must be the parent list
// id captured at ingestion.
func (c *Client) Resolve(ctx context.Context, sourceID, originContext string) error {
	if originContext == "" {
		return ErrMissingListID
	}

	body, err := json.Marshal(map[string]string{"status": "completed"})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/me/todo/lists/%s/tasks/%s", c.baseURL, originContext, sourceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", sourceID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("complete task %s: graph returned %d: %s", sourceID, resp.StatusCode, msg)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("graph returned %d: %s", resp.StatusCode, msg)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func unifiedFromTodo(t todoTask, listID string) model.UnifiedTask {
	priority := model.PriorityNormal
	switch t.Importance {
	case "high":
		priority = model.PriorityHigh
	case "low":
		priority = model.PriorityLow
	}

	var due *time.Time
	if t.DueDateTime != nil && t.DueDateTime.DateTime != "" {
		// Graph emits fractional seconds without a zone designator.
		if parsed, err := time.Parse("2006-01-02T15:04:05", trimFraction(t.DueDateTime.DateTime)); err == nil {
			due = &parsed
		}
	}

	return model.UnifiedTask{
		ID:            t.ID,
		Source:        model.SourceOutlook,
		Title:         t.Title,
		Status:        t.Status,
		Priority:      priority,
		DueDate:       due,
		Link:          fmt.Sprintf("https://to-do.office.com/tasks/id/%s", t.ID),
		OriginContext: listID,
	}
}

func trimFraction(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return s[:i]
		}
	}
	return s
}
