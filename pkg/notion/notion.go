// Package notion is the hub adapter: the Notion tasks database is the
// canonical workspace and the source of truth for "done". Open items are
// the pages whose Status is anything but Done.
package notion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jomei/notionapi"

	"github.com/mhollis/taskhub/pkg/model"
)

// ErrNotConfigured is returned when the integration token or database id
// is missing.
var ErrNotConfigured = errors.New("notion: token and database id are required")

// Client wraps the Notion API for one tasks database.
type Client struct {
	api        *notionapi.Client
	databaseID notionapi.DatabaseID
}

// New builds a Client for the given integration token and database.
func New(token, databaseID string) (*Client, error) {
	if token == "" || databaseID == "" {
		return nil, ErrNotConfigured
	}
	return &Client{
		api:        notionapi.NewClient(notionapi.Token(token)),
		databaseID: notionapi.DatabaseID(databaseID),
	}, nil
}

func openFilter() notionapi.PropertyFilter {
	return notionapi.PropertyFilter{
		Property: "Status",
		Select:   &notionapi.SelectFilterCondition{DoesNotEqual: "Done"},
	}
}

// FetchOpen returns every open task page as a unified task, following
// cursor pagination.
func (c *Client) FetchOpen(ctx context.Context) ([]model.UnifiedTask, error) {
	var tasks []model.UnifiedTask
	err := c.queryPages(ctx, func(page notionapi.Page) {
		tasks = append(tasks, taskFromPage(page))
	})
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// FetchOpenIDs returns the ids of every open task page.
func (c *Client) FetchOpenIDs(ctx context.Context) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	err := c.queryPages(ctx, func(page notionapi.Page) {
		ids[page.ID.String()] = struct{}{}
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *Client) queryPages(ctx context.Context, visit func(notionapi.Page)) error {
	var cursor notionapi.Cursor
	for {
		resp, err := c.api.Database.Query(ctx, c.databaseID, &notionapi.DatabaseQueryRequest{
			Filter:      openFilter(),
			StartCursor: cursor,
		})
		if err != nil {
			return fmt.Errorf("query tasks database: %w", err)
		}
		for _, page := range resp.Results {
			visit(page)
		}
		if !resp.HasMore {
			return nil
		}
		cursor = resp.NextCursor
	}
}

// CreateMirror creates a new open page in the tasks database and returns
// its id.
func (c *Client) CreateMirror(ctx context.Context, title string, priority model.TaskPriority) (string, error) {
	page, err := c.api.Page.Create(ctx, &notionapi.PageCreateRequest{
		Parent: notionapi.Parent{
			Type:       notionapi.ParentTypeDatabaseID,
			DatabaseID: c.databaseID,
		},
		Properties: notionapi.Properties{
			"Name": notionapi.TitleProperty{
				Title: []notionapi.RichText{{Text: &notionapi.Text{Content: title}}},
			},
			"Status": notionapi.SelectProperty{
				Select: notionapi.Option{Name: "Not started"},
			},
			"Priority": notionapi.SelectProperty{
				Select: notionapi.Option{Name: priorityName(priority)},
			},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create task page: %w", err)
	}
	return page.ID.String(), nil
}

func priorityName(p model.TaskPriority) string {
	switch p {
	case model.PriorityLow:
		return "Low"
	case model.PriorityHigh:
		return "High"
	default:
		return "Normal"
	}
}

// taskFromPage maps a database page onto the unified model. The title
// property is found by type, not by name, since databases rename it
// freely.
func taskFromPage(page notionapi.Page) model.UnifiedTask {
	title := "Untitled"
	for _, prop := range page.Properties {
		if t, ok := prop.(*notionapi.TitleProperty); ok {
			if s := richTextPlain(t.Title); s != "" {
				title = s
			}
			break
		}
	}

	task := model.UnifiedTask{
		ID:       page.ID.String(),
		Source:   model.SourceNotion,
		Title:    title,
		Status:   propertyText(page.Properties["Status"]),
		Priority: priorityFromName(propertyText(page.Properties["Priority"])),
		Link:     page.URL,
	}

	if due, ok := page.Properties["Due Date"].(*notionapi.DateProperty); ok {
		if due.Date != nil && due.Date.Start != nil {
			t := time.Time(*due.Date.Start)
			task.DueDate = &t
		}
	}
	return task
}

// propertyText extracts a display string from the property types the tasks
// database uses.
func propertyText(prop notionapi.Property) string {
	switch p := prop.(type) {
	case *notionapi.TitleProperty:
		return richTextPlain(p.Title)
	case *notionapi.RichTextProperty:
		return richTextPlain(p.RichText)
	case *notionapi.SelectProperty:
		if p.Select.Name == "" {
			return "Unknown"
		}
		return p.Select.Name
	case *notionapi.StatusProperty:
		if p.Status.Name == "" {
			return "Unknown"
		}
		return p.Status.Name
	case nil:
		return ""
	default:
		return ""
	}
}

func richTextPlain(parts []notionapi.RichText) string {
	var sb strings.Builder
	for _, rt := range parts {
		sb.WriteString(rt.PlainText)
	}
	return sb.String()
}

func priorityFromName(name string) model.TaskPriority {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "high"), strings.Contains(n, "urgent"):
		return model.PriorityHigh
	case strings.Contains(n, "low"):
		return model.PriorityLow
	default:
		return model.PriorityNormal
	}
}
