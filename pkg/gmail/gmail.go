// Package gmail pulls actionable emails from a Gmail inbox as unified
// tasks. An email is "open" while it matches the task query; resolving it
// archives the message by removing the INBOX label.
package gmail

import (
	"context"
	"fmt"
	"strings"
	"time"

	gmailv1 "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/mhollis/taskhub/pkg/auth"
	"github.com/mhollis/taskhub/pkg/model"
)

// Scopes are the Gmail permissions the adapter needs: read plus label
// modification for archiving.
var Scopes = []string{gmailv1.GmailModifyScope}

// Client is the Gmail origin adapter.
type Client struct {
	svc   *gmailv1.Service
	query string
	limit int64
}

// New builds a Client from cached credentials. query selects which emails
// count as tasks; limit caps how many are fetched per snapshot.
func New(ctx context.Context, opts auth.Options, query string, limit int64) (*Client, error) {
	opts.Scopes = Scopes
	httpClient, err := auth.Client(ctx, opts)
	if err != nil {
		return nil, err
	}
	svc, err := gmailv1.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &Client{svc: svc, query: query, limit: limit}, nil
}

// Source identifies this adapter's platform.
func (c *Client) Source() model.TaskSource {
	return model.SourceGmail
}

// FetchOpen lists emails matching the task query, following pagination up
// to the configured limit.
func (c *Client) FetchOpen(ctx context.Context) ([]model.UnifiedTask, error) {
	var tasks []model.UnifiedTask
	pageToken := ""

	for int64(len(tasks)) < c.limit {
		call := c.svc.Users.Messages.List("me").
			Q(c.query).
			MaxResults(min(c.limit-int64(len(tasks)), 100)).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		res, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("list task emails: %w", err)
		}
		if len(res.Messages) == 0 {
			break
		}

		for _, m := range res.Messages {
			if int64(len(tasks)) >= c.limit {
				break
			}
			full, err := c.fetchMessage(ctx, m.Id)
			if err != nil {
				return nil, fmt.Errorf("fetch message %s: %w", m.Id, err)
			}
			tasks = append(tasks, taskFromMessage(full))
		}

		pageToken = res.NextPageToken
		if pageToken == "" {
			break
		}
	}
	return tasks, nil
}

// fetchMessage gets the full message, retrying transient failures with
// exponential backoff.
func (c *Client) fetchMessage(ctx context.Context, id string) (*gmailv1.Message, error) {
	var lastErr error
	delay := 2 * time.Second
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > 10*time.Second {
				delay = 10 * time.Second
			}
		}
		m, err := c.svc.Users.Messages.Get("me", id).Context(ctx).Do()
		if err == nil {
			return m, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Resolve archives the email by removing the INBOX label. Gmail needs no
// origin context beyond the message id.
func (c *Client) Resolve(ctx context.Context, sourceID, _ string) error {
	_, err := c.svc.Users.Messages.Modify("me", sourceID, &gmailv1.ModifyMessageRequest{
		RemoveLabelIds: []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("archive message %s: %w", sourceID, err)
	}
	return nil
}

func taskFromMessage(m *gmailv1.Message) model.UnifiedTask {
	subject := "No Subject"
	if m.Payload != nil {
		for _, h := range m.Payload.Headers {
			if h.Name == "Subject" {
				subject = h.Value
				break
			}
		}
	}

	status := "Read"
	for _, l := range m.LabelIds {
		if l == "UNREAD" {
			status = "Pending"
			break
		}
	}

	return model.UnifiedTask{
		ID:       m.Id,
		Source:   model.SourceGmail,
		Title:    subject,
		Snippet:  m.Snippet,
		Status:   status,
		Priority: priorityFromSubject(subject),
		Link:     fmt.Sprintf("https://mail.google.com/mail/u/0/#inbox/%s", m.Id),
	}
}

// priorityFromSubject deduces a priority from urgency keywords in the
// subject line.
func priorityFromSubject(subject string) model.TaskPriority {
	s := strings.ToLower(subject)
	if strings.Contains(s, "urgent") || strings.Contains(s, "asap") {
		return model.PriorityHigh
	}
	return model.PriorityNormal
}
