package model

import "time"

// TaskSource identifies the platform a task originated from.
type TaskSource string

const (
	SourceGmail   TaskSource = "gmail"
	SourceOutlook TaskSource = "outlook"
	SourceNotion  TaskSource = "notion"
)

// TaskPriority is the normalized priority level shared by all sources.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
)

// UnifiedTask represents a pending actionable item from any integrated
// platform, normalized by that platform's adapter. It is transient: the
// engine consumes snapshots of these but never persists them.
type UnifiedTask struct {
	ID       string       `json:"id"`
	Source   TaskSource   `json:"source"`
	Title    string       `json:"title"`
	Snippet  string       `json:"snippet,omitempty"`
	Status   string       `json:"status"`
	Priority TaskPriority `json:"priority"`
	DueDate  *time.Time   `json:"due_date,omitempty"`
	Link     string       `json:"link,omitempty"`
	// OriginContext is extra origin-side addressing the adapter needs to
	// resolve this task later (e.g. an Outlook parent list id). Not part
	// of the display surface.
	OriginContext string `json:"-"`
}

// Key returns the task's durable identity. Origins issue ids from their own
// namespaces, so identity is the (source, id) pair, never the id alone.
func (t UnifiedTask) Key() string {
	return string(t.Source) + ":" + t.ID
}
