package model

import "fmt"

// SyncStatus is the synchronization state of a tracked record.
// The only legal transition is StatusActive -> StatusCompleted;
// completed records are terminal and never revert.
type SyncStatus string

const (
	StatusActive    SyncStatus = "active"
	StatusCompleted SyncStatus = "completed"
)

// Valid reports whether s is one of the two known states.
func (s SyncStatus) Valid() bool {
	return s == StatusActive || s == StatusCompleted
}

// Transition returns the resulting state of moving from s to next, or an
// error if the move is not allowed. It is total over the closed state set.
func (s SyncStatus) Transition(next SyncStatus) (SyncStatus, error) {
	if !s.Valid() || !next.Valid() {
		return s, fmt.Errorf("unknown sync status %q -> %q", s, next)
	}
	if s == StatusActive && next == StatusCompleted {
		return StatusCompleted, nil
	}
	return s, fmt.Errorf("illegal sync status transition %q -> %q", s, next)
}

// TrackedRecord is the durable link between one origin task and the hub
// page mirroring it. Identity is the (SourceType, SourceID) pair; HubID is
// written once at creation and never reassigned.
type TrackedRecord struct {
	SourceID   string     `json:"source_id"`
	SourceType TaskSource `json:"source_type"`
	HubID      string     `json:"hub_id"`
	Status     SyncStatus `json:"status"`
	// OriginContext is an opaque blob the origin adapter needs to resolve
	// the task later (Outlook stores the parent list id here). Captured at
	// ingestion; empty for origins that need none.
	OriginContext string `json:"origin_context,omitempty"`
}

// Key returns the record's durable identity, matching UnifiedTask.Key.
func (r TrackedRecord) Key() string {
	return string(r.SourceType) + ":" + r.SourceID
}
