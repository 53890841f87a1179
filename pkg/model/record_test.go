package model

import "testing"

func TestSyncStatusTransition(t *testing.T) {
	got, err := StatusActive.Transition(StatusCompleted)
	if err != nil {
		t.Fatalf("active -> completed should be legal: %v", err)
	}
	if got != StatusCompleted {
		t.Errorf("expected completed, got %q", got)
	}
}

func TestSyncStatusNoUncompletion(t *testing.T) {
	got, err := StatusCompleted.Transition(StatusActive)
	if err == nil {
		t.Fatal("completed -> active must be rejected")
	}
	if got != StatusCompleted {
		t.Errorf("state must not change on a rejected transition, got %q", got)
	}
}

func TestSyncStatusSelfTransitionRejected(t *testing.T) {
	if _, err := StatusActive.Transition(StatusActive); err == nil {
		t.Error("active -> active must be rejected")
	}
	if _, err := StatusCompleted.Transition(StatusCompleted); err == nil {
		t.Error("completed -> completed must be rejected")
	}
}

func TestSyncStatusUnknownValue(t *testing.T) {
	if _, err := SyncStatus("archived").Transition(StatusCompleted); err == nil {
		t.Error("unknown status must be rejected")
	}
	if SyncStatus("archived").Valid() {
		t.Error("unknown status must not be valid")
	}
}
