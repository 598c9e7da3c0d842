package models

import (
	"encoding/json"
	"time"
)

// TaskKind selects the remote handler for a SyncTask payload.
type TaskKind string

const (
	KindWorkoutSession TaskKind = "workout_session"
	KindSetLog         TaskKind = "set_log"
	KindExerciseNote   TaskKind = "exercise_note"
)

// SyncTask is a payload waiting for remote delivery.
type SyncTask struct {
	ID            string          `json:"id"`
	Kind          TaskKind        `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"nextAttemptAt,omitzero"`
	LastError     string          `json:"lastError,omitempty"`
}

// DeadLetterItem is a SyncTask that exhausted its retry budget.
type DeadLetterItem struct {
	SyncTask
	MovedAt       time.Time `json:"movedAt"`
	FailureReason string    `json:"failureReason"`
}

// TabLease is the current leader's claim on the shared store.
type TabLease struct {
	OwnerID   string    `json:"ownerId"`
	Timestamp time.Time `json:"timestamp"`
}

// Expired reports whether the lease is no longer valid at now.
func (l TabLease) Expired(now time.Time, timeout time.Duration) bool {
	return now.Sub(l.Timestamp) >= timeout
}
