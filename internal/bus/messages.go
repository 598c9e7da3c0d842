package bus

import "time"

// Message kinds carried on the bus.
const (
	KindLeaderChanged  = "LEADER_CHANGED"
	KindLeaderReleased = "LEADER_RELEASED"
	KindStateSaved     = "STATE_SAVED"
	KindSyncCompleted  = "SYNC_COMPLETED"
	KindStorageChanged = "STORAGE_CHANGED"
)

// Message is anything that can be published.
type Message interface {
	Kind() string
}

// LeaderChanged announces a view that has just claimed the lease.
type LeaderChanged struct {
	LeaderID string `json:"leaderId"`
}

func (LeaderChanged) Kind() string { return KindLeaderChanged }

// LeaderReleased announces a leader giving up its lease on clean shutdown.
type LeaderReleased struct {
	LeaderID string `json:"leaderId"`
}

func (LeaderReleased) Kind() string { return KindLeaderReleased }

// StateSaved is published after the active session is persisted.
type StateSaved struct {
	Timestamp        time.Time `json:"timestamp"`
	ExecutedSetCount int       `json:"executedSetCount"`
}

func (StateSaved) Kind() string { return KindStateSaved }

// SyncCompleted is published after each sync pass.
type SyncCompleted struct {
	ProcessedCount int       `json:"processedCount"`
	Timestamp      time.Time `json:"timestamp"`
}

func (SyncCompleted) Kind() string { return KindSyncCompleted }

// StorageChanged is published for every write to the shared store. Origin
// identifies the view that made the write.
type StorageChanged struct {
	Key     string `json:"key"`
	Origin  string `json:"origin"`
	Removed bool   `json:"removed,omitempty"`
}

func (StorageChanged) Kind() string { return KindStorageChanged }
