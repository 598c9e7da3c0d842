// Package ingest holds what the file importers share.
package ingest

// Result holds the outcome of an import.
type Result struct {
	SessionsReceived int `json:"sessions_received"`
	SetsReceived     int `json:"sets_received"`
	WarmupsSkipped   int `json:"warmups_skipped"`
	TasksEnqueued    int `json:"tasks_enqueued"`
	// SessionsRejected counts sessions that failed validation.
	SessionsRejected int      `json:"sessions_rejected"`
	RejectedIDs      []string `json:"rejected_ids,omitempty"`

	Message string `json:"message,omitempty"`
}
