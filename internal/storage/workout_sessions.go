package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/claude/setkeeper/internal/models"
)

// InsertWorkoutSession stores a finished session and its sets in one
// transaction. It returns false when the session ID is already stored, which
// is how redelivered tasks are absorbed.
func (db *DB) InsertWorkoutSession(ctx context.Context, taskID string, s models.WorkoutSession) (bool, error) {
	planned, err := json.Marshal(s.PlannedExercises)
	if err != nil {
		return false, fmt.Errorf("encoding planned exercises: %w", err)
	}

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var savedAt *time.Time
	if !s.Metadata.SavedAt.IsZero() {
		savedAt = &s.Metadata.SavedAt
	}
	tag, err := tx.Exec(ctx,
		`INSERT INTO workout_sessions (id, task_id, started_at, saved_at, status, schema_version, exercise_count, planned)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (id) DO NOTHING`,
		s.ID, taskID, s.StartedAt, savedAt, string(s.Status), s.Metadata.SchemaVersion, len(s.PlannedExercises), planned)
	if err != nil {
		return false, fmt.Errorf("inserting workout session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	if query, args := buildSetInsert(s.ID, s.ExecutedSets); query != "" {
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return false, fmt.Errorf("inserting workout sets: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing workout session: %w", err)
	}
	return true, nil
}

// buildSetInsert renders one batched INSERT for the executed sets.
func buildSetInsert(sessionID string, sets []models.ExecutedSet) (string, []any) {
	if len(sets) == 0 {
		return "", nil
	}

	query := `INSERT INTO workout_sets (session_id, exercise_id, set_number, weight_kg, reps, failed, performed_at) VALUES `
	args := make([]any, 0, len(sets)*7)
	valueStrings := make([]string, 0, len(sets))

	for i, set := range sets {
		base := i * 7
		valueStrings = append(valueStrings, fmt.Sprintf(
			"($%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args, sessionID, set.ExerciseID, set.SetNumber, set.Weight, set.Reps, set.Failed, set.Timestamp)
	}

	return query + strings.Join(valueStrings, ",") + " ON CONFLICT DO NOTHING", args
}

// SessionSummary is one stored session without its sets.
type SessionSummary struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"startedAt"`
	Status     string    `json:"status"`
	SetCount   int       `json:"setCount"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// RecentWorkoutSessions lists the latest stored sessions, newest first.
func (db *DB) RecentWorkoutSessions(ctx context.Context, limit int) ([]SessionSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.Pool.Query(ctx,
		`SELECT s.id, s.started_at, s.status, count(ws.set_number), s.received_at
		 FROM workout_sessions s
		 LEFT JOIN workout_sets ws ON ws.session_id = s.id
		 GROUP BY s.id
		 ORDER BY s.started_at DESC
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying workout sessions: %w", err)
	}
	defer rows.Close()

	var result []SessionSummary
	for rows.Next() {
		var r SessionSummary
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.Status, &r.SetCount, &r.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scanning workout session: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
