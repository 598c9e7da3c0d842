package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/claude/setkeeper/internal/models"
)

// SessionWriter is the part of DB the sink needs.
type SessionWriter interface {
	InsertWorkoutSession(ctx context.Context, taskID string, s models.WorkoutSession) (bool, error)
}

// Sink delivers workout_session tasks straight into Postgres.
type Sink struct {
	db  SessionWriter
	log *slog.Logger
}

// NewSink creates a sink over db.
func NewSink(db SessionWriter, log *slog.Logger) *Sink {
	return &Sink{db: db, log: log}
}

// Deliver decodes and stores one session. A session already stored counts
// as delivered.
func (s *Sink) Deliver(ctx context.Context, task models.SyncTask) error {
	if task.Kind != models.KindWorkoutSession {
		return fmt.Errorf("postgres sink cannot store %s tasks", task.Kind)
	}
	var sess models.WorkoutSession
	if err := json.Unmarshal(task.Payload, &sess); err != nil {
		return fmt.Errorf("decoding workout session: %w", err)
	}
	if sess.ID == "" {
		return fmt.Errorf("workout session without id")
	}

	inserted, err := s.db.InsertWorkoutSession(ctx, task.ID, sess)
	if err != nil {
		return err
	}
	if !inserted {
		s.log.Info("workout session already stored", "id", sess.ID, "task", task.ID)
		return nil
	}
	s.log.Info("workout session stored", "id", sess.ID, "sets", len(sess.ExecutedSets))
	return nil
}
