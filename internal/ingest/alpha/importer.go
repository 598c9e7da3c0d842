package alpha

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/claude/setkeeper/internal/ingest"
	"github.com/claude/setkeeper/internal/models"
	"github.com/claude/setkeeper/internal/session"
)

// Enqueuer accepts sessions for delivery. *syncq.Queue satisfies it.
type Enqueuer interface {
	Enqueue(kind models.TaskKind, payload any) (models.SyncTask, error)
}

// Importer turns Alpha Progression exports into sync tasks.
type Importer struct {
	queue Enqueuer
	log   *slog.Logger
}

// NewImporter creates an importer. A nil queue makes every import a dry run.
func NewImporter(queue Enqueuer, log *slog.Logger) *Importer {
	if log == nil {
		log = slog.Default()
	}
	return &Importer{queue: queue, log: log}
}

// Import parses r and enqueues one workout_session task per valid session.
// Invalid sessions are counted and skipped.
func (i *Importer) Import(ctx context.Context, r io.Reader, dryRun bool) (*ingest.Result, error) {
	parsed, err := Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing CSV: %w", err)
	}

	result := &ingest.Result{
		SessionsReceived: len(parsed.Sessions),
		WarmupsSkipped:   parsed.Warmups,
	}
	for _, s := range parsed.Sessions {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.SetsReceived += len(s.ExecutedSets)

		if problems := session.ValidationProblems(&s); len(problems) > 0 {
			i.log.Warn("skipping invalid session", "id", s.ID, "name", s.Name, "problems", problems)
			result.SessionsRejected++
			result.RejectedIDs = append(result.RejectedIDs, s.ID)
			continue
		}
		if dryRun || i.queue == nil {
			continue
		}
		task, err := i.queue.Enqueue(models.KindWorkoutSession, s)
		if err != nil {
			return result, fmt.Errorf("enqueueing session %s: %w", s.ID, err)
		}
		i.log.Debug("session enqueued", "session", s.ID, "task", task.ID)
		result.TasksEnqueued++
	}

	if dryRun {
		result.Message = "dry run: nothing enqueued"
	}
	return result, nil
}
