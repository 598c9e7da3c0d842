package syncq

import (
	"fmt"
	"time"

	"github.com/claude/setkeeper/internal/kv"
	"github.com/claude/setkeeper/internal/models"
	"github.com/claude/setkeeper/internal/notify"
)

func (q *Queue) deadLetterItem(task models.SyncTask, reason string) models.DeadLetterItem {
	task.NextAttemptAt = time.Time{}
	return models.DeadLetterItem{SyncTask: task, MovedAt: q.clock.Now(), FailureReason: reason}
}

// MoveToDeadLetter removes task from the pending list and parks it in the
// dead-letter queue. Only ReprocessDeadLetter brings it back.
func (q *Queue) MoveToDeadLetter(task models.SyncTask, reason string) error {
	if reason == "" {
		reason = "moved manually"
	}
	item := q.deadLetterItem(task, reason)

	q.storeMu.Lock()
	err := q.moveLocked(task.ID, item)
	q.storeMu.Unlock()
	if err != nil {
		return err
	}

	q.logParked(item)
	q.opts.Notifier.Notify(fmt.Sprintf("A %s could not be synced", task.Kind), notify.Error)
	q.updateGauges()
	return nil
}

func (q *Queue) logParked(d models.DeadLetterItem) {
	q.log.Error("task moved to dead letter", "id", d.ID, "kind", d.Kind, "attempts", d.Attempts, "reason", d.FailureReason)
}

// moveLocked parks item before dropping it from pending, so a failed write
// leaves the task in at least one list.
func (q *Queue) moveLocked(id string, item models.DeadLetterItem) error {
	pending, err := q.readPending()
	if err != nil {
		return err
	}
	if err := q.appendDeadLetter(item); err != nil {
		return fmt.Errorf("parking %s: %w", id, err)
	}
	kept := pending[:0]
	for _, t := range pending {
		if t.ID != id {
			kept = append(kept, t)
		}
	}
	if err := q.writePending(kept); err != nil {
		return fmt.Errorf("removing %s from pending: %w", id, err)
	}
	return nil
}

// DeadLetter returns the parked tasks, oldest first.
func (q *Queue) DeadLetter() ([]models.DeadLetterItem, error) {
	q.storeMu.Lock()
	defer q.storeMu.Unlock()
	return q.readDeadLetter()
}

// ReprocessDeadLetter resets every parked task to zero attempts, appends it
// to the pending list and empties the dead-letter queue. It returns the
// number of tasks re-enqueued.
func (q *Queue) ReprocessDeadLetter() (int, error) {
	q.storeMu.Lock()
	dead, err := q.readDeadLetter()
	if err != nil || len(dead) == 0 {
		q.storeMu.Unlock()
		return 0, err
	}
	pending, err := q.readPending()
	if err != nil {
		q.storeMu.Unlock()
		return 0, err
	}

	queued := make(map[string]bool, len(pending))
	for _, t := range pending {
		queued[t.ID] = true
	}
	for _, d := range dead {
		if queued[d.ID] {
			continue
		}
		t := d.SyncTask
		t.Attempts = 0
		t.NextAttemptAt = time.Time{}
		t.LastError = ""
		pending = append(pending, t)
	}
	if err := q.writePending(pending); err != nil {
		q.storeMu.Unlock()
		return 0, fmt.Errorf("re-enqueueing dead letter: %w", err)
	}
	err = q.kv.Remove(KeyDeadLetter)
	q.storeMu.Unlock()
	if err != nil {
		return len(dead), fmt.Errorf("clearing dead letter: %w", err)
	}

	q.log.Info("dead letter reprocessed", "tasks", len(dead))
	q.updateGauges()
	q.Trigger()
	return len(dead), nil
}

// CleanupExpiredDeadLetter purges parked tasks moved more than the
// retention window ago and returns how many were removed.
func (q *Queue) CleanupExpiredDeadLetter() (int, error) {
	now := q.clock.Now()

	q.storeMu.Lock()
	dead, err := q.readDeadLetter()
	if err != nil {
		q.storeMu.Unlock()
		return 0, err
	}
	kept := make([]models.DeadLetterItem, 0, len(dead))
	for _, d := range dead {
		if now.Sub(d.MovedAt) <= q.opts.Retention {
			kept = append(kept, d)
		}
	}
	purged := len(dead) - len(kept)
	if purged > 0 {
		err = q.writeDeadLetter(kept)
	}
	q.storeMu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("purging dead letter: %w", err)
	}

	if purged > 0 {
		q.log.Info("expired dead letter purged", "purged", purged, "kept", len(kept))
		q.updateGauges()
	}
	return purged, nil
}

func (q *Queue) appendDeadLetter(items ...models.DeadLetterItem) error {
	dead, err := q.readDeadLetter()
	if err != nil {
		return err
	}
	return q.writeDeadLetter(append(dead, items...))
}

func (q *Queue) readDeadLetter() ([]models.DeadLetterItem, error) {
	var items []models.DeadLetterItem
	ok, err := kv.GetJSON(q.kv, KeyDeadLetter, &items)
	if err != nil && ok {
		q.log.Error("discarding corrupted dead-letter list", "error", err)
		return nil, nil
	}
	return items, err
}

func (q *Queue) writeDeadLetter(items []models.DeadLetterItem) error {
	if len(items) == 0 {
		return q.kv.Remove(KeyDeadLetter)
	}
	return q.setJSON(KeyDeadLetter, items)
}
