package syncq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/claude/setkeeper/internal/bus"
	"github.com/claude/setkeeper/internal/models"
	"github.com/claude/setkeeper/internal/notify"
)

// PassResult summarizes one ProcessPending pass.
type PassResult struct {
	Delivered    int
	Failed       int
	DeadLettered int
	Deferred     int
	Remaining    int
	// Skipped is set when the pass did not run at all.
	Skipped string
}

// RetryDelay is the wait before retry number attempts (attempts >= 1):
// min(base × 2^(attempts-1), maxDelay) plus up to 20% jitter drawn from rnd.
func RetryDelay(attempts int, base, maxDelay time.Duration, rnd func() float64) time.Duration {
	if attempts < 1 {
		return 0
	}
	d := base
	for i := 1; i < attempts && d < maxDelay; i++ {
		d *= 2
	}
	d = min(d, maxDelay)
	return d + time.Duration(float64(d)*0.2*rnd())
}

// ProcessPending runs one delivery pass over a snapshot of the pending list.
// It does nothing while another pass runs, while offline, or when the leader
// gate refuses.
func (q *Queue) ProcessPending(ctx context.Context) PassResult {
	q.mu.Lock()
	switch {
	case q.processing:
		q.mu.Unlock()
		q.log.Debug("pass skipped: already processing")
		return PassResult{Skipped: "processing"}
	case !q.online:
		q.mu.Unlock()
		return PassResult{Skipped: "offline"}
	}
	q.processing = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	if q.opts.LeaderGate != nil && !q.opts.LeaderGate() {
		q.log.Debug("pass skipped: not leader")
		return PassResult{Skipped: "not_leader"}
	}

	snapshot, err := q.Pending()
	if err != nil {
		q.log.Error("reading pending tasks", "error", err)
		return PassResult{Skipped: "read_failed"}
	}

	var (
		res     PassResult
		settled = make(map[string]bool, len(snapshot))
		updated = make(map[string]models.SyncTask, len(snapshot))
		dead    []models.DeadLetterItem
	)
	for _, task := range snapshot {
		if !q.Online() || ctx.Err() != nil {
			break
		}
		now := q.clock.Now()
		if task.NextAttemptAt.After(now) {
			res.Deferred++
			continue
		}

		err := q.deliver(ctx, task)
		if q.isStopped() {
			q.log.Info("view stopped mid-pass, discarding results")
			return PassResult{Skipped: "stopped"}
		}
		if err == nil {
			res.Delivered++
			settled[task.ID] = true
			q.log.Info("task delivered", "id", task.ID, "kind", task.Kind, "attempts", task.Attempts+1)
			continue
		}

		res.Failed++
		task.Attempts++
		task.LastError = err.Error()
		if task.Attempts >= q.opts.MaxAttempts || errors.Is(err, ErrNoHandler) {
			settled[task.ID] = true
			dead = append(dead, q.deadLetterItem(task, err.Error()))
			continue
		}
		task.NextAttemptAt = q.clock.Now().Add(q.retryDelay(task.Attempts))
		updated[task.ID] = task
		q.log.Warn("delivery failed, will retry", "id", task.ID, "kind", task.Kind,
			"attempts", task.Attempts, "next", task.NextAttemptAt, "error", err)
	}

	remaining, parked, err := q.merge(settled, updated, dead)
	if err != nil {
		q.log.Error("persisting queue after pass", "error", err)
	}
	res.DeadLettered = len(parked)
	res.Remaining = len(remaining)

	now := q.clock.Now()
	q.mu.Lock()
	q.lastPassAt = now
	q.lastDelivered = res.Delivered
	q.mu.Unlock()

	for _, d := range parked {
		q.logParked(d)
		q.opts.Notifier.Notify(fmt.Sprintf("A %s could not be synced after %d attempts", d.Kind, d.Attempts), notify.Error)
	}
	q.updateGauges()
	q.bus.Publish(bus.SyncCompleted{ProcessedCount: res.Delivered, Timestamp: now})

	if len(remaining) > 0 {
		q.schedule(q.followUpDelay(remaining, now))
	}
	return res
}

func (q *Queue) deliver(ctx context.Context, task models.SyncTask) error {
	h, ok := q.opts.Handlers[task.Kind]
	if !ok {
		q.opts.Metrics.Delivery(string(task.Kind), false)
		return fmt.Errorf("%w %q", ErrNoHandler, task.Kind)
	}
	err := h.Deliver(ctx, task)
	q.opts.Metrics.Delivery(string(task.Kind), err == nil)
	return err
}

// merge writes the pass outcome back. Tasks enqueued while the pass ran are
// kept after the surviving snapshot tasks. Dead-letter entries are written
// before pending shrinks; when that write fails the tasks stay pending and
// are retried later. It returns the surviving pending list and the items
// actually parked.
func (q *Queue) merge(settled map[string]bool, updated map[string]models.SyncTask, dead []models.DeadLetterItem) ([]models.SyncTask, []models.DeadLetterItem, error) {
	q.storeMu.Lock()
	defer q.storeMu.Unlock()

	current, err := q.readPending()
	if err != nil {
		return nil, nil, err
	}

	var parkErr error
	if len(dead) > 0 {
		if err := q.appendDeadLetter(dead...); err != nil {
			parkErr = fmt.Errorf("parking %d failed tasks: %w", len(dead), err)
			now := q.clock.Now()
			for _, d := range dead {
				t := d.SyncTask
				t.NextAttemptAt = now.Add(q.retryDelay(t.Attempts))
				delete(settled, t.ID)
				updated[t.ID] = t
			}
			dead = nil
		}
	}

	remaining := make([]models.SyncTask, 0, len(current))
	for _, t := range current {
		if settled[t.ID] {
			continue
		}
		if u, ok := updated[t.ID]; ok {
			t = u
		}
		remaining = append(remaining, t)
	}
	if err := q.writePending(remaining); err != nil {
		return remaining, dead, errors.Join(parkErr, fmt.Errorf("writing pending: %w", err))
	}
	return remaining, dead, parkErr
}

// followUpDelay scales with queue length, capped at MaxDelay, but never
// fires before the earliest task is due.
func (q *Queue) followUpDelay(remaining []models.SyncTask, now time.Time) time.Duration {
	d := q.opts.BaseDelay * time.Duration(len(remaining))
	if d > q.opts.MaxDelay {
		d = q.opts.MaxDelay
	}
	earliest := remaining[0].NextAttemptAt
	for _, t := range remaining[1:] {
		if t.NextAttemptAt.Before(earliest) {
			earliest = t.NextAttemptAt
		}
	}
	if wait := earliest.Sub(now); wait > d {
		d = wait
	}
	return d
}

func (q *Queue) retryDelay(attempts int) time.Duration {
	return RetryDelay(attempts, q.opts.BaseDelay, q.opts.MaxDelay, q.opts.Rand)
}

func (q *Queue) isStopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}
