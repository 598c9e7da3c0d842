package syncq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/claude/setkeeper/internal/kv"
	"github.com/claude/setkeeper/internal/models"
)

// TestMoveToDeadLetter verifies a manual move removes the task from pending.
func TestMoveToDeadLetter(t *testing.T) {
	f := newFixture(t, Options{})
	task, _ := f.q.Enqueue(models.KindSetLog, "set")

	if err := f.q.MoveToDeadLetter(task, "rejected by server"); err != nil {
		t.Fatal(err)
	}
	if len(f.pending(t)) != 0 {
		t.Error("task still pending")
	}
	dead := f.dead(t)
	if len(dead) != 1 || dead[0].FailureReason != "rejected by server" || !dead[0].MovedAt.Equal(t0) {
		t.Errorf("dead letter = %+v", dead)
	}
}

// TestReprocessDeadLetter verifies parked tasks come back with a fresh
// retry budget.
func TestReprocessDeadLetter(t *testing.T) {
	f := newFixture(t, Options{})
	task, _ := f.q.Enqueue(models.KindWorkoutSession, "payload")
	task.Attempts = DefaultMaxAttempts
	task.LastError = "boom"
	_ = f.q.MoveToDeadLetter(task, "boom")

	n, err := f.q.ReprocessDeadLetter()
	if err != nil || n != 1 {
		t.Fatalf("ReprocessDeadLetter() = %d, %v", n, err)
	}
	if len(f.dead(t)) != 0 {
		t.Error("dead letter not emptied")
	}
	p := f.pending(t)
	if len(p) != 1 || p[0].ID != task.ID || p[0].Attempts != 0 || p[0].LastError != "" || !p[0].NextAttemptAt.IsZero() {
		t.Errorf("pending = %+v", p)
	}

	if res := f.q.ProcessPending(context.Background()); res.Delivered != 1 {
		t.Errorf("reprocessed task not delivered: %+v", res)
	}
}

// TestCleanupExpiredDeadLetter verifies only items past retention go.
func TestCleanupExpiredDeadLetter(t *testing.T) {
	f := newFixture(t, Options{})
	items := []models.DeadLetterItem{
		{SyncTask: models.SyncTask{ID: "old", Kind: models.KindSetLog}, MovedAt: t0.Add(-31 * 24 * time.Hour), FailureReason: "x"},
		{SyncTask: models.SyncTask{ID: "recent", Kind: models.KindSetLog}, MovedAt: t0.Add(-29 * 24 * time.Hour), FailureReason: "x"},
	}
	_ = kv.SetJSON(f.mem, KeyDeadLetter, items)

	n, err := f.q.CleanupExpiredDeadLetter()
	if err != nil || n != 1 {
		t.Fatalf("CleanupExpiredDeadLetter() = %d, %v; want 1", n, err)
	}
	dead := f.dead(t)
	if len(dead) != 1 || dead[0].ID != "recent" {
		t.Errorf("dead letter = %+v, want only recent", dead)
	}
}

// TestCleanupScheduledAfterStart verifies the startup sweep runs shortly
// after Start and then daily.
func TestCleanupScheduledAfterStart(t *testing.T) {
	f := newFixture(t, Options{})
	old := models.DeadLetterItem{SyncTask: models.SyncTask{ID: "old"}, MovedAt: t0.Add(-40 * 24 * time.Hour), FailureReason: "x"}
	_ = kv.SetJSON(f.mem, KeyDeadLetter, []models.DeadLetterItem{old})
	f.q.Start()
	defer f.q.Stop()

	f.clock.Advance(DefaultCleanupDelay - time.Second)
	if len(f.dead(t)) != 1 {
		t.Fatal("cleanup ran before its startup delay")
	}
	f.clock.Advance(time.Second)
	if len(f.dead(t)) != 0 {
		t.Error("startup cleanup did not purge the expired item")
	}

	aging := models.DeadLetterItem{SyncTask: models.SyncTask{ID: "aging"}, MovedAt: t0.Add(-29*24*time.Hour - 12*time.Hour), FailureReason: "x"}
	_ = kv.SetJSON(f.mem, KeyDeadLetter, []models.DeadLetterItem{aging})
	f.clock.Advance(DefaultCleanupInterval)
	if len(f.dead(t)) != 0 {
		t.Error("daily cleanup did not purge the item that aged out")
	}
}

type keyEvictor struct {
	mem   *kv.Memory
	keys  []string
	calls int
}

func (e *keyEvictor) EvictOldest(n int) int {
	e.calls++
	removed := 0
	for _, k := range e.keys {
		if removed == n {
			break
		}
		_ = e.mem.Remove(k)
		removed++
	}
	e.keys = e.keys[removed:]
	return removed
}

// TestFullStoreKeepsFailedTaskPending verifies a task whose dead-letter
// write is refused stays pending and the user is not told it was parked.
func TestFullStoreKeepsFailedTaskPending(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 1})
	f.d.failures = -1
	task, _ := f.q.Enqueue(models.KindWorkoutSession, "payload")
	f.mem.SetQuota(f.mem.Size())

	res := f.q.ProcessPending(context.Background())
	if res.DeadLettered != 0 {
		t.Errorf("DeadLettered = %d, want 0", res.DeadLettered)
	}
	p := f.pending(t)
	if len(p) != 1 || p[0].ID != task.ID {
		t.Fatalf("pending = %+v, want the failed task", p)
	}
	if len(f.dead(t)) != 0 {
		t.Error("dead letter written although the store is full")
	}
	if n := f.notes.Notices(); len(n) != 0 {
		t.Errorf("notices = %+v, want none", n)
	}
}

// TestParkAfterFailedDeadLetterWrite verifies the task reaches the dead
// letter once space is available again.
func TestParkAfterFailedDeadLetterWrite(t *testing.T) {
	f := newFixture(t, Options{MaxAttempts: 1})
	f.d.failures = -1
	task, _ := f.q.Enqueue(models.KindWorkoutSession, "payload")
	f.mem.SetQuota(f.mem.Size())
	f.q.ProcessPending(context.Background())

	f.mem.SetQuota(0)
	f.clock.Advance(DefaultMaxDelay + time.Minute)
	res := f.q.ProcessPending(context.Background())

	if res.DeadLettered != 1 {
		t.Errorf("DeadLettered = %d, want 1", res.DeadLettered)
	}
	if len(f.pending(t)) != 0 {
		t.Error("task still pending after it was parked")
	}
	dead := f.dead(t)
	if len(dead) != 1 || dead[0].ID != task.ID {
		t.Errorf("dead letter = %+v, want the failed task", dead)
	}
}

// TestQueueWriteEvictsOnFullStore verifies a refused dead-letter write is
// retried after the evictor frees space.
func TestQueueWriteEvictsOnFullStore(t *testing.T) {
	ev := &keyEvictor{keys: []string{"cache.old"}}
	f := newFixture(t, Options{MaxAttempts: 1, Evictor: ev})
	ev.mem = f.mem
	f.d.failures = -1
	_ = f.mem.Set("cache.old", make([]byte, 4096))
	task, _ := f.q.Enqueue(models.KindWorkoutSession, "payload")
	f.mem.SetQuota(f.mem.Size())

	res := f.q.ProcessPending(context.Background())
	if res.DeadLettered != 1 {
		t.Errorf("DeadLettered = %d, want 1", res.DeadLettered)
	}
	if ev.calls == 0 {
		t.Error("evictor not consulted")
	}
	dead := f.dead(t)
	if len(dead) != 1 || dead[0].ID != task.ID {
		t.Errorf("dead letter = %+v, want the failed task", dead)
	}
	if len(f.pending(t)) != 0 {
		t.Error("task still pending")
	}
}

// TestMoveToDeadLetterFullStore verifies a refused manual move keeps the
// task pending.
func TestMoveToDeadLetterFullStore(t *testing.T) {
	f := newFixture(t, Options{})
	task, _ := f.q.Enqueue(models.KindSetLog, "set")
	f.mem.SetQuota(f.mem.Size())

	if err := f.q.MoveToDeadLetter(task, "rejected"); !errors.Is(err, kv.ErrQuotaExceeded) {
		t.Errorf("MoveToDeadLetter() error = %v, want ErrQuotaExceeded", err)
	}
	if p := f.pending(t); len(p) != 1 || p[0].ID != task.ID {
		t.Errorf("pending = %+v, want the task", p)
	}
	if n := f.notes.Notices(); len(n) != 0 {
		t.Errorf("notices = %+v, want none", n)
	}
}

// TestReprocessFullStoreKeepsDeadLetter verifies a refused re-enqueue leaves
// the parked tasks where they are.
func TestReprocessFullStoreKeepsDeadLetter(t *testing.T) {
	f := newFixture(t, Options{})
	task, _ := f.q.Enqueue(models.KindWorkoutSession, "payload")
	_ = f.q.MoveToDeadLetter(task, "boom")
	f.mem.SetQuota(f.mem.Size())

	n, err := f.q.ReprocessDeadLetter()
	if err == nil || n != 0 {
		t.Errorf("ReprocessDeadLetter() = %d, %v; want 0 and an error", n, err)
	}
	dead := f.dead(t)
	if len(dead) != 1 || dead[0].ID != task.ID {
		t.Errorf("dead letter = %+v, want the parked task", dead)
	}
	if len(f.pending(t)) != 0 {
		t.Error("task re-enqueued although the write failed")
	}
}
