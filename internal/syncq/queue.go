// Package syncq delivers locally recorded payloads to the remote service.
//
// Tasks are kept in the shared store under sync.pending and survive
// restarts. Each pass tries every due task once through the handler for its
// kind. A failed task waits an exponentially growing, jittered delay before
// it is due again; after MaxAttempts failures it moves to sync.deadletter
// where it stays until reprocessed or purged. Delivery is at least once:
// the remote side deduplicates by task ID.
package syncq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/claude/setkeeper/internal/bus"
	"github.com/claude/setkeeper/internal/clock"
	"github.com/claude/setkeeper/internal/kv"
	"github.com/claude/setkeeper/internal/metrics"
	"github.com/claude/setkeeper/internal/models"
	"github.com/claude/setkeeper/internal/notify"
)

// Storage keys owned by the queue.
const (
	KeyPending    = "sync.pending"
	KeyDeadLetter = "sync.deadletter"
)

const (
	DefaultBaseDelay       = time.Second
	DefaultMaxDelay        = 5 * time.Minute
	DefaultMaxAttempts     = 10
	DefaultPollInterval    = 30 * time.Second
	DefaultRetention       = 30 * 24 * time.Hour
	DefaultCleanupInterval = 24 * time.Hour
	DefaultCleanupDelay    = 10 * time.Second
)

// ErrNoHandler is returned for a task whose kind has no Deliverer.
var ErrNoHandler = errors.New("no delivery handler for task kind")

// Deliverer lands one task in the remote service.
type Deliverer interface {
	Deliver(ctx context.Context, task models.SyncTask) error
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, task models.SyncTask) error

func (f DelivererFunc) Deliver(ctx context.Context, task models.SyncTask) error { return f(ctx, task) }

// Evictor frees space in the shared store and returns the number of entries
// removed.
type Evictor interface {
	EvictOldest(n int) int
}

// Connectivity reports whether the remote service is reachable.
type Connectivity interface {
	Online(ctx context.Context) bool
}

// Options configures a Queue. Zero values take the defaults.
type Options struct {
	Handlers     map[models.TaskKind]Deliverer
	Connectivity Connectivity

	BaseDelay       time.Duration
	MaxDelay        time.Duration
	MaxAttempts     int
	PollInterval    time.Duration
	Retention       time.Duration
	CleanupInterval time.Duration
	CleanupDelay    time.Duration

	// Evictor, when set, frees space once before a queue write that hit
	// the store quota is retried.
	Evictor    Evictor
	EvictCount int

	// LeaderGate, when set, must return true for a pass to deliver.
	LeaderGate func() bool
	// Rand returns jitter samples in [0, 1).
	Rand func() float64

	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Log      *slog.Logger
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Pending       int       `json:"pending"`
	DeadLetter    int       `json:"deadLetter"`
	Online        bool      `json:"online"`
	Processing    bool      `json:"processing"`
	LastPassAt    time.Time `json:"lastPassAt,omitzero"`
	LastDelivered int       `json:"lastDelivered"`
}

// Queue is the sync queue of one view.
type Queue struct {
	kv    kv.Store
	bus   bus.MessageBus
	clock clock.Clock
	opts  Options
	log   *slog.Logger

	// storeMu serializes read-modify-write cycles on the queue keys.
	storeMu sync.Mutex

	mu            sync.Mutex
	running       bool
	stopped       bool
	online        bool
	processing    bool
	followUp      clock.Timer
	timers        []clock.Timer
	lastPassAt    time.Time
	lastDelivered int
}

// New creates a queue. It starts out online; a Connectivity source or
// SetOnline corrects that.
func New(store kv.Store, b bus.MessageBus, clk clock.Clock, opts Options) *Queue {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = DefaultMaxDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = DefaultCleanupInterval
	}
	if opts.CleanupDelay <= 0 {
		opts.CleanupDelay = DefaultCleanupDelay
	}
	if opts.EvictCount <= 0 {
		opts.EvictCount = 5
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard{}
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Queue{
		kv:     store,
		bus:    b,
		clock:  clk,
		opts:   opts,
		log:    log.With("component", "syncq"),
		online: true,
	}
}

// Start arms the connectivity poll and the dead-letter cleanup, and runs a
// pass for anything left over from a previous run.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.stopped = false
	q.mu.Unlock()

	timers := []clock.Timer{
		q.clock.AfterFunc(q.opts.CleanupDelay, q.cleanup),
		q.clock.Every(q.opts.CleanupInterval, q.cleanup),
	}
	if q.opts.Connectivity != nil {
		timers = append(timers, q.clock.Every(q.opts.PollInterval, q.pollConnectivity))
	}

	q.mu.Lock()
	q.timers = timers
	q.mu.Unlock()

	q.Trigger()
}

// Stop cancels every timer. A delivery in flight is left to finish; its
// result is discarded and the task stays pending.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.running = false
	q.stopped = true
	timers := q.timers
	q.timers = nil
	if q.followUp != nil {
		timers = append(timers, q.followUp)
		q.followUp = nil
	}
	q.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
}

// Trigger schedules an immediate pass when the queue is running and online.
func (q *Queue) Trigger() {
	q.schedule(0)
}

// Enqueue appends a task for payload. The payload is encoded with
// encoding/json; a json.RawMessage is stored as is.
func (q *Queue) Enqueue(kind models.TaskKind, payload any) (models.SyncTask, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return models.SyncTask{}, fmt.Errorf("encoding %s payload: %w", kind, err)
	}
	task := models.SyncTask{
		ID:        uuid.NewString(),
		Kind:      kind,
		Payload:   raw,
		CreatedAt: q.clock.Now(),
	}

	q.storeMu.Lock()
	pending, err := q.readPending()
	if err == nil {
		pending = append(pending, task)
		err = q.writePending(pending)
	}
	q.storeMu.Unlock()
	if err != nil {
		return models.SyncTask{}, fmt.Errorf("enqueueing %s: %w", kind, err)
	}

	q.log.Info("task enqueued", "id", task.ID, "kind", kind, "pending", len(pending))
	q.updateGauges()
	q.Trigger()
	return task, nil
}

// SetOnline records a connectivity transition. Going online triggers a pass;
// going offline stops new attempts and leaves the queue intact.
func (q *Queue) SetOnline(online bool) {
	q.mu.Lock()
	prev := q.online
	q.online = online
	if !online && q.followUp != nil {
		q.followUp.Stop()
		q.followUp = nil
	}
	q.mu.Unlock()

	switch {
	case online && !prev:
		q.log.Info("connectivity restored")
		q.Trigger()
	case !online && prev:
		q.log.Warn("connectivity lost, holding queue")
	}
}

// Online reports the last known connectivity.
func (q *Queue) Online() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.online
}

func (q *Queue) pollConnectivity() {
	q.SetOnline(q.opts.Connectivity.Online(context.Background()))
}

func (q *Queue) cleanup() {
	if _, err := q.CleanupExpiredDeadLetter(); err != nil {
		q.log.Error("dead-letter cleanup", "error", err)
	}
}

// schedule replaces any pending follow-up with a pass after d.
func (q *Queue) schedule(d time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running || !q.online {
		return
	}
	if q.followUp != nil {
		q.followUp.Stop()
	}
	q.followUp = q.clock.AfterFunc(d, q.scheduledPass)
}

func (q *Queue) scheduledPass() {
	q.mu.Lock()
	q.followUp = nil
	q.mu.Unlock()
	q.ProcessPending(context.Background())
}

// Pending returns the stored pending tasks in queue order.
func (q *Queue) Pending() ([]models.SyncTask, error) {
	q.storeMu.Lock()
	defer q.storeMu.Unlock()
	return q.readPending()
}

// Stats returns the current queue depths and pass state.
func (q *Queue) Stats() Stats {
	pending, _ := q.Pending()
	dead, _ := q.DeadLetter()

	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:       len(pending),
		DeadLetter:    len(dead),
		Online:        q.online,
		Processing:    q.processing,
		LastPassAt:    q.lastPassAt,
		LastDelivered: q.lastDelivered,
	}
}

func (q *Queue) updateGauges() {
	if q.opts.Metrics == nil {
		return
	}
	s := q.Stats()
	q.opts.Metrics.SetQueue(s.Pending, s.DeadLetter)
}

// readPending loads the pending list. An undecodable list is logged and
// treated as empty; the next write replaces it.
func (q *Queue) readPending() ([]models.SyncTask, error) {
	var tasks []models.SyncTask
	ok, err := kv.GetJSON(q.kv, KeyPending, &tasks)
	if err != nil && ok {
		q.log.Error("discarding corrupted pending list", "error", err)
		return nil, nil
	}
	return tasks, err
}

func (q *Queue) writePending(tasks []models.SyncTask) error {
	if len(tasks) == 0 {
		return q.kv.Remove(KeyPending)
	}
	return q.setJSON(KeyPending, tasks)
}

// setJSON writes v under key. A write refused for lack of space is retried
// once after eviction.
func (q *Queue) setJSON(key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	err = q.kv.Set(key, data)
	if errors.Is(err, kv.ErrQuotaExceeded) && q.opts.Evictor != nil {
		evicted := q.opts.Evictor.EvictOldest(q.opts.EvictCount)
		q.log.Warn("store full, evicted entries before retry", "key", key, "evicted", evicted)
		err = q.kv.Set(key, data)
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}
