// Package app wires the session core of one view: a session store, a
// storage monitor, a tab coordinator, a navigation gate and a sync queue
// over one shared store and bus.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/claude/setkeeper/internal/bus"
	"github.com/claude/setkeeper/internal/clock"
	"github.com/claude/setkeeper/internal/config"
	"github.com/claude/setkeeper/internal/kv"
	"github.com/claude/setkeeper/internal/metrics"
	"github.com/claude/setkeeper/internal/models"
	"github.com/claude/setkeeper/internal/navigation"
	"github.com/claude/setkeeper/internal/notify"
	"github.com/claude/setkeeper/internal/session"
	"github.com/claude/setkeeper/internal/storagemon"
	"github.com/claude/setkeeper/internal/syncq"
	"github.com/claude/setkeeper/internal/tabs"
)

// ErrNoSession is returned by Finalize when there is nothing to finalize.
var ErrNoSession = errors.New("no active session")

// Deps are the collaborators shared by every view of one process.
type Deps struct {
	Store    kv.Store
	Bus      bus.MessageBus
	Clock    clock.Clock
	Handlers map[models.TaskKind]syncq.Deliverer
	// Connectivity is optional; without it the queue assumes online.
	Connectivity syncq.Connectivity
	Dialogs      navigation.Dialogs
	Confirmer    navigation.Confirmer
	Notifier     notify.Notifier
	Metrics      *metrics.Metrics
	Log          *slog.Logger
}

// Options carry per-component settings. Cross-component hooks (evictor,
// write observer, leader gate, handlers) are filled in by NewView and
// override anything set here.
type Options struct {
	ViewID     string
	Session    session.Options
	Storage    storagemon.Options
	Tabs       tabs.Options
	Navigation navigation.Options
	Sync       syncq.Options
}

// OptionsFromConfig maps the daemon configuration onto view options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Session: session.Options{
			Throttle:  cfg.Session.Throttle,
			Freshness: cfg.Session.Freshness,
		},
		Tabs: tabs.Options{
			Heartbeat:    cfg.Tabs.Heartbeat,
			LeaseTimeout: cfg.Tabs.LeaseTimeout,
		},
		Sync: syncq.Options{
			BaseDelay:    cfg.Sync.BaseDelay,
			MaxDelay:     cfg.Sync.MaxDelay,
			MaxAttempts:  cfg.Sync.MaxAttempts,
			PollInterval: cfg.Sync.PollInterval,
			Retention:    cfg.Sync.DeadLetterRetention,
		},
	}
}

// View is one open view of the application.
type View struct {
	ID       string
	KV       *kv.Observed
	Sessions *session.Store
	Monitor  *storagemon.Monitor
	Tabs     *tabs.Coordinator
	Gate     *navigation.Gate
	Queue    *syncq.Queue

	clock      clock.Clock
	log        *slog.Logger
	pollEvery  time.Duration
	checkEvery time.Duration

	mu      sync.Mutex
	running bool
	timers  []clock.Timer
}

// NewView builds a view. Nothing runs until Start.
func NewView(d Deps, o Options) *View {
	id := o.ViewID
	if id == "" {
		id = uuid.NewString()
	}
	if d.Clock == nil {
		d.Clock = clock.Real()
	}
	if d.Notifier == nil {
		d.Notifier = notify.Discard{}
	}
	log := d.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With("view", id)

	store := kv.NewObserved(d.Store, d.Bus, id)

	so := o.Storage
	so.Metrics, so.Log = d.Metrics, log
	monitor := storagemon.New(store, d.Clock, so)

	sso := o.Session
	sso.Evictor = monitor
	sso.OnWrite = func() { monitor.CheckQuota() }
	sso.Notifier, sso.Metrics, sso.Log = d.Notifier, d.Metrics, log
	sessions := session.New(store, d.Bus, d.Clock, sso)

	to := o.Tabs
	to.ViewID = id
	to.Metrics, to.Log = d.Metrics, log
	coord := tabs.New(store, d.Bus, d.Clock, to)

	no := o.Navigation
	if d.Dialogs != nil {
		no.Dialogs = d.Dialogs
	}
	if d.Confirmer != nil {
		no.Confirmer = d.Confirmer
	}
	no.Notifier, no.Metrics, no.Log = d.Notifier, d.Metrics, log
	gate := navigation.New(sessions, d.Clock, no)

	qo := o.Sync
	qo.Handlers = d.Handlers
	qo.Connectivity = d.Connectivity
	qo.LeaderGate = coord.IsLeader
	qo.Evictor = monitor
	qo.Notifier, qo.Metrics, qo.Log = d.Notifier, d.Metrics, log
	queue := syncq.New(store, d.Bus, d.Clock, qo)

	if qo.PollInterval <= 0 {
		qo.PollInterval = syncq.DefaultPollInterval
	}
	if so.Interval <= 0 {
		so.Interval = storagemon.DefaultInterval
	}

	v := &View{
		ID:         id,
		KV:         store,
		Sessions:   sessions,
		Monitor:    monitor,
		Tabs:       coord,
		Gate:       gate,
		Queue:      queue,
		clock:      d.Clock,
		log:        log.With("component", "app"),
		pollEvery:  qo.PollInterval,
		checkEvery: so.Interval,
	}
	coord.OnChange(func(leader bool) {
		if leader {
			queue.Trigger()
		}
	})
	return v
}

// Start runs the election, starts the queue and the periodic storage
// check. Tasks written by other processes sharing the store are picked up
// on the queue poll interval.
func (v *View) Start() {
	v.mu.Lock()
	if v.running {
		v.mu.Unlock()
		return
	}
	v.running = true
	v.mu.Unlock()

	v.Tabs.Start()
	v.Queue.Start()
	v.Monitor.CheckQuota()

	timers := []clock.Timer{
		v.clock.Every(v.pollEvery, v.Queue.Trigger),
		v.clock.Every(v.checkEvery, func() { v.Monitor.CheckQuota() }),
	}
	v.mu.Lock()
	v.timers = timers
	v.mu.Unlock()

	if sess, ok := v.Gate.CheckForRecovery(); ok {
		v.log.Info("recoverable session found", "session", sess.ID, "sets", len(sess.ExecutedSets))
	}
	v.log.Info("view started", "leader", v.Tabs.IsLeader())
}

// Stop flushes pending session state, stops every timer and releases the
// lease if held.
func (v *View) Stop() error {
	v.mu.Lock()
	if !v.running {
		v.mu.Unlock()
		return nil
	}
	v.running = false
	timers := v.timers
	v.timers = nil
	v.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	err := v.Sessions.Close()
	v.Queue.Stop()
	v.Tabs.Stop()
	if err != nil {
		return fmt.Errorf("flushing session: %w", err)
	}
	v.log.Info("view stopped")
	return nil
}

// Finalize marks the current session finished, enqueues it for delivery
// and clears it from the store. On enqueue failure the session is kept.
func (v *View) Finalize(ctx context.Context) (models.SyncTask, error) {
	if err := ctx.Err(); err != nil {
		return models.SyncTask{}, err
	}
	if err := v.Sessions.Flush(); err != nil {
		return models.SyncTask{}, fmt.Errorf("flushing session: %w", err)
	}
	sess := v.Sessions.Get()
	if sess == nil {
		return models.SyncTask{}, ErrNoSession
	}

	sess.Status = models.StatusFinished
	sess.Metadata.SavedAt = v.clock.Now()
	sess.Metadata.IsPartial = false

	task, err := v.Queue.Enqueue(models.KindWorkoutSession, sess)
	if err != nil {
		return models.SyncTask{}, fmt.Errorf("enqueueing session %s: %w", sess.ID, err)
	}
	if err := v.Sessions.Clear(); err != nil {
		v.log.Error("clearing finalized session", "session", sess.ID, "error", err)
	}
	v.log.Info("session finalized", "session", sess.ID, "task", task.ID, "sets", len(sess.ExecutedSets))
	return task, nil
}
