// Package tabs elects one leader among the views sharing a store and bus.
//
// The protocol is a timestamped lease at key tab.lease. A view claims the
// lease when it finds it absent or expired, refreshes it on every heartbeat
// while leading, and steps down as soon as it sees a live lease naming
// someone else. Leadership is advisory: CanPerformAction only reports it.
//
// Known race: two views can both read an expired lease in the same tick and
// both claim it. A claim reads the lease back after writing, which narrows
// the window but cannot close it since the store has no compare-and-swap.
// The lease left in the store by the last writer is authoritative; the other
// view demotes itself at its next heartbeat or on the storage notification
// for the competing write, so dual leadership lasts at most one heartbeat.
package tabs

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/claude/setkeeper/internal/bus"
	"github.com/claude/setkeeper/internal/clock"
	"github.com/claude/setkeeper/internal/kv"
	"github.com/claude/setkeeper/internal/metrics"
	"github.com/claude/setkeeper/internal/models"
)

// KeyLease holds the current models.TabLease.
const KeyLease = "tab.lease"

const (
	DefaultHeartbeat    = 5 * time.Second
	DefaultLeaseTimeout = 10 * time.Second
)

// Options configures a Coordinator.
type Options struct {
	// ViewID identifies this view. It must match the origin used by the
	// view's kv.Observed wrapper so the coordinator can ignore its own
	// storage notifications. Empty means a random ID.
	ViewID       string
	Heartbeat    time.Duration
	LeaseTimeout time.Duration
	Metrics      *metrics.Metrics
	Log          *slog.Logger
}

// Coordinator runs the leader-election protocol for one view.
type Coordinator struct {
	kv    kv.Store
	bus   bus.MessageBus
	clock clock.Clock
	opts  Options
	log   *slog.Logger

	mu        sync.Mutex
	running   bool
	leader    bool
	leaderID  string
	ticker    clock.Timer
	unsubs    []func()
	listeners []func(isLeader bool)
}

// New creates a coordinator. It does nothing until Start.
func New(store kv.Store, b bus.MessageBus, clk clock.Clock, opts Options) *Coordinator {
	if opts.ViewID == "" {
		opts.ViewID = uuid.NewString()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = DefaultLeaseTimeout
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{
		kv:    store,
		bus:   b,
		clock: clk,
		opts:  opts,
		log:   log.With("component", "tabs", "view", opts.ViewID),
	}
}

// ViewID returns this view's identity.
func (c *Coordinator) ViewID() string { return c.opts.ViewID }

// Start subscribes to the bus, runs the first election check and starts the
// heartbeat. Calling Start twice is a no-op.
func (c *Coordinator) Start() {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.mu.Unlock()

	unsubs := []func(){
		c.bus.Subscribe(bus.KindStorageChanged, func(m bus.Message) {
			sc, ok := m.(bus.StorageChanged)
			if ok && sc.Key == KeyLease && sc.Origin != c.opts.ViewID {
				c.check()
			}
		}),
		c.bus.Subscribe(bus.KindLeaderChanged, func(m bus.Message) {
			if lc, ok := m.(bus.LeaderChanged); ok && lc.LeaderID != c.opts.ViewID {
				c.check()
			}
		}),
		c.bus.Subscribe(bus.KindLeaderReleased, func(m bus.Message) {
			if lr, ok := m.(bus.LeaderReleased); ok && lr.LeaderID != c.opts.ViewID {
				c.check()
			}
		}),
	}

	c.check()
	ticker := c.clock.Every(c.opts.Heartbeat, c.check)

	c.mu.Lock()
	c.unsubs = unsubs
	c.ticker = ticker
	c.mu.Unlock()
}

// Stop cancels the heartbeat and unsubscribes. A leader removes its lease
// and broadcasts LEADER_RELEASED so a successor need not wait for expiry.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	ticker, unsubs := c.ticker, c.unsubs
	c.ticker, c.unsubs = nil, nil
	wasLeader := c.leader
	c.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	for _, u := range unsubs {
		u()
	}
	if !wasLeader {
		return
	}

	if lease, ok := c.readLease(); ok && lease.OwnerID == c.opts.ViewID {
		if err := c.kv.Remove(KeyLease); err != nil {
			c.log.Warn("releasing lease", "error", err)
		}
	}
	c.setState(false, "")
	c.log.Info("leadership released")
	c.bus.Publish(bus.LeaderReleased{LeaderID: c.opts.ViewID})
}

// IsLeader reports whether this view currently holds the lease.
func (c *Coordinator) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

// LeaderID returns the leader as last observed, or "" when unknown.
func (c *Coordinator) LeaderID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leaderID
}

// CanPerformAction reports whether this view may run a mutually exclusive
// action. It is advisory: nothing stops a caller that ignores it.
func (c *Coordinator) CanPerformAction(action string) bool {
	ok := c.IsLeader()
	if !ok {
		c.log.Debug("action deferred to leader", "action", action)
	}
	return ok
}

// OnChange registers fn to run whenever this view gains or loses leadership.
func (c *Coordinator) OnChange(fn func(isLeader bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// check reconciles local state with the stored lease.
func (c *Coordinator) check() {
	c.mu.Lock()
	running, leader := c.running, c.leader
	c.mu.Unlock()
	if !running {
		return
	}

	now := c.clock.Now()
	lease, ok := c.readLease()
	live := ok && !lease.Expired(now, c.opts.LeaseTimeout)

	switch {
	case live && lease.OwnerID != c.opts.ViewID:
		if leader {
			c.log.Warn("another view holds the lease, stepping down", "leader", lease.OwnerID)
		}
		c.setState(false, lease.OwnerID)
	case leader:
		c.refresh(now)
	default:
		// Absent, expired, or our own lease left from before a restart.
		c.claim(now)
	}
}

func (c *Coordinator) refresh(now time.Time) {
	if err := c.writeLease(now); err != nil {
		c.log.Warn("refreshing lease", "error", err)
	}
}

func (c *Coordinator) claim(now time.Time) {
	if err := c.writeLease(now); err != nil {
		c.log.Warn("claiming lease", "error", err)
		return
	}
	lease, ok := c.readLease()
	if !ok || lease.OwnerID != c.opts.ViewID {
		c.log.Info("lost lease claim", "leader", lease.OwnerID)
		c.setState(false, lease.OwnerID)
		return
	}
	if c.setState(true, c.opts.ViewID) {
		c.log.Info("leadership claimed")
		c.bus.Publish(bus.LeaderChanged{LeaderID: c.opts.ViewID})
	}
}

// setState records leadership and notifies listeners on a transition. It
// reports whether leadership changed.
func (c *Coordinator) setState(leader bool, leaderID string) bool {
	c.mu.Lock()
	changed := c.leader != leader
	c.leader = leader
	c.leaderID = leaderID
	var listeners []func(bool)
	if changed {
		listeners = append(listeners, c.listeners...)
	}
	c.mu.Unlock()

	if changed {
		c.opts.Metrics.SetLeader(leader)
		for _, fn := range listeners {
			fn(leader)
		}
	}
	return changed
}

func (c *Coordinator) readLease() (models.TabLease, bool) {
	var lease models.TabLease
	ok, err := kv.GetJSON(c.kv, KeyLease, &lease)
	if err != nil {
		c.log.Warn("unreadable lease treated as absent", "error", err)
		return models.TabLease{}, false
	}
	return lease, ok
}

func (c *Coordinator) writeLease(now time.Time) error {
	return kv.SetJSON(c.kv, KeyLease, models.TabLease{OwnerID: c.opts.ViewID, Timestamp: now})
}
