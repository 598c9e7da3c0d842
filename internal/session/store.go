// Package session keeps the single active workout session durable in the
// shared store.
//
// Writes are either immediate or throttled. Throttled saves coalesce into one
// write of the latest state once the window opened by the first pending save
// elapses. Across views the policy is last-write-wins: a partial save from one
// view may overwrite a more complete save from another.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/claude/setkeeper/internal/bus"
	"github.com/claude/setkeeper/internal/clock"
	"github.com/claude/setkeeper/internal/kv"
	"github.com/claude/setkeeper/internal/metrics"
	"github.com/claude/setkeeper/internal/models"
	"github.com/claude/setkeeper/internal/notify"
)

// Storage keys owned by the session store.
const (
	KeyCurrent = "session.current"
	KeyFlags   = "session.flags"
)

// legacyKeys are mirrors written by older client versions.
var legacyKeys = []string{"session.legacy.workout", "session.legacy.state"}

// ErrCapacityExceeded means a write still failed for lack of space after
// eviction and one retry.
var ErrCapacityExceeded = errors.New("session storage capacity exceeded")

// Evictor frees space in the shared store. It returns the number of entries
// removed.
type Evictor interface {
	EvictOldest(n int) int
}

// Options configures a Store. Zero values take the defaults.
type Options struct {
	Throttle   time.Duration // coalescing window, default 5s
	Freshness  time.Duration // expiry window, default 24h
	EvictCount int           // entries to evict on a full store, default 5
	Evictor    Evictor
	// OnWrite runs after every successful session write.
	OnWrite  func()
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Log      *slog.Logger
}

// SaveOptions selects the write policy for one Save.
type SaveOptions struct {
	Partial   bool
	Immediate bool
}

// Flags are the active-session markers consulted by navigation and recovery.
type Flags struct {
	Active    bool      `json:"active"`
	Unsaved   bool      `json:"unsaved"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store is the session store of one view.
type Store struct {
	kv    kv.Store
	bus   bus.MessageBus
	clock clock.Clock
	opts  Options
	log   *slog.Logger

	mu         sync.Mutex
	pending    *models.WorkoutSession
	pendingGen uint64
	timer      clock.Timer
	gen        uint64

	// wmu serializes writes; writtenGen drops stale deferred writes.
	wmu        sync.Mutex
	writtenGen uint64
}

// New creates a session store over the shared store.
func New(store kv.Store, b bus.MessageBus, clk clock.Clock, opts Options) *Store {
	if opts.Throttle <= 0 {
		opts.Throttle = 5 * time.Second
	}
	if opts.Freshness <= 0 {
		opts.Freshness = 24 * time.Hour
	}
	if opts.EvictCount <= 0 {
		opts.EvictCount = 5
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard{}
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Store{kv: store, bus: b, clock: clk, opts: opts, log: log.With("component", "session")}
}

// Save persists sess. It returns false without writing anything when the
// session has no executed sets. A throttled save returns true once the state
// is queued; failures of the deferred write are logged and notified.
func (s *Store) Save(sess *models.WorkoutSession, opts SaveOptions) (bool, error) {
	if sess == nil || len(sess.ExecutedSets) == 0 {
		s.log.Debug("save skipped: no executed sets")
		return false, nil
	}

	c := sess.Clone()
	c.Metadata.IsPartial = opts.Partial
	c.Metadata.SchemaVersion = models.CurrentSchemaVersion
	c.Metadata.ExerciseCount = len(c.PlannedExercises)

	s.mu.Lock()
	s.gen++
	gen := s.gen
	if opts.Immediate {
		s.cancelPendingLocked()
		s.mu.Unlock()
		if err := s.write(c, gen, "immediate"); err != nil {
			return false, err
		}
		return true, nil
	}

	s.pending = c
	s.pendingGen = gen
	if s.timer == nil {
		s.timer = s.clock.AfterFunc(s.opts.Throttle, s.flushPending)
	}
	s.mu.Unlock()
	return true, nil
}

// Flush writes any pending throttled state now.
func (s *Store) Flush() error {
	s.mu.Lock()
	c, gen := s.pending, s.pendingGen
	s.cancelPendingLocked()
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	if err := s.write(c, gen, "flush"); err != nil {
		s.repend(c, gen)
		return err
	}
	return nil
}

// Close flushes pending state and stops the coalescing timer.
func (s *Store) Close() error {
	return s.Flush()
}

func (s *Store) flushPending() {
	s.mu.Lock()
	c, gen := s.pending, s.pendingGen
	s.pending = nil
	s.timer = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	if err := s.write(c, gen, "throttled"); err != nil {
		s.log.Error("deferred session write failed", "error", err)
		s.repend(c, gen)
	}
}

// repend puts a failed write back so the next Save or Flush retries it,
// unless newer state already replaced it.
func (s *Store) repend(c *models.WorkoutSession, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil && gen == s.gen {
		s.pending = c
		s.pendingGen = gen
	}
}

func (s *Store) cancelPendingLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = nil
}

func (s *Store) write(c *models.WorkoutSession, gen uint64, mode string) error {
	saved, err := s.persist(c, gen)
	if err != nil {
		s.opts.Metrics.SessionWrite(mode, false)
		if errors.Is(err, ErrCapacityExceeded) {
			s.opts.Notifier.Notify("Storage is full: workout progress could not be saved", notify.Error)
		}
		return err
	}
	if !saved {
		return nil
	}

	s.opts.Metrics.SessionWrite(mode, true)
	s.log.Debug("session saved", "mode", mode, "sets", len(c.ExecutedSets), "partial", c.Metadata.IsPartial)
	s.bus.Publish(bus.StateSaved{Timestamp: c.Metadata.SavedAt, ExecutedSetCount: len(c.ExecutedSets)})
	if s.opts.OnWrite != nil {
		s.opts.OnWrite()
	}
	return nil
}

// persist writes c unless a newer generation has already been written.
func (s *Store) persist(c *models.WorkoutSession, gen uint64) (bool, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()

	if gen < s.writtenGen {
		return false, nil
	}

	c.Metadata.SavedAt = s.clock.Now()
	data, err := json.Marshal(c)
	if err != nil {
		return false, fmt.Errorf("encoding session: %w", err)
	}
	if err := s.setWithEviction(KeyCurrent, data); err != nil {
		return false, err
	}
	s.writtenGen = gen

	flags := s.Flags()
	flags.Active = true
	flags.Unsaved = false
	if err := s.writeFlags(flags); err != nil {
		s.log.Warn("writing session flags", "error", err)
	}
	return true, nil
}

func (s *Store) setWithEviction(key string, data []byte) error {
	err := s.kv.Set(key, data)
	if errors.Is(err, kv.ErrQuotaExceeded) && s.opts.Evictor != nil {
		evicted := s.opts.Evictor.EvictOldest(s.opts.EvictCount)
		s.log.Warn("store full, evicted entries before retry", "key", key, "evicted", evicted)
		err = s.kv.Set(key, data)
	}
	if errors.Is(err, kv.ErrQuotaExceeded) {
		return fmt.Errorf("%w: %w", ErrCapacityExceeded, err)
	}
	if err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// Get returns the persisted session if it is present and valid. Unparseable
// content is removed; structurally invalid content is left untouched.
func (s *Store) Get() *models.WorkoutSession {
	data, ok, err := s.kv.Get(KeyCurrent)
	if err != nil {
		s.log.Warn("reading session", "error", err)
		return nil
	}
	if !ok {
		return nil
	}

	var sess models.WorkoutSession
	if err := json.Unmarshal(data, &sess); err != nil {
		s.log.Warn("discarding corrupted session entry", "error", err, "bytes", len(data))
		if err := s.kv.Remove(KeyCurrent); err != nil {
			s.log.Warn("removing corrupted session", "error", err)
		}
		return nil
	}
	if !s.Validate(&sess) {
		return nil
	}
	return &sess
}

// Exists reports whether any session entry is stored, valid or not.
func (s *Store) Exists() bool {
	_, ok, err := s.kv.Get(KeyCurrent)
	return err == nil && ok
}

// Clear drops pending state and removes the session, its flags and any
// legacy mirrors.
func (s *Store) Clear() error {
	s.mu.Lock()
	s.cancelPendingLocked()
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	s.wmu.Lock()
	s.writtenGen = gen
	s.wmu.Unlock()

	var errs []error
	for _, k := range append([]string{KeyCurrent, KeyFlags}, legacyKeys...) {
		if err := s.kv.Remove(k); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", k, err))
		}
	}
	return errors.Join(errs...)
}

// Current returns the newest session state: the pending throttled state if
// one awaits its write, otherwise the stored session unless it has expired.
func (s *Store) Current() *models.WorkoutSession {
	s.mu.Lock()
	pending := s.pending.Clone()
	s.mu.Unlock()
	if pending != nil {
		return pending
	}
	sess := s.Get()
	if sess == nil || s.IsExpired(sess) {
		return nil
	}
	return sess
}

// HasActiveSession reports whether a live session with progress exists,
// pending or stored. Expired sessions never count.
func (s *Store) HasActiveSession() bool {
	sess := s.Current()
	return sess != nil && len(sess.ExecutedSets) > 0
}

// HasUnsavedChanges reports whether state is pending a write or the domain
// layer marked edits that are not yet saved.
func (s *Store) HasUnsavedChanges() bool {
	s.mu.Lock()
	pending := s.pending != nil
	s.mu.Unlock()
	return pending || s.Flags().Unsaved
}

// MarkUnsaved records that the user has edits not yet handed to Save.
func (s *Store) MarkUnsaved() {
	f := s.Flags()
	f.Unsaved = true
	if err := s.writeFlags(f); err != nil {
		s.log.Warn("marking unsaved", "error", err)
	}
}

// SetActive sets or clears the active-session flag.
func (s *Store) SetActive(active bool) {
	f := s.Flags()
	f.Active = active
	if err := s.writeFlags(f); err != nil {
		s.log.Warn("writing active flag", "error", err)
	}
}

// Flags returns the stored flags; missing or unreadable flags are zero.
func (s *Store) Flags() Flags {
	var f Flags
	if _, err := kv.GetJSON(s.kv, KeyFlags, &f); err != nil {
		s.log.Warn("reading session flags", "error", err)
		return Flags{}
	}
	return f
}

func (s *Store) writeFlags(f Flags) error {
	f.UpdatedAt = s.clock.Now()
	return kv.SetJSON(s.kv, KeyFlags, f)
}

// IsExpired reports whether sess is older than the freshness window,
// measured from savedAt (startedAt when never saved).
func (s *Store) IsExpired(sess *models.WorkoutSession) bool {
	ref := sess.Metadata.SavedAt
	if ref.IsZero() {
		ref = sess.StartedAt
	}
	return s.clock.Now().Sub(ref) > s.opts.Freshness
}
