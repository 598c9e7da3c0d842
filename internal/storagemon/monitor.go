// Package storagemon measures the shared store and evicts stale entries
// when it runs short of space.
package storagemon

import (
	"encoding/json"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/claude/setkeeper/internal/clock"
	"github.com/claude/setkeeper/internal/kv"
	"github.com/claude/setkeeper/internal/metrics"
)

// Status classifies storage pressure.
type Status string

const (
	StatusOK       Status = "ok"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

const (
	DefaultInterval   = 60 * time.Second
	DefaultWarning    = 4 << 20
	DefaultCritical   = 5 << 20
	DefaultEvictCount = 5
)

// DefaultProtected are key prefixes that are never evicted.
var DefaultProtected = []string{"session.", "tab.lease", "sync.pending", "identity.", "auth."}

// timestampFields are the record fields consulted for an entry's age, in
// order of preference.
var timestampFields = []string{"timestamp", "savedAt", "createdAt", "updatedAt", "movedAt"}

// Options configures a Monitor. Zero values take the defaults.
type Options struct {
	Interval   time.Duration
	Warning    int64
	Critical   int64
	EvictCount int
	Protected  []string
	Metrics    *metrics.Metrics
	Log        *slog.Logger
}

// Report is the result of one quota check.
type Report struct {
	Status     Status           `json:"status"`
	TotalBytes int64            `json:"totalBytes"`
	Breakdown  map[string]int64 `json:"breakdownByCategory"`
	Evicted    int              `json:"evicted"`
	CheckedAt  time.Time        `json:"checkedAt"`
	Throttled  bool             `json:"throttled"`
	Err        string           `json:"error,omitempty"`
}

// Monitor watches one shared store.
type Monitor struct {
	kv    kv.Store
	clock clock.Clock
	opts  Options
	log   *slog.Logger

	mu   sync.Mutex
	last *Report
}

// New creates a monitor over store.
func New(store kv.Store, clk clock.Clock, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Warning <= 0 {
		opts.Warning = DefaultWarning
	}
	if opts.Critical <= 0 {
		opts.Critical = DefaultCritical
	}
	if opts.EvictCount <= 0 {
		opts.EvictCount = DefaultEvictCount
	}
	if opts.Protected == nil {
		opts.Protected = DefaultProtected
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Monitor{kv: store, clock: clk, opts: opts, log: log.With("component", "storagemon")}
}

// Classify maps a byte total to a pressure status.
func Classify(total, warning, critical int64) Status {
	switch {
	case total >= critical:
		return StatusCritical
	case total >= warning:
		return StatusWarning
	default:
		return StatusOK
	}
}

// CheckQuota measures the store. Within the throttle interval the previous
// report is returned with Throttled set. A critical store triggers eviction.
func (m *Monitor) CheckQuota() Report {
	now := m.clock.Now()

	m.mu.Lock()
	if m.last != nil && now.Sub(m.last.CheckedAt) < m.opts.Interval {
		r := m.last.copy()
		m.mu.Unlock()
		r.Throttled = true
		return r
	}
	m.mu.Unlock()

	r := m.measure(now)
	if r.Err == "" && r.Status == StatusCritical {
		m.log.Warn("storage critical, evicting", "bytes", r.TotalBytes)
		r.Evicted = m.EvictOldest(m.opts.EvictCount)
	}
	switch r.Status {
	case StatusWarning:
		m.log.Warn("storage pressure", "status", r.Status, "bytes", r.TotalBytes)
	case StatusOK:
		m.log.Debug("storage checked", "bytes", r.TotalBytes)
	}
	m.opts.Metrics.SetStorage(r.TotalBytes, string(r.Status))

	m.mu.Lock()
	saved := r.copy()
	m.last = &saved
	m.mu.Unlock()
	return r
}

// Last returns the most recent report without measuring.
func (m *Monitor) Last() (Report, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return Report{}, false
	}
	return m.last.copy(), true
}

func (m *Monitor) measure(now time.Time) Report {
	r := Report{Status: StatusOK, Breakdown: map[string]int64{}, CheckedAt: now}
	keys, err := m.kv.Keys()
	if err != nil {
		m.log.Error("listing keys", "error", err)
		r.Err = err.Error()
		return r
	}
	for _, k := range keys {
		v, ok, err := m.kv.Get(k)
		if err != nil {
			m.log.Warn("reading entry", "key", k, "error", err)
			continue
		}
		if !ok {
			continue
		}
		n := int64(len(k) + len(v))
		r.TotalBytes += n
		r.Breakdown[Category(k)] += n
	}
	r.Status = Classify(r.TotalBytes, m.opts.Warning, m.opts.Critical)
	return r
}

// Category is the key prefix before the first '.'.
func Category(key string) string {
	if i := strings.IndexByte(key, '.'); i > 0 {
		return key[:i]
	}
	return key
}

type candidate struct {
	key string
	at  time.Time
}

// EvictOldest removes up to n unprotected entries that carry an embedded
// timestamp, oldest first, and returns how many were removed.
func (m *Monitor) EvictOldest(n int) int {
	if n <= 0 {
		return 0
	}
	keys, err := m.kv.Keys()
	if err != nil {
		m.log.Error("listing keys for eviction", "error", err)
		return 0
	}

	var cands []candidate
	for _, k := range keys {
		if m.protected(k) {
			continue
		}
		v, ok, err := m.kv.Get(k)
		if err != nil || !ok {
			continue
		}
		if at, ok := EmbeddedTimestamp(v); ok {
			cands = append(cands, candidate{key: k, at: at})
		}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].at.Before(cands[j].at) })

	removed := 0
	for _, c := range cands {
		if removed == n {
			break
		}
		if err := m.kv.Remove(c.key); err != nil {
			m.log.Warn("evicting entry", "key", c.key, "error", err)
			continue
		}
		m.log.Info("evicted entry", "key", c.key, "age", m.clock.Now().Sub(c.at))
		removed++
	}
	m.opts.Metrics.AddEvictions(removed)
	return removed
}

func (m *Monitor) protected(key string) bool {
	for _, p := range m.opts.Protected {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// EmbeddedTimestamp extracts the age marker of a JSON object value. Strings
// are parsed as RFC 3339, numbers as unix milliseconds.
func EmbeddedTimestamp(value []byte) (time.Time, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(value, &obj); err != nil {
		return time.Time{}, false
	}
	for _, f := range timestampFields {
		if raw, ok := obj[f]; ok {
			if t, ok := parseTimestamp(raw); ok {
				return t, true
			}
		}
	}
	if raw, ok := obj["metadata"]; ok {
		var meta map[string]json.RawMessage
		if json.Unmarshal(raw, &meta) == nil {
			if t, ok := parseTimestamp(meta["savedAt"]); ok {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 {
		return time.Time{}, false
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		return t, err == nil
	}
	var ms float64
	if json.Unmarshal(raw, &ms) == nil && ms > 0 {
		return time.UnixMilli(int64(ms)), true
	}
	return time.Time{}, false
}

func (r Report) copy() Report {
	c := r
	c.Breakdown = make(map[string]int64, len(r.Breakdown))
	for k, v := range r.Breakdown {
		c.Breakdown[k] = v
	}
	return c
}
