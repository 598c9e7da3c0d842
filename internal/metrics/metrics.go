// Package metrics exposes Prometheus collectors for the session core.
// Every method is safe to call on a nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the collectors of one view.
type Metrics struct {
	StorageBytes    prometheus.Gauge
	StorageStatus   *prometheus.GaugeVec
	Evictions       prometheus.Counter
	SessionWrites   *prometheus.CounterVec
	SyncPending     prometheus.Gauge
	SyncDeadLetter  prometheus.Gauge
	SyncDeliveries  *prometheus.CounterVec
	Leader          prometheus.Gauge
	NavigationCalls *prometheus.CounterVec
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StorageBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "setkeeper_storage_bytes",
			Help: "Total key and value bytes in the shared store",
		}),
		StorageStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "setkeeper_storage_status",
			Help: "1 for the current storage pressure status, 0 otherwise",
		}, []string{"status"}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "setkeeper_storage_evictions_total",
			Help: "Entries removed by storage pressure eviction",
		}),
		SessionWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "setkeeper_session_writes_total",
			Help: "Session writes by mode and result",
		}, []string{"mode", "result"}),
		SyncPending: f.NewGauge(prometheus.GaugeOpts{
			Name: "setkeeper_sync_pending",
			Help: "Tasks waiting for remote delivery",
		}),
		SyncDeadLetter: f.NewGauge(prometheus.GaugeOpts{
			Name: "setkeeper_sync_dead_letter",
			Help: "Tasks parked in the dead-letter queue",
		}),
		SyncDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "setkeeper_sync_deliveries_total",
			Help: "Delivery attempts by task kind and result",
		}, []string{"kind", "result"}),
		Leader: f.NewGauge(prometheus.GaugeOpts{
			Name: "setkeeper_tab_leader",
			Help: "1 while this view holds the lease",
		}),
		NavigationCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "setkeeper_navigation_decisions_total",
			Help: "Navigation gate decisions by outcome",
		}, []string{"decision"}),
	}
}

// SetStorage records the latest quota check.
func (m *Metrics) SetStorage(bytes int64, status string) {
	if m == nil {
		return
	}
	m.StorageBytes.Set(float64(bytes))
	for _, s := range []string{"ok", "warning", "critical"} {
		v := 0.0
		if s == status {
			v = 1
		}
		m.StorageStatus.WithLabelValues(s).Set(v)
	}
}

// AddEvictions counts evicted entries.
func (m *Metrics) AddEvictions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Evictions.Add(float64(n))
}

// SessionWrite counts one session write.
func (m *Metrics) SessionWrite(mode string, ok bool) {
	if m == nil {
		return
	}
	m.SessionWrites.WithLabelValues(mode, result(ok)).Inc()
}

// SetQueue records the current queue depths.
func (m *Metrics) SetQueue(pending, deadLetter int) {
	if m == nil {
		return
	}
	m.SyncPending.Set(float64(pending))
	m.SyncDeadLetter.Set(float64(deadLetter))
}

// Delivery counts one delivery attempt.
func (m *Metrics) Delivery(kind string, ok bool) {
	if m == nil {
		return
	}
	m.SyncDeliveries.WithLabelValues(kind, result(ok)).Inc()
}

// SetLeader records whether this view leads.
func (m *Metrics) SetLeader(leader bool) {
	if m == nil {
		return
	}
	if leader {
		m.Leader.Set(1)
	} else {
		m.Leader.Set(0)
	}
}

// Navigation counts one gate decision.
func (m *Metrics) Navigation(decision string) {
	if m == nil {
		return
	}
	m.NavigationCalls.WithLabelValues(decision).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "error"
}
