package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestNilSafe verifies every recorder tolerates a nil receiver, so components
// can run without metrics wired.
func TestNilSafe(t *testing.T) {
	var m *Metrics
	m.SetStorage(1, "ok")
	m.AddEvictions(2)
	m.SessionWrite("immediate", true)
	m.SetQueue(1, 2)
	m.Delivery("workout_session", false)
	m.SetLeader(true)
	m.Navigation("grant")
}

// TestSetStorageStatus verifies exactly one status label is hot.
func TestSetStorageStatus(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.SetStorage(4<<20, "warning")

	if got := testutil.ToFloat64(m.StorageStatus.WithLabelValues("warning")); got != 1 {
		t.Errorf("warning = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.StorageStatus.WithLabelValues("ok")); got != 0 {
		t.Errorf("ok = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.StorageBytes); got != 4<<20 {
		t.Errorf("bytes = %v", got)
	}
}

// TestDeliveryCounter verifies deliveries are split by kind and result.
func TestDeliveryCounter(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Delivery("set_log", true)
	m.Delivery("set_log", true)
	m.Delivery("set_log", false)

	if got := testutil.ToFloat64(m.SyncDeliveries.WithLabelValues("set_log", "ok")); got != 2 {
		t.Errorf("ok deliveries = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SyncDeliveries.WithLabelValues("set_log", "error")); got != 1 {
		t.Errorf("failed deliveries = %v, want 1", got)
	}
}
