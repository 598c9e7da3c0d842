package mcp

import (
	"context"
	"time"

	"github.com/claude/setkeeper/internal/app"
	"github.com/claude/setkeeper/internal/kv"
	"github.com/claude/setkeeper/internal/models"
	"github.com/claude/setkeeper/internal/session"
	"github.com/claude/setkeeper/internal/storagemon"
	"github.com/claude/setkeeper/internal/syncq"
	"github.com/claude/setkeeper/internal/tabs"
)

// ActiveSession is the stored session and its flags.
type ActiveSession struct {
	Session *models.WorkoutSession `json:"session"`
	Flags   session.Flags          `json:"flags"`
	Expired bool                   `json:"expired"`
}

// SyncStatus is the queue state plus the current lease holder.
type SyncStatus struct {
	Queue    syncq.Stats `json:"queue"`
	LeaderID string      `json:"leaderId,omitempty"`
}

// DataSource abstracts where the diagnostics come from. Local reads the
// shared store directly; HTTPClient asks a running setkeeperd.
type DataSource interface {
	ActiveSession(ctx context.Context) (*ActiveSession, error)
	StorageReport(ctx context.Context) (storagemon.Report, error)
	SyncStatus(ctx context.Context) (*SyncStatus, error)
	DeadLetter(ctx context.Context) ([]models.DeadLetterItem, error)
	ReprocessDeadLetter(ctx context.Context) (int, error)
}

// Local reads an unstarted view over the shared store. It never joins the
// leader election; reprocessed tasks are delivered by whichever view leads.
type Local struct {
	view         *app.View
	now          func() time.Time
	leaseTimeout time.Duration
}

// Compile-time check: Local satisfies DataSource.
var _ DataSource = (*Local)(nil)

// NewLocal wraps v. A zero leaseTimeout takes the coordinator default.
func NewLocal(v *app.View, leaseTimeout time.Duration) *Local {
	if leaseTimeout <= 0 {
		leaseTimeout = tabs.DefaultLeaseTimeout
	}
	return &Local{view: v, now: time.Now, leaseTimeout: leaseTimeout}
}

func (l *Local) ActiveSession(ctx context.Context) (*ActiveSession, error) {
	out := &ActiveSession{Flags: l.view.Sessions.Flags()}
	if s := l.view.Sessions.Get(); s != nil {
		out.Session = s
		out.Expired = l.view.Sessions.IsExpired(s)
	}
	return out, nil
}

func (l *Local) StorageReport(ctx context.Context) (storagemon.Report, error) {
	return l.view.Monitor.CheckQuota(), nil
}

func (l *Local) SyncStatus(ctx context.Context) (*SyncStatus, error) {
	out := &SyncStatus{Queue: l.view.Queue.Stats()}
	var lease models.TabLease
	ok, err := kv.GetJSON(l.view.KV, tabs.KeyLease, &lease)
	if err != nil {
		return nil, err
	}
	if ok && !lease.Expired(l.now(), l.leaseTimeout) {
		out.LeaderID = lease.OwnerID
	}
	return out, nil
}

func (l *Local) DeadLetter(ctx context.Context) ([]models.DeadLetterItem, error) {
	return l.view.Queue.DeadLetter()
}

func (l *Local) ReprocessDeadLetter(ctx context.Context) (int, error) {
	return l.view.Queue.ReprocessDeadLetter()
}
