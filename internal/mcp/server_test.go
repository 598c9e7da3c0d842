package mcp

import (
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/claude/setkeeper/internal/app"
	"github.com/claude/setkeeper/internal/bus"
	"github.com/claude/setkeeper/internal/clock"
	"github.com/claude/setkeeper/internal/kv"
	"github.com/claude/setkeeper/internal/models"
	"github.com/claude/setkeeper/internal/server"
	"github.com/claude/setkeeper/internal/session"
	"github.com/claude/setkeeper/internal/storagemon"
	"github.com/claude/setkeeper/internal/tabs"
)

var now = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type fakeSource struct {
	reprocessed int
	err         error
}

func (f *fakeSource) ActiveSession(ctx context.Context) (*ActiveSession, error) {
	return &ActiveSession{Session: &models.WorkoutSession{ID: "w1"}}, f.err
}

func (f *fakeSource) StorageReport(ctx context.Context) (storagemon.Report, error) {
	return storagemon.Report{Status: storagemon.StatusOK}, f.err
}

func (f *fakeSource) SyncStatus(ctx context.Context) (*SyncStatus, error) {
	return &SyncStatus{LeaderID: "a"}, f.err
}

func (f *fakeSource) DeadLetter(ctx context.Context) ([]models.DeadLetterItem, error) {
	return nil, f.err
}

func (f *fakeSource) ReprocessDeadLetter(ctx context.Context) (int, error) {
	f.reprocessed++
	return 3, f.err
}

func callTool(t *testing.T, fn func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) (*mcp.CallToolResult, string) {
	t.Helper()
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	res, err := fn(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if len(res.Content) == 0 {
		t.Fatal("empty tool result")
	}
	text, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content = %T, want TextContent", res.Content[0])
	}
	return res, text.Text
}

// TestToolsReturnJSON verifies each read tool serializes its data source.
func TestToolsReturnJSON(t *testing.T) {
	h := &handlers{ds: &fakeSource{}, log: discardLogger()}

	_, text := callTool(t, h.getActiveSession, nil)
	if !strings.Contains(text, `"id":"w1"`) {
		t.Errorf("get_active_session = %s", text)
	}
	_, text = callTool(t, h.getStorageReport, nil)
	if !strings.Contains(text, `"status":"ok"`) {
		t.Errorf("get_storage_report = %s", text)
	}
	_, text = callTool(t, h.getSyncStatus, nil)
	if !strings.Contains(text, `"leaderId":"a"`) {
		t.Errorf("get_sync_status = %s", text)
	}
}

// TestReprocessNeedsConfirm verifies the mutating tool refuses without
// confirm=true.
func TestReprocessNeedsConfirm(t *testing.T) {
	src := &fakeSource{}
	h := &handlers{ds: src, log: discardLogger()}

	res, _ := callTool(t, h.reprocessDeadLetter, nil)
	if !res.IsError {
		t.Error("expected error result without confirm")
	}
	if src.reprocessed != 0 {
		t.Errorf("reprocessed = %d, want 0", src.reprocessed)
	}

	res, text := callTool(t, h.reprocessDeadLetter, map[string]any{"confirm": true})
	if res.IsError {
		t.Fatalf("unexpected error result: %s", text)
	}
	if !strings.Contains(text, `"reprocessed":3`) {
		t.Errorf("result = %s", text)
	}
}

// TestToolErrorResult verifies data source failures become tool errors,
// not protocol errors.
func TestToolErrorResult(t *testing.T) {
	h := &handlers{ds: &fakeSource{err: errors.New("store closed")}, log: discardLogger()}
	res, _ := callTool(t, h.getStorageReport, nil)
	if !res.IsError {
		t.Error("expected error result")
	}
}

// TestDeadLetterResource verifies an empty queue reads as an empty array.
func TestDeadLetterResource(t *testing.T) {
	h := &handlers{ds: &fakeSource{}, log: discardLogger()}
	req := mcp.ReadResourceRequest{}
	req.Params.URI = "setkeeper://dead_letter"
	contents, err := h.deadLetter(context.Background(), req)
	if err != nil {
		t.Fatalf("deadLetter: %v", err)
	}
	text, ok := contents[0].(mcp.TextResourceContents)
	if !ok {
		t.Fatalf("contents = %T", contents[0])
	}
	if text.Text != "[]" {
		t.Errorf("text = %q, want []", text.Text)
	}
}

func newView(t *testing.T) (*app.View, *kv.Memory) {
	t.Helper()
	mem := kv.NewMemory(0)
	v := app.NewView(app.Deps{Store: mem, Bus: bus.New(nil), Clock: clock.NewFake(now)}, app.Options{ViewID: "mcp"})

	sess := &models.WorkoutSession{
		ID:               "w1",
		StartedAt:        now,
		PlannedExercises: []models.PlannedExercise{{ID: 1, TargetSets: 1}},
		ExecutedSets:     []models.ExecutedSet{{ExerciseID: 1, SetNumber: 1, Reps: 5, Timestamp: now}},
	}
	if _, err := v.Sessions.Save(sess, session.SaveOptions{Immediate: true}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := v.Queue.MoveToDeadLetter(models.SyncTask{ID: "t1", Kind: models.KindSetLog, CreatedAt: now}, "gave up"); err != nil {
		t.Fatalf("MoveToDeadLetter: %v", err)
	}
	return v, mem
}

// TestLocalSource verifies the store-backed data source, including the
// lease read.
func TestLocalSource(t *testing.T) {
	v, mem := newView(t)
	if err := kv.SetJSON(mem, tabs.KeyLease, models.TabLease{OwnerID: "daemon", Timestamp: now}); err != nil {
		t.Fatal(err)
	}
	l := NewLocal(v, 0)
	l.now = func() time.Time { return now.Add(time.Second) }
	ctx := context.Background()

	sess, err := l.ActiveSession(ctx)
	if err != nil || sess.Session == nil || sess.Session.ID != "w1" {
		t.Fatalf("ActiveSession = %+v, %v", sess, err)
	}
	st, err := l.SyncStatus(ctx)
	if err != nil {
		t.Fatalf("SyncStatus: %v", err)
	}
	if st.LeaderID != "daemon" {
		t.Errorf("LeaderID = %q, want daemon", st.LeaderID)
	}
	if st.Queue.DeadLetter != 1 {
		t.Errorf("DeadLetter = %d, want 1", st.Queue.DeadLetter)
	}

	l.now = func() time.Time { return now.Add(time.Hour) }
	if st, _ := l.SyncStatus(ctx); st.LeaderID != "" {
		t.Errorf("expired lease reported leader %q", st.LeaderID)
	}

	n, err := l.ReprocessDeadLetter(ctx)
	if err != nil || n != 1 {
		t.Errorf("ReprocessDeadLetter = %d, %v, want 1", n, err)
	}
}

// TestHTTPClientAgainstServer verifies the HTTP data source decodes what
// the status API serves.
func TestHTTPClientAgainstServer(t *testing.T) {
	v, _ := newView(t)
	srv := server.New(server.Deps{
		Sessions: v.Sessions,
		Storage:  v.Monitor,
		Queue:    v.Queue,
		Leader:   v.Tabs,
	}, "secret", nil)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	c := NewHTTPClient(ts.URL, "secret", nil)
	ctx := context.Background()

	sess, err := c.ActiveSession(ctx)
	if err != nil {
		t.Fatalf("ActiveSession: %v", err)
	}
	if sess.Session == nil || sess.Session.ID != "w1" {
		t.Errorf("session = %+v, want w1", sess.Session)
	}
	if !sess.Flags.Active {
		t.Error("flags.active = false, want true")
	}

	if _, err := c.StorageReport(ctx); err != nil {
		t.Errorf("StorageReport: %v", err)
	}
	st, err := c.SyncStatus(ctx)
	if err != nil {
		t.Fatalf("SyncStatus: %v", err)
	}
	if st.Queue.DeadLetter != 1 {
		t.Errorf("DeadLetter = %d, want 1", st.Queue.DeadLetter)
	}

	dead, err := c.DeadLetter(ctx)
	if err != nil || len(dead) != 1 {
		t.Fatalf("DeadLetter = %d items, %v", len(dead), err)
	}
	if dead[0].FailureReason != "gave up" {
		t.Errorf("FailureReason = %q", dead[0].FailureReason)
	}

	n, err := c.ReprocessDeadLetter(ctx)
	if err != nil || n != 1 {
		t.Errorf("ReprocessDeadLetter = %d, %v, want 1", n, err)
	}
}

// TestHTTPClientBadKey verifies a rejected mutation surfaces the status.
func TestHTTPClientBadKey(t *testing.T) {
	v, _ := newView(t)
	ts := httptest.NewServer(server.New(server.Deps{
		Sessions: v.Sessions, Storage: v.Monitor, Queue: v.Queue, Leader: v.Tabs,
	}, "secret", nil))
	defer ts.Close()

	_, err := NewHTTPClient(ts.URL, "wrong", nil).ReprocessDeadLetter(context.Background())
	if err == nil || !strings.Contains(err.Error(), "403") {
		t.Errorf("err = %v, want 403", err)
	}
}

func discardLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }
