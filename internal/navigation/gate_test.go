package navigation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/claude/setkeeper/internal/bus"
	"github.com/claude/setkeeper/internal/clock"
	"github.com/claude/setkeeper/internal/kv"
	"github.com/claude/setkeeper/internal/models"
	"github.com/claude/setkeeper/internal/notify"
	"github.com/claude/setkeeper/internal/session"
)

var t0 = time.Date(2026, 2, 19, 18, 0, 0, 0, time.UTC)

type fakeDialogs struct {
	exit      Choice
	exitErr   error
	recovery  Choice
	recErr    error
	exitCalls int
	during    func()
}

func (d *fakeDialogs) ConfirmExit(ctx context.Context, dc DialogContext) (Choice, error) {
	d.exitCalls++
	if d.during != nil {
		d.during()
	}
	return d.exit, d.exitErr
}

func (d *fakeDialogs) ConfirmRecovery(ctx context.Context, dc DialogContext) (Choice, error) {
	return d.recovery, d.recErr
}

type fakeConfirmer struct {
	yes   bool
	err   error
	calls int
}

func (c *fakeConfirmer) Confirm(ctx context.Context, message string) (bool, error) {
	c.calls++
	return c.yes, c.err
}

type fakeLocation struct {
	route    string
	replaced []string
}

func (l *fakeLocation) Current() string { return l.route }
func (l *fakeLocation) Replace(route string) {
	l.replaced = append(l.replaced, route)
	l.route = route
}

type fixture struct {
	gate     *Gate
	sessions *session.Store
	mem      *kv.Memory
	clock    *clock.Fake
	dialogs  *fakeDialogs
	confirm  *fakeConfirmer
	notes    *notify.Recorder
	bus      *bus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := kv.NewMemory(0)
	clk := clock.NewFake(t0)
	notes := &notify.Recorder{}
	b := bus.New(nil)
	store := session.New(mem, b, clk, session.Options{Notifier: notes})
	d := &fakeDialogs{exit: ChoiceCancel, recovery: ChoiceCancel}
	c := &fakeConfirmer{}
	g := New(store, clk, Options{
		InternalPrefixes: []string{"/workout/"},
		Dialogs:          d,
		Confirmer:        c,
		Notifier:         notes,
	})
	return &fixture{gate: g, sessions: store, mem: mem, clock: clk, dialogs: d, confirm: c, notes: notes, bus: b}
}

func workout(reps int) *models.WorkoutSession {
	return &models.WorkoutSession{
		ID:               "w1",
		StartedAt:        t0,
		PlannedExercises: []models.PlannedExercise{{ID: 1, Name: "Bench Press", TargetSets: 3}},
		ExecutedSets:     []models.ExecutedSet{{ExerciseID: 1, SetNumber: 1, Weight: 50, Reps: reps, Timestamp: t0}},
		Status:           models.StatusInProgress,
	}
}

// activeUnsaved stores a session and leaves a newer throttled write pending.
func (f *fixture) activeUnsaved(t *testing.T) {
	t.Helper()
	if _, err := f.sessions.Save(workout(10), session.SaveOptions{Immediate: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.sessions.Save(workout(7), session.SaveOptions{}); err != nil {
		t.Fatal(err)
	}
}

// TestNoSessionGrants verifies navigation is free without an active session.
func TestNoSessionGrants(t *testing.T) {
	f := newFixture(t)
	if !f.gate.CanNavigate(context.Background(), "home", NavigateOptions{}) {
		t.Error("CanNavigate() = false without a session")
	}
	if f.dialogs.exitCalls != 0 {
		t.Error("dialog shown without a session")
	}
	if f.gate.State() != Granting {
		t.Errorf("state = %v, want granting", f.gate.State())
	}
}

// TestCancelBlocksForceGrants covers the cancel and force scenario.
func TestCancelBlocksForceGrants(t *testing.T) {
	f := newFixture(t)
	f.activeUnsaved(t)

	if f.gate.CanNavigate(context.Background(), "home", NavigateOptions{}) {
		t.Error("CanNavigate(home) = true after cancel")
	}
	if f.gate.State() != Blocking {
		t.Errorf("state = %v, want blocking", f.gate.State())
	}
	if d := f.gate.LastDecision(); d.Allowed || d.Choice != ChoiceCancel || d.Target != "home" {
		t.Errorf("last decision = %+v", d)
	}

	for _, c := range []Choice{ChoiceCancel, ChoiceDiscard, ChoiceSave} {
		f.dialogs.exit = c
		if !f.gate.CanNavigate(context.Background(), "home", NavigateOptions{Force: true}) {
			t.Errorf("forced CanNavigate = false with choice %s", c)
		}
	}
	if f.dialogs.exitCalls != 1 {
		t.Errorf("dialog calls = %d, want 1 (force never prompts)", f.dialogs.exitCalls)
	}
	if !f.sessions.HasActiveSession() {
		t.Error("forced navigation touched the session")
	}
}

// TestPendingSavePrompts verifies progress still waiting on a throttled
// write counts as an active session.
func TestPendingSavePrompts(t *testing.T) {
	f := newFixture(t)
	_, _ = f.sessions.Save(workout(10), session.SaveOptions{})

	if f.gate.CanNavigate(context.Background(), "home", NavigateOptions{}) {
		t.Error("CanNavigate(home) = true with a pending save and cancel")
	}
	if f.dialogs.exitCalls != 1 {
		t.Errorf("dialog calls = %d, want 1", f.dialogs.exitCalls)
	}
	if d := f.gate.LastDecision(); d.Reason != "cancelled" {
		t.Errorf("reason = %q, want cancelled", d.Reason)
	}
}

// TestExpiredSessionGrants verifies a stale session never prompts, even
// with the unsaved flag set.
func TestExpiredSessionGrants(t *testing.T) {
	f := newFixture(t)
	_, _ = f.sessions.Save(workout(10), session.SaveOptions{Immediate: true})
	f.sessions.MarkUnsaved()
	f.clock.Advance(25 * time.Hour)

	if !f.gate.CanNavigate(context.Background(), "home", NavigateOptions{}) {
		t.Error("CanNavigate(home) = false for an expired session")
	}
	if f.dialogs.exitCalls != 0 {
		t.Error("dialog shown for an expired session")
	}
}

// TestNoPromptWhenSaved verifies a fully saved session does not prompt.
func TestNoPromptWhenSaved(t *testing.T) {
	f := newFixture(t)
	_, _ = f.sessions.Save(workout(10), session.SaveOptions{Immediate: true})

	if !f.gate.CanNavigate(context.Background(), "home", NavigateOptions{}) {
		t.Error("CanNavigate = false with nothing unsaved")
	}
	if f.dialogs.exitCalls != 0 {
		t.Error("dialog shown with nothing unsaved")
	}
}

// TestInternalRouteGrants verifies moves inside the workout never prompt.
func TestInternalRouteGrants(t *testing.T) {
	f := newFixture(t)
	f.activeUnsaved(t)
	if !f.gate.CanNavigate(context.Background(), "/workout/exercise/2", NavigateOptions{}) {
		t.Error("internal route refused")
	}
	if f.dialogs.exitCalls != 0 {
		t.Error("dialog shown for internal route")
	}
}

// TestSaveAndExit verifies the pending state is written and stays
// recoverable.
func TestSaveAndExit(t *testing.T) {
	f := newFixture(t)
	f.activeUnsaved(t)
	f.dialogs.exit = ChoiceSave

	if !f.gate.CanNavigate(context.Background(), "home", NavigateOptions{}) {
		t.Fatal("save-and-exit refused")
	}
	got := f.sessions.Get()
	if got == nil || got.ExecutedSets[0].Reps != 7 {
		t.Fatalf("stored session = %+v, want the pending reps 7", got)
	}
	fl := f.sessions.Flags()
	if !fl.Active || fl.Unsaved {
		t.Errorf("flags = %+v, want active and saved", fl)
	}
	if f.sessions.HasUnsavedChanges() {
		t.Error("unsaved changes remain after save-and-exit")
	}
}

// TestSaveAndExitWritesOnce verifies leaving with a pending save writes the
// session a single time.
func TestSaveAndExitWritesOnce(t *testing.T) {
	f := newFixture(t)
	_, _ = f.sessions.Save(workout(10), session.SaveOptions{})
	var saves int
	f.bus.Subscribe(bus.KindStateSaved, func(bus.Message) { saves++ })
	f.dialogs.exit = ChoiceSave

	if !f.gate.CanNavigate(context.Background(), "home", NavigateOptions{}) {
		t.Fatal("save-and-exit refused")
	}
	if saves != 1 {
		t.Errorf("session writes = %d, want 1", saves)
	}
	if !f.sessions.Flags().Active {
		t.Error("stored session not flagged active")
	}
}

// TestSaveWithNothingStored verifies save-and-exit does not flag an active
// session when nothing is stored.
func TestSaveWithNothingStored(t *testing.T) {
	f := newFixture(t)
	if err := f.gate.saveNow(); err != nil {
		t.Fatalf("saveNow() = %v", err)
	}
	if f.sessions.Flags().Active {
		t.Error("active flag set with no stored session")
	}
}

// TestDiscardAndExit verifies the session and its flags are cleared.
func TestDiscardAndExit(t *testing.T) {
	f := newFixture(t)
	f.activeUnsaved(t)
	f.dialogs.exit = ChoiceDiscard

	if !f.gate.CanNavigate(context.Background(), "home", NavigateOptions{}) {
		t.Fatal("discard-and-exit refused")
	}
	f.clock.Advance(time.Minute)
	if f.sessions.Exists() || f.sessions.Flags().Active {
		t.Error("session survived discard")
	}
}

// TestDialogFailureFallsBack verifies a broken dialog never silently grants.
func TestDialogFailureFallsBack(t *testing.T) {
	tests := []struct {
		name      string
		yes       bool
		err       error
		want      bool
		wantSaved bool
	}{
		{name: "confirmed", yes: true, want: true, wantSaved: true},
		{name: "declined", yes: false, want: false},
		{name: "confirmer failed", err: errors.New("boom"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.activeUnsaved(t)
			f.dialogs.exitErr = errors.New("dialog crashed")
			f.confirm.yes, f.confirm.err = tt.yes, tt.err

			if got := f.gate.CanNavigate(context.Background(), "home", NavigateOptions{}); got != tt.want {
				t.Errorf("CanNavigate = %v, want %v", got, tt.want)
			}
			if f.confirm.calls != 1 {
				t.Errorf("fallback calls = %d, want 1", f.confirm.calls)
			}
			if saved := !f.sessions.HasUnsavedChanges(); saved != tt.wantSaved {
				t.Errorf("saved = %v, want %v", saved, tt.wantSaved)
			}
		})
	}
}

// TestNoConfirmerBlocks verifies a dialog failure without fallback blocks.
func TestNoConfirmerBlocks(t *testing.T) {
	f := newFixture(t)
	f.activeUnsaved(t)
	f.gate.opts.Confirmer = nil
	f.dialogs.exitErr = errors.New("dialog crashed")
	if f.gate.CanNavigate(context.Background(), "home", NavigateOptions{}) {
		t.Error("navigation granted without any working dialog")
	}
}

// TestSaveFailureBlocks verifies a full store keeps the user in place and
// tells them why.
func TestSaveFailureBlocks(t *testing.T) {
	f := newFixture(t)
	f.activeUnsaved(t)
	f.dialogs.exit = ChoiceSave
	f.mem.SetQuota(32)

	if f.gate.CanNavigate(context.Background(), "home", NavigateOptions{}) {
		t.Error("navigation granted although the save failed")
	}
	if d := f.gate.LastDecision(); d.Reason != "save_failed" {
		t.Errorf("reason = %q, want save_failed", d.Reason)
	}
	var errorsSeen int
	for _, n := range f.notes.Notices() {
		if n.Level == notify.Error {
			errorsSeen++
		}
	}
	if errorsSeen == 0 {
		t.Error("user not notified of the failed save")
	}
}

// TestReentrantCallRefused verifies a second check while one is awaiting the
// user is refused.
func TestReentrantCallRefused(t *testing.T) {
	f := newFixture(t)
	f.activeUnsaved(t)
	var inner bool
	var during State
	f.dialogs.during = func() {
		during = f.gate.State()
		inner = f.gate.CanNavigate(context.Background(), "settings", NavigateOptions{Force: true})
	}

	f.gate.CanNavigate(context.Background(), "home", NavigateOptions{})
	if during != AwaitingUserChoice {
		t.Errorf("state during dialog = %v, want awaiting_user_choice", during)
	}
	if inner {
		t.Error("reentrant CanNavigate = true")
	}
}

// TestHistoryNavigationReverts verifies a refused back navigation restores
// the current route.
func TestHistoryNavigationReverts(t *testing.T) {
	f := newFixture(t)
	f.activeUnsaved(t)
	loc := &fakeLocation{route: "/summary"}

	if f.gate.HandleHistoryNavigation(context.Background(), "home", loc) {
		t.Error("history navigation granted after cancel")
	}
	if len(loc.replaced) != 1 || loc.replaced[0] != "/summary" {
		t.Errorf("replaced = %v, want [/summary]", loc.replaced)
	}

	f.dialogs.exit = ChoiceDiscard
	loc.replaced = nil
	if !f.gate.HandleHistoryNavigation(context.Background(), "home", loc) {
		t.Error("history navigation refused after discard")
	}
	if len(loc.replaced) != 0 {
		t.Errorf("location rewritten on grant: %v", loc.replaced)
	}
}

// TestBeforeUnload verifies the unload warning and the flush it performs.
func TestBeforeUnload(t *testing.T) {
	f := newFixture(t)
	if f.gate.BeforeUnload() {
		t.Error("warned without a session")
	}

	_, _ = f.sessions.Save(workout(4), session.SaveOptions{})
	if !f.gate.BeforeUnload() {
		t.Error("no warning with pending changes")
	}
	if got := f.sessions.Get(); got == nil || got.ExecutedSets[0].Reps != 4 {
		t.Errorf("pending state not flushed on unload: %+v", got)
	}
	if !f.gate.BeforeUnload() {
		t.Error("no warning with an active session")
	}
}
