// Package navigation decides whether the user may leave the active workout.
//
// Each CanNavigate call runs the gate through
// Idle → Checking → [AwaitingUserChoice] → Granting | Blocking.
// Granting and Blocking are terminal for that call; the next call starts
// from them as if Idle. Calls made while a check is in flight are refused.
package navigation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/claude/setkeeper/internal/clock"
	"github.com/claude/setkeeper/internal/metrics"
	"github.com/claude/setkeeper/internal/models"
	"github.com/claude/setkeeper/internal/notify"
)

// ErrNoDialog is returned when a dialog is needed but none is configured.
var ErrNoDialog = errors.New("no dialog configured")

// State is the gate's position in the decision state machine.
type State int

const (
	Idle State = iota
	Checking
	AwaitingUserChoice
	Granting
	Blocking
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Checking:
		return "checking"
	case AwaitingUserChoice:
		return "awaiting_user_choice"
	case Granting:
		return "granting"
	case Blocking:
		return "blocking"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Choice is a user's answer to a dialog.
type Choice string

const (
	ChoiceSave    Choice = "save"
	ChoiceDiscard Choice = "discard"
	ChoiceCancel  Choice = "cancel"
	ChoiceRecover Choice = "recover"
)

// DialogContext is what a dialog is shown about.
type DialogContext struct {
	Target  string
	Session *models.WorkoutSession
}

// Dialogs is the confirmation-dialog collaborator. ConfirmExit answers
// save/discard/cancel, ConfirmRecovery answers recover/discard/cancel.
type Dialogs interface {
	ConfirmExit(ctx context.Context, dc DialogContext) (Choice, error)
	ConfirmRecovery(ctx context.Context, dc DialogContext) (Choice, error)
}

// Confirmer is the yes/no fallback used when Dialogs fails.
type Confirmer interface {
	Confirm(ctx context.Context, message string) (bool, error)
}

// Location is the platform's current route.
type Location interface {
	Current() string
	Replace(route string)
}

// Sessions is the part of the session store the gate consults.
type Sessions interface {
	Get() *models.WorkoutSession
	Current() *models.WorkoutSession
	Exists() bool
	HasUnsavedChanges() bool
	Flush() error
	Clear() error
	SetActive(active bool)
	IsExpired(s *models.WorkoutSession) bool
}

// Options configures a Gate.
type Options struct {
	// InternalPrefixes are routes belonging to the active workout; moving
	// between them never prompts.
	InternalPrefixes []string
	Dialogs          Dialogs
	Confirmer        Confirmer
	Notifier         notify.Notifier
	Metrics          *metrics.Metrics
	Log              *slog.Logger
}

// NavigateOptions modifies one CanNavigate call.
type NavigateOptions struct {
	Force bool
}

// Decision records the outcome of the last CanNavigate call.
type Decision struct {
	Target  string    `json:"target"`
	Allowed bool      `json:"allowed"`
	Reason  string    `json:"reason"`
	Choice  Choice    `json:"choice,omitempty"`
	At      time.Time `json:"at"`
}

// Gate is the navigation gate of one view.
type Gate struct {
	sessions Sessions
	clock    clock.Clock
	opts     Options
	log      *slog.Logger

	mu    sync.Mutex
	state State
	last  Decision
}

// New creates a gate over sessions.
func New(sessions Sessions, clk clock.Clock, opts Options) *Gate {
	if opts.Notifier == nil {
		opts.Notifier = notify.Discard{}
	}
	log := opts.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Gate{sessions: sessions, clock: clk, opts: opts, log: log.With("component", "navigation")}
}

// State returns the current state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// LastDecision returns the outcome of the most recent completed check.
func (g *Gate) LastDecision() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}

// CanNavigate reports whether navigation to target may proceed. It blocks
// while a dialog awaits the user.
func (g *Gate) CanNavigate(ctx context.Context, target string, o NavigateOptions) bool {
	g.mu.Lock()
	if g.state == Checking || g.state == AwaitingUserChoice {
		g.mu.Unlock()
		g.log.Warn("navigation check already in flight", "target", target)
		g.opts.Metrics.Navigation("reentrant")
		return false
	}
	g.state = Checking
	g.mu.Unlock()

	sess := g.sessions.Current()
	if sess == nil || len(sess.ExecutedSets) == 0 {
		return g.finish(target, true, "no_active_session", "")
	}
	switch {
	case o.Force:
		return g.finish(target, true, "forced", "")
	case g.internal(target):
		return g.finish(target, true, "internal_route", "")
	case !g.sessions.HasUnsavedChanges():
		return g.finish(target, true, "no_unsaved_changes", "")
	}

	g.setState(AwaitingUserChoice)
	choice, err := g.askExit(ctx, target, sess)
	if err != nil {
		g.log.Warn("exit dialog failed, falling back to confirmation", "error", err)
		return g.fallback(ctx, target)
	}

	switch choice {
	case ChoiceSave:
		if err := g.saveNow(); err != nil {
			return g.finish(target, false, "save_failed", choice)
		}
		return g.finish(target, true, "saved_and_exited", choice)
	case ChoiceDiscard:
		if err := g.sessions.Clear(); err != nil {
			g.log.Error("discarding session", "error", err)
		}
		return g.finish(target, true, "discarded", choice)
	case ChoiceCancel:
		return g.finish(target, false, "cancelled", choice)
	default:
		g.log.Warn("unexpected exit dialog answer", "choice", choice)
		return g.finish(target, false, "unknown_choice", choice)
	}
}

func (g *Gate) askExit(ctx context.Context, target string, sess *models.WorkoutSession) (Choice, error) {
	if g.opts.Dialogs == nil {
		return "", ErrNoDialog
	}
	return g.opts.Dialogs.ConfirmExit(ctx, DialogContext{Target: target, Session: sess})
}

// fallback asks a plain yes/no question. Yes saves and grants; anything else
// blocks.
func (g *Gate) fallback(ctx context.Context, target string) bool {
	if g.opts.Confirmer == nil {
		return g.finish(target, false, "dialog_failed", "")
	}
	yes, err := g.opts.Confirmer.Confirm(ctx, "Save your workout and leave?")
	if err != nil {
		g.log.Warn("fallback confirmation failed", "error", err)
		return g.finish(target, false, "dialog_failed", "")
	}
	if !yes {
		return g.finish(target, false, "fallback_declined", "")
	}
	if err := g.saveNow(); err != nil {
		return g.finish(target, false, "save_failed", ChoiceSave)
	}
	return g.finish(target, true, "fallback_saved", ChoiceSave)
}

// saveNow writes any pending state immediately and keeps the active flag on
// the stored session so it can be recovered later.
func (g *Gate) saveNow() error {
	if err := g.sessions.Flush(); err != nil {
		return g.saveFailed(err)
	}
	if g.sessions.Exists() {
		g.sessions.SetActive(true)
	}
	return nil
}

func (g *Gate) saveFailed(err error) error {
	g.log.Error("saving before exit", "error", err)
	g.opts.Notifier.Notify("Your workout could not be saved, so you were kept on this page", notify.Error)
	return err
}

func (g *Gate) internal(target string) bool {
	for _, p := range g.opts.InternalPrefixes {
		if p != "" && strings.HasPrefix(target, p) {
			return true
		}
	}
	return false
}

func (g *Gate) setState(s State) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
}

func (g *Gate) finish(target string, allowed bool, reason string, choice Choice) bool {
	state := Blocking
	if allowed {
		state = Granting
	}
	g.mu.Lock()
	g.state = state
	g.last = Decision{Target: target, Allowed: allowed, Reason: reason, Choice: choice, At: g.clock.Now()}
	g.mu.Unlock()

	g.opts.Metrics.Navigation(reason)
	g.log.Debug("navigation decided", "target", target, "state", state, "reason", reason)
	return allowed
}
