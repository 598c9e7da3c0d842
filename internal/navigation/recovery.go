package navigation

import (
	"context"
	"fmt"

	"github.com/claude/setkeeper/internal/models"
)

// RecoveryResult is the outcome of OfferRecovery.
type RecoveryResult struct {
	// Choice is empty when there was nothing to recover.
	Choice  Choice
	Session *models.WorkoutSession
}

// CheckForRecovery returns the stored session if it can be offered for
// recovery. Expired and invalid entries are cleared and reported absent.
func (g *Gate) CheckForRecovery() (*models.WorkoutSession, bool) {
	sess := g.sessions.Get()
	if sess == nil {
		if g.sessions.Exists() {
			g.log.Info("clearing unrecoverable session entry")
			g.clear()
		}
		return nil, false
	}
	if g.sessions.IsExpired(sess) {
		g.log.Info("clearing expired session", "id", sess.ID, "savedAt", sess.Metadata.SavedAt)
		g.clear()
		return nil, false
	}
	return sess, true
}

// OfferRecovery asks the user what to do with a recoverable session.
// Recover marks it active again, discard clears it, cancel leaves it stored
// untouched. A failed dialog counts as cancel and its error is returned.
func (g *Gate) OfferRecovery(ctx context.Context) (RecoveryResult, error) {
	sess, ok := g.CheckForRecovery()
	if !ok {
		return RecoveryResult{}, nil
	}
	if g.opts.Dialogs == nil {
		return RecoveryResult{Choice: ChoiceCancel, Session: sess}, ErrNoDialog
	}

	choice, err := g.opts.Dialogs.ConfirmRecovery(ctx, DialogContext{Session: sess})
	if err != nil {
		g.log.Warn("recovery dialog failed", "error", err)
		return RecoveryResult{Choice: ChoiceCancel, Session: sess}, fmt.Errorf("recovery dialog: %w", err)
	}

	switch choice {
	case ChoiceRecover:
		g.sessions.SetActive(true)
		g.log.Info("session recovered", "id", sess.ID, "sets", len(sess.ExecutedSets))
		return RecoveryResult{Choice: ChoiceRecover, Session: sess}, nil
	case ChoiceDiscard:
		g.clear()
		return RecoveryResult{Choice: ChoiceDiscard}, nil
	default:
		return RecoveryResult{Choice: ChoiceCancel, Session: sess}, nil
	}
}

func (g *Gate) clear() {
	if err := g.sessions.Clear(); err != nil {
		g.log.Error("clearing session", "error", err)
	}
}
