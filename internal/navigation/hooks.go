package navigation

import "context"

// BeforeUnload runs on an unload intent. It writes any pending state at once
// and reports whether the user must be warned before leaving.
func (g *Gate) BeforeUnload() bool {
	unsaved := g.sessions.HasUnsavedChanges()
	if err := g.sessions.Flush(); err != nil {
		g.log.Error("flushing on unload", "error", err)
	}
	sess := g.sessions.Current()
	warn := unsaved || (sess != nil && len(sess.ExecutedSets) > 0)
	if warn {
		g.log.Info("unload with active session, warning user")
	}
	return warn
}

// HandleHistoryNavigation re-runs the gate for a back/forward navigation.
// loc still holds the route being left. On refusal that route is re-asserted
// so the navigation is not left half applied.
func (g *Gate) HandleHistoryNavigation(ctx context.Context, target string, loc Location) bool {
	current := loc.Current()
	if g.CanNavigate(ctx, target, NavigateOptions{}) {
		return true
	}
	loc.Replace(current)
	return false
}
