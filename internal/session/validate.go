package session

import (
	"fmt"

	"github.com/claude/setkeeper/internal/models"
)

// Validate reports whether sess is worth keeping: it has a plan, at least one
// executed set, and every set is well formed. Each problem found is logged.
func (s *Store) Validate(sess *models.WorkoutSession) bool {
	problems := ValidationProblems(sess)
	for _, p := range problems {
		s.log.Warn("session rejected", "reason", p)
	}
	return len(problems) == 0
}

// ValidationProblems lists every structural problem with sess.
func ValidationProblems(sess *models.WorkoutSession) []string {
	if sess == nil {
		return []string{"session is missing"}
	}

	var problems []string
	if len(sess.PlannedExercises) == 0 {
		problems = append(problems, "plannedExercises is empty")
	}
	if len(sess.ExecutedSets) == 0 {
		problems = append(problems, "executedSets is empty")
	}
	for i, set := range sess.ExecutedSets {
		if set.SetNumber < 1 {
			problems = append(problems, fmt.Sprintf("executedSets[%d]: setNumber %d is not positive", i, set.SetNumber))
		}
		if set.Weight < 0 {
			problems = append(problems, fmt.Sprintf("executedSets[%d]: weight %v is negative", i, set.Weight))
		}
		if set.Reps < 0 {
			problems = append(problems, fmt.Sprintf("executedSets[%d]: reps %d is negative", i, set.Reps))
		}
		if set.Timestamp.IsZero() {
			problems = append(problems, fmt.Sprintf("executedSets[%d]: timestamp missing", i))
		}
	}
	return problems
}
