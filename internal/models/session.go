package models

import "time"

// CurrentSchemaVersion is stamped on every persisted session.
const CurrentSchemaVersion = 2

// SessionStatus is the lifecycle state of a workout session.
type SessionStatus string

const (
	StatusInProgress SessionStatus = "in_progress"
	StatusFinished   SessionStatus = "finished"
	StatusAbandoned  SessionStatus = "abandoned"
)

// WorkoutSession is the in-progress activity record tracked locally until
// it is finalized or abandoned.
type WorkoutSession struct {
	ID               string            `json:"id"`
	Name             string            `json:"name,omitempty"`
	StartedAt        time.Time         `json:"startedAt"`
	PlannedExercises []PlannedExercise `json:"plannedExercises"`
	ExecutedSets     []ExecutedSet     `json:"executedSets"`
	Status           SessionStatus     `json:"status"`
	Metadata         SessionMetadata   `json:"metadata"`
}

// PlannedExercise describes one exercise of the workout plan.
type PlannedExercise struct {
	ID         int64  `json:"id"`
	Name       string `json:"name,omitempty"`
	Equipment  string `json:"equipment,omitempty"`
	TargetSets int    `json:"targetSets"`
	TargetReps int    `json:"targetReps,omitempty"`
}

// ExecutedSet is one performed set. The list on a session is append-only.
type ExecutedSet struct {
	ExerciseID int64     `json:"exerciseId"`
	SetNumber  int       `json:"setNumber"`
	Weight     float64   `json:"weight"`
	Reps       int       `json:"reps"`
	Failed     bool      `json:"failed"`
	Timestamp  time.Time `json:"timestamp"`
}

// SessionMetadata is stamped by the session store on every save.
type SessionMetadata struct {
	SavedAt       time.Time `json:"savedAt"`
	IsPartial     bool      `json:"isPartial"`
	SchemaVersion int       `json:"schemaVersion"`
	ExerciseCount int       `json:"exerciseCount"`
}

// Clone returns a deep copy so stored state never aliases caller slices.
func (s *WorkoutSession) Clone() *WorkoutSession {
	if s == nil {
		return nil
	}
	c := *s
	c.PlannedExercises = append([]PlannedExercise(nil), s.PlannedExercises...)
	c.ExecutedSets = append([]ExecutedSet(nil), s.ExecutedSets...)
	return &c
}

// LastActivity returns the newest of savedAt, the last set timestamp and
// startedAt.
func (s *WorkoutSession) LastActivity() time.Time {
	t := s.StartedAt
	if s.Metadata.SavedAt.After(t) {
		t = s.Metadata.SavedAt
	}
	if n := len(s.ExecutedSets); n > 0 && s.ExecutedSets[n-1].Timestamp.After(t) {
		t = s.ExecutedSets[n-1].Timestamp
	}
	return t
}
