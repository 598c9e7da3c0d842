// Package alpha reads Alpha Progression CSV exports as finished workout
// sessions for backfill through the sync queue.
package alpha

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/claude/setkeeper/internal/models"
)

var (
	// sessionHeaderRe matches: "Session Name";"2026-02-19 4:54 h";"1:02 hr"
	sessionHeaderRe = regexp.MustCompile(`^"(.+)";"(\d{4}-\d{2}-\d{2}\s+\d+:\d+)\s+h";"(.+)"$`)

	// exerciseHeaderRe matches: "1. Exercise Name · Equipment · 8 reps[· modifiers]"[;"warmup info"]
	exerciseHeaderRe = regexp.MustCompile(`^"(\d+)\.\s+(.+?)(?:\s+·\s+(\S.*?))?\s+·\s+(\d+)\s+reps(.*?)"(?:;"(.+)")?$`)

	// setDataRe matches: 1;115;8;1
	setDataRe = regexp.MustCompile(`^(\d+);(.+);(\d+);(.+)$`)

	// warmupRe matches: WU1 · 37,5 kg · 9 reps
	warmupRe = regexp.MustCompile(`WU(\d+)\s+·\s+(.+?)\s+kg\s+·\s+(\d+)\s+reps`)

	// durationRe matches: 1:02 hr, 0:45 hr
	durationRe = regexp.MustCompile(`^(\d+):(\d{2})\s*hr?$`)
)

const columnHeader = "#;KG;REPS;RIR"

// idNamespace scopes the deterministic session IDs so a re-import of the
// same export produces the same IDs.
var idNamespace = uuid.MustParse("5b0f4e0c-6a43-4a57-9d0e-8f3f2d7c2a11")

// Warmup is a warm-up set. Warm-ups are reported but not stored as
// executed sets.
type Warmup struct {
	Number           int
	WeightKg         float64
	IsBodyweightPlus bool
	Reps             int
}

// Result is one parsed export.
type Result struct {
	Sessions []models.WorkoutSession
	Warmups  int
}

type parser struct {
	res      Result
	current  *models.WorkoutSession
	duration time.Duration
	exercise *models.PlannedExercise
}

// Parse reads an Alpha Progression CSV export. Every session comes back
// finished, with one planned exercise per exercise block and one executed
// set per working set. Set timestamps are spread evenly over the session
// duration since the export only records the start.
func Parse(r io.Reader) (*Result, error) {
	p := &parser{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := p.line(strings.TrimSpace(scanner.Text())); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	p.flushSession()
	return &p.res, nil
}

func (p *parser) line(line string) error {
	switch {
	case line == "":
		p.flushSession()
		return nil
	case line == columnHeader:
		return nil
	}

	if m := sessionHeaderRe.FindStringSubmatch(line); m != nil {
		p.flushSession()
		start, err := parseSessionDate(m[2])
		if err != nil {
			return fmt.Errorf("parsing session date %q: %w", m[2], err)
		}
		p.current = &models.WorkoutSession{
			ID:        uuid.NewSHA1(idNamespace, []byte(m[1]+"|"+m[2])).String(),
			Name:      m[1],
			StartedAt: start,
			Status:    models.StatusFinished,
		}
		p.duration = parseDuration(m[3])
		return nil
	}

	if m := exerciseHeaderRe.FindStringSubmatch(line); m != nil {
		if p.current == nil {
			return fmt.Errorf("exercise without session: %q", line)
		}
		num, _ := strconv.ParseInt(m[1], 10, 64)
		targetReps, _ := strconv.Atoi(m[4])
		p.current.PlannedExercises = append(p.current.PlannedExercises, models.PlannedExercise{
			ID:         num,
			Name:       strings.TrimSpace(m[2]),
			Equipment:  strings.TrimSpace(m[3]),
			TargetReps: targetReps,
		})
		p.exercise = &p.current.PlannedExercises[len(p.current.PlannedExercises)-1]
		if m[6] != "" {
			p.res.Warmups += len(parseWarmups(m[6]))
		}
		return nil
	}

	if m := setDataRe.FindStringSubmatch(line); m != nil {
		if p.exercise == nil {
			return fmt.Errorf("set data without exercise: %q", line)
		}
		setNum, _ := strconv.Atoi(m[1])
		weight, _ := parseWeight(m[2])
		reps, _ := strconv.Atoi(m[3])
		p.current.ExecutedSets = append(p.current.ExecutedSets, models.ExecutedSet{
			ExerciseID: p.exercise.ID,
			SetNumber:  setNum,
			Weight:     weight,
			Reps:       reps,
		})
		p.exercise.TargetSets++
		// RIR in m[4] has no place on an executed set.
		return nil
	}

	// Notes and other metadata lines are ignored.
	return nil
}

// flushSession closes the open session, if any.
func (p *parser) flushSession() {
	s := p.current
	if s == nil {
		return
	}
	p.current, p.exercise = nil, nil

	n := len(s.ExecutedSets)
	for i := range s.ExecutedSets {
		s.ExecutedSets[i].Timestamp = s.StartedAt.Add(p.duration * time.Duration(i+1) / time.Duration(n))
	}
	s.Metadata = models.SessionMetadata{
		SavedAt:       s.StartedAt.Add(p.duration),
		SchemaVersion: models.CurrentSchemaVersion,
		ExerciseCount: len(s.PlannedExercises),
	}
	p.res.Sessions = append(p.res.Sessions, *s)
}

// parseSessionDate parses "2026-02-19 4:54" into a time.Time.
func parseSessionDate(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02 15:04", "2006-01-02 3:04"} {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse date %q", s)
}

// parseDuration parses "1:02 hr" as 62 minutes. Unknown forms are zero.
func parseDuration(s string) time.Duration {
	m := durationRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0
	}
	h, _ := strconv.Atoi(m[1])
	mins, _ := strconv.Atoi(m[2])
	return time.Duration(h)*time.Hour + time.Duration(mins)*time.Minute
}

// parseWarmups extracts warmup sets from the warmup info string.
// Example: "WU1 · 37,5 kg · 9 reps<br>WU2 · 72,5 kg · 7 reps"
func parseWarmups(s string) []Warmup {
	var sets []Warmup
	for _, part := range strings.Split(s, "<br>") {
		m := warmupRe.FindStringSubmatch(part)
		if m == nil {
			continue
		}
		num, _ := strconv.Atoi(m[1])
		weight, isBW := parseWeight(m[2])
		reps, _ := strconv.Atoi(m[3])
		sets = append(sets, Warmup{Number: num, WeightKg: weight, IsBodyweightPlus: isBW, Reps: reps})
	}
	return sets
}

// parseWeight handles European decimals and bodyweight-plus notation.
// "+35" -> (35, true), "102,5" -> (102.5, false), "+0" -> (0, true)
func parseWeight(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "+"); ok {
		return parseEuropeanFloat(rest), true
	}
	return parseEuropeanFloat(s), false
}

// parseEuropeanFloat converts a European decimal string to float64.
// "102,5" -> 102.5, "0,5" -> 0.5
func parseEuropeanFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", "."), 64)
	return f
}
