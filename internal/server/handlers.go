package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/claude/setkeeper/internal/models"
	"github.com/claude/setkeeper/internal/session"
)

// maxPayload bounds a received task body.
const maxPayload = 4 << 20

var knownKinds = map[models.TaskKind]bool{
	models.KindWorkoutSession: true,
	models.KindSetLog:         true,
	models.KindExerciseNote:   true,
}

type sessionResponse struct {
	Session *models.WorkoutSession `json:"session"`
	Flags   session.Flags          `json:"flags"`
	Expired bool                   `json:"expired"`
}

type leaderResponse struct {
	ViewID   string `json:"viewId"`
	IsLeader bool   `json:"isLeader"`
	LeaderID string `json:"leaderId,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	resp := sessionResponse{Flags: s.deps.Sessions.Flags()}
	if sess := s.deps.Sessions.Get(); sess != nil {
		resp.Session = sess
		resp.Expired = s.deps.Sessions.IsExpired(sess)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStorage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Storage.CheckQuota())
}

func (s *Server) handleLeader(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, leaderResponse{
		ViewID:   s.deps.Leader.ViewID(),
		IsLeader: s.deps.Leader.IsLeader(),
		LeaderID: s.deps.Leader.LeaderID(),
	})
}

func (s *Server) handleSyncStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Queue.Stats())
}

func (s *Server) handleDeadLetter(w http.ResponseWriter, r *http.Request) {
	items, err := s.deps.Queue.DeadLetter()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if items == nil {
		items = []models.DeadLetterItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}
	rows, err := s.deps.History.RecentWorkoutSessions(r.Context(), limit)
	if err != nil {
		s.log.Error("listing sessions", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	s.deps.Queue.Trigger()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *Server) handleReprocess(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Queue.ReprocessDeadLetter()
	if err != nil {
		s.log.Error("reprocessing dead letter", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reprocessed": n})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	n, err := s.deps.Queue.CleanupExpiredDeadLetter()
	if err != nil {
		s.log.Error("dead letter cleanup", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

// handleReceive accepts one task delivered by a remote view's queue. The
// Idempotency-Key header becomes the task ID.
func (s *Server) handleReceive(w http.ResponseWriter, r *http.Request) {
	kind := models.TaskKind(chi.URLParam(r, "kind"))
	if !knownKinds[kind] {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown task kind: " + string(kind)})
		return
	}
	id := r.Header.Get("Idempotency-Key")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Idempotency-Key header required"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayload+1))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "reading body: " + err.Error()})
		return
	}
	if len(body) > maxPayload {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
		return
	}
	if !json.Valid(body) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}

	task := models.SyncTask{ID: id, Kind: kind, Payload: body, CreatedAt: time.Now()}
	if err := s.deps.Receiver.Deliver(r.Context(), task); err != nil {
		s.log.Error("storing received task", "kind", kind, "id", id, "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored", "id": id})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
