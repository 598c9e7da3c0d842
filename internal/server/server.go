package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/claude/setkeeper/internal/models"
	"github.com/claude/setkeeper/internal/session"
	"github.com/claude/setkeeper/internal/storage"
	"github.com/claude/setkeeper/internal/storagemon"
	"github.com/claude/setkeeper/internal/syncq"
)

// Sessions is the read side of the session store.
type Sessions interface {
	Get() *models.WorkoutSession
	Flags() session.Flags
	IsExpired(s *models.WorkoutSession) bool
}

// Storage reports storage pressure.
type Storage interface {
	CheckQuota() storagemon.Report
}

// Queue is the sync queue surface exposed over HTTP.
type Queue interface {
	Stats() syncq.Stats
	Trigger()
	DeadLetter() ([]models.DeadLetterItem, error)
	ReprocessDeadLetter() (int, error)
	CleanupExpiredDeadLetter() (int, error)
}

// Leadership reports the tab election state.
type Leadership interface {
	ViewID() string
	IsLeader() bool
	LeaderID() string
}

// History lists sessions landed in Postgres.
type History interface {
	RecentWorkoutSessions(ctx context.Context, limit int) ([]storage.SessionSummary, error)
}

// Deps are the components the server reads. Receiver and History are
// optional; their routes are only mounted when set.
type Deps struct {
	Sessions Sessions
	Storage  Storage
	Queue    Queue
	Leader   Leadership
	// Receiver stores tasks posted by remote views, usually a storage.Sink.
	Receiver syncq.Deliverer
	History  History
	Gatherer prometheus.Gatherer
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	deps   Deps
	log    *slog.Logger
	apiKey string
	router chi.Router
}

// New creates a new Server with all routes configured.
func New(deps Deps, apiKey string, log *slog.Logger) *Server {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		deps:   deps,
		log:    log.With("component", "server"),
		apiKey: apiKey,
		router: chi.NewRouter(),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Use(RequestLogging(s.log))
	s.router.Use(CORS)

	s.router.Get("/api/v1/health", s.handleHealth)
	s.router.Head("/api/v1/health", s.handleHealth)
	s.router.Get("/api/v1/session", s.handleSession)
	s.router.Get("/api/v1/storage", s.handleStorage)
	s.router.Get("/api/v1/leader", s.handleLeader)
	if s.deps.History != nil {
		s.router.Get("/api/v1/sessions", s.handleHistory)
	}

	s.router.Route("/api/v1/sync", func(r chi.Router) {
		r.Get("/", s.handleSyncStats)
		r.Get("/deadletter", s.handleDeadLetter)

		// Mutating endpoints (API key required)
		r.Group(func(r chi.Router) {
			r.Use(APIKeyAuth(s.apiKey))
			r.Post("/trigger", s.handleTrigger)
			r.Post("/deadletter/reprocess", s.handleReprocess)
			r.Post("/deadletter/cleanup", s.handleCleanup)
			if s.deps.Receiver != nil {
				r.Post("/{kind}", s.handleReceive)
			}
		})
	})

	gatherer := s.deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

// SetMCP mounts an MCP transport handler under /mcp.
func (s *Server) SetMCP(h http.Handler) {
	s.router.Mount("/mcp", h)
}
