package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/me/gosched/internal/auth"
	"github.com/me/gosched/internal/store"
	"github.com/me/gosched/pkg/model"
)

// Leadership is the election view the API reports in /cluster and /health.
type Leadership interface {
	ServerID() string
	IsLeader() bool
	Lease() *model.Lease
}

// Triggerer creates tasks outside of any schedule.
type Triggerer interface {
	GenerateEventTask(ctx context.Context, jobID string, params map[string]any, priority int) (*model.Task, error)
}

// Canceller cancels task instances.
type Canceller interface {
	CancelInstance(ctx context.Context, id, reason string) (*model.TaskInstance, error)
}

// LogReader reads the ordered task logs.
type LogReader interface {
	Read(instanceID string, stream model.LogStream) ([]byte, error)
	Gaps(instanceID string) ([]model.LogGap, error)
}

// TokenIssuer issues agent tokens.
type TokenIssuer interface {
	Generate(agentID string, ttl *time.Duration, permissions []string) (string, *auth.Claims, error)
}

// Server is the gosched REST API server.
type Server struct {
	router    chi.Router
	internal  chi.Router
	logger    *slog.Logger
	startTime time.Time
	version   string
	store     store.Store
	leader    Leadership
	trigger   Triggerer     // optional; /jobs/{id}/trigger answers 503 without it
	canceller Canceller     // optional
	logs      LogReader     // optional
	gateway   http.Handler  // optional; agent websocket endpoint
	tokens    TokenIssuer   // optional; internal token endpoint
	limiter   *rate.Limiter // token issuance limit
	loopback  func(string) bool
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithTriggerer sets the event task generator used by /jobs/{id}/trigger.
func WithTriggerer(t Triggerer) Option {
	return func(s *Server) {
		s.trigger = t
	}
}

// WithCanceller sets the instance canceller.
func WithCanceller(c Canceller) Option {
	return func(s *Server) {
		s.canceller = c
	}
}

// WithLogReader sets the task log reader.
func WithLogReader(l LogReader) Option {
	return func(s *Server) {
		s.logs = l
	}
}

// WithGateway mounts the agent gateway at /api/v1/gateway/ws.
func WithGateway(h http.Handler) Option {
	return func(s *Server) {
		s.gateway = h
	}
}

// WithTokenIssuer enables the internal token endpoint, allowing ratePerMin
// issuances per minute with the given burst.
func WithTokenIssuer(t TokenIssuer, ratePerMin, burst int) Option {
	return func(s *Server) {
		s.tokens = t
		if ratePerMin > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(float64(ratePerMin)/60), max(burst, 1))
		}
	}
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New creates a new Server with all routes registered.
func New(st store.Store, leader Leadership, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		internal:  chi.NewRouter(),
		logger:    logger.With("component", "server"),
		startTime: time.Now(),
		version:   "dev",
		store:     st,
		leader:    leader,
		loopback:  isLoopback,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	s.internalRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the public http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// InternalHandler returns the handler for the loopback-only listener.
func (s *Server) InternalHandler() http.Handler {
	return s.internal
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(loggingMiddleware(s.logger))

			if s.gateway != nil {
				r.Handle("/gateway/ws", s.gateway)
			}
			r.Get("/health", s.handleHealth)

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", s.handleListJobs)
				r.Post("/", s.handleCreateJob)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetJob)
					r.Post("/trigger", s.handleTriggerJob)
				})
			})

			r.Route("/schedules", func(r chi.Router) {
				r.Post("/", s.handleCreateSchedule)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetSchedule)
					r.Put("/status", s.handleUpdateScheduleStatus)
				})
			})

			r.Get("/tasks/{id}", s.handleGetTask)

			r.Route("/task-instances/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetInstance)
				r.Post("/cancel", s.handleCancelInstance)
				r.Get("/logs", s.handleGetInstanceLogs)
			})

			r.Get("/agents", s.handleListAgents)
			r.Get("/cluster", s.handleCluster)
		})
	})
}

func (s *Server) internalRoutes() {
	r := s.internal
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger.With("listener", "internal")))
	r.Post("/internal/auth/generate-token", s.handleGenerateToken)
}
