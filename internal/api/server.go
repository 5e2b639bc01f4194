package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/roster-harvester/internal/harvest"
	"github.com/JakeFAU/roster-harvester/internal/jobs"
	"github.com/JakeFAU/roster-harvester/internal/metrics"
)

// JobService is the job machine surface the API drives.
type JobService interface {
	Create(ctx context.Context, newJob jobs.NewJob) (harvest.Job, error)
	Launch(ctx context.Context, jobID string) (harvest.Job, error)
	Pause(ctx context.Context, jobID string) (harvest.Job, error)
	Resume(ctx context.Context, jobID string) (harvest.Job, error)
	GetProgress(ctx context.Context, jobID string) (harvest.Progress, error)
	GetResults(ctx context.Context, jobID string, filter harvest.ResultFilter) (harvest.ResultPage, error)
}

// JobLister pages through stored jobs, newest first.
type JobLister interface {
	ListJobs(ctx context.Context, limit, offset int) ([]harvest.Job, error)
}

// AccountStore registers accounts.
type AccountStore interface {
	PutAccount(ctx context.Context, account harvest.Account) error
	GetAccount(ctx context.Context, accountID string) (harvest.Account, error)
}

// Reconnector clears an account's expired state.
type Reconnector interface {
	Reconnect(ctx context.Context, accountID string) error
}

// ReadyFunc reports whether a downstream dependency is usable.
type ReadyFunc func(ctx context.Context) error

// Deps are the server's collaborators. Lister, Accounts, Guard and Ready are optional.
type Deps struct {
	Jobs     JobService
	Lister   JobLister
	Accounts AccountStore
	Guard    Reconnector
	Ready    ReadyFunc
	Clock    harvest.Clock
}

// Options tunes the server.
type Options struct {
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the job machine and stores.
type Server struct {
	router   chi.Router
	jobs     JobService
	lister   JobLister
	accounts AccountStore
	guard    Reconnector
	ready    ReadyFunc
	clock    harvest.Clock
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		jobs:     deps.Jobs,
		lister:   deps.Lister,
		accounts: deps.Accounts,
		guard:    deps.Guard,
		ready:    deps.Ready,
		clock:    deps.Clock,
		logger:   logger.Named("api"),
	}

	metrics.Init()
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(opts.RequestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getProgress)
				r.Post("/launch", s.launchJob)
				r.Post("/pause", s.pauseJob)
				r.Post("/resume", s.resumeJob)
				r.Get("/results", s.getResults)
			})
		})
		r.Route("/accounts/{account_id}", func(r chi.Router) {
			r.Put("/", s.putAccount)
			r.Get("/", s.getAccount)
			r.Post("/reconnect", s.reconnectAccount)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

type errorBody struct {
	Error string            `json:"error"`
	Code  harvest.ErrorCode `json:"code,omitempty"`
	Hint  string            `json:"hint,omitempty"`
}
