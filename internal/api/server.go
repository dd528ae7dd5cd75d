// Package api exposes the engine over HTTP: job submission and status,
// the worker protocol (register, heartbeat, lease, complete, fail) and
// the monitor's read-only queries.
package api

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/you/workq/internal/coordinator"
	"github.com/you/workq/internal/monitor"
	"github.com/you/workq/internal/queue"
	"github.com/you/workq/internal/storage"
)

type Server struct {
	store        storage.Store
	queue        *queue.Queue
	coord        *coordinator.Coordinator
	monitor      *monitor.Monitor
	logger       *zap.Logger
	defaultLease time.Duration
	ready        atomic.Bool
}

func NewServer(store storage.Store, q *queue.Queue, coord *coordinator.Coordinator,
	mon *monitor.Monitor, defaultLease time.Duration, logger *zap.Logger) *Server {
	s := &Server{
		store:        store,
		queue:        q,
		coord:        coord,
		monitor:      mon,
		logger:       logger,
		defaultLease: defaultLease,
	}
	s.ready.Store(true)
	return s
}

// SetReady flips the readiness probe; set false to drain before shutdown.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(s.requestLogger)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs/{id}", s.handleJobStatus)
		r.Get("/jobs/{id}/executions", s.handleJobHistory)

		r.Post("/workers/register", s.handleRegister)
		r.Post("/workers/{id}/heartbeat", s.handleHeartbeat)
		r.Get("/workers", s.handleWorkers)

		r.Post("/lease", s.handleLease)
		r.Post("/lease/{id}/extend", s.handleExtend)
		r.Post("/complete", s.handleComplete)
		r.Post("/fail", s.handleFail)

		r.Get("/stats", s.handleStats)
		r.Get("/executions", s.handleRecentExecutions)
	})

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}
