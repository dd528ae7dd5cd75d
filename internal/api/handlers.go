package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/you/workq/internal/coordinator"
	"github.com/you/workq/internal/domain"
	"github.com/you/workq/internal/queue"
)

type enqueueRequest struct {
	Payload      json.RawMessage `json:"payload"`
	MaxAttempts  int             `json:"max_attempts,omitempty"`
	DelaySeconds int             `json:"delay_seconds,omitempty"`
}

type jobView struct {
	ID          string     `json:"id"`
	State       string     `json:"state"`
	Payload     []byte     `json:"payload,omitempty"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	RunAt       time.Time  `json:"run_at"`
	LeasedBy    *string    `json:"leased_by,omitempty"`
	LeaseExpiry *time.Time `json:"lease_expires_at,omitempty"`
	LastError   *string    `json:"last_error,omitempty"`
}

func viewOf(j *domain.Job, withPayload bool) jobView {
	v := jobView{
		ID:          j.ID,
		State:       string(j.State),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		EnqueuedAt:  j.EnqueuedAt,
		RunAt:       j.RunAt,
		LeasedBy:    j.LeasedBy,
		LeaseExpiry: j.LeaseExpiresAt,
		LastError:   j.LastError,
	}
	if withPayload {
		v.Payload = j.Payload
	}
	return v
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if len(req.Payload) == 0 {
		http.Error(w, "payload required", http.StatusBadRequest)
		return
	}
	j, err := s.queue.Enqueue(r.Context(), req.Payload, queue.EnqueueOptions{
		MaxAttempts: req.MaxAttempts,
		Delay:       time.Duration(req.DelaySeconds) * time.Second,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusCreated, map[string]string{"id": j.ID})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	j, err := s.store.Job(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, viewOf(j, false))
}

func (s *Server) handleJobHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := s.monitor.JobHistory(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, recs)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID string `json:"worker_id,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
	}
	if req.WorkerID == "" {
		req.WorkerID = coordinator.NewWorkerID()
	}
	if err := s.coord.Register(r.Context(), req.WorkerID); err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]string{"worker_id": req.WorkerID})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Heartbeat(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	live, err := s.coord.LiveWorkers(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, live)
}

func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID     string `json:"worker_id"`
		LeaseSeconds int    `json:"lease_seconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		http.Error(w, "worker_id required", http.StatusBadRequest)
		return
	}
	lease := s.defaultLease
	if req.LeaseSeconds > 0 {
		lease = time.Duration(req.LeaseSeconds) * time.Second
	}
	j, err := s.queue.Claim(r.Context(), req.WorkerID, lease)
	if err != nil {
		s.fail(w, err)
		return
	}
	if j == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.respond(w, http.StatusOK, viewOf(j, true))
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID     string `json:"worker_id"`
		LeaseSeconds int    `json:"lease_seconds,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" {
		http.Error(w, "worker_id required", http.StatusBadRequest)
		return
	}
	lease := s.defaultLease
	if req.LeaseSeconds > 0 {
		lease = time.Duration(req.LeaseSeconds) * time.Second
	}
	if err := s.queue.ExtendLease(r.Context(), chi.URLParam(r, "id"), req.WorkerID, lease); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resultRequest struct {
	JobID     string    `json:"job_id"`
	WorkerID  string    `json:"worker_id"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timeout   bool      `json:"timeout,omitempty"`
}

func (req *resultRequest) record(outcome domain.Outcome) domain.ExecutionRecord {
	started := req.StartedAt
	if started.IsZero() {
		started = time.Now().UTC()
	}
	return domain.ExecutionRecord{
		JobID:      req.JobID,
		WorkerID:   req.WorkerID,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
		Outcome:    outcome,
		Detail:     req.Error,
	}
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" || req.WorkerID == "" {
		http.Error(w, "job_id and worker_id required", http.StatusBadRequest)
		return
	}
	if err := s.queue.Ack(r.Context(), req.record(domain.OutcomeSuccess)); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" || req.WorkerID == "" {
		http.Error(w, "job_id and worker_id required", http.StatusBadRequest)
		return
	}
	outcome := domain.OutcomeFailure
	if req.Timeout {
		outcome = domain.OutcomeTimeout
	}
	if err := s.queue.Nack(r.Context(), req.record(outcome)); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	depths, err := s.monitor.Depths(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	live, err := s.monitor.LiveWorkers(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, map[string]any{
		"depths":       depths,
		"live_workers": len(live),
	})
}

func (s *Server) handleRecentExecutions(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		since = t
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	recs, err := s.monitor.RecentExecutions(r.Context(), since, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respond(w, http.StatusOK, recs)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		http.Error(w, "store unreachable", http.StatusServiceUnavailable)
		return
	}
	if err := s.queue.Ping(r.Context()); err != nil {
		http.Error(w, "broker unreachable", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReadyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) respond(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound), errors.Is(err, domain.ErrUnknownWorker):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrNotOwner), errors.Is(err, domain.ErrLeaseExpired),
		errors.Is(err, domain.ErrTerminalState):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.logger.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
