// Package memory is an in-process Store used by tests and dev mode. It
// mirrors the Postgres implementation's transition semantics exactly,
// including the single-statement claim CAS.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/you/workq/internal/domain"
	"github.com/you/workq/internal/storage"
)

type Store struct {
	mu         sync.Mutex
	jobs       map[string]*domain.Job
	executions map[string][]domain.ExecutionRecord
	workers    map[string]*domain.Worker
	order      []string // job ids in creation order
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		jobs:       make(map[string]*domain.Job),
		executions: make(map[string][]domain.ExecutionRecord),
		workers:    make(map[string]*domain.Worker),
	}
}

func (s *Store) CreateJob(_ context.Context, p storage.CreateJobParams) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	state := domain.Waiting
	if p.Delayed {
		state = domain.Delayed
	}
	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = now
	}
	j := &domain.Job{
		ID:          uuid.NewString(),
		Payload:     append([]byte(nil), p.Payload...),
		State:       state,
		MaxAttempts: p.MaxAttempts,
		EnqueuedAt:  now,
		RunAt:       runAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	s.order = append(s.order, j.ID)
	return copyJob(j), nil
}

func (s *Store) Job(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return copyJob(j), nil
}

func (s *Store) ListJobs(_ context.Context, f storage.JobFilter) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for i := len(s.order) - 1; i >= 0; i-- {
		j := s.jobs[s.order[i]]
		if len(f.States) > 0 && !stateIn(j.State, f.States) {
			continue
		}
		if !f.Since.IsZero() && j.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, copyJob(j))
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ClaimJob(_ context.Context, id, workerID string, until time.Time) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.State != domain.Waiting {
		return nil, domain.ErrLeaseExpired
	}
	j.State = domain.Active
	j.LeasedBy = &workerID
	u := until
	j.LeaseExpiresAt = &u
	j.UpdatedAt = time.Now().UTC()
	return copyJob(j), nil
}

func (s *Store) CompleteJob(_ context.Context, id, workerID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.held(id, workerID)
	if err != nil {
		return nil, err
	}
	j.State = domain.Completed
	j.Attempts++
	s.clearLease(j)
	return copyJob(j), nil
}

func (s *Store) FailJob(_ context.Context, id, workerID, cause string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.held(id, workerID)
	if err != nil {
		return nil, err
	}
	j.State = domain.Failed
	j.Attempts++
	j.LastError = &cause
	s.clearLease(j)
	return copyJob(j), nil
}

func (s *Store) RescheduleJob(_ context.Context, id, workerID string, runAt time.Time, cause string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.held(id, workerID)
	if err != nil {
		return nil, err
	}
	j.State = domain.Delayed
	j.Attempts++
	j.RunAt = runAt
	j.LastError = &cause
	s.clearLease(j)
	return copyJob(j), nil
}

func (s *Store) ExtendLease(_ context.Context, id, workerID string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.held(id, workerID)
	if err != nil {
		return err
	}
	u := until
	j.LeaseExpiresAt = &u
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// held returns the job iff workerID holds a valid lease on it.
func (s *Store) held(id, workerID string) (*domain.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	switch {
	case j.State.Terminal():
		return nil, domain.ErrTerminalState
	case j.LeasedBy == nil || *j.LeasedBy != workerID:
		return nil, domain.ErrNotOwner
	case j.LeaseExpiresAt == nil || j.LeaseExpiresAt.Before(time.Now()):
		return nil, domain.ErrLeaseExpired
	}
	return j, nil
}

func (s *Store) clearLease(j *domain.Job) {
	j.LeasedBy = nil
	j.LeaseExpiresAt = nil
	j.UpdatedAt = time.Now().UTC()
}

func (s *Store) ExpiredLeases(_ context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, id := range s.order {
		j := s.jobs[id]
		if j.State == domain.Active && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) {
			out = append(out, copyJob(j))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) ReapJob(_ context.Context, id string, now time.Time, cause string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.State != domain.Active || j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.Before(now) {
		return nil, domain.ErrLeaseExpired
	}
	s.reclaim(j, cause)
	return copyJob(j), nil
}

func (s *Store) RevokeLease(_ context.Context, id, workerID, cause string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.State != domain.Active || j.LeasedBy == nil || *j.LeasedBy != workerID {
		return nil, domain.ErrLeaseExpired
	}
	s.reclaim(j, cause)
	return copyJob(j), nil
}

func (s *Store) reclaim(j *domain.Job, cause string) {
	j.Attempts++
	if j.Attempts >= j.MaxAttempts {
		j.State = domain.Failed
	} else {
		j.State = domain.Waiting
	}
	j.LastError = &cause
	s.clearLease(j)
}

func (s *Store) PromoteDue(_ context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, id := range s.order {
		j := s.jobs[id]
		if j.State == domain.Delayed && !j.RunAt.After(now) {
			j.State = domain.Waiting
			j.UpdatedAt = time.Now().UTC()
			out = append(out, copyJob(j))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) WaitingJobIDs(_ context.Context, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, id := range s.order {
		if s.jobs[id].State == domain.Waiting {
			ids = append(ids, id)
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
	}
	return ids, nil
}

func (s *Store) AppendExecution(_ context.Context, rec domain.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.executions[rec.JobID] {
		if r.Attempt == rec.Attempt {
			return fmt.Errorf("memory: duplicate execution record (%s, %d)", rec.JobID, rec.Attempt)
		}
	}
	s.executions[rec.JobID] = append(s.executions[rec.JobID], rec)
	return nil
}

func (s *Store) Executions(_ context.Context, jobID string) ([]domain.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]domain.ExecutionRecord(nil), s.executions[jobID]...)
	sort.Slice(out, func(i, k int) bool { return out[i].Attempt < out[k].Attempt })
	return out, nil
}

func (s *Store) RecentExecutions(_ context.Context, since time.Time, limit int) ([]domain.ExecutionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.ExecutionRecord
	for _, recs := range s.executions {
		for _, r := range recs {
			if !r.FinishedAt.Before(since) {
				out = append(out, r)
			}
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].FinishedAt.After(out[k].FinishedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) RegisterWorker(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if w, ok := s.workers[id]; ok {
		w.Status = domain.WorkerIdle
		w.LastHeartbeatAt = now
		return nil
	}
	s.workers[id] = &domain.Worker{
		ID:              id,
		Status:          domain.WorkerIdle,
		RegisteredAt:    now,
		LastHeartbeatAt: now,
	}
	return nil
}

func (s *Store) HeartbeatWorker(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return domain.ErrUnknownWorker
	}
	w.LastHeartbeatAt = time.Now().UTC()
	if w.Status == domain.WorkerDead {
		w.Status = domain.WorkerIdle
	}
	return nil
}

func (s *Store) SetWorkerStatus(_ context.Context, id string, st domain.WorkerStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return domain.ErrUnknownWorker
	}
	w.Status = st
	return nil
}

func (s *Store) LiveWorkers(_ context.Context) ([]*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Worker
	for _, w := range s.workers {
		if w.Status != domain.WorkerDead {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].RegisteredAt.Before(out[k].RegisteredAt) })
	return out, nil
}

func (s *Store) StaleWorkers(_ context.Context, cutoff time.Time, limit int) ([]*domain.Worker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Worker
	for _, w := range s.workers {
		if w.Status != domain.WorkerDead && w.LastHeartbeatAt.Before(cutoff) {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].LastHeartbeatAt.Before(out[k].LastHeartbeatAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) JobsLeasedBy(_ context.Context, workerID string, limit int) ([]*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, id := range s.order {
		j := s.jobs[id]
		if j.State == domain.Active && j.LeasedBy != nil && *j.LeasedBy == workerID {
			out = append(out, copyJob(j))
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *Store) StateCounts(_ context.Context) (map[domain.State]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[domain.State]int)
	for _, j := range s.jobs {
		counts[j.State]++
	}
	return counts, nil
}

func (s *Store) Ping(_ context.Context) error { return nil }

func copyJob(j *domain.Job) *domain.Job {
	cp := *j
	cp.Payload = append([]byte(nil), j.Payload...)
	if j.LeasedBy != nil {
		v := *j.LeasedBy
		cp.LeasedBy = &v
	}
	if j.LeaseExpiresAt != nil {
		v := *j.LeaseExpiresAt
		cp.LeaseExpiresAt = &v
	}
	if j.LastError != nil {
		v := *j.LastError
		cp.LastError = &v
	}
	return &cp
}

func stateIn(st domain.State, states []domain.State) bool {
	for _, s := range states {
		if s == st {
			return true
		}
	}
	return false
}
