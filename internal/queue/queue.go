// Package queue implements the job-dispatch engine: durable enqueue,
// linearizable claim under a lease, ack/nack with retry backoff, delayed
// promotion and lease reaping.
package queue

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/you/workq/internal/backoff"
	"github.com/you/workq/internal/domain"
	"github.com/you/workq/internal/storage"
)

type Queue struct {
	store              storage.Store
	broker             Broker
	backoff            backoff.Strategy
	logger             *zap.Logger
	claimAttempts      int
	defaultMaxAttempts int
}

type Option func(*Queue)

func WithBackoff(s backoff.Strategy) Option {
	return func(q *Queue) { q.backoff = s }
}

func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// WithClaimAttempts bounds how many stale broker entries one Claim call
// will chew through before giving up.
func WithClaimAttempts(n int) Option {
	return func(q *Queue) { q.claimAttempts = n }
}

// WithDefaultMaxAttempts sets the max_attempts applied when an enqueue
// request doesn't specify one.
func WithDefaultMaxAttempts(n int) Option {
	return func(q *Queue) { q.defaultMaxAttempts = n }
}

func New(store storage.Store, broker Broker, opts ...Option) *Queue {
	q := &Queue{
		store:              store,
		broker:             broker,
		backoff:            backoff.Default(),
		logger:             zap.NewNop(),
		claimAttempts:      8,
		defaultMaxAttempts: 3,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

type EnqueueOptions struct {
	MaxAttempts int
	Delay       time.Duration
}

// Enqueue persists a job and makes it dispatchable, immediately or after
// the delay. The store write happens first so a broker hiccup can only
// delay dispatch (Reconcile repairs it), never lose the job.
func (q *Queue) Enqueue(ctx context.Context, payload []byte, opts EnqueueOptions) (*domain.Job, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = q.defaultMaxAttempts
	}
	p := storage.CreateJobParams{
		Payload:     payload,
		MaxAttempts: opts.MaxAttempts,
	}
	if opts.Delay > 0 {
		p.Delayed = true
		p.RunAt = time.Now().UTC().Add(opts.Delay)
	}
	j, err := q.store.CreateJob(ctx, p)
	if err != nil {
		return nil, err
	}
	if j.State == domain.Delayed {
		err = q.broker.Delay(ctx, j.ID, j.RunAt)
	} else {
		err = q.broker.Push(ctx, j.ID)
	}
	if err != nil {
		q.logger.Warn("broker push failed, job awaits reconcile",
			zap.String("job_id", j.ID), zap.Error(err))
	}
	q.logger.Info("job enqueued",
		zap.String("job_id", j.ID),
		zap.String("state", string(j.State)),
		zap.Int("max_attempts", j.MaxAttempts))
	return j, nil
}

// Claim hands the caller at most one waiting job under a fresh lease.
// The broker pop only nominates a candidate; the store's conditional
// update is the atomic step, so two racing claimers can never both win
// one job. Returns (nil, nil) when nothing is ready.
func (q *Queue) Claim(ctx context.Context, workerID string, lease time.Duration) (*domain.Job, error) {
	for i := 0; i < q.claimAttempts; i++ {
		id, err := q.broker.Pop(ctx, 0)
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, nil
		}
		j, err := q.store.ClaimJob(ctx, id, workerID, time.Now().UTC().Add(lease))
		if errors.Is(err, domain.ErrLeaseExpired) {
			// Stale broker entry: already claimed, rescheduled or
			// terminal. Drop it and keep going.
			continue
		}
		if err != nil {
			return nil, err
		}
		q.logger.Debug("job claimed",
			zap.String("job_id", j.ID),
			zap.String("worker_id", workerID),
			zap.Int("attempt", j.NextAttempt()))
		return j, nil
	}
	return nil, nil
}

// Ack marks the job completed and appends the execution record. NotOwner
// and LeaseExpired come back to the caller; the job itself is untouched
// in those cases.
func (q *Queue) Ack(ctx context.Context, rec domain.ExecutionRecord) error {
	j, err := q.store.CompleteJob(ctx, rec.JobID, rec.WorkerID)
	if err != nil {
		q.logger.Warn("ack rejected",
			zap.String("job_id", rec.JobID),
			zap.String("worker_id", rec.WorkerID),
			zap.Error(err))
		return err
	}
	rec.Attempt = j.Attempts
	if err := q.store.AppendExecution(ctx, rec); err != nil {
		return err
	}
	q.logger.Info("job completed",
		zap.String("job_id", j.ID),
		zap.Int("attempts", j.Attempts))
	return nil
}

// Nack records a failed execution. The job is rescheduled with backoff,
// or moved to failed when this attempt was its last.
func (q *Queue) Nack(ctx context.Context, rec domain.ExecutionRecord) error {
	j, err := q.store.Job(ctx, rec.JobID)
	if err != nil {
		return err
	}
	next := j.NextAttempt()
	if next >= j.MaxAttempts {
		failed, err := q.store.FailJob(ctx, rec.JobID, rec.WorkerID, rec.Detail)
		if err != nil {
			q.logger.Warn("nack rejected",
				zap.String("job_id", rec.JobID),
				zap.String("worker_id", rec.WorkerID),
				zap.Error(err))
			return err
		}
		rec.Attempt = failed.Attempts
		if err := q.store.AppendExecution(ctx, rec); err != nil {
			return err
		}
		q.logger.Warn("job failed terminally",
			zap.String("job_id", j.ID),
			zap.Int("attempts", failed.Attempts),
			zap.String("last_error", rec.Detail))
		return nil
	}

	runAt := time.Now().UTC().Add(q.backoff.Delay(next))
	delayed, err := q.store.RescheduleJob(ctx, rec.JobID, rec.WorkerID, runAt, rec.Detail)
	if err != nil {
		q.logger.Warn("nack rejected",
			zap.String("job_id", rec.JobID),
			zap.String("worker_id", rec.WorkerID),
			zap.Error(err))
		return err
	}
	rec.Attempt = delayed.Attempts
	if err := q.store.AppendExecution(ctx, rec); err != nil {
		return err
	}
	if err := q.broker.Delay(ctx, delayed.ID, runAt); err != nil {
		q.logger.Warn("broker delay failed, job awaits promotion sweep",
			zap.String("job_id", delayed.ID), zap.Error(err))
	}
	q.logger.Info("job rescheduled",
		zap.String("job_id", delayed.ID),
		zap.Int("attempts", delayed.Attempts),
		zap.Time("run_at", runAt))
	return nil
}

func (q *Queue) ExtendLease(ctx context.Context, jobID, workerID string, lease time.Duration) error {
	return q.store.ExtendLease(ctx, jobID, workerID, time.Now().UTC().Add(lease))
}

// MoveDue promotes delayed jobs whose run_at has passed: broker entries
// hop from the delay set to the ready list, and the store flips the
// matching rows to waiting.
func (q *Queue) MoveDue(ctx context.Context, now time.Time, batch int) (int, error) {
	if _, err := q.broker.MoveDue(ctx, now, int64(batch)); err != nil {
		return 0, err
	}
	jobs, err := q.store.PromoteDue(ctx, now, batch)
	if err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// Reconcile re-pushes waiting jobs onto the ready list. Duplicates are
// harmless (the claim CAS discards stale entries), so this doubles as
// both drift repair and ready-list recovery after a broker restart.
func (q *Queue) Reconcile(ctx context.Context, limit int) (int, error) {
	ids, err := q.store.WaitingJobIDs(ctx, limit)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := q.broker.Push(ctx, ids...); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// ReapExpired reclaims active jobs whose lease lapsed: attempts
// increments once, the job returns to waiting (or fails terminally), and
// a timeout record marks the abandoned attempt.
func (q *Queue) ReapExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	jobs, err := q.store.ExpiredLeases(ctx, now, limit)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, old := range jobs {
		j, err := q.store.ReapJob(ctx, old.ID, now, "lease expired")
		if errors.Is(err, domain.ErrLeaseExpired) {
			continue // another reaper got there first
		}
		if err != nil {
			return reaped, err
		}
		q.recordReclaim(ctx, old, j, now, "lease expired; job reclaimed")
		reaped++
	}
	return reaped, nil
}

// RevokeWorker immediately reclaims every job leased by a dead worker
// instead of waiting out the lease.
func (q *Queue) RevokeWorker(ctx context.Context, workerID string) (int, error) {
	jobs, err := q.store.JobsLeasedBy(ctx, workerID, 1000)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	revoked := 0
	for _, old := range jobs {
		j, err := q.store.RevokeLease(ctx, old.ID, workerID, "worker dead")
		if errors.Is(err, domain.ErrLeaseExpired) {
			continue
		}
		if err != nil {
			return revoked, err
		}
		q.recordReclaim(ctx, old, j, now, "worker dead; lease revoked")
		revoked++
	}
	return revoked, nil
}

func (q *Queue) recordReclaim(ctx context.Context, old, j *domain.Job, now time.Time, detail string) {
	workerID := ""
	if old.LeasedBy != nil {
		workerID = *old.LeasedBy
	}
	rec := domain.ExecutionRecord{
		JobID:      j.ID,
		Attempt:    j.Attempts,
		WorkerID:   workerID,
		StartedAt:  old.UpdatedAt,
		FinishedAt: now,
		Outcome:    domain.OutcomeTimeout,
		Detail:     detail,
	}
	if err := q.store.AppendExecution(ctx, rec); err != nil {
		q.logger.Warn("reclaim record append failed",
			zap.String("job_id", j.ID), zap.Error(err))
	}
	if j.State == domain.Waiting {
		if err := q.broker.Push(ctx, j.ID); err != nil {
			q.logger.Warn("broker push failed, job awaits reconcile",
				zap.String("job_id", j.ID), zap.Error(err))
		}
	}
	q.logger.Info("lease reclaimed",
		zap.String("job_id", j.ID),
		zap.String("worker_id", workerID),
		zap.Int("attempts", j.Attempts),
		zap.String("state", string(j.State)))
}

func (q *Queue) Ping(ctx context.Context) error { return q.broker.Ping(ctx) }
