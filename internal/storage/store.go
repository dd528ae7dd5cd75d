// Package storage defines the durable store contract. Postgres is the
// source of truth for job, worker and execution state; the queue's Redis
// structures only carry job ids and can always be rebuilt from here.
package storage

import (
	"context"
	"time"

	"github.com/you/workq/internal/domain"
)

type CreateJobParams struct {
	Payload     []byte
	MaxAttempts int
	RunAt       time.Time
	Delayed     bool
}

type JobFilter struct {
	States []domain.State
	Since  time.Time
	Limit  int
}

type Store interface {
	CreateJob(ctx context.Context, p CreateJobParams) (*domain.Job, error)
	Job(ctx context.Context, id string) (*domain.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]*domain.Job, error)

	// ClaimJob is the single atomic step that moves a waiting job to
	// active under a lease held by workerID. Losing the race returns
	// ErrLeaseExpired.
	ClaimJob(ctx context.Context, id, workerID string, until time.Time) (*domain.Job, error)
	CompleteJob(ctx context.Context, id, workerID string) (*domain.Job, error)
	FailJob(ctx context.Context, id, workerID, cause string) (*domain.Job, error)
	// RescheduleJob moves an active job to delayed for a retry at runAt.
	RescheduleJob(ctx context.Context, id, workerID string, runAt time.Time, cause string) (*domain.Job, error)
	ExtendLease(ctx context.Context, id, workerID string, until time.Time) error

	// ExpiredLeases lists active jobs whose lease lapsed before now.
	ExpiredLeases(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)
	// ReapJob reclaims one expired active job: attempts+1, then waiting —
	// or failed when attempts are exhausted.
	ReapJob(ctx context.Context, id string, now time.Time, cause string) (*domain.Job, error)
	// RevokeLease is ReapJob without the expiry condition, used when the
	// leaseholder is known dead.
	RevokeLease(ctx context.Context, id, workerID, cause string) (*domain.Job, error)

	// PromoteDue flips due delayed jobs to waiting and returns them.
	PromoteDue(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error)
	WaitingJobIDs(ctx context.Context, limit int) ([]string, error)

	AppendExecution(ctx context.Context, rec domain.ExecutionRecord) error
	Executions(ctx context.Context, jobID string) ([]domain.ExecutionRecord, error)
	RecentExecutions(ctx context.Context, since time.Time, limit int) ([]domain.ExecutionRecord, error)

	RegisterWorker(ctx context.Context, id string) error
	HeartbeatWorker(ctx context.Context, id string) error
	SetWorkerStatus(ctx context.Context, id string, st domain.WorkerStatus) error
	LiveWorkers(ctx context.Context) ([]*domain.Worker, error)
	// StaleWorkers lists non-dead workers whose last heartbeat predates cutoff.
	StaleWorkers(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Worker, error)
	JobsLeasedBy(ctx context.Context, workerID string, limit int) ([]*domain.Job, error)

	StateCounts(ctx context.Context) (map[domain.State]int, error)
	Ping(ctx context.Context) error
}
