// Package supervisor runs a single job attempt under a deadline and
// classifies the outcome. Cancellation is cooperative: on timeout the
// handler's context is cancelled and the supervisor waits out a grace
// period before abandoning the attempt's bookkeeping.
package supervisor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/you/workq/internal/domain"
)

// Handler executes one job attempt. It must honour ctx cancellation; a
// handler that ignores it keeps running externally after the supervisor
// has stopped crediting it.
type Handler func(ctx context.Context, j *domain.Job) error

type Supervisor struct {
	timeout time.Duration
	grace   time.Duration
	logger  *zap.Logger
}

func New(timeout, grace time.Duration, logger *zap.Logger) *Supervisor {
	return &Supervisor{timeout: timeout, grace: grace, logger: logger}
}

// Run executes one attempt and returns its ExecutionRecord. The record's
// Attempt is the ordinal of this execution (job attempts + 1).
func (s *Supervisor) Run(ctx context.Context, j *domain.Job, workerID string, h Handler) domain.ExecutionRecord {
	started := time.Now().UTC()
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- h(cctx, j) }()

	var outcome domain.Outcome
	var detail string
	select {
	case err := <-done:
		outcome, detail = classify(err)
	case <-cctx.Done():
		// Deadline hit: the handler has been signalled; give it the
		// grace period to unwind.
		select {
		case err := <-done:
			outcome, detail = classify(err)
		case <-time.After(s.grace):
			outcome = domain.OutcomeTimeout
			detail = "execution abandoned after grace period"
			s.logger.Warn("execution abandoned",
				zap.String("job_id", j.ID),
				zap.String("worker_id", workerID),
				zap.Duration("timeout", s.timeout),
				zap.Duration("grace", s.grace))
		}
	}

	rec := domain.ExecutionRecord{
		JobID:      j.ID,
		Attempt:    j.NextAttempt(),
		WorkerID:   workerID,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
		Outcome:    outcome,
		Detail:     detail,
	}
	s.logger.Debug("execution finished",
		zap.String("job_id", j.ID),
		zap.String("worker_id", workerID),
		zap.Int("attempt", rec.Attempt),
		zap.String("outcome", string(outcome)))
	return rec
}

func classify(err error) (domain.Outcome, string) {
	switch {
	case err == nil:
		return domain.OutcomeSuccess, ""
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return domain.OutcomeTimeout, "execution deadline exceeded"
	default:
		return domain.OutcomeFailure, err.Error()
	}
}
