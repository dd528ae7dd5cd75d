package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/you/workq/internal/domain"
)

func testJob() *domain.Job {
	return &domain.Job{ID: "j1", Attempts: 1, MaxAttempts: 3, Payload: []byte("x")}
}

func TestRunSuccess(t *testing.T) {
	s := New(time.Second, 100*time.Millisecond, zap.NewNop())
	rec := s.Run(context.Background(), testJob(), "w1", func(context.Context, *domain.Job) error {
		return nil
	})
	if rec.Outcome != domain.OutcomeSuccess {
		t.Fatalf("outcome = %s, want success", rec.Outcome)
	}
	if rec.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", rec.Attempt)
	}
	if rec.JobID != "j1" || rec.WorkerID != "w1" {
		t.Fatalf("record identity wrong: %+v", rec)
	}
	if rec.FinishedAt.Before(rec.StartedAt) {
		t.Fatalf("finished %v before started %v", rec.FinishedAt, rec.StartedAt)
	}
}

func TestRunFailure(t *testing.T) {
	s := New(time.Second, 100*time.Millisecond, zap.NewNop())
	rec := s.Run(context.Background(), testJob(), "w1", func(context.Context, *domain.Job) error {
		return errors.New("boom")
	})
	if rec.Outcome != domain.OutcomeFailure {
		t.Fatalf("outcome = %s, want failure", rec.Outcome)
	}
	if rec.Detail != "boom" {
		t.Fatalf("detail = %q, want boom", rec.Detail)
	}
}

// A handler that honours cancellation is classified timeout as soon as
// it returns the context error.
func TestRunCooperativeTimeout(t *testing.T) {
	s := New(20*time.Millisecond, time.Second, zap.NewNop())
	start := time.Now()
	rec := s.Run(context.Background(), testJob(), "w1", func(ctx context.Context, _ *domain.Job) error {
		<-ctx.Done()
		return ctx.Err()
	})
	if rec.Outcome != domain.OutcomeTimeout {
		t.Fatalf("outcome = %s, want timeout", rec.Outcome)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("took %v, cooperative cancel should return well before the grace period", elapsed)
	}
}

// A handler that ignores cancellation is abandoned after the grace
// period; Run returns without waiting for it.
func TestRunAbandonsStuckHandler(t *testing.T) {
	s := New(20*time.Millisecond, 30*time.Millisecond, zap.NewNop())
	release := make(chan struct{})
	defer close(release)

	start := time.Now()
	rec := s.Run(context.Background(), testJob(), "w1", func(context.Context, *domain.Job) error {
		<-release
		return nil
	})
	if rec.Outcome != domain.OutcomeTimeout {
		t.Fatalf("outcome = %s, want timeout", rec.Outcome)
	}
	if rec.Detail != "execution abandoned after grace period" {
		t.Fatalf("detail = %q", rec.Detail)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Run blocked %v on a stuck handler", elapsed)
	}
}
