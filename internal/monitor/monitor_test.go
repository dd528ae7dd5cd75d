package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/you/workq/internal/domain"
	"github.com/you/workq/internal/storage"
	"github.com/you/workq/internal/storage/memory"
)

func TestDepthsZeroFilled(t *testing.T) {
	store := memory.New()
	m := New(store)
	ctx := context.Background()

	store.CreateJob(ctx, storage.CreateJobParams{Payload: []byte("a"), MaxAttempts: 3})
	store.CreateJob(ctx, storage.CreateJobParams{Payload: []byte("b"), MaxAttempts: 3})

	depths, err := m.Depths(ctx)
	if err != nil {
		t.Fatalf("depths: %v", err)
	}
	if depths[domain.Waiting] != 2 {
		t.Errorf("waiting = %d, want 2", depths[domain.Waiting])
	}
	for _, st := range []domain.State{domain.Delayed, domain.Active, domain.Completed, domain.Failed} {
		if n, ok := depths[st]; !ok || n != 0 {
			t.Errorf("depth[%s] = (%d, %v), want explicit zero", st, n, ok)
		}
	}
}

func TestJobHistoryUnknownJob(t *testing.T) {
	m := New(memory.New())
	_, err := m.JobHistory(context.Background(), "nope")
	if err != domain.ErrJobNotFound {
		t.Fatalf("err = %v, want ErrJobNotFound", err)
	}
}

func TestRecentExecutionsWindow(t *testing.T) {
	store := memory.New()
	m := New(store)
	ctx := context.Background()

	j, _ := store.CreateJob(ctx, storage.CreateJobParams{Payload: []byte("a"), MaxAttempts: 3})
	now := time.Now().UTC()
	for i := 1; i <= 3; i++ {
		store.AppendExecution(ctx, domain.ExecutionRecord{
			JobID:      j.ID,
			Attempt:    i,
			WorkerID:   "w1",
			StartedAt:  now.Add(time.Duration(-i) * time.Hour),
			FinishedAt: now.Add(time.Duration(-i) * time.Hour),
			Outcome:    domain.OutcomeFailure,
		})
	}

	recs, err := m.RecentExecutions(ctx, now.Add(-90*time.Minute), 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(recs) != 1 || recs[0].Attempt != 1 {
		t.Fatalf("recs = %+v, want only the execution inside the window", recs)
	}
}
