package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/you/workq/internal/coordinator"
	"github.com/you/workq/internal/domain"
	"github.com/you/workq/internal/queue"
	"github.com/you/workq/internal/storage/memory"
	"github.com/you/workq/internal/supervisor"
)

func setupPool(t *testing.T, handler supervisor.Handler, opts ...Option) (*Pool, *queue.Queue, *memory.Store) {
	t.Helper()
	store := memory.New()
	q := queue.New(store, queue.NewMemBroker())
	coord := coordinator.New(store, q, 15*time.Second, zap.NewNop())
	sup := supervisor.New(time.Second, 100*time.Millisecond, zap.NewNop())
	base := []Option{
		WithSlots(2),
		WithLease(time.Minute),
		WithPollInterval(10 * time.Millisecond),
		WithClaimRate(1000),
	}
	p := New(q, coord, sup, handler, zap.NewNop(), append(base, opts...)...)
	return p, q, store
}

func waitForState(t *testing.T, store *memory.Store, jobID string, want domain.State) *domain.Job {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		j, err := store.Job(context.Background(), jobID)
		if err != nil {
			t.Fatalf("load job: %v", err)
		}
		if j.State == want {
			return j
		}
		select {
		case <-deadline:
			t.Fatalf("job %s stuck in %s, want %s", jobID, j.State, want)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPoolProcessesJob(t *testing.T) {
	seen := make(chan []byte, 1)
	p, q, store := setupPool(t, func(_ context.Context, j *domain.Job) error {
		seen <- j.Payload
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	j, err := q.Enqueue(ctx, []byte("hello"), queue.EnqueueOptions{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case payload := <-seen:
		if string(payload) != "hello" {
			t.Errorf("payload = %q, want hello", payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}

	got := waitForState(t, store, j.ID, domain.Completed)
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("pool run returned %v", err)
	}
}

func TestPoolFailureGoesTerminal(t *testing.T) {
	p, q, store := setupPool(t, func(context.Context, *domain.Job) error {
		return errors.New("always broken")
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	j, _ := q.Enqueue(ctx, []byte("x"), queue.EnqueueOptions{MaxAttempts: 1})
	got := waitForState(t, store, j.ID, domain.Failed)
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", got.Attempts)
	}
	if got.LastError == nil || *got.LastError != "always broken" {
		t.Errorf("last_error = %v, want always broken", got.LastError)
	}
	recs, _ := store.Executions(ctx, j.ID)
	if len(recs) != 1 || recs[0].Outcome != domain.OutcomeFailure {
		t.Errorf("records = %+v, want one failure", recs)
	}
}

func TestPoolRegistersSlots(t *testing.T) {
	p, _, store := setupPool(t, func(context.Context, *domain.Job) error { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		live, _ := store.LiveWorkers(ctx)
		if len(live) == 2 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("live workers = %d, want 2", len(live))
		case <-time.After(10 * time.Millisecond):
		}
	}
}
