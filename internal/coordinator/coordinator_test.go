package coordinator

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/you/workq/internal/domain"
	"github.com/you/workq/internal/queue"
	"github.com/you/workq/internal/storage/memory"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *queue.Queue, *memory.Store) {
	t.Helper()
	store := memory.New()
	q := queue.New(store, queue.NewMemBroker())
	c := New(store, q, 15*time.Second, zap.NewNop())
	return c, q, store
}

func TestRegisterAndHeartbeat(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	id := NewWorkerID()
	if err := c.Register(ctx, id); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := c.Heartbeat(ctx, id); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	live, err := c.LiveWorkers(ctx)
	if err != nil || len(live) != 1 || live[0].ID != id {
		t.Fatalf("live workers = (%v, %v), want the registered worker", live, err)
	}
}

func TestHeartbeatUnknownWorker(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	err := c.Heartbeat(context.Background(), "worker-nope")
	if err != domain.ErrUnknownWorker {
		t.Fatalf("heartbeat unknown = %v, want ErrUnknownWorker", err)
	}
}

// One worker stops heartbeating: after the liveness window it is marked
// dead and the job it held becomes claimable without waiting out the
// lease.
func TestSweepDeadRevokesLeases(t *testing.T) {
	c, q, store := newTestCoordinator(t)
	ctx := context.Background()

	// Liveness window is 15s (3 x 5s heartbeat interval).
	id := NewWorkerID()
	c.Register(ctx, id)

	j, _ := q.Enqueue(ctx, []byte("x"), queue.EnqueueOptions{MaxAttempts: 3})
	claimed, _ := q.Claim(ctx, id, time.Hour)
	if claimed == nil {
		t.Fatal("claim failed")
	}

	// Just inside the window: the last heartbeat still counts.
	n, err := c.SweepDead(ctx, time.Now().Add(14*time.Second), 100)
	if err != nil || n != 0 {
		t.Fatalf("sweep inside window = (%d, %v), want (0, nil)", n, err)
	}

	// Past the window the worker is dead and its lease revoked, even
	// though the lease itself had an hour left.
	n, err = c.SweepDead(ctx, time.Now().Add(16*time.Second), 100)
	if err != nil || n != 1 {
		t.Fatalf("sweep past window = (%d, %v), want (1, nil)", n, err)
	}

	got, _ := store.Job(ctx, j.ID)
	if got.State != domain.Waiting || got.Attempts != 1 {
		t.Fatalf("after sweep: state=%s attempts=%d, want waiting/1", got.State, got.Attempts)
	}
	reclaimed, _ := q.Claim(ctx, NewWorkerID(), time.Minute)
	if reclaimed == nil || reclaimed.ID != j.ID {
		t.Fatalf("reclaim after sweep = %v, want job", reclaimed)
	}

	live, _ := c.LiveWorkers(ctx)
	if len(live) != 0 {
		t.Fatalf("live workers after sweep = %d, want 0", len(live))
	}
}

func TestHeartbeatRevivesDeadWorker(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	id := NewWorkerID()
	c.Register(ctx, id)
	if _, err := c.SweepDead(ctx, time.Now().Add(time.Minute), 100); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if live, _ := c.LiveWorkers(ctx); len(live) != 0 {
		t.Fatal("worker not marked dead")
	}

	if err := c.Heartbeat(ctx, id); err != nil {
		t.Fatalf("heartbeat after death: %v", err)
	}
	live, _ := c.LiveWorkers(ctx)
	if len(live) != 1 {
		t.Fatalf("live workers after revival = %d, want 1", len(live))
	}
}
