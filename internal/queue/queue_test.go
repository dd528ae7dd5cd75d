package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/you/workq/internal/backoff"
	"github.com/you/workq/internal/domain"
	"github.com/you/workq/internal/storage/memory"
)

func newTestQueue(t *testing.T) (*Queue, *memory.Store, *MemBroker) {
	t.Helper()
	store := memory.New()
	broker := NewMemBroker()
	q := New(store, broker, WithBackoff(backoff.NewConstant(time.Minute)))
	return q, store, broker
}

func record(j *domain.Job, workerID string, outcome domain.Outcome, detail string) domain.ExecutionRecord {
	now := time.Now().UTC()
	return domain.ExecutionRecord{
		JobID:      j.ID,
		Attempt:    j.NextAttempt(),
		WorkerID:   workerID,
		StartedAt:  now,
		FinishedAt: now,
		Outcome:    outcome,
		Detail:     detail,
	}
}

func TestEnqueueClaimAck(t *testing.T) {
	q, store, _ := newTestQueue(t)
	ctx := context.Background()

	j, err := q.Enqueue(ctx, []byte("payload"), EnqueueOptions{MaxAttempts: 3})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if j.State != domain.Waiting {
		t.Fatalf("state = %s, want waiting", j.State)
	}

	claimed, err := q.Claim(ctx, "w1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed == nil || claimed.ID != j.ID {
		t.Fatalf("claim returned %v, want job %s", claimed, j.ID)
	}
	if claimed.State != domain.Active || *claimed.LeasedBy != "w1" {
		t.Fatalf("claimed job not active under w1 lease: %+v", claimed)
	}

	if err := q.Ack(ctx, record(claimed, "w1", domain.OutcomeSuccess, "")); err != nil {
		t.Fatalf("ack: %v", err)
	}
	got, _ := store.Job(ctx, j.ID)
	if got.State != domain.Completed || got.Attempts != 1 {
		t.Fatalf("after ack: state=%s attempts=%d, want completed/1", got.State, got.Attempts)
	}
	recs, _ := store.Executions(ctx, j.ID)
	if len(recs) != 1 || recs[0].Outcome != domain.OutcomeSuccess {
		t.Fatalf("records = %+v, want one success", recs)
	}
}

func TestClaimEmptyReturnsNil(t *testing.T) {
	q, _, _ := newTestQueue(t)
	j, err := q.Claim(context.Background(), "w1", time.Minute)
	if err != nil || j != nil {
		t.Fatalf("claim on empty queue = (%v, %v), want (nil, nil)", j, err)
	}
}

// Racing claimers on duplicate broker entries: the store CAS must let
// exactly one through.
func TestClaimLinearizable(t *testing.T) {
	q, _, broker := newTestQueue(t)
	ctx := context.Background()

	j, err := q.Enqueue(ctx, []byte("x"), EnqueueOptions{})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Flood the ready list with duplicates of the same id.
	for i := 0; i < 15; i++ {
		if err := broker.Push(ctx, j.ID); err != nil {
			t.Fatalf("push: %v", err)
		}
	}

	const claimers = 16
	var wg sync.WaitGroup
	wins := make(chan string, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			workerID := "w" + string(rune('a'+n))
			got, err := q.Claim(ctx, workerID, time.Minute)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if got != nil {
				wins <- workerID
			}
		}(i)
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Fatalf("%d claimers won, want exactly 1", won)
	}
}

func TestNackReschedulesWithBackoff(t *testing.T) {
	q, store, _ := newTestQueue(t)
	ctx := context.Background()

	j, _ := q.Enqueue(ctx, []byte("x"), EnqueueOptions{MaxAttempts: 3})
	claimed, _ := q.Claim(ctx, "w1", time.Minute)

	if err := q.Nack(ctx, record(claimed, "w1", domain.OutcomeFailure, "boom")); err != nil {
		t.Fatalf("nack: %v", err)
	}
	got, _ := store.Job(ctx, j.ID)
	if got.State != domain.Delayed || got.Attempts != 1 {
		t.Fatalf("after nack: state=%s attempts=%d, want delayed/1", got.State, got.Attempts)
	}
	if *got.LastError != "boom" {
		t.Fatalf("last_error = %q, want boom", *got.LastError)
	}
	if !got.RunAt.After(time.Now()) {
		t.Fatalf("run_at %v not in the future", got.RunAt)
	}

	// Not claimable until the backoff elapses.
	if c, _ := q.Claim(ctx, "w2", time.Minute); c != nil {
		t.Fatalf("claimed rescheduled job before backoff elapsed")
	}
	if _, err := q.MoveDue(ctx, time.Now().Add(2*time.Minute), 100); err != nil {
		t.Fatalf("move due: %v", err)
	}
	c, err := q.Claim(ctx, "w2", time.Minute)
	if err != nil || c == nil || c.ID != j.ID {
		t.Fatalf("claim after promotion = (%v, %v), want job", c, err)
	}
}

func TestAttemptsExhaustedIsTerminal(t *testing.T) {
	q, store, broker := newTestQueue(t)
	ctx := context.Background()

	j, _ := q.Enqueue(ctx, []byte("x"), EnqueueOptions{MaxAttempts: 3})
	for i := 0; i < 3; i++ {
		if _, err := q.MoveDue(ctx, time.Now().Add(2*time.Minute), 100); err != nil {
			t.Fatalf("move due: %v", err)
		}
		claimed, err := q.Claim(ctx, "w1", time.Minute)
		if err != nil || claimed == nil {
			t.Fatalf("claim round %d = (%v, %v)", i, claimed, err)
		}
		if err := q.Nack(ctx, record(claimed, "w1", domain.OutcomeFailure, "boom")); err != nil {
			t.Fatalf("nack round %d: %v", i, err)
		}
	}

	got, _ := store.Job(ctx, j.ID)
	if got.State != domain.Failed || got.Attempts != 3 {
		t.Fatalf("final state=%s attempts=%d, want failed/3", got.State, got.Attempts)
	}
	recs, _ := store.Executions(ctx, j.ID)
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for _, r := range recs {
		if r.Outcome != domain.OutcomeFailure {
			t.Fatalf("record %d outcome = %s, want failure", r.Attempt, r.Outcome)
		}
	}

	// A failed job must never be claimable again, even via a stale entry.
	broker.Push(ctx, j.ID)
	if c, _ := q.Claim(ctx, "w2", time.Minute); c != nil {
		t.Fatalf("claimed terminally failed job")
	}
}

func TestDelayedInvisibleUntilDue(t *testing.T) {
	q, store, _ := newTestQueue(t)
	ctx := context.Background()

	j, err := q.Enqueue(ctx, []byte("x"), EnqueueOptions{Delay: time.Hour})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if j.State != domain.Delayed {
		t.Fatalf("state = %s, want delayed", j.State)
	}

	if c, _ := q.Claim(ctx, "w1", time.Minute); c != nil {
		t.Fatalf("claimed delayed job before due")
	}
	if n, _ := q.MoveDue(ctx, time.Now(), 100); n != 0 {
		t.Fatalf("promoted %d jobs before due, want 0", n)
	}

	n, err := q.MoveDue(ctx, time.Now().Add(2*time.Hour), 100)
	if err != nil || n != 1 {
		t.Fatalf("move due past run_at = (%d, %v), want (1, nil)", n, err)
	}
	got, _ := store.Job(ctx, j.ID)
	if got.State != domain.Waiting {
		t.Fatalf("state = %s after promotion, want waiting", got.State)
	}
	c, _ := q.Claim(ctx, "w1", time.Minute)
	if c == nil || c.ID != j.ID {
		t.Fatalf("claim after promotion = %v, want job", c)
	}
}

func TestReapExpiredIncrementsAttemptsOnce(t *testing.T) {
	q, store, _ := newTestQueue(t)
	ctx := context.Background()

	j, _ := q.Enqueue(ctx, []byte("x"), EnqueueOptions{MaxAttempts: 3})
	// Claim with an already-expired lease to simulate a crashed worker.
	if c, _ := q.Claim(ctx, "w1", -time.Second); c == nil {
		t.Fatal("claim failed")
	}

	now := time.Now().UTC()
	n, err := q.ReapExpired(ctx, now, 100)
	if err != nil || n != 1 {
		t.Fatalf("reap = (%d, %v), want (1, nil)", n, err)
	}
	got, _ := store.Job(ctx, j.ID)
	if got.State != domain.Waiting || got.Attempts != 1 {
		t.Fatalf("after reap: state=%s attempts=%d, want waiting/1", got.State, got.Attempts)
	}
	recs, _ := store.Executions(ctx, j.ID)
	if len(recs) != 1 || recs[0].Outcome != domain.OutcomeTimeout {
		t.Fatalf("records = %+v, want one timeout", recs)
	}

	// Second reap pass finds nothing; attempts must not move again.
	if n, _ := q.ReapExpired(ctx, now, 100); n != 0 {
		t.Fatalf("second reap reclaimed %d, want 0", n)
	}
	got, _ = store.Job(ctx, j.ID)
	if got.Attempts != 1 {
		t.Fatalf("attempts = %d after second reap, want 1", got.Attempts)
	}

	// The job is claimable again.
	c, _ := q.Claim(ctx, "w2", time.Minute)
	if c == nil || c.ID != j.ID {
		t.Fatalf("reclaim after reap = %v, want job", c)
	}
}

func TestReapExhaustedGoesTerminal(t *testing.T) {
	q, store, _ := newTestQueue(t)
	ctx := context.Background()

	j, _ := q.Enqueue(ctx, []byte("x"), EnqueueOptions{MaxAttempts: 1})
	q.Claim(ctx, "w1", -time.Second)

	if n, _ := q.ReapExpired(ctx, time.Now().UTC(), 100); n != 1 {
		t.Fatal("reap did not reclaim the job")
	}
	got, _ := store.Job(ctx, j.ID)
	if got.State != domain.Failed || got.Attempts != 1 {
		t.Fatalf("state=%s attempts=%d, want failed/1", got.State, got.Attempts)
	}
}

func TestRevokeWorkerReclaimsValidLease(t *testing.T) {
	q, store, _ := newTestQueue(t)
	ctx := context.Background()

	j, _ := q.Enqueue(ctx, []byte("x"), EnqueueOptions{MaxAttempts: 3})
	if c, _ := q.Claim(ctx, "w1", time.Hour); c == nil {
		t.Fatal("claim failed")
	}

	n, err := q.RevokeWorker(ctx, "w1")
	if err != nil || n != 1 {
		t.Fatalf("revoke = (%d, %v), want (1, nil)", n, err)
	}
	got, _ := store.Job(ctx, j.ID)
	if got.State != domain.Waiting || got.Attempts != 1 {
		t.Fatalf("after revoke: state=%s attempts=%d, want waiting/1", got.State, got.Attempts)
	}
	c, _ := q.Claim(ctx, "w2", time.Minute)
	if c == nil || c.ID != j.ID {
		t.Fatalf("claim after revoke = %v, want job", c)
	}
}

func TestAckAfterLeaseExpiry(t *testing.T) {
	q, _, _ := newTestQueue(t)
	ctx := context.Background()

	q.Enqueue(ctx, []byte("x"), EnqueueOptions{})
	claimed, _ := q.Claim(ctx, "w1", -time.Second)

	err := q.Ack(ctx, record(claimed, "w1", domain.OutcomeSuccess, ""))
	if err != domain.ErrLeaseExpired {
		t.Fatalf("ack after expiry = %v, want ErrLeaseExpired", err)
	}
}

func TestAckFromNonOwner(t *testing.T) {
	q, store, _ := newTestQueue(t)
	ctx := context.Background()

	j, _ := q.Enqueue(ctx, []byte("x"), EnqueueOptions{})
	claimed, _ := q.Claim(ctx, "w1", time.Minute)

	err := q.Ack(ctx, record(claimed, "w2", domain.OutcomeSuccess, ""))
	if err != domain.ErrNotOwner {
		t.Fatalf("ack from non-owner = %v, want ErrNotOwner", err)
	}
	// The real owner is unaffected.
	got, _ := store.Job(ctx, j.ID)
	if got.State != domain.Active || *got.LeasedBy != "w1" {
		t.Fatalf("owner's lease disturbed: %+v", got)
	}
}

// A broker restart loses the ready list; Reconcile rebuilds it from the
// store so waiting jobs become claimable again.
func TestReconcileAfterBrokerLoss(t *testing.T) {
	store := memory.New()
	q := New(store, NewMemBroker())
	ctx := context.Background()

	j, _ := q.Enqueue(ctx, []byte("x"), EnqueueOptions{})

	// Fresh broker over the same store, as after a Redis restart.
	q2 := New(store, NewMemBroker())
	if c, _ := q2.Claim(ctx, "w1", time.Minute); c != nil {
		t.Fatal("claim succeeded against empty broker")
	}
	n, err := q2.Reconcile(ctx, 100)
	if err != nil || n != 1 {
		t.Fatalf("reconcile = (%d, %v), want (1, nil)", n, err)
	}
	c, _ := q2.Claim(ctx, "w1", time.Minute)
	if c == nil || c.ID != j.ID {
		t.Fatalf("claim after reconcile = %v, want job", c)
	}
}
