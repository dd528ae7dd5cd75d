package queue

import (
	"context"
	"time"
)

// Broker is the dispatch structure: a ready list plus a delay set. It
// carries job ids only; the store remains the source of truth and the
// broker's contents can be rebuilt from it at any time (see
// Queue.Reconcile).
type Broker interface {
	Push(ctx context.Context, ids ...string) error
	// Pop returns the next ready id, blocking up to block when the list
	// is empty. An empty string means nothing was ready.
	Pop(ctx context.Context, block time.Duration) (string, error)
	// Delay parks an id until at.
	Delay(ctx context.Context, id string, at time.Time) error
	// MoveDue moves ids whose delay elapsed onto the ready list.
	MoveDue(ctx context.Context, now time.Time, batch int64) (int, error)
	Ping(ctx context.Context) error
}
