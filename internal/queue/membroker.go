package queue

import (
	"context"
	"sync"
	"time"
)

// MemBroker is an in-process Broker for tests and dev mode.
type MemBroker struct {
	mu      sync.Mutex
	ready   []string
	delayed map[string]time.Time
}

var _ Broker = (*MemBroker)(nil)

func NewMemBroker() *MemBroker {
	return &MemBroker{delayed: make(map[string]time.Time)}
}

func (b *MemBroker) Push(_ context.Context, ids ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready = append(b.ready, ids...)
	return nil
}

func (b *MemBroker) Pop(_ context.Context, _ time.Duration) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ready) == 0 {
		return "", nil
	}
	id := b.ready[0]
	b.ready = b.ready[1:]
	return id, nil
}

func (b *MemBroker) Delay(_ context.Context, id string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delayed[id] = at
	return nil
}

func (b *MemBroker) MoveDue(_ context.Context, now time.Time, batch int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	moved := 0
	for id, at := range b.delayed {
		if at.After(now) {
			continue
		}
		b.ready = append(b.ready, id)
		delete(b.delayed, id)
		moved++
		if int64(moved) >= batch {
			break
		}
	}
	return moved, nil
}

func (b *MemBroker) Ping(_ context.Context) error { return nil }
