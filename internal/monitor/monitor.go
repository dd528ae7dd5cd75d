// Package monitor answers read-only operational queries. It never
// mutates engine state.
package monitor

import (
	"context"
	"time"

	"github.com/you/workq/internal/domain"
	"github.com/you/workq/internal/storage"
)

type Monitor struct{ store storage.Store }

func New(store storage.Store) *Monitor { return &Monitor{store} }

// Depths returns the job count per state, with zero entries for states
// that currently have no jobs.
func (m *Monitor) Depths(ctx context.Context) (map[domain.State]int, error) {
	counts, err := m.store.StateCounts(ctx)
	if err != nil {
		return nil, err
	}
	for _, st := range []domain.State{
		domain.Waiting, domain.Delayed, domain.Active, domain.Completed, domain.Failed,
	} {
		if _, ok := counts[st]; !ok {
			counts[st] = 0
		}
	}
	return counts, nil
}

func (m *Monitor) LiveWorkers(ctx context.Context) ([]*domain.Worker, error) {
	return m.store.LiveWorkers(ctx)
}

// JobHistory returns the full execution-record chain for one job.
func (m *Monitor) JobHistory(ctx context.Context, jobID string) ([]domain.ExecutionRecord, error) {
	if _, err := m.store.Job(ctx, jobID); err != nil {
		return nil, err
	}
	return m.store.Executions(ctx, jobID)
}

func (m *Monitor) RecentExecutions(ctx context.Context, since time.Time, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return m.store.RecentExecutions(ctx, since, limit)
}
