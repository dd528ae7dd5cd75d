// Package coordinator tracks worker liveness. Workers register, then
// heartbeat on a fixed interval; a worker silent for the liveness window
// is marked dead and its leases are revoked at once rather than waiting
// out their natural expiry.
package coordinator

import (
	"context"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/you/workq/internal/domain"
	"github.com/you/workq/internal/storage"
)

// LeaseRevoker reclaims every job a dead worker still holds.
type LeaseRevoker interface {
	RevokeWorker(ctx context.Context, workerID string) (int, error)
}

type Coordinator struct {
	store   storage.Store
	revoker LeaseRevoker
	window  time.Duration
	logger  *zap.Logger
}

// New creates a Coordinator. window is how long a worker may go without
// a heartbeat before it is declared dead; keep it at >= 3 heartbeat
// intervals so one delayed heartbeat never kills a healthy worker.
func New(store storage.Store, revoker LeaseRevoker, window time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{store: store, revoker: revoker, window: window, logger: logger}
}

// NewWorkerID mints a process-unique worker identifier.
func NewWorkerID() string { return "worker-" + xid.New().String() }

func (c *Coordinator) Register(ctx context.Context, workerID string) error {
	if err := c.store.RegisterWorker(ctx, workerID); err != nil {
		return err
	}
	c.logger.Info("worker registered", zap.String("worker_id", workerID))
	return nil
}

func (c *Coordinator) Heartbeat(ctx context.Context, workerID string) error {
	return c.store.HeartbeatWorker(ctx, workerID)
}

func (c *Coordinator) LiveWorkers(ctx context.Context) ([]*domain.Worker, error) {
	return c.store.LiveWorkers(ctx)
}

// SweepDead marks workers silent past the liveness window dead and
// revokes their leases. Returns the number of workers swept.
func (c *Coordinator) SweepDead(ctx context.Context, now time.Time, limit int) (int, error) {
	stale, err := c.store.StaleWorkers(ctx, now.Add(-c.window), limit)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, w := range stale {
		if err := c.store.SetWorkerStatus(ctx, w.ID, domain.WorkerDead); err != nil {
			return swept, err
		}
		revoked, err := c.revoker.RevokeWorker(ctx, w.ID)
		if err != nil {
			return swept, err
		}
		c.logger.Warn("worker declared dead",
			zap.String("worker_id", w.ID),
			zap.Time("last_heartbeat_at", w.LastHeartbeatAt),
			zap.Int("leases_revoked", revoked))
		swept++
	}
	return swept, nil
}
