// Package worker runs claim/execute/ack loops. A pool hosts several
// slots; each slot registers as an independent logical worker and
// processes one job at a time.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/you/workq/internal/coordinator"
	"github.com/you/workq/internal/domain"
	"github.com/you/workq/internal/queue"
	"github.com/you/workq/internal/supervisor"
)

type Pool struct {
	queue   *queue.Queue
	coord   *coordinator.Coordinator
	sup     *supervisor.Supervisor
	handler supervisor.Handler
	logger  *zap.Logger

	slots     int
	lease     time.Duration
	poll      time.Duration
	heartbeat time.Duration
	limiter   *rate.Limiter
}

type Option func(*Pool)

func WithSlots(n int) Option {
	return func(p *Pool) { p.slots = n }
}

func WithLease(d time.Duration) Option {
	return func(p *Pool) { p.lease = d }
}

func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) { p.poll = d }
}

func WithHeartbeatInterval(d time.Duration) Option {
	return func(p *Pool) { p.heartbeat = d }
}

// WithClaimRate caps claim polling across all slots, so a large idle
// pool doesn't hammer the broker.
func WithClaimRate(perSec float64) Option {
	return func(p *Pool) { p.limiter = rate.NewLimiter(rate.Limit(perSec), 1) }
}

func New(q *queue.Queue, coord *coordinator.Coordinator, sup *supervisor.Supervisor,
	handler supervisor.Handler, logger *zap.Logger, opts ...Option) *Pool {
	p := &Pool{
		queue:     q,
		coord:     coord,
		sup:       sup,
		handler:   handler,
		logger:    logger,
		slots:     1,
		lease:     time.Minute,
		poll:      250 * time.Millisecond,
		heartbeat: 5 * time.Second,
		limiter:   rate.NewLimiter(rate.Limit(50), 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run registers the slots and processes jobs until ctx is cancelled.
// In-flight executions are cancelled cooperatively through the
// supervisor on shutdown.
func (p *Pool) Run(ctx context.Context) error {
	ids := make([]string, p.slots)
	for i := range ids {
		ids[i] = coordinator.NewWorkerID()
		if err := p.coord.Register(ctx, ids[i]); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return p.heartbeatLoop(gctx, ids) })
	for _, id := range ids {
		id := id
		g.Go(func() error { return p.slotLoop(gctx, id) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) heartbeatLoop(ctx context.Context, ids []string) error {
	tick := time.NewTicker(p.heartbeat)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			for _, id := range ids {
				err := p.coord.Heartbeat(ctx, id)
				if errors.Is(err, domain.ErrUnknownWorker) {
					// Registry lost us (e.g. swept while descheduled);
					// re-register and carry on.
					err = p.coord.Register(ctx, id)
				}
				if err != nil {
					p.logger.Warn("heartbeat failed",
						zap.String("worker_id", id), zap.Error(err))
				}
			}
		}
	}
}

func (p *Pool) slotLoop(ctx context.Context, id string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}

		j, err := p.queue.Claim(ctx, id, p.lease)
		if err != nil {
			p.logger.Warn("claim failed", zap.String("worker_id", id), zap.Error(err))
			j = nil
		}
		if j == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.poll):
			}
			continue
		}
		p.execute(ctx, id, j)
	}
}

func (p *Pool) execute(ctx context.Context, id string, j *domain.Job) {
	ectx, cancel := context.WithCancel(ctx)
	go p.extendLoop(ectx, id, j.ID)

	rec := p.sup.Run(ctx, j, id, p.handler)
	cancel()

	var err error
	if rec.Outcome == domain.OutcomeSuccess {
		err = p.queue.Ack(ctx, rec)
	} else {
		err = p.queue.Nack(ctx, rec)
	}
	if err != nil {
		// Lease races are resolved by the queue; nothing to do but note it.
		p.logger.Warn("result rejected",
			zap.String("job_id", j.ID),
			zap.String("worker_id", id),
			zap.Error(err))
	}
}

// extendLoop keeps the lease fresh while an execution runs. Cadence is
// a third of the lease so a transiently slow extension can't lapse it.
func (p *Pool) extendLoop(ctx context.Context, workerID, jobID string) {
	tick := time.NewTicker(p.lease / 3)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if err := p.queue.ExtendLease(ctx, jobID, workerID, p.lease); err != nil {
				p.logger.Warn("lease extension failed",
					zap.String("job_id", jobID),
					zap.String("worker_id", workerID),
					zap.Error(err))
				return
			}
		}
	}
}
