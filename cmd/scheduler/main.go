package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/you/workq/internal/backoff"
	"github.com/you/workq/internal/config"
	"github.com/you/workq/internal/coordinator"
	"github.com/you/workq/internal/queue"
	"github.com/you/workq/internal/storage"
)

// Advisory lock key for scheduler leader election; only one scheduler
// instance runs the maintenance phases at a time.
const leaderLockKey = 42

// Reconcile re-pushes every waiting id, so run it far less often than
// the tick to keep duplicate broker entries bounded.
const reconcileEvery = 30

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.AppEnv)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("postgres connect failed", zap.Error(err))
	}
	defer db.Close()
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	// The advisory lock is session-scoped, so it needs a dedicated
	// connection rather than whatever the pool hands out per query.
	leaderConn, err := db.Acquire(ctx)
	if err != nil {
		logger.Fatal("acquire leader conn failed", zap.Error(err))
	}
	defer leaderConn.Release()

	store := storage.NewPG(db)
	q := queue.New(store, queue.NewRedisBroker(rdb),
		queue.WithBackoff(backoff.NewExponential(cfg.BackoffBase(), cfg.BackoffMax(), 0.2)),
		queue.WithDefaultMaxAttempts(cfg.DefaultMaxAttempts),
		queue.WithLogger(logger))
	coord := coordinator.New(store, q, cfg.LivenessWindow(), logger)

	logger.Info("scheduler started",
		zap.Duration("tick", cfg.SchedTick()),
		zap.Duration("liveness_window", cfg.LivenessWindow()))

	tick := time.NewTicker(cfg.SchedTick())
	defer tick.Stop()

	tickN := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("scheduler stopped")
			return
		case <-tick.C:
		}
		tickN++

		var leader bool
		if err := leaderConn.QueryRow(ctx, "select pg_try_advisory_lock($1)", leaderLockKey).Scan(&leader); err != nil {
			logger.Warn("leader election failed", zap.Error(err))
			continue
		}
		if !leader {
			continue
		}

		now := time.Now().UTC()

		moved, err := q.MoveDue(ctx, now, cfg.SweepBatch)
		if err != nil {
			logger.Warn("move due failed", zap.Error(err))
		}

		var reconciled int
		if tickN%reconcileEvery == 1 {
			if reconciled, err = q.Reconcile(ctx, cfg.SweepBatch); err != nil {
				logger.Warn("reconcile failed", zap.Error(err))
			}
		}

		reaped, err := q.ReapExpired(ctx, now, cfg.SweepBatch)
		if err != nil {
			logger.Warn("reap failed", zap.Error(err))
		}

		swept, err := coord.SweepDead(ctx, now, cfg.SweepBatch)
		if err != nil {
			logger.Warn("dead worker sweep failed", zap.Error(err))
		}

		if moved+reconciled+reaped+swept > 0 {
			logger.Info("maintenance pass",
				zap.Int("promoted", moved),
				zap.Int("reconciled", reconciled),
				zap.Int("leases_reaped", reaped),
				zap.Int("workers_swept", swept))
		}
	}
}

func newLogger(appEnv string) *zap.Logger {
	if appEnv == "dev" {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}
