package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	r "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/you/workq/internal/backoff"
	"github.com/you/workq/internal/config"
	"github.com/you/workq/internal/coordinator"
	"github.com/you/workq/internal/domain"
	"github.com/you/workq/internal/queue"
	"github.com/you/workq/internal/storage"
	"github.com/you/workq/internal/supervisor"
	"github.com/you/workq/internal/worker"
)

func main() {
	var slots int

	rootCmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim and execute jobs from the queue",
	}
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start worker slots",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(slots)
		},
	}
	startCmd.Flags().IntVar(&slots, "slots", 0, "number of worker slots (default from WORKER_SLOTS)")
	rootCmd.AddCommand(startCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(slots int) error {
	cfg := config.Load()
	logger := newLogger(cfg.AppEnv)
	defer logger.Sync()

	if slots <= 0 {
		slots = cfg.WorkerSlots
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer rdb.Close()

	store := storage.NewPG(db)
	q := queue.New(store, queue.NewRedisBroker(rdb),
		queue.WithBackoff(backoff.NewExponential(cfg.BackoffBase(), cfg.BackoffMax(), 0.2)),
		queue.WithDefaultMaxAttempts(cfg.DefaultMaxAttempts),
		queue.WithLogger(logger))
	coord := coordinator.New(store, q, cfg.LivenessWindow(), logger)
	sup := supervisor.New(cfg.ExecTimeout(), cfg.ExecGrace(), logger)

	pool := worker.New(q, coord, sup, shellHandler, logger,
		worker.WithSlots(slots),
		worker.WithLease(cfg.DefaultLease()),
		worker.WithPollInterval(cfg.Poll()),
		worker.WithHeartbeatInterval(cfg.Heartbeat()),
		worker.WithClaimRate(cfg.ClaimRatePerSec))

	logger.Info("worker starting",
		zap.Int("slots", slots),
		zap.Duration("lease", cfg.DefaultLease()))
	err = pool.Run(ctx)
	logger.Info("worker stopped")
	return err
}

// shellHandler treats the payload as a shell command line. Cancellation
// is cooperative through exec.CommandContext: the process is killed when
// the attempt's deadline passes.
func shellHandler(ctx context.Context, j *domain.Job) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", string(j.Payload))
	out, err := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err != nil {
		return fmt.Errorf("%v: %s", err, bytes.TrimSpace(out))
	}
	return nil
}

func newLogger(appEnv string) *zap.Logger {
	if appEnv == "dev" {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}
