package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/you/workq/internal/api"
	"github.com/you/workq/internal/backoff"
	"github.com/you/workq/internal/config"
	"github.com/you/workq/internal/coordinator"
	"github.com/you/workq/internal/monitor"
	"github.com/you/workq/internal/queue"
	"github.com/you/workq/internal/storage"
)

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.AppEnv)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate(cfg); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("postgres connect failed", zap.Error(err))
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
	srv := api.NewServer(store, q, coord, monitor.New(store), cfg.DefaultLease(), logger)

	httpSrv := &http.Server{Addr: cfg.APIAddr, Handler: srv.Router()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", zap.String("addr", cfg.APIAddr))
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Flip readiness first so load balancers stop routing here,
		// then drain in-flight requests.
		srv.SetReady(false)
		shctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shctx)
	})
	if err := g.Wait(); err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
	logger.Info("api stopped")
}

func migrate(cfg config.Config) error {
	db, err := sql.Open("pgx", cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, cfg.MigrationsDir)
}

func newLogger(appEnv string) *zap.Logger {
	if appEnv == "dev" {
		l, _ := zap.NewDevelopment()
		return l
	}
	l, _ := zap.NewProduction()
	return l
}
