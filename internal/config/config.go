package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"dev"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	DefaultLeaseSec    int `env:"DEFAULT_LEASE_SEC" envDefault:"60"`
	DefaultMaxAttempts int `env:"DEFAULT_MAX_ATTEMPTS" envDefault:"3"`

	HeartbeatSec   int `env:"HEARTBEAT_SEC" envDefault:"5"`
	LivenessFactor int `env:"LIVENESS_FACTOR" envDefault:"3"`

	SchedTickMS int `env:"SCHED_TICK_MS" envDefault:"1000"`
	SweepBatch  int `env:"SWEEP_BATCH" envDefault:"200"`

	WorkerSlots     int     `env:"WORKER_SLOTS" envDefault:"1"`
	PollMS          int     `env:"POLL_MS" envDefault:"250"`
	ClaimRatePerSec float64 `env:"CLAIM_RATE_PER_SEC" envDefault:"50"`

	ExecTimeoutSec int `env:"EXEC_TIMEOUT_SEC" envDefault:"300"`
	ExecGraceSec   int `env:"EXEC_GRACE_SEC" envDefault:"5"`

	BackoffBaseMS int `env:"BACKOFF_BASE_MS" envDefault:"1000"`
	BackoffMaxSec int `env:"BACKOFF_MAX_SEC" envDefault:"300"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}

func (c Config) DefaultLease() time.Duration { return time.Duration(c.DefaultLeaseSec) * time.Second }
func (c Config) Heartbeat() time.Duration    { return time.Duration(c.HeartbeatSec) * time.Second }

// LivenessWindow is how long a worker may go without a heartbeat before
// it is marked dead. Kept at LivenessFactor (>= 3) heartbeat intervals so
// a single delayed heartbeat never triggers a false reclaim.
func (c Config) LivenessWindow() time.Duration {
	f := c.LivenessFactor
	if f < 3 {
		f = 3
	}
	return time.Duration(f) * c.Heartbeat()
}

func (c Config) SchedTick() time.Duration   { return time.Duration(c.SchedTickMS) * time.Millisecond }
func (c Config) Poll() time.Duration        { return time.Duration(c.PollMS) * time.Millisecond }
func (c Config) ExecTimeout() time.Duration { return time.Duration(c.ExecTimeoutSec) * time.Second }
func (c Config) ExecGrace() time.Duration   { return time.Duration(c.ExecGraceSec) * time.Second }
func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}
func (c Config) BackoffMax() time.Duration { return time.Duration(c.BackoffMaxSec) * time.Second }
