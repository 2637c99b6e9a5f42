// Package app holds process-level configuration read once at startup.
package app

import (
	"time"

	"github.com/strandchat/strand-backend/internal/platform/envutil"
)

type Config struct {
	Mode     string
	HTTPAddr string

	LockTTL time.Duration

	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	JobMaxAttempts     int
	JobRetryDelay      time.Duration
	JobStaleRunning    time.Duration
}

func LoadConfig() Config {
	return Config{
		Mode:     envutil.String("APP_MODE", "dev"),
		HTTPAddr: envutil.String("HTTP_ADDR", ":8080"),

		LockTTL: envutil.Duration("GENERATION_LOCK_TTL", 10*time.Minute),

		WorkerConcurrency:  envutil.Int("WORKER_CONCURRENCY", 4),
		WorkerPollInterval: envutil.Duration("WORKER_POLL_INTERVAL", 500*time.Millisecond),
		JobMaxAttempts:     envutil.Int("JOB_MAX_ATTEMPTS", 3),
		JobRetryDelay:      envutil.Duration("JOB_RETRY_DELAY", 30*time.Second),
		JobStaleRunning:    envutil.Duration("JOB_STALE_RUNNING", 5*time.Minute),
	}
}
