package scheduler

import (
	"time"

	"github.com/smallbiznis/tripsaga/internal/config"
	"github.com/smallbiznis/tripsaga/internal/outbox/domain"
)

// Job names.
const (
	JobStuckSagas    = "stuck_sagas"
	JobOutboxBacklog = "outbox_backlog"
	JobOutboxCleanup = "outbox_cleanup"
	JobDedupCleanup  = "dedup_cleanup"
)

// Config controls scheduler intervals and the maintenance worker pool.
type Config struct {
	RunInterval     time.Duration
	Workers         int
	JobTimeout      time.Duration
	OutboxRetention time.Duration
	EnabledJobs     []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:     time.Minute,
		Workers:         2,
		JobTimeout:      30 * time.Second,
		OutboxRetention: domain.DefaultRetention,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval:     cfg.Scheduler.RunInterval,
		Workers:         cfg.Scheduler.Workers,
		OutboxRetention: cfg.Scheduler.OutboxRetention,
		EnabledJobs:     cfg.Scheduler.EnabledJobs,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.Workers <= 0 {
		c.Workers = defaults.Workers
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.OutboxRetention <= 0 {
		c.OutboxRetention = defaults.OutboxRetention
	}
	return c
}
