package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tripsaga/internal/clock"
	"github.com/smallbiznis/tripsaga/internal/dedup"
	obsmetrics "github.com/smallbiznis/tripsaga/internal/observability/metrics"
	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	outboxservice "github.com/smallbiznis/tripsaga/internal/outbox/service"
	sagaservice "github.com/smallbiznis/tripsaga/internal/saga/service"
	"github.com/smallbiznis/tripsaga/internal/worker"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Sagas   *sagaservice.Orchestrator
	Outbox  *outboxservice.Service
	Dedup   dedup.Store
	Config  Config                       `optional:"true"`
	Metrics *obsmetrics.SchedulerMetrics `optional:"true"`
}

type stuckReporter interface {
	ReportStuck(ctx context.Context) (int, error)
}

type outboxMaintainer interface {
	AllStats(ctx context.Context) ([]outboxdomain.Stats, error)
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

type job struct {
	name string
	run  func(ctx context.Context) (int, error)
}

// Scheduler runs the periodic maintenance jobs on its own worker pool.
type Scheduler struct {
	log     *zap.Logger
	cfg     Config
	genID   *snowflake.Node
	clock   clock.Clock
	sagas   stuckReporter
	outbox  outboxMaintainer
	dedup   dedup.Store
	metrics *obsmetrics.SchedulerMetrics
	pool    *worker.Pool
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.Sagas == nil || p.Outbox == nil {
		return nil, ErrInvalidConfig
	}
	return newScheduler(p.Log, p.GenID, p.Clock, p.Sagas, p.Outbox, p.Dedup, p.Config, p.Metrics)
}

func newScheduler(log *zap.Logger, genID *snowflake.Node, clk clock.Clock, sagas stuckReporter, outbox outboxMaintainer, store dedup.Store, cfg Config, m *obsmetrics.SchedulerMetrics) (*Scheduler, error) {
	cfg = cfg.withDefaults()
	log = log.Named("scheduler").With(zap.String("component", "scheduler"))
	pool, err := worker.New("scheduler", cfg.Workers, log)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = obsmetrics.Scheduler()
	}
	return &Scheduler{
		log:     log,
		cfg:     cfg,
		genID:   genID,
		clock:   clk,
		sagas:   sagas,
		outbox:  outbox,
		dedup:   store,
		metrics: m,
		pool:    pool,
	}, nil
}

func (s *Scheduler) jobs() []job {
	return []job{
		{JobStuckSagas, s.StuckSagasJob},
		{JobOutboxBacklog, s.OutboxBacklogJob},
		{JobOutboxCleanup, s.OutboxCleanupJob},
		{JobDedupCleanup, s.DedupCleanupJob},
	}
}

func (s *Scheduler) runJob(parent context.Context, name string, timeout time.Duration, fn func(ctx context.Context) (int, error)) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run := s.startJobRun(ctx, name)
	s.logJobStart(ctx, run)
	log := s.logger(ctx).With(zap.String("job", name))
	s.metrics.IncJobRun(name)

	processed, err := fn(ctx)
	run.AddProcessed(processed)
	s.metrics.AddBatchProcessed(name, processed)
	s.metrics.ObserveJobDuration(name, time.Since(start))
	if err != nil {
		run.IncError()
	}
	s.logJobFinish(ctx, run)
	if err == nil {
		return nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		s.metrics.IncJobTimeout(name)
	}
	s.metrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// RunOnce runs every enabled job on the pool and waits for all of them.
func (s *Scheduler) RunOnce(parent context.Context) error {
	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for _, j := range s.jobs() {
		if !s.isJobEnabled(j.name) {
			continue
		}
		j := j
		wg.Add(1)
		err := s.pool.Submit(parent, func(context.Context) {
			defer wg.Done()
			record(s.runJob(parent, j.name, s.cfg.JobTimeout, j.run))
		})
		if err != nil {
			wg.Done()
			record(fmt.Errorf("%s: %w", j.name, err))
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Shutdown waits for running jobs and releases the pool.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	return s.pool.Shutdown(ctx)
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// StuckSagasJob reports sagas idle past the SLA. They are never retried here.
func (s *Scheduler) StuckSagasJob(ctx context.Context) (int, error) {
	reported, err := s.sagas.ReportStuck(ctx)
	if reported > 0 {
		s.logger(ctx).Warn("scheduler.sagas.stuck", zap.Int("reported", reported))
	}
	return reported, err
}

// OutboxBacklogJob refreshes the outbox backlog gauges.
func (s *Scheduler) OutboxBacklogJob(ctx context.Context) (int, error) {
	stats, err := s.outbox.AllStats(ctx)
	if err != nil {
		return 0, err
	}
	var unprocessed int64
	for _, st := range stats {
		unprocessed += st.Unprocessed
		if st.Failed > 0 {
			s.logger(ctx).Warn("scheduler.outbox.failed_events",
				zap.String("table", st.Table),
				zap.Int64("failed", st.Failed),
			)
		}
	}
	return int(unprocessed), nil
}

func (s *Scheduler) OutboxCleanupJob(ctx context.Context) (int, error) {
	deleted, err := s.outbox.Cleanup(ctx, s.cfg.OutboxRetention)
	return int(deleted), err
}

// DedupCleanupJob purges expired entries from stores that do not expire them on their own.
func (s *Scheduler) DedupCleanupJob(ctx context.Context) (int, error) {
	purger, ok := s.dedup.(dedup.Purger)
	if !ok {
		return 0, nil
	}
	return purger.Purge(ctx)
}
