package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/tripsaga/internal/dedup"
	obsmetrics "github.com/smallbiznis/tripsaga/internal/observability/metrics"
	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	"github.com/smallbiznis/tripsaga/internal/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSagas struct {
	calls    atomic.Int32
	reported int
	err      error
}

func (f *fakeSagas) ReportStuck(context.Context) (int, error) {
	f.calls.Add(1)
	return f.reported, f.err
}

type harness struct {
	env      *testsupport.Env
	sagas    *fakeSagas
	store    *dedup.MemoryStore
	registry *prometheus.Registry
	sched    *Scheduler
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	env := testsupport.NewEnv(t)
	registry := prometheus.NewRegistry()
	m := obsmetrics.NewSchedulerMetrics(registry, obsmetrics.Config{ServiceName: "tripsaga", Environment: "test"})
	sagas := &fakeSagas{}
	store := dedup.NewMemoryStoreWithClock(env.Clock.Now)
	sched, err := newScheduler(env.Log, env.Node, env.Clock, sagas, env.Outbox, store, cfg, m)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sched.Shutdown(context.Background()) })
	return &harness{env: env, sagas: sagas, store: store, registry: registry, sched: sched}
}

func TestRunOnceRunsEveryJobAndJoinsErrors(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	errDown := errors.New("db down")
	h.sagas.reported = 2
	h.sagas.err = errDown

	writer := h.env.Outbox.Writer(outboxdomain.ServiceFlight)
	for _, id := range []string{"bk-1", "bk-2", "bk-3"} {
		_, err := writer.Append(ctx, h.env.DB, "FlightReserved", "Flight", id, nil)
		require.NoError(t, err)
	}

	err := h.sched.RunOnce(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errDown)
	assert.Contains(t, err.Error(), JobStuckSagas)
	assert.Equal(t, int32(1), h.sagas.calls.Load())

	for _, job := range []string{JobStuckSagas, JobOutboxBacklog, JobOutboxCleanup, JobDedupCleanup} {
		assert.Equal(t, float64(1), testsupport.MetricValue(t, h.registry, "tripsaga_scheduler_job_runs_total",
			map[string]string{"job": job}), job)
	}
	assert.Equal(t, float64(3), testsupport.MetricValue(t, h.registry, "tripsaga_scheduler_batch_processed_total",
		map[string]string{"job": JobOutboxBacklog}))
	assert.Equal(t, float64(1), testsupport.MetricValue(t, h.registry, "tripsaga_scheduler_job_errors_total",
		map[string]string{"job": JobStuckSagas}))
	assert.Equal(t, float64(3), testsupport.MetricValue(t, h.env.Registry, "tripsaga_outbox_unprocessed_events",
		map[string]string{"table": "flight_outbox_events"}))
}

func TestEnabledJobsFilter(t *testing.T) {
	h := newHarness(t, Config{EnabledJobs: []string{"Outbox_Backlog"}})

	require.NoError(t, h.sched.RunOnce(context.Background()))
	assert.Zero(t, h.sagas.calls.Load())
	assert.Equal(t, float64(1), testsupport.MetricValue(t, h.registry, "tripsaga_scheduler_job_runs_total",
		map[string]string{"job": JobOutboxBacklog}))
	assert.Zero(t, testsupport.MetricValue(t, h.registry, "tripsaga_scheduler_job_runs_total",
		map[string]string{"job": JobStuckSagas}))
}

func TestRunJobTimeoutIsSoft(t *testing.T) {
	h := newHarness(t, Config{})

	err := h.sched.runJob(context.Background(), "timeout_job", 5*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	require.NoError(t, err)
	assert.Equal(t, float64(1), testsupport.MetricValue(t, h.registry, "tripsaga_scheduler_job_timeouts_total",
		map[string]string{"job": "timeout_job"}))
	assert.Equal(t, float64(1), testsupport.MetricValue(t, h.registry, "tripsaga_scheduler_job_errors_total",
		map[string]string{"job": "timeout_job", "reason": obsmetrics.SchedulerJobReasonDeadlineExceeded}))
}

func TestCleanupJobs(t *testing.T) {
	h := newHarness(t, Config{OutboxRetention: 24 * time.Hour})
	ctx := context.Background()
	writer := h.env.Outbox.Writer(outboxdomain.ServiceBooking)

	relayed, err := writer.Append(ctx, h.env.DB, "BookingCreated", "Booking", "bk-1", nil)
	require.NoError(t, err)
	h.env.Clock.Advance(time.Minute)
	_, err = h.env.Outbox.MarkRelayedBefore(ctx, outboxdomain.ServiceBooking, h.env.Clock.Now())
	require.NoError(t, err)
	pending, err := writer.Append(ctx, h.env.DB, "BookingCreated", "Booking", "bk-2", nil)
	require.NoError(t, err)
	require.NoError(t, h.store.MarkProcessed(ctx, dedup.ProcessedKey("booking-self", relayed), time.Hour))

	h.env.Clock.Advance(48 * time.Hour)
	deleted, err := h.sched.OutboxCleanupJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	row, err := h.env.Outbox.Find(ctx, outboxdomain.ServiceBooking, relayed)
	require.NoError(t, err)
	assert.Nil(t, row)
	row, err = h.env.Outbox.Find(ctx, outboxdomain.ServiceBooking, pending)
	require.NoError(t, err)
	assert.NotNil(t, row)

	purged, err := h.sched.DedupCleanupJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Params{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
