package polling

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/smallbiznis/tripsaga/internal/broker"
	"github.com/smallbiznis/tripsaga/internal/clock"
	"github.com/smallbiznis/tripsaga/internal/observability/metrics"
	outboxdomain "github.com/smallbiznis/tripsaga/internal/outbox/domain"
	pkgdb "github.com/smallbiznis/tripsaga/pkg/db"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const Name = "polling"

const (
	DefaultInterval    = 5 * time.Second
	DefaultBatchSize   = 100
	DefaultBackoffBase = time.Minute
	DefaultBackoffMax  = 30 * time.Minute
)

type Options struct {
	Interval    time.Duration
	BatchSize   int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Services limits the pass to these outbox owners. Empty means all.
	Services []string
	// Jitter spreads a retry delay. Defaults to equal jitter over [d/2, d].
	Jitter func(time.Duration) time.Duration
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffMax < o.BackoffBase {
		o.BackoffMax = DefaultBackoffMax
	}
	if len(o.Services) == 0 {
		o.Services = outboxdomain.Services
	}
	if o.Jitter == nil {
		o.Jitter = equalJitter
	}
	return o
}

func equalJitter(d time.Duration) time.Duration {
	half := d / 2
	if half <= 0 {
		return d
	}
	return half + rand.N(half+1)
}

// Result summarizes one pass over the outbox tables.
type Result struct {
	Published int
	Retried   int
	// Exhausted counts rows that used their last retry in this pass.
	Exhausted int
	Deferred  int
	Blocked   int
	Expired   int64
	Failed    int64
}

func (r *Result) add(o Result) {
	r.Published += o.Published
	r.Retried += o.Retried
	r.Exhausted += o.Exhausted
	r.Deferred += o.Deferred
	r.Blocked += o.Blocked
	r.Expired += o.Expired
	r.Failed += o.Failed
}

// Poller is the fallback relay. It publishes unprocessed rows in insertion order and
// flags them processed on ack.
type Poller struct {
	db      *gorm.DB
	repo    outboxdomain.Repository
	pub     broker.Publisher
	clock   clock.Clock
	log     *zap.Logger
	metrics *metrics.Pipeline
	opts    Options
	breaker *gobreaker.CircuitBreaker
}

func New(db *gorm.DB, repo outboxdomain.Repository, pub broker.Publisher, clk clock.Clock, log *zap.Logger, m *metrics.Pipeline, opts Options) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Poller{
		db:      db,
		repo:    repo,
		pub:     pub,
		clock:   clk,
		log:     log.Named("relay.polling"),
		metrics: m,
		opts:    opts.withDefaults(),
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "outbox-publish",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.log.Warn("relay circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			p.metrics.SetRelayBreakerState(Name, breakerLevel(to))
		},
	})
	return p
}

func breakerLevel(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	}
	return 0
}

func (p *Poller) Name() string { return Name }

func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	p.log.Info("polling relay started",
		zap.Duration("interval", p.opts.Interval),
		zap.Int("batch_size", p.opts.BatchSize),
	)
	for {
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.Warn("polling pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// PollOnce runs one pass over every configured outbox table.
func (p *Poller) PollOnce(ctx context.Context) (Result, error) {
	var (
		total Result
		errs  []error
	)
	for _, service := range p.opts.Services {
		res, err := p.pollTable(ctx, service)
		total.add(res)
		if err != nil {
			errs = append(errs, fmt.Errorf("relay %s: %w", service, err))
		}
	}
	return total, errors.Join(errs...)
}

func (p *Poller) pollTable(ctx context.Context, service string) (Result, error) {
	table := outboxdomain.TableName(service)
	log := p.log.With(zap.String("table", table))
	var res Result

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := p.clock.Now()
		rows, err := p.repo.FetchRelayBatch(ctx, tx, table, now, p.opts.BatchSize, pkgdb.IsPostgres(tx))
		if err != nil {
			return err
		}

		heads, err := p.repo.ExhaustedHeads(ctx, tx, table, now)
		if err != nil {
			return err
		}

		blocked := make(map[string]struct{})
		for i := range rows {
			row := &rows[i]
			key := keyOf(row)
			if head, ok := heads[key]; ok && row.ID > head {
				blocked[key] = struct{}{}
			}
			if _, ok := blocked[key]; ok {
				res.Blocked++
				p.metrics.IncOutboxSkipped(table, metrics.SkipBlocked)
				continue
			}
			if row.NextRetryAt != nil && now.Before(*row.NextRetryAt) {
				blocked[key] = struct{}{}
				res.Deferred++
				p.metrics.IncOutboxSkipped(table, metrics.SkipBackoff)
				continue
			}

			err := p.publish(ctx, row)
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				// broker is considered down; the rest of the batch waits for the next pass
				res.Deferred += len(rows) - i
				log.Debug("publish breaker open, pass stopped early")
				return nil
			}
			if err != nil {
				blocked[key] = struct{}{}
				next := now.Add(p.delay(row.RetryCount))
				if err := p.repo.MarkRetry(ctx, tx, table, row.ID, err.Error(), next); err != nil {
					return err
				}
				res.Retried++
				p.metrics.IncOutboxPublishError(Name, row.Topic)
				fields := []zap.Field{
					zap.String("event_id", row.EventID),
					zap.String("topic", row.Topic),
					zap.Int("retry_count", row.RetryCount+1),
					zap.Error(err),
				}
				if row.RetryCount+1 >= row.MaxRetries {
					res.Exhausted++
					log.Error("outbox event exhausted its retries, left for an operator", fields...)
				} else {
					log.Warn("outbox publish failed, scheduled for retry", append(fields, zap.Time("next_retry_at", next))...)
				}
				continue
			}

			if err := p.repo.MarkProcessed(ctx, tx, table, row.ID, now); err != nil {
				return err
			}
			res.Published++
			p.metrics.IncOutboxPublished(Name, row.Topic)
		}
		return nil
	})
	if err != nil {
		return res, err
	}

	stats, err := p.repo.Stats(ctx, p.db, table, p.clock.Now())
	if err != nil {
		return res, err
	}
	res.Expired = stats.Expired
	res.Failed = stats.Failed
	p.metrics.SetOutboxBacklog(table, stats.Unprocessed, stats.Failed, stats.Expired)
	return res, nil
}

func (p *Poller) publish(ctx context.Context, row *outboxdomain.Event) error {
	msg, err := row.Message()
	if err != nil {
		return err
	}
	_, err = p.breaker.Execute(func() (interface{}, error) {
		return nil, p.pub.Publish(ctx, msg)
	})
	return err
}

// delay is min(base·2^retry, cap) with jitter.
func (p *Poller) delay(retry int) time.Duration {
	d := p.opts.BackoffMax
	if retry < 32 {
		if scaled := p.opts.BackoffBase << uint(retry); scaled > 0 && scaled < d {
			d = scaled
		}
	}
	return p.opts.Jitter(d)
}

func keyOf(row *outboxdomain.Event) string {
	if row.PartitionKey != "" {
		return row.PartitionKey
	}
	return row.AggregateID
}
