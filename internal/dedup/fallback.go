package dedup

import (
	"context"
	"errors"
	"time"

	"github.com/smallbiznis/tripsaga/internal/observability/metrics"
	"go.uber.org/zap"
)

// FallbackStore serves from primary and switches to secondary for any call the
// primary fails. Markers written during an outage live only in secondary.
type FallbackStore struct {
	primary   Store
	secondary Store
	log       *zap.Logger
	metrics   *metrics.Pipeline
}

func NewFallbackStore(primary, secondary Store, log *zap.Logger, m *metrics.Pipeline) *FallbackStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &FallbackStore{primary: primary, secondary: secondary, log: log.Named("dedup.fallback"), metrics: m}
}

func (s *FallbackStore) fallback(op, key string, err error) {
	s.metrics.IncDedupFallback(op)
	s.log.Warn("dedup primary unavailable, using fallback",
		zap.String("operation", op),
		zap.String("key", key),
		zap.Error(err),
	)
}

func (s *FallbackStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	ok, err := s.primary.IsProcessed(ctx, key)
	if err == nil {
		if ok {
			return true, nil
		}
		// a marker may have been written to secondary during an outage
		if seen, serr := s.secondary.IsProcessed(ctx, key); serr == nil && seen {
			return true, nil
		}
		return false, nil
	}
	s.fallback("is_processed", key, err)
	return s.secondary.IsProcessed(ctx, key)
}

func (s *FallbackStore) MarkProcessed(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.primary.MarkProcessed(ctx, key, ttl); err != nil {
		s.fallback("mark_processed", key, err)
		return s.secondary.MarkProcessed(ctx, key, ttl)
	}
	return nil
}

func (s *FallbackStore) IncrementAttempts(ctx context.Context, key string, ttl time.Duration) (int, error) {
	n, err := s.primary.IncrementAttempts(ctx, key, ttl)
	if err != nil {
		s.fallback("increment_attempts", key, err)
		return s.secondary.IncrementAttempts(ctx, key, ttl)
	}
	return n, nil
}

func (s *FallbackStore) Attempts(ctx context.Context, key string) (int, error) {
	n, err := s.primary.Attempts(ctx, key)
	if err != nil {
		s.fallback("attempts", key, err)
		return s.secondary.Attempts(ctx, key)
	}
	return n, nil
}

func (s *FallbackStore) ResetAttempts(ctx context.Context, key string) error {
	perr := s.primary.ResetAttempts(ctx, key)
	if perr != nil {
		s.fallback("reset_attempts", key, perr)
	}
	serr := s.secondary.ResetAttempts(ctx, key)
	if perr != nil {
		return serr
	}
	return nil
}

func (s *FallbackStore) Purge(ctx context.Context) (int, error) {
	total := 0
	var errs []error
	for _, st := range []Store{s.primary, s.secondary} {
		if p, ok := st.(Purger); ok {
			n, err := p.Purge(ctx)
			total += n
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

func (s *FallbackStore) Close() error {
	return errors.Join(s.primary.Close(), s.secondary.Close())
}
