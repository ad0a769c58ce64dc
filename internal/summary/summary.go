// Package summary implements the Summary Service: a fast, cache-only read
// path backed by hash counters in the coordination store, with an
// administrative slow path that rebuilds those counters from the ledger.
package summary

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/getahuntadesse/payment-broker/internal/domain"
)

const (
	keyPrefix = "summary:processor:"

	fieldRequests = "totalRequests"
	fieldAmount   = "totalAmount"

	// FastPathTimeout bounds the fast path: it must complete within 50ms
	// or fall back to a zero-filled result.
	FastPathTimeout = 50 * time.Millisecond
)

// Aggregator supplies the slow-path rebuild source (the ledger).
type Aggregator interface {
	Counts(ctx context.Context) (domain.Summary, error)
}

type Service struct {
	rdb        *redis.Client
	aggregator Aggregator
	logger     *logrus.Logger
}

func New(rdb *redis.Client, aggregator Aggregator, logger *logrus.Logger) *Service {
	return &Service{rdb: rdb, aggregator: aggregator, logger: logger}
}

// Increment applies one accepted payment's counters for processor p.
// Callers must only invoke this for newly-inserted ledger rows; duplicate
// inserts must not increment.
func (s *Service) Increment(ctx context.Context, p domain.Processor, amount float64) {
	key := keyPrefix + string(p)
	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, key, fieldRequests, 1)
	pipe.HIncrByFloat(ctx, key, fieldAmount, amount)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.WithError(err).WithField("processor", p).Warn("summary: failed to increment counters")
	}
}

// GetSummary is the fast path: one round-trip per processor, with a hard
// 50ms budget shared across both reads. On timeout or any error it returns
// a summary zero-filled for both processors rather than blocking on the
// ledger — a partial result (real counters for one processor, zeros for the
// other) would misrepresent the split between them.
func (s *Service) GetSummary(ctx context.Context) domain.Summary {
	fastCtx, cancel := context.WithTimeout(ctx, FastPathTimeout)
	defer cancel()

	defaultCounters, defaultErr := s.readCounters(fastCtx, domain.ProcessorDefault)
	fallbackCounters, fallbackErr := s.readCounters(fastCtx, domain.ProcessorFallback)
	if defaultErr != nil || fallbackErr != nil {
		err := defaultErr
		if err == nil {
			err = fallbackErr
		}
		s.logger.WithError(err).Warn("summary: fast path failed, returning zero-filled summary")
		return domain.Summary{}
	}

	return domain.Summary{Default: defaultCounters, Fallback: fallbackCounters}
}

func (s *Service) readCounters(ctx context.Context, p domain.Processor) (domain.ProcessorCounters, error) {
	res, err := s.rdb.HGetAll(ctx, keyPrefix+string(p)).Result()
	if err != nil {
		return domain.ProcessorCounters{}, fmt.Errorf("read counters for %s: %w", p, err)
	}
	if len(res) == 0 {
		return domain.ProcessorCounters{}, nil
	}

	var counters domain.ProcessorCounters
	if v, ok := res[fieldRequests]; ok {
		fmt.Sscanf(v, "%d", &counters.TotalRequests)
	}
	if v, ok := res[fieldAmount]; ok {
		fmt.Sscanf(v, "%g", &counters.TotalAmount)
	}
	return counters, nil
}

// Rebuild is the slow path: clear the cached counters and recompute them
// from the ledger. Used after purgeAll or to recover from counter drift.
func (s *Service) Rebuild(ctx context.Context) error {
	if err := s.rdb.Del(ctx, keyPrefix+string(domain.ProcessorDefault), keyPrefix+string(domain.ProcessorFallback)).Err(); err != nil {
		return fmt.Errorf("clear summary counters: %w", err)
	}

	fresh, err := s.aggregator.Counts(ctx)
	if err != nil {
		return fmt.Errorf("rebuild summary from ledger: %w", err)
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, keyPrefix+string(domain.ProcessorDefault), fieldRequests, fresh.Default.TotalRequests, fieldAmount, fresh.Default.TotalAmount)
	pipe.HSet(ctx, keyPrefix+string(domain.ProcessorFallback), fieldRequests, fresh.Fallback.TotalRequests, fieldAmount, fresh.Fallback.TotalAmount)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write rebuilt summary counters: %w", err)
	}
	return nil
}
