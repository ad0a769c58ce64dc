package summary

import (
	"context"
	"io"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/getahuntadesse/payment-broker/internal/domain"
)

type stubAggregator struct {
	summary domain.Summary
	err     error
}

func (s stubAggregator) Counts(ctx context.Context) (domain.Summary, error) {
	return s.summary, s.err
}

func newTestService(t *testing.T, agg Aggregator) (*Service, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(rdb, agg, logger), mr
}

func TestGetSummaryZeroFillsAbsentProcessor(t *testing.T) {
	s, _ := newTestService(t, stubAggregator{})
	got := s.GetSummary(context.Background())
	require.Zero(t, got.Default.TotalRequests)
	require.Zero(t, got.Fallback.TotalRequests)
}

func TestIncrementThenGetSummary(t *testing.T) {
	s, _ := newTestService(t, stubAggregator{})
	ctx := context.Background()

	s.Increment(ctx, domain.ProcessorDefault, 19.90)
	s.Increment(ctx, domain.ProcessorDefault, 5.00)
	s.Increment(ctx, domain.ProcessorFallback, 100.00)

	got := s.GetSummary(ctx)
	require.EqualValues(t, 2, got.Default.TotalRequests)
	require.InDelta(t, 24.90, got.Default.TotalAmount, 0.001)
	require.EqualValues(t, 1, got.Fallback.TotalRequests)
	require.InDelta(t, 100.00, got.Fallback.TotalAmount, 0.001)
}

// A read failure for either processor must zero-fill the whole response:
// real counters for one side next to zeros for the other would misstate the
// split between processors.
func TestGetSummaryZeroFillsBothWhenOneReadFails(t *testing.T) {
	s, mr := newTestService(t, stubAggregator{})
	ctx := context.Background()

	s.Increment(ctx, domain.ProcessorDefault, 10.00)

	// A plain string under the fallback hash key makes HGetAll fail with
	// WRONGTYPE while the default read still succeeds.
	require.NoError(t, mr.Set(keyPrefix+string(domain.ProcessorFallback), "not-a-hash"))

	got := s.GetSummary(ctx)
	require.Zero(t, got.Default.TotalRequests)
	require.Zero(t, got.Default.TotalAmount)
	require.Zero(t, got.Fallback.TotalRequests)
	require.Zero(t, got.Fallback.TotalAmount)
}

func TestRebuildClearsAndRepopulatesFromLedger(t *testing.T) {
	agg := stubAggregator{summary: domain.Summary{
		Default:  domain.ProcessorCounters{TotalRequests: 7, TotalAmount: 321.50},
		Fallback: domain.ProcessorCounters{TotalRequests: 2, TotalAmount: 40.00},
	}}
	s, _ := newTestService(t, agg)
	ctx := context.Background()

	s.Increment(ctx, domain.ProcessorDefault, 1.00) // pre-existing drift

	require.NoError(t, s.Rebuild(ctx))

	got := s.GetSummary(ctx)
	require.EqualValues(t, 7, got.Default.TotalRequests)
	require.InDelta(t, 321.50, got.Default.TotalAmount, 0.001)
	require.EqualValues(t, 2, got.Fallback.TotalRequests)
	require.InDelta(t, 40.00, got.Fallback.TotalAmount, 0.001)
}
