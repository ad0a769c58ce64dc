package dispatch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/getahuntadesse/payment-broker/internal/config"
	"github.com/getahuntadesse/payment-broker/internal/domain"
	"github.com/getahuntadesse/payment-broker/internal/processorclient"
	"github.com/getahuntadesse/payment-broker/internal/queue"
)

type fakeQueue struct {
	mu          sync.Mutex
	markers     map[string]bool
	enqueued    map[string]bool
	takeBatch   []domain.QueueItem
	takeDue     []domain.QueueItem
	finalized   []queue.DeliveredItem
	rescheduled []queue.DeliveredItem
	enqueueErr  error
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{markers: map[string]bool{}, enqueued: map[string]bool{}}
}

func (f *fakeQueue) Enqueue(ctx context.Context, correlationID string, amount float64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return false, f.enqueueErr
	}
	if f.enqueued[correlationID] {
		return false, nil
	}
	f.enqueued[correlationID] = true
	return true, nil
}

func (f *fakeQueue) IsProcessed(ctx context.Context, correlationID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.markers[correlationID]
}

func (f *fakeQueue) MarkProcessed(ctx context.Context, correlationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markers[correlationID] = true
	return nil
}

func (f *fakeQueue) TakeBatch(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	return f.takeBatch, nil
}

func (f *fakeQueue) TakeDue(ctx context.Context, now time.Time) ([]domain.QueueItem, error) {
	return f.takeDue, nil
}

func (f *fakeQueue) FinalizeSuccess(ctx context.Context, items []queue.DeliveredItem) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, items...)
}

func (f *fakeQueue) Reschedule(ctx context.Context, items []queue.DeliveredItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rescheduled = append(f.rescheduled, items...)
	return nil
}

type fakeHealth struct {
	snapshot domain.HealthSnapshot
}

func (f fakeHealth) Snapshot() domain.HealthSnapshot { return f.snapshot }

type fakeLedger struct {
	mu            sync.Mutex
	existing      map[string]bool
	created       []domain.Transaction
	createManyErr error
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{existing: map[string]bool{}}
}

func (f *fakeLedger) Exists(ctx context.Context, correlationID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[correlationID]
}

func (f *fakeLedger) Create(ctx context.Context, txn domain.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.existing[txn.CorrelationID] {
		return domain.ErrDuplicate
	}
	f.existing[txn.CorrelationID] = true
	f.created = append(f.created, txn)
	return nil
}

func (f *fakeLedger) CreateMany(ctx context.Context, txns []domain.Transaction) ([]domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createManyErr != nil {
		return nil, f.createManyErr
	}
	var inserted []domain.Transaction
	for _, txn := range txns {
		if f.existing[txn.CorrelationID] {
			continue
		}
		f.existing[txn.CorrelationID] = true
		f.created = append(f.created, txn)
		inserted = append(inserted, txn)
	}
	return inserted, nil
}

type fakeSummary struct {
	mu          sync.Mutex
	incremented []domain.Processor
}

func (f *fakeSummary) Increment(ctx context.Context, processor domain.Processor, amount float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incremented = append(f.incremented, processor)
}

type noopMetrics struct{}

func (noopMetrics) IntakeOutcome(string)                  {}
func (noopMetrics) DrainTick(time.Duration, int, int)     {}
func (noopMetrics) Delivery(string, string)               {}
func (noopMetrics) DeliveryLatency(string, time.Duration) {}

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func healthyServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(s.Close)
	return s
}

func failingServer(t *testing.T) *httptest.Server {
	t.Helper()
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(s.Close)
	return s
}

func testCfg() config.DispatchConfig {
	return config.DispatchConfig{
		IntakeTimeout:     500 * time.Millisecond,
		DrainBatchTimeout: 8 * time.Second,
		DrainBatchSize:    20,
		DrainIdleDelay:    100 * time.Millisecond,
	}
}

func TestIntakeAcceptsSynchronouslyOnDefaultSuccess(t *testing.T) {
	def := healthyServer(t)
	fb := failingServer(t)

	q := newFakeQueue()
	l := newFakeLedger()
	sm := &fakeSummary{}
	h := fakeHealth{snapshot: domain.HealthSnapshot{}}

	e := New(q, h, l, sm, noopMetrics{}, testLogger(), processorclient.New(def.URL), processorclient.New(fb.URL), testCfg())

	outcome, err := e.Intake(context.Background(), domain.PaymentRequest{CorrelationID: "11111111-1111-1111-1111-111111111111", Amount: 19.90})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeAcceptedSync, outcome)
	require.Len(t, l.created, 1)
	require.Equal(t, domain.ProcessorDefault, l.created[0].Processor)
	require.True(t, q.markers["11111111-1111-1111-1111-111111111111"])
}

func TestIntakeFallsBackWhenDefaultFails(t *testing.T) {
	def := failingServer(t)
	fb := healthyServer(t)

	q := newFakeQueue()
	l := newFakeLedger()
	sm := &fakeSummary{}
	h := fakeHealth{snapshot: domain.HealthSnapshot{}}

	e := New(q, h, l, sm, noopMetrics{}, testLogger(), processorclient.New(def.URL), processorclient.New(fb.URL), testCfg())

	outcome, err := e.Intake(context.Background(), domain.PaymentRequest{CorrelationID: "22222222-2222-2222-2222-222222222222", Amount: 5})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeAcceptedSync, outcome)
	require.Equal(t, domain.ProcessorFallback, l.created[0].Processor)
}

func TestIntakeSkipsFailingProcessorPerHealthSnapshot(t *testing.T) {
	def := healthyServer(t) // would succeed, but marked failing below
	fb := healthyServer(t)

	q := newFakeQueue()
	l := newFakeLedger()
	sm := &fakeSummary{}
	h := fakeHealth{snapshot: domain.HealthSnapshot{
		Default: domain.ProcessorHealth{IsFailing: true},
	}}

	e := New(q, h, l, sm, noopMetrics{}, testLogger(), processorclient.New(def.URL), processorclient.New(fb.URL), testCfg())

	outcome, err := e.Intake(context.Background(), domain.PaymentRequest{CorrelationID: "33333333-3333-3333-3333-333333333333", Amount: 5})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeAcceptedSync, outcome)
	require.Equal(t, domain.ProcessorFallback, l.created[0].Processor)
}

func TestIntakeQueuesWhenBothProcessorsFail(t *testing.T) {
	def := failingServer(t)
	fb := failingServer(t)

	q := newFakeQueue()
	l := newFakeLedger()
	sm := &fakeSummary{}
	h := fakeHealth{}

	e := New(q, h, l, sm, noopMetrics{}, testLogger(), processorclient.New(def.URL), processorclient.New(fb.URL), testCfg())

	outcome, err := e.Intake(context.Background(), domain.PaymentRequest{CorrelationID: "44444444-4444-4444-4444-444444444444", Amount: 5})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeQueued, outcome)
	require.True(t, q.enqueued["44444444-4444-4444-4444-444444444444"])
	require.Empty(t, l.created)
}

func TestIntakeRejectsKnownDuplicate(t *testing.T) {
	def := healthyServer(t)
	fb := healthyServer(t)

	q := newFakeQueue()
	l := newFakeLedger()
	l.existing["55555555-5555-5555-5555-555555555555"] = true
	sm := &fakeSummary{}
	h := fakeHealth{}

	e := New(q, h, l, sm, noopMetrics{}, testLogger(), processorclient.New(def.URL), processorclient.New(fb.URL), testCfg())

	outcome, err := e.Intake(context.Background(), domain.PaymentRequest{CorrelationID: "55555555-5555-5555-5555-555555555555", Amount: 5})
	require.NoError(t, err)
	require.Equal(t, domain.OutcomeDuplicate, outcome)
}

// Only the request whose ledger insert actually lands may increment the
// summary counters, even when several concurrent requests race past the
// processed-marker/ledger.Exists fail-open checks and reach a successful
// delivery attempt.
func TestIntakeConcurrentDuplicatesIncrementSummaryExactlyOnce(t *testing.T) {
	def := healthyServer(t)
	fb := healthyServer(t)

	q := newFakeQueue()
	l := newFakeLedger()
	sm := &fakeSummary{}
	h := fakeHealth{}

	e := New(q, h, l, sm, noopMetrics{}, testLogger(), processorclient.New(def.URL), processorclient.New(fb.URL), testCfg())

	const concurrency = 50
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			_, _ = e.Intake(context.Background(), domain.PaymentRequest{
				CorrelationID: "99999999-9999-9999-9999-999999999999",
				Amount:        1.00,
			})
		}()
	}
	wg.Wait()

	require.Len(t, l.created, 1, "exactly one ledger row for the correlationId")
	require.Len(t, sm.incremented, 1, "summary counter must increment exactly once despite the duplicate burst")
}

func TestIntakeRejectsInvalidInput(t *testing.T) {
	q := newFakeQueue()
	l := newFakeLedger()
	sm := &fakeSummary{}
	h := fakeHealth{}

	e := New(q, h, l, sm, noopMetrics{}, testLogger(), processorclient.New("http://unused"), processorclient.New("http://unused"), testCfg())

	_, err := e.Intake(context.Background(), domain.PaymentRequest{CorrelationID: "too-short", Amount: 5})
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestDrainTickFinalizesSuccessesWithoutRescheduling(t *testing.T) {
	def := healthyServer(t)
	fb := healthyServer(t)

	q := newFakeQueue()
	q.takeBatch = []domain.QueueItem{
		{CorrelationID: "66666666-6666-6666-6666-666666666666", Amount: 10},
	}
	q.takeDue = []domain.QueueItem{
		{CorrelationID: "77777777-7777-7777-7777-777777777777", Amount: 20, RetryCount: 1},
	}

	l := newFakeLedger()
	sm := &fakeSummary{}
	h := fakeHealth{}

	e := New(q, h, l, sm, noopMetrics{}, testLogger(), processorclient.New(def.URL), processorclient.New(fb.URL), testCfg())

	nonEmpty := e.drainTick(context.Background())
	require.True(t, nonEmpty)
	require.Len(t, l.created, 2)
	require.Len(t, q.finalized, 2)
	require.Empty(t, q.rescheduled)
	require.Len(t, sm.incremented, 2)
}

func TestDrainTickReturnsFalseOnEmptyBatch(t *testing.T) {
	q := newFakeQueue()
	l := newFakeLedger()
	sm := &fakeSummary{}
	h := fakeHealth{}

	e := New(q, h, l, sm, noopMetrics{}, testLogger(), processorclient.New("http://unused"), processorclient.New("http://unused"), testCfg())

	require.False(t, e.drainTick(context.Background()))
}

func TestDrainTickReschedulesOnDeliveryFailure(t *testing.T) {
	def := failingServer(t)
	fb := failingServer(t)

	q := newFakeQueue()
	q.takeBatch = []domain.QueueItem{
		{CorrelationID: "88888888-8888-8888-8888-888888888888", Amount: 10},
	}

	l := newFakeLedger()
	sm := &fakeSummary{}
	h := fakeHealth{}

	e := New(q, h, l, sm, noopMetrics{}, testLogger(), processorclient.New(def.URL), processorclient.New(fb.URL), testCfg())

	nonEmpty := e.drainTick(context.Background())
	require.True(t, nonEmpty)
	require.Empty(t, l.created)
	require.Len(t, q.rescheduled, 1)
}
