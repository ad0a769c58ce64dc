// Package dispatch implements the Dispatch Engine (D): the intake path that
// attempts synchronous delivery for an inbound payment, and the drain loop
// that continuously retries whatever intake could not place immediately.
// This is the heart of the broker — everything else exists to support it.
package dispatch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/getahuntadesse/payment-broker/internal/config"
	"github.com/getahuntadesse/payment-broker/internal/domain"
	"github.com/getahuntadesse/payment-broker/internal/processorclient"
	"github.com/getahuntadesse/payment-broker/internal/queue"
)

// Ledger is the slice of the ledger store the engine needs.
type Ledger interface {
	Exists(ctx context.Context, correlationID string) bool
	Create(ctx context.Context, txn domain.Transaction) error
	CreateMany(ctx context.Context, txns []domain.Transaction) ([]domain.Transaction, error)
}

// HealthSource supplies the current cluster verdict without I/O.
type HealthSource interface {
	Snapshot() domain.HealthSnapshot
}

// SummaryRecorder is notified of every newly-committed transaction.
type SummaryRecorder interface {
	Increment(ctx context.Context, processor domain.Processor, amount float64)
}

// Metrics is the narrow observability surface the engine drives.
type Metrics interface {
	IntakeOutcome(outcome string)
	DrainTick(d time.Duration, mainBatch, dueBatch int)
	Delivery(processor, result string)
	DeliveryLatency(processor string, d time.Duration)
}

// QueueManager is the slice of queue.Manager the engine needs, narrowed so
// tests can supply a fake.
type QueueManager interface {
	Enqueue(ctx context.Context, correlationID string, amount float64) (bool, error)
	IsProcessed(ctx context.Context, correlationID string) bool
	MarkProcessed(ctx context.Context, correlationID string) error
	TakeBatch(ctx context.Context, limit int) ([]domain.QueueItem, error)
	TakeDue(ctx context.Context, now time.Time) ([]domain.QueueItem, error)
	FinalizeSuccess(ctx context.Context, items []queue.DeliveredItem)
	Reschedule(ctx context.Context, items []queue.DeliveredItem) error
}

// Engine wires the queue, health, ledger, and summary collaborators into
// the two dispatch entry points.
type Engine struct {
	queue   QueueManager
	health  HealthSource
	ledger  Ledger
	summary SummaryRecorder
	metrics Metrics
	logger  *logrus.Logger

	defaultClient  *processorclient.Client
	fallbackClient *processorclient.Client

	cfg config.DispatchConfig
}

func New(q QueueManager, h HealthSource, l Ledger, s SummaryRecorder, m Metrics, logger *logrus.Logger, defaultClient, fallbackClient *processorclient.Client, cfg config.DispatchConfig) *Engine {
	return &Engine{
		queue:          q,
		health:         h,
		ledger:         l,
		summary:        s,
		metrics:        m,
		logger:         logger,
		defaultClient:  defaultClient,
		fallbackClient: fallbackClient,
		cfg:            cfg,
	}
}

func (e *Engine) clientFor(p domain.Processor) *processorclient.Client {
	if p == domain.ProcessorDefault {
		return e.defaultClient
	}
	return e.fallbackClient
}

// attempt issues the delivery attempt against each candidate processor in
// order, returning the processor that accepted it. Shared between the
// intake path and the drain loop; the caller controls the deadline via ctx.
func (e *Engine) attempt(ctx context.Context, tryOrder []domain.Processor, correlationID string, amount float64) (domain.Processor, bool) {
	for _, p := range tryOrder {
		attemptStart := time.Now()
		err := e.clientFor(p).Submit(ctx, correlationID, amount)
		e.metrics.DeliveryLatency(string(p), time.Since(attemptStart))
		if err == nil {
			e.metrics.Delivery(string(p), "success")
			return p, true
		}
		e.metrics.Delivery(string(p), "failure")
		e.logger.WithError(err).WithFields(logrus.Fields{
			"correlationId": correlationID,
			"processor":     p,
		}).Debug("dispatch: delivery attempt failed, trying next processor")
	}
	return "", false
}

// Intake is the synchronous entry point invoked per inbound payment: try
// immediate delivery, fall back to the queue on any failure.
func (e *Engine) Intake(ctx context.Context, req domain.PaymentRequest) (domain.Outcome, error) {
	if err := req.Validate(); err != nil {
		e.metrics.IntakeOutcome("invalid")
		return "", domain.ErrInvalidInput
	}

	if e.queue.IsProcessed(ctx, req.CorrelationID) || e.ledger.Exists(ctx, req.CorrelationID) {
		e.metrics.IntakeOutcome("duplicate")
		return domain.OutcomeDuplicate, nil
	}

	snapshot := e.health.Snapshot()
	tryOrder := snapshot.TryOrder()

	intakeCtx, cancel := context.WithTimeout(ctx, e.cfg.IntakeTimeout)
	defer cancel()

	if p, ok := e.attempt(intakeCtx, tryOrder, req.CorrelationID, req.Amount); ok {
		txn := domain.Transaction{
			CorrelationID: req.CorrelationID,
			Amount:        req.Amount,
			Processor:     p,
			ProcessedAt:   time.Now().UTC(),
		}
		err := e.ledger.Create(ctx, txn)
		if err != nil && err != domain.ErrDuplicate {
			e.logger.WithError(err).WithField("correlationId", req.CorrelationID).Error("dispatch: ledger commit failed after successful delivery")
			return "", domain.ErrLedgerDown
		}
		if err == domain.ErrDuplicate {
			// Another concurrent request already committed this
			// correlationId. The row is not newly inserted, so the summary
			// must not be incremented here; only the request that actually
			// inserted it may count.
			e.metrics.IntakeOutcome("duplicate")
			return domain.OutcomeDuplicate, nil
		}
		if err := e.queue.MarkProcessed(ctx, req.CorrelationID); err != nil {
			e.logger.WithError(err).WithField("correlationId", req.CorrelationID).Warn("dispatch: failed to set processed-marker")
		}
		e.summary.Increment(ctx, p, req.Amount)
		e.metrics.IntakeOutcome("accepted_sync")
		return domain.OutcomeAcceptedSync, nil
	}

	ok, err := e.queue.Enqueue(ctx, req.CorrelationID, req.Amount)
	if err != nil {
		e.metrics.IntakeOutcome("enqueue_failed")
		return "", domain.ErrEnqueueFailed
	}
	if !ok {
		// Another replica already enqueued this correlationId concurrently.
		e.metrics.IntakeOutcome("duplicate")
		return domain.OutcomeDuplicate, nil
	}

	e.metrics.IntakeOutcome("queued")
	return domain.OutcomeQueued, nil
}

func toDelivered(item domain.QueueItem) (queue.DeliveredItem, error) {
	raw, err := queue.Serialize(item)
	if err != nil {
		return queue.DeliveredItem{}, err
	}
	return queue.DeliveredItem{Item: item, Raw: raw}, nil
}

// RunDrainLoop runs the drain loop forever until ctx is cancelled.
func (e *Engine) RunDrainLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		nonEmpty := e.drainTick(ctx)
		if !nonEmpty {
			select {
			case <-ctx.Done():
				return
			case <-time.After(e.cfg.DrainIdleDelay):
			}
		}
	}
}

// drainTick runs one iteration of the drain loop and reports whether the
// batch was non-empty (the caller loops immediately in that case).
func (e *Engine) drainTick(ctx context.Context) bool {
	start := time.Now()
	batchCtx, cancel := context.WithTimeout(ctx, e.cfg.DrainBatchTimeout)
	defer cancel()

	var mainItems, dueItems []domain.QueueItem
	g, gctx := errgroup.WithContext(batchCtx)
	g.Go(func() error {
		items, err := e.queue.TakeBatch(gctx, e.cfg.DrainBatchSize)
		mainItems = items
		return err
	})
	g.Go(func() error {
		items, err := e.queue.TakeDue(gctx, time.Now())
		dueItems = items
		return err
	})
	if err := g.Wait(); err != nil {
		e.logger.WithError(err).Warn("dispatch: drain tick failed to take batch")
		return false
	}

	batch := append(append([]domain.QueueItem{}, mainItems...), dueItems...)
	e.metrics.DrainTick(time.Since(start), len(mainItems), len(dueItems))
	if len(batch) == 0 {
		return false
	}

	snapshot := e.health.Snapshot()
	tryOrder := snapshot.TryOrder()

	type deliveryResult struct {
		item      domain.QueueItem
		processor domain.Processor
		ok        bool
	}
	results := make([]deliveryResult, len(batch))

	dg, dgctx := errgroup.WithContext(batchCtx)
	for i, item := range batch {
		i, item := i, item
		dg.Go(func() error {
			p, ok := e.attempt(dgctx, tryOrder, item.CorrelationID, item.Amount)
			results[i] = deliveryResult{item: item, processor: p, ok: ok}
			return nil
		})
	}
	_ = dg.Wait()

	var successes []domain.Transaction
	var successItems []domain.QueueItem
	var failures []queue.DeliveredItem
	now := time.Now().UTC()

	for _, r := range results {
		if r.ok {
			successes = append(successes, domain.Transaction{
				CorrelationID: r.item.CorrelationID,
				Amount:        r.item.Amount,
				Processor:     r.processor,
				ProcessedAt:   now,
			})
			successItems = append(successItems, r.item)
			continue
		}
		delivered, err := toDelivered(r.item)
		if err != nil {
			e.logger.WithError(err).Error("dispatch: failed to serialize failed item")
			continue
		}
		failures = append(failures, delivered)
	}

	if len(successes) > 0 {
		inserted, err := e.ledger.CreateMany(batchCtx, successes)
		if err != nil {
			e.logger.WithError(err).Error("dispatch: ledger batch insert failed, rescheduling instead of finalizing")
			for _, item := range successItems {
				delivered, derr := toDelivered(item)
				if derr != nil {
					continue
				}
				failures = append(failures, delivered)
			}
		} else {
			insertedIDs := make(map[string]domain.Transaction, len(inserted))
			for _, txn := range inserted {
				insertedIDs[txn.CorrelationID] = txn
			}

			var toFinalize []queue.DeliveredItem
			for _, item := range successItems {
				txn, wasInserted := insertedIDs[item.CorrelationID]
				delivered, derr := toDelivered(item)
				if derr != nil {
					continue
				}
				if wasInserted {
					toFinalize = append(toFinalize, delivered)
					e.summary.Increment(batchCtx, txn.Processor, txn.Amount)
				} else {
					// Already present from a previous cycle: still clean up
					// queue bookkeeping, but do not double-count the summary.
					toFinalize = append(toFinalize, delivered)
				}
			}
			e.queue.FinalizeSuccess(batchCtx, toFinalize)
		}
	}

	if len(failures) > 0 {
		if err := e.queue.Reschedule(batchCtx, failures); err != nil {
			e.logger.WithError(err).Error("dispatch: failed to reschedule failed batch")
		}
	}

	return true
}
