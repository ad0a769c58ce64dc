// Package queue implements the Queue Manager (Q): the main FIFO, the
// time-ordered retry set, and the in-flight processing set, all backed by
// the shared coordination store and moved between with atomic Redis
// scripts where a multi-step move would otherwise race.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/getahuntadesse/payment-broker/internal/coordination"
	"github.com/getahuntadesse/payment-broker/internal/domain"
)

const (
	KeyMainQueue  = "payment_queue"
	KeyRetryQueue = "payment_retry_queue"
	KeyProcessing = "payment_processing"

	keyItemMarkerPrefix     = "queue_item:"
	keyProcessedMarkerPrefix = "payment_processed:"
	keyFailedMarkerPrefix   = "payment_failed:"

	itemMarkerTTL      = 1 * time.Hour
	processedMarkerTTL = 1 * time.Hour
	failedMarkerTTL    = 24 * time.Hour
)

// Backoff computes min(300, 2^r * 5) seconds, applied before the first
// retry when moving an item from r failures to r+1.
func Backoff(retryCount int) time.Duration {
	seconds := float64(int64(5) << uint(retryCount))
	if seconds > 300 {
		seconds = 300
	}
	return time.Duration(seconds) * time.Second
}

// Manager is the Queue Manager. Single-key CAS/TTL operations (the dedup and
// processed markers) and the scripted atomic blocks go through the narrow
// coordination.Client surface; the list/sorted-set/pipeline operations go
// through the raw client it wraps, since that surface isn't part of
// coordination.Client's generic API.
type Manager struct {
	coord  *coordination.Client
	rdb    *redis.Client
	logger *logrus.Logger

	takeDueScript   *redis.Script
	reconcileScript *redis.Script
}

func NewManager(coord *coordination.Client, logger *logrus.Logger) *Manager {
	return &Manager{
		coord:  coord,
		rdb:    coord.Raw(),
		logger: logger,

		// takeDueScript atomically reads every retry-queue entry due by
		// `now`, removes it from the retry set, and pushes it onto the
		// processing list in one round trip. Partial execution here would
		// double-deliver a payment, so this must not be a pipeline of
		// separate commands.
		takeDueScript: redis.NewScript(`
			local retryKey = KEYS[1]
			local processingKey = KEYS[2]
			local now = ARGV[1]
			local due = redis.call('ZRANGEBYSCORE', retryKey, '-inf', now)
			if #due == 0 then
				return due
			end
			redis.call('ZREM', retryKey, unpack(due))
			for i = 1, #due do
				redis.call('LPUSH', processingKey, due[i])
			end
			return due
		`),

		// reconcileScript moves every item currently in the processing
		// list back into the retry queue, preserving retryCount.
		reconcileScript: redis.NewScript(`
			local processingKey = KEYS[1]
			local retryKey = KEYS[2]
			local now = tonumber(ARGV[1])
			local moved = {}
			local items = redis.call('LRANGE', processingKey, 0, -1)
			for i = 1, #items do
				redis.call('LREM', processingKey, 1, items[i])
				redis.call('ZADD', retryKey, now, items[i])
				table.insert(moved, items[i])
			end
			return moved
		`),
	}
}

// Enqueue idempotently inserts a fresh payment into the main queue.
// Returns whether the insertion actually occurred.
func (m *Manager) Enqueue(ctx context.Context, correlationID string, amount float64) (bool, error) {
	markerKey := keyItemMarkerPrefix + correlationID
	ok, err := m.coord.SetNX(ctx, markerKey, "1", itemMarkerTTL)
	if err != nil {
		return false, fmt.Errorf("enqueue marker for %s: %w", correlationID, err)
	}
	if !ok {
		return false, nil
	}

	item := domain.QueueItem{CorrelationID: correlationID, Amount: amount, RetryCount: 0}
	serialized, err := json.Marshal(item)
	if err != nil {
		return false, fmt.Errorf("marshal queue item %s: %w", correlationID, err)
	}

	if err := m.rdb.LPush(ctx, KeyMainQueue, serialized).Err(); err != nil {
		return false, fmt.Errorf("push queue item %s: %w", correlationID, err)
	}
	return true, nil
}

// TakeBatch moves up to limit items from the tail of the main queue into
// the processing set, returning them parsed.
func (m *Manager) TakeBatch(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	items := make([]domain.QueueItem, 0, limit)
	for i := 0; i < limit; i++ {
		raw, err := m.rdb.RPopLPush(ctx, KeyMainQueue, KeyProcessing).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			m.logger.WithError(err).Warn("takeBatch: coordination store error, returning partial batch")
			return items, nil
		}
		var parsed domain.QueueItem
		if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
			m.logger.WithError(err).Error("takeBatch: dropping unparseable queue item")
			continue
		}
		items = append(items, parsed)
	}
	return items, nil
}

// TakeDue atomically moves every retry-queue entry due by now into the
// processing set.
func (m *Manager) TakeDue(ctx context.Context, now time.Time) ([]domain.QueueItem, error) {
	res, err := m.coord.Eval(ctx, m.takeDueScript, []string{KeyRetryQueue, KeyProcessing}, now.UnixMilli())
	if err != nil {
		m.logger.WithError(err).Warn("takeDue: coordination store error, returning empty batch")
		return nil, nil
	}

	raws, ok := res.([]interface{})
	if !ok {
		return nil, nil
	}
	items := make([]domain.QueueItem, 0, len(raws))
	for _, r := range raws {
		s, ok := r.(string)
		if !ok {
			continue
		}
		var parsed domain.QueueItem
		if err := json.Unmarshal([]byte(s), &parsed); err != nil {
			m.logger.WithError(err).Error("takeDue: dropping unparseable queue item")
			continue
		}
		items = append(items, parsed)
	}
	return items, nil
}

// DeliveredItem pairs a queue item with its exact serialized processing-set
// form, needed so finalize/reschedule can remove the precise occurrence.
type DeliveredItem struct {
	Item domain.QueueItem
	Raw  string
}

// Serialize renders a queue item to the exact wire form stored in the
// processing set, for callers that took the batch via TakeBatch/TakeDue and
// now need to identify the raw occurrence to remove.
func Serialize(item domain.QueueItem) (string, error) {
	b, err := json.Marshal(item)
	if err != nil {
		return "", fmt.Errorf("marshal queue item %s: %w", item.CorrelationID, err)
	}
	return string(b), nil
}

// FinalizeSuccess removes each delivered item from the processing set,
// deletes its dedup marker, and sets a best-effort processed marker. Ledger
// writes must have already committed — this is cleanup, not the source of
// truth.
func (m *Manager) FinalizeSuccess(ctx context.Context, items []DeliveredItem) {
	if len(items) == 0 {
		return
	}
	pipe := m.rdb.Pipeline()
	for _, it := range items {
		pipe.LRem(ctx, KeyProcessing, 1, it.Raw)
		pipe.Del(ctx, keyItemMarkerPrefix+it.Item.CorrelationID)
		pipe.Set(ctx, keyProcessedMarkerPrefix+it.Item.CorrelationID, "1", processedMarkerTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.WithError(err).Warn("finalizeSuccess: best-effort marker cleanup failed, ledger remains source of truth")
	}
}

// Reschedule removes each failed item from the processing set and either
// reinserts it into the retry queue with backoff, or terminates it as
// failed once MaxRetryCount is reached.
func (m *Manager) Reschedule(ctx context.Context, items []DeliveredItem) error {
	if len(items) == 0 {
		return nil
	}
	pipe := m.rdb.Pipeline()
	now := time.Now()
	for _, it := range items {
		pipe.LRem(ctx, KeyProcessing, 1, it.Raw)

		if it.Item.RetryCount >= domain.MaxRetryCount {
			pipe.Del(ctx, keyItemMarkerPrefix+it.Item.CorrelationID)
			pipe.Set(ctx, keyFailedMarkerPrefix+it.Item.CorrelationID, "1", failedMarkerTTL)
			continue
		}

		delay := Backoff(it.Item.RetryCount)
		next := it.Item
		next.RetryCount++
		next.NextRetryAt = now.Add(delay).UnixMilli()
		serialized, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal rescheduled item %s: %w", it.Item.CorrelationID, err)
		}
		pipe.ZAdd(ctx, KeyRetryQueue, redis.Z{Score: float64(next.NextRetryAt), Member: serialized})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("reschedule batch: %w", err)
	}
	return nil
}

// PurgeAll clears every queue collection and per-correlation marker.
// Administrative operation backing POST /purge-payments.
func (m *Manager) PurgeAll(ctx context.Context) error {
	if err := m.coord.Delete(ctx, KeyMainQueue, KeyRetryQueue, KeyProcessing); err != nil {
		return fmt.Errorf("purge queue collections: %w", err)
	}

	for _, prefix := range []string{keyItemMarkerPrefix, keyProcessedMarkerPrefix, keyFailedMarkerPrefix} {
		if err := m.deleteByPrefix(ctx, prefix); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) deleteByPrefix(ctx context.Context, prefix string) error {
	iter := m.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan %s*: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := m.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("delete %s*: %w", prefix, err)
	}
	return nil
}

// IsProcessed reports whether a processed-marker already exists for
// correlationId, fail-open (treated as "not processed") on a coordination
// store error.
func (m *Manager) IsProcessed(ctx context.Context, correlationID string) bool {
	exists, err := m.coord.Exists(ctx, keyProcessedMarkerPrefix+correlationID)
	if err != nil {
		m.logger.WithError(err).Warn("isProcessed: coordination store error, treating as not processed")
		return false
	}
	return exists
}

// MarkProcessed sets the processed-marker for a single correlationId,
// outside of a batch — used by the intake path's synchronous accept.
func (m *Manager) MarkProcessed(ctx context.Context, correlationID string) error {
	if err := m.coord.Set(ctx, keyProcessedMarkerPrefix+correlationID, "1", processedMarkerTTL); err != nil {
		return fmt.Errorf("mark processed %s: %w", correlationID, err)
	}
	return nil
}

// Depths reports the length of each of the three queue collections, used by
// the metrics sampler.
func (m *Manager) Depths(ctx context.Context) (main, retry, processing int64, err error) {
	pipe := m.rdb.Pipeline()
	mainCmd := pipe.LLen(ctx, KeyMainQueue)
	retryCmd := pipe.ZCard(ctx, KeyRetryQueue)
	procCmd := pipe.LLen(ctx, KeyProcessing)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, 0, fmt.Errorf("queue depths: %w", err)
	}
	return mainCmd.Val(), retryCmd.Val(), procCmd.Val(), nil
}

// ReconcileOrphans moves every item currently sitting in the processing set
// back into the retry queue, eligible immediately. Used by the standalone
// reconciler after a crash leaves orphaned in-flight items. The processing
// set carries no per-item timestamp, so distinguishing a crashed replica's
// orphans from a live drain tick's in-flight items is the operator's job:
// run this only when no drain loop holds the items.
func (m *Manager) ReconcileOrphans(ctx context.Context) (int, error) {
	res, err := m.coord.Eval(ctx, m.reconcileScript, []string{KeyProcessing, KeyRetryQueue}, time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("reconcile orphans: %w", err)
	}
	moved, ok := res.([]interface{})
	if !ok {
		return 0, nil
	}
	return len(moved), nil
}
