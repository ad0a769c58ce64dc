// Package reconcile implements the operator-triggered recovery operation
// that returns processing-set items left behind by a crashed worker to the
// retry queue. It is never run automatically by the dispatch engine.
package reconcile

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// QueueManager is the slice of queue.Manager reconciliation needs.
type QueueManager interface {
	ReconcileOrphans(ctx context.Context) (int, error)
}

// Metrics records how many orphans were recovered.
type Metrics interface {
	ReconciledOrphans(n int)
}

type Reconciler struct {
	queue   QueueManager
	metrics Metrics
	logger  *logrus.Logger
}

func New(queue QueueManager, metrics Metrics, logger *logrus.Logger) *Reconciler {
	return &Reconciler{queue: queue, metrics: metrics, logger: logger}
}

// Run performs one reconciliation pass, moving every orphaned processing-set
// item back into the retry queue so it becomes eligible for redelivery on
// the next drain tick.
func (r *Reconciler) Run(ctx context.Context) error {
	moved, err := r.queue.ReconcileOrphans(ctx)
	if err != nil {
		return fmt.Errorf("reconcile orphans: %w", err)
	}

	r.metrics.ReconciledOrphans(moved)
	r.logger.WithField("recovered", moved).Info("reconcile: recovered orphaned processing-set items")
	return nil
}
