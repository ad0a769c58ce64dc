package reconcile

import (
	"context"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakeQueue struct {
	moved int
	err   error
}

func (f fakeQueue) ReconcileOrphans(ctx context.Context) (int, error) {
	return f.moved, f.err
}

type fakeMetrics struct {
	recorded int
}

func (f *fakeMetrics) ReconciledOrphans(n int) {
	f.recorded = n
}

func TestRunRecordsRecoveredCount(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	m := &fakeMetrics{}
	r := New(fakeQueue{moved: 3}, m, logger)

	require.NoError(t, r.Run(context.Background()))
	require.Equal(t, 3, m.recorded)
}

func TestRunPropagatesQueueError(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	m := &fakeMetrics{}
	r := New(fakeQueue{err: context.DeadlineExceeded}, m, logger)

	err := r.Run(context.Background())
	require.Error(t, err)
}
