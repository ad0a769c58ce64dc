// Package health implements the Health Monitor (H): a cluster-shared,
// locally-readable verdict on whether each processor is currently failing,
// refreshed by a single lease-holding replica at a time.
package health

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/getahuntadesse/payment-broker/internal/config"
	"github.com/getahuntadesse/payment-broker/internal/coordination"
	"github.com/getahuntadesse/payment-broker/internal/domain"
	"github.com/getahuntadesse/payment-broker/internal/processorclient"
)

const (
	keyVerdict = "health_status"
	keyLease   = "health_check_lock"
)

// Mirror persists a freshly-probed snapshot into the ledger for
// observability. Best-effort: a failure here never blocks the monitor.
type Mirror interface {
	MirrorHealth(ctx context.Context, snapshot domain.HealthSnapshot) error
}

// Metrics reports whether this replica held the prober lease on its last
// tick, used by operators to confirm exactly one replica is probing.
type Metrics interface {
	ProberLeader(isLeader bool)
}

type noopMetrics struct{}

func (noopMetrics) ProberLeader(bool) {}

// Monitor runs the periodic probe protocol and exposes the current verdict
// without I/O via Snapshot.
type Monitor struct {
	coord  *coordination.Client
	logger *logrus.Logger
	cfg    config.HealthConfig

	defaultClient  *processorclient.Client
	fallbackClient *processorclient.Client

	replicaID string
	mirror    Mirror
	metrics   Metrics

	mu       sync.RWMutex
	snapshot domain.HealthSnapshot
}

func NewMonitor(coord *coordination.Client, logger *logrus.Logger, cfg config.HealthConfig, defaultClient, fallbackClient *processorclient.Client, replicaID string, mirror Mirror, metrics Metrics) *Monitor {
	now := time.Now()
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Monitor{
		coord:          coord,
		logger:         logger,
		cfg:            cfg,
		defaultClient:  defaultClient,
		fallbackClient: fallbackClient,
		replicaID:      replicaID,
		mirror:         mirror,
		metrics:        metrics,
		// Initial state: both failing, so a cold-start replica queues work
		// rather than blindly calling processors.
		snapshot: domain.HealthSnapshot{
			Default:  domain.ProcessorHealth{Processor: domain.ProcessorDefault, IsFailing: true, LastCheckedAt: now},
			Fallback: domain.ProcessorHealth{Processor: domain.ProcessorFallback, IsFailing: true, LastCheckedAt: now},
		},
	}
}

// Snapshot returns the current local verdict without I/O. A verdict older
// than the cache TTL means no prober is alive anywhere in the cluster; the
// stale verdict is replaced by a both-failing one so work queues instead of
// being fired at processors whose state is unknown.
func (m *Monitor) Snapshot() domain.HealthSnapshot {
	m.mu.RLock()
	snapshot := m.snapshot
	m.mu.RUnlock()

	if time.Since(snapshot.Default.LastCheckedAt) > m.cfg.CacheTTL {
		return domain.HealthSnapshot{
			Default:  domain.ProcessorHealth{Processor: domain.ProcessorDefault, IsFailing: true, LastCheckedAt: snapshot.Default.LastCheckedAt},
			Fallback: domain.ProcessorHealth{Processor: domain.ProcessorFallback, IsFailing: true, LastCheckedAt: snapshot.Fallback.LastCheckedAt},
		}
	}
	return snapshot
}

// Run ticks forever at cfg.TickInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	m.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	if adopted, ok := m.tryAdoptCached(ctx); ok {
		m.setSnapshot(adopted)
		m.metrics.ProberLeader(false)
		return
	}

	leaseCtx, cancel := context.WithTimeout(ctx, m.cfg.LeaseTTL)
	defer cancel()
	granted, err := m.coord.SetNX(leaseCtx, keyLease, m.replicaID, m.cfg.LeaseTTL)
	if err != nil {
		m.logger.WithError(err).Warn("health: failed to acquire probe lease, keeping stale local snapshot")
		m.metrics.ProberLeader(false)
		return
	}
	if !granted {
		m.metrics.ProberLeader(false)
		return
	}
	m.metrics.ProberLeader(true)

	snapshot := m.probeBoth(ctx)
	m.setSnapshot(snapshot)
	m.publish(ctx, snapshot)

	if m.mirror != nil {
		if err := m.mirror.MirrorHealth(ctx, snapshot); err != nil {
			m.logger.WithError(err).Warn("health: best-effort ledger mirror failed")
		}
	}
}

func (m *Monitor) tryAdoptCached(ctx context.Context) (domain.HealthSnapshot, bool) {
	raw, found, err := m.coord.Get(ctx, keyVerdict)
	if err != nil {
		m.logger.WithError(err).Warn("health: coordination store error reading cached verdict")
		return domain.HealthSnapshot{}, false
	}
	if !found {
		return domain.HealthSnapshot{}, false
	}

	var snapshot domain.HealthSnapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		m.logger.WithError(err).Error("health: unparseable cached verdict")
		return domain.HealthSnapshot{}, false
	}
	return snapshot, true
}

func (m *Monitor) probeBoth(ctx context.Context) domain.HealthSnapshot {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	var defaultHealth, fallbackHealth domain.ProcessorHealth
	wg.Add(2)

	go func() {
		defer wg.Done()
		defaultHealth = m.defaultClient.ServiceHealth(probeCtx)
		defaultHealth.Processor = domain.ProcessorDefault
	}()
	go func() {
		defer wg.Done()
		fallbackHealth = m.fallbackClient.ServiceHealth(probeCtx)
		fallbackHealth.Processor = domain.ProcessorFallback
	}()
	wg.Wait()

	return domain.HealthSnapshot{Default: defaultHealth, Fallback: fallbackHealth}
}

func (m *Monitor) publish(ctx context.Context, snapshot domain.HealthSnapshot) {
	encoded, err := json.Marshal(snapshot)
	if err != nil {
		m.logger.WithError(err).Error("health: failed to marshal verdict")
		return
	}
	if err := m.coord.Set(ctx, keyVerdict, string(encoded), m.cfg.CacheTTL); err != nil {
		m.logger.WithError(err).Warn("health: failed to publish verdict to coordination store")
	}
}

func (m *Monitor) setSnapshot(snapshot domain.HealthSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = snapshot
}
