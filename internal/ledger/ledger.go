// Package ledger is the durable, ordered record of accepted payments:
// a Postgres-backed store with a unique index on correlationId that gives
// the system its idempotency guarantee.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/getahuntadesse/payment-broker/internal/domain"
)

// dbPool is the slice of pgxpool.Pool's surface the ledger needs; narrowing
// to an interface lets tests substitute pgxmock's pool double.
type dbPool interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Ledger persists transactions and mirrors processor health for
// observability.
type Ledger struct {
	db     dbPool
	logger *logrus.Logger
}

func New(db *pgxpool.Pool, logger *logrus.Logger) *Ledger {
	return &Ledger{db: db, logger: logger}
}

// Exists reports whether a transaction record for correlationId is already
// present. Fail-open: a database error is reported as "not a known
// duplicate" rather than blocking intake.
func (l *Ledger) Exists(ctx context.Context, correlationID string) bool {
	var exists bool
	err := l.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM transactions WHERE correlation_id = $1)`, correlationID).Scan(&exists)
	if err != nil {
		l.logger.WithError(err).Warn("ledger: exists check failed, treating as not duplicate")
		return false
	}
	return exists
}

// Create inserts a single transaction, used by the intake path's
// synchronous accept. Idempotent: a conflicting correlationId inserts
// nothing and is reported as domain.ErrDuplicate rather than a wrapped
// database error.
func (l *Ledger) Create(ctx context.Context, txn domain.Transaction) error {
	tag, err := l.db.Exec(ctx, `
		INSERT INTO transactions (correlation_id, amount, processor, processed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (correlation_id) DO NOTHING
	`, txn.CorrelationID, txn.Amount, string(txn.Processor), txn.ProcessedAt)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", txn.CorrelationID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrDuplicate
	}
	return nil
}

// CreateMany batch-inserts transactions from a drain tick, returning the
// subset that were newly inserted (as opposed to already present under
// ON CONFLICT DO NOTHING) so the caller can increment summary counters only
// for those.
func (l *Ledger) CreateMany(ctx context.Context, txns []domain.Transaction) ([]domain.Transaction, error) {
	if len(txns) == 0 {
		return nil, nil
	}

	tx, err := l.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin ledger batch: %w", err)
	}
	defer tx.Rollback(ctx)

	inserted := make([]domain.Transaction, 0, len(txns))
	for _, txn := range txns {
		tag, err := tx.Exec(ctx, `
			INSERT INTO transactions (correlation_id, amount, processor, processed_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (correlation_id) DO NOTHING
		`, txn.CorrelationID, txn.Amount, string(txn.Processor), txn.ProcessedAt)
		if err != nil {
			return nil, fmt.Errorf("insert transaction %s: %w", txn.CorrelationID, err)
		}
		if tag.RowsAffected() > 0 {
			inserted = append(inserted, txn)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit ledger batch: %w", err)
	}
	return inserted, nil
}

// Counts runs the slow-path rebuild aggregation: COUNT and SUM grouped by
// processor, used to repopulate the coordination store's summary counters.
func (l *Ledger) Counts(ctx context.Context) (domain.Summary, error) {
	rows, err := l.db.Query(ctx, `SELECT processor, COUNT(*), COALESCE(SUM(amount), 0) FROM transactions GROUP BY processor`)
	if err != nil {
		return domain.Summary{}, fmt.Errorf("aggregate transactions: %w", err)
	}
	defer rows.Close()

	var summary domain.Summary
	for rows.Next() {
		var processor string
		var counters domain.ProcessorCounters
		if err := rows.Scan(&processor, &counters.TotalRequests, &counters.TotalAmount); err != nil {
			return domain.Summary{}, fmt.Errorf("scan aggregate row: %w", err)
		}
		switch domain.Processor(processor) {
		case domain.ProcessorDefault:
			summary.Default = counters
		case domain.ProcessorFallback:
			summary.Fallback = counters
		}
	}
	if err := rows.Err(); err != nil {
		return domain.Summary{}, fmt.Errorf("iterate aggregate rows: %w", err)
	}
	return summary, nil
}

// Purge deletes every transaction row, used by the administrative
// purge-payments operation alongside queue.Manager.PurgeAll.
func (l *Ledger) Purge(ctx context.Context) error {
	if _, err := l.db.Exec(ctx, `DELETE FROM transactions`); err != nil {
		return fmt.Errorf("purge transactions: %w", err)
	}
	return nil
}

// MirrorHealth writes both processor verdicts into the processor_health
// table, satisfying health.Mirror. Best-effort by contract: callers log and
// continue on error rather than failing the probe tick.
func (l *Ledger) MirrorHealth(ctx context.Context, snapshot domain.HealthSnapshot) error {
	tx, err := l.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin health mirror: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, h := range []domain.ProcessorHealth{snapshot.Default, snapshot.Fallback} {
		_, err := tx.Exec(ctx, `
			INSERT INTO processor_health (processor, is_failing, min_response_time, last_checked_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (processor) DO UPDATE SET
				is_failing = EXCLUDED.is_failing,
				min_response_time = EXCLUDED.min_response_time,
				last_checked_at = EXCLUDED.last_checked_at
		`, string(h.Processor), h.IsFailing, h.MinResponseTime, h.LastCheckedAt)
		if err != nil {
			return fmt.Errorf("mirror health for %s: %w", h.Processor, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit health mirror: %w", err)
	}
	return nil
}

// IsDuplicate reports whether err represents the idempotent-conflict case
// from Create, as opposed to an infrastructure failure.
func IsDuplicate(err error) bool {
	return errors.Is(err, domain.ErrDuplicate)
}

// Migrate applies the ledger schema. Called once at startup; safe to run
// repeatedly.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS transactions (
			correlation_id VARCHAR(36) PRIMARY KEY,
			amount NUMERIC(12,2) NOT NULL,
			processor VARCHAR(16) NOT NULL,
			processed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_processed_at ON transactions (processed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_processor ON transactions (processor)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_processor_time ON transactions (processor, processed_at)`,
		`CREATE TABLE IF NOT EXISTS processor_health (
			processor VARCHAR(16) PRIMARY KEY,
			is_failing BOOLEAN NOT NULL,
			min_response_time BIGINT NOT NULL,
			last_checked_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
