package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/getahuntadesse/payment-broker/internal/domain"
)

// Dispatcher is the subset of the dispatch engine the HTTP surface needs.
type Dispatcher interface {
	Intake(ctx context.Context, req domain.PaymentRequest) (domain.Outcome, error)
}

// SummaryReader serves GET /payments-summary.
type SummaryReader interface {
	GetSummary(ctx context.Context) domain.Summary
	Rebuild(ctx context.Context) error
}

// Purger backs POST /purge-payments.
type Purger interface {
	PurgeAll(ctx context.Context) error
}

type LedgerPurger interface {
	Purge(ctx context.Context) error
}

type PaymentHandler struct {
	dispatcher Dispatcher
	summary    SummaryReader
	queue      Purger
	ledger     LedgerPurger
	logger     *logrus.Logger
}

func NewPaymentHandler(dispatcher Dispatcher, summary SummaryReader, queue Purger, ledger LedgerPurger, logger *logrus.Logger) *PaymentHandler {
	return &PaymentHandler{
		dispatcher: dispatcher,
		summary:    summary,
		queue:      queue,
		ledger:     ledger,
		logger:     logger,
	}
}

// CreatePayment handles POST /payments: the intake path's HTTP front door.
func (h *PaymentHandler) CreatePayment(c echo.Context) error {
	var req domain.PaymentRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	outcome, err := h.dispatcher.Intake(c.Request().Context(), req)
	if err != nil {
		switch err {
		case domain.ErrInvalidInput:
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid payment request"})
		case domain.ErrEnqueueFailed:
			h.logger.WithError(err).WithField("correlationId", req.CorrelationID).Error("intake: failed to enqueue payment")
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to accept payment"})
		case domain.ErrLedgerDown:
			h.logger.WithError(err).WithField("correlationId", req.CorrelationID).Error("intake: ledger commit failed")
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to record payment"})
		default:
			h.logger.WithError(err).WithField("correlationId", req.CorrelationID).Error("intake: unexpected error")
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "unexpected error"})
		}
	}

	switch outcome {
	case domain.OutcomeAcceptedSync:
		return c.JSON(http.StatusOK, map[string]string{"message": "payment accepted"})
	case domain.OutcomeQueued:
		return c.JSON(http.StatusAccepted, map[string]string{"message": "payment queued for processing"})
	case domain.OutcomeDuplicate:
		// Idempotent POST: a repeat of an accepted payment is a
		// silent success, not a 409.
		return c.JSON(http.StatusOK, map[string]string{"message": "payment already accepted"})
	default:
		return c.JSON(http.StatusOK, map[string]string{"message": "payment accepted"})
	}
}

// GetSummary handles GET /payments-summary. Always 200; zero-filled on any
// internal failure rather than blocking on the ledger. The from/to query
// filters are advisory: the summary is served from the cached counters,
// which are not bucketed by time.
func (h *PaymentHandler) GetSummary(c echo.Context) error {
	summary := h.summary.GetSummary(c.Request().Context())
	return c.JSON(http.StatusOK, summary)
}

// PurgePayments handles POST /purge-payments: clears both the queue
// collections and the ledger.
func (h *PaymentHandler) PurgePayments(c echo.Context) error {
	ctx := c.Request().Context()
	if err := h.queue.PurgeAll(ctx); err != nil {
		h.logger.WithError(err).Error("purge: failed to clear queue collections")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to purge queue"})
	}
	if err := h.ledger.Purge(ctx); err != nil {
		h.logger.WithError(err).Error("purge: failed to clear ledger")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to purge ledger"})
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "all payments purged"})
}

// RebuildSummaryCache handles POST /rebuild-summary-cache: the slow-path
// recovery operation from counter drift.
func (h *PaymentHandler) RebuildSummaryCache(c echo.Context) error {
	if err := h.summary.Rebuild(c.Request().Context()); err != nil {
		h.logger.WithError(err).Error("rebuild: failed to rebuild summary cache")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to rebuild summary cache"})
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "summary cache rebuilt"})
}

// HealthCheck is a lightweight liveness probe distinct from the processor
// health monitor — it only reflects whether this replica can serve HTTP.
func (h *PaymentHandler) HealthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}
