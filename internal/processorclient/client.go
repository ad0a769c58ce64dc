// Package processorclient talks to the two external payment processors over
// HTTP: the payment submission endpoint used by the dispatch engine and the
// service-health endpoint polled by the health monitor.
package processorclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/getahuntadesse/payment-broker/internal/domain"
)

// Client issues requests against one processor instance. Submit and
// ServiceHealth use separate http.Clients: delivery connections are pooled
// with keep-alive, while the health probe uses Connection: close so it
// never reuses (or pollutes) the delivery pool.
type Client struct {
	baseURL string
	deliver *http.Client
	probe   *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		deliver: &http.Client{
			// Pooled, keep-alive transport: deadlines are applied per call
			// via the request context, not here.
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		probe: &http.Client{
			// Probes must not hold connections open.
			Transport: &http.Transport{DisableKeepAlives: true},
		},
	}
}

type paymentRequest struct {
	CorrelationID string  `json:"correlationId"`
	Amount        float64 `json:"amount"`
	RequestedAt   string  `json:"requestedAt"`
}

// Submit posts a payment to this processor. Returns nil on any 2xx response;
// any other status or a network error is returned as a plain error, which
// callers treat uniformly as "try the next processor".
func (c *Client) Submit(ctx context.Context, correlationID string, amount float64) error {
	body := paymentRequest{
		CorrelationID: correlationID,
		Amount:        amount,
		RequestedAt:   time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal processor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/payments", bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build processor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.deliver.Do(req)
	if err != nil {
		return fmt.Errorf("processor request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("processor responded with status %d", resp.StatusCode)
	}
	return nil
}

type healthResponse struct {
	Failing         bool `json:"failing"`
	MinResponseTime int  `json:"minResponseTime"`
}

// ServiceHealth probes this processor's health endpoint. A network error or
// non-2xx response is reported back as failing with zero latency.
func (c *Client) ServiceHealth(ctx context.Context) domain.ProcessorHealth {
	health := domain.ProcessorHealth{IsFailing: true, LastCheckedAt: time.Now()}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/payments/service-health", nil)
	if err != nil {
		return health
	}
	req.Header.Set("Connection", "close")

	resp, err := c.probe.Do(req)
	if err != nil {
		return health
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return health
	}

	var parsed healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return health
	}

	health.IsFailing = parsed.Failing
	health.MinResponseTime = int64(parsed.MinResponseTime)
	return health
}
