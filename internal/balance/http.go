package balance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// HTTPClient is the network implementation of Client.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	log     *zap.Logger
}

func NewHTTPClient(baseURL string, timeout time.Duration, log *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		log:     log.Named("balance.client"),
	}
}

type setBalanceRequest struct {
	BatchID          string `json:"batchId"`
	JobID            string `json:"jobId"`
	TotalCostInUnits int64  `json:"totalCostInUnits"`
}

func (c *HTTPClient) SetBalanceForOrganization(ctx context.Context, batchID, jobID string, totalCostInUnits int64, organizationID string) (Outcome, error) {
	ctx, span := otel.Tracer("meterline/balance").Start(ctx, "balance.set")
	span.SetAttributes(
		attribute.String("batch_id", batchID),
		attribute.String("job_id", jobID),
		attribute.String("organization_id", organizationID),
	)
	defer span.End()

	body, err := json.Marshal(setBalanceRequest{
		BatchID:          batchID,
		JobID:            jobID,
		TotalCostInUnits: totalCostInUnits,
	})
	if err != nil {
		return Outcome{}, err
	}

	endpoint := fmt.Sprintf("%s/organizations/%s/balance", c.baseURL, url.PathEscape(organizationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Outcome{}, err
	}
	defer resp.Body.Close()

	// 5xx means the service itself failed; there is no structured outcome
	// to dispatch on, so the caller must retry.
	if resp.StatusCode >= http.StatusInternalServerError {
		return Outcome{}, fmt.Errorf("balance service returned %d", resp.StatusCode)
	}

	var outcome Outcome
	if err := json.NewDecoder(resp.Body).Decode(&outcome); err != nil {
		return Outcome{}, fmt.Errorf("decode balance outcome: %w", err)
	}
	return outcome, nil
}

type completedPaymentsResponse struct {
	Count int64 `json:"count"`
}

func (c *HTTPClient) CompletedPayments(ctx context.Context, batchID string) (int64, error) {
	ctx, span := otel.Tracer("meterline/balance").Start(ctx, "balance.completed_payments")
	span.SetAttributes(attribute.String("batch_id", batchID))
	defer span.End()

	endpoint := fmt.Sprintf("%s/batches/%s/completed-payments", c.baseURL, url.PathEscape(batchID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("balance service returned %d", resp.StatusCode)
	}

	var payload completedPaymentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode completed payments: %w", err)
	}
	return payload.Count, nil
}
