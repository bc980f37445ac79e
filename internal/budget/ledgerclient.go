package budget

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/google/aggregation-service-worker/internal/aggregate"
)

// LedgerClient is the bridge's external-service contract (spec §4.7). The
// ledger's implementation is out of scope (spec §1); this is the only
// interface this package depends on.
type LedgerClient interface {
	// Consume attempts to debit every unit atomically for reportingOrigin
	// and returns the subset that could not be debited (empty on full
	// success).
	Consume(ctx context.Context, jobID, reportingOrigin string, units []aggregate.PrivacyBudgetUnit) ([]aggregate.PrivacyBudgetUnit, error)
}

// HTTPLedgerClient talks to the privacy-budget ledger over HTTP with
// retries, built on hashicorp/go-retryablehttp.
type HTTPLedgerClient struct {
	endpoint string
	client   *retryablehttp.Client
}

// NewHTTPLedgerClient builds a ledger client against endpoint.
func NewHTTPLedgerClient(endpoint string, timeout time.Duration, maxRetries int) *HTTPLedgerClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = maxRetries
	rc.HTTPClient.Timeout = timeout
	rc.Logger = nil

	return &HTTPLedgerClient{endpoint: endpoint, client: rc}
}

type consumeRequest struct {
	JobID           string       `json:"job_id"`
	ReportingOrigin string       `json:"reporting_origin"`
	Units           []wireUnit   `json:"units"`
}

type wireUnit struct {
	Key    string `json:"key"`
	Window int64  `json:"window"`
}

type consumeResponse struct {
	Exhausted []wireUnit `json:"exhausted"`
}

func (c *HTTPLedgerClient) Consume(ctx context.Context, jobID, reportingOrigin string, units []aggregate.PrivacyBudgetUnit) ([]aggregate.PrivacyBudgetUnit, error) {
	wireUnits := make([]wireUnit, len(units))
	for i, u := range units {
		wireUnits[i] = wireUnit{Key: u.Key, Window: u.Window}
	}

	body, err := json.Marshal(consumeRequest{JobID: jobID, ReportingOrigin: reportingOrigin, Units: wireUnits})
	if err != nil {
		return nil, &TransportError{Cause: fmt.Errorf("failed to marshal consume request: %w", err)}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/budget:consume", bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &TransportError{Cause: err}
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return nil, &UnauthenticatedError{Cause: fmt.Errorf("ledger returned 401")}
	case http.StatusForbidden:
		return nil, &UnauthorizedError{Cause: fmt.Errorf("ledger returned 403")}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TransportError{Cause: fmt.Errorf("ledger returned status %d", resp.StatusCode)}
	}

	var out consumeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &TransportError{Cause: fmt.Errorf("failed to decode ledger response: %w", err)}
	}

	exhausted := make([]aggregate.PrivacyBudgetUnit, len(out.Exhausted))
	for i, u := range out.Exhausted {
		exhausted[i] = aggregate.PrivacyBudgetUnit{Key: u.Key, Window: u.Window}
	}
	return exhausted, nil
}
