package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	blink402 "github.com/blink402/blink402"
)

const (
	defaultTimeout    = 15 * time.Second
	maxVerifyAttempts = 3
	retryBaseDelay    = 500 * time.Millisecond
)

// Expectation is what the facilitator should hold the payment against.
type Expectation struct {
	Amount string `json:"expectedAmount"`
	Asset  string `json:"expectedToken"`
	PayTo  string `json:"recipientAddress"`
}

// VerifyOutcome is the facilitator's answer to a verify call.
type VerifyOutcome struct {
	Valid       bool   `json:"valid"`
	Facilitator string `json:"facilitator"`
	From        string `json:"from"`
	Reason      string `json:"reason,omitempty"`
}

// SettleOutcome is the facilitator's answer to a settle call.
type SettleOutcome struct {
	TxHash      string `json:"txHash"`
	Facilitator string `json:"facilitator"`
}

// Client calls a facilitator's /verify and /settle endpoints.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates a facilitator client for the given base URL.
func NewClient(baseURL string, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type verifyRequest struct {
	PaymentHeader string `json:"paymentHeader"`
	Expectation
}

type settleRequest struct {
	PaymentHeader string `json:"paymentHeader"`
}

// Verify asks the facilitator whether the payment header carries a valid,
// unsettled payment matching the expectation. Retries on 429 and 5xx with
// exponential backoff; verify is read-only so retrying is safe.
func (c *Client) Verify(ctx context.Context, header string, expect Expectation) (*VerifyOutcome, error) {
	body := verifyRequest{PaymentHeader: header, Expectation: expect}

	var lastErr error
	for attempt := 0; attempt < maxVerifyAttempts; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		var outcome VerifyOutcome
		retryable, err := c.post(ctx, "/verify", body, &outcome)
		if err == nil {
			return &outcome, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
		c.logger.Warn("facilitator verify attempt failed",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, lastErr
}

// Settle asks the facilitator to broadcast the payment. Settle moves funds,
// so a failed call is never blindly retried here; the caller decides whether
// the state is safe to retry.
func (c *Client) Settle(ctx context.Context, header string) (*SettleOutcome, error) {
	var outcome SettleOutcome
	if _, err := c.post(ctx, "/settle", settleRequest{PaymentHeader: header}, &outcome); err != nil {
		return nil, err
	}
	if outcome.TxHash == "" {
		return nil, &blink402.SettlementError{Msg: "facilitator returned no transaction hash"}
	}
	return &outcome, nil
}

// post sends one JSON request and decodes the response. The bool reports
// whether the failure is safe to retry.
func (c *Client) post(ctx context.Context, path string, payload, out any) (bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return true, &blink402.UpstreamError{Service: "facilitator", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return true, &blink402.UpstreamError{Service: "facilitator", Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return retryable, &blink402.UpstreamError{
			Service: "facilitator",
			Err:     fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, truncate(respBody, 256)),
		}
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return false, &blink402.UpstreamError{Service: "facilitator", Err: fmt.Errorf("invalid response body: %w", err)}
	}
	return false, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
