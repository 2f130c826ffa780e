package pharmatracesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Pharmatrace HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Batch represents the API batch model.
type Batch struct {
	BatchID           string  `json:"batch_id"`
	Name              string  `json:"name"`
	Manufacturer      string  `json:"manufacturer"`
	ManufacturerID    string  `json:"manufacturer_id,omitempty"`
	DistributorID     *string `json:"distributor_id,omitempty"`
	RetailerID        *string `json:"retailer_id,omitempty"`
	ConsumerID        *string `json:"consumer_id,omitempty"`
	ManufactureDate   string  `json:"manufacture_date"`
	ExpiryDate        string  `json:"expiry_date"`
	Status            string  `json:"status"`
	IsAuthentic       bool    `json:"is_authentic"`
	IsExpired         bool    `json:"is_expired"`
	MinTemp           float64 `json:"min_temp"`
	MaxTemp           float64 `json:"max_temp"`
	TempCompliant     bool    `json:"temp_compliant"`
	VerificationCount int     `json:"verification_count"`
	LastVerified      *string `json:"last_verified,omitempty"`
}

// VerifyResult is the answer to a verification call.
type VerifyResult struct {
	BatchID        string `json:"batch_id"`
	Result         string `json:"result"`
	IsAuthentic    bool   `json:"is_authentic"`
	IsExpired      bool   `json:"is_expired"`
	Source         string `json:"source"`
	ResponseTimeMS int64  `json:"response_time_ms"`
	Batch          *Batch `json:"batch,omitempty"`
}

// ComplianceResult is the outcome of one temperature reading.
type ComplianceResult struct {
	BatchID   string  `json:"batch_id"`
	Value     float64 `json:"value"`
	MinTemp   float64 `json:"min_temp"`
	MaxTemp   float64 `json:"max_temp"`
	Violation bool    `json:"violation"`
	TxRef     string  `json:"tx_ref,omitempty"`
}

// SyncReport summarizes a bulk reconciliation.
type SyncReport struct {
	Processed int      `json:"processed"`
	Total     int      `json:"total"`
	Failed    []string `json:"failed,omitempty"`
}

// ManufactureParams creates a batch.
type ManufactureParams struct {
	BatchID         string  `json:"batch_id"`
	Name            string  `json:"name"`
	Manufacturer    string  `json:"manufacturer"`
	ManufactureDate string  `json:"manufacture_date"`
	ExpiryDate      string  `json:"expiry_date"`
	MinTemp         float64 `json:"min_temp"`
	MaxTemp         float64 `json:"max_temp"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Manufacture registers a new batch.
func (c *Client) Manufacture(ctx context.Context, p ManufactureParams) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodPost, "v0/batches", p, &resp)
	return resp, err
}

// Distribute moves a batch into distribution.
func (c *Client) Distribute(ctx context.Context, batchID string) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodPost, c.batchPath(batchID, "distribute"), nil, &resp)
	return resp, err
}

// Retail moves a batch onto a retailer's shelf.
func (c *Client) Retail(ctx context.Context, batchID string) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodPost, c.batchPath(batchID, "retail"), nil, &resp)
	return resp, err
}

// Sell hands a batch to its consumer.
func (c *Client) Sell(ctx context.Context, batchID, consumerID string) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodPost, c.batchPath(batchID, "sell"), map[string]string{"consumer_id": consumerID}, &resp)
	return resp, err
}

// Verify checks a batch's authenticity and expiry.
func (c *Client) Verify(ctx context.Context, batchID, method string) (VerifyResult, error) {
	var body any
	if method != "" {
		body = map[string]string{"method": method}
	}
	var resp VerifyResult
	err := c.do(ctx, http.MethodPost, c.batchPath(batchID, "verify"), body, &resp)
	return resp, err
}

// LogTemperature submits a sensor reading.
func (c *Client) LogTemperature(ctx context.Context, batchID string, value float64, ts string) (ComplianceResult, error) {
	body := map[string]any{"value": value}
	if ts != "" {
		body["ts"] = ts
	}
	var resp ComplianceResult
	err := c.do(ctx, http.MethodPost, c.batchPath(batchID, "temperature"), body, &resp)
	return resp, err
}

// GetBatch fetches a batch with its recent verification history.
func (c *Client) GetBatch(ctx context.Context, batchID string) (Batch, error) {
	var resp struct {
		Batch Batch `json:"batch"`
	}
	err := c.do(ctx, http.MethodGet, "v0/batches/"+url.PathEscape(batchID), nil, &resp)
	return resp.Batch, err
}

// SyncBatch reconciles one batch from the ledger.
func (c *Client) SyncBatch(ctx context.Context, batchID string) (Batch, error) {
	var resp Batch
	err := c.do(ctx, http.MethodPost, "v0/sync/batches/"+url.PathEscape(batchID), nil, &resp)
	return resp, err
}

// SyncAll reconciles every known batch.
func (c *Client) SyncAll(ctx context.Context) (SyncReport, error) {
	var resp SyncReport
	err := c.do(ctx, http.MethodPost, "v0/sync/all", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) batchPath(batchID, action string) string {
	return fmt.Sprintf("v0/batches/%s/%s", url.PathEscape(batchID), action)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
