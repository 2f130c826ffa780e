package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// RPC talks to an external ledger node over HTTP. Every call carries its own
// deadline; transport failures, timeouts and 5xx responses all surface as
// ErrUnavailable so the engine fails closed instead of guessing.
type RPC struct {
	BaseURL string
	Token   string
	Timeout time.Duration
	HTTP    *http.Client
}

func NewRPC(baseURL, token string, timeout time.Duration) *RPC {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RPC{
		BaseURL: baseURL,
		Token:   token,
		Timeout: timeout,
		HTTP:    &http.Client{},
	}
}

type rpcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type rpcRecord struct {
	BatchID         string  `json:"batch_id"`
	Name            string  `json:"name"`
	Manufacturer    string  `json:"manufacturer"`
	ManufacturerID  string  `json:"manufacturer_id"`
	DistributorID   string  `json:"distributor_id"`
	RetailerID      string  `json:"retailer_id"`
	ConsumerID      string  `json:"consumer_id"`
	ManufactureDate string  `json:"manufacture_date"`
	ExpiryDate      string  `json:"expiry_date"`
	Status          int     `json:"status"`
	IsAuthentic     bool    `json:"is_authentic"`
	MinTemp         float64 `json:"min_temp"`
	MaxTemp         float64 `json:"max_temp"`
	TempCompliant   bool    `json:"temp_compliant"`
}

type rpcTx struct {
	TxRef string `json:"tx_ref"`
}

func (r *RPC) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.Token != "" {
		req.Header.Set("Authorization", "Bearer "+r.Token)
	}
	resp, err := r.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: node returned %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		var envelope rpcError
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		return mapRPCError(resp.StatusCode, envelope)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func mapRPCError(status int, e rpcError) error {
	switch {
	case status == http.StatusNotFound:
		return ErrNotFound
	case e.Code == "duplicate_batch":
		return ErrDuplicateBatch
	case e.Code == "invalid_transition":
		return ErrInvalidTransition
	case status == http.StatusForbidden || status == http.StatusUnauthorized:
		return ErrUnauthorized
	default:
		return fmt.Errorf("ledger: node rejected request (%d %s): %s", status, e.Code, e.Message)
	}
}

func (r *RPC) GetDrugDetails(ctx context.Context, batchID string) (Record, error) {
	var raw rpcRecord
	if err := r.do(ctx, http.MethodGet, "/drugs/"+batchID, nil, &raw); err != nil {
		return Record{}, err
	}
	return raw.toRecord()
}

func (r *RPC) VerifyDrug(ctx context.Context, batchID string) (bool, error) {
	var out struct {
		IsAuthentic bool `json:"is_authentic"`
	}
	if err := r.do(ctx, http.MethodGet, "/drugs/"+batchID+"/verify", nil, &out); err != nil {
		return false, err
	}
	return out.IsAuthentic, nil
}

func (r *RPC) IsDrugExpired(ctx context.Context, batchID string) (bool, error) {
	var out struct {
		IsExpired bool `json:"is_expired"`
	}
	if err := r.do(ctx, http.MethodGet, "/drugs/"+batchID+"/expired", nil, &out); err != nil {
		return false, err
	}
	return out.IsExpired, nil
}

func (r *RPC) ManufactureDrug(ctx context.Context, caller string, p ManufactureParams) (string, error) {
	body := map[string]any{
		"caller":           caller,
		"batch_id":         p.BatchID,
		"name":             p.Name,
		"manufacturer":     p.Manufacturer,
		"manufacture_date": p.ManufactureDate.UTC().Format(time.RFC3339),
		"expiry_date":      p.ExpiryDate.UTC().Format(time.RFC3339),
		"min_temp":         p.MinTemp,
		"max_temp":         p.MaxTemp,
	}
	var tx rpcTx
	if err := r.do(ctx, http.MethodPost, "/drugs", body, &tx); err != nil {
		return "", err
	}
	return tx.TxRef, nil
}

func (r *RPC) transition(ctx context.Context, caller, batchID, action string, extra map[string]any) (string, error) {
	body := map[string]any{"caller": caller}
	for k, v := range extra {
		body[k] = v
	}
	var tx rpcTx
	if err := r.do(ctx, http.MethodPost, "/drugs/"+batchID+"/"+action, body, &tx); err != nil {
		return "", err
	}
	return tx.TxRef, nil
}

func (r *RPC) DistributeDrug(ctx context.Context, caller, batchID string) (string, error) {
	return r.transition(ctx, caller, batchID, "distribute", nil)
}

func (r *RPC) RetailDrug(ctx context.Context, caller, batchID string) (string, error) {
	return r.transition(ctx, caller, batchID, "retail", nil)
}

func (r *RPC) SellDrug(ctx context.Context, caller, batchID, consumerID string) (string, error) {
	return r.transition(ctx, caller, batchID, "sell", map[string]any{"consumer_id": consumerID})
}

func (r *RPC) LogTemperature(ctx context.Context, caller, batchID string, value float64, ts time.Time) (string, error) {
	return r.transition(ctx, caller, batchID, "temperature", map[string]any{
		"value": value,
		"ts":    ts.UTC().Format(time.RFC3339),
	})
}

func (r *RPC) RegisterParty(ctx context.Context, partyID, role string) error {
	return r.do(ctx, http.MethodPost, "/parties", map[string]any{"party_id": partyID, "role": role}, nil)
}

func (raw rpcRecord) toRecord() (Record, error) {
	mfd, err := time.Parse(time.RFC3339, raw.ManufactureDate)
	if err != nil {
		return Record{}, fmt.Errorf("ledger: bad manufacture_date %q: %w", raw.ManufactureDate, err)
	}
	exp, err := time.Parse(time.RFC3339, raw.ExpiryDate)
	if err != nil {
		return Record{}, fmt.Errorf("ledger: bad expiry_date %q: %w", raw.ExpiryDate, err)
	}
	return Record{
		BatchID:         raw.BatchID,
		Name:            raw.Name,
		Manufacturer:    raw.Manufacturer,
		ManufacturerID:  raw.ManufacturerID,
		DistributorID:   raw.DistributorID,
		RetailerID:      raw.RetailerID,
		ConsumerID:      raw.ConsumerID,
		ManufactureDate: mfd,
		ExpiryDate:      exp,
		Status:          raw.Status,
		IsAuthentic:     raw.IsAuthentic,
		MinTemp:         raw.MinTemp,
		MaxTemp:         raw.MaxTemp,
		TempCompliant:   raw.TempCompliant,
	}, nil
}
