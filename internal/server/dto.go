package server

import (
	"time"

	"pharmatrace/internal/domain"
	"pharmatrace/internal/engine"
)

// BatchResponse is a batch as served over the API. IsExpired is derived from
// the expiry date at response time; it is never read from storage.
type BatchResponse struct {
	BatchID           string  `json:"batch_id"`
	Name              string  `json:"name"`
	Manufacturer      string  `json:"manufacturer"`
	ManufacturerID    string  `json:"manufacturer_id,omitempty"`
	DistributorID     *string `json:"distributor_id,omitempty"`
	RetailerID        *string `json:"retailer_id,omitempty"`
	ConsumerID        *string `json:"consumer_id,omitempty"`
	ManufactureDate   string  `json:"manufacture_date"`
	ExpiryDate        string  `json:"expiry_date"`
	Status            string  `json:"status" enum:"Manufactured,Distributed,Retailed,Sold"`
	IsAuthentic       bool    `json:"is_authentic"`
	IsExpired         bool    `json:"is_expired"`
	MinTemp           float64 `json:"min_temp"`
	MaxTemp           float64 `json:"max_temp"`
	TempCompliant     bool    `json:"temp_compliant"`
	VerificationCount int     `json:"verification_count"`
	LastVerified      *string `json:"last_verified,omitempty"`
	LedgerTxRef       string  `json:"ledger_tx_ref,omitempty"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
}

func batchResponse(b domain.Batch, now time.Time) BatchResponse {
	return BatchResponse{
		BatchID:           b.BatchID,
		Name:              b.Name,
		Manufacturer:      b.Manufacturer,
		ManufacturerID:    b.ManufacturerID,
		DistributorID:     b.DistributorID,
		RetailerID:        b.RetailerID,
		ConsumerID:        b.ConsumerID,
		ManufactureDate:   b.ManufactureDate,
		ExpiryDate:        b.ExpiryDate,
		Status:            b.Status,
		IsAuthentic:       b.IsAuthentic,
		IsExpired:         b.Expired(now),
		MinTemp:           b.MinTemp,
		MaxTemp:           b.MaxTemp,
		TempCompliant:     b.TempCompliant,
		VerificationCount: b.VerificationCount,
		LastVerified:      b.LastVerified,
		LedgerTxRef:       b.LedgerTxRef,
		CreatedAt:         b.CreatedAt,
		UpdatedAt:         b.UpdatedAt,
	}
}

func mapBatches(items []domain.Batch, now time.Time) []BatchResponse {
	res := make([]BatchResponse, 0, len(items))
	for _, b := range items {
		res = append(res, batchResponse(b, now))
	}
	return res
}

type ManufactureRequest struct {
	BatchID         string  `json:"batch_id" minLength:"1"`
	Name            string  `json:"name" minLength:"1"`
	Manufacturer    string  `json:"manufacturer" minLength:"1"`
	ManufactureDate string  `json:"manufacture_date" format:"date-time"`
	ExpiryDate      string  `json:"expiry_date" format:"date-time"`
	MinTemp         float64 `json:"min_temp"`
	MaxTemp         float64 `json:"max_temp"`
}

type VerifyRequest struct {
	Method string `json:"method,omitempty" enum:"ledger,api,qr_scan"`
}

type VerifyResponse struct {
	BatchID        string         `json:"batch_id"`
	Result         string         `json:"result" enum:"authentic,counterfeit,expired,not_found"`
	IsAuthentic    bool           `json:"is_authentic"`
	IsExpired      bool           `json:"is_expired"`
	Source         string         `json:"source" enum:"ledger,store,none"`
	ResponseTimeMS int64          `json:"response_time_ms"`
	Batch          *BatchResponse `json:"batch,omitempty"`
}

func verifyResponse(r engine.VerifyResult, now time.Time) VerifyResponse {
	out := VerifyResponse{
		BatchID:        r.BatchID,
		Result:         r.Result,
		IsAuthentic:    r.IsAuthentic,
		IsExpired:      r.IsExpired,
		Source:         r.Source,
		ResponseTimeMS: r.ResponseTimeMS,
	}
	if r.Batch != nil {
		b := batchResponse(*r.Batch, now)
		out.Batch = &b
	}
	return out
}

type TemperatureRequest struct {
	Value float64 `json:"value"`
	TS    string  `json:"ts,omitempty" format:"date-time"`
}

type CompanyRequest struct {
	ID            string `json:"id" minLength:"1"`
	Name          string `json:"name" minLength:"1"`
	Role          string `json:"role" enum:"manufacturer,distributor,retailer"`
	Email         string `json:"email,omitempty"`
	Phone         string `json:"phone,omitempty"`
	LicenseNumber string `json:"license_number,omitempty"`
}
