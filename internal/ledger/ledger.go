// Package ledger is the gateway to the authoritative custody ledger. The
// engine only ever reaches the ledger through the Gateway interface; callers
// pick the embedded in-memory ledger or the RPC adapter at bootstrap.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("ledger: batch not found")
	ErrDuplicateBatch    = errors.New("ledger: duplicate batch id")
	ErrInvalidTransition = errors.New("ledger: invalid transition")
	ErrUnauthorized      = errors.New("ledger: caller not authorized")
	ErrUnavailable       = errors.New("ledger: unavailable")
)

// Record is the ledger's view of a batch. Status is the ordinal state code
// (0 Manufactured .. 3 Sold); party fields are empty until the corresponding
// transition happens.
type Record struct {
	BatchID         string
	Name            string
	Manufacturer    string
	ManufacturerID  string
	DistributorID   string
	RetailerID      string
	ConsumerID      string
	ManufactureDate time.Time
	ExpiryDate      time.Time
	Status          int
	IsAuthentic     bool
	MinTemp         float64
	MaxTemp         float64
	TempCompliant   bool
}

type ManufactureParams struct {
	BatchID         string
	Name            string
	Manufacturer    string
	ManufactureDate time.Time
	ExpiryDate      time.Time
	MinTemp         float64
	MaxTemp         float64
}

// Gateway is the ledger contract. Write methods perform their state checks
// atomically at submission and return a transaction reference on success.
type Gateway interface {
	GetDrugDetails(ctx context.Context, batchID string) (Record, error)
	VerifyDrug(ctx context.Context, batchID string) (bool, error)
	IsDrugExpired(ctx context.Context, batchID string) (bool, error)

	ManufactureDrug(ctx context.Context, caller string, p ManufactureParams) (string, error)
	DistributeDrug(ctx context.Context, caller, batchID string) (string, error)
	RetailDrug(ctx context.Context, caller, batchID string) (string, error)
	SellDrug(ctx context.Context, caller, batchID, consumerID string) (string, error)
	LogTemperature(ctx context.Context, caller, batchID string, value float64, ts time.Time) (string, error)

	RegisterParty(ctx context.Context, partyID, role string) error
}
