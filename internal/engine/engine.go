package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"pharmatrace/internal/config"
	"pharmatrace/internal/domain"
	"pharmatrace/internal/events"
	"pharmatrace/internal/ledger"
	"pharmatrace/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Ledger ledger.Gateway
	Config *config.Config
	Log    *log.Logger
	Now    func() time.Time
}

func New(db *sql.DB, gw ledger.Gateway, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Ledger: gw,
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logf(format string, args ...any) {
	if e.Log != nil {
		e.Log.Printf(format, args...)
	}
}

// ManufactureOptions are parameters for registering a new batch.
type ManufactureOptions struct {
	BatchID         string
	Name            string
	Manufacturer    string
	ManufactureDate string
	ExpiryDate      string
	MinTemp         float64
	MaxTemp         float64
	ActorID         string
}

// Manufacture registers a batch on the ledger and mirrors it locally. The
// ledger write happens first; if it cannot be submitted nothing is stored.
func (e Engine) Manufacture(ctx context.Context, opts ManufactureOptions) (domain.Batch, error) {
	if opts.BatchID == "" {
		return domain.Batch{}, errors.New("batch id is required")
	}
	if opts.Name == "" {
		return domain.Batch{}, errors.New("name is required")
	}
	if opts.Manufacturer == "" {
		return domain.Batch{}, errors.New("manufacturer is required")
	}
	if opts.ActorID == "" {
		return domain.Batch{}, errors.New("actor is required")
	}
	mfd, err := time.Parse(time.RFC3339, opts.ManufactureDate)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("manufacture date: %w", err)
	}
	exp, err := time.Parse(time.RFC3339, opts.ExpiryDate)
	if err != nil {
		return domain.Batch{}, fmt.Errorf("expiry date: %w", err)
	}
	if !exp.After(mfd) {
		return domain.Batch{}, errors.New("expiry date must be after manufacture date")
	}
	if opts.MinTemp > opts.MaxTemp {
		return domain.Batch{}, errors.New("min temp exceeds max temp")
	}

	txRef, err := e.Ledger.ManufactureDrug(ctx, opts.ActorID, ledger.ManufactureParams{
		BatchID:         opts.BatchID,
		Name:            opts.Name,
		Manufacturer:    opts.Manufacturer,
		ManufactureDate: mfd,
		ExpiryDate:      exp,
		MinTemp:         opts.MinTemp,
		MaxTemp:         opts.MaxTemp,
	})
	if err != nil {
		return domain.Batch{}, mapLedgerErr(err)
	}

	now := e.now().UTC().Format(time.RFC3339)
	b := domain.Batch{
		BatchID:           opts.BatchID,
		Name:              opts.Name,
		Manufacturer:      opts.Manufacturer,
		ManufacturerID:    opts.ActorID,
		ManufactureDate:   mfd.UTC().Format(time.RFC3339),
		ExpiryDate:        exp.UTC().Format(time.RFC3339),
		Status:            domain.StatusManufactured,
		IsAuthentic:       true,
		MinTemp:           opts.MinTemp,
		MaxTemp:           opts.MaxTemp,
		TempCompliant:     true,
		LedgerTxRef:       txRef,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Batch{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertBatchTx(ctx, tx, b); err != nil {
		return domain.Batch{}, fmt.Errorf("insert batch: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "batch.manufactured", b.BatchID, opts.ActorID, events.EventPayload{
		"name":   b.Name,
		"tx_ref": txRef,
	}); err != nil {
		return domain.Batch{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Batch{}, err
	}
	return b, nil
}

// Distribute moves a Manufactured batch into distribution.
func (e Engine) Distribute(ctx context.Context, batchID, actorID string) (domain.Batch, error) {
	return e.transition(ctx, batchID, actorID, actorID, domain.StatusDistributed, "distributor_id", "batch.distributed",
		func(ctx context.Context) (string, error) {
			return e.Ledger.DistributeDrug(ctx, actorID, batchID)
		})
}

// Retail moves a Distributed batch onto a retailer's shelf.
func (e Engine) Retail(ctx context.Context, batchID, actorID string) (domain.Batch, error) {
	return e.transition(ctx, batchID, actorID, actorID, domain.StatusRetailed, "retailer_id", "batch.retailed",
		func(ctx context.Context) (string, error) {
			return e.Ledger.RetailDrug(ctx, actorID, batchID)
		})
}

// Sell hands a Retailed batch to its final consumer. The consumer is the
// supplied party, not the calling retailer.
func (e Engine) Sell(ctx context.Context, batchID, consumerID, actorID string) (domain.Batch, error) {
	if consumerID == "" {
		return domain.Batch{}, errors.New("consumer id is required")
	}
	return e.transition(ctx, batchID, actorID, consumerID, domain.StatusSold, "consumer_id", "batch.sold",
		func(ctx context.Context) (string, error) {
			return e.Ledger.SellDrug(ctx, actorID, batchID, consumerID)
		})
}

// transition submits the ledger write, then mirrors the accepted state
// locally. The ledger performs the state check atomically at submission, so a
// lost race surfaces as ErrInvalidTransition here and nothing is written.
func (e Engine) transition(ctx context.Context, batchID, actorID, partyID, newStatus, partyColumn, evtType string, submit func(context.Context) (string, error)) (domain.Batch, error) {
	if batchID == "" {
		return domain.Batch{}, errors.New("batch id is required")
	}
	if actorID == "" {
		return domain.Batch{}, errors.New("actor is required")
	}
	txRef, err := submit(ctx)
	if err != nil {
		return domain.Batch{}, mapLedgerErr(err)
	}

	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Batch{}, err
	}
	defer tx.Rollback()

	err = e.Repo.UpdateBatchTransitionTx(ctx, tx, batchID, newStatus, partyColumn, partyID, txRef, now)
	if errors.Is(err, repo.ErrNotFound) {
		// ledger accepted a batch we never mirrored; pull full truth instead
		tx.Rollback()
		return e.SyncBatch(ctx, batchID)
	}
	if err != nil {
		return domain.Batch{}, err
	}
	if err := e.Events.Append(ctx, tx, evtType, batchID, actorID, events.EventPayload{
		"status": newStatus,
		"party":  partyID,
		"tx_ref": txRef,
	}); err != nil {
		return domain.Batch{}, err
	}
	b, err := e.Repo.GetBatchTx(ctx, tx, batchID)
	if err != nil {
		return domain.Batch{}, mapRepoErr(err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Batch{}, err
	}
	return b, nil
}

// GetBatch reads the local mirror.
func (e Engine) GetBatch(ctx context.Context, batchID string) (domain.Batch, error) {
	b, err := e.Repo.GetBatch(ctx, batchID)
	return b, mapRepoErr(err)
}

// RegisterCompany records a supply-chain party locally and on the ledger.
func (e Engine) RegisterCompany(ctx context.Context, c domain.Company) (domain.Company, error) {
	if c.ID == "" {
		return c, errors.New("company id is required")
	}
	if c.Name == "" {
		return c, errors.New("name is required")
	}
	switch c.Role {
	case domain.RoleManufacturer, domain.RoleDistributor, domain.RoleRetailer:
	default:
		return c, fmt.Errorf("unknown role %q", c.Role)
	}
	if err := e.Ledger.RegisterParty(ctx, c.ID, c.Role); err != nil {
		return c, mapLedgerErr(err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	c.IsActive = true
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := e.Repo.InsertCompany(ctx, c); err != nil {
		return c, fmt.Errorf("insert company: %w", err)
	}
	return c, nil
}

// VerificationURL builds the QR payload for a batch: the public URL a scanner
// hits to verify it. No image rendering happens server side.
func (e Engine) VerificationURL(batchID string) string {
	base := "http://localhost:8410"
	if e.Config != nil && e.Config.Server.BaseURL != "" {
		base = e.Config.Server.BaseURL
	}
	return fmt.Sprintf("%s/v0/batches/%s/verify", base, batchID)
}
