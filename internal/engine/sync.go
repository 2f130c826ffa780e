package engine

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pharmatrace/internal/domain"
	"pharmatrace/internal/ledger"
)

// SyncBatch pulls ledger truth for one batch and overwrites the local mirror.
// Local verification counters survive; the ledger does not track them.
func (e Engine) SyncBatch(ctx context.Context, batchID string) (domain.Batch, error) {
	rec, err := e.Ledger.GetDrugDetails(ctx, batchID)
	if err != nil {
		return domain.Batch{}, mapLedgerErr(err)
	}
	return e.mirror(ctx, rec)
}

func (e Engine) mirror(ctx context.Context, rec ledger.Record) (domain.Batch, error) {
	now := e.now().UTC().Format(time.RFC3339)
	b := recordToBatch(rec, now)
	existing, gerr := e.Repo.GetBatch(ctx, rec.BatchID)
	if gerr == nil {
		b.CreatedAt = existing.CreatedAt
		b.VerificationCount = existing.VerificationCount
		b.LastVerified = existing.LastVerified
		b.LedgerTxRef = existing.LedgerTxRef
	}
	if gerr == nil && authoritativeEqual(existing, b) {
		// the ledger has nothing new; a repeat sync leaves the row untouched
		b = existing
	} else if err := e.Repo.UpsertBatch(ctx, b); err != nil {
		return b, err
	}
	// custody parties discovered on the ledger get placeholder company rows;
	// existing rows are never overwritten
	parties := []struct{ id, role string }{
		{rec.ManufacturerID, domain.RoleManufacturer},
		{rec.DistributorID, domain.RoleDistributor},
		{rec.RetailerID, domain.RoleRetailer},
	}
	for _, p := range parties {
		if p.id == "" {
			continue
		}
		if err := e.Repo.EnsureCompany(ctx, p.id, p.role, now); err != nil {
			e.logf("sync: provision company %s: %v", p.id, err)
		}
	}
	return b, nil
}

type SyncReport struct {
	Processed int      `json:"processed"`
	Total     int      `json:"total"`
	Failed    []string `json:"failed,omitempty"`
}

// SyncAll reconciles every batch that exists on the ledger, a bounded number
// at a time. Failures are collected, not fatal; the report names the batches
// that could not be reconciled.
func (e Engine) SyncAll(ctx context.Context) (SyncReport, error) {
	ids, err := e.Repo.ListSyncCandidates(ctx)
	if err != nil {
		return SyncReport{}, err
	}
	parallelism := 1
	if e.Config != nil && e.Config.Sync.Parallelism > 0 {
		parallelism = e.Config.Sync.Parallelism
	}

	var mu sync.Mutex
	report := SyncReport{Total: len(ids)}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			_, err := e.SyncBatch(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.logf("sync: batch %s: %v", id, err)
				report.Failed = append(report.Failed, id)
				return nil
			}
			report.Processed++
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, nil
}

// authoritativeEqual compares the fields sync is allowed to overwrite.
func authoritativeEqual(a, b domain.Batch) bool {
	return a.Name == b.Name &&
		a.Manufacturer == b.Manufacturer &&
		a.ManufacturerID == b.ManufacturerID &&
		strPtrEqual(a.DistributorID, b.DistributorID) &&
		strPtrEqual(a.RetailerID, b.RetailerID) &&
		strPtrEqual(a.ConsumerID, b.ConsumerID) &&
		a.ManufactureDate == b.ManufactureDate &&
		a.ExpiryDate == b.ExpiryDate &&
		a.Status == b.Status &&
		a.IsAuthentic == b.IsAuthentic &&
		a.MinTemp == b.MinTemp &&
		a.MaxTemp == b.MaxTemp &&
		a.TempCompliant == b.TempCompliant
}

func strPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func recordToBatch(rec ledger.Record, now string) domain.Batch {
	b := domain.Batch{
		BatchID:         rec.BatchID,
		Name:            rec.Name,
		Manufacturer:    rec.Manufacturer,
		ManufacturerID:  rec.ManufacturerID,
		ManufactureDate: rec.ManufactureDate.UTC().Format(time.RFC3339),
		ExpiryDate:      rec.ExpiryDate.UTC().Format(time.RFC3339),
		Status:          domain.StatusName(rec.Status),
		IsAuthentic:     rec.IsAuthentic,
		MinTemp:         rec.MinTemp,
		MaxTemp:         rec.MaxTemp,
		TempCompliant:   rec.TempCompliant,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if rec.DistributorID != "" {
		b.DistributorID = &rec.DistributorID
	}
	if rec.RetailerID != "" {
		b.RetailerID = &rec.RetailerID
	}
	if rec.ConsumerID != "" {
		b.ConsumerID = &rec.ConsumerID
	}
	return b
}
