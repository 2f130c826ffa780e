package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func seedParams(batchID string) ManufactureParams {
	return ManufactureParams{
		BatchID:         batchID,
		Name:            "Amoxicillin 500mg",
		Manufacturer:    "Acme Pharma",
		ManufactureDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		ExpiryDate:      time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC),
		MinTemp:         2,
		MaxTemp:         8,
	}
}

func TestMemoryChainRules(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if _, err := m.ManufactureDrug(ctx, "mfg-1", seedParams("BATCH-001")); err != nil {
		t.Fatalf("manufacture: %v", err)
	}
	if _, err := m.ManufactureDrug(ctx, "mfg-1", seedParams("BATCH-001")); !errors.Is(err, ErrDuplicateBatch) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if _, err := m.RetailDrug(ctx, "ret-1", "BATCH-001"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := m.DistributeDrug(ctx, "dist-1", "BATCH-001"); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if _, err := m.RetailDrug(ctx, "ret-1", "BATCH-001"); err != nil {
		t.Fatalf("retail: %v", err)
	}
	if _, err := m.SellDrug(ctx, "ret-1", "BATCH-001", "consumer-1"); err != nil {
		t.Fatalf("sell: %v", err)
	}
	rec, err := m.GetDrugDetails(ctx, "BATCH-001")
	if err != nil {
		t.Fatalf("details: %v", err)
	}
	if rec.Status != 3 || rec.ConsumerID != "consumer-1" || rec.DistributorID != "dist-1" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if _, err := m.GetDrugDetails(ctx, "NO-SUCH"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	authentic, err := m.VerifyDrug(ctx, "BATCH-001")
	if err != nil || !authentic {
		t.Fatalf("expected authentic: %v", err)
	}
	m.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	expired, err := m.IsDrugExpired(ctx, "BATCH-001")
	if err != nil || expired {
		t.Fatalf("expected unexpired at 2026: %v", err)
	}
	m.Now = func() time.Time { return time.Date(2028, 1, 1, 0, 0, 0, 0, time.UTC) }
	expired, err = m.IsDrugExpired(ctx, "BATCH-001")
	if err != nil || !expired {
		t.Fatalf("expected expired at 2028: %v", err)
	}
}

func TestMemoryRegisteredRoles(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.RegisterParty(ctx, "dist-1", "distributor"); err != nil {
		t.Fatalf("register: %v", err)
	}
	// a registered party acts only within its role
	if _, err := m.ManufactureDrug(ctx, "dist-1", seedParams("BATCH-001")); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	// unregistered callers are allowed, this is a dev ledger
	if _, err := m.ManufactureDrug(ctx, "someone-new", seedParams("BATCH-001")); err != nil {
		t.Fatalf("open enrollment manufacture: %v", err)
	}
}

func TestMemoryTemperatureFlipIsSticky(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, err := m.ManufactureDrug(ctx, "mfg-1", seedParams("BATCH-001")); err != nil {
		t.Fatalf("manufacture: %v", err)
	}
	for _, value := range []float64{2, 8} {
		if _, err := m.LogTemperature(ctx, "sensor-1", "BATCH-001", value, time.Now()); err != nil {
			t.Fatalf("boundary %v: %v", value, err)
		}
	}
	rec, _ := m.GetDrugDetails(ctx, "BATCH-001")
	if !rec.TempCompliant {
		t.Fatalf("boundary readings flipped compliance")
	}
	if _, err := m.LogTemperature(ctx, "sensor-1", "BATCH-001", 1.9, time.Now()); err != nil {
		t.Fatalf("violation: %v", err)
	}
	if _, err := m.LogTemperature(ctx, "sensor-1", "BATCH-001", 5, time.Now()); err != nil {
		t.Fatalf("in-range after violation: %v", err)
	}
	rec, _ = m.GetDrugDetails(ctx, "BATCH-001")
	if rec.TempCompliant {
		t.Fatalf("expected sticky violation flag")
	}
}

func TestMemorySnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.json")

	m, err := NewMemoryFile(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := m.ManufactureDrug(ctx, "mfg-1", seedParams("BATCH-001")); err != nil {
		t.Fatalf("manufacture: %v", err)
	}
	if _, err := m.DistributeDrug(ctx, "dist-1", "BATCH-001"); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if err := m.RegisterParty(ctx, "dist-1", "distributor"); err != nil {
		t.Fatalf("register: %v", err)
	}

	// a second open against the same path sees the same chain
	reopened, err := NewMemoryFile(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	rec, err := reopened.GetDrugDetails(ctx, "BATCH-001")
	if err != nil {
		t.Fatalf("details after reopen: %v", err)
	}
	if rec.Status != 1 || rec.DistributorID != "dist-1" {
		t.Fatalf("snapshot lost state: %+v", rec)
	}
	if _, err := reopened.ManufactureDrug(ctx, "dist-1", seedParams("BATCH-002")); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("snapshot lost roles: %v", err)
	}
}
