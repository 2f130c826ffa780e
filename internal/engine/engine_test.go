package engine_test

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"pharmatrace/internal/config"
	"pharmatrace/internal/db"
	"pharmatrace/internal/domain"
	"pharmatrace/internal/engine"
	"pharmatrace/internal/ledger"
	"pharmatrace/internal/migrate"
	"pharmatrace/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ledger *ledger.Memory
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	mem := ledger.NewMemory()
	eng := engine.New(conn, mem, config.Default())
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return frozen }
	mem.Now = eng.Now
	return testEnv{Engine: eng, Ledger: mem, Ctx: context.Background()}
}

func manufactureOpts(batchID string) engine.ManufactureOptions {
	return engine.ManufactureOptions{
		BatchID:         batchID,
		Name:            "Amoxicillin 500mg",
		Manufacturer:    "Acme Pharma",
		ManufactureDate: "2025-06-01T00:00:00Z",
		ExpiryDate:      "2027-06-01T00:00:00Z",
		MinTemp:         2,
		MaxTemp:         8,
		ActorID:         "mfg-1",
	}
}

// downGateway refuses every call, like an unreachable ledger node.
type downGateway struct{}

func (downGateway) GetDrugDetails(context.Context, string) (ledger.Record, error) {
	return ledger.Record{}, ledger.ErrUnavailable
}
func (downGateway) VerifyDrug(context.Context, string) (bool, error) {
	return false, ledger.ErrUnavailable
}
func (downGateway) IsDrugExpired(context.Context, string) (bool, error) {
	return false, ledger.ErrUnavailable
}
func (downGateway) ManufactureDrug(context.Context, string, ledger.ManufactureParams) (string, error) {
	return "", ledger.ErrUnavailable
}
func (downGateway) DistributeDrug(context.Context, string, string) (string, error) {
	return "", ledger.ErrUnavailable
}
func (downGateway) RetailDrug(context.Context, string, string) (string, error) {
	return "", ledger.ErrUnavailable
}
func (downGateway) SellDrug(context.Context, string, string, string) (string, error) {
	return "", ledger.ErrUnavailable
}
func (downGateway) LogTemperature(context.Context, string, string, float64, time.Time) (string, error) {
	return "", ledger.ErrUnavailable
}
func (downGateway) RegisterParty(context.Context, string, string) error {
	return ledger.ErrUnavailable
}

// countingDownGateway is a downGateway that counts temperature submissions.
type countingDownGateway struct {
	downGateway
	tempCalls int
}

func (g *countingDownGateway) LogTemperature(context.Context, string, string, float64, time.Time) (string, error) {
	g.tempCalls++
	return "", ledger.ErrUnavailable
}

func TestCustodyChainWalk(t *testing.T) {
	env := newTestEnv(t)
	b, err := env.Engine.Manufacture(env.Ctx, manufactureOpts("BATCH-001"))
	if err != nil {
		t.Fatalf("manufacture: %v", err)
	}
	if b.Status != domain.StatusManufactured || !b.IsAuthentic || !b.TempCompliant {
		t.Fatalf("unexpected manufactured batch: %+v", b)
	}
	if b.LedgerTxRef == "" {
		t.Fatalf("expected ledger tx ref")
	}

	b, err = env.Engine.Distribute(env.Ctx, "BATCH-001", "dist-1")
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if b.Status != domain.StatusDistributed || b.DistributorID == nil || *b.DistributorID != "dist-1" {
		t.Fatalf("unexpected distributed batch: %+v", b)
	}

	b, err = env.Engine.Retail(env.Ctx, "BATCH-001", "ret-1")
	if err != nil {
		t.Fatalf("retail: %v", err)
	}
	if b.Status != domain.StatusRetailed || b.RetailerID == nil || *b.RetailerID != "ret-1" {
		t.Fatalf("unexpected retailed batch: %+v", b)
	}

	b, err = env.Engine.Sell(env.Ctx, "BATCH-001", "consumer-1", "ret-1")
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if b.Status != domain.StatusSold || b.ConsumerID == nil || *b.ConsumerID != "consumer-1" {
		t.Fatalf("unexpected sold batch: %+v", b)
	}
	// earlier custody parties survive later transitions
	if b.DistributorID == nil || b.RetailerID == nil {
		t.Fatalf("custody parties dropped: %+v", b)
	}

	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT count(*) FROM events WHERE batch_id = ?`, "BATCH-001")
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var count int
	rows.Next()
	rows.Scan(&count)
	if count != 4 {
		t.Fatalf("expected 4 custody events, got %d", count)
	}
}

func TestDuplicateManufacture(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Manufacture(env.Ctx, manufactureOpts("BATCH-001")); err != nil {
		t.Fatalf("manufacture: %v", err)
	}
	_, err := env.Engine.Manufacture(env.Ctx, manufactureOpts("BATCH-001"))
	if !errors.Is(err, engine.ErrDuplicateBatch) {
		t.Fatalf("expected duplicate batch error, got %v", err)
	}
}

func TestInvalidTransitions(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Manufacture(env.Ctx, manufactureOpts("BATCH-001")); err != nil {
		t.Fatalf("manufacture: %v", err)
	}
	// retail straight from Manufactured skips distribution
	if _, err := env.Engine.Retail(env.Ctx, "BATCH-001", "ret-1"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := env.Engine.Distribute(env.Ctx, "BATCH-001", "dist-1"); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if _, err := env.Engine.Distribute(env.Ctx, "BATCH-001", "dist-2"); !errors.Is(err, engine.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition on double distribute, got %v", err)
	}
	// the failed attempts must not have moved the mirror
	b, err := env.Engine.GetBatch(env.Ctx, "BATCH-001")
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if b.Status != domain.StatusDistributed || *b.DistributorID != "dist-1" {
		t.Fatalf("mirror moved on rejected transition: %+v", b)
	}
}

func TestRegisteredRoleEnforced(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RegisterCompany(env.Ctx, domain.Company{
		ID:   "dist-1",
		Name: "MediHaul Logistics",
		Role: domain.RoleDistributor,
	})
	if err != nil {
		t.Fatalf("register company: %v", err)
	}
	opts := manufactureOpts("BATCH-001")
	opts.ActorID = "dist-1"
	if _, err := env.Engine.Manufacture(env.Ctx, opts); !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("expected unauthorized for distributor manufacturing, got %v", err)
	}
}

func TestExpiryDerivedFromClock(t *testing.T) {
	env := newTestEnv(t)
	opts := manufactureOpts("BATCH-001")
	opts.ExpiryDate = "2026-06-01T00:00:00Z"
	if _, err := env.Engine.Manufacture(env.Ctx, opts); err != nil {
		t.Fatalf("manufacture: %v", err)
	}
	res, err := env.Engine.Verify(env.Ctx, "BATCH-001", "checker", domain.MethodAPI)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Result != domain.ResultAuthentic || res.IsExpired {
		t.Fatalf("expected authentic before expiry, got %+v", res)
	}

	// same stored row, later clock
	env.Engine.Now = func() time.Time { return time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC) }
	res, err = env.Engine.Verify(env.Ctx, "BATCH-001", "checker", domain.MethodAPI)
	if err != nil {
		t.Fatalf("verify after expiry: %v", err)
	}
	if res.Result != domain.ResultExpired || !res.IsExpired {
		t.Fatalf("expected expired after clock advance, got %+v", res)
	}
}

func TestTemperatureBoundariesCompliant(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Manufacture(env.Ctx, manufactureOpts("BATCH-001")); err != nil {
		t.Fatalf("manufacture: %v", err)
	}
	for _, value := range []float64{2, 8, 5.5} {
		res, err := env.Engine.LogTemperature(env.Ctx, "BATCH-001", value, time.Now(), "sensor-1")
		if err != nil {
			t.Fatalf("log %v: %v", value, err)
		}
		if res.Violation {
			t.Fatalf("value %v flagged as violation", value)
		}
	}
	ok, err := env.Engine.TempCompliant(env.Ctx, "BATCH-001")
	if err != nil || !ok {
		t.Fatalf("expected compliant batch: %v", err)
	}
}

func TestTemperatureViolationSticks(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Manufacture(env.Ctx, manufactureOpts("BATCH-001")); err != nil {
		t.Fatalf("manufacture: %v", err)
	}
	// out of range on either side of the inclusive bounds
	for _, value := range []float64{1.9, 8.5} {
		res, err := env.Engine.LogTemperature(env.Ctx, "BATCH-001", value, time.Now(), "sensor-1")
		if err != nil {
			t.Fatalf("log violation %v: %v", value, err)
		}
		if !res.Violation || res.TxRef == "" {
			t.Fatalf("expected recorded violation for %v, got %+v", value, res)
		}
	}
	// an in-range reading afterwards does not rehabilitate the batch
	if _, err := env.Engine.LogTemperature(env.Ctx, "BATCH-001", 5, time.Now(), "sensor-1"); err != nil {
		t.Fatalf("log in-range: %v", err)
	}
	ok, err := env.Engine.TempCompliant(env.Ctx, "BATCH-001")
	if err != nil {
		t.Fatalf("compliance flag: %v", err)
	}
	if ok {
		t.Fatalf("expected compliance flag to stay false")
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT count(*) FROM events WHERE type = 'temperature.violation'`)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var count int
	rows.Next()
	rows.Scan(&count)
	if count != 2 {
		t.Fatalf("expected two violation events, got %d", count)
	}
}

func TestComplianceLogRetriesThenFails(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Manufacture(env.Ctx, manufactureOpts("BATCH-001")); err != nil {
		t.Fatalf("manufacture: %v", err)
	}
	down := &countingDownGateway{}
	env.Engine.Ledger = down
	_, err := env.Engine.LogTemperature(env.Ctx, "BATCH-001", 12, time.Now(), "sensor-1")
	if !errors.Is(err, engine.ErrComplianceLogFailed) {
		t.Fatalf("expected compliance log failure, got %v", err)
	}
	if want := env.Engine.Config.Compliance.MaxLogAttempts; down.tempCalls != want {
		t.Fatalf("expected %d attempts, got %d", want, down.tempCalls)
	}
	// breach was not recorded, so the local flag must not move
	ok, err := env.Engine.TempCompliant(env.Ctx, "BATCH-001")
	if err != nil || !ok {
		t.Fatalf("expected flag untouched after failed submit: %v", err)
	}
}

func TestVerifyLeavesOneRowPerCall(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Manufacture(env.Ctx, manufactureOpts("BATCH-001")); err != nil {
		t.Fatalf("manufacture: %v", err)
	}
	res, err := env.Engine.Verify(env.Ctx, "BATCH-001", "checker", domain.MethodQRScan)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Result != domain.ResultAuthentic || res.Source != "ledger" {
		t.Fatalf("unexpected verify result: %+v", res)
	}
	if res.Batch == nil || res.Batch.VerificationCount != 1 || res.Batch.LastVerified == nil {
		t.Fatalf("expected bumped counters on returned batch: %+v", res.Batch)
	}

	// unknown ids still leave an audit row, without touching counters
	res, err = env.Engine.Verify(env.Ctx, "NO-SUCH-BATCH", "checker", domain.MethodAPI)
	if err != nil {
		t.Fatalf("verify unknown: %v", err)
	}
	if res.Result != domain.ResultNotFound || res.Source != "none" {
		t.Fatalf("expected not_found, got %+v", res)
	}

	history, err := env.Engine.History(env.Ctx, "BATCH-001", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Method != domain.MethodQRScan {
		t.Fatalf("unexpected history: %+v", history)
	}
	rows, err := env.Engine.DB.QueryContext(env.Ctx, `SELECT count(*) FROM verifications`)
	if err != nil {
		t.Fatalf("query verifications: %v", err)
	}
	defer rows.Close()
	var count int
	rows.Next()
	rows.Scan(&count)
	if count != 2 {
		t.Fatalf("expected 2 verification rows, got %d", count)
	}
}

func TestVerifyFallsBackToStore(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Manufacture(env.Ctx, manufactureOpts("BATCH-001")); err != nil {
		t.Fatalf("manufacture: %v", err)
	}
	env.Engine.Ledger = downGateway{}
	res, err := env.Engine.Verify(env.Ctx, "BATCH-001", "checker", domain.MethodAPI)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Source != "store" || res.Result != domain.ResultAuthentic {
		t.Fatalf("expected store answer, got %+v", res)
	}
	b, err := env.Engine.GetBatch(env.Ctx, "BATCH-001")
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	if b.VerificationCount != 1 {
		t.Fatalf("expected counter bump on store fallback, got %d", b.VerificationCount)
	}
}

func TestVerifyWritesThroughToStore(t *testing.T) {
	env := newTestEnv(t)
	// batch exists on the ledger only, never mirrored
	if _, err := env.Ledger.ManufactureDrug(env.Ctx, "mfg-1", ledger.ManufactureParams{
		BatchID:         "BATCH-001",
		Name:            "Amoxicillin 500mg",
		Manufacturer:    "Acme Pharma",
		ManufactureDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		ExpiryDate:      time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC),
		MinTemp:         2,
		MaxTemp:         8,
	}); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	res, err := env.Engine.Verify(env.Ctx, "BATCH-001", "checker", domain.MethodAPI)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Source != "ledger" || res.Result != domain.ResultAuthentic {
		t.Fatalf("unexpected result: %+v", res)
	}
	b, err := env.Engine.GetBatch(env.Ctx, "BATCH-001")
	if err != nil {
		t.Fatalf("expected write-through row: %v", err)
	}
	if b.Status != domain.StatusManufactured || b.ManufacturerID != "mfg-1" {
		t.Fatalf("unexpected mirrored batch: %+v", b)
	}
}

func TestWritesFailClosed(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Ledger = downGateway{}
	_, err := env.Engine.Manufacture(env.Ctx, manufactureOpts("BATCH-001"))
	if !errors.Is(err, engine.ErrLedgerUnavailable) {
		t.Fatalf("expected ledger unavailable, got %v", err)
	}
	if _, err := env.Engine.GetBatch(env.Ctx, "BATCH-001"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("expected no local row after refused write, got %v", err)
	}
}

func TestTransitionRecoversUnmirroredBatch(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Ledger.ManufactureDrug(env.Ctx, "mfg-1", ledger.ManufactureParams{
		BatchID:         "BATCH-001",
		Name:            "Amoxicillin 500mg",
		Manufacturer:    "Acme Pharma",
		ManufactureDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		ExpiryDate:      time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC),
		MinTemp:         2,
		MaxTemp:         8,
	}); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	b, err := env.Engine.Distribute(env.Ctx, "BATCH-001", "dist-1")
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if b.Status != domain.StatusDistributed || b.DistributorID == nil || *b.DistributorID != "dist-1" {
		t.Fatalf("unexpected recovered batch: %+v", b)
	}
	if _, err := env.Engine.GetBatch(env.Ctx, "BATCH-001"); err != nil {
		t.Fatalf("expected materialized mirror: %v", err)
	}
}

func TestSyncBatchPreservesLocalCounters(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Manufacture(env.Ctx, manufactureOpts("BATCH-001")); err != nil {
		t.Fatalf("manufacture: %v", err)
	}
	if _, err := env.Engine.Verify(env.Ctx, "BATCH-001", "checker", domain.MethodAPI); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := env.Engine.Distribute(env.Ctx, "BATCH-001", "dist-1"); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	b, err := env.Engine.SyncBatch(env.Ctx, "BATCH-001")
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if b.VerificationCount != 1 {
		t.Fatalf("sync clobbered verification counter: %+v", b)
	}
	if b.Status != domain.StatusDistributed {
		t.Fatalf("sync missed ledger status: %+v", b)
	}
	// custody parties seen on the ledger get placeholder company rows
	c, err := env.Engine.Repo.GetCompany(env.Ctx, "dist-1")
	if err != nil {
		t.Fatalf("expected provisioned company: %v", err)
	}
	if c.Role != domain.RoleDistributor {
		t.Fatalf("unexpected placeholder role: %+v", c)
	}
}

func TestSyncBatchIdempotent(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Manufacture(env.Ctx, manufactureOpts("BATCH-001")); err != nil {
		t.Fatalf("manufacture: %v", err)
	}
	if _, err := env.Engine.SyncBatch(env.Ctx, "BATCH-001"); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	before, err := env.Engine.GetBatch(env.Ctx, "BATCH-001")
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	// later clock, unchanged ledger: the repeat sync must not touch the row
	env.Engine.Now = func() time.Time { return time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC) }
	if _, err := env.Engine.SyncBatch(env.Ctx, "BATCH-001"); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	after, err := env.Engine.GetBatch(env.Ctx, "BATCH-001")
	if err != nil {
		t.Fatalf("get batch after resync: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("repeat sync changed the row:\nbefore %+v\nafter  %+v", before, after)
	}
	// a change that happened only on the ledger still lands
	if _, err := env.Ledger.DistributeDrug(env.Ctx, "dist-1", "BATCH-001"); err != nil {
		t.Fatalf("distribute on ledger: %v", err)
	}
	synced, err := env.Engine.SyncBatch(env.Ctx, "BATCH-001")
	if err != nil {
		t.Fatalf("sync after transition: %v", err)
	}
	if synced.Status != domain.StatusDistributed || synced.DistributorID == nil {
		t.Fatalf("sync missed ledger change: %+v", synced)
	}
}

func TestTemperatureForUnmirroredBatch(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Ledger.ManufactureDrug(env.Ctx, "mfg-1", ledger.ManufactureParams{
		BatchID:         "BATCH-001",
		Name:            "Amoxicillin 500mg",
		Manufacturer:    "Acme Pharma",
		ManufactureDate: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		ExpiryDate:      time.Date(2027, 6, 1, 0, 0, 0, 0, time.UTC),
		MinTemp:         2,
		MaxTemp:         8,
	}); err != nil {
		t.Fatalf("seed ledger: %v", err)
	}
	// range resolves through sync; the reading is evaluated against ledger truth
	res, err := env.Engine.LogTemperature(env.Ctx, "BATCH-001", 9, time.Now(), "sensor-1")
	if err != nil {
		t.Fatalf("log temperature: %v", err)
	}
	if !res.Violation || res.MinTemp != 2 || res.MaxTemp != 8 {
		t.Fatalf("unexpected result: %+v", res)
	}
	b, err := env.Engine.GetBatch(env.Ctx, "BATCH-001")
	if err != nil {
		t.Fatalf("expected materialized mirror: %v", err)
	}
	if b.TempCompliant {
		t.Fatalf("violation not mirrored: %+v", b)
	}
}

func TestSyncAllReportsFailures(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Manufacture(env.Ctx, manufactureOpts("BATCH-001")); err != nil {
		t.Fatalf("manufacture 1: %v", err)
	}
	if _, err := env.Engine.Manufacture(env.Ctx, manufactureOpts("BATCH-002")); err != nil {
		t.Fatalf("manufacture 2: %v", err)
	}
	// a local row the ledger has never heard of cannot reconcile
	orphan := domain.Batch{
		BatchID:         "BATCH-GHOST",
		Name:            "Ghost",
		Manufacturer:    "Acme Pharma",
		ManufacturerID:  "mfg-1",
		ManufactureDate: "2025-06-01T00:00:00Z",
		ExpiryDate:      "2027-06-01T00:00:00Z",
		Status:          domain.StatusManufactured,
		IsAuthentic:     true,
		TempCompliant:   true,
		CreatedAt:       "2025-06-01T00:00:00Z",
		UpdatedAt:       "2025-06-01T00:00:00Z",
	}
	if err := env.Engine.Repo.UpsertBatch(env.Ctx, orphan); err != nil {
		t.Fatalf("seed orphan: %v", err)
	}
	report, err := env.Engine.SyncAll(env.Ctx)
	if err != nil {
		t.Fatalf("sync all: %v", err)
	}
	if report.Total != 3 || report.Processed != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(report.Failed) != 1 || report.Failed[0] != "BATCH-GHOST" {
		t.Fatalf("expected ghost batch in failures: %+v", report)
	}
}

func TestAnalyticsOverview(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Manufacture(env.Ctx, manufactureOpts("BATCH-001")); err != nil {
		t.Fatalf("manufacture: %v", err)
	}
	if _, err := env.Engine.Manufacture(env.Ctx, manufactureOpts("BATCH-002")); err != nil {
		t.Fatalf("manufacture: %v", err)
	}
	if _, err := env.Engine.Distribute(env.Ctx, "BATCH-002", "dist-1"); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if _, err := env.Engine.Verify(env.Ctx, "BATCH-001", "checker", domain.MethodAPI); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := env.Engine.LogTemperature(env.Ctx, "BATCH-001", 20, time.Now(), "sensor-1"); err != nil {
		t.Fatalf("log temperature: %v", err)
	}
	ov, err := env.Engine.AnalyticsOverview(env.Ctx)
	if err != nil {
		t.Fatalf("overview: %v", err)
	}
	if ov.Batches[domain.StatusManufactured] != 1 || ov.Batches[domain.StatusDistributed] != 1 {
		t.Fatalf("unexpected status counts: %+v", ov.Batches)
	}
	if ov.Verifications[domain.ResultAuthentic] != 1 {
		t.Fatalf("unexpected result counts: %+v", ov.Verifications)
	}
	if ov.NonCompliant != 1 {
		t.Fatalf("expected one non-compliant batch, got %d", ov.NonCompliant)
	}
}

func TestVerificationAnalyticsWindow(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Manufacture(env.Ctx, manufactureOpts("BATCH-001")); err != nil {
		t.Fatalf("manufacture: %v", err)
	}
	if _, err := env.Engine.Verify(env.Ctx, "BATCH-001", "checker", domain.MethodAPI); err != nil {
		t.Fatalf("verify: %v", err)
	}
	stats, err := env.Engine.VerificationAnalytics(env.Ctx, "")
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if stats.Timeframe != "24h" || stats.Total != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if _, err := env.Engine.VerificationAnalytics(env.Ctx, "42d"); err == nil {
		t.Fatalf("expected unknown timeframe error")
	}
}

func TestVerificationHistoryPagination(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Manufacture(env.Ctx, manufactureOpts("BATCH-001")); err != nil {
		t.Fatalf("manufacture: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := env.Engine.Verify(env.Ctx, "BATCH-001", "checker", domain.MethodAPI); err != nil {
			t.Fatalf("verify %d: %v", i, err)
		}
	}
	first, err := env.Engine.Repo.ListVerifications(env.Ctx, repo.VerificationFilters{BatchID: "BATCH-001", Limit: 2})
	if err != nil {
		t.Fatalf("first page: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(first))
	}
	second, err := env.Engine.Repo.ListVerifications(env.Ctx, repo.VerificationFilters{
		BatchID:  "BATCH-001",
		Limit:    2,
		CursorTS: first[1].TS,
		CursorID: first[1].ID,
	})
	if err != nil {
		t.Fatalf("second page: %v", err)
	}
	if len(second) != 2 {
		t.Fatalf("expected 2 rows on second page, got %d", len(second))
	}
	if second[0].ID >= first[1].ID {
		t.Fatalf("pages overlap: %d then %d", first[1].ID, second[0].ID)
	}
}

func TestVerificationHistoryFailedAttempts(t *testing.T) {
	env := newTestEnv(t)
	broken := erroringGateway{}
	env.Engine.Ledger = broken
	_, err := env.Engine.Verify(env.Ctx, "BATCH-001", "checker", domain.MethodAPI)
	if err == nil {
		t.Fatalf("expected gateway error to surface")
	}
	rows, qerr := env.Engine.DB.QueryContext(env.Ctx, `SELECT result, error_message FROM verifications WHERE batch_id = ?`, "BATCH-001")
	if qerr != nil {
		t.Fatalf("query verifications: %v", qerr)
	}
	defer rows.Close()
	if !rows.Next() {
		t.Fatalf("expected an audit row for the failed attempt")
	}
	var result, errMsg string
	rows.Scan(&result, &errMsg)
	if result != domain.ResultNotFound || errMsg == "" {
		t.Fatalf("unexpected audit row: result=%s error=%q", result, errMsg)
	}
}

// erroringGateway fails reads with an error the engine does not recognize.
type erroringGateway struct {
	downGateway
}

func (erroringGateway) GetDrugDetails(context.Context, string) (ledger.Record, error) {
	return ledger.Record{}, errors.New("ledger: contract reverted")
}
