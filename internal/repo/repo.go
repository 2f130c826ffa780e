package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"pharmatrace/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const batchColumns = `batch_id,name,manufacturer,manufacturer_id,distributor_id,retailer_id,consumer_id,manufacture_date,expiry_date,status,is_authentic,min_temp,max_temp,temp_compliant,verification_count,last_verified,ledger_tx_ref,created_at,updated_at`

func scanBatch(scan func(dest ...any) error) (domain.Batch, error) {
	var b domain.Batch
	var distributorID, retailerID, consumerID, lastVerified, ledgerTxRef sql.NullString
	err := scan(&b.BatchID, &b.Name, &b.Manufacturer, &b.ManufacturerID, &distributorID, &retailerID, &consumerID,
		&b.ManufactureDate, &b.ExpiryDate, &b.Status, &b.IsAuthentic, &b.MinTemp, &b.MaxTemp, &b.TempCompliant,
		&b.VerificationCount, &lastVerified, &ledgerTxRef, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return b, ErrNotFound
	}
	if err != nil {
		return b, err
	}
	if distributorID.Valid {
		b.DistributorID = &distributorID.String
	}
	if retailerID.Valid {
		b.RetailerID = &retailerID.String
	}
	if consumerID.Valid {
		b.ConsumerID = &consumerID.String
	}
	if lastVerified.Valid {
		b.LastVerified = &lastVerified.String
	}
	if ledgerTxRef.Valid {
		b.LedgerTxRef = ledgerTxRef.String
	}
	return b, nil
}

func (r Repo) InsertBatchTx(ctx context.Context, tx *sql.Tx, b domain.Batch) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO batches(`+batchColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.BatchID, b.Name, b.Manufacturer, b.ManufacturerID, nullableStringPtr(b.DistributorID), nullableStringPtr(b.RetailerID),
		nullableStringPtr(b.ConsumerID), b.ManufactureDate, b.ExpiryDate, b.Status, b.IsAuthentic, b.MinTemp, b.MaxTemp,
		b.TempCompliant, b.VerificationCount, nullableStringPtr(b.LastVerified), nullable(b.LedgerTxRef), b.CreatedAt, b.UpdatedAt)
	return err
}

func (r Repo) GetBatch(ctx context.Context, batchID string) (domain.Batch, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE batch_id=?`, batchID)
	return scanBatch(row.Scan)
}

func (r Repo) GetBatchTx(ctx context.Context, tx *sql.Tx, batchID string) (domain.Batch, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batches WHERE batch_id=?`, batchID)
	return scanBatch(row.Scan)
}

// UpdateBatchTransitionTx advances status and records the acquiring party.
// The party column is written once; sync is the only path allowed to rewrite it.
func (r Repo) UpdateBatchTransitionTx(ctx context.Context, tx *sql.Tx, batchID, status, partyColumn, partyID, txRef, now string) error {
	switch partyColumn {
	case "distributor_id", "retailer_id", "consumer_id":
	default:
		return fmt.Errorf("unknown custody column %s", partyColumn)
	}
	res, err := tx.ExecContext(ctx, `UPDATE batches SET status=?, `+partyColumn+`=?, ledger_tx_ref=?, updated_at=? WHERE batch_id=?`,
		status, partyID, nullable(txRef), now, batchID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetTempCompliantTx(ctx context.Context, tx *sql.Tx, batchID string, compliant bool, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE batches SET temp_compliant=?, updated_at=? WHERE batch_id=?`, compliant, now, batchID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) BumpVerification(ctx context.Context, batchID, ts string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE batches SET verification_count=verification_count+1, last_verified=?, updated_at=? WHERE batch_id=?`,
		ts, ts, batchID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertBatch overwrites the authoritative fields with ledger truth; local
// verification counters survive the overwrite.
func (r Repo) UpsertBatch(ctx context.Context, b domain.Batch) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO batches(`+batchColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(batch_id) DO UPDATE SET
	name=excluded.name, manufacturer=excluded.manufacturer, manufacturer_id=excluded.manufacturer_id,
	distributor_id=excluded.distributor_id, retailer_id=excluded.retailer_id, consumer_id=excluded.consumer_id,
	manufacture_date=excluded.manufacture_date, expiry_date=excluded.expiry_date, status=excluded.status,
	is_authentic=excluded.is_authentic, min_temp=excluded.min_temp, max_temp=excluded.max_temp,
	temp_compliant=excluded.temp_compliant, updated_at=excluded.updated_at`,
		b.BatchID, b.Name, b.Manufacturer, b.ManufacturerID, nullableStringPtr(b.DistributorID), nullableStringPtr(b.RetailerID),
		nullableStringPtr(b.ConsumerID), b.ManufactureDate, b.ExpiryDate, b.Status, b.IsAuthentic, b.MinTemp, b.MaxTemp,
		b.TempCompliant, b.VerificationCount, nullableStringPtr(b.LastVerified), nullable(b.LedgerTxRef), b.CreatedAt, b.UpdatedAt)
	return err
}

type BatchFilters struct {
	Status          string
	Manufacturer    string
	Search          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListBatches(ctx context.Context, f BatchFilters) ([]domain.Batch, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Manufacturer != "" {
		clauses = append(clauses, "manufacturer=?")
		args = append(args, f.Manufacturer)
	}
	if f.Search != "" {
		clauses = append(clauses, "(batch_id LIKE ? OR name LIKE ?)")
		pat := "%" + f.Search + "%"
		args = append(args, pat, pat)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND batch_id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + batchColumns + ` FROM batches ` + where + ` ORDER BY created_at DESC, batch_id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

// ListSyncCandidates returns batches that have at least one custody party
// beyond the manufacturer, i.e. batches that exist on the ledger.
func (r Repo) ListSyncCandidates(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT batch_id FROM batches
WHERE manufacturer_id != '' OR distributor_id IS NOT NULL OR retailer_id IS NOT NULL ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) CountBatchesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM batches GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) CountNonCompliantBatches(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM batches WHERE temp_compliant=0`).Scan(&n)
	return n, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
