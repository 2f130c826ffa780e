package repo

import (
	"context"
	"database/sql"
	"strings"

	"pharmatrace/internal/domain"
)

func (r Repo) InsertVerification(ctx context.Context, v domain.Verification) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO verifications(batch_id,verifier_id,result,method,response_time_ms,error_message,ts) VALUES (?,?,?,?,?,?,?)`,
		v.BatchID, nullable(v.VerifierID), v.Result, v.Method, v.ResponseTimeMS, nullable(v.ErrorMessage), v.TS)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

type VerificationFilters struct {
	BatchID  string
	Result   string
	Since    string
	Limit    int
	CursorTS string
	CursorID int64
}

func (r Repo) ListVerifications(ctx context.Context, f VerificationFilters) ([]domain.Verification, error) {
	var clauses []string
	var args []any
	if f.BatchID != "" {
		clauses = append(clauses, "batch_id=?")
		args = append(args, f.BatchID)
	}
	if f.Result != "" {
		clauses = append(clauses, "result=?")
		args = append(args, f.Result)
	}
	if f.Since != "" {
		clauses = append(clauses, "ts>=?")
		args = append(args, f.Since)
	}
	if f.CursorTS != "" && f.CursorID > 0 {
		clauses = append(clauses, "(ts < ? OR (ts = ? AND id < ?))")
		args = append(args, f.CursorTS, f.CursorTS, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,batch_id,verifier_id,result,method,response_time_ms,error_message,ts FROM verifications ` + where + ` ORDER BY ts DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Verification
	for rows.Next() {
		var v domain.Verification
		var verifierID, errorMessage sql.NullString
		if err := rows.Scan(&v.ID, &v.BatchID, &verifierID, &v.Result, &v.Method, &v.ResponseTimeMS, &errorMessage, &v.TS); err != nil {
			return nil, err
		}
		if verifierID.Valid {
			v.VerifierID = verifierID.String
		}
		if errorMessage.Valid {
			v.ErrorMessage = errorMessage.String
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// CountVerificationsByResult aggregates results since the given timestamp;
// an empty since covers the whole table.
func (r Repo) CountVerificationsByResult(ctx context.Context, since string) (map[string]int, error) {
	query := `SELECT result, count(*) FROM verifications`
	var args []any
	if since != "" {
		query += ` WHERE ts>=?`
		args = append(args, since)
	}
	query += ` GROUP BY result`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var result string
		var count int
		if err := rows.Scan(&result, &count); err != nil {
			return nil, err
		}
		res[result] = count
	}
	return res, rows.Err()
}

func (r Repo) AverageVerificationLatency(ctx context.Context, since string) (float64, error) {
	query := `SELECT COALESCE(AVG(response_time_ms),0) FROM verifications`
	var args []any
	if since != "" {
		query += ` WHERE ts>=?`
		args = append(args, since)
	}
	var avg float64
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&avg)
	return avg, err
}
