package repo

import (
	"context"
	"database/sql"
	"strings"

	"pharmatrace/internal/domain"
)

func scanCompany(scan func(dest ...any) error) (domain.Company, error) {
	var c domain.Company
	var email, phone, license sql.NullString
	err := scan(&c.ID, &c.Name, &c.Role, &email, &phone, &license, &c.IsVerified, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if email.Valid {
		c.Email = email.String
	}
	if phone.Valid {
		c.Phone = phone.String
	}
	if license.Valid {
		c.LicenseNumber = license.String
	}
	return c, nil
}

func (r Repo) InsertCompany(ctx context.Context, c domain.Company) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO companies(id,name,role,email,phone,license_number,is_verified,is_active,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Name, c.Role, nullable(c.Email), nullable(c.Phone), nullable(c.LicenseNumber), c.IsVerified, c.IsActive, c.CreatedAt, c.UpdatedAt)
	return err
}

// EnsureCompany provisions a placeholder row for a custody party discovered
// during sync. Existing rows are left untouched.
func (r Repo) EnsureCompany(ctx context.Context, id, role, now string) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO companies(id,name,role,is_verified,is_active,created_at,updated_at)
VALUES (?,?,?,0,1,?,?) ON CONFLICT(id) DO NOTHING`, id, id, role, now, now)
	return err
}

func (r Repo) GetCompany(ctx context.Context, id string) (domain.Company, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,role,email,phone,license_number,is_verified,is_active,created_at,updated_at FROM companies WHERE id=?`, id)
	return scanCompany(row.Scan)
}

func (r Repo) ListCompanies(ctx context.Context, role string) ([]domain.Company, error) {
	var clauses []string
	var args []any
	if role != "" {
		clauses = append(clauses, "role=?")
		args = append(args, role)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,role,email,phone,license_number,is_verified,is_active,created_at,updated_at FROM companies `+where+` ORDER BY created_at DESC, id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Company
	for rows.Next() {
		c, err := scanCompany(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) MarkCompanyVerified(ctx context.Context, id, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE companies SET is_verified=1, updated_at=? WHERE id=?`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
