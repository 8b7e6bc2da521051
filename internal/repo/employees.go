package repo

import (
	"context"
	"database/sql"
	"strings"

	"servline/internal/domain"
)

func (r Repo) InsertEmployee(ctx context.Context, tx *sql.Tx, e domain.Employee) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO employees(name,email,password_hash,role,created_at) VALUES (?,?,?,?,?)`,
		e.Name, normalizeEmail(e.Email), e.PasswordHash, string(e.Role), e.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const employeeSelect = `SELECT id,name,email,password_hash,role,created_at FROM employees`

func scanEmployee(row *sql.Row) (domain.Employee, error) {
	var e domain.Employee
	var role string
	err := row.Scan(&e.ID, &e.Name, &e.Email, &e.PasswordHash, &role, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	e.Role = domain.Role(role)
	return e, err
}

func (r Repo) GetEmployee(ctx context.Context, id int64) (domain.Employee, error) {
	return r.GetEmployeeTx(ctx, nil, id)
}

func (r Repo) GetEmployeeTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Employee, error) {
	return scanEmployee(r.q(tx).QueryRowContext(ctx, employeeSelect+` WHERE id=?`, id))
}

// GetEmployeeByEmail matches case-insensitively.
func (r Repo) GetEmployeeByEmail(ctx context.Context, email string) (domain.Employee, error) {
	return scanEmployee(r.DB.QueryRowContext(ctx, employeeSelect+` WHERE email=?`, normalizeEmail(email)))
}

// ListEmployees returns employees ordered by name, optionally filtered by role.
func (r Repo) ListEmployees(ctx context.Context, role domain.Role) ([]domain.Employee, error) {
	query := employeeSelect
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, string(role))
	}
	query += ` ORDER BY name, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Employee
	for rows.Next() {
		var e domain.Employee
		var role string
		if err := rows.Scan(&e.ID, &e.Name, &e.Email, &e.PasswordHash, &role, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Role = domain.Role(role)
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePasswordHash(ctx context.Context, tx *sql.Tx, employeeID int64, hash string) error {
	return rowsAffected(r.q(tx).ExecContext(ctx, `UPDATE employees SET password_hash=? WHERE id=?`, hash, employeeID))
}

// ReplaceWorkerServices overwrites the qualification set of a worker.
func (r Repo) ReplaceWorkerServices(ctx context.Context, tx *sql.Tx, workerID int64, serviceIDs []int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM worker_services WHERE worker_id=?`, workerID); err != nil {
		return err
	}
	for _, sid := range serviceIDs {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO worker_services(worker_id,service_id) VALUES (?,?)`, workerID, sid); err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) AddWorkerService(ctx context.Context, tx *sql.Tx, workerID, serviceID int64) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO worker_services(worker_id,service_id) VALUES (?,?)`, workerID, serviceID)
	return err
}

func (r Repo) ListWorkerServices(ctx context.Context, workerID int64) ([]int64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT service_id FROM worker_services WHERE worker_id=? ORDER BY service_id`, workerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r Repo) WorkerQualifiedTx(ctx context.Context, tx *sql.Tx, workerID, serviceID int64) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM worker_services WHERE worker_id=? AND service_id=?`, workerID, serviceID).Scan(&n)
	return n > 0, err
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
