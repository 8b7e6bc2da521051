package repo

import (
	"context"
	"database/sql"

	"servline/internal/domain"
)

func (r Repo) InsertClient(ctx context.Context, tx *sql.Tx, c domain.Client) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO clients(name,address,email,managed_by,created_at) VALUES (?,?,?,?,?)`,
		c.Name, c.Address, c.Email, nullableInt64Ptr(c.ManagedBy), c.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const clientSelect = `SELECT id,name,address,email,managed_by,created_at FROM clients`

func (r Repo) GetClient(ctx context.Context, id int64) (domain.Client, error) {
	return r.GetClientTx(ctx, nil, id)
}

func (r Repo) GetClientTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Client, error) {
	var c domain.Client
	var managedBy sql.NullInt64
	err := r.q(tx).QueryRowContext(ctx, clientSelect+` WHERE id=?`, id).
		Scan(&c.ID, &c.Name, &c.Address, &c.Email, &managedBy, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	c.ManagedBy = int64Ptr(managedBy)
	return c, err
}

// ListClients returns clients by name; managedBy > 0 restricts to one manager's clients.
func (r Repo) ListClients(ctx context.Context, managedBy int64) ([]domain.Client, error) {
	query := clientSelect
	var args []any
	if managedBy > 0 {
		query += ` WHERE managed_by=?`
		args = append(args, managedBy)
	}
	query += ` ORDER BY name, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Client
	for rows.Next() {
		var c domain.Client
		var mb sql.NullInt64
		if err := rows.Scan(&c.ID, &c.Name, &c.Address, &c.Email, &mb, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.ManagedBy = int64Ptr(mb)
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) InsertService(ctx context.Context, tx *sql.Tx, s domain.Service) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO services(name,description,typical_time,typical_time_unit) VALUES (?,?,?,?)`,
		s.Name, s.Description, s.TypicalTime, string(s.TypicalTimeUnit))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) UpdateServiceTx(ctx context.Context, tx *sql.Tx, s domain.Service) error {
	return rowsAffected(tx.ExecContext(ctx, `UPDATE services SET description=?, typical_time=?, typical_time_unit=? WHERE id=?`,
		s.Description, s.TypicalTime, string(s.TypicalTimeUnit), s.ID))
}

const serviceSelect = `SELECT id,name,description,typical_time,typical_time_unit FROM services`

func scanService(row *sql.Row) (domain.Service, error) {
	var s domain.Service
	var unit string
	err := row.Scan(&s.ID, &s.Name, &s.Description, &s.TypicalTime, &unit)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.TypicalTimeUnit = domain.TimeUnit(unit)
	return s, err
}

func (r Repo) GetService(ctx context.Context, id int64) (domain.Service, error) {
	return r.GetServiceTx(ctx, nil, id)
}

func (r Repo) GetServiceTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Service, error) {
	return scanService(r.q(tx).QueryRowContext(ctx, serviceSelect+` WHERE id=?`, id))
}

func (r Repo) GetServiceByNameTx(ctx context.Context, tx *sql.Tx, name string) (domain.Service, error) {
	return scanService(r.q(tx).QueryRowContext(ctx, serviceSelect+` WHERE name=?`, name))
}

// ListServices returns every service with its steps attached.
func (r Repo) ListServices(ctx context.Context) ([]domain.Service, error) {
	rows, err := r.DB.QueryContext(ctx, serviceSelect+` ORDER BY name, id`)
	if err != nil {
		return nil, err
	}
	var res []domain.Service
	for rows.Next() {
		var s domain.Service
		var unit string
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &s.TypicalTime, &unit); err != nil {
			rows.Close()
			return nil, err
		}
		s.TypicalTimeUnit = domain.TimeUnit(unit)
		res = append(res, s)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	for i := range res {
		steps, err := r.ListStepsTx(ctx, nil, res[i].ID)
		if err != nil {
			return nil, err
		}
		res[i].Steps = steps
	}
	return res, nil
}

func (r Repo) InsertStep(ctx context.Context, tx *sql.Tx, s domain.Step) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO steps(service_id,blocked_by,name,description) VALUES (?,?,?,?)`,
		s.ServiceID, nullableInt64Ptr(s.BlockedBy), s.Name, s.Description)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) UpdateStepTx(ctx context.Context, tx *sql.Tx, s domain.Step) error {
	return rowsAffected(tx.ExecContext(ctx, `UPDATE steps SET blocked_by=?, description=? WHERE id=?`,
		nullableInt64Ptr(s.BlockedBy), s.Description, s.ID))
}

func (r Repo) GetStepTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Step, error) {
	var s domain.Step
	var blockedBy sql.NullInt64
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,service_id,blocked_by,name,description FROM steps WHERE id=?`, id).
		Scan(&s.ID, &s.ServiceID, &blockedBy, &s.Name, &s.Description)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	s.BlockedBy = int64Ptr(blockedBy)
	return s, err
}

// ListStepsTx returns the steps of a service in insertion order.
func (r Repo) ListStepsTx(ctx context.Context, tx *sql.Tx, serviceID int64) ([]domain.Step, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id,service_id,blocked_by,name,description FROM steps WHERE service_id=? ORDER BY id`, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Step
	for rows.Next() {
		var s domain.Step
		var blockedBy sql.NullInt64
		if err := rows.Scan(&s.ID, &s.ServiceID, &blockedBy, &s.Name, &s.Description); err != nil {
			return nil, err
		}
		s.BlockedBy = int64Ptr(blockedBy)
		res = append(res, s)
	}
	return res, rows.Err()
}
