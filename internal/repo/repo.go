package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"servline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func (r Repo) InsertImplementation(ctx context.Context, tx *sql.Tx, impl domain.Implementation) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO implementations(service_id,client_id,requested_on,notes) VALUES (?,?,?,?)`,
		impl.ServiceID, impl.ClientID, impl.RequestedOn, nullable(impl.Notes))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetImplementation(ctx context.Context, id int64) (domain.Implementation, error) {
	return r.GetImplementationTx(ctx, nil, id)
}

func (r Repo) GetImplementationTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Implementation, error) {
	var impl domain.Implementation
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,service_id,client_id,requested_on,COALESCE(notes,'') FROM implementations WHERE id=?`, id).
		Scan(&impl.ID, &impl.ServiceID, &impl.ClientID, &impl.RequestedOn, &impl.Notes)
	if err == sql.ErrNoRows {
		return impl, ErrNotFound
	}
	return impl, err
}

type ImplementationFilters struct {
	ID        int64
	ManagedBy int64
	OpenOnly  bool
}

const implementationSummarySelect = `SELECT i.id,i.service_id,i.client_id,i.requested_on,COALESCE(i.notes,''),
  c.name, sv.name,
  (SELECT COUNT(*) FROM tasks t WHERE t.implementation_id=i.id),
  (SELECT COUNT(*) FROM tasks t WHERE t.implementation_id=i.id AND t.completed_on IS NOT NULL)
FROM implementations i
JOIN clients c ON c.id=i.client_id
JOIN services sv ON sv.id=i.service_id`

func (r Repo) ListImplementationSummaries(ctx context.Context, f ImplementationFilters) ([]domain.ImplementationSummary, error) {
	var clauses []string
	var args []any
	if f.ID > 0 {
		clauses = append(clauses, "i.id=?")
		args = append(args, f.ID)
	}
	if f.ManagedBy > 0 {
		clauses = append(clauses, "c.managed_by=?")
		args = append(args, f.ManagedBy)
	}
	if f.OpenOnly {
		clauses = append(clauses, "EXISTS (SELECT 1 FROM tasks t WHERE t.implementation_id=i.id AND t.completed_on IS NULL)")
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, implementationSummarySelect+where+` ORDER BY i.requested_on DESC, i.id DESC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ImplementationSummary
	for rows.Next() {
		var s domain.ImplementationSummary
		if err := rows.Scan(&s.ID, &s.ServiceID, &s.ClientID, &s.RequestedOn, &s.Notes, &s.ClientName, &s.ServiceName, &s.TotalTasks, &s.CompletedTasks); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) GetImplementationSummary(ctx context.Context, id int64) (domain.ImplementationSummary, error) {
	list, err := r.ListImplementationSummaries(ctx, ImplementationFilters{ID: id})
	if err != nil {
		return domain.ImplementationSummary{}, err
	}
	if len(list) == 0 {
		return domain.ImplementationSummary{}, ErrNotFound
	}
	return list[0], nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func rowsAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
