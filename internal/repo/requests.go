package repo

import (
	"context"
	"database/sql"
	"strings"

	"servline/internal/domain"
)

func (r Repo) InsertRequest(ctx context.Context, tx *sql.Tx, req domain.InformationRequest) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO information_requests(task_id,requested_by,assigned_to,requested_on,requested_info) VALUES (?,?,?,?,?)`,
		req.TaskID, req.RequestedBy, req.AssignedTo, req.RequestedOn, req.RequestedInfo)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetRequestTx(ctx context.Context, tx *sql.Tx, id int64) (domain.InformationRequest, error) {
	var req domain.InformationRequest
	var completedOn, completedInfo sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,task_id,requested_by,assigned_to,requested_on,requested_info,completed_on,completed_info FROM information_requests WHERE id=?`, id).
		Scan(&req.ID, &req.TaskID, &req.RequestedBy, &req.AssignedTo, &req.RequestedOn, &req.RequestedInfo, &completedOn, &completedInfo)
	if err == sql.ErrNoRows {
		return req, ErrNotFound
	}
	req.CompletedOn = stringPtr(completedOn)
	req.CompletedInfo = stringPtr(completedInfo)
	return req, err
}

// CloseRequestTx resolves an open request. It reports ErrNotFound when the
// request does not exist or was already closed.
func (r Repo) CloseRequestTx(ctx context.Context, tx *sql.Tx, id int64, completedOn, completedInfo string) error {
	return rowsAffected(tx.ExecContext(ctx, `UPDATE information_requests SET completed_on=?, completed_info=? WHERE id=? AND completed_on IS NULL`,
		completedOn, completedInfo, id))
}

type RequestFilters struct {
	TaskID     int64
	AssignedTo int64
	OpenOnly   bool
	// OpenedBefore keeps requests with requested_on strictly earlier.
	OpenedBefore string
}

const requestViewSelect = `SELECT ir.id,ir.task_id,ir.requested_by,ir.assigned_to,ir.requested_on,ir.requested_info,ir.completed_on,ir.completed_info,
  COALESCE(e.name,''),s.name,sv.name,c.name,i.id
FROM information_requests ir
JOIN tasks t ON t.id=ir.task_id
JOIN steps s ON s.id=t.step_id
JOIN implementations i ON i.id=t.implementation_id
JOIN services sv ON sv.id=i.service_id
JOIN clients c ON c.id=i.client_id
LEFT JOIN employees e ON e.id=ir.requested_by`

func (r Repo) ListRequests(ctx context.Context, f RequestFilters) ([]domain.RequestView, error) {
	var clauses []string
	var args []any
	if f.TaskID > 0 {
		clauses = append(clauses, "ir.task_id=?")
		args = append(args, f.TaskID)
	}
	if f.AssignedTo > 0 {
		clauses = append(clauses, "ir.assigned_to=?")
		args = append(args, f.AssignedTo)
	}
	if f.OpenOnly {
		clauses = append(clauses, "ir.completed_on IS NULL")
	}
	if f.OpenedBefore != "" {
		clauses = append(clauses, "ir.requested_on<?")
		args = append(args, f.OpenedBefore)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, requestViewSelect+where+` ORDER BY ir.requested_on ASC, ir.id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RequestView
	for rows.Next() {
		var v domain.RequestView
		var completedOn, completedInfo sql.NullString
		if err := rows.Scan(&v.ID, &v.TaskID, &v.RequestedBy, &v.AssignedTo, &v.RequestedOn, &v.RequestedInfo, &completedOn, &completedInfo,
			&v.RequesterName, &v.StepName, &v.ServiceName, &v.ClientName, &v.ImplementationID); err != nil {
			return nil, err
		}
		v.CompletedOn = stringPtr(completedOn)
		v.CompletedInfo = stringPtr(completedInfo)
		res = append(res, v)
	}
	return res, rows.Err()
}
