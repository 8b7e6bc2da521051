package repo

import (
	"context"
	"database/sql"
	"strings"

	"servline/internal/domain"
)

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO tasks(step_id,implementation_id,notes,completed_on) VALUES (?,?,?,?)`,
		t.StepID, t.ImplementationID, nullable(t.Notes), nullableStringPtr(t.CompletedOn))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return r.GetTaskTx(ctx, nil, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT id,step_id,implementation_id,COALESCE(notes,''),completed_on FROM tasks WHERE id=?`, id))
}

// SiblingTaskTx returns the task of the implementation that executes the given step.
func (r Repo) SiblingTaskTx(ctx context.Context, tx *sql.Tx, implementationID, stepID int64) (domain.Task, error) {
	return scanTask(r.q(tx).QueryRowContext(ctx, `SELECT id,step_id,implementation_id,COALESCE(notes,''),completed_on FROM tasks WHERE implementation_id=? AND step_id=?`,
		implementationID, stepID))
}

func scanTask(row *sql.Row) (domain.Task, error) {
	var t domain.Task
	var completedOn sql.NullString
	err := row.Scan(&t.ID, &t.StepID, &t.ImplementationID, &t.Notes, &completedOn)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.CompletedOn = stringPtr(completedOn)
	return t, nil
}

// CompleteTaskTx stamps completed_on unconditionally; a completed task is re-stamped.
func (r Repo) CompleteTaskTx(ctx context.Context, tx *sql.Tx, id int64, completedOn string) error {
	return rowsAffected(r.q(tx).ExecContext(ctx, `UPDATE tasks SET completed_on=? WHERE id=?`, completedOn, id))
}

type TaskStatus string

const (
	TaskOpen      TaskStatus = "open"
	TaskCompleted TaskStatus = "completed"
)

type AssignmentState string

const (
	TaskAssigned   AssignmentState = "assigned"
	TaskUnassigned AssignmentState = "unassigned"
)

type TaskFilters struct {
	ID               int64
	ImplementationID int64
	Status           TaskStatus
	Assignment       AssignmentState
	// AssigneeID matches the current assignee only.
	AssigneeID int64
	ReadyOnly  bool
	Limit      int
}

// readyExpr mirrors engine readiness: a task is blocked only while a sibling
// task for its blocker step exists and is still open.
const readyExpr = `(CASE WHEN s.blocked_by IS NULL THEN 1
  WHEN EXISTS (SELECT 1 FROM tasks b WHERE b.implementation_id=t.implementation_id AND b.step_id=s.blocked_by AND b.completed_on IS NULL) THEN 0
  ELSE 1 END)`

const taskViewSelect = `SELECT t.id,t.step_id,t.implementation_id,COALESCE(t.notes,''),t.completed_on,
  s.name,s.description,s.blocked_by,
  sv.id,sv.name,sv.description,
  c.id,c.name,c.managed_by,
  COALESCE(i.notes,''),
  ` + readyExpr + `,
  ca.assigned_to,COALESCE(ae.name,''),ca.assigned_on,
  (SELECT COUNT(*) FROM information_requests ir WHERE ir.task_id=t.id AND ir.completed_on IS NULL)
FROM tasks t
JOIN steps s ON s.id=t.step_id
JOIN implementations i ON i.id=t.implementation_id
JOIN services sv ON sv.id=i.service_id
JOIN clients c ON c.id=i.client_id
LEFT JOIN task_assignments ca ON ca.id=(SELECT a.id FROM task_assignments a WHERE a.task_id=t.id ORDER BY a.assigned_on DESC, a.id DESC LIMIT 1)
LEFT JOIN employees ae ON ae.id=ca.assigned_to`

func (r Repo) ListTaskViews(ctx context.Context, f TaskFilters) ([]domain.TaskView, error) {
	var clauses []string
	var args []any
	if f.ID > 0 {
		clauses = append(clauses, "t.id=?")
		args = append(args, f.ID)
	}
	if f.ImplementationID > 0 {
		clauses = append(clauses, "t.implementation_id=?")
		args = append(args, f.ImplementationID)
	}
	switch f.Status {
	case TaskOpen:
		clauses = append(clauses, "t.completed_on IS NULL")
	case TaskCompleted:
		clauses = append(clauses, "t.completed_on IS NOT NULL")
	}
	switch f.Assignment {
	case TaskAssigned:
		clauses = append(clauses, "ca.id IS NOT NULL")
	case TaskUnassigned:
		clauses = append(clauses, "ca.id IS NULL")
	}
	if f.AssigneeID > 0 {
		clauses = append(clauses, "ca.assigned_to=?")
		args = append(args, f.AssigneeID)
	}
	if f.ReadyOnly {
		clauses = append(clauses, readyExpr+"=1")
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	var order string
	switch {
	case f.Status == TaskCompleted:
		order = " ORDER BY t.completed_on DESC, t.id DESC"
	case f.Assignment == TaskAssigned:
		order = " ORDER BY ca.assigned_on ASC, ca.id ASC"
	default:
		order = " ORDER BY i.requested_on ASC, t.implementation_id ASC, t.id ASC"
	}
	query := taskViewSelect + where + order
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskView
	for rows.Next() {
		var v domain.TaskView
		var completedOn, assignedOn sql.NullString
		var blockedBy, managedBy, assigneeID sql.NullInt64
		var ready int
		if err := rows.Scan(&v.ID, &v.StepID, &v.ImplementationID, &v.Notes, &completedOn,
			&v.StepName, &v.StepDescription, &blockedBy,
			&v.ServiceID, &v.ServiceName, &v.ServiceDescription,
			&v.ClientID, &v.ClientName, &managedBy,
			&v.ImplementationNotes, &ready,
			&assigneeID, &v.AssigneeName, &assignedOn,
			&v.OpenRequests); err != nil {
			return nil, err
		}
		v.CompletedOn = stringPtr(completedOn)
		v.BlockedByStepID = int64Ptr(blockedBy)
		v.ManagedBy = int64Ptr(managedBy)
		v.AssigneeID = int64Ptr(assigneeID)
		v.AssignedOn = stringPtr(assignedOn)
		v.Ready = ready == 1
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) GetTaskView(ctx context.Context, id int64) (domain.TaskView, error) {
	list, err := r.ListTaskViews(ctx, TaskFilters{ID: id})
	if err != nil {
		return domain.TaskView{}, err
	}
	if len(list) == 0 {
		return domain.TaskView{}, ErrNotFound
	}
	return list[0], nil
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.TaskAssignment) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO task_assignments(task_id,assigned_by,assigned_to,assigned_on) VALUES (?,?,?,?)`,
		a.TaskID, a.AssignedBy, a.AssignedTo, a.AssignedOn)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const assignmentSelect = `SELECT a.id,a.task_id,a.assigned_by,a.assigned_to,a.assigned_on,COALESCE(eb.name,''),COALESCE(et.name,'')
FROM task_assignments a
LEFT JOIN employees eb ON eb.id=a.assigned_by
LEFT JOIN employees et ON et.id=a.assigned_to
WHERE a.task_id=?`

// ListAssignments returns the assignment history of a task, oldest first.
func (r Repo) ListAssignments(ctx context.Context, taskID int64) ([]domain.TaskAssignment, error) {
	rows, err := r.DB.QueryContext(ctx, assignmentSelect+` ORDER BY a.assigned_on ASC, a.id ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskAssignment
	for rows.Next() {
		var a domain.TaskAssignment
		if err := rows.Scan(&a.ID, &a.TaskID, &a.AssignedBy, &a.AssignedTo, &a.AssignedOn, &a.AssignerName, &a.AssigneeName); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CurrentAssignment returns the latest assignment by assigned_on, ties broken by id.
func (r Repo) CurrentAssignment(ctx context.Context, taskID int64) (domain.TaskAssignment, error) {
	var a domain.TaskAssignment
	err := r.DB.QueryRowContext(ctx, assignmentSelect+` ORDER BY a.assigned_on DESC, a.id DESC LIMIT 1`, taskID).
		Scan(&a.ID, &a.TaskID, &a.AssignedBy, &a.AssignedTo, &a.AssignedOn, &a.AssignerName, &a.AssigneeName)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}
