package engine

import (
	"context"
	"fmt"

	"servline/internal/domain"
	"servline/internal/repo"
)

// Dashboard is the home view of an employee.
type Dashboard struct {
	Assigned   []domain.TaskView `json:"assigned"`
	Unassigned []domain.TaskView `json:"unassigned"`
}

func (e Engine) Dashboard(ctx context.Context, emp domain.Employee) (Dashboard, error) {
	assigned, err := e.AssignedTasks(ctx, emp)
	if err != nil {
		return Dashboard{}, err
	}
	unassigned, err := e.UnassignedTasks(ctx, emp)
	if err != nil {
		return Dashboard{}, err
	}
	return Dashboard{Assigned: assigned, Unassigned: unassigned}, nil
}

// AssignedTasks gives a worker the single earliest-assigned open task they
// currently hold, and a manager every open task with an assignment.
func (e Engine) AssignedTasks(ctx context.Context, emp domain.Employee) ([]domain.TaskView, error) {
	f := repo.TaskFilters{Status: repo.TaskOpen, Assignment: repo.TaskAssigned}
	switch emp.Role {
	case domain.RoleWorker:
		f.AssigneeID = emp.ID
		f.Limit = 1
	case domain.RoleManager:
	default:
		return nil, fmt.Errorf("unknown role %q", emp.Role)
	}
	return e.Repo.ListTaskViews(ctx, f)
}

// UnassignedTasks lists open tasks without any assignment. Workers only see
// ready ones since that is the set they can pick from.
func (e Engine) UnassignedTasks(ctx context.Context, emp domain.Employee) ([]domain.TaskView, error) {
	f := repo.TaskFilters{Status: repo.TaskOpen, Assignment: repo.TaskUnassigned}
	switch emp.Role {
	case domain.RoleWorker:
		f.ReadyOnly = true
	case domain.RoleManager:
	default:
		return nil, fmt.Errorf("unknown role %q", emp.Role)
	}
	return e.Repo.ListTaskViews(ctx, f)
}

// CompletedTasks lists completed tasks newest first. limit <= 0 returns all.
func (e Engine) CompletedTasks(ctx context.Context, limit int) ([]domain.TaskView, error) {
	return e.Repo.ListTaskViews(ctx, repo.TaskFilters{Status: repo.TaskCompleted, Limit: limit})
}

// TaskDetail is everything the task page shows.
type TaskDetail struct {
	domain.TaskView
	Blocker     *Readiness              `json:"blocker,omitempty"`
	Assignments []domain.TaskAssignment `json:"assignments"`
	Requests    []domain.RequestView    `json:"requests"`
}

func (e Engine) TaskDetail(ctx context.Context, taskID int64) (TaskDetail, error) {
	view, err := e.Repo.GetTaskView(ctx, taskID)
	if err != nil {
		return TaskDetail{}, fmt.Errorf("task %d: %w", taskID, err)
	}
	d := TaskDetail{TaskView: view}
	if !view.Ready {
		r, err := e.TaskReadiness(ctx, taskID)
		if err != nil {
			return TaskDetail{}, err
		}
		d.Blocker = &r
	}
	if d.Assignments, err = e.TaskAssignments(ctx, taskID); err != nil {
		return TaskDetail{}, err
	}
	if d.Requests, err = e.TaskRequests(ctx, taskID); err != nil {
		return TaskDetail{}, err
	}
	return d, nil
}
